package shell

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/losfair/fwboot/fwboot-libs/env"
	"github.com/losfair/fwboot/fwboot-libs/icap"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var ErrNoICAP = errors.New("no icap configured")

func (in *Interpreter) icapCommands() []*cobra.Command {
	reconfigure := func(cmd *cobra.Command, target icap.Target) error {
		if in.opts.ICAP == nil {
			return ErrNoICAP
		}
		in.logger.Info("reconfiguring fpga", zap.Stringer("target", target))
		in.printf(cmd, "Reconfiguring FPGA to %s image\n", target)
		in.opts.ICAP.Reconfigure(cmd.Context(), target)
		return nil
	}

	reset := leaf("reset", "reconfigure to the golden image", cobra.NoArgs, func(cmd *cobra.Command, args []string) error {
		return reconfigure(cmd, icap.TargetGolden)
	})

	reconf := leaf("reconf [0|1]", "reconfigure to the golden (0) or production (1) image", cobra.MaximumNArgs(1), func(cmd *cobra.Command, args []string) error {
		target := icap.TargetGolden
		if len(args) == 1 {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("bad image selector %q", args[0])
			}
			if n != 0 {
				target = icap.TargetProduction
			}
		}
		return reconfigure(cmd, target)
	})

	rg5 := leaf("rg5", "read GENERAL5", cobra.NoArgs, func(cmd *cobra.Command, args []string) error {
		if in.opts.ICAP == nil {
			return ErrNoICAP
		}
		v, err := in.opts.ICAP.ReadGeneral5(cmd.Context())
		if err != nil {
			return err
		}
		in.printf(cmd, "GENERAL5: 0x%04x\n", v)
		return nil
	})

	wg5 := leaf("wg5 <hex>", "write GENERAL5", cobra.ExactArgs(1), func(cmd *cobra.Command, args []string) error {
		if in.opts.ICAP == nil {
			return ErrNoICAP
		}
		v, err := env.ParseHex(args[0])
		if err != nil {
			return err
		}
		if v > 0xFFFF {
			return fmt.Errorf("0x%x does not fit in 16 bits", v)
		}
		if err := in.opts.ICAP.WriteGeneral5(cmd.Context(), uint16(v)); err != nil {
			return err
		}
		in.printf(cmd, "GENERAL5 <= 0x%04x\n", v)
		return nil
	})

	ridr := leaf("ridr", "read the device IDCODE", cobra.NoArgs, func(cmd *cobra.Command, args []string) error {
		if in.opts.ICAP == nil {
			return ErrNoICAP
		}
		id, err := in.opts.ICAP.ReadIDCode(cmd.Context())
		if err != nil {
			return err
		}
		in.printf(cmd, "IDCODE: 0x%08x\n", id)
		return nil
	})

	return []*cobra.Command{reset, reconf, rg5, wg5, ridr}
}
