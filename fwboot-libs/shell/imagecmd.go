package shell

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/losfair/fwboot/fwboot-libs/env"
	"github.com/spf13/cobra"
)

var (
	ErrNoLedger  = errors.New("no image ledger configured")
	ErrNoChecker = errors.New("no crc checker configured")
	ErrCRCFailed = errors.New("crc checks failed")
)

func (in *Interpreter) imageCommands() []*cobra.Command {
	record := leaf("image_record <image> <revision> <length>", "record an image already in flash", cobra.ExactArgs(3), func(cmd *cobra.Command, args []string) error {
		if in.opts.Ledger == nil {
			return ErrNoLedger
		}
		revision, err := env.ParseHex(args[1])
		if err != nil || revision > 0xFFFFFFFF {
			return fmt.Errorf("bad revision %q, expected a hexadecimal quadlet", args[1])
		}
		length, err := strconv.ParseUint(args[2], 10, 32)
		if err != nil {
			return fmt.Errorf("bad length %q, expected a decimal byte count", args[2])
		}
		r, err := in.opts.Ledger.Fabricate(args[0], uint32(revision), uint32(length))
		if err != nil {
			return fmt.Errorf("failed to write image record for %q (is image CRC partition erased?): %w", args[0], err)
		}
		in.printf(cmd, "Image record created using calculated CRC 0x%08X\n", r.CRC)
		return nil
	})

	imls := leaf("imls", "list image records", cobra.NoArgs, func(cmd *cobra.Command, args []string) error {
		if in.opts.Ledger == nil {
			return ErrNoLedger
		}
		entries, err := in.opts.Ledger.Dump()
		if err != nil {
			return err
		}
		t := table.NewWriter()
		t.SetOutputMirror(cmd.OutOrStdout())
		t.AppendHeader(table.Row{"#", "Image", "Revision", "Length", "CRC"})
		for _, e := range entries {
			if e.Record.Blank() {
				t.AppendRow(table.Row{e.Index, e.Name, "-", "-", "-"})
				continue
			}
			t.AppendRow(table.Row{
				e.Index,
				e.Name,
				fmt.Sprintf("0x%08x", e.Record.Revision),
				humanize.IBytes(uint64(e.Record.Length)),
				fmt.Sprintf("0x%08x", e.Record.CRC),
			})
		}
		t.Render()
		return nil
	})

	check := func(golden, runtime bool) func(cmd *cobra.Command, args []string) error {
		return func(cmd *cobra.Command, args []string) error {
			if in.opts.Checker == nil {
				return ErrNoChecker
			}
			failed := false
			if golden {
				if err := in.opts.Checker.CheckGolden(cmd.Context()); err != nil {
					in.printf(cmd, "Golden CRC checks failed: %v\n", err)
					failed = true
				}
			}
			if runtime {
				if err := in.opts.Checker.CheckRuntime(cmd.Context()); err != nil {
					in.printf(cmd, "Runtime CRC checks failed: %v\n", err)
					failed = true
				}
			}
			if failed {
				return ErrCRCFailed
			}
			return nil
		}
	}

	return []*cobra.Command{
		record,
		imls,
		leaf("checkc", "check all image CRCs", cobra.NoArgs, check(true, true)),
		leaf("checkg", "check the golden image CRCs", cobra.NoArgs, check(true, false)),
		leaf("checkp", "check the production image CRCs", cobra.NoArgs, check(false, true)),
	}
}
