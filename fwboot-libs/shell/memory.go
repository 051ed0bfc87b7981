package shell

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/losfair/fwboot/fwboot-libs/env"
	"github.com/losfair/fwboot/fwboot-libs/flash"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var ErrNoFlash = errors.New("no flash device configured")

// flashRange turns a bus address and "+len" or end address into a flash
// device offset and length.
func (in *Interpreter) flashRange(startArg, endArg string) (int64, int64, error) {
	if in.opts.Flash == nil {
		return 0, 0, ErrNoFlash
	}
	start, err := env.ParseHex(startArg)
	if err != nil {
		return 0, 0, err
	}
	n, err := flash.ParseRange(start, endArg, env.ParseHex)
	if err != nil {
		return 0, 0, err
	}
	if start < in.opts.FlashBase {
		return 0, 0, fmt.Errorf("0x%08x is not in flash", start)
	}
	return int64(start - in.opts.FlashBase), int64(n), nil
}

func parseHexArgs(args []string) ([]uint64, error) {
	out := make([]uint64, len(args))
	for i, a := range args {
		v, err := env.ParseHex(a)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (in *Interpreter) memoryCommands() []*cobra.Command {
	protect := leaf("protect on|off <start> <end|+len>", "enable or disable flash write protection", cobra.ExactArgs(3), func(cmd *cobra.Command, args []string) error {
		var on bool
		switch args[0] {
		case "on":
			on = true
		case "off":
		default:
			return fmt.Errorf("expected on or off, got %q", args[0])
		}
		off, n, err := in.flashRange(args[1], args[2])
		if err != nil {
			return err
		}
		if err := in.opts.Flash.Protect(off, n, on); err != nil {
			return err
		}
		if on {
			in.printf(cmd, "Protected flash 0x%x+0x%x\n", off, n)
		} else {
			in.printf(cmd, "Un-Protected flash 0x%x+0x%x\n", off, n)
		}
		return nil
	})

	erase := leaf("erase <start> <end|+len>", "erase flash sectors", cobra.ExactArgs(2), func(cmd *cobra.Command, args []string) error {
		off, n, err := in.flashRange(args[0], args[1])
		if err != nil {
			return err
		}
		if err := flash.EraseAll(in.opts.Flash, off, n); err != nil {
			return err
		}
		in.printf(cmd, "Erased %s at 0x%x\n", humanize.IBytes(uint64(n)), off)
		return nil
	})

	cp := leaf("cp.b <source> <target> <count>", "copy bytes between memory windows", cobra.ExactArgs(3), func(cmd *cobra.Command, args []string) error {
		v, err := parseHexArgs(args)
		if err != nil {
			return err
		}
		src, dst, count := v[0], v[1], v[2]
		data, err := in.opts.Memory.Read(src, count)
		if err != nil {
			return err
		}
		region, _, err := in.opts.Memory.Resolve(dst, count)
		if err != nil {
			return err
		}
		if _, ok := region.Mem.(flash.Device); ok {
			in.printf(cmd, "Copy to Flash... ")
		}
		if _, err := in.opts.Memory.WriteAt(data, int64(dst)); err != nil {
			return err
		}
		in.printf(cmd, "done\n")
		return nil
	})

	sum := leaf("crc32 <address> <count> [store]", "checksum a memory range", cobra.RangeArgs(2, 3), func(cmd *cobra.Command, args []string) error {
		v, err := parseHexArgs(args)
		if err != nil {
			return err
		}
		h := crc32.NewIEEE()
		if _, err := io.Copy(h, io.NewSectionReader(in.opts.Memory, int64(v[0]), int64(v[1]))); err != nil {
			return err
		}
		crc := h.Sum32()
		end := v[0]
		if v[1] > 0 {
			end += v[1] - 1
		}
		in.printf(cmd, "CRC32 for %08x ... %08x ==> %08x\n", v[0], end, crc)
		if len(v) == 3 {
			buf := binary.BigEndian.AppendUint32(nil, crc)
			if _, err := in.opts.Memory.WriteAt(buf, int64(v[2])); err != nil {
				return err
			}
		}
		return nil
	})

	tftp := leaf("tftpboot [address] [[server:]file]", "load a file over tftp", cobra.MaximumNArgs(2), in.tftpboot)

	return []*cobra.Command{protect, erase, cp, sum, in.sfCommand(), tftp}
}

func (in *Interpreter) sfCommand() *cobra.Command {
	sf := &cobra.Command{
		Use:   "sf",
		Short: "serial flash access",
	}

	probe := leaf("probe [args]", "detect the flash device", cobra.ArbitraryArgs, func(cmd *cobra.Command, args []string) error {
		if in.opts.Flash == nil {
			return ErrNoFlash
		}
		in.printf(cmd, "SF: Detected flash with sector size %s, total %s\n",
			humanize.IBytes(uint64(in.opts.Flash.SectorSize())), humanize.IBytes(uint64(in.opts.Flash.Size())))
		return nil
	})

	read := leaf("read <address> <offset> <len>", "copy flash into memory", cobra.ExactArgs(3), func(cmd *cobra.Command, args []string) error {
		if in.opts.Flash == nil {
			return ErrNoFlash
		}
		v, err := parseHexArgs(args)
		if err != nil {
			return err
		}
		buf := make([]byte, v[2])
		if _, err := in.opts.Flash.ReadAt(buf, int64(v[1])); err != nil {
			return err
		}
		if _, err := in.opts.Memory.WriteAt(buf, int64(v[0])); err != nil {
			return err
		}
		in.printf(cmd, "SF: %d bytes @ %#x Read: OK\n", v[2], v[1])
		return nil
	})

	write := leaf("write <address> <offset> <len>", "program memory into flash", cobra.ExactArgs(3), func(cmd *cobra.Command, args []string) error {
		if in.opts.Flash == nil {
			return ErrNoFlash
		}
		v, err := parseHexArgs(args)
		if err != nil {
			return err
		}
		data, err := in.opts.Memory.Read(v[0], v[2])
		if err != nil {
			return err
		}
		if _, err := in.opts.Flash.WriteAt(data, int64(v[1])); err != nil {
			return err
		}
		in.printf(cmd, "SF: %d bytes @ %#x Written: OK\n", v[2], v[1])
		return nil
	})

	erase := leaf("erase <offset> <len|+len>", "erase flash sectors", cobra.ExactArgs(2), func(cmd *cobra.Command, args []string) error {
		if in.opts.Flash == nil {
			return ErrNoFlash
		}
		off, err := env.ParseHex(args[0])
		if err != nil {
			return err
		}
		if strings.HasPrefix(args[1], "+") {
			n, err := env.ParseHex(args[1][1:])
			if err != nil {
				return err
			}
			err = flash.EraseAll(in.opts.Flash, int64(off), int64(n))
			if err != nil {
				return err
			}
		} else {
			n, err := env.ParseHex(args[1])
			if err != nil {
				return err
			}
			if err := in.opts.Flash.Erase(int64(off), int64(n)); err != nil {
				return err
			}
		}
		in.printf(cmd, "SF: %s bytes @ %#x Erased: OK\n", strings.TrimPrefix(args[1], "+"), off)
		return nil
	})

	sf.AddCommand(probe, read, write, erase)
	return sf
}

func (in *Interpreter) tftpboot(cmd *cobra.Command, args []string) error {
	if in.opts.Loader == nil {
		return errors.New("no network loader configured")
	}
	e := in.opts.Env

	addrText, _ := e.Get("loadaddr")
	file, _ := e.Get("bootfile")
	switch len(args) {
	case 1:
		if _, err := env.ParseHex(args[0]); err == nil {
			addrText = args[0]
		} else {
			file = args[0]
		}
	case 2:
		addrText, file = args[0], args[1]
	}

	server, _ := e.Get("serverip")
	if host, name, ok := strings.Cut(file, ":"); ok {
		server, file = host, name
	}
	if server == "" {
		return errors.New("serverip not set")
	}
	if file == "" {
		return errors.New("no boot file given")
	}
	addr, err := env.ParseHex(addrText)
	if err != nil {
		return fmt.Errorf("bad load address %q: %w", addrText, err)
	}

	in.logger.Info("tftp load", zap.String("server", server), zap.String("file", file), zap.String("address", fmt.Sprintf("0x%08x", addr)))
	n, err := in.opts.Loader.Fetch(cmd.Context(), server, file, io.NewOffsetWriter(in.opts.Memory, int64(addr)))
	if err != nil {
		return err
	}
	e.Set("fileaddr", fmt.Sprintf("%x", addr))
	e.Set("filesize", fmt.Sprintf("%x", n))
	in.printf(cmd, "Bytes transferred = %d (%x hex)\n", n, n)
	return nil
}
