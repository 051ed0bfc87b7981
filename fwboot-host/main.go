package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/losfair/fwboot/fwboot-libs/ledger"
	"github.com/losfair/fwboot/fwboot-libs/update"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

type connectFlags struct {
	device   string
	baud     int
	url      string
	user     string
	password string
	timeout  time.Duration
}

func (f *connectFlags) connect() (*Device, func() error, error) {
	switch {
	case f.device != "" && f.url != "":
		return nil, nil, errors.New("--device and --url are mutually exclusive")
	case f.device != "":
		c, err := dialSerial(f.device, f.baud, f.timeout)
		if err != nil {
			return nil, nil, err
		}
		return NewDevice(c), c.Close, nil
	case f.url != "":
		if f.password == "" {
			f.password = os.Getenv("FWBOOT_API_PASSWORD")
		}
		return NewDevice(newHTTPCaller(f.url, f.user, f.password, f.timeout)), func() error { return nil }, nil
	default:
		return nil, nil, errors.New("one of --device or --url is required")
	}
}

// parseImage accepts a slot index or one of the default image names.
func parseImage(s string) (uint32, error) {
	if i := lo.IndexOf(ledger.DefaultImages, s); i >= 0 {
		return uint32(i), nil
	}
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("unknown image %q, expected an index or one of %s", s, strings.Join(ledger.DefaultImages, ", "))
	}
	return uint32(v), nil
}

func withDevice(flags *connectFlags, fn func(ctx context.Context, d *Device) error) error {
	d, closeDevice, err := flags.connect()
	if err != nil {
		return err
	}
	defer closeDevice()
	return fn(context.Background(), d)
}

func main() {
	flags := &connectFlags{}
	root := &cobra.Command{
		Use:           "fwboot-host",
		Short:         "drive firmware updates of a device from its host",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	pf := root.PersistentFlags()
	pf.StringVar(&flags.device, "device", "", "serial device carrying the mailbox")
	pf.IntVar(&flags.baud, "baud", 115200, "serial baud rate")
	pf.StringVar(&flags.url, "url", "", "base url of the device api server")
	pf.StringVar(&flags.user, "user", "", "api client key id")
	pf.StringVar(&flags.password, "password", "", "api client key secret (default $FWBOOT_API_PASSWORD)")
	pf.DurationVar(&flags.timeout, "timeout", 30*time.Second, "per-call timeout")

	var (
		revision  uint32
		command   string
		chunkSize int
		events    bool
	)
	updateCmd := &cobra.Command{
		Use:   "update <image> <file>",
		Short: "upload an image and run its activation command",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			image, err := parseImage(args[0])
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			if command == "" {
				return errors.New("--command is required")
			}

			return withDevice(flags, func(ctx context.Context, d *Device) error {
				if events {
					if err := d.EnableEvents(ctx, true); err != nil {
						return err
					}
				}
				fmt.Printf("uploading %s (%s) to image %d, revision %d\n", args[1], humanize.IBytes(uint64(len(data))), image, revision)
				started := time.Now()
				err := d.Upload(ctx, &Upload{
					Image:     image,
					Command:   command,
					Revision:  revision,
					Data:      data,
					ChunkSize: chunkSize,
					Progress: func(sent, total int) {
						fmt.Printf("\r%s / %s", humanize.IBytes(uint64(sent)), humanize.IBytes(uint64(total)))
					},
				})
				fmt.Println()

				var statusErr *StatusError
				if errors.As(err, &statusErr) && statusErr.Code == update.ImageAlreadyPresent {
					color.New(color.FgYellow).Println("image already present, erase its record first")
					return err
				}
				if err != nil {
					return err
				}
				color.New(color.FgGreen).Printf("update complete in %s\n", time.Since(started).Round(time.Millisecond))

				if events {
					if code, ok, err := d.NextEvent(ctx); err == nil && ok {
						fmt.Printf("device reported: %s\n", code)
					}
				}
				return nil
			})
		},
	}
	updateCmd.Flags().Uint32Var(&revision, "revision", 0, "revision recorded for the image")
	updateCmd.Flags().StringVar(&command, "command", "", "activation command the device runs once the image is verified")
	updateCmd.Flags().IntVar(&chunkSize, "chunk", 512, "bytes per data packet")
	updateCmd.Flags().BoolVar(&events, "events", false, "enable the device event queue for this update")
	root.AddCommand(updateCmd)

	root.AddCommand(&cobra.Command{
		Use:   "remain",
		Short: "ask the device to stay in its bootloader",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(flags, func(ctx context.Context, d *Device) error {
				return d.RemainInBootloader(ctx)
			})
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "delay",
		Short: "ask the device to delay booting",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(flags, func(ctx context.Context, d *Device) error {
				return d.RequestBootDelay(ctx)
			})
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "exec <command...>",
		Short: "run a bootloader command on the device",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(flags, func(ctx context.Context, d *Device) error {
				return d.SendCommand(ctx, strings.Join(args, " "))
			})
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "show which image the device is executing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(flags, func(ctx context.Context, d *Device) error {
				image, err := d.ExecutingImage(ctx)
				if err != nil {
					return err
				}
				if image == update.CodeImageBoot {
					color.New(color.FgYellow).Println("executing boot image")
				} else {
					color.New(color.FgGreen).Println("executing runtime image")
				}
				return nil
			})
		},
	})

	if err := root.Execute(); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
