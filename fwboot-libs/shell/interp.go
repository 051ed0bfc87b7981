package shell

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/losfair/fwboot/fwboot-libs/env"
	"github.com/losfair/fwboot/fwboot-libs/flash"
	"github.com/losfair/fwboot/fwboot-libs/icap"
	"github.com/losfair/fwboot/fwboot-libs/ledger"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Reconfigurer is the part of the ICAP driver the shell drives directly.
type Reconfigurer interface {
	Reconfigure(ctx context.Context, target icap.Target)
	ReadGeneral5(ctx context.Context) (uint16, error)
	WriteGeneral5(ctx context.Context, value uint16) error
	ReadIDCode(ctx context.Context) (uint32, error)
}

// Loader fetches a file from a network server.
type Loader interface {
	Fetch(ctx context.Context, server, filename string, w io.Writer) (int64, error)
}

// CRCChecker verifies the images listed in the environment against the
// CRCs in their headers.
type CRCChecker interface {
	CheckGolden(ctx context.Context) error
	CheckRuntime(ctx context.Context) error
}

type Options struct {
	Env    *env.Env
	Memory *AddressMap
	// Flash device and the bus address its memory-mapped window starts at.
	Flash     flash.Device
	FlashBase uint64
	Ledger    *ledger.Ledger
	ICAP      Reconfigurer
	Loader    Loader
	Checker   CRCChecker
	MACs      *MACStore
	Out       io.Writer
}

// Interpreter runs U-Boot style command scripts against the board. It is
// not safe for concurrent use.
type Interpreter struct {
	logger *zap.Logger
	opts   Options
}

func New(logger *zap.Logger, opts Options) *Interpreter {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Env == nil {
		opts.Env = env.New(nil)
	}
	if opts.Memory == nil {
		opts.Memory = NewAddressMap()
	}
	return &Interpreter{
		logger: logger.With(zap.String("component", "shell")),
		opts:   opts,
	}
}

// Execute runs each ';' separated command of script and stops at the first
// one that fails.
func (in *Interpreter) Execute(ctx context.Context, script string) error {
	commands, err := splitCommands(script)
	if err != nil {
		return err
	}
	lookup := func(name string) string {
		v, _ := in.opts.Env.Get(name)
		return v
	}
	for _, command := range commands {
		if err := ctx.Err(); err != nil {
			return err
		}
		words, err := splitWords(command, lookup)
		if err != nil {
			return err
		}
		if len(words) == 0 {
			continue
		}
		in.logger.Info("running command", zap.Strings("argv", words))
		if err := in.Run(ctx, words); err != nil {
			return fmt.Errorf("%s: %w", words[0], err)
		}
	}
	return nil
}

// Run executes one already tokenized command.
func (in *Interpreter) Run(ctx context.Context, argv []string) error {
	root := in.Root()
	root.SetArgs(argv)
	return root.ExecuteContext(ctx)
}

// Root builds the command tree. Every call returns a fresh tree.
func (in *Interpreter) Root() *cobra.Command {
	root := &cobra.Command{
		Use:           "fwboot",
		Short:         "Boot loader command set",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.SetOut(in.opts.Out)
	root.SetErr(in.opts.Out)

	root.AddCommand(in.memoryCommands()...)
	root.AddCommand(in.envCommands()...)
	root.AddCommand(in.icapCommands()...)
	root.AddCommand(in.imageCommands()...)
	root.AddCommand(in.macCommands()...)
	return root
}

func leaf(use, short string, args cobra.PositionalArgs, run func(cmd *cobra.Command, args []string) error) *cobra.Command {
	return &cobra.Command{
		Use:                use,
		Short:              short,
		Args:               args,
		DisableFlagParsing: true,
		RunE:               run,
	}
}

func (in *Interpreter) printf(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
