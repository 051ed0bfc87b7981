package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/gin-gonic/gin"
	"github.com/losfair/fwboot/fwboot-libs/classify"
	"github.com/losfair/fwboot/fwboot-libs/concurrency"
	"github.com/losfair/fwboot/fwboot-libs/netload"
	"github.com/losfair/fwboot/fwboot-libs/preboot"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var GitCommit string

func main() {
	root := &cobra.Command{
		Use:           "fwboot-init",
		Short:         "FPGA firmware update and boot decision",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSystem(func(sys *System, config *InitConfig) error {
				return boot(cmd.Context(), sys, config)
			})
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true

	root.AddCommand(&cobra.Command{
		Use:   "update",
		Short: "serve firmware update requests until reset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSystem(func(sys *System, config *InitConfig) error {
				startApiServer(sys, config)
				return sys.Service.Serve(cmd.Context())
			})
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "run <command...>",
		Short: "run bootloader commands, e.g. 'reconf 1' or 'imls'",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSystem(func(sys *System, config *InitConfig) error {
				return sys.Shell.Execute(cmd.Context(), strings.Join(args, " "))
			})
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "show the boot classification and image records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSystem(func(sys *System, config *InitConfig) error {
				return printStatus(cmd.Context(), sys)
			})
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "stash-config <file>",
		Short: "leave a config in scratch ram for the next boot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			if _, err := parseConfig(text); err != nil {
				return err
			}
			if err := writeConfigToScratch(text); err != nil {
				return err
			}
			fmt.Printf("stashed %s of config\n", humanize.IBytes(uint64(len(text))))
			return nil
		},
	})

	if err := root.ExecuteContext(context.Background()); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func withSystem(fn func(sys *System, config *InitConfig) error) error {
	config, err := loadConfig()
	if err != nil {
		log.Fatalf("%v", err)
	}

	logger := setupLogging(config.LogKafkaUrl)
	if config.Hostname != "" {
		logger = logger.With(zap.String("hostname", config.Hostname))
	}
	defer logger.Sync()

	logger.Info("fwboot-init started", zap.String("git_commit", GitCommit))

	sys, err := buildSystem(logger, config)
	if err != nil {
		logger.Error("failed to initialize board", zap.Error(err))
		return err
	}
	defer sys.Close()

	return fn(sys, config)
}

func boot(ctx context.Context, sys *System, config *InitConfig) error {
	logger := sys.Logger

	if config.Hostname != "" {
		if err := syscall.Sethostname([]byte(config.Hostname)); err != nil {
			logger.Error("failed to set hostname", zap.Error(err))
		}
	}

	if config.Netload.TftpRoot != "" {
		listen := config.Netload.Listen
		if listen == "" {
			listen = ":" + netload.DefaultPort
		}
		netload.NewServer(logger, config.Netload.TftpRoot).Start(listen)
	}
	startApiServer(sys, config)

	err := sys.Orchestrator.Boot(ctx)
	switch {
	case errors.Is(err, preboot.ErrStayInBootloader):
		logger.Warn("no bootable image, waiting for commands")
	case err != nil:
		logger.Error("boot failed", zap.Error(err))
	default:
		logger.Info("boot sequence completed")
	}

	waitForReset()
	return nil
}

// waitForReset parks the program until the board is reset or it is told
// to stop.
func waitForReset() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}

func startApiServer(sys *System, config *InitConfig) {
	if config.Api == nil {
		return
	}
	gin.SetMode(gin.ReleaseMode)
	logger := sys.Logger.With(zap.String("component", "api-server"), zap.String("listen", config.Api.Listen))

	crcs := concurrency.Go(func() CRCReport {
		return sys.CheckCRCs(context.Background())
	})
	output := &bytes.Buffer{}
	apiServer := ApiServer{
		Logger:      logger,
		Config:      config.Api,
		Classifier:  sys.Classifier,
		Ledger:      sys.Ledger,
		Session:     sys.Session,
		Bridge:      sys.Bridge,
		CRCs:        crcs,
		Shell:       sys.NewShell(output),
		ShellOutput: output,
	}
	go func() {
		err := apiServer.Run()
		if err != nil {
			logger.Error("api server failed", zap.Error(err))
		}
	}()
}

func printStatus(ctx context.Context, sys *System) error {
	bold := color.New(color.Bold)
	cls := sys.Classifier.Classify(ctx)

	clsColor := color.New(color.FgGreen)
	switch cls {
	case classify.Fallback:
		clsColor = color.New(color.FgRed)
	case classify.Golden:
		clsColor = color.New(color.FgYellow)
	}
	bold.Print("running image:   ")
	clsColor.Println(cls)

	bold.Print("production:      ")
	if sys.Classifier.SupportsProduction() {
		fmt.Println("supported")
	} else {
		color.New(color.FgYellow).Println("not fitted")
	}

	if trigger, ok := sys.Classifier.UpdateRequested(ctx); ok {
		bold.Print("update trigger:  ")
		color.New(color.FgCyan).Println(trigger)
	}

	if g5, err := sys.ICAP.ReadGeneral5(ctx); err == nil {
		bold.Print("GENERAL5:        ")
		fmt.Printf("0x%04x\n", g5)
	}
	if id, err := sys.ICAP.ReadIDCode(ctx); err == nil {
		bold.Print("IDCODE:          ")
		fmt.Printf("0x%08x\n", id)
	}

	bold.Print("image records:   ")
	if err := sys.Ledger.CheckCoherence(); err != nil {
		color.New(color.FgRed).Printf("incoherent (%v)\n", err)
	} else {
		color.New(color.FgGreen).Println("coherent")
	}
	fmt.Println()
	return sys.Shell.Execute(ctx, "imls")
}
