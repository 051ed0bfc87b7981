package main

import (
	"context"
	"fmt"
	"io"

	"github.com/losfair/fwboot/fwboot-libs/board"
	"github.com/losfair/fwboot/fwboot-libs/classify"
	"github.com/losfair/fwboot/fwboot-libs/env"
	"github.com/losfair/fwboot/fwboot-libs/flash"
	"github.com/losfair/fwboot/fwboot-libs/icap"
	"github.com/losfair/fwboot/fwboot-libs/ledger"
	"github.com/losfair/fwboot/fwboot-libs/mailbox"
	"github.com/losfair/fwboot/fwboot-libs/mmio"
	"github.com/losfair/fwboot/fwboot-libs/netload"
	"github.com/losfair/fwboot/fwboot-libs/preboot"
	"github.com/losfair/fwboot/fwboot-libs/shell"
	"github.com/losfair/fwboot/fwboot-libs/update"
	"go.uber.org/zap"
)

const (
	hwicapWindow  = 0x200
	mailboxWindow = 0x1000
	gpioWindow    = 0x1000
)

// System is every component of the device side, wired together.
type System struct {
	Logger       *zap.Logger
	Env          *env.Env
	Flash        flash.Device
	Memory       *shell.AddressMap
	ICAP         *icap.Driver
	Board        *board.Board
	Classifier   *classify.Classifier
	Ledger       *ledger.Ledger
	MACs         *shell.MACStore
	Checker      *preboot.Checker
	Shell        *shell.Interpreter
	Session      *update.Session
	Service      *update.Service
	Bridge       *mailbox.Bridge
	Orchestrator *preboot.Orchestrator

	shellOptions shell.Options
	closers      []io.Closer
}

// NewShell returns another interpreter over the same board, writing its
// output to out.
func (s *System) NewShell(out io.Writer) *shell.Interpreter {
	opts := s.shellOptions
	opts.Out = out
	return shell.New(s.Logger, opts)
}

// CheckCRCs verifies every image the ledger and the boot checks know of.
// It reads all of flash and takes a while.
func (s *System) CheckCRCs(ctx context.Context) CRCReport {
	return CRCReport{
		Ledger:  errorList(s.Ledger.CheckCRCs()),
		Runtime: errorList(s.Checker.CheckRuntime(ctx)),
		Golden:  errorList(s.Checker.CheckGolden(ctx)),
	}
}

func (s *System) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i].Close()
	}
}

func (s *System) mapRegion(phys uint64, size int) (*mmio.Mapping, error) {
	m, err := mmio.Map(phys, size)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, m)
	return m, nil
}

func buildSystem(logger *zap.Logger, config *InitConfig) (*System, error) {
	s := &System{Logger: logger}
	if err := s.build(config); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *System) build(config *InitConfig) error {
	logger := s.Logger

	e, err := env.Load(&config.Env)
	if err != nil {
		return err
	}
	s.Env = e

	if err := s.buildBoard(config); err != nil {
		return err
	}
	if err := s.buildICAP(config); err != nil {
		return err
	}
	s.Classifier = classify.New(logger.With(zap.String("component", "classify")), s.ICAP, s.Board, config.Classify)

	dev, err := flash.OpenFile(&config.Flash.FileConfig)
	if err != nil {
		return err
	}
	s.closers = append(s.closers, dev)
	s.Flash = dev

	ledgerConfig := config.Ledger
	if ledgerConfig.FlashBase == 0 {
		ledgerConfig.FlashBase = config.Flash.Base
	}
	s.Ledger = ledger.New(logger, dev, e, ledgerConfig)
	s.MACs = shell.NewMACStore(logger, dev, e, config.MAC)

	staging := make([]byte, config.Staging.Size)
	s.Memory = shell.NewAddressMap()
	if err := s.Memory.Add("flash", config.Flash.Base, dev); err != nil {
		return err
	}
	if err := s.Memory.Add("staging", config.Staging.Base, shell.RAM(staging)); err != nil {
		return err
	}
	if _, ok := e.Get("loadaddr"); !ok {
		e.Set("loadaddr", fmt.Sprintf("%x", config.Staging.Base))
	}

	s.Checker = preboot.NewChecker(logger, s.Memory, e)
	s.shellOptions = shell.Options{
		Env:       e,
		Memory:    s.Memory,
		Flash:     dev,
		FlashBase: config.Flash.Base,
		Ledger:    s.Ledger,
		ICAP:      s.ICAP,
		Loader:    netload.NewLoader(logger, config.Netload),
		Checker:   s.Checker,
		MACs:      s.MACs,
	}
	s.Shell = shell.New(logger, s.shellOptions)

	var executor update.CommandExecutor = s.Shell
	if config.Exec != nil {
		x := shell.NewExec(logger, func() []byte { return s.Session.Staged() })
		if config.Exec.Shell != "" {
			x.Shell = config.Exec.Shell
		}
		x.Env = config.Exec.Env
		executor = x
	}
	s.Session = update.NewSession(logger, s.Ledger, executor, staging)

	ch, err := s.buildMailbox(config)
	if err != nil {
		return err
	}
	s.Service = update.NewService(logger, s.Session, executor, ch)
	s.Service.OnRemainInBootloader = s.Classifier.RequestFromHost

	prebootConfig := preboot.DefaultConfig()
	if config.Preboot != nil {
		prebootConfig = *config.Preboot
	}
	s.Orchestrator = preboot.New(logger, preboot.Deps{
		Classifier: s.Classifier,
		RPC:        s.Service,
		Ledger:     s.Ledger,
		Board:      s.Board,
		Checker:    s.Checker,
		MACs:       s.MACs,
		Env:        e,
		Shell:      s.Shell,
	}, prebootConfig)
	s.Orchestrator.Halt = waitForReset
	return nil
}

func (s *System) buildBoard(config *InitConfig) error {
	var layout board.Layout
	if config.Layout != nil {
		layout = *config.Layout
	} else {
		l, err := board.LookupPreset(config.Board)
		if err != nil {
			return err
		}
		layout = l
	}

	var gpio board.GPIO
	if config.GPIO != nil {
		m, err := s.mapRegion(config.GPIO.Phys, gpioWindow)
		if err != nil {
			return fmt.Errorf("failed to map gpio: %w", err)
		}
		gpio = &board.RegisterGPIO{Region: m, Offset: config.GPIO.Offset}
	}
	s.Board = board.New(gpio, layout)
	return nil
}

func (s *System) buildICAP(config *InitConfig) error {
	c := config.ICAP
	m, err := s.mapRegion(c.Phys, hwicapWindow)
	if err != nil {
		return fmt.Errorf("failed to map icap: %w", err)
	}

	var ch icap.Channel
	switch c.Transport {
	case "", "hwicap":
		ch = icap.NewHWICAP(m)
	case "fsl":
		ch = icap.NewFSL(&icap.RegisterPort{
			Region:        m,
			DataOffset:    c.DataOffset,
			ControlOffset: c.ControlOffset,
			ResultOffset:  c.ResultOffset,
		})
	default:
		return fmt.Errorf("unknown icap transport %q", c.Transport)
	}

	driverConfig := icap.DefaultConfig()
	if c.Addressing != "" {
		driverConfig = c.Config
	}
	s.ICAP = icap.NewDriver(s.Logger.With(zap.String("component", "icap")), ch, driverConfig)
	s.ICAP.ForceGolden = !s.Board.SupportsProduction()
	s.ICAP.Halt = waitForReset
	return nil
}

// buildMailbox multiplexes every configured mailbox. The in-process bridge
// is always present so the API server can reach the update service.
func (s *System) buildMailbox(config *InitConfig) (mailbox.Channel, error) {
	c := config.Mailbox
	s.Bridge = mailbox.NewBridge()
	channels := []mailbox.Channel{s.Bridge}

	if c.LabX != 0 {
		m, err := s.mapRegion(c.LabX, mailboxWindow)
		if err != nil {
			return nil, fmt.Errorf("failed to map labx mailbox: %w", err)
		}
		channels = append(channels, mailbox.NewLabX(m, c.Capacity))
	}
	if c.SPI != 0 {
		m, err := s.mapRegion(c.SPI, mailboxWindow)
		if err != nil {
			return nil, fmt.Errorf("failed to map spi mailbox: %w", err)
		}
		channels = append(channels, mailbox.NewSPI(m, c.Capacity))
	}
	if c.Serial != nil {
		ch, port, err := mailbox.OpenSerial(c.Serial)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, port)
		channels = append(channels, ch)
	}
	return mailbox.NewMux(channels...), nil
}
