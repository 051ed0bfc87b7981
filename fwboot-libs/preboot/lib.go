package preboot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/losfair/fwboot/fwboot-libs/classify"
	"github.com/losfair/fwboot/fwboot-libs/env"
	"github.com/losfair/fwboot/fwboot-libs/retry"
	"github.com/losfair/fwboot/fwboot-libs/update"
	"go.uber.org/zap"
)

const (
	GoldenBootCommand   = "reconf 1"
	FallbackBootCommand = "run bootglnx"
)

var ErrStayInBootloader = errors.New("staying in bootloader")

type Classifier interface {
	Classify(ctx context.Context) classify.Classification
	UpdateRequested(ctx context.Context) (classify.Trigger, bool)
	SupportsProduction() bool
}

type RPC interface {
	Setup() error
	ServeOnce(ctx context.Context, blocking bool) (update.ErrorCode, error)
	Serve(ctx context.Context) error
	RemainInBootloader() bool
	BootDelay() bool
}

type Coherence interface {
	CheckCoherence() error
}

type CRCChecker interface {
	CheckGolden(ctx context.Context) error
	CheckRuntime(ctx context.Context) error
}

type Jumpers interface {
	BootDelay() bool
}

type EthaddrSource interface {
	ApplyEthaddr() bool
}

type Config struct {
	// Opportunistic mailbox poll before the boot decision.
	PollWindow retry.Policy `json:"poll_window"`
	// Development builds never check image CRCs before booting.
	DevelopmentBuild bool `json:"development_build"`
}

func DefaultConfig() Config {
	return Config{
		PollWindow: retry.Policy{Attempts: 4, Delay: 250 * time.Millisecond},
	}
}

type Deps struct {
	Classifier Classifier
	RPC        RPC
	Ledger     Coherence
	// Optional.
	Board   Jumpers
	Checker CRCChecker
	MACs    EthaddrSource
	Env     *env.Env
	Shell   update.CommandExecutor
}

// Orchestrator makes the boot-time decision between serving a firmware
// update, staying in the bootloader and booting.
type Orchestrator struct {
	logger *zap.Logger
	deps   Deps
	config Config

	// Halt parks the process after the update loop ends. The host resets
	// the device from there.
	Halt func()
}

func New(logger *zap.Logger, deps Deps, config Config) *Orchestrator {
	if deps.Env == nil {
		deps.Env = env.New(nil)
	}
	return &Orchestrator{
		logger: logger.With(zap.String("component", "preboot")),
		deps:   deps,
		config: config,
		Halt:   func() { select {} },
	}
}

// CheckFirmwareUpdate returns whether the boot should pause at the prompt.
// If an update is needed it serves the mailbox and then halts, so it only
// returns on that path when Halt does.
func (o *Orchestrator) CheckFirmwareUpdate(ctx context.Context) bool {
	cls := o.deps.Classifier.Classify(ctx)
	o.logger.Info("boot image classified", zap.Stringer("image", cls))

	doUpdate := false
	if cls == classify.Fallback {
		o.logger.Warn("runtime image failed to configure, forcing update")
		doUpdate = true
	} else if trigger, ok := o.deps.Classifier.UpdateRequested(ctx); ok {
		o.logger.Info("firmware update requested", zap.String("trigger", string(trigger)))
		doUpdate = true
	} else {
		o.pollHost(ctx)
	}

	bootDelay := o.deps.RPC.BootDelay()
	if o.deps.Board != nil && o.deps.Board.BootDelay() {
		o.logger.Info("boot delay jumper installed")
		bootDelay = true
	}
	if o.deps.RPC.RemainInBootloader() && !doUpdate {
		o.logger.Info("host asked to remain in bootloader")
		doUpdate = true
	}

	if !o.deps.Classifier.SupportsProduction() {
		o.logger.Info("board carries only the golden image, not updating")
		o.applyEthaddr()
		return bootDelay
	}

	if cls != classify.Production && !doUpdate {
		if bootDelay {
			o.logger.Info("boot delay requested, not checking image coherence")
		} else if err := o.deps.Ledger.CheckCoherence(); err != nil {
			o.logger.Warn("image records are not coherent, forcing update", zap.Error(err))
			doUpdate = true
		}
	}

	o.applyEthaddr()

	if doUpdate {
		o.doUpdate(ctx)
	}
	return bootDelay
}

func (o *Orchestrator) applyEthaddr() {
	if o.deps.MACs != nil && !o.deps.MACs.ApplyEthaddr() {
		o.logger.Warn("no valid mac address stored for eth0")
	}
}

// pollHost gives the host a short window to ask for an update or a boot
// delay before the decision is made.
func (o *Orchestrator) pollHost(ctx context.Context) {
	if err := o.deps.RPC.Setup(); err != nil {
		o.logger.Warn("mailbox unavailable, not polling host", zap.Error(err))
		return
	}
	code, attempts, err := retry.Until(ctx, "mailbox poll", o.config.PollWindow, func() (update.ErrorCode, error) {
		code, err := o.deps.RPC.ServeOnce(ctx, false)
		if err != nil {
			return code, err
		}
		if code != update.Success {
			return code, fmt.Errorf("host request failed: %s", code)
		}
		return code, nil
	})
	if err != nil {
		o.logger.Debug("no host request during boot", zap.Int("attempts", attempts), zap.Error(err))
		return
	}
	o.logger.Info("served host request during boot", zap.Stringer("status", code), zap.Int("attempts", attempts))
}

func (o *Orchestrator) doUpdate(ctx context.Context) {
	o.logger.Info("entering firmware update mode")
	if err := o.deps.RPC.Serve(ctx); err != nil {
		o.logger.Error("firmware update service stopped", zap.Error(err))
	}
	o.logger.Info("waiting for reset")
	o.logger.Sync()
	o.Halt()
}

// Preboot picks bootcmd. It returns false when the boot must stop at the
// prompt because no bootable image set passed its CRC checks.
func (o *Orchestrator) Preboot(ctx context.Context, bootDelay bool) bool {
	if o.deps.Classifier.Classify(ctx) == classify.Production {
		return true
	}
	if !o.deps.Classifier.SupportsProduction() {
		// No runtime image to reconfigure into.
		o.deps.Env.Set("bootcmd", FallbackBootCommand)
		if o.config.DevelopmentBuild || bootDelay || o.deps.Checker == nil {
			return true
		}
		return o.checkGolden(ctx)
	}
	o.deps.Env.Set("bootcmd", GoldenBootCommand)

	if o.config.DevelopmentBuild {
		o.logger.Info("development build, not checking crcs")
		return true
	}
	if bootDelay {
		o.logger.Info("boot delay requested, not checking crcs")
		return true
	}
	if o.deps.Checker == nil {
		return true
	}

	err := o.deps.Checker.CheckRuntime(ctx)
	if err == nil {
		o.logger.Info("runtime crcs ok, booting linux")
		return true
	}
	o.logger.Warn("runtime crc checks failed, falling back to golden linux", zap.Error(err))
	o.deps.Env.Set("bootcmd", FallbackBootCommand)
	return o.checkGolden(ctx)
}

func (o *Orchestrator) checkGolden(ctx context.Context) bool {
	if err := o.deps.Checker.CheckGolden(ctx); err != nil {
		o.logger.Error("golden crc checks failed, staying in bootloader", zap.Error(err))
		o.logger.Info("'checkc', 'checkg' and 'checkp' repeat the crc checks")
		if o.deps.Classifier.SupportsProduction() {
			o.logger.Info("'reconf 1' boots the runtime fpga image")
		}
		o.logger.Info("'run bootglnx' boots the golden linux image")
		return false
	}
	return true
}

// Boot runs the whole boot-time sequence and then bootcmd, unless a boot
// delay or a failed check keeps the device at the prompt.
func (o *Orchestrator) Boot(ctx context.Context) error {
	bootDelay := o.CheckFirmwareUpdate(ctx)
	if !o.Preboot(ctx, bootDelay) {
		return ErrStayInBootloader
	}
	if bootDelay {
		o.logger.Info("boot delay requested, not running bootcmd")
		return nil
	}
	bootcmd, ok := o.deps.Env.Get("bootcmd")
	if !ok || o.deps.Shell == nil {
		o.logger.Info("no bootcmd to run")
		return nil
	}
	o.logger.Info("running bootcmd", zap.String("bootcmd", bootcmd))
	if err := o.deps.Shell.Execute(ctx, bootcmd); err != nil {
		return fmt.Errorf("bootcmd failed: %w", err)
	}
	return nil
}
