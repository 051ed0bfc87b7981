package classify

import (
	"context"
	"fmt"
	"sync"

	"github.com/losfair/fwboot/fwboot-libs/board"
	"github.com/losfair/fwboot/fwboot-libs/icap"
	"github.com/losfair/fwboot/fwboot-libs/metrics"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

type Classification int

const (
	Golden Classification = iota
	Production
	Fallback
)

func (c Classification) String() string {
	switch c {
	case Golden:
		return "golden"
	case Production:
		return "production"
	case Fallback:
		return "fallback"
	default:
		return fmt.Sprintf("classification(%d)", int(c))
	}
}

type Trigger string

const (
	TriggerNone          Trigger = ""
	TriggerEscapeJumpers Trigger = "escape-jumpers"
	TriggerGeneral5      Trigger = "general5"
	TriggerPushbutton    Trigger = "pushbutton"
	TriggerBackplane     Trigger = "backplane-gpio"
	TriggerHost          Trigger = "host-rpc"
)

type RegisterReader interface {
	ReadRegister(ctx context.Context, reg icap.Register) (uint16, error)
}

type Config struct {
	// GENERAL5 values meaning the next stage wants an update.
	UpdateSentinels []uint16 `json:"update_sentinels"`
	// GENERAL2 bits holding the multiboot target address.
	TargetAddressMask uint16 `json:"target_address_mask"`
	// Nonzero on boards whose golden image marks a failed runtime
	// reconfiguration in GENERAL5 instead of BOOTSTS.
	FallbackMagic uint16 `json:"fallback_magic"`
}

type Classifier struct {
	logger *zap.Logger
	icap   RegisterReader
	board  *board.Board
	config Config

	mu            sync.Mutex
	cached        *Classification
	hostRequested bool
}

func New(logger *zap.Logger, reader RegisterReader, b *board.Board, config Config) *Classifier {
	if config.TargetAddressMask == 0 {
		config.TargetAddressMask = 0xFFFF
	}
	if len(config.UpdateSentinels) == 0 {
		config.UpdateSentinels = []uint16{1}
	}
	return &Classifier{
		logger: logger,
		icap:   reader,
		board:  b,
		config: config,
	}
}

// Classify reports which bitstream the FPGA came up with. The result is
// computed once per boot.
func (c *Classifier) Classify(ctx context.Context) Classification {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cached != nil {
		return *c.cached
	}

	result := c.classify(ctx)
	c.cached = &result

	for _, x := range []Classification{Golden, Production, Fallback} {
		v := 0.0
		if x == result {
			v = 1
		}
		metrics.BootClassification.WithLabelValues(x.String()).Set(v)
	}
	return result
}

func (c *Classifier) classify(ctx context.Context) Classification {
	bootsts, err := c.icap.ReadRegister(ctx, icap.RegBootsts)
	if err != nil {
		c.logger.Warn("BOOTSTS read incomplete, using last value", zap.Error(err))
	}
	if bootsts&icap.BootstsFallbackMask != 0 {
		c.logger.Info("booted from fallback image", zap.String("bootsts", fmt.Sprintf("0x%04x", bootsts)))
		return Fallback
	}

	if c.config.FallbackMagic != 0 {
		general5, err := c.icap.ReadRegister(ctx, icap.RegGeneral5)
		if err != nil {
			c.logger.Warn("GENERAL5 read incomplete, using last value", zap.Error(err))
		}
		if general5 == c.config.FallbackMagic {
			c.logger.Info("run-time fpga reconfiguration failed", zap.String("general5", fmt.Sprintf("0x%04x", general5)))
			return Fallback
		}
	}

	general2, err := c.icap.ReadRegister(ctx, icap.RegGeneral2)
	if err != nil {
		c.logger.Warn("GENERAL2 read incomplete, using last value", zap.Error(err))
	}
	target := general2 & c.config.TargetAddressMask
	c.logger.Info("fpga boot image", zap.String("general2", fmt.Sprintf("0x%04x", general2)))
	if target == 0 {
		return Golden
	}
	return Production
}

// SupportsProduction is false for boards without a production bitstream.
func (c *Classifier) SupportsProduction() bool {
	if c.board == nil {
		return true
	}
	return c.board.SupportsProduction()
}

// RequestFromHost records a remainInBootloader call.
func (c *Classifier) RequestFromHost() {
	c.mu.Lock()
	c.hostRequested = true
	c.mu.Unlock()
}

func (c *Classifier) HostRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hostRequested
}

// UpdateRequested checks each update signal in turn and stops at the first
// one asserted.
func (c *Classifier) UpdateRequested(ctx context.Context) (Trigger, bool) {
	checks := []struct {
		trigger Trigger
		check   func() bool
	}{
		{TriggerEscapeJumpers, func() bool { return c.board != nil && c.board.EscapeJumpers() }},
		{TriggerGeneral5, func() bool { return c.general5Sentinel(ctx) }},
		{TriggerPushbutton, func() bool { return c.board != nil && c.board.Pushbutton() }},
		{TriggerBackplane, func() bool { return c.board != nil && c.board.BackplaneUpdate() }},
		{TriggerHost, c.HostRequested},
	}

	for _, x := range checks {
		if x.check() {
			c.logger.Info("update requested", zap.String("trigger", string(x.trigger)))
			return x.trigger, true
		}
	}
	c.logger.Info("no firmware update requested")
	return TriggerNone, false
}

func (c *Classifier) general5Sentinel(ctx context.Context) bool {
	v, err := c.icap.ReadRegister(ctx, icap.RegGeneral5)
	if err != nil {
		c.logger.Warn("GENERAL5 read incomplete", zap.Error(err))
		return false
	}
	return lo.Contains(c.config.UpdateSentinels, v)
}
