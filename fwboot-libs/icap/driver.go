package icap

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/losfair/fwboot/fwboot-libs/metrics"
	"github.com/losfair/fwboot/fwboot-libs/retry"
	"go.uber.org/zap"
)

var ErrPortFailed = errors.New("icap reported failure")
var ErrShortRead = errors.New("icap read returned fewer words than requested")

type Addressing string

const (
	// Byte addresses with the SPI read opcode in GENERAL2/4.
	AddressingSPI Addressing = "spi"
	// Half-word addresses, preceded by a MODE register write.
	AddressingBPI Addressing = "bpi"
)

type Target int

const (
	TargetGolden Target = iota
	TargetProduction
)

func (t Target) String() string {
	if t == TargetProduction {
		return "production"
	}
	return "golden"
}

type Config struct {
	Addressing  Addressing `json:"addressing"`
	RuntimeBase uint32     `json:"runtime_base"`
	BootBase    uint32     `json:"boot_base"`
	// GENERAL5 value left behind when reconfiguring to production.
	ProductionMarker uint16       `json:"production_marker"`
	Abort            retry.Policy `json:"abort_retry"`
	Sequence         retry.Policy `json:"sequence_retry"`
}

func DefaultConfig() Config {
	return Config{
		Addressing:  AddressingBPI,
		RuntimeBase: 0x00340000,
		BootBase:    0,
		Abort:       retry.Policy{Attempts: 10000},
		Sequence:    retry.Policy{Attempts: 10000},
	}
}

type Driver struct {
	logger *zap.Logger
	ch     Channel
	config Config

	// Held for each whole word sequence. The port FIFO is shared.
	mu sync.Mutex

	// ForceGolden pins reconfiguration to the boot image. Set for boards
	// that carry no production bitstream.
	ForceGolden bool

	// Halt is called once IPROG has been accepted. The default blocks forever.
	Halt func()
}

func NewDriver(logger *zap.Logger, ch Channel, config Config) *Driver {
	return &Driver{
		logger: logger,
		ch:     ch,
		config: config,
		Halt:   func() { select {} },
	}
}

func (d *Driver) Config() Config {
	return d.config
}

func (d *Driver) report(op string, attempts int, err error) {
	metrics.IcapAttempts.WithLabelValues(op).Add(float64(attempts))
	if err != nil {
		d.logger.Warn("icap operation did not complete, proceeding", zap.String("op", op), zap.Int("attempts", attempts), zap.Error(err))
	} else if attempts > 1 {
		d.logger.Info("icap operation needed retries", zap.String("op", op), zap.Int("attempts", attempts))
	}
}

// Abort clears anything in progress on the port. The port is known to fail
// the first attempts intermittently, so it is hammered until it succeeds.
func (d *Driver) Abort(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.abort(ctx)
}

func (d *Driver) abort(ctx context.Context) error {
	_, attempts, err := retry.Until(ctx, "abort", d.config.Abort, func() (struct{}, error) {
		if d.ch.Abort(ctx) {
			return struct{}{}, ErrPortFailed
		}
		return struct{}{}, nil
	})
	d.report("abort", attempts, err)
	return err
}

func (d *Driver) sync() {
	d.ch.Send(WordPad)
	d.ch.Send(WordPad)
	d.ch.Send(WordSync0)
	d.ch.Send(WordSync1)
}

// ReadRegisterWords reads count consecutive words of reg.
func (d *Driver) ReadRegisterWords(ctx context.Context, reg Register, count int) ([]uint16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	op := "read " + reg.String()
	words, attempts, err := retry.Until(ctx, op, d.config.Sequence, func() ([]uint16, error) {
		d.sync()
		d.ch.Send(Type1(OpRead, reg, count))
		d.ch.Send(WordNop)
		if d.ch.TriggerAndWait(ctx) {
			return nil, ErrPortFailed
		}

		words := make([]uint16, 0, count)
		for i := 0; i < count; i++ {
			w, ok := d.ch.Recv(ctx)
			if !ok {
				return words, fmt.Errorf("%w: got %d of %d", ErrShortRead, len(words), count)
			}
			words = append(words, w)
		}
		return words, nil
	})
	d.report(op, attempts, err)
	return words, err
}

func (d *Driver) ReadRegister(ctx context.Context, reg Register) (uint16, error) {
	words, err := d.ReadRegisterWords(ctx, reg, 1)
	if len(words) == 0 {
		return 0, err
	}
	return words[0], err
}

// WriteRegisters writes every register in one synchronized sequence.
func (d *Driver) WriteRegisters(ctx context.Context, writes ...RegisterWrite) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writeRegisters(ctx, writes...)
}

func (d *Driver) writeRegisters(ctx context.Context, writes ...RegisterWrite) error {
	_, attempts, err := retry.Until(ctx, "write", d.config.Sequence, func() (struct{}, error) {
		d.sync()
		for _, w := range writes {
			d.ch.Send(Type1(OpWrite, w.Reg, 1))
			d.ch.Send(w.Value)
		}
		d.ch.Send(WordNop)
		if d.ch.TriggerAndWait(ctx) {
			return struct{}{}, ErrPortFailed
		}
		return struct{}{}, nil
	})
	d.report("write", attempts, err)
	return err
}

func (d *Driver) ReadGeneral5(ctx context.Context) (uint16, error) {
	return d.ReadRegister(ctx, RegGeneral5)
}

func (d *Driver) WriteGeneral5(ctx context.Context, value uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.abort(ctx); err != nil {
		d.logger.Warn("writing GENERAL5 after failed abort")
	}
	return d.writeRegisters(ctx, RegisterWrite{Reg: RegGeneral5, Value: value})
}

// ReadIDCode returns the 32-bit device ID. The port must hand back exactly
// two words.
func (d *Driver) ReadIDCode(ctx context.Context) (uint32, error) {
	words, err := d.ReadRegisterWords(ctx, RegIDCODE, 2)
	if err != nil {
		return 0, err
	}
	return uint32(words[0])<<16 | uint32(words[1]), nil
}

// MultibootWords encodes the register writes that point the next
// configuration at base with the boot image as fallback.
func (c Config) MultibootWords(base uint32, general5 uint16) []RegisterWrite {
	var writes []RegisterWrite
	switch c.Addressing {
	case AddressingSPI:
		writes = []RegisterWrite{
			{RegGeneral1, uint16(base & 0xFFFF)},
			{RegGeneral2, uint16((base>>16)&0xFF) | 0x0300},
			{RegGeneral3, uint16(c.BootBase & 0xFFFF)},
			{RegGeneral4, uint16((c.BootBase>>16)&0xFF) | 0x0300},
		}
	default:
		writes = []RegisterWrite{
			{RegMode, ModeBitstream},
			{RegGeneral1, uint16((base >> 1) & 0xFFFF)},
			{RegGeneral2, uint16((base >> 17) & 0xFF)},
			{RegGeneral3, uint16((c.BootBase >> 1) & 0xFFFF)},
			{RegGeneral4, uint16((c.BootBase >> 17) & 0xFF)},
		}
	}
	writes = append(writes,
		RegisterWrite{RegGeneral5, general5},
		RegisterWrite{RegCMD, CmdIPROG},
	)
	return writes
}

// TargetAddressMask selects the GENERAL2 bits that carry the multiboot
// address, excluding the SPI opcode byte.
func (c Config) TargetAddressMask() uint16 {
	if c.Addressing == AddressingSPI {
		return 0x00FF
	}
	return 0xFFFF
}

// Reconfigure programs the multiboot addresses and issues IPROG. The FPGA
// tears down the running design, so this does not return.
func (d *Driver) Reconfigure(ctx context.Context, target Target) {
	base := d.config.BootBase
	general5 := uint16(0)
	if target == TargetProduction {
		base = d.config.RuntimeBase
		general5 = d.config.ProductionMarker
	}
	if d.ForceGolden && base != d.config.BootBase {
		d.logger.Warn("board has no production image, reconfiguring to golden instead")
		base = d.config.BootBase
		general5 = 0
	}

	d.logger.Info("reconfiguring fpga", zap.Stringer("target", target), zap.String("base", fmt.Sprintf("0x%08x", base)))

	d.mu.Lock()
	d.abort(ctx)
	d.writeRegisters(ctx, d.config.MultibootWords(base, general5)...)
	d.mu.Unlock()

	d.logger.Info("IPROG issued, waiting for reconfiguration")
	d.logger.Sync()
	d.Halt()
}
