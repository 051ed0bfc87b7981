package board

import (
	"fmt"

	"github.com/losfair/fwboot/fwboot-libs/mmio"
)

type GPIO interface {
	Read() uint32
}

type RegisterGPIO struct {
	Region mmio.Region
	Offset uint32
}

func (g *RegisterGPIO) Read() uint32 {
	return g.Region.Read32(g.Offset)
}

// Layout names the bits of the board GPIO input register. A zero mask
// means the board does not have that signal.
type Layout struct {
	// Both jumpers installed (both bits low) forces the golden image.
	EscapeJumper1 uint32 `json:"escape_jumper_1"`
	EscapeJumper2 uint32 `json:"escape_jumper_2"`
	// Active low.
	Pushbutton uint32 `json:"pushbutton"`
	// Active high line from the backplane host.
	BackplaneUpdate uint32 `json:"backplane_update"`
	// Active low.
	BootDelay uint32 `json:"boot_delay"`
	// Board ID bits; a board reading NoProductionID under IDMask carries
	// only the golden bitstream.
	IDMask         uint32 `json:"id_mask"`
	NoProductionID uint32 `json:"no_production_id"`
}

var Presets = map[string]Layout{
	"garcia": {
		EscapeJumper1:  1 << 5,
		EscapeJumper2:  1 << 6,
		Pushbutton:     1 << 3,
		IDMask:         1<<14 | 1<<15,
		NoProductionID: 1 << 15,
	},
	"labrinth": {
		BackplaneUpdate: 0x1,
		BootDelay:       0x8,
	},
	"none": {},
}

func LookupPreset(name string) (Layout, error) {
	l, ok := Presets[name]
	if !ok {
		return Layout{}, fmt.Errorf("unknown board preset %q", name)
	}
	return l, nil
}

type Board struct {
	gpio   GPIO
	layout Layout
}

func New(gpio GPIO, layout Layout) *Board {
	return &Board{gpio: gpio, layout: layout}
}

func (b *Board) Layout() Layout {
	return b.layout
}

func (b *Board) read() uint32 {
	if b.gpio == nil {
		return 0
	}
	return b.gpio.Read()
}

func (b *Board) Raw() uint32 {
	return b.read()
}

func (b *Board) EscapeJumpers() bool {
	mask := b.layout.EscapeJumper1 | b.layout.EscapeJumper2
	if b.layout.EscapeJumper1 == 0 || b.layout.EscapeJumper2 == 0 {
		return false
	}
	return b.read()&mask == 0
}

func (b *Board) Pushbutton() bool {
	if b.layout.Pushbutton == 0 {
		return false
	}
	return b.read()&b.layout.Pushbutton == 0
}

func (b *Board) BackplaneUpdate() bool {
	if b.layout.BackplaneUpdate == 0 {
		return false
	}
	return b.read()&b.layout.BackplaneUpdate != 0
}

func (b *Board) BootDelay() bool {
	if b.layout.BootDelay == 0 {
		return false
	}
	return b.read()&b.layout.BootDelay == 0
}

func (b *Board) SupportsProduction() bool {
	if b.layout.IDMask == 0 {
		return true
	}
	return b.read()&b.layout.IDMask != b.layout.NoProductionID
}
