package board

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type staticGPIO uint32

func (g staticGPIO) Read() uint32 { return uint32(g) }

func TestGarciaSignals(t *testing.T) {
	layout, err := LookupPreset("garcia")
	require.NoError(t, err)

	idle := uint32(1<<3 | 1<<5 | 1<<6 | 1<<14)

	b := New(staticGPIO(idle), layout)
	require.False(t, b.EscapeJumpers())
	require.False(t, b.Pushbutton())
	require.True(t, b.SupportsProduction())

	b = New(staticGPIO(idle&^(1<<5|1<<6)), layout)
	require.True(t, b.EscapeJumpers())

	b = New(staticGPIO(idle&^(1<<5)), layout)
	require.False(t, b.EscapeJumpers())

	b = New(staticGPIO(idle&^(1<<3)), layout)
	require.True(t, b.Pushbutton())

	lx150 := idle&^(1<<14) | 1<<15
	b = New(staticGPIO(lx150), layout)
	require.False(t, b.SupportsProduction())

	b = New(staticGPIO(idle|1<<15), layout)
	require.True(t, b.SupportsProduction())
}

func TestLabrinthSignals(t *testing.T) {
	layout, err := LookupPreset("labrinth")
	require.NoError(t, err)

	b := New(staticGPIO(0x8), layout)
	require.False(t, b.BackplaneUpdate())
	require.False(t, b.BootDelay())
	require.False(t, b.EscapeJumpers())
	require.False(t, b.Pushbutton())

	b = New(staticGPIO(0x1), layout)
	require.True(t, b.BackplaneUpdate())
	require.True(t, b.BootDelay())
}

func TestUnknownPreset(t *testing.T) {
	_, err := LookupPreset("nope")
	require.Error(t, err)
}
