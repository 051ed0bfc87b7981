package icap

import (
	"context"
	"testing"

	"github.com/losfair/fwboot/fwboot-libs/mmio"
	"github.com/losfair/fwboot/fwboot-libs/retry"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type put struct {
	word    uint32
	control bool
}

type fakePort struct {
	puts    []put
	results []uint32
}

func (p *fakePort) Put(word uint32, control bool) {
	p.puts = append(p.puts, put{word, control})
}

func (p *fakePort) Get() uint32 {
	if len(p.results) == 0 {
		return 0
	}
	v := p.results[0]
	p.results = p.results[1:]
	return v
}

func TestFSLAbortAndTrigger(t *testing.T) {
	port := &fakePort{results: []uint32{FSLFailed, FSLFailed, 0, 0}}
	fsl := NewFSL(port)
	fsl.Settle = 0

	cfg := DefaultConfig()
	d := NewDriver(zap.NewNop(), fsl, cfg)
	d.Halt = func() {}

	require.NoError(t, d.Abort(context.Background()))
	require.Len(t, port.puts, 3)
	for _, p := range port.puts {
		require.Equal(t, put{0xFFFF, true}, p)
	}

	port.puts = nil
	require.NoError(t, d.WriteRegisters(context.Background(), RegisterWrite{RegGeneral5, 1}))
	require.Equal(t, []put{
		{0xFFFF, false}, {0xFFFF, false}, {0xAA99, false}, {0x5566, false},
		{0x32E1, false}, {0x0001, false},
		{0x2000, false},
		{FSLFinish | 0x2000, false},
	}, port.puts)
}

func TestFSLRead(t *testing.T) {
	port := &fakePort{results: []uint32{0x0000_0082}}
	fsl := NewFSL(port)
	fsl.Settle = 0
	d := NewDriver(zap.NewNop(), fsl, DefaultConfig())

	v, err := d.ReadRegister(context.Background(), RegBootsts)
	require.NoError(t, err)
	require.Equal(t, uint16(0x82), v)
	require.Equal(t, put{0x2C01, false}, port.puts[4])
}

func TestRegisterPort(t *testing.T) {
	m := mmio.NewMem()
	p := &RegisterPort{Region: m, DataOffset: 0x0, ControlOffset: 0x4, ResultOffset: 0x8}
	p.Put(0x1234, false)
	p.Put(0xFFFF, true)
	m.Poke(0x8, 0xABCD)
	require.Equal(t, uint32(0x1234), m.Peek(0x0))
	require.Equal(t, uint32(0xFFFF), m.Peek(0x4))
	require.Equal(t, uint32(0xABCD), p.Get())
}

func newHWICAPSim() (*mmio.Mem, *[]uint16, *[]uint32) {
	m := mmio.NewMem()
	var fifo []uint16
	var control []uint32
	m.OnWrite(HWICAPWriteFIFO, func(v uint32) uint32 {
		fifo = append(fifo, uint16(v))
		return v
	})
	m.OnWrite(HWICAPControl, func(v uint32) uint32 {
		control = append(control, v)
		// the core finishes instantly
		return 0
	})
	return m, &fifo, &control
}

func TestHWICAPWriteSequence(t *testing.T) {
	m, fifo, control := newHWICAPSim()
	d := NewDriver(zap.NewNop(), NewHWICAP(m), DefaultConfig())
	halted := false
	d.Halt = func() { halted = true }

	d.Reconfigure(context.Background(), TargetGolden)

	require.True(t, halted)
	require.Equal(t, []uint32{CRAbort, CRWrite}, *control)
	require.Equal(t, uint16(0x30A1), (*fifo)[16])
	require.Equal(t, uint16(0x000E), (*fifo)[17])
	require.Equal(t, WordNop, (*fifo)[len(*fifo)-1])
	require.Equal(t, WordNop, (*fifo)[len(*fifo)-2])
}

func TestHWICAPRead(t *testing.T) {
	m, _, control := newHWICAPSim()
	m.Poke(HWICAPReadFIFO, 0x0001)
	d := NewDriver(zap.NewNop(), NewHWICAP(m), DefaultConfig())

	v, err := d.ReadGeneral5(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint16(1), v)
	require.Equal(t, uint32(1), m.Peek(HWICAPSize))
	require.Equal(t, []uint32{CRWrite, CRRead}, *control)
}

func TestHWICAPStuckBusy(t *testing.T) {
	m := mmio.NewMem()
	m.Poke(HWICAPControl, CRWrite)
	m.OnWrite(HWICAPControl, func(v uint32) uint32 { return v })
	h := NewHWICAP(m)
	h.Busy = retry.Policy{Attempts: 4}

	require.True(t, h.TriggerAndWait(context.Background()))
	require.True(t, h.Abort(context.Background()))
}
