package icap

import (
	"context"
	"time"

	"github.com/losfair/fwboot/fwboot-libs/mmio"
)

const (
	// Set on the last word of a sequence to drain the FIFO into the ICAP.
	FSLFinish uint32 = 0x80000000
	// Set in the result word when the ICAP rejected the sequence.
	FSLFailed uint32 = 0x80000000
)

// Port is one FSL link: a put side with a control flag and a get side.
type Port interface {
	Put(word uint32, control bool)
	Get() uint32
}

// RegisterPort exposes an FSL link through a register bridge.
type RegisterPort struct {
	Region        mmio.Region
	DataOffset    uint32
	ControlOffset uint32
	ResultOffset  uint32
}

func (p *RegisterPort) Put(word uint32, control bool) {
	if control {
		p.Region.Write32(p.ControlOffset, word)
		return
	}
	p.Region.Write32(p.DataOffset, word)
}

func (p *RegisterPort) Get() uint32 {
	return p.Region.Read32(p.ResultOffset)
}

// FSL is the instruction-queue transport. The FINISH flag rides on the
// closing NOP of each sequence.
type FSL struct {
	Port   Port
	Settle time.Duration
	Sleep  func(time.Duration)

	pending    *uint32
	lastResult uint32
}

func NewFSL(port Port) *FSL {
	return &FSL{
		Port:   port,
		Settle: time.Millisecond,
		Sleep:  time.Sleep,
	}
}

func (f *FSL) wait(ctx context.Context) {
	if f.Settle <= 0 {
		return
	}
	if f.Sleep != nil {
		f.Sleep(f.Settle)
		return
	}
	t := time.NewTimer(f.Settle)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func (f *FSL) Abort(ctx context.Context) bool {
	f.pending = nil
	f.Port.Put(uint32(WordPad), true)
	f.wait(ctx)
	f.lastResult = f.Port.Get()
	return f.lastResult&FSLFailed != 0
}

func (f *FSL) Send(word uint16) {
	f.Port.Put(uint32(word), false)
}

func (f *FSL) TriggerAndWait(ctx context.Context) bool {
	f.Port.Put(FSLFinish|uint32(WordNop), false)
	f.wait(ctx)
	result := f.Port.Get()
	f.lastResult = result
	f.pending = &f.lastResult
	return result&FSLFailed != 0
}

func (f *FSL) Recv(ctx context.Context) (uint16, bool) {
	if f.pending != nil {
		v := *f.pending
		f.pending = nil
		return uint16(v), v&FSLFailed == 0
	}
	v := f.Port.Get()
	return uint16(v), v&FSLFailed == 0
}
