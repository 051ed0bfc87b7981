package mmio

import "sync"

// Mem is a heap-backed register window. Hooks let tests model registers
// with side effects, such as flags that clear on write.
type Mem struct {
	mu      sync.Mutex
	regs    map[uint32]uint32
	onRead  map[uint32]func(current uint32) uint32
	onWrite map[uint32]func(value uint32) uint32
}

func NewMem() *Mem {
	return &Mem{
		regs:    make(map[uint32]uint32),
		onRead:  make(map[uint32]func(uint32) uint32),
		onWrite: make(map[uint32]func(uint32) uint32),
	}
}

// OnRead replaces the value returned for off. The hook sees the stored value.
func (m *Mem) OnRead(off uint32, fn func(current uint32) uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRead[off] = fn
}

// OnWrite intercepts stores to off. The hook's return value is what gets stored.
func (m *Mem) OnWrite(off uint32, fn func(value uint32) uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onWrite[off] = fn
}

func (m *Mem) Read32(off uint32) uint32 {
	m.mu.Lock()
	v := m.regs[off]
	fn := m.onRead[off]
	m.mu.Unlock()

	if fn != nil {
		return fn(v)
	}
	return v
}

func (m *Mem) Write32(off uint32, value uint32) {
	m.mu.Lock()
	fn := m.onWrite[off]
	m.mu.Unlock()

	if fn != nil {
		value = fn(value)
	}

	m.mu.Lock()
	m.regs[off] = value
	m.mu.Unlock()
}

// Peek reads the stored value without running hooks.
func (m *Mem) Peek(off uint32) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.regs[off]
}

// Poke stores a value without running hooks.
func (m *Mem) Poke(off uint32, value uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regs[off] = value
}
