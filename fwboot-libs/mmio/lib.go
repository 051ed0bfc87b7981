package mmio

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Region is a window of 32-bit peripheral registers.
type Region interface {
	Read32(off uint32) uint32
	Write32(off uint32, value uint32)
}

// Mapping is a physical address window mapped through /dev/mem.
type Mapping struct {
	phys    uint64
	mapping []byte
	window  []byte
}

func Map(phys uint64, size int) (*Mapping, error) {
	devMem, err := os.OpenFile("/dev/mem", os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open /dev/mem: %w", err)
	}
	defer devMem.Close()

	pageSize := uint64(unix.Getpagesize())
	aligned := phys &^ (pageSize - 1)
	skew := int(phys - aligned)

	mapping, err := unix.Mmap(int(devMem.Fd()), int64(aligned), size+skew, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap 0x%08x+0x%x: %w", phys, size, err)
	}

	return &Mapping{
		phys:    phys,
		mapping: mapping,
		window:  mapping[skew : skew+size],
	}, nil
}

func (m *Mapping) Phys() uint64 {
	return m.phys
}

func (m *Mapping) Size() int {
	return len(m.window)
}

// Bytes exposes the raw window for RAM-like regions.
func (m *Mapping) Bytes() []byte {
	return m.window
}

func (m *Mapping) Read32(off uint32) uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&m.window[off])))
}

func (m *Mapping) Write32(off uint32, value uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&m.window[off])), value)
}

func (m *Mapping) Close() error {
	if m.mapping == nil {
		return nil
	}
	err := unix.Munmap(m.mapping)
	m.mapping = nil
	m.window = nil
	return err
}
