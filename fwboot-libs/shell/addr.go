package shell

import (
	"errors"
	"fmt"
	"io"
	"sort"
)

var ErrUnmapped = errors.New("address not mapped")

// Memory is anything that can back a window of the bus address space.
type Memory interface {
	io.ReaderAt
	io.WriterAt
	Size() int64
}

// RAM is a plain byte window.
type RAM []byte

func (r RAM) Size() int64 { return int64(len(r)) }

func (r RAM) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(r)) {
		return 0, fmt.Errorf("%w: ram 0x%x+0x%x", ErrUnmapped, off, len(p))
	}
	return copy(p, r[off:]), nil
}

func (r RAM) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(r)) {
		return 0, fmt.Errorf("%w: ram 0x%x+0x%x", ErrUnmapped, off, len(p))
	}
	return copy(r[off:], p), nil
}

type Region struct {
	Name string
	Base uint64
	Mem  Memory
}

func (r *Region) End() uint64 {
	return r.Base + uint64(r.Mem.Size())
}

// AddressMap resolves bus addresses to the memory behind them. It is itself
// an io.ReaderAt and io.WriterAt whose offsets are bus addresses; an access
// must stay inside a single region.
type AddressMap struct {
	regions []*Region
}

func NewAddressMap() *AddressMap {
	return &AddressMap{}
}

func (m *AddressMap) Add(name string, base uint64, mem Memory) error {
	r := &Region{Name: name, Base: base, Mem: mem}
	for _, x := range m.regions {
		if r.Base < x.End() && x.Base < r.End() {
			return fmt.Errorf("region %s overlaps %s", name, x.Name)
		}
	}
	m.regions = append(m.regions, r)
	sort.Slice(m.regions, func(i, j int) bool { return m.regions[i].Base < m.regions[j].Base })
	return nil
}

func (m *AddressMap) Regions() []*Region {
	return m.regions
}

// Resolve finds the region holding addr..addr+n and the offset into it.
func (m *AddressMap) Resolve(addr, n uint64) (*Region, int64, error) {
	for _, r := range m.regions {
		if addr >= r.Base && addr+n <= r.End() {
			return r, int64(addr - r.Base), nil
		}
	}
	return nil, 0, fmt.Errorf("%w: 0x%08x+0x%x", ErrUnmapped, addr, n)
}

func (m *AddressMap) ReadAt(p []byte, addr int64) (int, error) {
	r, off, err := m.Resolve(uint64(addr), uint64(len(p)))
	if err != nil {
		return 0, err
	}
	return r.Mem.ReadAt(p, off)
}

func (m *AddressMap) WriteAt(p []byte, addr int64) (int, error) {
	r, off, err := m.Resolve(uint64(addr), uint64(len(p)))
	if err != nil {
		return 0, err
	}
	return r.Mem.WriteAt(p, off)
}

func (m *AddressMap) Read(addr, n uint64) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := m.ReadAt(buf, int64(addr)); err != nil {
		return nil, err
	}
	return buf, nil
}
