package flash

import (
	"bytes"
	"fmt"
	"sync"
)

// Mem is a RAM-backed flash part.
type Mem struct {
	mu         sync.Mutex
	data       []byte
	sectorSize int64
	protected  map[int64]bool
	otp        []byte
}

func NewMem(size, sectorSize int64, otpSize int64) *Mem {
	m := &Mem{
		data:       bytes.Repeat([]byte{0xFF}, int(size)),
		sectorSize: sectorSize,
		protected:  make(map[int64]bool),
	}
	if otpSize > 0 {
		m.otp = bytes.Repeat([]byte{0xFF}, int(otpSize))
	}
	return m
}

func (m *Mem) Size() int64       { return int64(len(m.data)) }
func (m *Mem) SectorSize() int64 { return m.sectorSize }

func (m *Mem) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := checkRange(m.Size(), off, int64(len(p))); err != nil {
		return 0, err
	}
	return copy(p, m.data[off:]), nil
}

func (m *Mem) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := int64(len(p))
	if err := checkRange(m.Size(), off, n); err != nil {
		return 0, err
	}
	first, last := sectorSpan(m.sectorSize, off, n)
	for s := first; s <= last; s++ {
		if m.protected[s] {
			return 0, fmt.Errorf("%w: sector %d", ErrProtected, s)
		}
	}
	if err := checkProgram(m.data[off:off+n], p); err != nil {
		return 0, err
	}
	return copy(m.data[off:], p), nil
}

func (m *Mem) Erase(off, n int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := checkRange(m.Size(), off, n); err != nil {
		return err
	}
	if off%m.sectorSize != 0 || n%m.sectorSize != 0 {
		return fmt.Errorf("%w: 0x%x+0x%x", ErrUnaligned, off, n)
	}
	first, last := sectorSpan(m.sectorSize, off, n)
	for s := first; s <= last; s++ {
		if m.protected[s] {
			return fmt.Errorf("%w: sector %d", ErrProtected, s)
		}
	}
	for i := off; i < off+n; i++ {
		m.data[i] = 0xFF
	}
	return nil
}

func (m *Mem) Protect(off, n int64, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := checkRange(m.Size(), off, n); err != nil {
		return err
	}
	first, last := sectorSpan(m.sectorSize, off, n)
	for s := first; s <= last; s++ {
		m.protected[s] = on
	}
	return nil
}

func (m *Mem) OTPSize() int64 { return int64(len(m.otp)) }

func (m *Mem) ReadOTP(off int64, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.otp == nil {
		return ErrNoOTP
	}
	if err := checkRange(int64(len(m.otp)), off, int64(len(buf))); err != nil {
		return err
	}
	copy(buf, m.otp[off:])
	return nil
}

func (m *Mem) WriteOTP(off int64, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.otp == nil {
		return ErrNoOTP
	}
	n := int64(len(buf))
	if err := checkRange(int64(len(m.otp)), off, n); err != nil {
		return err
	}
	if err := checkProgram(m.otp[off:off+n], buf); err != nil {
		return err
	}
	copy(m.otp[off:], buf)
	return nil
}
