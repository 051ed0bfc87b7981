package flash

import (
	"errors"
	"fmt"
	"io"
)

var (
	ErrNotErased  = errors.New("flash not erased")
	ErrProtected  = errors.New("flash sector is write protected")
	ErrOutOfRange = errors.New("flash access out of range")
	ErrUnaligned  = errors.New("flash erase not sector aligned")
	ErrNoOTP      = errors.New("flash has no otp region")
)

// Device is NOR-like storage: programming can only clear bits, erase sets
// whole sectors back to 0xFF.
type Device interface {
	io.ReaderAt
	io.WriterAt
	Size() int64
	SectorSize() int64
	Erase(off, n int64) error
	Protect(off, n int64, on bool) error
}

// OTP is the one-time-programmable area some parts carry next to the array.
type OTP interface {
	ReadOTP(off int64, buf []byte) error
	WriteOTP(off int64, buf []byte) error
	OTPSize() int64
}

func checkRange(size, off, n int64) error {
	if off < 0 || n < 0 || off+n > size {
		return fmt.Errorf("%w: 0x%x+0x%x (size 0x%x)", ErrOutOfRange, off, n, size)
	}
	return nil
}

// checkProgram reports whether writing next over current needs any 0 to 1
// transition.
func checkProgram(current, next []byte) error {
	for i := range next {
		if next[i]&^current[i] != 0 {
			return fmt.Errorf("%w at byte %d (0x%02x -> 0x%02x)", ErrNotErased, i, current[i], next[i])
		}
	}
	return nil
}

// sectorSpan returns the first and last sector index touched by off+n.
func sectorSpan(sectorSize, off, n int64) (int64, int64) {
	if n == 0 {
		return off / sectorSize, off/sectorSize - 1
	}
	return off / sectorSize, (off + n - 1) / sectorSize
}

// ParseRange accepts U-Boot style "+len" sizes or an inclusive end address.
func ParseRange(start uint64, arg string, parse func(string) (uint64, error)) (uint64, error) {
	if len(arg) > 0 && arg[0] == '+' {
		n, err := parse(arg[1:])
		if err != nil {
			return 0, err
		}
		return n, nil
	}
	end, err := parse(arg)
	if err != nil {
		return 0, err
	}
	if end < start {
		return 0, fmt.Errorf("end 0x%x before start 0x%x", end, start)
	}
	return end - start + 1, nil
}

// EraseAll erases every sector overlapping off+n.
func EraseAll(d Device, off, n int64) error {
	ss := d.SectorSize()
	first, last := sectorSpan(ss, off, n)
	if last < first {
		return nil
	}
	return d.Erase(first*ss, (last-first+1)*ss)
}
