package flash

import (
	"bytes"
	"fmt"
	"os"
	"sync"
)

type FileConfig struct {
	Path       string `json:"path"`
	OTPPath    string `json:"otp_path"`
	SectorSize int64  `json:"sector_size"`
}

// File keeps a flash image in a regular file and applies the same program
// and protect rules as the real part.
type File struct {
	mu         sync.Mutex
	f          *os.File
	otp        *os.File
	size       int64
	sectorSize int64
	protected  map[int64]bool
}

func OpenFile(c *FileConfig) (*File, error) {
	if c.SectorSize <= 0 {
		return nil, fmt.Errorf("invalid sector size %d", c.SectorSize)
	}
	f, err := os.OpenFile(c.Path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open flash image: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat flash image: %w", err)
	}

	d := &File{
		f:          f,
		size:       st.Size(),
		sectorSize: c.SectorSize,
		protected:  make(map[int64]bool),
	}

	if c.OTPPath != "" {
		otp, err := os.OpenFile(c.OTPPath, os.O_RDWR, 0)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to open otp image: %w", err)
		}
		d.otp = otp
	}
	return d, nil
}

func (d *File) Close() error {
	if d.otp != nil {
		d.otp.Close()
	}
	return d.f.Close()
}

func (d *File) Size() int64       { return d.size }
func (d *File) SectorSize() int64 { return d.sectorSize }

func (d *File) ReadAt(p []byte, off int64) (int, error) {
	if err := checkRange(d.size, off, int64(len(p))); err != nil {
		return 0, err
	}
	return d.f.ReadAt(p, off)
}

func (d *File) WriteAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := int64(len(p))
	if err := checkRange(d.size, off, n); err != nil {
		return 0, err
	}
	first, last := sectorSpan(d.sectorSize, off, n)
	for s := first; s <= last; s++ {
		if d.protected[s] {
			return 0, fmt.Errorf("%w: sector %d", ErrProtected, s)
		}
	}
	current := make([]byte, n)
	if _, err := d.f.ReadAt(current, off); err != nil {
		return 0, err
	}
	if err := checkProgram(current, p); err != nil {
		return 0, err
	}
	return d.f.WriteAt(p, off)
}

func (d *File) Erase(off, n int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := checkRange(d.size, off, n); err != nil {
		return err
	}
	if off%d.sectorSize != 0 || n%d.sectorSize != 0 {
		return fmt.Errorf("%w: 0x%x+0x%x", ErrUnaligned, off, n)
	}
	first, last := sectorSpan(d.sectorSize, off, n)
	for s := first; s <= last; s++ {
		if d.protected[s] {
			return fmt.Errorf("%w: sector %d", ErrProtected, s)
		}
	}
	blank := bytes.Repeat([]byte{0xFF}, int(d.sectorSize))
	for s := first; s <= last; s++ {
		if _, err := d.f.WriteAt(blank, s*d.sectorSize); err != nil {
			return err
		}
	}
	return nil
}

func (d *File) Protect(off, n int64, on bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := checkRange(d.size, off, n); err != nil {
		return err
	}
	first, last := sectorSpan(d.sectorSize, off, n)
	for s := first; s <= last; s++ {
		d.protected[s] = on
	}
	return nil
}

func (d *File) OTPSize() int64 {
	if d.otp == nil {
		return 0
	}
	st, err := d.otp.Stat()
	if err != nil {
		return 0
	}
	return st.Size()
}

func (d *File) ReadOTP(off int64, buf []byte) error {
	if d.otp == nil {
		return ErrNoOTP
	}
	if err := checkRange(d.OTPSize(), off, int64(len(buf))); err != nil {
		return err
	}
	_, err := d.otp.ReadAt(buf, off)
	return err
}

func (d *File) WriteOTP(off int64, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.otp == nil {
		return ErrNoOTP
	}
	if err := checkRange(d.OTPSize(), off, int64(len(buf))); err != nil {
		return err
	}
	current := make([]byte, len(buf))
	if _, err := d.otp.ReadAt(current, off); err != nil {
		return err
	}
	if err := checkProgram(current, buf); err != nil {
		return err
	}
	_, err := d.otp.WriteAt(buf, off)
	return err
}
