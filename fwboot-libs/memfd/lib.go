package memfd

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ChildPath is where the first ExtraFiles entry shows up in a child process.
const ChildPath = "/proc/self/fd/3"

// NewSealed returns a read-only in-memory file holding a copy of data. The
// file can no longer grow, shrink or be written once this returns.
func NewSealed(name string, data []byte) (*os.File, error) {
	rawfd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return nil, fmt.Errorf("memfd_create %s: %w", name, err)
	}

	f := os.NewFile(uintptr(rawfd), name)
	if err := fill(f, data); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to fill memfd %s: %w", name, err)
	}
	return f, nil
}

func fill(f *os.File, data []byte) error {
	if len(data) != 0 {
		if err := unix.Ftruncate(int(f.Fd()), int64(len(data))); err != nil {
			return err
		}

		mapping, err := unix.Mmap(int(f.Fd()), 0, len(data), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			return err
		}
		copy(mapping, data)
		if err := unix.Munmap(mapping); err != nil {
			return err
		}
	}

	_, err := unix.FcntlInt(f.Fd(), unix.F_ADD_SEALS, unix.F_SEAL_GROW|unix.F_SEAL_SHRINK|unix.F_SEAL_WRITE|unix.F_SEAL_SEAL)
	return err
}
