package flash

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func exerciseDevice(t *testing.T, d Device) {
	buf := make([]byte, 4)
	_, err := d.ReadAt(buf, 0x1000)
	require.NoError(t, err)
	require.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0xFF}, buf)

	_, err = d.WriteAt([]byte{0x12, 0x34, 0x56, 0x78}, 0x1000)
	require.NoError(t, err)

	// clearing more bits is fine
	_, err = d.WriteAt([]byte{0x02, 0x34, 0x56, 0x78}, 0x1000)
	require.NoError(t, err)

	_, err = d.WriteAt([]byte{0xFF}, 0x1000)
	require.ErrorIs(t, err, ErrNotErased)

	require.NoError(t, d.Protect(0x1000, 4, true))
	require.ErrorIs(t, d.Erase(0x1000, 0x1000), ErrProtected)
	_, err = d.WriteAt([]byte{0x00}, 0x1FFF)
	require.ErrorIs(t, err, ErrProtected)
	require.NoError(t, d.Protect(0x1000, 4, false))

	require.ErrorIs(t, d.Erase(0x1001, 0x1000), ErrUnaligned)
	require.NoError(t, d.Erase(0x1000, 0x1000))
	_, err = d.ReadAt(buf, 0x1000)
	require.NoError(t, err)
	require.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0xFF}, buf)

	_, err = d.ReadAt(buf, d.Size()-2)
	require.ErrorIs(t, err, ErrOutOfRange)
}

func TestMem(t *testing.T) {
	exerciseDevice(t, NewMem(0x10000, 0x1000, 0))
}

func TestFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flash.bin")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte{0xFF}, 0x10000), 0600))
	otpPath := filepath.Join(dir, "otp.bin")
	require.NoError(t, os.WriteFile(otpPath, bytes.Repeat([]byte{0xFF}, 0x200), 0600))

	d, err := OpenFile(&FileConfig{Path: path, OTPPath: otpPath, SectorSize: 0x1000})
	require.NoError(t, err)
	defer d.Close()

	exerciseDevice(t, d)
	exerciseOTP(t, d)
}

func exerciseOTP(t *testing.T, o OTP) {
	require.NoError(t, o.WriteOTP(0x114, []byte{0x00, 0x00, 0x02, 0x0A}))
	buf := make([]byte, 4)
	require.NoError(t, o.ReadOTP(0x114, buf))
	require.Equal(t, []byte{0x00, 0x00, 0x02, 0x0A}, buf)
	require.ErrorIs(t, o.WriteOTP(0x116, []byte{0xFF}), ErrNotErased)
}

func TestMemOTP(t *testing.T) {
	exerciseOTP(t, NewMem(0x1000, 0x1000, 0x200))
	require.ErrorIs(t, NewMem(0x1000, 0x1000, 0).WriteOTP(0, []byte{0}), ErrNoOTP)
}

func TestEraseAll(t *testing.T) {
	m := NewMem(0x10000, 0x1000, 0)
	_, err := m.WriteAt([]byte{0, 0}, 0x1FFF)
	require.NoError(t, err)
	require.NoError(t, EraseAll(m, 0x1FFF, 2))
	buf := make([]byte, 2)
	_, err = m.ReadAt(buf, 0x1FFF)
	require.NoError(t, err)
	require.Equal(t, []byte{0xFF, 0xFF}, buf)
}

func TestParseRange(t *testing.T) {
	parse := func(s string) (uint64, error) { return strconv.ParseUint(s, 0, 64) }

	n, err := ParseRange(0x87000000, "+0xC", parse)
	require.NoError(t, err)
	require.Equal(t, uint64(0xC), n)

	n, err = ParseRange(0x87000000, "0x8700FFFF", parse)
	require.NoError(t, err)
	require.Equal(t, uint64(0x10000), n)

	_, err = ParseRange(0x87000000, "0x80000000", parse)
	require.Error(t, err)
}
