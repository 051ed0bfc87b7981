package preboot

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

const (
	HeaderSize  = 64
	HeaderMagic = 0x27051956

	nameOffset = 32
	nameSize   = 32
)

var ErrBadMagic = errors.New("bad uImage magic")

// Header is a legacy uImage header. All fields are big-endian on flash.
type Header struct {
	Magic     uint32
	HeaderCRC uint32
	Time      uint32
	Size      uint32
	Load      uint32
	Entry     uint32
	DataCRC   uint32
	OS        uint8
	Arch      uint8
	Type      uint8
	Comp      uint8
	Name      string
}

func ParseHeader(b []byte) (*Header, error) {
	if len(b) < HeaderSize {
		return nil, fmt.Errorf("short uImage header: %d bytes", len(b))
	}
	h := &Header{
		Magic:     binary.BigEndian.Uint32(b[0:]),
		HeaderCRC: binary.BigEndian.Uint32(b[4:]),
		Time:      binary.BigEndian.Uint32(b[8:]),
		Size:      binary.BigEndian.Uint32(b[12:]),
		Load:      binary.BigEndian.Uint32(b[16:]),
		Entry:     binary.BigEndian.Uint32(b[20:]),
		DataCRC:   binary.BigEndian.Uint32(b[24:]),
		OS:        b[28],
		Arch:      b[29],
		Type:      b[30],
		Comp:      b[31],
	}
	name := b[nameOffset : nameOffset+nameSize]
	for i, c := range name {
		if c == 0 {
			name = name[:i]
			break
		}
	}
	h.Name = string(name)
	if h.Magic != HeaderMagic {
		return h, fmt.Errorf("%w: 0x%08x", ErrBadMagic, h.Magic)
	}
	return h, nil
}

// Encode serializes the header with HeaderCRC computed over the result.
func (h *Header) Encode() []byte {
	b := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(b[0:], h.Magic)
	binary.BigEndian.PutUint32(b[8:], h.Time)
	binary.BigEndian.PutUint32(b[12:], h.Size)
	binary.BigEndian.PutUint32(b[16:], h.Load)
	binary.BigEndian.PutUint32(b[20:], h.Entry)
	binary.BigEndian.PutUint32(b[24:], h.DataCRC)
	b[28] = h.OS
	b[29] = h.Arch
	b[30] = h.Type
	b[31] = h.Comp
	copy(b[nameOffset:nameOffset+nameSize-1], h.Name)
	h.HeaderCRC = crc32.ChecksumIEEE(b)
	binary.BigEndian.PutUint32(b[4:], h.HeaderCRC)
	return b
}
