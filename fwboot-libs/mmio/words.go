package mmio

import "encoding/binary"

// ReadWords fills dst from consecutive registers starting at off. Each
// register supplies four big-endian bytes; a short tail takes the leading
// bytes of the last word.
func ReadWords(r Region, off uint32, dst []byte) {
	var word [4]byte
	for i := 0; i < len(dst); i += 4 {
		binary.BigEndian.PutUint32(word[:], r.Read32(off+uint32(i)))
		copy(dst[i:], word[:])
	}
}

// WriteWords packs src into consecutive big-endian registers starting at
// off, padding the last word with zeros.
func WriteWords(r Region, off uint32, src []byte) {
	var word [4]byte
	for i := 0; i < len(src); i += 4 {
		word = [4]byte{}
		copy(word[:], src[i:])
		r.Write32(off+uint32(i), binary.BigEndian.Uint32(word[:]))
	}
}
