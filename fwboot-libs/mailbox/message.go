package mailbox

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// MaxMessageSize bounds both request and response buffers.
const MaxMessageSize = 1024

const (
	RequestHeaderSize  = 12
	ResponseHeaderSize = 4
)

var ErrMalformed = errors.New("malformed mailbox message")

// Request header: [0:2) length, [4:6) class, [6:8) instance, [8:10)
// service, [10:12) attribute. All fields big-endian.
type Request struct {
	Class     uint16
	Instance  uint16
	Service   uint16
	Attribute uint16
	Payload   []byte
}

func ParseRequest(buf []byte) (*Request, error) {
	if len(buf) < RequestHeaderSize {
		return nil, fmt.Errorf("%w: %d byte request", ErrMalformed, len(buf))
	}
	length := int(binary.BigEndian.Uint16(buf[0:2]))
	if length < RequestHeaderSize || length > len(buf) {
		return nil, fmt.Errorf("%w: request length %d, have %d bytes", ErrMalformed, length, len(buf))
	}
	return &Request{
		Class:     binary.BigEndian.Uint16(buf[4:6]),
		Instance:  binary.BigEndian.Uint16(buf[6:8]),
		Service:   binary.BigEndian.Uint16(buf[8:10]),
		Attribute: binary.BigEndian.Uint16(buf[10:12]),
		Payload:   buf[RequestHeaderSize:length],
	}, nil
}

func (r *Request) Encode() []byte {
	buf := make([]byte, RequestHeaderSize+len(r.Payload))
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(buf)))
	binary.BigEndian.PutUint16(buf[4:6], r.Class)
	binary.BigEndian.PutUint16(buf[6:8], r.Instance)
	binary.BigEndian.PutUint16(buf[8:10], r.Service)
	binary.BigEndian.PutUint16(buf[10:12], r.Attribute)
	copy(buf[RequestHeaderSize:], r.Payload)
	return buf
}

// Response header: [0:2) length, [2:4) status.
type Response struct {
	Status  uint16
	Payload []byte
}

func ParseResponse(buf []byte) (*Response, error) {
	if len(buf) < ResponseHeaderSize {
		return nil, fmt.Errorf("%w: %d byte response", ErrMalformed, len(buf))
	}
	length := int(binary.BigEndian.Uint16(buf[0:2]))
	if length < ResponseHeaderSize {
		return nil, fmt.Errorf("%w: response length %d", ErrMalformed, length)
	}
	// SPI mailboxes report extra bytes the gateware adds on the host side
	if length > len(buf) {
		length = len(buf)
	}
	return &Response{
		Status:  binary.BigEndian.Uint16(buf[2:4]),
		Payload: buf[ResponseHeaderSize:length],
	}, nil
}

func (r *Response) Encode() []byte {
	buf := make([]byte, ResponseHeaderSize+len(r.Payload))
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(buf)))
	binary.BigEndian.PutUint16(buf[2:4], r.Status)
	copy(buf[ResponseHeaderSize:], r.Payload)
	return buf
}

// Decoder reads typed payload fields in order. The first failure sticks and
// every later read returns zero values.
type Decoder struct {
	buf []byte
	off int
	err error
}

func NewDecoder(payload []byte) *Decoder {
	return &Decoder{buf: payload}
}

func (d *Decoder) Err() error {
	return d.err
}

func (d *Decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || d.off+n > len(d.buf) {
		d.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrMalformed, n, d.off, len(d.buf))
		return nil
	}
	out := d.buf[d.off : d.off+n]
	d.off += n
	return out
}

func (d *Decoder) Uint16() uint16 {
	b := d.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (d *Decoder) Uint32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (d *Decoder) Bool() bool {
	return d.Uint32() != 0
}

// String reads a length-prefixed string whose length includes a NUL
// terminator.
func (d *Decoder) String() string {
	n := d.Uint32()
	b := d.take(int(n))
	if b == nil {
		return ""
	}
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func (d *Decoder) Sequence() []byte {
	n := d.Uint32()
	return d.take(int(n))
}

type Encoder struct {
	buf []byte
}

func (e *Encoder) Bytes() []byte {
	return e.buf
}

func (e *Encoder) Uint16(v uint16) *Encoder {
	e.buf = binary.BigEndian.AppendUint16(e.buf, v)
	return e
}

func (e *Encoder) Uint32(v uint32) *Encoder {
	e.buf = binary.BigEndian.AppendUint32(e.buf, v)
	return e
}

func (e *Encoder) Bool(v bool) *Encoder {
	if v {
		return e.Uint32(0xFFFFFFFF)
	}
	return e.Uint32(0)
}

func (e *Encoder) String(s string) *Encoder {
	e.Uint32(uint32(len(s) + 1))
	e.buf = append(e.buf, s...)
	e.buf = append(e.buf, 0)
	return e
}

func (e *Encoder) Sequence(b []byte) *Encoder {
	e.Uint32(uint32(len(b)))
	e.buf = append(e.buf, b...)
	return e
}
