package mailbox

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/losfair/fwboot/fwboot-libs/retry"
	"go.bug.st/serial"
)

// Port is the part of serial.Port the stream mailbox needs.
type Port interface {
	io.ReadWriter
	SetReadTimeout(t time.Duration) error
}

type SerialConfig struct {
	Device   string `json:"device"`
	BaudRate int    `json:"baud_rate"`
}

// Serial carries mailbox messages over a byte stream. Each message is
// framed by its own big-endian length field.
type Serial struct {
	port Port
	// How long a poll waits for the first byte of a frame.
	PollTimeout time.Duration
	// How long the rest of a frame may take once it has started.
	FrameTimeout time.Duration
}

func OpenSerial(c *SerialConfig) (*Serial, serial.Port, error) {
	baud := c.BaudRate
	if baud == 0 {
		baud = 115200
	}
	port, err := serial.Open(c.Device, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s: %w", c.Device, err)
	}
	return NewSerial(port), port, nil
}

func NewSerial(port Port) *Serial {
	return &Serial{
		port:         port,
		PollTimeout:  10 * time.Millisecond,
		FrameTimeout: time.Second,
	}
}

func (s *Serial) Setup() error {
	return s.port.SetReadTimeout(s.PollTimeout)
}

func (s *Serial) Read(ctx context.Context, buf []byte, blocking bool) (int, error) {
	return pollRead(ctx, retry.Policy{}, blocking, func() (int, error) {
		return s.readFrame(buf)
	})
}

func (s *Serial) readFrame(buf []byte) (int, error) {
	if err := s.port.SetReadTimeout(s.PollTimeout); err != nil {
		return 0, err
	}
	var header [2]byte
	n, err := s.port.Read(header[:1])
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrNoMessage
	}

	if err := s.port.SetReadTimeout(s.FrameTimeout); err != nil {
		return 0, err
	}
	if err := s.readFull(header[1:]); err != nil {
		return 0, err
	}
	length := int(binary.BigEndian.Uint16(header[:]))
	if length < 2 {
		return 0, fmt.Errorf("%w: frame length %d", ErrMalformed, length)
	}
	if length > len(buf) {
		// drain the frame so the stream stays in sync
		s.readFull(make([]byte, length-2))
		return 0, fmt.Errorf("%w: %d bytes, buffer holds %d", ErrMessageTooLarge, length, len(buf))
	}
	copy(buf, header[:])
	if err := s.readFull(buf[2:length]); err != nil {
		return 0, err
	}
	return length, nil
}

func (s *Serial) readFull(buf []byte) error {
	for off := 0; off < len(buf); {
		n, err := s.port.Read(buf[off:])
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: frame truncated after %d bytes", ErrMalformed, off)
		}
		off += n
	}
	return nil
}

func (s *Serial) Write(buf []byte) error {
	if len(buf) > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(buf))
	}
	_, err := s.port.Write(buf)
	return err
}

// TriggerAsync is a no-op: the host reads the stream continuously.
func (s *Serial) TriggerAsync() error {
	return nil
}
