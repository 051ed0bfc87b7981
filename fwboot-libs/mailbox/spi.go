package mailbox

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/losfair/fwboot/fwboot-libs/mmio"
	"github.com/losfair/fwboot/fwboot-libs/retry"
)

const (
	SPIControl   = 0x00
	SPIIRQMask   = 0x04
	SPIFlags     = 0x08
	SPIMsgLength = 0x0C
	SPIData      = 0x400

	SPIDisable     = 0x0
	SPIEnable      = 0x1
	SPIMsgConsumed = 0x2
	SPIHostToSlave = 0x2

	// The gateware prepends this many bytes to every host read, and hosts
	// expect the response length field to count them.
	SPIDummyBytes = 4
)

var ErrNoAsync = errors.New("mailbox has no async trigger")

// SPI is the backplane SPI slave mailbox.
type SPI struct {
	region   mmio.Region
	capacity int
	Poll     retry.Policy
}

func NewSPI(region mmio.Region, capacity int) *SPI {
	if capacity <= 0 {
		capacity = MaxMessageSize
	}
	return &SPI{region: region, capacity: capacity, Poll: DefaultPoll}
}

func (m *SPI) Setup() error {
	m.region.Write32(SPIControl, SPIDisable)
	m.region.Write32(SPIIRQMask, 0)
	m.region.Write32(SPIControl, SPIEnable)
	return nil
}

func (m *SPI) Read(ctx context.Context, buf []byte, blocking bool) (int, error) {
	return pollRead(ctx, m.Poll, blocking, func() (int, error) {
		if m.region.Read32(SPIFlags)&SPIHostToSlave == 0 {
			return 0, ErrNoMessage
		}
		n := int(m.region.Read32(SPIMsgLength))
		if n > len(buf) {
			m.region.Write32(SPIControl, SPIMsgConsumed|SPIEnable)
			return 0, fmt.Errorf("%w: %d bytes, buffer holds %d", ErrMessageTooLarge, n, len(buf))
		}
		mmio.ReadWords(m.region, SPIData, buf[:n])
		m.region.Write32(SPIControl, SPIMsgConsumed|SPIEnable)
		return n, nil
	})
}

// Write sends a response. The length field is bumped by the dummy byte
// count; only the real bytes are written.
func (m *SPI) Write(buf []byte) error {
	if len(buf) > m.capacity {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(buf))
	}
	out := buf
	if len(buf) >= 2 {
		out = append([]byte(nil), buf...)
		binary.BigEndian.PutUint16(out[0:2], binary.BigEndian.Uint16(buf[0:2])+SPIDummyBytes)
	}
	mmio.WriteWords(m.region, SPIData, out)
	m.region.Write32(SPIMsgLength, uint32(len(out)))
	return nil
}

func (m *SPI) TriggerAsync() error {
	return ErrNoAsync
}
