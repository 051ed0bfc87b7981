package mailbox

import (
	"context"
	"fmt"

	"github.com/losfair/fwboot/fwboot-libs/mmio"
	"github.com/losfair/fwboot/fwboot-libs/retry"
)

const (
	LabXControl   = 0x00
	LabXIRQMask   = 0x04
	LabXIRQFlags  = 0x08
	LabXMsgLen    = 0x0C
	LabXTrigAsync = 0x14
	LabXData      = 0x800

	LabXDisable = 0x0
	LabXEnable  = 0x1
	LabXIRQ0    = 0x1
	LabXIRQ1    = 0x2
)

// LabX is the memory-mapped supervisor mailbox. Message arrival is taken
// from the IRQ flags register, which is cleared by writing it back.
type LabX struct {
	region   mmio.Region
	capacity int
	Poll     retry.Policy
}

func NewLabX(region mmio.Region, capacity int) *LabX {
	if capacity <= 0 {
		capacity = MaxMessageSize
	}
	return &LabX{region: region, capacity: capacity, Poll: DefaultPoll}
}

func (m *LabX) Setup() error {
	m.region.Write32(LabXControl, LabXDisable)
	m.region.Write32(LabXIRQMask, 0)
	m.region.Write32(LabXControl, LabXEnable)
	return nil
}

func (m *LabX) Read(ctx context.Context, buf []byte, blocking bool) (int, error) {
	return pollRead(ctx, m.Poll, blocking, func() (int, error) {
		flags := m.region.Read32(LabXIRQFlags)
		m.region.Write32(LabXIRQFlags, flags)
		if flags&LabXIRQ0 == 0 {
			return 0, ErrNoMessage
		}
		n := int(m.region.Read32(LabXMsgLen))
		if n > len(buf) {
			return 0, fmt.Errorf("%w: %d bytes, buffer holds %d", ErrMessageTooLarge, n, len(buf))
		}
		mmio.ReadWords(m.region, LabXData, buf[:n])
		return n, nil
	})
}

func (m *LabX) Write(buf []byte) error {
	if len(buf) > m.capacity {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(buf))
	}
	mmio.WriteWords(m.region, LabXData, buf)
	m.region.Write32(LabXMsgLen, uint32(len(buf)))
	return nil
}

func (m *LabX) TriggerAsync() error {
	m.region.Write32(LabXTrigAsync, LabXIRQ1)
	return nil
}
