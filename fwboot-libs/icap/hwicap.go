package icap

import (
	"context"
	"time"

	"github.com/losfair/fwboot/fwboot-libs/mmio"
	"github.com/losfair/fwboot/fwboot-libs/retry"
)

// XPS HWICAP register block.
const (
	HWICAPWriteFIFO uint32 = 0x100
	HWICAPReadFIFO  uint32 = 0x104
	HWICAPSize      uint32 = 0x108
	HWICAPControl   uint32 = 0x10C
	HWICAPStatus    uint32 = 0x110
)

const (
	CRWrite     uint32 = 1 << 0
	CRRead      uint32 = 1 << 1
	CRFIFOClear uint32 = 1 << 2
	CRReset     uint32 = 1 << 3
	CRAbort     uint32 = 1 << 4

	crBusy = CRAbort | CRReset | CRFIFOClear | CRRead | CRWrite
)

// HWICAP is the memory-mapped transport. Completion is signalled by the
// control register bits clearing.
type HWICAP struct {
	Region mmio.Region
	Busy   retry.Policy
}

func NewHWICAP(region mmio.Region) *HWICAP {
	return &HWICAP{
		Region: region,
		Busy:   retry.Policy{Attempts: 100000, Delay: 10 * time.Microsecond},
	}
}

func (h *HWICAP) waitClear(ctx context.Context, bits uint32) bool {
	_, err := retry.Poll(ctx, "hwicap control", h.Busy, func() bool {
		return h.Region.Read32(HWICAPControl)&bits == 0
	})
	return err == nil
}

func (h *HWICAP) Abort(ctx context.Context) bool {
	h.Region.Write32(HWICAPControl, CRAbort)
	return !h.waitClear(ctx, crBusy)
}

func (h *HWICAP) Send(word uint16) {
	h.Region.Write32(HWICAPWriteFIFO, uint32(word))
}

func (h *HWICAP) TriggerAndWait(ctx context.Context) bool {
	h.Send(WordNop)
	h.Region.Write32(HWICAPControl, CRWrite)
	return !h.waitClear(ctx, CRWrite)
}

func (h *HWICAP) Recv(ctx context.Context) (uint16, bool) {
	h.Region.Write32(HWICAPSize, 1)
	h.Region.Write32(HWICAPControl, CRRead)
	if !h.waitClear(ctx, CRRead) {
		return 0, false
	}
	return uint16(h.Region.Read32(HWICAPReadFIFO)), true
}
