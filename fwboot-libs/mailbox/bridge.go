package mailbox

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var ErrBridgeBusy = errors.New("mailbox bridge has a request in flight")

// Bridge is an in-process mailbox. The device side uses it as a Channel;
// the API server pushes requests in with Call.
type Bridge struct {
	requests  chan []byte
	responses chan []byte
	callMu    sync.Mutex
	async     atomic.Uint64
}

func NewBridge() *Bridge {
	return &Bridge{
		requests:  make(chan []byte),
		responses: make(chan []byte, 1),
	}
}

func (b *Bridge) Setup() error {
	select {
	case <-b.responses:
	default:
	}
	return nil
}

func (b *Bridge) Read(ctx context.Context, buf []byte, blocking bool) (int, error) {
	var req []byte
	if blocking {
		select {
		case req = <-b.requests:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	} else {
		select {
		case req = <-b.requests:
		default:
			return 0, ErrNoMessage
		}
	}
	if len(req) > len(buf) {
		// unblock the caller with an empty reply
		b.deliver(nil)
		return 0, ErrMessageTooLarge
	}
	return copy(buf, req), nil
}

func (b *Bridge) Write(buf []byte) error {
	b.deliver(append([]byte(nil), buf...))
	return nil
}

func (b *Bridge) deliver(resp []byte) {
	select {
	case <-b.responses:
	default:
	}
	b.responses <- resp
}

func (b *Bridge) TriggerAsync() error {
	b.async.Add(1)
	return nil
}

// AsyncCount is the number of async triggers raised so far.
func (b *Bridge) AsyncCount() uint64 {
	return b.async.Load()
}

// Call hands a request to the device side and waits for its response.
// Only one call runs at a time; a concurrent one fails with ErrBridgeBusy.
func (b *Bridge) Call(ctx context.Context, req []byte) ([]byte, error) {
	if len(req) > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}
	if !b.callMu.TryLock() {
		return nil, ErrBridgeBusy
	}
	defer b.callMu.Unlock()

	select {
	case <-b.responses:
	default:
	}

	select {
	case b.requests <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case resp := <-b.responses:
		if resp == nil {
			return nil, ErrMessageTooLarge
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
