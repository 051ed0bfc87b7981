package mailbox

import (
	"context"
	"errors"

	"github.com/hashicorp/go-multierror"
	"github.com/losfair/fwboot/fwboot-libs/retry"
)

// Mux serves several mailboxes as one. Responses go back to whichever
// channel the last request came from.
type Mux struct {
	channels []Channel
	last     Channel
	Poll     retry.Policy
}

func NewMux(channels ...Channel) *Mux {
	return &Mux{channels: channels, Poll: DefaultPoll}
}

func (m *Mux) Setup() error {
	var result error
	for _, ch := range m.channels {
		if err := ch.Setup(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result
}

func (m *Mux) Read(ctx context.Context, buf []byte, blocking bool) (int, error) {
	return pollRead(ctx, m.Poll, blocking, func() (int, error) {
		for _, ch := range m.channels {
			n, err := ch.Read(ctx, buf, false)
			if errors.Is(err, ErrNoMessage) {
				continue
			}
			m.last = ch
			return n, err
		}
		return 0, ErrNoMessage
	})
}

func (m *Mux) Write(buf []byte) error {
	if m.last == nil {
		return errors.New("mailbox response with no request")
	}
	return m.last.Write(buf)
}

func (m *Mux) TriggerAsync() error {
	var result error
	for _, ch := range m.channels {
		if err := ch.TriggerAsync(); err != nil && !errors.Is(err, ErrNoAsync) {
			result = multierror.Append(result, err)
		}
	}
	return result
}
