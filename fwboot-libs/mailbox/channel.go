package mailbox

import (
	"context"
	"errors"
	"time"

	"github.com/losfair/fwboot/fwboot-libs/retry"
)

var ErrNoMessage = errors.New("no mailbox message waiting")
var ErrMessageTooLarge = errors.New("mailbox message too large")

// Channel is one half-duplex request/response mailbox. Only one message is
// ever outstanding in each direction.
type Channel interface {
	// Setup puts the mailbox into a known idle, enabled state.
	Setup() error
	// Read copies the next host message into buf. Without blocking it
	// returns ErrNoMessage when nothing is waiting.
	Read(ctx context.Context, buf []byte, blocking bool) (int, error)
	Write(buf []byte) error
	// TriggerAsync raises the host interrupt for unsolicited messages.
	TriggerAsync() error
}

var DefaultPoll = retry.Policy{Delay: 100 * time.Microsecond}

// pollRead runs tryRead once, or until it finds a message when blocking.
func pollRead(ctx context.Context, poll retry.Policy, blocking bool, tryRead func() (int, error)) (int, error) {
	if !blocking {
		return tryRead()
	}
	poll.Attempts = 0
	n, _, err := retry.Until(ctx, "mailbox read", poll, func() (int, error) {
		n, err := tryRead()
		if err != nil && !errors.Is(err, ErrNoMessage) {
			return n, retry.Permanent(err)
		}
		return n, err
	})
	return n, err
}
