package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrNotReady is returned by predicates polled through Poll while the
// hardware has not reached the wanted state yet.
var ErrNotReady = errors.New("not ready")

type Policy struct {
	// Zero means no bound.
	Attempts int           `json:"attempts"`
	Delay    time.Duration `json:"delay"`
}

func (p Policy) Bounded() bool {
	return p.Attempts > 0
}

type HardwareTimeoutError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *HardwareTimeoutError) Error() string {
	return fmt.Sprintf("%s: no success after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *HardwareTimeoutError) Unwrap() error {
	return e.Err
}

// Until calls fn until it returns a nil error, the policy runs out of
// attempts or ctx is done. The value and attempt count of the last call are
// always returned.
func Until[T any](ctx context.Context, op string, p Policy, fn func() (T, error)) (T, int, error) {
	var b backoff.BackOff = backoff.NewConstantBackOff(p.Delay)
	if p.Bounded() {
		b = backoff.WithMaxRetries(b, uint64(p.Attempts-1))
	}
	b = backoff.WithContext(b, ctx)

	var last T
	attempts := 0
	stopped := false
	err := backoff.Retry(func() error {
		attempts++
		v, err := fn()
		last = v
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			stopped = true
		}
		return err
	}, b)
	if err == nil || stopped {
		return last, attempts, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return last, attempts, err
	}
	return last, attempts, &HardwareTimeoutError{Op: op, Attempts: attempts, Err: err}
}

// Permanent makes Until return err right away, unwrapped.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Poll retries until ready reports true.
func Poll(ctx context.Context, op string, p Policy, ready func() bool) (int, error) {
	_, attempts, err := Until(ctx, op, p, func() (struct{}, error) {
		if ready() {
			return struct{}{}, nil
		}
		return struct{}{}, ErrNotReady
	})
	return attempts, err
}
