package retry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUntilSucceedsAfterFailures(t *testing.T) {
	calls := 0
	v, attempts, err := Until(context.Background(), "poll", Policy{Attempts: 10}, func() (int, error) {
		calls++
		if calls < 3 {
			return calls, errors.New("busy")
		}
		return 42, nil
	})
	require.NoError(t, err)
	require.Equal(t, 42, v)
	require.Equal(t, 3, attempts)
}

func TestUntilExhaustsBound(t *testing.T) {
	cause := errors.New("failed bit set")
	v, attempts, err := Until(context.Background(), "icap abort", Policy{Attempts: 5}, func() (uint32, error) {
		return 0x80000000, cause
	})
	require.Error(t, err)
	require.Equal(t, 5, attempts)
	require.Equal(t, uint32(0x80000000), v)

	var hwErr *HardwareTimeoutError
	require.True(t, errors.As(err, &hwErr))
	require.Equal(t, "icap abort", hwErr.Op)
	require.Equal(t, 5, hwErr.Attempts)
	require.ErrorIs(t, err, cause)
}

func TestUntilSingleAttempt(t *testing.T) {
	_, attempts, err := Until(context.Background(), "once", Policy{Attempts: 1}, func() (int, error) {
		return 0, ErrNotReady
	})
	require.Error(t, err)
	require.Equal(t, 1, attempts)
}

func TestUnboundedStopsOnContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := Poll(ctx, "mailbox", Policy{}, func() bool {
		calls++
		if calls == 50 {
			cancel()
		}
		return false
	})
	require.ErrorIs(t, err, context.Canceled)

	var hwErr *HardwareTimeoutError
	require.False(t, errors.As(err, &hwErr))
	require.GreaterOrEqual(t, calls, 50)
}

func TestPollReady(t *testing.T) {
	n := 0
	attempts, err := Poll(context.Background(), "cr clear", Policy{Attempts: 100}, func() bool {
		n++
		return n == 7
	})
	require.NoError(t, err)
	require.Equal(t, 7, attempts)
}

func TestUntilPermanent(t *testing.T) {
	cause := errors.New("message too large")
	_, attempts, err := Until(context.Background(), "mailbox read", Policy{}, func() (int, error) {
		return 0, Permanent(cause)
	})
	require.Equal(t, cause, err)
	require.Equal(t, 1, attempts)
}
