package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolhost/internal/logging"
)

func fastPolicy(retries int) Policy {
	return Policy{MaxRetries: retries, BackoffBase: time.Millisecond, BackoffMax: 5 * time.Millisecond}
}

func TestPolicy_Backoff(t *testing.T) {
	policy := Policy{
		BackoffBase: time.Second,
		BackoffMax:  30 * time.Second,
	}

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{10, 30 * time.Second},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.expected, policy.Backoff(tc.attempt), "attempt %d", tc.attempt)
	}
}

func TestPolicy_BackoffWithJitter(t *testing.T) {
	policy := Policy{BackoffBase: time.Second, BackoffMax: 30 * time.Second, Jitter: 0.5}

	seen := make(map[time.Duration]bool)
	for i := 0; i < 100; i++ {
		d := policy.Backoff(0)
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.LessOrEqual(t, d, 1500*time.Millisecond)
		seen[d] = true
	}
	assert.Greater(t, len(seen), 5)
}

func TestDo_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	res, err := Do(context.Background(), fastPolicy(3), logging.Discard(), "connect", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, calls)
}

func TestDo_MaxRetriesExceeded(t *testing.T) {
	boom := errors.New("connection refused")
	res, err := Do(context.Background(), fastPolicy(2), logging.Discard(), "connect", func(ctx context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, res.Attempts)
}

func TestDo_PermanentErrorStops(t *testing.T) {
	invalid := errors.New("invalid url")
	p := fastPolicy(5)
	p.Permanent = func(err error) bool { return errors.Is(err, invalid) }

	calls := 0
	_, err := Do(context.Background(), p, logging.Discard(), "connect", func(ctx context.Context) error {
		calls++
		return invalid
	})
	assert.ErrorIs(t, err, ErrNonRetriable)
	assert.ErrorIs(t, err, invalid)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxRetries: 3, BackoffBase: time.Hour}

	_, err := Do(ctx, p, logging.Discard(), "connect", func(ctx context.Context) error {
		cancel()
		return errors.New("connection refused")
	})
	assert.ErrorIs(t, err, context.Canceled)
}
