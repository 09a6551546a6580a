// Package retry runs an operation again with exponential backoff until it
// succeeds, fails permanently or runs out of attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"
)

// Sentinel errors for retry logic
var (
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
	ErrNonRetriable       = errors.New("non-retriable error")
)

// Policy configures retry behavior with exponential backoff.
type Policy struct {
	MaxRetries  int           // retries after the first attempt
	BackoffBase time.Duration // delay before the first retry
	BackoffMax  time.Duration // cap on any single delay
	Jitter      float64       // 0-1, fraction of the delay randomised

	// Permanent reports errors that must not be retried. Context errors
	// are always permanent.
	Permanent func(error) bool
}

// DefaultPolicy returns the policy used for startup connections and alerts.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:  3,
		BackoffBase: 200 * time.Millisecond,
		BackoffMax:  5 * time.Second,
		Jitter:      0.2,
	}
}

// Result describes a finished Do call.
type Result struct {
	Attempts int
	LastErr  error
	Duration time.Duration
}

func (p Policy) permanent(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return p.Permanent != nil && p.Permanent(err)
}

// Backoff returns the delay before retry number attempt (0-based).
func (p Policy) Backoff(attempt int) time.Duration {
	delay := float64(p.BackoffBase) * math.Pow(2, float64(attempt))
	if p.BackoffMax > 0 && delay > float64(p.BackoffMax) {
		delay = float64(p.BackoffMax)
	}
	// delay * (1 ± jitter)
	jitterRange := delay * p.Jitter
	delay += (rand.Float64()*2 - 1) * jitterRange
	return time.Duration(delay)
}

// Do calls fn until it returns nil, returns a permanent error, or
// MaxRetries retries have failed. The wait between attempts honours ctx.
func Do(ctx context.Context, p Policy, logger *slog.Logger, op string, fn func(ctx context.Context) error) (Result, error) {
	logger = logger.With("component", "retry", "op", op)
	start := time.Now()
	var res Result

	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		res.Attempts = attempt + 1
		if attempt > 0 {
			backoff := p.Backoff(attempt - 1)
			logger.Debug("backing off before retry", "attempt", attempt+1, "delay", backoff)
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				res.Duration = time.Since(start)
				return res, ctx.Err()
			case <-timer.C:
			}
		}

		err := fn(ctx)
		if err == nil {
			res.Duration = time.Since(start)
			if attempt > 0 {
				logger.Info("succeeded after retry", "attempts", res.Attempts, "elapsed", res.Duration)
			}
			return res, nil
		}
		res.LastErr = err

		if p.permanent(err) {
			res.Duration = time.Since(start)
			return res, fmt.Errorf("%w: %w", ErrNonRetriable, err)
		}
		logger.Warn("attempt failed", "attempt", attempt+1, "err", err)
	}

	res.Duration = time.Since(start)
	return res, fmt.Errorf("%w after %d attempts: %w", ErrMaxRetriesExceeded, res.Attempts, res.LastErr)
}
