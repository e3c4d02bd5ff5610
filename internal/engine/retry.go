package engine

import (
	"context"
	"errors"
	"time"

	"github.com/skeinhq/skein/pkg/schema"
)

// RetryPolicy bounds automatic node retries. Each retry runs on a freshly
// provisioned sandbox; the failed one is destroyed, never reused.
type RetryPolicy struct {
	MaxRetries int           // retries after the first attempt; 0 disables retries
	Backoff    time.Duration // base delay, doubled per attempt
	MaxBackoff time.Duration // cap on the computed delay; 0 = no cap
}

// DefaultRetryPolicy is used when the engine config leaves the policy unset.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries: 2,
	Backoff:    500 * time.Millisecond,
	MaxBackoff: 10 * time.Second,
}

// IsRetryableError classifies whether a node failure should be retried.
// Environment faults are retried; deterministic failures in the user's own
// code or its declared contract are not.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Deadline exceeded means the node timed out; a fresh sandbox may do
	// better if the old one was degraded.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Cancelled means the run is shutting down.
	if errors.Is(err, context.Canceled) {
		return false
	}

	var engErr *schema.EngineError
	if errors.As(err, &engErr) {
		return engErr.IsRetryable()
	}

	return false
}

// ComputeBackoff calculates the delay before retry attempt n (0-based).
func (p RetryPolicy) ComputeBackoff(attempt int) time.Duration {
	if p.Backoff <= 0 {
		return 0
	}
	delay := p.Backoff
	for i := 0; i < attempt; i++ {
		delay *= 2
		if p.MaxBackoff > 0 && delay >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && delay > p.MaxBackoff {
		delay = p.MaxBackoff
	}
	return delay
}

// WaitForBackoff sleeps for the given delay or returns early if the context is
// cancelled. Returns the context error if cancelled during the wait.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
