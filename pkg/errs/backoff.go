package errs

import (
	"context"
	"time"
)

// Backoff implements the bounded exponential backoff used by the database
// gateway and queue adapter for transient failures: start 100ms, double
// each attempt, cap at 5s, give up after 10 attempts.
type Backoff struct {
	Start      time.Duration
	Cap        time.Duration
	MaxAttempt int
}

// DefaultBackoff returns the backoff policy prescribed for logical
// database/queue operations.
func DefaultBackoff() Backoff {
	return Backoff{Start: 100 * time.Millisecond, Cap: 5 * time.Second, MaxAttempt: 10}
}

// Retry calls fn until it succeeds, ctx is cancelled, or MaxAttempt is
// reached, sleeping with exponential backoff between attempts. Returns the
// last error once attempts are exhausted.
func (b Backoff) Retry(ctx context.Context, fn func() error) error {
	delay := b.Start
	var err error
	for attempt := 1; attempt <= b.MaxAttempt; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == b.MaxAttempt {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > b.Cap {
			delay = b.Cap
		}
	}
	return err
}
