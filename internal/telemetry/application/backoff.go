package application

import (
	"context"
	"time"
)

// Backoff is a bounded exponential retry policy for storage writes.
type Backoff struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
}

// DefaultBackoff retries three times starting at 50ms.
var DefaultBackoff = Backoff{Attempts: 3, Initial: 50 * time.Millisecond, Max: time.Second}

// Retry runs fn until it succeeds, retryable reports false, attempts run out
// or ctx ends. The last error is returned.
func (b Backoff) Retry(ctx context.Context, retryable func(error) bool, fn func() error) error {
	attempts := b.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := b.Initial
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil || !retryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
		delay *= 2
		if b.Max > 0 && delay > b.Max {
			delay = b.Max
		}
	}
	return err
}
