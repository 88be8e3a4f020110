package usecase

import (
	"context"
	"fmt"
	"time"
)

const (
	defaultRetryAttempts = 3
	defaultRetryBackoff  = 500 * time.Millisecond
)

// withRetry runs fn up to attempts times with a fixed pause between tries.
// The last error comes back after exhaustion; context cancellation stops the
// loop early. Callers must not treat an exhausted retry as a success.
func withRetry(ctx context.Context, attempts int, backoff time.Duration, fn func() error) error {
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return fmt.Errorf("retry aborted: %w", ctx.Err())
		}
	}
	return fmt.Errorf("after %d attempts: %w", attempts, err)
}
