// Package retry wraps external calls in exponential backoff.
package retry

import (
	"context"
	"fmt"
	"time"
)

// MaxAttemptsCap bounds the configurable retry budget.
const MaxAttemptsCap = 5

// WithBackoff runs op until it succeeds, the attempt budget is exhausted, or
// ctx is cancelled. Delay doubles per attempt starting from baseDelay.
// The returned error wraps the last failure.
func WithBackoff(ctx context.Context, op func() error, maxAttempts int, baseDelay time.Duration) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if maxAttempts > MaxAttemptsCap {
		maxAttempts = MaxAttemptsCap
	}
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}

	var lastErr error
	delay := baseDelay
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = op(); lastErr == nil {
			return nil
		}
		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("after %d attempts: %w", maxAttempts, lastErr)
}
