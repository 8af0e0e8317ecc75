// Package retry wraps a fetch-shaped operation with the transient-fault
// classification and exponential backoff the processor core needs.
package retry

import (
	"context"
	"time"

	"hlsdl/internal/fetch"
	"hlsdl/internal/herrors"
)

// Config controls attempt count and backoff delay.
type Config struct {
	MaxAttempts int           // default: 3
	BaseDelay   time.Duration // default: 1s; delay is BaseDelay * 2^attempt
}

// DefaultConfig returns the baked-in retry defaults.
func DefaultConfig() Config {
	return Config{MaxAttempts: 3, BaseDelay: time.Second}
}

// Do invokes op up to cfg.MaxAttempts times. A transient error (per
// fetch.IsTransient) triggers a backoff sleep before the next attempt; any
// other error is returned immediately without retrying. Context
// cancellation during the backoff sleep surfaces as a Cancelled herrors.Error.
func Do[T any](ctx context.Context, cfg Config, op func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := op()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !fetch.IsTransient(err) || attempt == attempts {
			return zero, err
		}

		delay := cfg.BaseDelay * time.Duration(1<<uint(attempt))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, herrors.Wrap(herrors.KindCancelled, ctx.Err(), "cancelled during retry backoff")
		}
	}

	return zero, lastErr
}
