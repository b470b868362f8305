package resilience

import (
	"context"
	"fmt"
	"time"
)

// ReconnectConfig holds configuration for reconnection logic
type ReconnectConfig struct {
	MaxAttempts int           // Maximum number of reconnection attempts
	BaseDelay   time.Duration // Delay unit; attempt n waits n*BaseDelay
}

// DefaultReconnectConfig returns a default reconnection configuration
func DefaultReconnectConfig() *ReconnectConfig {
	return &ReconnectConfig{
		MaxAttempts: 5,
		BaseDelay:   1 * time.Second,
	}
}

// Delay returns the wait before reconnection attempt n (1-based).
// The ramp is linear: attempt 1 waits BaseDelay, attempt 2 waits
// 2*BaseDelay, and so on.
func (c *ReconnectConfig) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(attempt) * c.BaseDelay
}

// ReconnectFunc is a function that attempts to reconnect
type ReconnectFunc func() error

// OnAttempt is an optional observer invoked before each attempt with the
// attempt number (1-based) and the delay that preceded it.
type OnAttempt func(attempt int, delay time.Duration)

// Reconnect retries fn with linearly increasing backoff until it
// succeeds, the attempt budget is exhausted, or ctx is cancelled.
// The first attempt waits one BaseDelay; fn must already have failed
// once for Reconnect to be worth calling.
func Reconnect(ctx context.Context, fn ReconnectFunc, config *ReconnectConfig, onAttempt OnAttempt) error {
	if config == nil {
		config = DefaultReconnectConfig()
	}

	var lastErr error

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		delay := config.Delay(attempt)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		if onAttempt != nil {
			onAttempt(attempt, delay)
		}

		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}

	return fmt.Errorf("failed to reconnect after %d attempts: %w", config.MaxAttempts, lastErr)
}
