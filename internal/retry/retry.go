// Package retry wraps transient operations in exponential backoff with
// jitter. Network errors retry; protocol violations do not.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Config bounds a retry loop
type Config struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Default matches the daemon's sync retry policy: up to three attempts,
// starting at one second and doubling with half-interval jitter.
func Default() Config {
	return Config{
		MaxAttempts:     3,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
	}
}

// Permanent marks err as non-retryable. Do returns it immediately.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs op, retrying on error per cfg until it succeeds, returns a
// permanent error, exhausts MaxAttempts, or ctx is cancelled. name labels
// the operation in logs.
func Do(ctx context.Context, cfg Config, name string, op func() error) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialInterval
	b.MaxInterval = cfg.MaxInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0

	attempt := 0
	wrapped := func() error {
		attempt++
		err := op()
		if err != nil && attempt < cfg.MaxAttempts {
			slog.Debug("operation failed, will retry",
				"op", name, "attempt", attempt, "max_attempts", cfg.MaxAttempts, "error", err)
		}
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(cfg.MaxAttempts-1)), ctx)
	if err := backoff.Retry(wrapped, policy); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}
