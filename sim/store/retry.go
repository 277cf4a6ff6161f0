package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentgrid/agentgrid/sim"
)

// RetryConfig bounds caller-side retries of store operations.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// DefaultRetryConfig returns the retry budget used when none is configured.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     500 * time.Millisecond,
	}
}

// Validate checks that the retry budget is usable.
func (c RetryConfig) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("retry max_attempts must be >= 1, got %d", c.MaxAttempts)
	}
	if c.InitialBackoff < 0 || c.MaxBackoff < 0 {
		return fmt.Errorf("retry backoff must be non-negative")
	}
	return nil
}

// Retry runs fn until it succeeds, returns an error that is not a store
// outage, the context ends, or MaxAttempts attempts have failed. Only errors
// wrapping sim.ErrStoreUnavailable are retried. The returned error after
// exhaustion wraps the last failure.
func Retry(ctx context.Context, cfg RetryConfig, op string, log logrus.FieldLogger, fn func(context.Context) error) error {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				log.Debugf("%s succeeded on attempt %d", op, attempt+1)
			}
			return nil
		}
		if !errors.Is(err, sim.ErrStoreUnavailable) {
			return err
		}
		lastErr = err
		log.Warnf("%s: attempt %d/%d failed: %v", op, attempt+1, attempts, err)

		// Don't sleep after the last attempt
		if attempt < attempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff(cfg, attempt)):
			}
		}
	}
	return fmt.Errorf("%s: giving up after %d attempts: %w", op, attempts, lastErr)
}

// backoff computes initial * 2^attempt, capped at MaxBackoff.
func backoff(cfg RetryConfig, attempt int) time.Duration {
	d := float64(cfg.InitialBackoff) * math.Pow(2, float64(attempt))
	if cfg.MaxBackoff > 0 && d > float64(cfg.MaxBackoff) {
		d = float64(cfg.MaxBackoff)
	}
	return time.Duration(d)
}
