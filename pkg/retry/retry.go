// Package retry provides exponential backoff retry logic for transport
// reconnection and other transient operations.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// NonRetryableError wraps errors that should not be retried
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return fmt.Sprintf("non-retryable: %v", e.Err)
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}

// NonRetryable wraps an error to indicate it should not be retried
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

// IsNonRetryable checks if an error is marked as non-retryable
func IsNonRetryable(err error) bool {
	var nre *NonRetryableError
	return errors.As(err, &nre)
}

// Config provides retry configuration
type Config struct {
	MaxAttempts    int           // Maximum number of attempts (0 = run once)
	InitialDelay   time.Duration // Delay before the second attempt
	MaxDelay       time.Duration // Ceiling for the computed delay
	Multiplier     float64       // Backoff multiplier (typically 2.0)
	JitterFraction float64       // Symmetric jitter as a fraction of the delay (0.10 = ±10%)
}

// DefaultConfig returns sensible defaults for reconnection backoff
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    5,
		InitialDelay:   time.Second,
		MaxDelay:       30 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.10,
	}
}

// normalize fills zero fields with defaults and clamps pathological values.
func (cfg Config) normalize() Config {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.Multiplier > 1000 {
		cfg.Multiplier = 1000
	}
	if cfg.JitterFraction < 0 {
		cfg.JitterFraction = 0
	}
	if cfg.JitterFraction > 1 {
		cfg.JitterFraction = 1
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = cfg.InitialDelay
	}
	return cfg
}

// DelayForAttempt returns the backoff delay before the given attempt,
// where attempt 1 is the first retry. The base value follows
// min(initial * multiplier^(attempt-1), max) and is then jittered
// symmetrically by ±JitterFraction. The jittered value never goes negative
// and the un-jittered sequence is non-decreasing.
func (cfg Config) DelayForAttempt(attempt int) time.Duration {
	cfg = cfg.normalize()
	if attempt < 1 {
		attempt = 1
	}

	base := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if base > float64(cfg.MaxDelay) || math.IsInf(base, 1) {
		base = float64(cfg.MaxDelay)
	}

	if cfg.JitterFraction > 0 {
		// Uniform in [-1, 1)
		f := rand.Float64()*2 - 1
		base += base * cfg.JitterFraction * f
	}

	if base < 0 {
		base = 0
	}
	return time.Duration(base)
}

// Do executes fn with exponential backoff retry. The first attempt runs
// immediately; subsequent attempts wait DelayForAttempt between them.
// Returns immediately on success, on a NonRetryable error, or when ctx is
// cancelled (including during backoff sleeps).
func Do(ctx context.Context, cfg Config, fn func() error) error {
	cfg = cfg.normalize()

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if IsNonRetryable(err) {
			return err
		}

		if ctx.Err() != nil {
			return fmt.Errorf("retry cancelled before attempt %d: %w", attempt+1, ctx.Err())
		}

		// No sleep after the last attempt
		if attempt == cfg.MaxAttempts {
			break
		}

		timer := time.NewTimer(cfg.DelayForAttempt(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled during backoff for attempt %d: %w", attempt+1, ctx.Err())
		case <-timer.C:
		}
	}

	return fmt.Errorf("retry failed after %d attempts: %w", cfg.MaxAttempts, lastErr)
}

// DoWithResult executes fn with retry and returns both result and error
func DoWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var result T
	err := Do(ctx, cfg, func() error {
		var innerErr error
		result, innerErr = fn()
		return innerErr
	})
	return result, err
}
