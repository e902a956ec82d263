package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"
)

// RetryConfig contains configuration for bounded retries with a fixed backoff multiplier
type RetryConfig struct {
	MaxRetries    int           // Retries after the first attempt (default: 3)
	RetryDelay    time.Duration // Delay before the first retry (default: 500ms)
	Multiplier    float64       // Backoff multiplier between retries (default: 2.0)
	MaxRetryDelay time.Duration // Delay cap (default: 10 seconds)
}

// DefaultRetryConfig returns default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		RetryDelay:    500 * time.Millisecond,
		Multiplier:    2.0,
		MaxRetryDelay: 10 * time.Second,
	}
}

// attemptFunc performs one attempt. Errors that are not retryable end the loop.
type attemptFunc func(ctx context.Context) error

// retryable is implemented by errors that know whether a retry may help.
type retryable interface {
	Retryable() bool
}

// isRetryable: transport failures and errors that say so. Context errors never.
func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var r retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	var perm *permanentError
	return !errors.As(err, &perm)
}

// permanentError marks a failure no retry can fix (malformed payload, 4xx).
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// runWithRetry executes fn with backoff between attempts.
//
// Backoff schedule with defaults (500ms, x2):
//   - Retry 1: 500ms
//   - Retry 2: 1s
//   - Retry 3: 2s
//   - After 3 retries: give up
//
// Returns the number of attempts made and the last error.
func runWithRetry(ctx context.Context, fn attemptFunc, cfg RetryConfig, logger *slog.Logger) (int, error) {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return attempt, err
		}

		attempt++
		err := fn(ctx)
		if err == nil {
			return attempt, nil
		}

		if !isRetryable(err) {
			return attempt, err
		}
		if attempt > cfg.MaxRetries {
			return attempt, fmt.Errorf("max retries exceeded (%d attempts): %w", attempt, err)
		}

		delay := calculateBackoff(attempt, cfg)
		logger.Warn("fetch attempt failed, retrying",
			"attempt", attempt,
			"max_retries", cfg.MaxRetries,
			"delay", delay,
			"error", err,
		)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return attempt, ctx.Err()
		}
	}
}

// calculateBackoff calculates the delay before retry number attempt
//
// Formula: delay = retryDelay * multiplier^(attempt-1)
// Cap: min(delay, maxRetryDelay)
func calculateBackoff(attempt int, cfg RetryConfig) time.Duration {
	mult := cfg.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := time.Duration(float64(cfg.RetryDelay) * math.Pow(mult, float64(attempt-1)))

	if cfg.MaxRetryDelay > 0 && delay > cfg.MaxRetryDelay {
		delay = cfg.MaxRetryDelay
	}
	return delay
}
