// Package retry provides bounded retries with exponential backoff for calls
// to unreliable external services.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Config tunes how often and how fast an operation is retried.
type Config struct {
	// MaxAttempts bounds the total number of tries, the first included.
	MaxAttempts int
	// InitialDelay is the pause after the first failed try.
	InitialDelay time.Duration
	// MaxDelay caps the delay between attempts.
	MaxDelay time.Duration
	// Multiplier is the exponential backoff factor.
	Multiplier float64
	// Jitter randomizes delays to avoid thundering herds.
	Jitter bool
	// OnRetry, if set, is invoked between attempts with the attempt number
	// that just failed and its error. It is purely observational and must
	// not affect control flow.
	OnRetry func(attempt int, err error)
}

// DefaultConfig returns the default retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Result reports the outcome of a retried operation.
type Result struct {
	// Attempts counts how many tries ran.
	Attempts int
	// Err is the last error (nil on success). Intermediate errors are not
	// aggregated; only the final one is surfaced.
	Err error
	// Duration is the total time spent including sleeps.
	Duration time.Duration
}

// Do executes op with retries. The operation is attempted up to
// cfg.MaxAttempts times; the delay before attempt k+1 is
// min(InitialDelay*Multiplier^k, MaxDelay). Context cancellation aborts
// between attempts and during sleeps.
//
// Do is agnostic of error classification: wrap errors with Permanent to stop
// early, or decide via a separate predicate whether to use Do at all.
func Do(ctx context.Context, cfg Config, op func() error) Result {
	start := time.Now()
	result := Result{}

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 1 * time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}

	delay := cfg.InitialDelay

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		result.Attempts = attempt

		if ctx.Err() != nil {
			result.Err = ctx.Err()
			result.Duration = time.Since(start)
			return result
		}

		err := op()
		if err == nil {
			result.Err = nil
			result.Duration = time.Since(start)
			return result
		}
		result.Err = err

		if IsPermanent(err) {
			result.Duration = time.Since(start)
			return result
		}
		if attempt >= cfg.MaxAttempts {
			break
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err)
		}

		sleep := delay
		if cfg.Jitter {
			// delay * [0.5, 1.5)
			jitter := 0.5 + rand.Float64() // #nosec G404 -- jitter does not need crypto randomness
			sleep = time.Duration(float64(delay) * jitter)
		}

		select {
		case <-ctx.Done():
			result.Err = ctx.Err()
			result.Duration = time.Since(start)
			return result
		case <-time.After(sleep):
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	result.Duration = time.Since(start)
	return result
}

// DoValue executes an operation returning a value with retries.
func DoValue[T any](ctx context.Context, cfg Config, op func() (T, error)) (T, Result) {
	var value T
	result := Do(ctx, cfg, func() error {
		var err error
		value, err = op()
		return err
	})
	return value, result
}

// PermanentError marks an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps an error to indicate it should not be retried.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err is marked permanent.
func IsPermanent(err error) bool {
	var permanent *PermanentError
	return errors.As(err, &permanent)
}

// IsRetryable reports whether err is non-nil and not marked permanent.
func IsRetryable(err error) bool {
	return err != nil && !IsPermanent(err)
}

// Backoff returns the delay before the given attempt (1-based) without
// executing anything, for callers that manage their own loop.
func Backoff(attempt int, initial, max time.Duration, multiplier float64) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	if initial <= 0 {
		initial = 1 * time.Second
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	if multiplier <= 0 {
		multiplier = 2.0
	}
	delay := float64(initial) * math.Pow(multiplier, float64(attempt-1))
	if delay > float64(max) {
		delay = float64(max)
	}
	return time.Duration(delay)
}
