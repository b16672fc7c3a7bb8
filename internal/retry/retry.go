// Package retry runs operations with bounded exponential backoff and jitter.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Backoff.Do returns it without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Backoff describes a bounded retry schedule. The delay doubles after each
// failed attempt, capped at MaxDelay, with +-25% jitter.
type Backoff struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// Retryable reports whether err is worth another attempt. Nil means
	// every non-permanent error is retried.
	Retryable func(err error) bool

	// OnRetry is called before sleeping between attempts.
	OnRetry func(attempt int, err error)
}

// Do calls fn until it succeeds, returns a permanent or non-retryable error,
// the attempts run out, or ctx is done. attempt starts at 1.
// On exhaustion the last error from fn is returned.
func (b Backoff) Do(ctx context.Context, fn func(attempt int) error) error {
	maxAttempts := b.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var err error
	delay := b.BaseDelay

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = fn(attempt)
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if b.Retryable != nil && !b.Retryable(err) {
			return err
		}
		if attempt == maxAttempts {
			break
		}

		if b.OnRetry != nil {
			b.OnRetry(attempt, err)
		}

		if delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(jittered(delay)):
			}
			delay *= 2
			if b.MaxDelay > 0 && delay > b.MaxDelay {
				delay = b.MaxDelay
			}
		} else if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	return err
}

// Do calls fn up to maxAttempts times, doubling baseDelay between attempts.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	return Backoff{MaxAttempts: maxAttempts, BaseDelay: baseDelay}.Do(ctx, func(int) error {
		return fn()
	})
}

func jittered(d time.Duration) time.Duration {
	j := d / 4
	if j <= 0 {
		return d
	}
	return d - j + rand.N(2*j+1)
}
