// Package retry runs operations with exponential backoff and jitter.
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

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Policy bounds a retry loop. BaseDelay doubles on each retry with +-25%
// jitter and is capped at MaxDelay when MaxDelay is positive.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Conflict is tuned for optimistic-lock conflicts: the competing writer
// usually commits within milliseconds.
var Conflict = Policy{Attempts: 4, BaseDelay: 10 * time.Millisecond, MaxDelay: 200 * time.Millisecond}

// Connect is tuned for waiting on a dependency at startup.
var Connect = Policy{Attempts: 8, BaseDelay: 250 * time.Millisecond, MaxDelay: 5 * time.Second}

// Do calls fn until it succeeds, returns a *PermanentError, the attempts
// are exhausted, or ctx is cancelled. The last error is returned.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	return DoWhen(ctx, p, func(error) bool { return true }, fn)
}

// DoWhen is like Do but only retries errors for which retryable returns
// true; any other error is returned immediately.
func DoWhen(ctx context.Context, p Policy, retryable func(error) bool, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	delay := p.BaseDelay

	for attempt := 0; attempt < attempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if !retryable(err) {
			return err
		}

		// Don't sleep after the last attempt.
		if attempt == attempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered(delay)):
		}

		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}

	return err
}

func jittered(d time.Duration) time.Duration {
	jitter := d / 4
	if jitter <= 0 {
		return d
	}
	return d - jitter + time.Duration(rand.Int64N(int64(2*jitter+1))) //nolint:gosec // jitter, not security
}
