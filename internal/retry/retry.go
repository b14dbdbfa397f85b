// Package retry re-runs operations that fail transiently.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// Policy describes how often and how patiently an operation is retried.
type Policy struct {
	// Retries is the number of calls made after the first one fails.
	Retries      int
	InitialDelay time.Duration
	// MaxDelay caps the grown delay. Zero means no cap.
	MaxDelay time.Duration
	// Multiplier grows the delay after each retry. Values below 1 keep it fixed.
	Multiplier float64
	// Jitter spreads each delay over [delay/2, delay).
	Jitter bool
	// OnRetry is called before each retry with the retry number, starting
	// at 1, and the error that caused it.
	OnRetry func(n int, err error)
}

// DefaultPolicy returns the policy used for remote collaborator calls.
func DefaultPolicy() Policy {
	return Policy{
		Retries:      3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2,
		Jitter:       true,
	}
}

// Fixed retries up to n times with the same delay between calls.
func Fixed(n int, delay time.Duration) Policy {
	return Policy{Retries: n, InitialDelay: delay}
}

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Do calls fn until it succeeds, fails permanently, or the retries run out.
// A cancelled ctx stops the wait between calls.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	err := fn()
	if err == nil || p.Retries <= 0 || !retryable(err) {
		return err
	}

	delay := p.InitialDelay
	for n := 1; n <= p.Retries; n++ {
		if p.OnRetry != nil {
			p.OnRetry(n, err)
		}
		timer := time.NewTimer(p.jitter(delay))
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(ctx.Err(), err)
		case <-timer.C:
		}

		if err = fn(); err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		delay = p.grow(delay)
	}
	return &ExhaustedError{Attempts: p.Retries + 1, Err: err}
}

func (p Policy) grow(delay time.Duration) time.Duration {
	if p.Multiplier > 1 {
		delay = time.Duration(float64(delay) * p.Multiplier)
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

func (p Policy) jitter(delay time.Duration) time.Duration {
	if !p.Jitter || delay <= 1 {
		return delay
	}
	half := delay / 2
	return half + rand.N(half)
}

// Permanent marks err as final so Do returns it without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// retryable reports whether err may succeed on another call. Context
// errors and errors marked Permanent are final.
func retryable(err error) bool {
	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
