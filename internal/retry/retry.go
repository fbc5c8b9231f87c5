package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maltedev/stories-scraper/internal/clock"
)

type Backoff string

const (
	BackoffLinear      Backoff = "linear"
	BackoffExponential Backoff = "exponential"
)

// Policy describes how many times an operation runs and how long to wait
// between attempts.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Backoff     Backoff
	// OnRetry is called before each wait. Optional.
	OnRetry func(attempt int, err error, wait time.Duration)
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   3 * time.Second,
		MaxDelay:    time.Minute,
		Backoff:     BackoffLinear,
	}
}

// Delay returns the wait after the given failed attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 || p.BaseDelay <= 0 {
		return 0
	}

	var d time.Duration
	switch p.Backoff {
	case BackoffExponential:
		shift := attempt - 1
		if shift > 20 {
			shift = 20
		}
		d = p.BaseDelay * time.Duration(1<<shift)
	default:
		d = p.BaseDelay * time.Duration(attempt)
	}

	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do stops and returns the
// wrapped error unchanged.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Do runs op until it succeeds, returns a Permanent error, the attempts
// are used up, or ctx is done. Waits go through clk.
func Do[T any](ctx context.Context, clk clock.Clock, p Policy, op func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var zero T
	if clk == nil {
		clk = clock.Real{}
	}

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, &ExhaustedError{Attempts: attempt - 1, Err: lastErr}
			}
			return zero, err
		}

		result, err := op(ctx, attempt)
		if err == nil {
			return result, nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return zero, perm.err
		}

		lastErr = err
		if attempt == attempts {
			break
		}

		wait := p.Delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, wait)
		}
		if err := clk.Sleep(ctx, wait); err != nil {
			return zero, &ExhaustedError{Attempts: attempt, Err: lastErr}
		}
	}

	return zero, &ExhaustedError{Attempts: attempts, Err: lastErr}
}
