package retry

import (
	"context"
	"errors"
	"time"
)

// Policy describes a bounded exponential backoff
type Policy struct {
	Attempts int           // total attempts, including the first
	Base     time.Duration // delay before the second attempt
	Factor   float64
	Max      time.Duration // cap on a single delay
}

// DefaultPolicy is 3 attempts, 500ms base, doubling, capped at 5s
func DefaultPolicy() Policy {
	return Policy{
		Attempts: 3,
		Base:     500 * time.Millisecond,
		Factor:   2,
		Max:      5 * time.Second,
	}
}

// Delay returns the wait before attempt n (n starts at 1 for the first retry)
func (p Policy) Delay(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	d := float64(p.Base)
	for i := 1; i < n; i++ {
		d *= p.Factor
		if p.Max > 0 && time.Duration(d) >= p.Max {
			return p.Max
		}
	}
	if p.Max > 0 && time.Duration(d) > p.Max {
		return p.Max
	}
	return time.Duration(d)
}

// permanent marks an error that must not be retried
type permanent struct {
	err error
}

func (p *permanent) Error() string { return p.err.Error() }
func (p *permanent) Unwrap() error { return p.err }

// Permanent wraps err so Do returns it immediately
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanent{err: err}
}

// Do runs fn until it succeeds, returns a Permanent error, the attempts run out,
// or ctx is done. It returns the number of attempts made and the last error
// (unwrapped from Permanent).
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) (int, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return attempt - 1, errors.Join(lastErr, ctx.Err())
			case <-time.After(p.Delay(attempt - 1)):
			}
		}

		err := fn(ctx, attempt)
		if err == nil {
			return attempt, nil
		}

		var perm *permanent
		if errors.As(err, &perm) {
			return attempt, perm.err
		}
		lastErr = err

		if ctx.Err() != nil {
			return attempt, errors.Join(lastErr, ctx.Err())
		}
	}
	return attempts, lastErr
}
