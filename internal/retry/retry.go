package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"

	"dexflow/config"
)

// ErrExhausted wraps the last error once every attempt has failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy bounds a retried operation.
type Policy struct {
	Attempts int
	Min      time.Duration
	Max      time.Duration
	Factor   float64
	Jitter   bool
}

// FromConfig builds a policy from a retry section. Zero values fall back to
// three attempts between 100ms and 5s.
func FromConfig(c config.RetryConfig) Policy {
	p := Policy{
		Attempts: c.MaxAttempts,
		Min:      c.BaseDelay,
		Max:      c.MaxDelay,
		Factor:   c.BackoffMultiplier,
		Jitter:   true,
	}
	if p.Attempts <= 0 {
		p.Attempts = 3
	}
	if p.Min <= 0 {
		p.Min = 100 * time.Millisecond
	}
	if p.Max < p.Min {
		p.Max = 5 * time.Second
	}
	if p.Factor < 1 {
		p.Factor = 2
	}
	return p
}

// Backoff returns a fresh backoff for the policy.
func (p Policy) Backoff() *backoff.Backoff {
	return &backoff.Backoff{Min: p.Min, Max: p.Max, Factor: p.Factor, Jitter: p.Jitter}
}

// Permanent marks an error that must not be retried.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Do calls fn until it succeeds, returns a permanent error, the attempts run
// out or ctx is done. onRetry, when set, sees each failure that will be retried.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error, onRetry func(attempt int, delay time.Duration, err error)) error {
	b := p.Backoff()
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if attempt >= attempts {
			return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempt, err)
		}

		delay := b.Duration()
		if onRetry != nil {
			onRetry(attempt, delay, err)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled after %d attempts: %w", attempt, errors.Join(ctx.Err(), err))
		case <-timer.C:
		}
	}
}
