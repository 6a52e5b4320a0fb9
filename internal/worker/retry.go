package worker

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = 500 * time.Millisecond
)

// RetryPolicy retries an operation with a linearly growing delay: after
// failed attempt n the caller sleeps Delay*n.
type RetryPolicy struct {
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	Delay       time.Duration `mapstructure:"delay" yaml:"delay"`

	// Sleep replaces the context-aware sleep, for tests.
	Sleep func(ctx context.Context, d time.Duration) error `mapstructure:"-" yaml:"-"`
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.Delay <= 0 {
		p.Delay = DefaultRetryDelay
	}
	if p.Sleep == nil {
		p.Sleep = Sleep
	}
	return p
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retry calls fn until it succeeds, returns a Permanent error, or the
// attempts are exhausted. fn receives the 1-based attempt number.
func Retry(ctx context.Context, policy RetryPolicy, fn func(attempt int) error) error {
	policy = policy.withDefaults()

	var err error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err = fn(attempt); err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if attempt == policy.MaxAttempts {
			break
		}
		if serr := policy.Sleep(ctx, policy.Delay*time.Duration(attempt)); serr != nil {
			return fmt.Errorf("retry interrupted: %w", serr)
		}
	}
	return fmt.Errorf("giving up after %d attempts: %w", policy.MaxAttempts, err)
}
