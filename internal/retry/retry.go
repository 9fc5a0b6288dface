// Package retry runs store and channel calls with bounded exponential backoff.
// Only errors classified as transient are retried; everything else returns on
// the first attempt.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrExhausted wraps the last transient failure once every attempt is used.
// Callers may retry the whole operation later.
var ErrExhausted = errors.New("invq/retry: attempts exhausted")

// Policy bounds how long a transient failure is retried.
type Policy struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
}

func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 5, Initial: 50 * time.Millisecond, Max: 2 * time.Second}
}

// Classifier reports whether err is worth another attempt.
type Classifier func(err error) bool

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if p.Initial > 0 {
		eb.InitialInterval = p.Initial
	}
	if p.Max > 0 {
		eb.MaxInterval = p.Max
	}
	eb.MaxElapsedTime = 0

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)
}

// Do calls op until it succeeds, fails permanently, ctx is done, or the
// policy runs out of attempts.
func Do(ctx context.Context, p Policy, transient Classifier, op func(ctx context.Context) error) error {
	var last error
	err := backoff.Retry(func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		last = err
		if ctx.Err() != nil || transient == nil || !transient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, p.backOff(ctx))
	if err == nil || ctx.Err() != nil {
		return err
	}
	if last != nil && transient != nil && transient(last) {
		return fmt.Errorf("%w: %w", ErrExhausted, last)
	}
	return err
}
