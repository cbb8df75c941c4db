// Package retry runs an operation on a fixed interval until it succeeds,
// fails permanently, or runs out of time.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTimeout is matched by errors returned when the retry budget is exhausted.
var ErrTimeout = errors.New("retry timeout")

type temporaryError struct {
	err error
}

func (e *temporaryError) Error() string { return e.err.Error() }
func (e *temporaryError) Unwrap() error { return e.err }

// Temporary marks err as retryable. A nil err stays nil.
func Temporary(err error) error {
	if err == nil {
		return nil
	}
	return &temporaryError{err: err}
}

// IsTemporary reports whether err was marked with Temporary.
func IsTemporary(err error) bool {
	var t *temporaryError
	return errors.As(err, &t)
}

// TimeoutError is returned by Do when the timeout elapses.
// Last holds the most recent temporary failure, if any.
type TimeoutError struct {
	Timeout time.Duration
	Last    error
}

func (e *TimeoutError) Error() string {
	if e.Last != nil {
		return fmt.Sprintf("gave up after %s: %v", e.Timeout, e.Last)
	}
	return fmt.Sprintf("gave up after %s", e.Timeout)
}

func (e *TimeoutError) Unwrap() []error {
	if e.Last == nil {
		return []error{ErrTimeout}
	}
	return []error{ErrTimeout, e.Last}
}

// Do calls attempt until it returns nil or an error not marked Temporary.
// Between temporary failures it sleeps interval. Once another interval would
// exceed timeout it returns a *TimeoutError. Context cancellation aborts
// the loop with ctx.Err().
func Do(ctx context.Context, interval, timeout time.Duration, attempt func() error) error {
	start := time.Now()
	for {
		err := attempt()
		if err == nil {
			return nil
		}
		var t *temporaryError
		if !errors.As(err, &t) {
			return err
		}

		if time.Since(start)+interval >= timeout {
			return &TimeoutError{Timeout: timeout, Last: t.err}
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
