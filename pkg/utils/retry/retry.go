// SPDX-FileCopyrightText: 2025 the Malbuch contributors
//
// SPDX-License-Identifier: Apache-2.0

package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Func is the unit of work of a retry loop. It reports whether the loop is
// done and an optional error. A nil error with done=false means "try again".
// An error with done=false is minor: it is remembered and retried. An error
// with done=true is severe: the loop stops and returns it as-is.
type Func func(ctx context.Context) (done bool, err error)

// Ok indicates that a Func succeeded and the loop is done.
func Ok() (bool, error) {
	return true, nil
}

// NotOk indicates that a Func did not succeed yet without an error to report.
func NotOk() (bool, error) {
	return false, nil
}

// MinorError marks err as retriable and keeps the loop running.
func MinorError(err error) (bool, error) {
	return false, err
}

// SevereError marks err as non-retriable and stops the loop.
func SevereError(err error) (bool, error) {
	return true, err
}

// Error is returned when a retry loop ends without success, carrying the
// reason the loop stopped and the last minor error observed.
type Error struct {
	ctxError error
	err      error
}

// NewError returns a retry Error with the given stop reason and last minor
// error.
func NewError(ctxError, err error) *Error {
	return &Error{ctxError: ctxError, err: err}
}

// Unwrap returns the last minor error if there is one, otherwise the stop
// reason.
func (e *Error) Unwrap() error {
	if e.err != nil {
		return e.err
	}
	return e.ctxError
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("retry failed with %v, last error: %v", e.ctxError, e.err)
	}
	return fmt.Sprintf("retry failed with %v", e.ctxError)
}

// IsTimeout reports whether the given error stems from a retry loop that hit
// its deadline or an exceeded context.
func IsTimeout(err error) bool {
	var retryErr *Error
	if errors.As(err, &retryErr) {
		return errors.Is(retryErr.ctxError, context.DeadlineExceeded)
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Ops bundles the retry loop entry points so callers can swap in a fake
// without waiting between attempts in unit tests.
type Ops interface {
	// Until keeps invoking f every interval until it is done, it fails
	// severely, or ctx is cancelled.
	Until(ctx context.Context, interval time.Duration, f Func) error
	// UntilTimeout is Until bounded by an additional timeout.
	UntilTimeout(ctx context.Context, interval, timeout time.Duration, f Func) error
}

type ops struct{}

// DefaultOps returns the production Ops that sleep between attempts.
func DefaultOps() Ops {
	return ops{}
}

func (ops) Until(ctx context.Context, interval time.Duration, f Func) error {
	return Until(ctx, interval, f)
}

func (ops) UntilTimeout(ctx context.Context, interval, timeout time.Duration, f Func) error {
	return UntilTimeout(ctx, interval, timeout, f)
}

// Until keeps invoking f every interval until it reports done, returns a
// severe error, or ctx is cancelled. On cancellation the returned Error
// carries the last minor error observed.
func Until(ctx context.Context, interval time.Duration, f Func) error {
	var lastErr error

	for {
		done, err := f(ctx)
		if err != nil {
			if done {
				return err
			}
			lastErr = err
		} else if done {
			return nil
		}

		select {
		case <-ctx.Done():
			return NewError(ctx.Err(), lastErr)
		case <-time.After(interval):
		}
	}
}

// UntilTimeout is Until bounded by an additional timeout.
func UntilTimeout(ctx context.Context, interval, timeout time.Duration, f Func) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return Until(ctx, interval, f)
}
