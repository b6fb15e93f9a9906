// SPDX-FileCopyrightText: 2025 the Malbuch contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package fake provides a retry.Ops that never sleeps, for unit tests of
// polling code.
package fake

import (
	"context"
	"errors"
	"time"

	"github.com/malbuch/malbuch/pkg/utils/retry"
)

var _ retry.Ops = &Ops{}

// Ops implements retry.Ops without waiting between attempts. Instead of a
// wall-clock budget it is bounded by a fixed attempt count, so tests stay
// fast and deterministic.
type Ops struct {
	// MaxAttempts bounds how often the Func runs before the loop gives up
	// with a retry.Error. Zero fails immediately without calling the Func.
	MaxAttempts int
}

// Until runs f back to back until it is done, fails severely, or the attempt
// budget is spent. The interval is ignored.
func (o *Ops) Until(ctx context.Context, _ time.Duration, f retry.Func) error {
	return o.run(ctx, f)
}

// UntilTimeout behaves like Until; the timeout is ignored in favor of
// MaxAttempts.
func (o *Ops) UntilTimeout(ctx context.Context, _, _ time.Duration, f retry.Func) error {
	return o.run(ctx, f)
}

func (o *Ops) run(ctx context.Context, f retry.Func) error {
	var lastErr error

	for attempt := 0; attempt < o.MaxAttempts; attempt++ {
		done, err := f(ctx)
		if err != nil {
			if done {
				return err
			}
			lastErr = err
		} else if done {
			return nil
		}
	}
	return retry.NewError(errors.New("max attempts reached"), lastErr)
}
