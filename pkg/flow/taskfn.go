// SPDX-FileCopyrightText: 2025 the Malbuch contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package flow provides utilities for running groups of functions: bounded
// parallel fan-out for in-task I/O, and a background group for
// fire-and-forget publish goroutines.
package flow

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/semaphore"
)

// TaskFn is one unit of work of a fan-out.
type TaskFn func(ctx context.Context) error

// Parallel runs all functions concurrently and returns their errors as a
// multierror.
func Parallel(fns ...TaskFn) TaskFn {
	return ParallelN(len(fns), fns...)
}

// ParallelN runs all functions with at most n in flight at once. A failing
// function does not keep the remaining ones from running; callers that fan
// out over independent records handle each record's error in its result.
// Cancelling the context stops the submission of functions not yet started.
func ParallelN(n int, fns ...TaskFn) TaskFn {
	if n < 1 {
		n = 1
	}

	return func(ctx context.Context) error {
		sem := semaphore.NewWeighted(int64(n))
		results := make(chan error, len(fns))

		for _, fn := range fns {
			if err := sem.Acquire(ctx, 1); err != nil {
				results <- err
				break
			}
			go func(fn TaskFn) {
				defer sem.Release(1)
				results <- fn(ctx)
			}(fn)
		}

		// Taking the full weight waits for every started function.
		_ = sem.Acquire(context.Background(), int64(n))
		close(results)

		var combined *multierror.Error
		for err := range results {
			if err != nil {
				combined = multierror.Append(combined, err)
			}
		}
		return combined.ErrorOrNil()
	}
}
