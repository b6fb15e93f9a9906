// SPDX-FileCopyrightText: 2025 the Malbuch contributors
//
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// maxSequenceAttempts bounds the optimistic-insert retries of a sequence
// allocation.
const maxSequenceAttempts = 5

// nextInSequence allocates the next value of a per-parent counter column by
// optimistic insert: read the current maximum, insert max+1 under a
// savepoint, and retry when the insert collides on the named unique
// constraint. Gaps are possible, reuse is not. insert must write the row
// through the given transaction handle.
func nextInSequence(ctx context.Context, t *Tx, maxQuery string, parentID int64, constraint string, insert func(ctx context.Context, tx pgx.Tx, n int) error) (int, error) {
	for attempt := 0; attempt < maxSequenceAttempts; attempt++ {
		var current int
		if err := t.tx.QueryRow(ctx, maxQuery, parentID).Scan(&current); err != nil {
			return 0, fmt.Errorf("reading sequence maximum: %w", err)
		}
		n := current + 1

		sp, err := t.tx.Begin(ctx)
		if err != nil {
			return 0, fmt.Errorf("opening savepoint: %w", err)
		}
		if err := insert(ctx, sp, n); err != nil {
			_ = sp.Rollback(ctx)
			if isUniqueViolation(err, constraint) {
				continue
			}
			return 0, err
		}
		if err := sp.Commit(ctx); err != nil {
			return 0, fmt.Errorf("releasing savepoint: %w", err)
		}
		return n, nil
	}
	return 0, fmt.Errorf("allocating next value for parent %d: %d consecutive conflicts on %s", parentID, maxSequenceAttempts, constraint)
}
