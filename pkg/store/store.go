// SPDX-FileCopyrightText: 2025 the Malbuch contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package store is the Postgres persistence layer. All pipeline writes run
// through a Session, which tracks field changes and hands the resulting
// events to a dispatch callback strictly after commit.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-logr/logr"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres error codes the store reacts to.
const (
	pgCodeUniqueViolation  = "23505"
	pgCodeLockNotAvailable = "55P03"
)

// Named unique constraints the sequence allocator retries on. They must match
// the migration schema.
const (
	constraintLineItemPosition = "line_items_order_id_position_key"
	constraintColoringVersion  = "coloring_versions_image_id_version_key"
	constraintSvgVersion       = "svg_versions_image_id_version_key"
)

var (
	// ErrNotFound is returned when an entity lookup matches no row.
	ErrNotFound = errors.New("record not found")
	// ErrLocked is returned by no-wait lock acquisition when another worker
	// holds the row. Callers abort their step without side effects.
	ErrLocked = errors.New("record is locked by another worker")
)

// UnexpectedStatusError reports a lost status race: the record moved outside
// the expected set while the caller was doing external work. The loser
// observes it and aborts cleanly.
type UnexpectedStatusError struct {
	Expected []string
	Actual   string
}

func (e *UnexpectedStatusError) Error() string {
	return fmt.Sprintf("unexpected status %q, expected one of [%s]", e.Actual, strings.Join(e.Expected, ", "))
}

// IsUnexpectedStatus reports whether err is a lost status race.
func IsUnexpectedStatus(err error) bool {
	var unexpected *UnexpectedStatusError
	return errors.As(err, &unexpected)
}

// Store wraps the connection pool. It is safe for concurrent use; every
// task works in its own Session.
type Store struct {
	log  logr.Logger
	pool *pgxpool.Pool
}

// Connect opens the pool and verifies connectivity.
func Connect(ctx context.Context, log logr.Logger, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &Store{log: log, pool: pool}, nil
}

// NewWithPool wraps an existing pool. Tests use it.
func NewWithPool(log logr.Logger, pool *pgxpool.Pool) *Store {
	return &Store{log: log, pool: pool}
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping probes connectivity, for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgCodeUniqueViolation && pgErr.ConstraintName == constraint
}

func isLockNotAvailable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgCodeLockNotAvailable
}
