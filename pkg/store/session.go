// SPDX-FileCopyrightText: 2025 the Malbuch contributors
//
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/malbuch/malbuch/pkg/events"
)

// EventSink consumes the tracked-change events of a session. It is invoked
// strictly after the changes committed; rolled-back scopes contribute
// nothing.
type EventSink func(ctx context.Context, evts []*events.Event)

// Session is the unit of work of one task or request. It carries the event
// context and collects the events of all committed transactions opened
// through it; Flush hands them off at the end. Lock scopes and writes each
// run in their own short transaction so that row locks never span external
// work. A Session must not be shared across goroutines.
type Session struct {
	store *Store

	evCtx    events.Context
	hasEvCtx bool
	pending  []*events.Event
}

// NewSession opens a unit of work.
func (s *Store) NewSession() *Session {
	return &Session{store: s}
}

// RunInSession runs fn in a fresh session and flushes its events to sink
// afterwards. Events collected before fn failed are still flushed: their
// transactions committed.
func (s *Store) RunInSession(ctx context.Context, sink EventSink, fn func(ctx context.Context, sess *Session) error) error {
	sess := s.NewSession()
	err := fn(ctx, sess)
	sess.Flush(ctx, sink)
	return err
}

// SetEventContext records the identifiers tracked changes are published
// with. Services call it before mutating tracked fields; forgetting to is a
// programming error surfaced by the first tracked change.
func (sess *Session) SetEventContext(evCtx events.Context) {
	sess.evCtx = evCtx
	sess.hasEvCtx = true
}

// EventContext returns the current event context.
func (sess *Session) EventContext() events.Context {
	return sess.evCtx
}

// Flush hands the collected events to sink and clears the buffer. sink may
// be nil.
func (sess *Session) Flush(ctx context.Context, sink EventSink) {
	if sink != nil && len(sess.pending) > 0 {
		sink(ctx, sess.pending)
	}
	sess.pending = nil
}

// Tx is one short transaction of a session. Tracked changes buffer inside
// the transaction and merge into the session only on commit.
type Tx struct {
	sess   *Session
	tx     pgx.Tx
	scoped []*events.Event
}

// InTx runs fn in a new short transaction. An error from fn rolls the
// transaction back and discards its tracked events.
func (sess *Session) InTx(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	pgxTx, err := sess.store.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	t := &Tx{sess: sess, tx: pgxTx}
	if err := fn(ctx, t); err != nil {
		_ = pgxTx.Rollback(ctx)
		return err
	}
	if err := pgxTx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	sess.pending = append(sess.pending, t.scoped...)
	return nil
}

// trackChange translates one written field into its events. It fails fast,
// before commit, when a triggered event's required context was never set.
func (t *Tx) trackChange(model events.Model, field, newValue string) error {
	for _, def := range events.TriggeredBy(model, field) {
		if !t.sess.hasEvCtx {
			return &events.ContextMissingError{Kind: def.Kind, Key: def.RequiredContext[0]}
		}
		event, err := events.NewFromChange(def, t.sess.evCtx, newValue)
		if err != nil {
			return err
		}
		t.scoped = append(t.scoped, event)
	}
	return nil
}

// trackChangeWith is trackChange with an explicit event context, for writes
// whose identifiers are only known mid-transaction.
func (t *Tx) trackChangeWith(evCtx events.Context, model events.Model, field, newValue string) error {
	for _, def := range events.TriggeredBy(model, field) {
		event, err := events.NewFromChange(def, evCtx, newValue)
		if err != nil {
			return err
		}
		t.scoped = append(t.scoped, event)
	}
	return nil
}

// trackModelChange translates a row insert or delete into its events.
func (t *Tx) trackModelChange(model events.Model, orderID int64) {
	for _, def := range events.TriggeredByModel(model) {
		event, err := events.NewFromChange(def, events.Context{OrderID: orderID}, "")
		if err != nil {
			continue
		}
		t.scoped = append(t.scoped, event)
	}
}
