// SPDX-FileCopyrightText: 2025 the Malbuch contributors
//
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"sync"

	"github.com/go-logr/logr"

	"github.com/malbuch/malbuch/pkg/flow"
	"github.com/malbuch/malbuch/pkg/metrics"
)

// Publisher delivers a single event to the SSE hub.
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
}

// Dispatcher normalizes the event set of a committed transaction and hands
// it to the publisher. Publication failures are logged and swallowed; they
// never propagate to the caller, whose transaction has already committed.
type Dispatcher struct {
	log       logr.Logger
	publisher Publisher
}

// NewDispatcher builds a dispatcher on the given publisher.
func NewDispatcher(log logr.Logger, publisher Publisher) *Dispatcher {
	return &Dispatcher{log: log, publisher: publisher}
}

// Normalize dedups a commit's events by identity key, the last write
// winning, and orders field-change events before batch aggregates.
// Aggregates merge their collected order IDs instead of dropping them.
func Normalize(events []*Event) []*Event {
	var (
		ordered []*Event
		byKey   = map[string]*Event{}
	)

	for _, event := range events {
		key := event.IdentityKey()
		existing, seen := byKey[key]
		if !seen {
			replacement := *event
			byKey[key] = &replacement
			ordered = append(ordered, &replacement)
			continue
		}
		collected := mergeIDs(existing.OrderIDs, event.OrderIDs)
		*existing = *event
		existing.OrderIDs = collected
	}

	fields := make([]*Event, 0, len(ordered))
	aggregates := make([]*Event, 0, 1)
	for _, event := range ordered {
		if event.Aggregate() {
			aggregates = append(aggregates, event)
		} else {
			fields = append(fields, event)
		}
	}
	return append(fields, aggregates...)
}

// Dispatch publishes one committed transaction's events. When group is
// non-nil the publish calls run on it so the caller never blocks on the hub.
// An active batch scope absorbs aggregates and collects order IDs instead.
func (d *Dispatcher) Dispatch(ctx context.Context, group *flow.Group, events []*Event) {
	scope := scopeFrom(ctx)

	for _, event := range Normalize(events) {
		switch event.Kind {
		case KindListUpdate:
			if scope != nil {
				scope.collect(event.OrderIDs...)
				metrics.EventsPublished.WithLabelValues(string(event.Kind), "deferred").Inc()
				continue
			}
			d.publish(ctx, group, event)
		case KindOrderUpdate:
			if scope != nil {
				scope.collect(event.OrderID)
			}
			d.publish(ctx, group, event)
		default:
			d.publish(ctx, group, event)
		}
	}
}

// InBatchScope runs fn inside a deferred-batch scope. All ListUpdate
// triggers and OrderUpdate occurrences within the scope are aggregated; at
// scope exit at most one ListUpdate is published, regardless of how many
// commits happened inside. When fn fails the collected aggregate is dropped;
// events of commits inside the scope have already been published on their own.
func (d *Dispatcher) InBatchScope(ctx context.Context, group *flow.Group, fn func(ctx context.Context) error) error {
	scope := &batchScope{orderIDs: map[int64]struct{}{}}
	if err := fn(context.WithValue(ctx, scopeContextKey{}, scope)); err != nil {
		return err
	}

	if ids := scope.drain(); len(ids) > 0 {
		d.publish(ctx, group, &Event{Kind: KindListUpdate, OrderIDs: ids})
	}
	return nil
}

func (d *Dispatcher) publish(ctx context.Context, group *flow.Group, event *Event) {
	task := func(ctx context.Context) error {
		if err := d.publisher.Publish(ctx, event); err != nil {
			metrics.EventsPublished.WithLabelValues(string(event.Kind), "failed").Inc()
			return err
		}
		metrics.EventsPublished.WithLabelValues(string(event.Kind), "published").Inc()
		return nil
	}

	if group != nil {
		group.Go("publish-"+string(event.Kind), task)
		return
	}
	if err := task(ctx); err != nil {
		d.log.Error(err, "Event publication failed", "kind", event.Kind, "identityKey", event.IdentityKey())
	}
}

type scopeContextKey struct{}

// batchScope aggregates the affected order IDs of one deferred-batch scope.
type batchScope struct {
	mu       sync.Mutex
	orderIDs map[int64]struct{}
}

func scopeFrom(ctx context.Context) *batchScope {
	scope, _ := ctx.Value(scopeContextKey{}).(*batchScope)
	return scope
}

func (s *batchScope) collect(ids ...int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if id != 0 {
			s.orderIDs[id] = struct{}{}
		}
	}
}

func (s *batchScope) drain() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.orderIDs))
	for id := range s.orderIDs {
		ids = append(ids, id)
	}
	s.orderIDs = map[int64]struct{}{}
	return ids
}

func mergeIDs(a, b []int64) []int64 {
	seen := make(map[int64]struct{}, len(a)+len(b))
	merged := make([]int64, 0, len(a)+len(b))
	for _, id := range append(append([]int64{}, a...), b...) {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		merged = append(merged, id)
	}
	return merged
}
