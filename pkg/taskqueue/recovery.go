// SPDX-FileCopyrightText: 2025 the Malbuch contributors
//
// SPDX-License-Identifier: Apache-2.0

package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/hashicorp/go-multierror"
	"github.com/redis/go-redis/v9"

	"github.com/malbuch/malbuch/pkg/metrics"
)

const (
	// RecoveryActor is the task that re-enqueues records stuck mid-pipeline
	// after a crash or deploy.
	RecoveryActor = "recovery"

	// DedupLockTTL spaces out re-enqueues of the same record across recovery
	// runs. The lock is never released; it ages out.
	DedupLockTTL = 5 * time.Minute

	// triggerMutexTTL keeps a fleet booting together from triggering
	// duplicate recovery runs.
	triggerMutexTTL = time.Minute
)

// RecoverableBinding declares how to find and re-enqueue one actor's
// interrupted records. The driver stays ignorant of pipeline semantics;
// bindings carry all domain knowledge.
type RecoverableBinding struct {
	// Actor receives the re-enqueued records.
	Actor string
	// ListIncomplete returns IDs of records stuck in a recoverable state.
	ListIncomplete func(ctx context.Context) ([]int64, error)
	// Args builds the enqueue payload for one record. The payload must mark
	// itself as a recovery dispatch so the handler relaxes its state
	// precondition accordingly.
	Args func(id int64) any
}

// Recovery sweeps the recoverable bindings and re-enqueues whatever a crash
// or restart cut short. The sweep itself runs as a regular queue task so it
// inherits the worker pool's retry and dead-letter handling.
type Recovery struct {
	log      logr.Logger
	rdb      redis.UniversalClient
	queue    *Queue
	bindings []RecoverableBinding
}

// NewRecovery builds the recovery driver for the given queue.
func NewRecovery(log logr.Logger, rdb redis.UniversalClient, queue *Queue, bindings ...RecoverableBinding) *Recovery {
	return &Recovery{
		log:      log.WithName("recovery"),
		rdb:      rdb,
		queue:    queue,
		bindings: bindings,
	}
}

// Bind adds a recoverable actor. Bind must not be called once a worker
// consumes the queue.
func (r *Recovery) Bind(binding RecoverableBinding) {
	r.bindings = append(r.bindings, binding)
}

// RegisterActor registers the recovery task on the worker registry.
func (r *Recovery) RegisterActor(registry *Registry) error {
	return registry.Register(&Actor{
		Name:    RecoveryActor,
		Handler: r.run,
	})
}

// Trigger enqueues one recovery run. Concurrent instances race on a short
// mutex so a fleet booting together triggers the run exactly once; Trigger
// reports whether this caller won.
func (r *Recovery) Trigger(ctx context.Context) (bool, error) {
	mutex := NewMutex(r.rdb, r.queue.Name()+":recovery:trigger", triggerMutexTTL)
	won, err := mutex.TryLock(ctx)
	if err != nil {
		return false, err
	}
	if !won {
		r.log.V(1).Info("Recovery already triggered by another instance")
		return false, nil
	}

	if _, err := r.queue.Enqueue(ctx, RecoveryActor, struct{}{}); err != nil {
		return false, err
	}
	r.log.Info("Recovery run triggered")
	return true, nil
}

// run sweeps all bindings. A failing binding does not stop the others.
func (r *Recovery) run(ctx context.Context, _ json.RawMessage) error {
	var errs *multierror.Error
	for i := range r.bindings {
		if err := r.sweep(ctx, &r.bindings[i]); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("recovering records of actor %s: %w", r.bindings[i].Actor, err))
		}
	}
	return errs.ErrorOrNil()
}

func (r *Recovery) sweep(ctx context.Context, binding *RecoverableBinding) error {
	ids, err := binding.ListIncomplete(ctx)
	if err != nil {
		return fmt.Errorf("listing incomplete records: %w", err)
	}

	var (
		enqueued, skipped int
		errs              *multierror.Error
	)
	for _, id := range ids {
		acquired, err := LockOnce(ctx, r.rdb, dedupLockKey(binding.Actor, id), DedupLockTTL)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if !acquired {
			// Re-enqueued recently, either by a previous sweep or by a
			// concurrent worker. Leave it alone.
			skipped++
			metrics.RecoveryRuns.WithLabelValues(binding.Actor, "skipped").Inc()
			continue
		}

		if _, err := r.queue.Enqueue(ctx, binding.Actor, binding.Args(id)); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		enqueued++
		metrics.RecoveryRuns.WithLabelValues(binding.Actor, "enqueued").Inc()
	}

	if len(ids) > 0 {
		r.log.Info("Recovery sweep finished", "actor", binding.Actor, "found", len(ids), "enqueued", enqueued, "skipped", skipped)
	}
	return errs.ErrorOrNil()
}

// dedupLockKey names the per-record lock: recovery:{actor}:{id}.
func dedupLockKey(actor string, id int64) string {
	return fmt.Sprintf("recovery:%s:%d", actor, id)
}
