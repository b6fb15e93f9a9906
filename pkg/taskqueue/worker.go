// SPDX-FileCopyrightText: 2025 the Malbuch contributors
//
// SPDX-License-Identifier: Apache-2.0

package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/malbuch/malbuch/pkg/metrics"
)

// WorkerOptions tune the worker pool. Zero values take defaults.
type WorkerOptions struct {
	// Concurrency is the number of concurrent consumers.
	Concurrency int
	// BlockTimeout bounds one blocking fetch; cancellation is observed
	// between fetches.
	BlockTimeout time.Duration
	// SchedulerInterval is the cadence of retry promotion, orphan reaping
	// and depth reporting.
	SchedulerInterval time.Duration
	// HeartbeatTTL is how long a silent worker keeps its in-flight claims.
	HeartbeatTTL time.Duration
	// OnHeartbeat, if set, runs after every successful heartbeat refresh.
	// Binaries hook their liveness probe in here.
	OnHeartbeat func()
}

// Worker consumes one queue with a pool of goroutines. Delivery is
// at-least-once: claims of a dead worker are re-queued once its heartbeat
// expires.
type Worker struct {
	log      logr.Logger
	queue    *Queue
	registry *Registry
	id       string
	opts     WorkerOptions
}

// NewWorker builds a worker pool over the given queue and actor registry.
func NewWorker(log logr.Logger, queue *Queue, registry *Registry, opts WorkerOptions) *Worker {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if opts.BlockTimeout <= 0 {
		opts.BlockTimeout = 2 * time.Second
	}
	if opts.SchedulerInterval <= 0 {
		opts.SchedulerInterval = time.Second
	}
	if opts.HeartbeatTTL <= 0 {
		opts.HeartbeatTTL = 15 * time.Second
	}

	id := uuid.NewString()
	return &Worker{
		log:      log.WithName("worker").WithValues("workerID", id),
		queue:    queue,
		registry: registry,
		id:       id,
		opts:     opts,
	}
}

// ID returns the worker's unique identity.
func (w *Worker) ID() string { return w.id }

// Run consumes tasks until ctx is cancelled. Cancellation propagates into
// running tasks; anything left unacknowledged is re-queued by another
// worker's reaper after the heartbeat expires.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.register(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.heartbeatLoop(gctx) })
	g.Go(func() error { return w.schedulerLoop(gctx) })
	for i := 0; i < w.opts.Concurrency; i++ {
		g.Go(func() error { return w.consumeLoop(gctx) })
	}

	err := g.Wait()
	w.deregister()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *Worker) register(ctx context.Context) error {
	if err := w.queue.rdb.SAdd(ctx, w.queue.workersKey(), w.id).Err(); err != nil {
		return fmt.Errorf("registering worker: %w", err)
	}
	if err := w.queue.rdb.Set(ctx, w.queue.heartbeatKey(w.id), "1", w.opts.HeartbeatTTL).Err(); err != nil {
		return fmt.Errorf("writing worker heartbeat: %w", err)
	}
	return nil
}

func (w *Worker) deregister() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := w.queue.rdb.SRem(ctx, w.queue.workersKey(), w.id).Err(); err != nil {
		w.log.Error(err, "Deregistering worker failed")
	}
	if err := w.queue.rdb.Del(ctx, w.queue.heartbeatKey(w.id)).Err(); err != nil {
		w.log.Error(err, "Removing worker heartbeat failed")
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.opts.HeartbeatTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.queue.rdb.Set(ctx, w.queue.heartbeatKey(w.id), "1", w.opts.HeartbeatTTL).Err(); err != nil {
				if ctx.Err() == nil {
					w.log.Error(err, "Refreshing worker heartbeat failed")
				}
				continue
			}
			if w.opts.OnHeartbeat != nil {
				w.opts.OnHeartbeat()
			}
		}
	}
}

func (w *Worker) schedulerLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.opts.SchedulerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.queue.promoteDueRetries(ctx); err != nil && ctx.Err() == nil {
				w.log.Error(err, "Promoting due retries failed")
			}
			if err := w.queue.reapOrphans(ctx); err != nil && ctx.Err() == nil {
				w.log.Error(err, "Reaping orphaned tasks failed")
			}
			w.queue.reportDepths(ctx)
		}
	}
}

func (w *Worker) consumeLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		raw, err := w.queue.rdb.BLMove(ctx, w.queue.pendingKey(), w.queue.processingKey(w.id), "RIGHT", "LEFT", w.opts.BlockTimeout).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.log.Error(err, "Fetching task failed")
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		w.process(ctx, raw)
	}
}

// process executes one claimed message. Queue bookkeeping runs on a
// cancellation-free context so a shutdown mid-task cannot strand state.
func (w *Worker) process(ctx context.Context, raw string) {
	bookCtx := context.WithoutCancel(ctx)

	msg := &Message{}
	if err := json.Unmarshal([]byte(raw), msg); err != nil {
		w.log.Error(err, "Dead-lettering malformed message")
		if err := w.queue.deadLetter(bookCtx, raw); err != nil {
			w.log.Error(err, "Dead-lettering failed")
			return
		}
		w.ack(bookCtx, raw)
		return
	}

	log := w.log.WithValues("actor", msg.Actor, "messageID", msg.ID)

	actor, ok := w.registry.Get(msg.Actor)
	if !ok {
		log.Info("Dead-lettering message for unknown actor")
		if err := w.queue.deadLetter(bookCtx, raw); err != nil {
			log.Error(err, "Dead-lettering failed")
			return
		}
		metrics.TasksCompleted.WithLabelValues(msg.Actor, metrics.ResultDead).Inc()
		w.ack(bookCtx, raw)
		return
	}

	taskCtx, cancel := context.WithTimeout(ctx, actor.TimeLimit)
	start := now()
	err := w.invoke(taskCtx, actor, msg.Args)
	cancel()
	metrics.TaskDuration.WithLabelValues(msg.Actor).Observe(now().Sub(start).Seconds())

	switch {
	case err == nil:
		metrics.TasksCompleted.WithLabelValues(msg.Actor, metrics.ResultSucceeded).Inc()

	case actor.Throws != nil && actor.Throws(err):
		log.Error(err, "Task failed permanently")
		if err := w.queue.deadLetter(bookCtx, raw); err != nil {
			log.Error(err, "Dead-lettering failed")
			return
		}
		metrics.TasksCompleted.WithLabelValues(msg.Actor, metrics.ResultDead).Inc()

	case msg.Retries >= actor.MaxRetries:
		log.Error(err, "Task exhausted its retries", "retries", msg.Retries)
		if err := w.queue.deadLetter(bookCtx, raw); err != nil {
			log.Error(err, "Dead-lettering failed")
			return
		}
		metrics.TasksCompleted.WithLabelValues(msg.Actor, metrics.ResultDead).Inc()

	default:
		msg.Retries++
		delay := retryBackoff(actor, msg.Retries)
		log.Error(err, "Task failed, scheduling retry", "attempt", msg.Retries, "delay", delay.String())
		if err := w.queue.scheduleRetry(bookCtx, msg, delay); err != nil {
			// Leave the claim in place; the reaper re-queues it after this
			// worker dies.
			log.Error(err, "Scheduling retry failed")
			return
		}
		metrics.TasksCompleted.WithLabelValues(msg.Actor, metrics.ResultRetried).Inc()
	}

	w.ack(bookCtx, raw)
}

func (w *Worker) invoke(ctx context.Context, actor *Actor, args json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return actor.Handler(ctx, args)
}

func (w *Worker) ack(ctx context.Context, raw string) {
	if err := w.queue.rdb.LRem(ctx, w.queue.processingKey(w.id), 1, raw).Err(); err != nil {
		w.log.Error(err, "Acknowledging task failed")
	}
}

// retryBackoff doubles from the actor's MinBackoff per attempt, capped at
// MaxBackoff, with up to 25% jitter.
func retryBackoff(actor *Actor, attempt int) time.Duration {
	if attempt > 20 {
		attempt = 20
	}
	backoff := actor.MinBackoff << (attempt - 1)
	if backoff <= 0 || backoff > actor.MaxBackoff {
		backoff = actor.MaxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(backoff)/4 + 1))
	return backoff + jitter
}
