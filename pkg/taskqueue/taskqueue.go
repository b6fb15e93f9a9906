// SPDX-FileCopyrightText: 2025 the Malbuch contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package taskqueue is the Redis-backed background task runtime. Producers
// enqueue (actor, args) messages; a worker pool consumes them with at-least-
// once delivery, bounded exponential retry and a dead-letter list for
// permanent failures.
package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/malbuch/malbuch/pkg/metrics"
)

var now = time.Now

// Message is the wire envelope of one task.
type Message struct {
	ID         string          `json:"id"`
	Actor      string          `json:"actor"`
	Args       json.RawMessage `json:"args"`
	Retries    int             `json:"retries"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Queue names one logical task queue on a Redis instance.
type Queue struct {
	log  logr.Logger
	rdb  redis.UniversalClient
	name string
}

// New returns a queue handle. name prefixes all Redis keys.
func New(log logr.Logger, rdb redis.UniversalClient, name string) *Queue {
	return &Queue{log: log.WithName("taskqueue").WithValues("queue", name), rdb: rdb, name: name}
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

func (q *Queue) pendingKey() string { return q.name + ":pending" }
func (q *Queue) retryKey() string   { return q.name + ":retry" }
func (q *Queue) deadKey() string    { return q.name + ":dead" }
func (q *Queue) workersKey() string { return q.name + ":workers" }

func (q *Queue) processingKey(workerID string) string {
	return q.name + ":processing:" + workerID
}

func (q *Queue) heartbeatKey(workerID string) string {
	return q.name + ":heartbeat:" + workerID
}

// Enqueue submits a task for the given actor. args must marshal to JSON.
// It returns the message ID.
func (q *Queue) Enqueue(ctx context.Context, actor string, args any) (string, error) {
	payload, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("marshaling args for actor %s: %w", actor, err)
	}

	msg := Message{
		ID:         uuid.NewString(),
		Actor:      actor,
		Args:       payload,
		EnqueuedAt: now().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshaling message for actor %s: %w", actor, err)
	}

	if err := q.rdb.LPush(ctx, q.pendingKey(), data).Err(); err != nil {
		return "", fmt.Errorf("enqueueing actor %s: %w", actor, err)
	}

	metrics.TasksEnqueued.WithLabelValues(actor).Inc()
	q.log.V(1).Info("Task enqueued", "actor", actor, "messageID", msg.ID)
	return msg.ID, nil
}

// scheduleRetry puts a failed message back with a delay.
func (q *Queue) scheduleRetry(ctx context.Context, msg *Message, delay time.Duration) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling retry message %s: %w", msg.ID, err)
	}
	score := float64(now().Add(delay).UnixMilli())
	if err := q.rdb.ZAdd(ctx, q.retryKey(), redis.Z{Score: score, Member: string(data)}).Err(); err != nil {
		return fmt.Errorf("scheduling retry of message %s: %w", msg.ID, err)
	}
	return nil
}

// deadLetter parks a permanently failed message.
func (q *Queue) deadLetter(ctx context.Context, raw string) error {
	if err := q.rdb.LPush(ctx, q.deadKey(), raw).Err(); err != nil {
		return fmt.Errorf("dead-lettering message: %w", err)
	}
	return nil
}

// promoteDueRetries moves messages whose retry delay elapsed back to the
// pending list. Concurrent schedulers race on ZRem; only the winner pushes.
func (q *Queue) promoteDueRetries(ctx context.Context) error {
	due, err := q.rdb.ZRangeByScore(ctx, q.retryKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now().UnixMilli()),
		Count: 100,
	}).Result()
	if err != nil {
		return fmt.Errorf("reading due retries: %w", err)
	}

	for _, raw := range due {
		removed, err := q.rdb.ZRem(ctx, q.retryKey(), raw).Result()
		if err != nil {
			return fmt.Errorf("claiming due retry: %w", err)
		}
		if removed == 0 {
			continue
		}
		if err := q.rdb.LPush(ctx, q.pendingKey(), raw).Err(); err != nil {
			return fmt.Errorf("promoting due retry: %w", err)
		}
	}
	return nil
}

// reapOrphans re-queues the in-flight messages of workers whose heartbeat
// expired.
func (q *Queue) reapOrphans(ctx context.Context) error {
	workerIDs, err := q.rdb.SMembers(ctx, q.workersKey()).Result()
	if err != nil {
		return fmt.Errorf("listing workers: %w", err)
	}

	for _, workerID := range workerIDs {
		alive, err := q.rdb.Exists(ctx, q.heartbeatKey(workerID)).Result()
		if err != nil {
			return fmt.Errorf("checking worker %s heartbeat: %w", workerID, err)
		}
		if alive > 0 {
			continue
		}

		reaped := 0
		for {
			_, err := q.rdb.LMove(ctx, q.processingKey(workerID), q.pendingKey(), "RIGHT", "LEFT").Result()
			if err == redis.Nil {
				break
			}
			if err != nil {
				return fmt.Errorf("reaping worker %s: %w", workerID, err)
			}
			reaped++
		}
		if err := q.rdb.SRem(ctx, q.workersKey(), workerID).Err(); err != nil {
			return fmt.Errorf("removing dead worker %s: %w", workerID, err)
		}
		if reaped > 0 {
			q.log.Info("Re-queued in-flight tasks of a dead worker", "workerID", workerID, "tasks", reaped)
		}
	}
	return nil
}

// reportDepths refreshes the queue depth gauges.
func (q *Queue) reportDepths(ctx context.Context) {
	if pending, err := q.rdb.LLen(ctx, q.pendingKey()).Result(); err == nil {
		metrics.QueueDepth.WithLabelValues("pending").Set(float64(pending))
	}
	if retries, err := q.rdb.ZCard(ctx, q.retryKey()).Result(); err == nil {
		metrics.QueueDepth.WithLabelValues("retry").Set(float64(retries))
	}
	if dead, err := q.rdb.LLen(ctx, q.deadKey()).Result(); err == nil {
		metrics.QueueDepth.WithLabelValues("dead").Set(float64(dead))
	}
}
