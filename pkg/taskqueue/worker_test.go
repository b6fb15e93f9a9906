// SPDX-FileCopyrightText: 2025 the Malbuch contributors
//
// SPDX-License-Identifier: Apache-2.0

package taskqueue_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"

	"github.com/malbuch/malbuch/pkg/taskqueue"
)

var _ = Describe("Queue", func() {
	var (
		ctx   context.Context
		rdb   *redis.Client
		queue *taskqueue.Queue
	)

	BeforeEach(func() {
		ctx = context.Background()

		srv, err := miniredis.Run()
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(srv.Close)

		rdb = redis.NewClient(&redis.Options{Addr: srv.Addr()})
		DeferCleanup(func() { Expect(rdb.Close()).To(Succeed()) })

		queue = taskqueue.New(logr.Discard(), rdb, "testq")
	})

	Describe("Enqueue", func() {
		It("should push one envelope with the actor and its args", func() {
			id, err := queue.Enqueue(ctx, "resize", map[string]int{"image_id": 7})
			Expect(err).NotTo(HaveOccurred())
			Expect(id).NotTo(BeEmpty())

			raw, err := rdb.LRange(ctx, "testq:pending", 0, -1).Result()
			Expect(err).NotTo(HaveOccurred())
			Expect(raw).To(HaveLen(1))

			var msg taskqueue.Message
			Expect(json.Unmarshal([]byte(raw[0]), &msg)).To(Succeed())
			Expect(msg.ID).To(Equal(id))
			Expect(msg.Actor).To(Equal("resize"))
			Expect(msg.Retries).To(BeZero())
			Expect(string(msg.Args)).To(MatchJSON(`{"image_id": 7}`))
		})

		It("should reject args that do not marshal", func() {
			_, err := queue.Enqueue(ctx, "resize", func() {})
			Expect(err).To(HaveOccurred())

			pending, err := rdb.LLen(ctx, "testq:pending").Result()
			Expect(err).NotTo(HaveOccurred())
			Expect(pending).To(BeZero())
		})
	})
})

var _ = Describe("Worker", func() {
	var (
		ctx      context.Context
		rdb      *redis.Client
		queue    *taskqueue.Queue
		registry *taskqueue.Registry
	)

	BeforeEach(func() {
		ctx = context.Background()

		srv, err := miniredis.Run()
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(srv.Close)

		rdb = redis.NewClient(&redis.Options{Addr: srv.Addr()})
		DeferCleanup(func() { Expect(rdb.Close()).To(Succeed()) })

		queue = taskqueue.New(logr.Discard(), rdb, "testq")
		registry = taskqueue.NewRegistry()
	})

	// startWorker runs a worker until the spec ends. Options are tuned for
	// fast scheduling so specs finish quickly.
	startWorker := func() {
		runCtx, cancel := context.WithCancel(ctx)
		DeferCleanup(cancel)

		worker := taskqueue.NewWorker(logr.Discard(), queue, registry, taskqueue.WorkerOptions{
			Concurrency:       2,
			BlockTimeout:      50 * time.Millisecond,
			SchedulerInterval: 20 * time.Millisecond,
			HeartbeatTTL:      time.Second,
		})
		go func() {
			defer GinkgoRecover()
			Expect(worker.Run(runCtx)).To(Succeed())
		}()
	}

	deadLetters := func() (int64, error) {
		return rdb.LLen(ctx, "testq:dead").Result()
	}

	It("should execute an enqueued task with its args", func() {
		var got atomic.Value
		Expect(registry.Register(&taskqueue.Actor{
			Name: "greet",
			Handler: func(_ context.Context, raw json.RawMessage) error {
				var args struct {
					Name string `json:"name"`
				}
				if err := json.Unmarshal(raw, &args); err != nil {
					return err
				}
				got.Store(args.Name)
				return nil
			},
		})).To(Succeed())

		_, err := queue.Enqueue(ctx, "greet", map[string]string{"name": "ada"})
		Expect(err).NotTo(HaveOccurred())

		startWorker()

		Eventually(got.Load).WithTimeout(5 * time.Second).Should(Equal("ada"))
		Eventually(func() (int64, error) {
			return rdb.LLen(ctx, "testq:pending").Result()
		}).WithTimeout(5 * time.Second).Should(BeZero())
	})

	It("should retry a failing task until it succeeds", func() {
		var attempts atomic.Int32
		Expect(registry.Register(&taskqueue.Actor{
			Name:       "flaky",
			MaxRetries: 5,
			MinBackoff: time.Millisecond,
			MaxBackoff: 2 * time.Millisecond,
			Handler: func(context.Context, json.RawMessage) error {
				if attempts.Add(1) < 3 {
					return errors.New("not yet")
				}
				return nil
			},
		})).To(Succeed())

		_, err := queue.Enqueue(ctx, "flaky", struct{}{})
		Expect(err).NotTo(HaveOccurred())

		startWorker()

		Eventually(func() int32 { return attempts.Load() }).WithTimeout(5 * time.Second).Should(BeNumerically(">=", 3))
		Consistently(deadLetters).WithTimeout(200 * time.Millisecond).Should(BeZero())
	})

	It("should dead-letter a task whose error matches Throws without retrying", func() {
		permanent := errors.New("unprocessable input")
		var attempts atomic.Int32
		Expect(registry.Register(&taskqueue.Actor{
			Name:       "strict",
			MaxRetries: 5,
			MinBackoff: time.Millisecond,
			Throws:     func(err error) bool { return errors.Is(err, permanent) },
			Handler: func(context.Context, json.RawMessage) error {
				attempts.Add(1)
				return fmt.Errorf("handling: %w", permanent)
			},
		})).To(Succeed())

		_, err := queue.Enqueue(ctx, "strict", struct{}{})
		Expect(err).NotTo(HaveOccurred())

		startWorker()

		Eventually(deadLetters).WithTimeout(5 * time.Second).Should(Equal(int64(1)))
		Expect(attempts.Load()).To(Equal(int32(1)))
	})

	It("should dead-letter a task once its retries are exhausted", func() {
		var attempts atomic.Int32
		Expect(registry.Register(&taskqueue.Actor{
			Name:       "doomed",
			MaxRetries: 1,
			MinBackoff: time.Millisecond,
			MaxBackoff: 2 * time.Millisecond,
			Handler: func(context.Context, json.RawMessage) error {
				attempts.Add(1)
				return errors.New("always fails")
			},
		})).To(Succeed())

		_, err := queue.Enqueue(ctx, "doomed", struct{}{})
		Expect(err).NotTo(HaveOccurred())

		startWorker()

		Eventually(deadLetters).WithTimeout(5 * time.Second).Should(Equal(int64(1)))
		Expect(attempts.Load()).To(Equal(int32(2)))
	})

	It("should dead-letter a task that panics once its retries are exhausted", func() {
		Expect(registry.Register(&taskqueue.Actor{
			Name:       "panicky",
			MaxRetries: 1,
			MinBackoff: time.Millisecond,
			MaxBackoff: 2 * time.Millisecond,
			Handler: func(context.Context, json.RawMessage) error {
				panic("boom")
			},
		})).To(Succeed())

		_, err := queue.Enqueue(ctx, "panicky", struct{}{})
		Expect(err).NotTo(HaveOccurred())

		startWorker()

		Eventually(deadLetters).WithTimeout(5 * time.Second).Should(Equal(int64(1)))
	})

	It("should dead-letter messages for unknown actors", func() {
		_, err := queue.Enqueue(ctx, "nobody", struct{}{})
		Expect(err).NotTo(HaveOccurred())

		startWorker()

		Eventually(deadLetters).WithTimeout(5 * time.Second).Should(Equal(int64(1)))
	})

	It("should dead-letter malformed messages", func() {
		Expect(rdb.LPush(ctx, "testq:pending", "{not json").Err()).To(Succeed())

		startWorker()

		Eventually(deadLetters).WithTimeout(5 * time.Second).Should(Equal(int64(1)))
	})

	It("should re-queue the claims of a worker whose heartbeat expired", func() {
		var got atomic.Int64
		Expect(registry.Register(&taskqueue.Actor{
			Name: "orphaned",
			Handler: func(_ context.Context, raw json.RawMessage) error {
				var args struct {
					ID int64 `json:"id"`
				}
				if err := json.Unmarshal(raw, &args); err != nil {
					return err
				}
				got.Store(args.ID)
				return nil
			},
		})).To(Succeed())

		// A crashed worker left a claim behind: registered, no heartbeat.
		data, err := json.Marshal(&taskqueue.Message{
			ID:         "orphan-1",
			Actor:      "orphaned",
			Args:       json.RawMessage(`{"id": 21}`),
			EnqueuedAt: time.Now().UTC(),
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(rdb.SAdd(ctx, "testq:workers", "dead-worker").Err()).To(Succeed())
		Expect(rdb.LPush(ctx, "testq:processing:dead-worker", data).Err()).To(Succeed())

		startWorker()

		Eventually(got.Load).WithTimeout(5 * time.Second).Should(Equal(int64(21)))
		Eventually(func() (bool, error) {
			return rdb.SIsMember(ctx, "testq:workers", "dead-worker").Result()
		}).WithTimeout(5 * time.Second).Should(BeFalse())
	})
})
