// SPDX-FileCopyrightText: 2025 the Malbuch contributors
//
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/malbuch/malbuch/cmd/utils/initrun"
	"github.com/malbuch/malbuch/pkg/apis/config"
	"github.com/malbuch/malbuch/pkg/clients/fetch"
	"github.com/malbuch/malbuch/pkg/clients/runpod"
	"github.com/malbuch/malbuch/pkg/clients/shopify"
	"github.com/malbuch/malbuch/pkg/clients/vectorizer"
	"github.com/malbuch/malbuch/pkg/events"
	"github.com/malbuch/malbuch/pkg/healthz"
	"github.com/malbuch/malbuch/pkg/metrics"
	"github.com/malbuch/malbuch/pkg/objectstore"
	"github.com/malbuch/malbuch/pkg/pipeline"
	"github.com/malbuch/malbuch/pkg/server"
	"github.com/malbuch/malbuch/pkg/store"
	"github.com/malbuch/malbuch/pkg/taskqueue"
)

// Name is a const for the name of this component.
const Name = "malbuch-worker"

// livenessResetDuration is how long the liveness probe tolerates a silent
// heartbeat loop before reporting unhealthy.
const livenessResetDuration = 30 * time.Second

// NewCommand creates a new cobra.Command for running malbuch-worker.
func NewCommand() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   Name,
		Short: "Launch the " + Name,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log, err := initrun.InitRun(cmd, opts, Name)
			if err != nil {
				return err
			}
			return run(cmd.Context(), log, opts.config)
		},
	}

	opts.addFlags(cmd.Flags())

	return cmd
}

func run(ctx context.Context, log logr.Logger, cfg *config.Config) error {
	log.Info("Connecting to database")
	st, err := store.Connect(ctx, log, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer st.Close()

	log.Info("Connecting to Redis")
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parsing redis URL: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Error(err, "Failed closing redis client")
		}
	}()

	log.Info("Setting up object storage", "backend", cfg.Storage.Backend, "bucket", cfg.Storage.Bucket)
	objects, err := objectstore.New(cfg.Storage)
	if err != nil {
		return err
	}

	publisher, err := events.NewMercure(log, cfg.Mercure)
	if err != nil {
		return err
	}

	fetcher, err := fetch.New(log, fetch.Options{
		Timeout:           cfg.Download.Timeout,
		ProxyURL:          cfg.Download.ProxyURL,
		RequestsPerSecond: cfg.Download.RequestsPerSecond,
	})
	if err != nil {
		return err
	}

	queue := taskqueue.New(log, rdb, cfg.Worker.Queue)

	services := pipeline.New(log, pipeline.Dependencies{
		Store:        st,
		Objects:      objects,
		Queue:        queue,
		Dispatcher:   events.NewDispatcher(log, publisher),
		Shopify:      shopify.New(log, cfg.Shopify),
		Runpod:       runpod.New(log, cfg.Runpod),
		Vectorizer:   vectorizer.New(log, cfg.Vectorizer),
		Fetcher:      fetcher,
		Processing:   cfg.Processing,
		PollInterval: cfg.Runpod.PollInterval,
		PollTimeout:  cfg.Runpod.Timeout,
	})

	log.Info("Registering actors")
	registry := taskqueue.NewRegistry()
	if err := services.RegisterActors(registry); err != nil {
		return err
	}

	recovery := taskqueue.NewRecovery(log, rdb, queue, services.RecoveryBindings()...)
	if err := recovery.RegisterActor(registry); err != nil {
		return err
	}

	liveness := healthz.NewPeriodic(nil, livenessResetDuration)
	worker := taskqueue.NewWorker(log, queue, registry, taskqueue.WorkerOptions{
		Concurrency: cfg.Worker.Concurrency,
		OnHeartbeat: liveness.Ping,
	})

	var fetchCron *cron.Cron
	if cfg.Worker.FetchSchedule != "" {
		fetchCron = cron.New(cron.WithLocation(cfg.Location()))
		if _, err := fetchCron.AddFunc(cfg.Worker.FetchSchedule, func() {
			taskID, err := services.EnqueueFetch(ctx, cfg.Worker.FetchLimit)
			if err != nil {
				log.Error(err, "Failed enqueueing scheduled order fetch")
				return
			}
			log.Info("Enqueued scheduled order fetch", "taskID", taskID, "limit", cfg.Worker.FetchLimit)
		}); err != nil {
			return fmt.Errorf("invalid fetch schedule %q: %w", cfg.Worker.FetchSchedule, err)
		}
	}

	// Sweep tasks that died with a previous process before consuming new
	// ones. The trigger is mutexed, so parallel replicas enqueue one sweep.
	if _, err := recovery.Trigger(ctx); err != nil {
		return fmt.Errorf("triggering boot recovery: %w", err)
	}

	g, gCtx := errgroup.WithContext(ctx)

	log.Info("Starting worker", "concurrency", cfg.Worker.Concurrency, "queue", cfg.Worker.Queue)
	liveness.Start()
	g.Go(func() error {
		defer liveness.Stop()
		return worker.Run(gCtx)
	})

	if cfg.Worker.MetricsPort > 0 {
		health := healthz.NewDefaultManager(0)
		health.Add("postgres", healthz.CheckPinger(st))
		health.Add("redis", healthz.CheckRedis(rdb))
		health.Add(healthz.PeriodicProbeName, liveness.Checker())

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/health", healthz.HandlerFunc(log, health))

		metricsServer := server.New(log, "metrics", net.JoinHostPort(cfg.Server.BindAddress, strconv.Itoa(cfg.Worker.MetricsPort)), mux)
		g.Go(func() error {
			return metricsServer.Start(gCtx)
		})
	}

	if fetchCron != nil {
		g.Go(func() error {
			log.Info("Starting fetch schedule", "schedule", cfg.Worker.FetchSchedule)
			fetchCron.Start()
			<-gCtx.Done()
			<-fetchCron.Stop().Done()
			return nil
		})
	}

	return g.Wait()
}
