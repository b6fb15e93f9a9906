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

	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"
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
	"github.com/malbuch/malbuch/pkg/migrations"
	"github.com/malbuch/malbuch/pkg/objectstore"
	"github.com/malbuch/malbuch/pkg/pipeline"
	"github.com/malbuch/malbuch/pkg/server"
	"github.com/malbuch/malbuch/pkg/server/handlers"
	"github.com/malbuch/malbuch/pkg/store"
	"github.com/malbuch/malbuch/pkg/taskqueue"
)

// Name is a const for the name of this component.
const Name = "malbuch-apiserver"

// NewCommand creates a new cobra.Command for running malbuch-apiserver.
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
	cmd.AddCommand(newMigrateCommand())

	return cmd
}

// newMigrateCommand creates the subcommand that applies pending database
// migrations and exits.
func newMigrateCommand() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log, err := initrun.InitRun(cmd, opts, Name+" migrate")
			if err != nil {
				return err
			}

			log.Info("Applying database migrations")
			if err := migrations.Up(cmd.Context(), opts.config.DatabaseURL); err != nil {
				return err
			}

			return migrations.Status(cmd.Context(), opts.config.DatabaseURL)
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

	readModel, err := store.OpenReadModel(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer func() {
		if err := readModel.Close(); err != nil {
			log.Error(err, "Failed closing read model")
		}
	}()

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

	services := pipeline.New(log, pipeline.Dependencies{
		Store:        st,
		Objects:      objects,
		Queue:        taskqueue.New(log, rdb, cfg.Worker.Queue),
		Dispatcher:   events.NewDispatcher(log, publisher),
		Shopify:      shopify.New(log, cfg.Shopify),
		Runpod:       runpod.New(log, cfg.Runpod),
		Vectorizer:   vectorizer.New(log, cfg.Vectorizer),
		Fetcher:      fetcher,
		Processing:   cfg.Processing,
		PollInterval: cfg.Runpod.PollInterval,
		PollTimeout:  cfg.Runpod.Timeout,
	})

	health := healthz.NewDefaultManager(0)
	health.Add("postgres", healthz.CheckPinger(st))
	health.Add("redis", healthz.CheckRedis(rdb))

	corsOrigins, err := cfg.CORSOriginList()
	if err != nil {
		return err
	}

	api := handlers.New(log, handlers.Options{
		Reader:        readModel,
		Pipeline:      services,
		Health:        health,
		WebhookSecret: cfg.Shopify.WebhookSecret,
		CORSOrigins:   corsOrigins,
	})

	log.Info("Starting servers")
	g, gCtx := errgroup.WithContext(ctx)

	apiServer := server.New(log, "api", net.JoinHostPort(cfg.Server.BindAddress, strconv.Itoa(cfg.Server.Port)), api.Routes())
	g.Go(func() error {
		return apiServer.Start(gCtx)
	})

	if cfg.Server.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsServer := server.New(log, "metrics", net.JoinHostPort(cfg.Server.BindAddress, strconv.Itoa(cfg.Server.MetricsPort)), mux)
		g.Go(func() error {
			return metricsServer.Start(gCtx)
		})
	}

	return g.Wait()
}
