// SPDX-FileCopyrightText: 2025 the Malbuch contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package pipeline implements the order processing services: ingest, photo
// download, coloring generation and vectorization, plus the operations the
// REST layer exposes on top of them.
//
// All four services share one shape: a short precondition lock that claims
// the record, a sequence of (external work outside any lock, short
// verify-and-update lock) pairs, and a final lock writing the file reference
// together with the terminal status. Lock scopes never contain network I/O.
// A worker losing a status race observes UnexpectedStatus or Locked and
// returns without side effects; the winning worker finishes the record.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/malbuch/malbuch/pkg/apis/config"
	"github.com/malbuch/malbuch/pkg/clients/fetch"
	"github.com/malbuch/malbuch/pkg/clients/runpod"
	"github.com/malbuch/malbuch/pkg/clients/shopify"
	"github.com/malbuch/malbuch/pkg/clients/vectorizer"
	"github.com/malbuch/malbuch/pkg/events"
	"github.com/malbuch/malbuch/pkg/flow"
	"github.com/malbuch/malbuch/pkg/objectstore"
	"github.com/malbuch/malbuch/pkg/store"
	"github.com/malbuch/malbuch/pkg/taskqueue"
	"github.com/malbuch/malbuch/pkg/utils/retry"
)

// Actor names of the pipeline tasks.
const (
	// ActorIngest ingests one order's metadata, line items and image slots.
	ActorIngest = "ingest-order"
	// ActorDownload fetches an order's missing original photos.
	ActorDownload = "download-photos"
	// ActorColoring drives one coloring version through the RunPod machine.
	ActorColoring = "generate-coloring"
	// ActorVectorize drives one SVG version through the vectorizer.
	ActorVectorize = "generate-svg"
	// ActorFetchOrders pulls the latest upstream orders in one batch.
	ActorFetchOrders = "fetch-orders"
)

const (
	defaultPollInterval    = 5 * time.Second
	defaultPollTimeout     = 600 * time.Second
	defaultDownloadWorkers = 4
	defaultFetchLimit      = 10
)

// OrderArgs is the payload of the ingest and download actors.
type OrderArgs struct {
	OrderID int64 `json:"order_id"`
	// IsRecovery relaxes the status precondition to include recoverable
	// states. Set only by the recovery sweep.
	IsRecovery bool `json:"is_recovery,omitempty"`
}

// VersionArgs is the payload of the coloring and vectorize actors. OrderID
// and ImageID ride along as the event context; when absent (recovery
// dispatches carry only the version ID) they are resolved from the database.
type VersionArgs struct {
	VersionID  int64 `json:"version_id"`
	OrderID    int64 `json:"order_id,omitempty"`
	ImageID    int64 `json:"image_id,omitempty"`
	IsRecovery bool  `json:"is_recovery,omitempty"`
}

// FetchArgs is the payload of the batch fetch actor.
type FetchArgs struct {
	Limit int `json:"limit,omitempty"`
}

// Dependencies collects what Services needs. All fields are required unless
// stated otherwise.
type Dependencies struct {
	Store      *store.Store
	Objects    objectstore.Store
	Queue      *taskqueue.Queue
	Dispatcher *events.Dispatcher

	Shopify    *shopify.Client
	Runpod     *runpod.Client
	Vectorizer *vectorizer.Client
	Fetcher    *fetch.Client

	// Processing carries the generation parameter defaults.
	Processing config.ProcessingConfig
	// PollInterval and PollTimeout bound the external job polling loop.
	// Zero values select the defaults (5 s / 600 s).
	PollInterval time.Duration
	PollTimeout  time.Duration
	// DownloadWorkers bounds the parallel photo downloads per order. Zero
	// selects the default (4).
	DownloadWorkers int
	// GroupTimeout bounds the wait for background event publications on
	// service return. Zero selects flow.DefaultGroupTimeout.
	GroupTimeout time.Duration
	// Retry drives the job polling loop. Nil selects the production ops that
	// sleep between attempts; tests inject a fake.
	Retry retry.Ops
}

// Services implements the pipeline. One value is shared by the worker and
// the API server; all methods are safe for concurrent use.
type Services struct {
	log        logr.Logger
	store      *store.Store
	objects    objectstore.Store
	queue      *taskqueue.Queue
	dispatcher *events.Dispatcher

	shopify    *shopify.Client
	runpod     *runpod.Client
	vectorizer *vectorizer.Client
	fetcher    *fetch.Client

	processing      config.ProcessingConfig
	pollInterval    time.Duration
	pollTimeout     time.Duration
	downloadWorkers int
	groupTimeout    time.Duration
	retry           retry.Ops
}

// New wires the pipeline services.
func New(log logr.Logger, deps Dependencies) *Services {
	s := &Services{
		log:             log,
		store:           deps.Store,
		objects:         deps.Objects,
		queue:           deps.Queue,
		dispatcher:      deps.Dispatcher,
		shopify:         deps.Shopify,
		runpod:          deps.Runpod,
		vectorizer:      deps.Vectorizer,
		fetcher:         deps.Fetcher,
		processing:      deps.Processing,
		pollInterval:    deps.PollInterval,
		pollTimeout:     deps.PollTimeout,
		downloadWorkers: deps.DownloadWorkers,
		groupTimeout:    deps.GroupTimeout,
		retry:           deps.Retry,
	}
	if s.pollInterval <= 0 {
		s.pollInterval = defaultPollInterval
	}
	if s.pollTimeout <= 0 {
		s.pollTimeout = defaultPollTimeout
	}
	if s.downloadWorkers <= 0 {
		s.downloadWorkers = defaultDownloadWorkers
	}
	if s.retry == nil {
		s.retry = retry.DefaultOps()
	}
	return s
}

// sink returns the event sink of one service invocation: committed events go
// to the dispatcher, publications run on the given background group.
func (s *Services) sink(group *flow.Group) store.EventSink {
	return func(ctx context.Context, evts []*events.Event) {
		s.dispatcher.Dispatch(ctx, group, evts)
	}
}

// streamSink publishes synchronously. Mid-run progress flushes use it so
// subscribers see transitions in the order they committed; it is only called
// between lock scopes, never inside one.
func (s *Services) streamSink() store.EventSink {
	return func(ctx context.Context, evts []*events.Event) {
		s.dispatcher.Dispatch(ctx, nil, evts)
	}
}

// isRace reports whether err is a lost concurrency race: the record is owned
// by another worker which will finish it.
func isRace(err error) bool {
	return errors.Is(err, store.ErrLocked) || store.IsUnexpectedStatus(err)
}

// decode adapts a typed service method to the queue's raw JSON handler.
func decode[A any](fn func(context.Context, A) error) taskqueue.Handler {
	return func(ctx context.Context, raw json.RawMessage) error {
		var args A
		if err := json.Unmarshal(raw, &args); err != nil {
			return fmt.Errorf("decoding task args: %w", err)
		}
		return fn(ctx, args)
	}
}
