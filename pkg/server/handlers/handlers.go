// SPDX-FileCopyrightText: 2025 the Malbuch contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package handlers implements the REST API. Handlers validate input, call
// one pipeline service or read-model query, and translate domain errors
// into the canonical {"detail": ...} envelope.
package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-logr/logr"

	"github.com/malbuch/malbuch/pkg/apis/core"
	"github.com/malbuch/malbuch/pkg/clients/shopify"
	"github.com/malbuch/malbuch/pkg/healthz"
	"github.com/malbuch/malbuch/pkg/store"
)

// Pipeline is the slice of the pipeline services the API drives.
type Pipeline interface {
	SyncOrder(ctx context.Context, orderID int64) error
	EnqueueFetch(ctx context.Context, limit int) (string, error)
	RegisterOrder(ctx context.Context, upstream *shopify.Order) (*core.Order, bool, error)
	GenerateColoringForOrder(ctx context.Context, orderID int64) ([]*core.ColoringVersion, error)
	GenerateColoringForImage(ctx context.Context, imageID int64) (*core.ColoringVersion, error)
	GenerateSvgForOrder(ctx context.Context, orderID int64) ([]*core.SvgVersion, error)
	GenerateSvgForImage(ctx context.Context, imageID int64) (*core.SvgVersion, error)
	RetryColoringVersion(ctx context.Context, versionID int64) error
	RetrySvgVersion(ctx context.Context, versionID int64) error
	SelectVersion(ctx context.Context, imageID int64, kind core.VersionKind, versionID int64) error
}

// Reader is the read-model slice the API serves.
type Reader interface {
	ListOrders(ctx context.Context, skip, limit int) ([]*store.OrderSummary, error)
	GetOrderDetail(ctx context.Context, orderID int64) (*store.OrderDetail, error)
	GetImageDetail(ctx context.Context, orderID, imageID int64) (*store.ImageView, error)
}

// Options wires the API's collaborators.
type Options struct {
	Reader   Reader
	Pipeline Pipeline
	Health   healthz.Manager
	// WebhookSecret verifies Shopify webhook deliveries.
	WebhookSecret string
	// CORSOrigins is the allowed-origin list for browser clients.
	CORSOrigins []string
}

// API is the REST handler set.
type API struct {
	log  logr.Logger
	opts Options
}

// New builds the API handler set.
func New(log logr.Logger, opts Options) *API {
	return &API{
		log:  log.WithName("api"),
		opts: opts,
	}
}

// Routes assembles the router with logging, panic recovery and CORS.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogger(a.log))
	if len(a.opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   a.opts.CORSOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
			AllowedHeaders:   []string{"Accept", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/health", healthz.HandlerFunc(a.log, a.opts.Health))

	r.Route("/orders", func(r chi.Router) {
		r.Get("/", a.listOrders)
		r.Post("/fetch-from-shopify", a.fetchFromShopify)
		r.Route("/{orderID}", func(r chi.Router) {
			r.Get("/", a.getOrder)
			r.Post("/sync", a.syncOrder)
			r.Get("/images/{imageID}", a.getOrderImage)
			r.Post("/generate-coloring", a.generateColoringForOrder)
			r.Post("/generate-svg", a.generateSvgForOrder)
		})
	})

	r.Route("/images/{imageID}", func(r chi.Router) {
		r.Post("/generate-coloring", a.generateColoringForImage)
		r.Post("/generate-svg", a.generateSvgForImage)
		r.Put("/versions/{kind}/{versionID}/select", a.selectVersion)
	})

	r.Post("/coloring-versions/{versionID}/retry", a.retryColoringVersion)
	r.Post("/svg-versions/{versionID}/retry", a.retrySvgVersion)

	r.Post("/webhooks/shopify", a.shopifyWebhook)

	return r
}
