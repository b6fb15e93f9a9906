// SPDX-FileCopyrightText: 2025 the Malbuch contributors
//
// SPDX-License-Identifier: Apache-2.0

package handlers_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/malbuch/malbuch/pkg/apis/core"
	"github.com/malbuch/malbuch/pkg/clients/shopify"
	"github.com/malbuch/malbuch/pkg/healthz"
	"github.com/malbuch/malbuch/pkg/server/handlers"
	"github.com/malbuch/malbuch/pkg/store"
)

const webhookSecret = "shhh"

var _ = Describe("API", func() {
	var (
		pipeline *fakePipeline
		reader   *fakeReader
		health   healthz.Manager
		router   http.Handler
	)

	BeforeEach(func() {
		pipeline = &fakePipeline{}
		reader = &fakeReader{}
		health = healthz.NewDefaultManager(time.Second)

		api := handlers.New(logr.Discard(), handlers.Options{
			Reader:        reader,
			Pipeline:      pipeline,
			Health:        health,
			WebhookSecret: webhookSecret,
		})
		router = api.Routes()
	})

	do := func(method, target string, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, target, strings.NewReader(body))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	decode := func(rec *httptest.ResponseRecorder, out any) {
		GinkgoHelper()
		Expect(rec.Header().Get("Content-Type")).To(Equal("application/json"))
		Expect(json.Unmarshal(rec.Body.Bytes(), out)).To(Succeed())
	}

	expectDetail := func(rec *httptest.ResponseRecorder, status int, substr string) {
		GinkgoHelper()
		Expect(rec.Code).To(Equal(status))
		var envelope struct {
			Detail string `json:"detail"`
		}
		decode(rec, &envelope)
		Expect(envelope.Detail).To(ContainSubstring(substr))
	}

	Describe("GET /orders", func() {
		It("should serve one page with the defaults", func() {
			var gotSkip, gotLimit int
			reader.listOrders = func(_ context.Context, skip, limit int) ([]*store.OrderSummary, error) {
				gotSkip, gotLimit = skip, limit
				return []*store.OrderSummary{{ID: 1, OrderNumber: "#1001"}}, nil
			}

			rec := do(http.MethodGet, "/orders", "")

			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(gotSkip).To(Equal(0))
			Expect(gotLimit).To(Equal(50))

			var body struct {
				Orders []map[string]any `json:"orders"`
				Skip   int              `json:"skip"`
				Limit  int              `json:"limit"`
			}
			decode(rec, &body)
			Expect(body.Orders).To(HaveLen(1))
			Expect(body.Orders[0]).To(HaveKeyWithValue("order_number", "#1001"))
		})

		It("should pass skip and limit through", func() {
			var gotSkip, gotLimit int
			reader.listOrders = func(_ context.Context, skip, limit int) ([]*store.OrderSummary, error) {
				gotSkip, gotLimit = skip, limit
				return nil, nil
			}

			rec := do(http.MethodGet, "/orders?skip=20&limit=10", "")

			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(gotSkip).To(Equal(20))
			Expect(gotLimit).To(Equal(10))
		})

		It("should serve an empty list as [] and not null", func() {
			reader.listOrders = func(context.Context, int, int) ([]*store.OrderSummary, error) {
				return nil, nil
			}

			rec := do(http.MethodGet, "/orders", "")

			Expect(rec.Body.String()).To(ContainSubstring(`"orders":[]`))
		})

		It("should cap an oversized limit", func() {
			var gotLimit int
			reader.listOrders = func(_ context.Context, _, limit int) ([]*store.OrderSummary, error) {
				gotLimit = limit
				return nil, nil
			}

			rec := do(http.MethodGet, "/orders?limit=100000", "")

			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(gotLimit).To(Equal(250))
		})

		It("should reject a negative skip", func() {
			rec := do(http.MethodGet, "/orders?skip=-1", "")
			expectDetail(rec, http.StatusBadRequest, "skip")
		})

		It("should reject a non-numeric limit", func() {
			rec := do(http.MethodGet, "/orders?limit=abc", "")
			expectDetail(rec, http.StatusBadRequest, "limit")
		})
	})

	Describe("GET /orders/{id}", func() {
		It("should serve the order detail", func() {
			reader.getOrderDetail = func(_ context.Context, orderID int64) (*store.OrderDetail, error) {
				Expect(orderID).To(Equal(int64(42)))
				detail := &store.OrderDetail{}
				detail.ID = 42
				detail.Status = "ready_for_review"
				detail.LineItems = []*store.LineItemView{}
				return detail, nil
			}

			rec := do(http.MethodGet, "/orders/42", "")

			Expect(rec.Code).To(Equal(http.StatusOK))
			var body map[string]any
			decode(rec, &body)
			Expect(body).To(HaveKeyWithValue("id", float64(42)))
			Expect(body).To(HaveKey("line_items"))
		})

		It("should return 404 for an unknown order", func() {
			reader.getOrderDetail = func(context.Context, int64) (*store.OrderDetail, error) {
				return nil, store.ErrNotFound
			}

			rec := do(http.MethodGet, "/orders/999", "")
			expectDetail(rec, http.StatusNotFound, "not found")
		})

		It("should reject a non-numeric ID", func() {
			rec := do(http.MethodGet, "/orders/abc", "")
			expectDetail(rec, http.StatusBadRequest, "order ID")
		})

		It("should mask internal errors", func() {
			reader.getOrderDetail = func(context.Context, int64) (*store.OrderDetail, error) {
				return nil, errors.New("pq: connection reset at 10.0.0.3:5432")
			}

			rec := do(http.MethodGet, "/orders/42", "")

			expectDetail(rec, http.StatusInternalServerError, "internal server error")
			Expect(rec.Body.String()).NotTo(ContainSubstring("10.0.0.3"))
		})
	})

	Describe("GET /orders/{order_id}/images/{image_id}", func() {
		It("should serve the image detail", func() {
			reader.getImageDetail = func(_ context.Context, orderID, imageID int64) (*store.ImageView, error) {
				Expect(orderID).To(Equal(int64(42)))
				Expect(imageID).To(Equal(int64(7)))
				return &store.ImageView{ID: 7, Position: 1}, nil
			}

			rec := do(http.MethodGet, "/orders/42/images/7", "")

			Expect(rec.Code).To(Equal(http.StatusOK))
			var body map[string]any
			decode(rec, &body)
			Expect(body).To(HaveKeyWithValue("id", float64(7)))
		})

		It("should return 404 when the image belongs to another order", func() {
			reader.getImageDetail = func(context.Context, int64, int64) (*store.ImageView, error) {
				return nil, store.ErrNotFound
			}

			rec := do(http.MethodGet, "/orders/42/images/7", "")
			Expect(rec.Code).To(Equal(http.StatusNotFound))
		})
	})

	Describe("POST /orders/{id}/sync", func() {
		It("should queue the sync", func() {
			pipeline.syncOrder = func(_ context.Context, orderID int64) error {
				Expect(orderID).To(Equal(int64(42)))
				return nil
			}

			rec := do(http.MethodPost, "/orders/42/sync", "")

			Expect(rec.Code).To(Equal(http.StatusAccepted))
			var body map[string]any
			decode(rec, &body)
			Expect(body).To(HaveKeyWithValue("status", "queued"))
			Expect(body).To(HaveKeyWithValue("order_id", float64(42)))
		})

		It("should return 404 for an unknown order", func() {
			pipeline.syncOrder = func(context.Context, int64) error {
				return store.ErrNotFound
			}

			rec := do(http.MethodPost, "/orders/999/sync", "")
			Expect(rec.Code).To(Equal(http.StatusNotFound))
		})
	})

	Describe("POST /orders/fetch-from-shopify", func() {
		It("should enqueue the batch fetch", func() {
			pipeline.enqueueFetch = func(_ context.Context, limit int) (string, error) {
				Expect(limit).To(Equal(25))
				return "task-123", nil
			}

			rec := do(http.MethodPost, "/orders/fetch-from-shopify?limit=25", "")

			Expect(rec.Code).To(Equal(http.StatusAccepted))
			var body map[string]any
			decode(rec, &body)
			Expect(body).To(HaveKeyWithValue("task_id", "task-123"))
		})

		It("should default the limit to the service default", func() {
			pipeline.enqueueFetch = func(_ context.Context, limit int) (string, error) {
				Expect(limit).To(BeZero())
				return "task-123", nil
			}

			rec := do(http.MethodPost, "/orders/fetch-from-shopify", "")
			Expect(rec.Code).To(Equal(http.StatusAccepted))
		})
	})

	Describe("POST generate-coloring", func() {
		It("should create versions for a whole order", func() {
			pipeline.generateColoringAll = func(_ context.Context, orderID int64) ([]*core.ColoringVersion, error) {
				Expect(orderID).To(Equal(int64(42)))
				return []*core.ColoringVersion{{ID: 1, Version: 1}, {ID: 2, Version: 1}}, nil
			}

			rec := do(http.MethodPost, "/orders/42/generate-coloring", "")

			Expect(rec.Code).To(Equal(http.StatusCreated))
			var body struct {
				Versions []map[string]any `json:"versions"`
			}
			decode(rec, &body)
			Expect(body.Versions).To(HaveLen(2))
		})

		It("should create one version for a single image", func() {
			pipeline.generateColoringOne = func(_ context.Context, imageID int64) (*core.ColoringVersion, error) {
				Expect(imageID).To(Equal(int64(7)))
				return &core.ColoringVersion{ID: 5, ImageID: 7, Version: 2, Status: core.ColoringStatusQueued}, nil
			}

			rec := do(http.MethodPost, "/images/7/generate-coloring", "")

			Expect(rec.Code).To(Equal(http.StatusCreated))
			var body map[string]any
			decode(rec, &body)
			Expect(body).To(HaveKeyWithValue("id", float64(5)))
			Expect(body).To(HaveKeyWithValue("status", "queued"))
		})

		It("should map a not-downloaded image to 400", func() {
			pipeline.generateColoringOne = func(context.Context, int64) (*core.ColoringVersion, error) {
				return nil, core.ErrImageNotDownloaded
			}

			rec := do(http.MethodPost, "/images/7/generate-coloring", "")
			expectDetail(rec, http.StatusBadRequest, "downloaded")
		})

		It("should map an order without images to 400", func() {
			pipeline.generateColoringAll = func(context.Context, int64) ([]*core.ColoringVersion, error) {
				return nil, core.ErrNoImagesToProcess
			}

			rec := do(http.MethodPost, "/orders/42/generate-coloring", "")
			expectDetail(rec, http.StatusBadRequest, "no images")
		})
	})

	Describe("POST generate-svg", func() {
		It("should create versions for a whole order", func() {
			pipeline.generateSvgAll = func(_ context.Context, orderID int64) ([]*core.SvgVersion, error) {
				return []*core.SvgVersion{{ID: 9, Version: 1}}, nil
			}

			rec := do(http.MethodPost, "/orders/42/generate-svg", "")
			Expect(rec.Code).To(Equal(http.StatusCreated))
		})

		It("should map a missing coloring to 400", func() {
			pipeline.generateSvgOne = func(context.Context, int64) (*core.SvgVersion, error) {
				return nil, core.ErrNoColoringAvailable
			}

			rec := do(http.MethodPost, "/images/7/generate-svg", "")
			expectDetail(rec, http.StatusBadRequest, "coloring")
		})
	})

	Describe("version retry", func() {
		It("should queue a coloring retry", func() {
			pipeline.retryColoringVersion = func(_ context.Context, versionID int64) error {
				Expect(versionID).To(Equal(int64(5)))
				return nil
			}

			rec := do(http.MethodPost, "/coloring-versions/5/retry", "")

			Expect(rec.Code).To(Equal(http.StatusAccepted))
			var body map[string]any
			decode(rec, &body)
			Expect(body).To(HaveKeyWithValue("version_id", float64(5)))
		})

		It("should queue an SVG retry", func() {
			pipeline.retrySvgVersion = func(_ context.Context, versionID int64) error {
				Expect(versionID).To(Equal(int64(6)))
				return nil
			}

			rec := do(http.MethodPost, "/svg-versions/6/retry", "")
			Expect(rec.Code).To(Equal(http.StatusAccepted))
		})

		It("should map a non-errored version to 400", func() {
			pipeline.retryColoringVersion = func(context.Context, int64) error {
				return core.ErrVersionNotInErrorState
			}

			rec := do(http.MethodPost, "/coloring-versions/5/retry", "")
			expectDetail(rec, http.StatusBadRequest, "error state")
		})

		It("should map a held row lock to 409", func() {
			pipeline.retrySvgVersion = func(context.Context, int64) error {
				return store.ErrLocked
			}

			rec := do(http.MethodPost, "/svg-versions/6/retry", "")
			expectDetail(rec, http.StatusConflict, "locked")
		})
	})

	Describe("PUT select version", func() {
		It("should select a completed coloring version", func() {
			pipeline.selectVersion = func(_ context.Context, imageID int64, kind core.VersionKind, versionID int64) error {
				Expect(imageID).To(Equal(int64(7)))
				Expect(kind).To(Equal(core.VersionKindColoring))
				Expect(versionID).To(Equal(int64(5)))
				return nil
			}

			rec := do(http.MethodPut, "/images/7/versions/coloring/5/select", "")

			Expect(rec.Code).To(Equal(http.StatusOK))
			var body map[string]any
			decode(rec, &body)
			Expect(body).To(HaveKeyWithValue("status", "selected"))
			Expect(body).To(HaveKeyWithValue("kind", "coloring"))
		})

		It("should select an SVG version", func() {
			pipeline.selectVersion = func(_ context.Context, _ int64, kind core.VersionKind, _ int64) error {
				Expect(kind).To(Equal(core.VersionKindSvg))
				return nil
			}

			rec := do(http.MethodPut, "/images/7/versions/svg/5/select", "")
			Expect(rec.Code).To(Equal(http.StatusOK))
		})

		It("should reject an unknown kind", func() {
			rec := do(http.MethodPut, "/images/7/versions/thumbnail/5/select", "")
			expectDetail(rec, http.StatusBadRequest, "kind")
		})

		It("should map foreign ownership to 400", func() {
			pipeline.selectVersion = func(context.Context, int64, core.VersionKind, int64) error {
				return core.ErrVersionOwnership
			}

			rec := do(http.MethodPut, "/images/7/versions/coloring/5/select", "")
			expectDetail(rec, http.StatusBadRequest, "different image")
		})

		It("should map a non-completed version to 400", func() {
			pipeline.selectVersion = func(context.Context, int64, core.VersionKind, int64) error {
				return core.ErrVersionNotCompleted
			}

			rec := do(http.MethodPut, "/images/7/versions/coloring/5/select", "")
			expectDetail(rec, http.StatusBadRequest, "not completed")
		})
	})

	Describe("POST /webhooks/shopify", func() {
		sign := func(body string) string {
			mac := hmac.New(sha256.New, []byte(webhookSecret))
			mac.Write([]byte(body))
			return base64.StdEncoding.EncodeToString(mac.Sum(nil))
		}

		doSigned := func(body, signature string) *httptest.ResponseRecorder {
			req := httptest.NewRequest(http.MethodPost, "/webhooks/shopify", strings.NewReader(body))
			req.Header.Set("X-Shopify-Hmac-Sha256", signature)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			return rec
		}

		It("should register a new order on a valid signature", func() {
			pipeline.registerOrder = func(_ context.Context, upstream *shopify.Order) (*core.Order, bool, error) {
				Expect(upstream.ID).To(Equal(int64(1001)))
				return &core.Order{ID: 1, ShopifyOrderID: 1001}, true, nil
			}

			body := `{"id": 1001, "name": "#1001", "email": "jana@example.com"}`
			rec := doSigned(body, sign(body))

			Expect(rec.Code).To(Equal(http.StatusOK))
			var resp map[string]any
			decode(rec, &resp)
			Expect(resp).To(HaveKeyWithValue("status", "ok"))
			Expect(resp).To(HaveKeyWithValue("order_id", float64(1)))
			Expect(resp).To(HaveKeyWithValue("created", true))
		})

		It("should acknowledge a redelivery without creating", func() {
			pipeline.registerOrder = func(context.Context, *shopify.Order) (*core.Order, bool, error) {
				return &core.Order{ID: 1, ShopifyOrderID: 1001}, false, nil
			}

			body := `{"id": 1001}`
			rec := doSigned(body, sign(body))

			Expect(rec.Code).To(Equal(http.StatusOK))
			var resp map[string]any
			decode(rec, &resp)
			Expect(resp).To(HaveKeyWithValue("created", false))
		})

		It("should reject a bad signature with 401 and not touch the pipeline", func() {
			rec := doSigned(`{"id": 1001}`, "bm90LXRoZS1zaWduYXR1cmU=")
			expectDetail(rec, http.StatusUnauthorized, "signature")
		})

		It("should reject a signature computed over a different body", func() {
			rec := doSigned(`{"id": 1001}`, sign(`{"id": 2002}`))
			Expect(rec.Code).To(Equal(http.StatusUnauthorized))
		})

		It("should reject an unparseable payload", func() {
			body := `{"id": broken`
			rec := doSigned(body, sign(body))
			expectDetail(rec, http.StatusBadRequest, "payload")
		})

		It("should reject a payload without an order ID", func() {
			body := `{"name": "#1001"}`
			rec := doSigned(body, sign(body))
			expectDetail(rec, http.StatusBadRequest, "ID")
		})
	})

	Describe("GET /health", func() {
		It("should report healthy", func() {
			rec := do(http.MethodGet, "/health", "")

			Expect(rec.Code).To(Equal(http.StatusOK))
			var body map[string]any
			decode(rec, &body)
			Expect(body).To(HaveKeyWithValue("status", "healthy"))
		})

		It("should report failing dependencies with 503", func() {
			health.Add("postgres", func(context.Context) error { return errors.New("down") })

			rec := do(http.MethodGet, "/health", "")
			Expect(rec.Code).To(Equal(http.StatusServiceUnavailable))
		})
	})

	Describe("error taxonomy", func() {
		It("should map an unreachable upstream to 503", func() {
			pipeline.enqueueFetch = func(context.Context, int) (string, error) {
				return "", core.ErrUpstreamUnavailable
			}

			rec := do(http.MethodPost, "/orders/fetch-from-shopify", "")
			expectDetail(rec, http.StatusServiceUnavailable, "upstream")
		})

		It("should map a lost status race to 409", func() {
			pipeline.syncOrder = func(context.Context, int64) error {
				return &store.UnexpectedStatusError{Expected: []string{"error"}, Actual: "processing"}
			}

			rec := do(http.MethodPost, "/orders/42/sync", "")
			Expect(rec.Code).To(Equal(http.StatusConflict))
		})
	})
})
