// SPDX-FileCopyrightText: 2025 the Malbuch contributors
//
// SPDX-License-Identifier: Apache-2.0

package shopify_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"net/http/httptest"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/malbuch/malbuch/pkg/apis/core"
	"github.com/malbuch/malbuch/pkg/clients/shopify"
)

const orderJSON = `{
	"id": 42,
	"name": "#1270",
	"order_number": 1270,
	"email": "jana@example.com",
	"financial_status": "paid",
	"customer": {"first_name": "Jana", "last_name": "Nováková"},
	"shipping_lines": [{"title": "Standard"}],
	"line_items": [{
		"id": 7001,
		"title": "Personalized coloring book",
		"quantity": 1,
		"properties": [
			{"name": "Fotka 1", "value": "https://cdn.example.com/x.jpg"},
			{"name": "Věnování", "value": "Pro Elišku"}
		]
	}],
	"created_at": "2025-05-12T09:30:00Z",
	"updated_at": "2025-05-12T09:31:00Z"
}`

var _ = Describe("Client", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	It("should fetch an order with its attribute bag", func() {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			Expect(r.URL.Path).To(Equal("/orders/42.json"))
			Expect(r.Header.Get("X-Shopify-Access-Token")).To(Equal("shpat_test"))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"order": ` + orderJSON + `}`))
		}))
		defer server.Close()

		client := shopify.NewWithBaseURL(logr.Discard(), server.URL, "shpat_test")
		order, err := client.GetOrder(ctx, 42)
		Expect(err).NotTo(HaveOccurred())

		Expect(order.ID).To(Equal(int64(42)))
		Expect(order.Name).To(Equal("#1270"))
		Expect(order.CustomerName()).To(Equal("Jana Nováková"))
		Expect(order.ShippingMethod()).To(Equal("Standard"))
		Expect(order.LineItems).To(HaveLen(1))

		value, ok := order.LineItems[0].Property("Fotka 1")
		Expect(ok).To(BeTrue())
		Expect(value).To(Equal("https://cdn.example.com/x.jpg"))
	})

	It("should list orders", func() {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			Expect(r.URL.Path).To(Equal("/orders.json"))
			Expect(r.URL.Query().Get("status")).To(Equal("any"))
			Expect(r.URL.Query().Get("limit")).To(Equal("5"))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"orders": [` + orderJSON + `]}`))
		}))
		defer server.Close()

		client := shopify.NewWithBaseURL(logr.Discard(), server.URL, "shpat_test")
		orders, err := client.ListOrders(ctx, 5)
		Expect(err).NotTo(HaveOccurred())
		Expect(orders).To(HaveLen(1))
		Expect(orders[0].OrderNumber).To(Equal(int64(1270)))
	})

	It("should map rejected credentials to the unavailable error", func() {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer server.Close()

		client := shopify.NewWithBaseURL(logr.Discard(), server.URL, "wrong")
		_, err := client.GetOrder(ctx, 42)
		Expect(err).To(MatchError(core.ErrUpstreamUnavailable))
	})

	It("should map an empty order payload to the unavailable error", func() {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"order": null}`))
		}))
		defer server.Close()

		client := shopify.NewWithBaseURL(logr.Discard(), server.URL, "shpat_test")
		_, err := client.GetOrder(ctx, 42)
		Expect(err).To(MatchError(core.ErrUpstreamUnavailable))
	})
})

var _ = Describe("VerifyWebhookSignature", func() {
	sign := func(secret string, body []byte) string {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		return base64.StdEncoding.EncodeToString(mac.Sum(nil))
	}

	It("should accept a valid signature", func() {
		body := []byte(`{"id": 42}`)
		Expect(shopify.VerifyWebhookSignature("whsec", body, sign("whsec", body))).To(BeTrue())
	})

	It("should reject a signature over different bytes", func() {
		Expect(shopify.VerifyWebhookSignature("whsec", []byte(`{"id": 43}`), sign("whsec", []byte(`{"id": 42}`)))).To(BeFalse())
	})

	It("should reject a signature with the wrong secret", func() {
		body := []byte(`{"id": 42}`)
		Expect(shopify.VerifyWebhookSignature("whsec", body, sign("other", body))).To(BeFalse())
	})
})
