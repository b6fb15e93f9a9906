// SPDX-FileCopyrightText: 2025 the Malbuch contributors
//
// SPDX-License-Identifier: Apache-2.0

package events_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/malbuch/malbuch/pkg/apis/config"
	"github.com/malbuch/malbuch/pkg/events"
)

var _ = Describe("Mercure", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	newPublisher := func(hubURL, secret string) *events.Mercure {
		publisher, err := events.NewMercure(logr.Discard(), config.MercureConfig{URL: hubURL, JWTSecret: secret})
		Expect(err).NotTo(HaveOccurred())
		publisher.SetSleep(func(context.Context, time.Duration) error { return nil })
		return publisher
	}

	It("should post a form-encoded event with a valid publisher token", func() {
		var (
			form  map[string][]string
			token string
		)
		hub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			Expect(r.Method).To(Equal(http.MethodPost))
			Expect(r.Header.Get("Content-Type")).To(Equal("application/x-www-form-urlencoded"))
			token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			Expect(r.ParseForm()).To(Succeed())
			form = r.PostForm
			_, _ = w.Write([]byte("urn:uuid:event-1"))
		}))
		defer hub.Close()

		event := &events.Event{Kind: events.KindOrderUpdate, OrderID: 42}
		Expect(newPublisher(hub.URL, "publisher-secret").Publish(ctx, event)).To(Succeed())

		Expect(form["topic"]).To(Equal([]string{"orders", "orders/42"}))
		Expect(form["data"]).To(HaveLen(1))
		Expect(form["data"][0]).To(MatchJSON(`{"type": "order_update", "order_id": 42}`))

		parsed, err := jwt.ParseSigned(token, []jose.SignatureAlgorithm{jose.HS256})
		Expect(err).NotTo(HaveOccurred())

		var claims struct {
			Mercure struct {
				Publish []string `json:"publish"`
			} `json:"mercure"`
		}
		Expect(parsed.Claims([]byte("publisher-secret"), &claims)).To(Succeed())
		Expect(claims.Mercure.Publish).To(Equal([]string{"*"}))
	})

	It("should retry hub-side failures and succeed", func() {
		var requests atomic.Int32
		hub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if requests.Add(1) < 3 {
				http.Error(w, "try later", http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write([]byte("urn:uuid:event-1"))
		}))
		defer hub.Close()

		event := &events.Event{Kind: events.KindListUpdate}
		Expect(newPublisher(hub.URL, "s").Publish(ctx, event)).To(Succeed())
		Expect(requests.Load()).To(Equal(int32(3)))
	})

	It("should give up after three attempts", func() {
		var requests atomic.Int32
		hub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requests.Add(1)
			http.Error(w, "down", http.StatusBadGateway)
		}))
		defer hub.Close()

		err := newPublisher(hub.URL, "s").Publish(ctx, &events.Event{Kind: events.KindListUpdate})
		Expect(err).To(MatchError(ContainSubstring("all 3 attempts failed")))
		Expect(requests.Load()).To(Equal(int32(3)))
	})

	It("should not retry a rejected token", func() {
		var requests atomic.Int32
		hub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requests.Add(1)
			http.Error(w, "invalid token", http.StatusUnauthorized)
		}))
		defer hub.Close()

		err := newPublisher(hub.URL, "s").Publish(ctx, &events.Event{Kind: events.KindListUpdate})
		Expect(err).To(MatchError(ContainSubstring("status 401")))
		Expect(requests.Load()).To(Equal(int32(1)))
	})
})
