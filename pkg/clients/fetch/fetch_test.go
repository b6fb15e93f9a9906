// SPDX-FileCopyrightText: 2025 the Malbuch contributors
//
// SPDX-License-Identifier: Apache-2.0

package fetch_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/malbuch/malbuch/pkg/clients/fetch"
)

var _ = Describe("Client", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	newClient := func(opts fetch.Options) *fetch.Client {
		client, err := fetch.New(logr.Discard(), opts)
		Expect(err).NotTo(HaveOccurred())
		client.SetSleep(func(context.Context, time.Duration) error { return nil })
		return client
	}

	It("should download a file", func() {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "image/jpeg")
			_, _ = w.Write([]byte("jpeg bytes"))
		}))
		defer server.Close()

		result, err := newClient(fetch.Options{}).Download(ctx, server.URL+"/Fotka-1.jpg")
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Body).To(Equal([]byte("jpeg bytes")))
		Expect(result.ContentType).To(Equal("image/jpeg"))
	})

	It("should send a stable browser identity per host", func() {
		var agents []string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			agents = append(agents, r.Header.Get("User-Agent"))
			Expect(r.Header.Get("Accept-Language")).NotTo(BeEmpty())
			_, _ = w.Write([]byte("ok"))
		}))
		defer server.Close()

		client := newClient(fetch.Options{})
		_, err := client.Download(ctx, server.URL+"/a.jpg")
		Expect(err).NotTo(HaveOccurred())
		_, err = client.Download(ctx, server.URL+"/b.jpg")
		Expect(err).NotTo(HaveOccurred())

		Expect(agents).To(HaveLen(2))
		Expect(agents[0]).To(Equal(agents[1]))
		Expect(fetch.UserAgents).To(ContainElement(agents[0]))
	})

	It("should retry blocking statuses and give up after three attempts", func() {
		var requests atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requests.Add(1)
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer server.Close()

		_, err := newClient(fetch.Options{}).Download(ctx, server.URL+"/x.jpg")

		var statusErr *fetch.StatusError
		Expect(errors.As(err, &statusErr)).To(BeTrue(), "expected a StatusError, got %v", err)
		Expect(statusErr.Code).To(Equal(http.StatusTooManyRequests))
		Expect(requests.Load()).To(Equal(int32(3)))
	})

	It("should fail immediately on a plain not-found", func() {
		var requests atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requests.Add(1)
			w.WriteHeader(http.StatusNotFound)
		}))
		defer server.Close()

		_, err := newClient(fetch.Options{}).Download(ctx, server.URL+"/gone.jpg")

		var statusErr *fetch.StatusError
		Expect(errors.As(err, &statusErr)).To(BeTrue(), "expected a StatusError, got %v", err)
		Expect(statusErr.Code).To(Equal(http.StatusNotFound))
		Expect(requests.Load()).To(Equal(int32(1)))
	})

	It("should fall back to the proxy on a blocking status", func() {
		direct := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		}))
		defer direct.Close()

		var proxied atomic.Int32
		proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			proxied.Add(1)
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write([]byte("png via proxy"))
		}))
		defer proxy.Close()

		result, err := newClient(fetch.Options{ProxyURL: proxy.URL}).Download(ctx, direct.URL+"/blocked.png")
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Body).To(Equal([]byte("png via proxy")))
		Expect(proxied.Load()).To(Equal(int32(1)))
	})

	It("should retry transport errors", func() {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		server.Close() // nothing listens anymore

		_, err := newClient(fetch.Options{}).Download(ctx, server.URL+"/x.jpg")
		Expect(err).To(MatchError(ContainSubstring("all 3 attempts failed")))
	})
})

var _ = Describe("PickForHost", func() {
	It("should be deterministic", func() {
		pool := []string{"a", "b", "c"}
		first := fetch.PickForHost("cdn.shopify.com", pool)
		Expect(fetch.PickForHost("cdn.shopify.com", pool)).To(Equal(first))
		Expect(pool).To(ContainElement(first))
	})
})
