// SPDX-FileCopyrightText: 2025 the Malbuch contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package shopify is a minimal Admin REST API client for the order resource.
package shopify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-logr/logr"

	"github.com/malbuch/malbuch/pkg/apis/config"
	"github.com/malbuch/malbuch/pkg/apis/core"
	"github.com/malbuch/malbuch/pkg/metrics"
)

const apiVersion = "2024-01"

// Client talks to the Admin REST API of a single store.
type Client struct {
	log         logr.Logger
	baseURL     string
	accessToken string
	httpClient  *http.Client
}

// New builds a client for the configured store.
func New(log logr.Logger, cfg config.ShopifyConfig) *Client {
	return &Client{
		log:         log,
		baseURL:     fmt.Sprintf("https://%s.myshopify.com/admin/api/%s", cfg.Store, apiVersion),
		accessToken: cfg.AccessToken,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
	}
}

// NewWithBaseURL builds a client against an explicit endpoint. Tests use it
// to point at a local server.
func NewWithBaseURL(log logr.Logger, baseURL, accessToken string) *Client {
	return &Client{
		log:         log,
		baseURL:     baseURL,
		accessToken: accessToken,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
	}
}

// ListOrders fetches the most recent orders, any status, newest first.
func (c *Client) ListOrders(ctx context.Context, limit int) ([]Order, error) {
	query := url.Values{}
	query.Set("status", "any")
	query.Set("order", "created_at desc")
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	var payload struct {
		Orders []Order `json:"orders"`
	}
	if err := c.get(ctx, "/orders.json?"+query.Encode(), &payload); err != nil {
		return nil, err
	}
	return payload.Orders, nil
}

// GetOrder fetches one order with line items by its upstream ID.
func (c *Client) GetOrder(ctx context.Context, id int64) (*Order, error) {
	var payload struct {
		Order *Order `json:"order"`
	}
	if err := c.get(ctx, fmt.Sprintf("/orders/%d.json", id), &payload); err != nil {
		return nil, err
	}
	if payload.Order == nil {
		return nil, fmt.Errorf("order %d: %w", id, core.ErrUpstreamUnavailable)
	}
	return payload.Order, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("X-Shopify-Access-Token", c.accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.UpstreamRequests.WithLabelValues("shopify", "transport_error").Inc()
		return fmt.Errorf("calling %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		metrics.UpstreamRequests.WithLabelValues("shopify", "ok").Inc()
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		metrics.UpstreamRequests.WithLabelValues("shopify", "rejected").Inc()
		return fmt.Errorf("calling %s: credentials rejected (%d): %w", path, resp.StatusCode, core.ErrUpstreamUnavailable)
	case resp.StatusCode == http.StatusNotFound:
		metrics.UpstreamRequests.WithLabelValues("shopify", "not_found").Inc()
		return fmt.Errorf("calling %s: %w", path, core.ErrUpstreamUnavailable)
	default:
		metrics.UpstreamRequests.WithLabelValues("shopify", "error").Inc()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("calling %s: unexpected status %d: %s", path, resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response of %s: %w", path, err)
	}
	return nil
}

// VerifyWebhookSignature checks the HMAC-SHA256 of a webhook delivery. The
// signature header carries the base64-encoded digest of the raw body.
func VerifyWebhookSignature(secret string, body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
