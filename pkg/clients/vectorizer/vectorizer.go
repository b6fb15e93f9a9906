// SPDX-FileCopyrightText: 2025 the Malbuch contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package vectorizer converts raster coloring pages to SVG through the
// vectorization API. The API is synchronous: one multipart POST returns the
// SVG document.
package vectorizer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/go-logr/logr"

	"github.com/malbuch/malbuch/pkg/apis/config"
	"github.com/malbuch/malbuch/pkg/metrics"
)

const (
	maxAttempts    = 3
	initialBackoff = 2 * time.Second
	maxBackoff     = 10 * time.Second
)

// BadRequestError reports a permanent rejection of the input. It must not be
// retried; the task runtime recognizes it as terminal.
type BadRequestError struct {
	Detail string
}

func (e *BadRequestError) Error() string {
	return fmt.Sprintf("vectorizer rejected the input: %s", e.Detail)
}

// Params are the generation options of one vectorization.
type Params struct {
	// ShapeStacking controls whether shapes are stacked or placed side by
	// side, e.g. "cutouts".
	ShapeStacking string
	// GroupBy controls SVG group nesting, e.g. "color".
	GroupBy string
}

// Result is a completed vectorization.
type Result struct {
	// SVG is the vector document.
	SVG []byte
	// Receipt is the API's charge receipt when present; stored as the
	// external job handle for traceability.
	Receipt string
}

// Client calls the vectorization API with basic-auth credentials.
type Client struct {
	log        logr.Logger
	url        string
	apiKey     string
	apiSecret  string
	httpClient *http.Client

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a client from the configuration.
func New(log logr.Logger, cfg config.VectorizerConfig) *Client {
	return NewWithURL(log, cfg.URL, cfg.APIKey, cfg.APISecret)
}

// NewWithURL builds a client against an explicit URL.
func NewWithURL(log logr.Logger, url, apiKey, apiSecret string) *Client {
	return &Client{
		log:        log,
		url:        url,
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		httpClient: &http.Client{Timeout: 120 * time.Second},
		sleep:      sleepContext,
	}
}

// Vectorize converts the raster image. Transient failures are retried with
// exponential backoff; a 400 response returns a BadRequestError immediately.
func (c *Client) Vectorize(ctx context.Context, image []byte, params Params) (*Result, error) {
	var lastErr error

	backoff := initialBackoff
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if err := c.sleep(ctx, backoff); err != nil {
				return nil, err
			}
			backoff = min(backoff*2, maxBackoff)
		}

		result, err := c.post(ctx, image, params)
		if err == nil {
			return result, nil
		}

		var badRequest *BadRequestError
		if errors.As(err, &badRequest) {
			return nil, err
		}

		lastErr = err
		c.log.V(1).Info("Vectorization attempt failed", "attempt", attempt, "reason", err.Error())
	}

	return nil, fmt.Errorf("vectorizing: all %d attempts failed: %w", maxAttempts, lastErr)
}

func (c *Client) post(ctx context.Context, image []byte, params Params) (*Result, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("image", "image.png")
	if err != nil {
		return nil, fmt.Errorf("building multipart body: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return nil, fmt.Errorf("building multipart body: %w", err)
	}
	if params.ShapeStacking != "" {
		if err := writer.WriteField("processing.shapes.stacking", params.ShapeStacking); err != nil {
			return nil, fmt.Errorf("building multipart body: %w", err)
		}
	}
	if params.GroupBy != "" {
		if err := writer.WriteField("output.group_by", params.GroupBy); err != nil {
			return nil, fmt.Errorf("building multipart body: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("building multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, &body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.SetBasicAuth(c.apiKey, c.apiSecret)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.UpstreamRequests.WithLabelValues("vectorizer", "transport_error").Inc()
		return nil, fmt.Errorf("calling vectorizer: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		metrics.UpstreamRequests.WithLabelValues("vectorizer", "ok").Inc()
	case resp.StatusCode == http.StatusBadRequest:
		metrics.UpstreamRequests.WithLabelValues("vectorizer", "bad_request").Inc()
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &BadRequestError{Detail: string(detail)}
	default:
		metrics.UpstreamRequests.WithLabelValues("vectorizer", "error").Inc()
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("calling vectorizer: unexpected status %d: %s", resp.StatusCode, string(detail))
	}

	svg, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading vectorizer response: %w", err)
	}

	return &Result{SVG: svg, Receipt: resp.Header.Get("X-Receipt")}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
