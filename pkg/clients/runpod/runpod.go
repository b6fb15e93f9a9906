// SPDX-FileCopyrightText: 2025 the Malbuch contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package runpod submits coloring-page generation jobs to a RunPod
// serverless endpoint and polls their status. The endpoint fronts a
// diffusion model; jobs are asynchronous and addressed by an opaque ID.
package runpod

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/sony/gobreaker"

	"github.com/malbuch/malbuch/pkg/apis/config"
	"github.com/malbuch/malbuch/pkg/metrics"
)

// JobStatusValue is the lifecycle state reported by the endpoint.
type JobStatusValue string

const (
	// JobInQueue means the job waits for a worker slot.
	JobInQueue JobStatusValue = "IN_QUEUE"
	// JobInProgress means a GPU worker executes the job.
	JobInProgress JobStatusValue = "IN_PROGRESS"
	// JobCompleted means output is available.
	JobCompleted JobStatusValue = "COMPLETED"
	// JobFailed means the job failed remotely.
	JobFailed JobStatusValue = "FAILED"
	// JobCancelled means the job was cancelled.
	JobCancelled JobStatusValue = "CANCELLED"
	// JobTimedOut means the endpoint gave up on the job.
	JobTimedOut JobStatusValue = "TIMED_OUT"
)

// InFlight reports whether the job still runs.
func (s JobStatusValue) InFlight() bool {
	return s == JobInQueue || s == JobInProgress
}

// SubmitInput is the payload of a generation job.
type SubmitInput struct {
	// ImageBase64 is the base64-encoded source photo.
	ImageBase64 string `json:"image_base64"`
	// Megapixels scales the working resolution of the model.
	Megapixels float64 `json:"megapixels"`
	// Steps is the number of diffusion steps.
	Steps int `json:"steps"`
}

// JobStatus is one poll result.
type JobStatus struct {
	ID     string         `json:"id"`
	Status JobStatusValue `json:"status"`
	Output *JobOutput     `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// JobOutput carries the generated image of a completed job.
type JobOutput struct {
	ImageBase64 string `json:"image_base64"`
}

// Client talks to one serverless endpoint. All requests run through a
// circuit breaker so that a dead endpoint fails fast instead of tying up
// worker slots in timeouts.
type Client struct {
	log        logr.Logger
	endpoint   string
	apiKey     string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// New builds a client for the configured endpoint.
func New(log logr.Logger, cfg config.RunpodConfig) *Client {
	return NewWithEndpoint(log, cfg.Endpoint, cfg.APIKey)
}

// NewWithEndpoint builds a client against an explicit endpoint URL.
func NewWithEndpoint(log logr.Logger, endpoint, apiKey string) *Client {
	return &Client{
		log:        log,
		endpoint:   endpoint,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "runpod",
			Timeout: 30 * time.Second,
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Info("Circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			},
		}),
	}
}

// Submit enqueues a generation job and returns its ID.
func (c *Client) Submit(ctx context.Context, input SubmitInput) (string, error) {
	body, err := json.Marshal(map[string]any{"input": input})
	if err != nil {
		return "", fmt.Errorf("encoding job input: %w", err)
	}

	var status JobStatus
	if err := c.call(ctx, http.MethodPost, "/run", bytes.NewReader(body), &status); err != nil {
		return "", err
	}
	if status.ID == "" {
		return "", fmt.Errorf("submitting job: endpoint returned no job ID")
	}
	return status.ID, nil
}

// Status polls one job.
func (c *Client) Status(ctx context.Context, jobID string) (*JobStatus, error) {
	status := &JobStatus{}
	if err := c.call(ctx, http.MethodGet, "/status/"+jobID, nil, status); err != nil {
		return nil, err
	}
	return status, nil
}

// Cancel aborts a job. Used when the wall-clock budget is exhausted.
func (c *Client) Cancel(ctx context.Context, jobID string) error {
	return c.call(ctx, http.MethodPost, "/cancel/"+jobID, nil, &JobStatus{})
}

func (c *Client) call(ctx context.Context, method, path string, body io.Reader, out any) error {
	_, err := c.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, body)
		if err != nil {
			return nil, fmt.Errorf("building request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			metrics.UpstreamRequests.WithLabelValues("runpod", "transport_error").Inc()
			return nil, fmt.Errorf("calling %s: %w", path, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			metrics.UpstreamRequests.WithLabelValues("runpod", "error").Inc()
			payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, fmt.Errorf("calling %s: unexpected status %d: %s", path, resp.StatusCode, string(payload))
		}

		metrics.UpstreamRequests.WithLabelValues("runpod", "ok").Inc()
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return nil, fmt.Errorf("decoding response of %s: %w", path, err)
		}
		return nil, nil
	})
	return err
}
