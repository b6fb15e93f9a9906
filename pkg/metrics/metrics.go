// SPDX-FileCopyrightText: 2025 the Malbuch contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package metrics holds the Prometheus collectors of the pipeline. All
// collectors live on the default registry so that both binaries expose them
// via the standard /metrics handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "malbuch"

var (
	// TasksEnqueued counts tasks pushed to the queue, by task name.
	TasksEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tasks",
		Name:      "enqueued_total",
		Help:      "Number of tasks enqueued.",
	}, []string{"task"})

	// TasksCompleted counts finished task executions, by task name and result
	// (succeeded, failed, retried, dead).
	TasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tasks",
		Name:      "completed_total",
		Help:      "Number of task executions by result.",
	}, []string{"task", "result"})

	// TaskDuration observes wall-clock task execution time.
	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "tasks",
		Name:      "duration_seconds",
		Help:      "Task execution duration in seconds.",
		Buckets:   []float64{.1, .5, 1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"task"})

	// QueueDepth tracks the number of pending tasks per queue list.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Number of tasks currently waiting in a queue list.",
	}, []string{"list"})

	// EventsPublished counts realtime events handed to the hub, by kind and
	// result (published, failed, deduplicated).
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "events",
		Name:      "published_total",
		Help:      "Number of realtime events by kind and result.",
	}, []string{"kind", "result"})

	// UpstreamRequests counts calls to external services, by client and outcome.
	UpstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "upstream",
		Name:      "requests_total",
		Help:      "Number of upstream HTTP requests by client and outcome.",
	}, []string{"client", "outcome"})

	// RecoveryRuns counts recovery sweeps and the records they re-enqueued.
	RecoveryRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "recovery",
		Name:      "records_total",
		Help:      "Number of records inspected by recovery sweeps, by actor and action.",
	}, []string{"actor", "action"})

	// HTTPRequests counts API requests by method, route pattern and status.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Number of HTTP requests by method, route pattern and status code.",
	}, []string{"method", "route", "status"})

	// HTTPDuration observes request handling time per route pattern.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request handling duration in seconds.",
		Buckets:   []float64{.005, .01, .05, .1, .5, 1, 5, 15, 60},
	}, []string{"method", "route"})
)

// Result label values for TasksCompleted.
const (
	ResultSucceeded = "succeeded"
	ResultFailed    = "failed"
	ResultRetried   = "retried"
	ResultDead      = "dead"
)

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
