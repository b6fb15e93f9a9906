// SPDX-FileCopyrightText: 2025 the Malbuch contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package healthz aggregates named dependency probes behind a single
// health manager and exposes them as an HTTP handler.
package healthz

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

// Checker probes a single dependency. A nil error means healthy.
type Checker func(ctx context.Context) error

// Manager runs registered checkers and reports the aggregate health status.
type Manager interface {
	// Name returns the name of the health manager.
	Name() string
	// Add registers a named checker. Registering the same name twice
	// overwrites the previous checker.
	Add(name string, check Checker)
	// Check runs all registered checkers and returns the failures by
	// checker name. An empty map means healthy.
	Check(ctx context.Context) map[string]error
}

// NewDefaultManager returns a manager that runs each checker with the given
// per-check timeout. A zero timeout defaults to 5 seconds.
func NewDefaultManager(timeout time.Duration) Manager {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &defaultManager{
		timeout:  timeout,
		checkers: map[string]Checker{},
	}
}

// DefaultManagerName is the name of the default health manager.
const DefaultManagerName = "default"

type defaultManager struct {
	mutex    sync.RWMutex
	timeout  time.Duration
	checkers map[string]Checker
}

func (d *defaultManager) Name() string {
	return DefaultManagerName
}

func (d *defaultManager) Add(name string, check Checker) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.checkers[name] = check
}

func (d *defaultManager) Check(ctx context.Context) map[string]error {
	d.mutex.RLock()
	checkers := make(map[string]Checker, len(d.checkers))
	for name, check := range d.checkers {
		checkers[name] = check
	}
	d.mutex.RUnlock()

	failures := map[string]error{}

	for name, check := range checkers {
		checkCtx, cancel := context.WithTimeout(ctx, d.timeout)
		err := check(checkCtx)
		cancel()

		if err != nil {
			failures[name] = err
		}
	}

	return failures
}

type healthResponse struct {
	Status   string            `json:"status"`
	Failures map[string]string `json:"failures,omitempty"`
}

// HandlerFunc returns an HTTP handler that responds with 200 OK and
// {"status":"healthy"} if all checkers pass, otherwise 503 Service
// Unavailable with the failing checkers listed.
func HandlerFunc(log logr.Logger, h Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		failures := h.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")

		if len(failures) == 0 {
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(healthResponse{Status: "healthy"})
			return
		}

		names := make([]string, 0, len(failures))
		details := make(map[string]string, len(failures))
		for name, err := range failures {
			names = append(names, name)
			details[name] = err.Error()
		}
		sort.Strings(names)
		log.Info("Health check failed", "checks", names)

		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(healthResponse{Status: "unhealthy", Failures: details})
	}
}
