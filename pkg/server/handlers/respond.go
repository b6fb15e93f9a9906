// SPDX-FileCopyrightText: 2025 the Malbuch contributors
//
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/malbuch/malbuch/pkg/apis/core"
	"github.com/malbuch/malbuch/pkg/store"
)

// errorEnvelope is the canonical error body of every non-2xx response.
type errorEnvelope struct {
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps a domain error onto the HTTP taxonomy: missing entities to
// 404, failed state preconditions to 400, races and held locks to 409, an
// unreachable upstream to 503. Anything unmapped is a 500 whose detail never
// leaks internals.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForError(err)

	detail := err.Error()
	if status == http.StatusInternalServerError {
		a.log.Error(err, "Request failed", "method", r.Method, "path", r.URL.Path)
		detail = "internal server error"
	}

	writeJSON(w, status, errorEnvelope{Detail: detail})
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case isValidationError(err):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrLocked), store.IsUnexpectedStatus(err):
		return http.StatusConflict
	case errors.Is(err, core.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func isValidationError(err error) bool {
	for _, validation := range []error{
		core.ErrImageNotDownloaded,
		core.ErrNoColoringAvailable,
		core.ErrVersionNotInErrorState,
		core.ErrVersionOwnership,
		core.ErrVersionNotCompleted,
		core.ErrNoImagesToProcess,
	} {
		if errors.Is(err, validation) {
			return true
		}
	}
	return false
}

func (a *API) writeBadRequest(w http.ResponseWriter, detail string) {
	writeJSON(w, http.StatusBadRequest, errorEnvelope{Detail: detail})
}

// pathID parses a positive integer URL parameter, e.g. {orderID}.
func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// queryInt parses an optional non-negative integer query parameter.
func queryInt(r *http.Request, name string, fallback int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, true
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, false
	}
	return value, true
}
