// SPDX-FileCopyrightText: 2025 the Malbuch contributors
//
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/malbuch/malbuch/pkg/apis/core"
)

type retryResponse struct {
	Status    string `json:"status"`
	VersionID int64  `json:"version_id"`
}

type selectResponse struct {
	Status    string           `json:"status"`
	ImageID   int64            `json:"image_id"`
	Kind      core.VersionKind `json:"kind"`
	VersionID int64            `json:"version_id"`
}

func (a *API) generateColoringForImage(w http.ResponseWriter, r *http.Request) {
	imageID, ok := pathID(r, "imageID")
	if !ok {
		a.writeBadRequest(w, "invalid image ID")
		return
	}

	version, err := a.opts.Pipeline.GenerateColoringForImage(r.Context(), imageID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, version)
}

func (a *API) generateSvgForImage(w http.ResponseWriter, r *http.Request) {
	imageID, ok := pathID(r, "imageID")
	if !ok {
		a.writeBadRequest(w, "invalid image ID")
		return
	}

	version, err := a.opts.Pipeline.GenerateSvgForImage(r.Context(), imageID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, version)
}

func (a *API) selectVersion(w http.ResponseWriter, r *http.Request) {
	imageID, ok := pathID(r, "imageID")
	if !ok {
		a.writeBadRequest(w, "invalid image ID")
		return
	}
	versionID, ok := pathID(r, "versionID")
	if !ok {
		a.writeBadRequest(w, "invalid version ID")
		return
	}

	kind := core.VersionKind(chi.URLParam(r, "kind"))
	if kind != core.VersionKindColoring && kind != core.VersionKindSvg {
		a.writeBadRequest(w, "kind must be one of: coloring, svg")
		return
	}

	if err := a.opts.Pipeline.SelectVersion(r.Context(), imageID, kind, versionID); err != nil {
		a.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, selectResponse{
		Status:    "selected",
		ImageID:   imageID,
		Kind:      kind,
		VersionID: versionID,
	})
}

func (a *API) retryColoringVersion(w http.ResponseWriter, r *http.Request) {
	versionID, ok := pathID(r, "versionID")
	if !ok {
		a.writeBadRequest(w, "invalid version ID")
		return
	}

	if err := a.opts.Pipeline.RetryColoringVersion(r.Context(), versionID); err != nil {
		a.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, retryResponse{Status: "queued", VersionID: versionID})
}

func (a *API) retrySvgVersion(w http.ResponseWriter, r *http.Request) {
	versionID, ok := pathID(r, "versionID")
	if !ok {
		a.writeBadRequest(w, "invalid version ID")
		return
	}

	if err := a.opts.Pipeline.RetrySvgVersion(r.Context(), versionID); err != nil {
		a.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, retryResponse{Status: "queued", VersionID: versionID})
}
