// SPDX-FileCopyrightText: 2025 the Malbuch contributors
//
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"net/http"

	"github.com/malbuch/malbuch/pkg/apis/core"
	"github.com/malbuch/malbuch/pkg/store"
)

// List pagination bounds.
const (
	defaultPageLimit = 50
	maxPageLimit     = 250
)

type orderListResponse struct {
	Orders []*store.OrderSummary `json:"orders"`
	Skip   int                   `json:"skip"`
	Limit  int                   `json:"limit"`
}

type queuedResponse struct {
	Status  string `json:"status"`
	OrderID int64  `json:"order_id,omitempty"`
	TaskID  string `json:"task_id,omitempty"`
}

type coloringVersionsResponse struct {
	Versions []*core.ColoringVersion `json:"versions"`
}

type svgVersionsResponse struct {
	Versions []*core.SvgVersion `json:"versions"`
}

func (a *API) listOrders(w http.ResponseWriter, r *http.Request) {
	skip, ok := queryInt(r, "skip", 0)
	if !ok {
		a.writeBadRequest(w, "skip must be a non-negative integer")
		return
	}
	limit, ok := queryInt(r, "limit", defaultPageLimit)
	if !ok {
		a.writeBadRequest(w, "limit must be a non-negative integer")
		return
	}
	if limit == 0 || limit > maxPageLimit {
		limit = maxPageLimit
	}

	orders, err := a.opts.Reader.ListOrders(r.Context(), skip, limit)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if orders == nil {
		orders = []*store.OrderSummary{}
	}

	writeJSON(w, http.StatusOK, orderListResponse{Orders: orders, Skip: skip, Limit: limit})
}

func (a *API) getOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := pathID(r, "orderID")
	if !ok {
		a.writeBadRequest(w, "invalid order ID")
		return
	}

	detail, err := a.opts.Reader.GetOrderDetail(r.Context(), orderID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, detail)
}

func (a *API) getOrderImage(w http.ResponseWriter, r *http.Request) {
	orderID, ok := pathID(r, "orderID")
	if !ok {
		a.writeBadRequest(w, "invalid order ID")
		return
	}
	imageID, ok := pathID(r, "imageID")
	if !ok {
		a.writeBadRequest(w, "invalid image ID")
		return
	}

	image, err := a.opts.Reader.GetImageDetail(r.Context(), orderID, imageID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, image)
}

func (a *API) syncOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := pathID(r, "orderID")
	if !ok {
		a.writeBadRequest(w, "invalid order ID")
		return
	}

	if err := a.opts.Pipeline.SyncOrder(r.Context(), orderID); err != nil {
		a.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, queuedResponse{Status: "queued", OrderID: orderID})
}

func (a *API) fetchFromShopify(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(r, "limit", 0)
	if !ok {
		a.writeBadRequest(w, "limit must be a non-negative integer")
		return
	}

	taskID, err := a.opts.Pipeline.EnqueueFetch(r.Context(), limit)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, queuedResponse{Status: "queued", TaskID: taskID})
}

func (a *API) generateColoringForOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := pathID(r, "orderID")
	if !ok {
		a.writeBadRequest(w, "invalid order ID")
		return
	}

	versions, err := a.opts.Pipeline.GenerateColoringForOrder(r.Context(), orderID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, coloringVersionsResponse{Versions: versions})
}

func (a *API) generateSvgForOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := pathID(r, "orderID")
	if !ok {
		a.writeBadRequest(w, "invalid order ID")
		return
	}

	versions, err := a.opts.Pipeline.GenerateSvgForOrder(r.Context(), orderID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, svgVersionsResponse{Versions: versions})
}
