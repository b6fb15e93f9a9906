// SPDX-FileCopyrightText: 2025 the Malbuch contributors
//
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/malbuch/malbuch/pkg/clients/shopify"
)

// maxWebhookBody caps webhook payloads; Shopify order payloads stay far
// below this.
const maxWebhookBody = 5 << 20

type webhookResponse struct {
	Status  string `json:"status"`
	OrderID int64  `json:"order_id"`
	Created bool   `json:"created"`
}

// shopifyWebhook ingests order webhooks. The HMAC-SHA256 signature is
// verified over the raw body before anything is parsed; redeliveries upsert
// idempotently and never create duplicates.
func (a *API) shopifyWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		a.writeBadRequest(w, "reading request body failed")
		return
	}

	signature := r.Header.Get("X-Shopify-Hmac-Sha256")
	if !shopify.VerifyWebhookSignature(a.opts.WebhookSecret, body, signature) {
		a.log.Info("Rejected webhook with invalid signature", "remoteAddr", r.RemoteAddr)
		writeJSON(w, http.StatusUnauthorized, errorEnvelope{Detail: "invalid webhook signature"})
		return
	}

	order := &shopify.Order{}
	if err := json.Unmarshal(body, order); err != nil {
		a.writeBadRequest(w, "invalid order payload")
		return
	}
	if order.ID == 0 {
		a.writeBadRequest(w, "order payload has no ID")
		return
	}

	registered, created, err := a.opts.Pipeline.RegisterOrder(r.Context(), order)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, webhookResponse{Status: "ok", OrderID: registered.ID, Created: created})
}
