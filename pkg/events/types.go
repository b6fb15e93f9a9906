// SPDX-FileCopyrightText: 2025 the Malbuch contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package events defines the realtime events of the pipeline and their
// dispatch to the SSE hub. Events are derived from tracked field changes at
// commit time; they are best-effort notifications, never part of the
// transaction itself.
package events

import (
	"encoding/json"
	"fmt"

	"github.com/malbuch/malbuch/pkg/apis/core"
)

// Kind is the type discriminator of an event.
type Kind string

const (
	// KindOrderUpdate signals that a single order changed.
	KindOrderUpdate Kind = "order_update"
	// KindListUpdate signals that the order list changed; the UI refetches.
	KindListUpdate Kind = "list_update"
	// KindImageUpdate signals that an image's file or selection changed.
	KindImageUpdate Kind = "image_update"
	// KindImageStatus signals a version status transition.
	KindImageStatus Kind = "image_status"
)

// Event is one realtime notification. Exactly one event per identity key
// survives a commit; the dispatcher enforces it.
type Event struct {
	Kind Kind

	OrderID   int64
	ImageID   int64
	VersionID int64
	// StatusType distinguishes coloring from svg in image_status events.
	StatusType core.VersionKind
	// Status is the new status value of an image_status event.
	Status string

	// OrderIDs is the aggregate of a list_update; it is dispatch bookkeeping
	// and never serialized.
	OrderIDs []int64
}

// IdentityKey dedups events within one commit: the last write wins.
func (e *Event) IdentityKey() string {
	switch e.Kind {
	case KindOrderUpdate:
		return fmt.Sprintf("order:%d", e.OrderID)
	case KindListUpdate:
		return "list"
	case KindImageUpdate:
		return fmt.Sprintf("image:%d", e.ImageID)
	case KindImageStatus:
		return fmt.Sprintf("img-status:%d:%s", e.VersionID, e.StatusType)
	default:
		return string(e.Kind)
	}
}

// Topics lists the hub topics the event is published on.
func (e *Event) Topics() []string {
	switch e.Kind {
	case KindOrderUpdate, KindImageUpdate:
		return []string{"orders", fmt.Sprintf("orders/%d", e.OrderID)}
	case KindListUpdate:
		return []string{"orders"}
	case KindImageStatus:
		return []string{fmt.Sprintf("orders/%d", e.OrderID)}
	default:
		return []string{"orders"}
	}
}

// Aggregate reports whether the event is a batch aggregate. Within one
// commit, aggregates are dispatched after all field-change events.
func (e *Event) Aggregate() bool {
	return e.Kind == KindListUpdate
}

// payload is the wire form of an event body.
type payload struct {
	Type       Kind   `json:"type"`
	OrderID    int64  `json:"order_id,omitempty"`
	ImageID    int64  `json:"image_id,omitempty"`
	StatusType string `json:"status_type,omitempty"`
	VersionID  int64  `json:"version_id,omitempty"`
	Status     string `json:"status,omitempty"`
}

// Payload renders the JSON body published to the hub.
func (e *Event) Payload() ([]byte, error) {
	body := payload{Type: e.Kind}
	switch e.Kind {
	case KindOrderUpdate:
		body.OrderID = e.OrderID
	case KindImageUpdate:
		body.OrderID = e.OrderID
		body.ImageID = e.ImageID
	case KindImageStatus:
		body.OrderID = e.OrderID
		body.ImageID = e.ImageID
		body.StatusType = string(e.StatusType)
		body.VersionID = e.VersionID
		body.Status = e.Status
	case KindListUpdate:
		// Type discriminator only.
	}
	return json.Marshal(body)
}
