// SPDX-FileCopyrightText: 2025 the Malbuch contributors
//
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"fmt"

	"github.com/malbuch/malbuch/pkg/apis/core"
)

// Model names a tracked entity.
type Model string

const (
	// ModelOrder is the order entity.
	ModelOrder Model = "Order"
	// ModelImage is the image entity.
	ModelImage Model = "Image"
	// ModelColoringVersion is the coloring version entity.
	ModelColoringVersion Model = "ColoringVersion"
	// ModelSvgVersion is the svg version entity.
	ModelSvgVersion Model = "SvgVersion"
)

// ContextKey names one identifier an event payload requires.
type ContextKey string

const (
	// KeyOrderID is the owning order's ID.
	KeyOrderID ContextKey = "order_id"
	// KeyImageID is the affected image's ID.
	KeyImageID ContextKey = "image_id"
	// KeyVersionID is the affected version's ID.
	KeyVersionID ContextKey = "version_id"
	// KeyStatusType distinguishes coloring from svg.
	KeyStatusType ContextKey = "status_type"
)

// Context carries the identifiers events are built from. Pipeline services
// set it on their session before mutating tracked fields.
type Context struct {
	OrderID    int64
	ImageID    int64
	VersionID  int64
	StatusType core.VersionKind
}

func (c Context) has(key ContextKey) bool {
	switch key {
	case KeyOrderID:
		return c.OrderID != 0
	case KeyImageID:
		return c.ImageID != 0
	case KeyVersionID:
		return c.VersionID != 0
	case KeyStatusType:
		return c.StatusType != ""
	default:
		return false
	}
}

// ContextMissingError reports a tracked field change without the event
// context its event requires. It is a programming error in the calling
// service and surfaces before commit.
type ContextMissingError struct {
	Kind Kind
	Key  ContextKey
}

func (e *ContextMissingError) Error() string {
	return fmt.Sprintf("event %s requires context key %s which was not set", e.Kind, e.Key)
}

// Definition declares one event kind: which field changes trigger it, which
// context its payload requires, and what it aggregates.
type Definition struct {
	Kind Kind
	// TriggerFields maps a model to the fields whose change produces the
	// event.
	TriggerFields map[Model][]string
	// RequiredContext lists the context keys the payload needs.
	RequiredContext []ContextKey
	// CollectKinds are event kinds whose occurrences feed this aggregate
	// within a batch scope.
	CollectKinds []Kind
	// TriggerModels produce the event on row insert or delete.
	TriggerModels []Model
}

// registry is immutable after init.
var registry = []*Definition{
	{
		Kind: KindOrderUpdate,
		TriggerFields: map[Model][]string{
			ModelOrder: {"status", "payment_status", "email", "customer_name", "shipping_method"},
		},
		RequiredContext: []ContextKey{KeyOrderID},
	},
	{
		Kind: KindImageUpdate,
		TriggerFields: map[Model][]string{
			ModelImage: {"selected_coloring_id", "selected_svg_id", "file_ref"},
		},
		RequiredContext: []ContextKey{KeyOrderID, KeyImageID},
	},
	{
		Kind: KindImageStatus,
		TriggerFields: map[Model][]string{
			ModelColoringVersion: {"status"},
			ModelSvgVersion:      {"status"},
		},
		RequiredContext: []ContextKey{KeyOrderID, KeyImageID, KeyVersionID, KeyStatusType},
	},
	{
		Kind:          KindListUpdate,
		CollectKinds:  []Kind{KindOrderUpdate},
		TriggerModels: []Model{ModelOrder},
	},
}

// Definitions returns all declared event kinds.
func Definitions() []*Definition {
	return registry
}

// TriggeredBy returns the definitions fired by a change of the given field.
func TriggeredBy(model Model, field string) []*Definition {
	var defs []*Definition
	for _, def := range registry {
		for _, f := range def.TriggerFields[model] {
			if f == field {
				defs = append(defs, def)
				break
			}
		}
	}
	return defs
}

// TriggeredByModel returns the definitions fired by an insert or delete of
// the given model.
func TriggeredByModel(model Model) []*Definition {
	var defs []*Definition
	for _, def := range registry {
		for _, m := range def.TriggerModels {
			if m == model {
				defs = append(defs, def)
				break
			}
		}
	}
	return defs
}

// NewFromChange builds the event of a tracked field change. newValue is the
// written value for status-bearing events. It fails with a
// ContextMissingError when the definition's required context is incomplete.
func NewFromChange(def *Definition, evCtx Context, newValue string) (*Event, error) {
	for _, key := range def.RequiredContext {
		if !evCtx.has(key) {
			return nil, &ContextMissingError{Kind: def.Kind, Key: key}
		}
	}

	event := &Event{Kind: def.Kind}
	switch def.Kind {
	case KindOrderUpdate:
		event.OrderID = evCtx.OrderID
	case KindImageUpdate:
		event.OrderID = evCtx.OrderID
		event.ImageID = evCtx.ImageID
	case KindImageStatus:
		event.OrderID = evCtx.OrderID
		event.ImageID = evCtx.ImageID
		event.VersionID = evCtx.VersionID
		event.StatusType = evCtx.StatusType
		event.Status = newValue
	case KindListUpdate:
		if evCtx.OrderID != 0 {
			event.OrderIDs = []int64{evCtx.OrderID}
		}
	}
	return event, nil
}
