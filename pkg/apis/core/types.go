// SPDX-FileCopyrightText: 2025 the Malbuch contributors
//
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"time"
)

// FileRef points at an object in content-addressed storage. It becomes
// non-nil on a version if and only if the version will reach the Completed
// status; observing a non-nil FileRef together with a non-Completed status is
// a self-healing condition handled by the pipeline precondition checks.
type FileRef struct {
	Key              string `json:"key"`
	Bucket           string `json:"bucket"`
	ContentType      string `json:"content_type"`
	Size             int64  `json:"size"`
	ETag             string `json:"etag"`
	SHA256           string `json:"sha256"`
	OriginalFilename string `json:"original_filename,omitempty"`
}

// Order is an upstream e-commerce order owning line items. Orders are
// created by ingest and never deleted.
type Order struct {
	ID int64 `json:"id"`
	// ShopifyOrderID is the unique upstream order ID.
	ShopifyOrderID int64 `json:"shopify_order_id"`
	// OrderNumber is the display number, always stored with a leading '#'.
	OrderNumber    string      `json:"order_number"`
	Email          string      `json:"email"`
	CustomerName   string      `json:"customer_name"`
	PaymentStatus  string      `json:"payment_status"`
	ShippingMethod string      `json:"shipping_method"`
	Status         OrderStatus `json:"status"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// LineItem is one purchasable position of an order owning images.
type LineItem struct {
	ID      int64 `json:"id"`
	OrderID int64 `json:"order_id"`
	// ShopifyLineItemID is the unique upstream line item ID.
	ShopifyLineItemID int64 `json:"shopify_line_item_id"`
	// Position is 1-based and unique per order.
	Position   int       `json:"position"`
	Title      string    `json:"title"`
	Quantity   int       `json:"quantity"`
	Dedication string    `json:"dedication,omitempty"`
	LayoutTag  string    `json:"layout_tag,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Image is one customer-uploaded photo slot of a line item. Cross-references
// to versions are by ID only, never by pointer; the store owns every row.
type Image struct {
	ID         int64 `json:"id"`
	LineItemID int64 `json:"line_item_id"`
	// Position is 1-based and unique per line item.
	Position int `json:"position"`
	// SourceURL is the original upload location at the e-commerce provider.
	SourceURL  string     `json:"source_url"`
	FileRef    *FileRef   `json:"file_ref,omitempty"`
	UploadedAt *time.Time `json:"uploaded_at,omitempty"`
	// SelectedColoringID references a ColoringVersion belonging to this image.
	SelectedColoringID *int64 `json:"selected_coloring_id,omitempty"`
	// SelectedSvgID references an SvgVersion belonging to this image.
	SelectedSvgID *int64    `json:"selected_svg_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ColoringVersion is a single attempt at generating a coloring-book page for
// one image. Rows are immutable except for their status/file_ref progression;
// retry resets the status of the same row to Queued, every other path creates
// a new version.
type ColoringVersion struct {
	ID      int64 `json:"id"`
	ImageID int64 `json:"image_id"`
	// Version is unique per image and monotonically allocated; gaps are
	// allowed, reuse is forbidden.
	Version int            `json:"version"`
	Status  ColoringStatus `json:"status"`
	FileRef *FileRef       `json:"file_ref,omitempty"`
	// RunpodJobID is the opaque external job handle. Once set it is reused by
	// recovery instead of submitting a second job.
	RunpodJobID string     `json:"runpod_job_id,omitempty"`
	Megapixels  float64    `json:"megapixels"`
	Steps       int        `json:"steps"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// SvgVersion is a single attempt at vectorizing a completed coloring version.
type SvgVersion struct {
	ID      int64 `json:"id"`
	ImageID int64 `json:"image_id"`
	// Version is unique per image and monotonically allocated.
	Version int       `json:"version"`
	Status  SvgStatus `json:"status"`
	FileRef *FileRef  `json:"file_ref,omitempty"`
	// VectorizerJobID is the opaque external job handle.
	VectorizerJobID string `json:"vectorizer_job_id,omitempty"`
	// ColoringVersionID references the coloring version the SVG is built from.
	ColoringVersionID int64      `json:"coloring_version_id"`
	ShapeStacking     string     `json:"shape_stacking,omitempty"`
	GroupBy           string     `json:"group_by,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

// VersionKind discriminates the two derived-artifact kinds of an image.
type VersionKind string

const (
	// VersionKindColoring selects coloring versions.
	VersionKindColoring VersionKind = "coloring"
	// VersionKindSvg selects SVG versions.
	VersionKindSvg VersionKind = "svg"
)

// Downloaded reports whether the image's original photo has been stored.
func (i *Image) Downloaded() bool {
	return i.FileRef != nil
}
