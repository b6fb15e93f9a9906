// SPDX-FileCopyrightText: 2025 the Malbuch contributors
//
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	// Registers the pgx database/sql driver the read model runs on.
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/malbuch/malbuch/pkg/apis/core"
)

// ReadModel serves the list and detail queries of the HTTP API. Pipeline
// writes never go through it.
type ReadModel struct {
	db *sqlx.DB
}

// OpenReadModel opens a connection pool for the read queries.
func OpenReadModel(databaseURL string) (*ReadModel, error) {
	db, err := sqlx.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("opening read model database: %w", err)
	}
	db.SetMaxOpenConns(8)
	return &ReadModel{db: db}, nil
}

// NewReadModelWithDB wraps an existing handle. Tests use it.
func NewReadModelWithDB(db *sqlx.DB) *ReadModel {
	return &ReadModel{db: db}
}

// Close releases the pool.
func (r *ReadModel) Close() error {
	return r.db.Close()
}

// FileRefColumn scans the JSONB file_ref column and serializes back to the
// plain object.
type FileRefColumn struct {
	*core.FileRef
}

// Scan implements sql.Scanner.
func (f *FileRefColumn) Scan(src any) error {
	if src == nil {
		f.FileRef = nil
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported file_ref column type %T", src)
	}
	ref := &core.FileRef{}
	if err := json.Unmarshal(raw, ref); err != nil {
		return fmt.Errorf("decoding file_ref: %w", err)
	}
	f.FileRef = ref
	return nil
}

// MarshalJSON implements json.Marshaler.
func (f FileRefColumn) MarshalJSON() ([]byte, error) {
	if f.FileRef == nil {
		return []byte("null"), nil
	}
	return json.Marshal(f.FileRef)
}

// OrderSummary is one row of the order list.
type OrderSummary struct {
	ID               int64     `db:"id" json:"id"`
	ShopifyOrderID   int64     `db:"shopify_order_id" json:"shopify_order_id"`
	OrderNumber      string    `db:"order_number" json:"order_number"`
	Email            string    `db:"email" json:"email"`
	CustomerName     string    `db:"customer_name" json:"customer_name"`
	PaymentStatus    string    `db:"payment_status" json:"payment_status"`
	ShippingMethod   string    `db:"shipping_method" json:"shipping_method"`
	Status           string    `db:"status" json:"status"`
	StatusLabel      string    `db:"-" json:"status_label"`
	TotalImages      int       `db:"total_images" json:"total_images"`
	DownloadedImages int       `db:"downloaded_images" json:"downloaded_images"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

// ColoringVersionView is one coloring version in a detail response.
type ColoringVersionView struct {
	ID          int64         `db:"id" json:"id"`
	ImageID     int64         `db:"image_id" json:"image_id"`
	Version     int           `db:"version" json:"version"`
	Status      string        `db:"status" json:"status"`
	StatusLabel string        `db:"-" json:"status_label"`
	FileRef     FileRefColumn `db:"file_ref" json:"file_ref"`
	RunpodJobID string        `db:"runpod_job_id" json:"runpod_job_id,omitempty"`
	Megapixels  float64       `db:"megapixels" json:"megapixels"`
	Steps       int           `db:"steps" json:"steps"`
	CreatedAt   time.Time     `db:"created_at" json:"created_at"`
	StartedAt   *time.Time    `db:"started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time    `db:"completed_at" json:"completed_at,omitempty"`
}

// SvgVersionView is one SVG version in a detail response.
type SvgVersionView struct {
	ID                int64         `db:"id" json:"id"`
	ImageID           int64         `db:"image_id" json:"image_id"`
	Version           int           `db:"version" json:"version"`
	Status            string        `db:"status" json:"status"`
	StatusLabel       string        `db:"-" json:"status_label"`
	FileRef           FileRefColumn `db:"file_ref" json:"file_ref"`
	VectorizerJobID   string        `db:"vectorizer_job_id" json:"vectorizer_job_id,omitempty"`
	ColoringVersionID int64         `db:"coloring_version_id" json:"coloring_version_id"`
	ShapeStacking     string        `db:"shape_stacking" json:"shape_stacking,omitempty"`
	GroupBy           string        `db:"group_by" json:"group_by,omitempty"`
	CreatedAt         time.Time     `db:"created_at" json:"created_at"`
	StartedAt         *time.Time    `db:"started_at" json:"started_at,omitempty"`
	CompletedAt       *time.Time    `db:"completed_at" json:"completed_at,omitempty"`
}

// ImageView is one image with its versions in a detail response.
type ImageView struct {
	ID                 int64                  `db:"id" json:"id"`
	LineItemID         int64                  `db:"line_item_id" json:"line_item_id"`
	Position           int                    `db:"position" json:"position"`
	SourceURL          string                 `db:"source_url" json:"source_url"`
	FileRef            FileRefColumn          `db:"file_ref" json:"file_ref"`
	UploadedAt         *time.Time             `db:"uploaded_at" json:"uploaded_at,omitempty"`
	SelectedColoringID *int64                 `db:"selected_coloring_id" json:"selected_coloring_id,omitempty"`
	SelectedSvgID      *int64                 `db:"selected_svg_id" json:"selected_svg_id,omitempty"`
	Downloaded         bool                   `db:"-" json:"downloaded"`
	ColoringVersions   []*ColoringVersionView `db:"-" json:"coloring_versions"`
	SvgVersions        []*SvgVersionView      `db:"-" json:"svg_versions"`
	CreatedAt          time.Time              `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time              `db:"updated_at" json:"updated_at"`
}

// LineItemView is one line item with its images in a detail response.
type LineItemView struct {
	ID                int64        `db:"id" json:"id"`
	OrderID           int64        `db:"order_id" json:"order_id"`
	ShopifyLineItemID int64        `db:"shopify_line_item_id" json:"shopify_line_item_id"`
	Position          int          `db:"position" json:"position"`
	Title             string       `db:"title" json:"title"`
	Quantity          int          `db:"quantity" json:"quantity"`
	Dedication        string       `db:"dedication" json:"dedication,omitempty"`
	LayoutTag         string       `db:"layout_tag" json:"layout_tag,omitempty"`
	Images            []*ImageView `db:"-" json:"images"`
	CreatedAt         time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time    `db:"updated_at" json:"updated_at"`
}

// OrderDetail is the full order tree.
type OrderDetail struct {
	OrderSummary
	LineItems []*LineItemView `json:"line_items"`
}

const orderSummaryQuery = `
SELECT o.id, o.shopify_order_id, o.order_number, o.email, o.customer_name,
       o.payment_status, o.shipping_method, o.status, o.created_at, o.updated_at,
       COUNT(i.id) AS total_images,
       COUNT(i.file_ref) AS downloaded_images
FROM orders o
LEFT JOIN line_items li ON li.order_id = o.id
LEFT JOIN images i ON i.line_item_id = li.id`

// ListOrders reads one page of the order list, newest first.
func (r *ReadModel) ListOrders(ctx context.Context, skip, limit int) ([]*OrderSummary, error) {
	var summaries []*OrderSummary
	err := r.db.SelectContext(ctx, &summaries,
		orderSummaryQuery+`
GROUP BY o.id
ORDER BY o.created_at DESC, o.id DESC
OFFSET $1 LIMIT $2`, skip, limit)
	if err != nil {
		return nil, fmt.Errorf("listing orders: %w", err)
	}
	for _, s := range summaries {
		s.StatusLabel = core.OrderStatuses.Label(core.OrderStatus(s.Status))
	}
	return summaries, nil
}

// GetOrderDetail reads one order with its full line-item, image and version
// tree.
func (r *ReadModel) GetOrderDetail(ctx context.Context, orderID int64) (*OrderDetail, error) {
	detail := &OrderDetail{}
	err := r.db.GetContext(ctx, &detail.OrderSummary,
		orderSummaryQuery+`
WHERE o.id = $1
GROUP BY o.id`, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading order %d: %w", orderID, err)
	}
	detail.StatusLabel = core.OrderStatuses.Label(core.OrderStatus(detail.Status))

	var lineItems []*LineItemView
	if err := r.db.SelectContext(ctx, &lineItems, `
SELECT id, order_id, shopify_line_item_id, position, title, quantity, dedication, layout_tag, created_at, updated_at
FROM line_items WHERE order_id = $1 ORDER BY position`, orderID); err != nil {
		return nil, fmt.Errorf("reading line items of order %d: %w", orderID, err)
	}

	var images []*ImageView
	if err := r.db.SelectContext(ctx, &images, `
SELECT i.id, i.line_item_id, i.position, i.source_url, i.file_ref, i.uploaded_at,
       i.selected_coloring_id, i.selected_svg_id, i.created_at, i.updated_at
FROM images i
JOIN line_items li ON li.id = i.line_item_id
WHERE li.order_id = $1
ORDER BY li.position, i.position`, orderID); err != nil {
		return nil, fmt.Errorf("reading images of order %d: %w", orderID, err)
	}

	var colorings []*ColoringVersionView
	if err := r.db.SelectContext(ctx, &colorings, `
SELECT cv.id, cv.image_id, cv.version, cv.status, cv.file_ref, cv.runpod_job_id,
       cv.megapixels, cv.steps, cv.created_at, cv.started_at, cv.completed_at
FROM coloring_versions cv
JOIN images i ON i.id = cv.image_id
JOIN line_items li ON li.id = i.line_item_id
WHERE li.order_id = $1
ORDER BY cv.image_id, cv.version`, orderID); err != nil {
		return nil, fmt.Errorf("reading coloring versions of order %d: %w", orderID, err)
	}

	var svgs []*SvgVersionView
	if err := r.db.SelectContext(ctx, &svgs, `
SELECT sv.id, sv.image_id, sv.version, sv.status, sv.file_ref, sv.vectorizer_job_id,
       sv.coloring_version_id, sv.shape_stacking, sv.group_by, sv.created_at, sv.started_at, sv.completed_at
FROM svg_versions sv
JOIN images i ON i.id = sv.image_id
JOIN line_items li ON li.id = i.line_item_id
WHERE li.order_id = $1
ORDER BY sv.image_id, sv.version`, orderID); err != nil {
		return nil, fmt.Errorf("reading svg versions of order %d: %w", orderID, err)
	}

	detail.LineItems = stitchOrderTree(lineItems, images, colorings, svgs)
	return detail, nil
}

// GetImageDetail reads one image with its versions, scoped to the given
// order. A mismatch between image and order is ErrNotFound.
func (r *ReadModel) GetImageDetail(ctx context.Context, orderID, imageID int64) (*ImageView, error) {
	image := &ImageView{}
	err := r.db.GetContext(ctx, image, `
SELECT i.id, i.line_item_id, i.position, i.source_url, i.file_ref, i.uploaded_at,
       i.selected_coloring_id, i.selected_svg_id, i.created_at, i.updated_at
FROM images i
JOIN line_items li ON li.id = i.line_item_id
WHERE i.id = $1 AND li.order_id = $2`, imageID, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading image %d: %w", imageID, err)
	}

	var colorings []*ColoringVersionView
	if err := r.db.SelectContext(ctx, &colorings, `
SELECT id, image_id, version, status, file_ref, runpod_job_id, megapixels, steps, created_at, started_at, completed_at
FROM coloring_versions WHERE image_id = $1 ORDER BY version`, imageID); err != nil {
		return nil, fmt.Errorf("reading coloring versions of image %d: %w", imageID, err)
	}

	var svgs []*SvgVersionView
	if err := r.db.SelectContext(ctx, &svgs, `
SELECT id, image_id, version, status, file_ref, vectorizer_job_id, coloring_version_id, shape_stacking, group_by, created_at, started_at, completed_at
FROM svg_versions WHERE image_id = $1 ORDER BY version`, imageID); err != nil {
		return nil, fmt.Errorf("reading svg versions of image %d: %w", imageID, err)
	}

	decorateImage(image, colorings, svgs)
	return image, nil
}

func stitchOrderTree(lineItems []*LineItemView, images []*ImageView, colorings []*ColoringVersionView, svgs []*SvgVersionView) []*LineItemView {
	coloringsByImage := map[int64][]*ColoringVersionView{}
	for _, cv := range colorings {
		coloringsByImage[cv.ImageID] = append(coloringsByImage[cv.ImageID], cv)
	}
	svgsByImage := map[int64][]*SvgVersionView{}
	for _, sv := range svgs {
		svgsByImage[sv.ImageID] = append(svgsByImage[sv.ImageID], sv)
	}

	imagesByItem := map[int64][]*ImageView{}
	for _, img := range images {
		decorateImage(img, coloringsByImage[img.ID], svgsByImage[img.ID])
		imagesByItem[img.LineItemID] = append(imagesByItem[img.LineItemID], img)
	}

	for _, li := range lineItems {
		li.Images = imagesByItem[li.ID]
		if li.Images == nil {
			li.Images = []*ImageView{}
		}
	}
	return lineItems
}

func decorateImage(img *ImageView, colorings []*ColoringVersionView, svgs []*SvgVersionView) {
	img.Downloaded = img.FileRef.FileRef != nil
	if colorings == nil {
		colorings = []*ColoringVersionView{}
	}
	if svgs == nil {
		svgs = []*SvgVersionView{}
	}
	for _, cv := range colorings {
		cv.StatusLabel = core.ColoringStatuses.Label(core.ColoringStatus(cv.Status))
	}
	for _, sv := range svgs {
		sv.StatusLabel = core.SvgStatuses.Label(core.SvgStatus(sv.Status))
	}
	img.ColoringVersions = colorings
	img.SvgVersions = svgs
}
