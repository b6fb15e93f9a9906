// SPDX-FileCopyrightText: 2025 the Malbuch contributors
//
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/malbuch/malbuch/pkg/apis/core"
)

const lineItemColumns = `id, order_id, shopify_line_item_id, position, title, quantity, dedication, layout_tag, created_at, updated_at`

func scanLineItem(row pgx.Row) (*core.LineItem, error) {
	li := &core.LineItem{}
	err := row.Scan(&li.ID, &li.OrderID, &li.ShopifyLineItemID, &li.Position, &li.Title,
		&li.Quantity, &li.Dedication, &li.LayoutTag, &li.CreatedAt, &li.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning line item: %w", err)
	}
	return li, nil
}

func getLineItemByShopifyID(ctx context.Context, q querier, shopifyLineItemID int64) (*core.LineItem, error) {
	return scanLineItem(q.QueryRow(ctx, `SELECT `+lineItemColumns+` FROM line_items WHERE shopify_line_item_id = $1`, shopifyLineItemID))
}

// GetLineItem reads one line item.
func (s *Store) GetLineItem(ctx context.Context, id int64) (*core.LineItem, error) {
	return scanLineItem(s.pool.QueryRow(ctx, `SELECT `+lineItemColumns+` FROM line_items WHERE id = $1`, id))
}

// ListLineItems reads the line items of one order in position order.
func (s *Store) ListLineItems(ctx context.Context, orderID int64) ([]*core.LineItem, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+lineItemColumns+` FROM line_items WHERE order_id = $1 ORDER BY position`, orderID)
	if err != nil {
		return nil, fmt.Errorf("listing line items of order %d: %w", orderID, err)
	}
	defer rows.Close()

	var items []*core.LineItem
	for rows.Next() {
		li, err := scanLineItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, li)
	}
	return items, rows.Err()
}

// GetLineItemByShopifyID reads one line item by its upstream ID, within the
// transaction.
func (t *Tx) GetLineItemByShopifyID(ctx context.Context, shopifyLineItemID int64) (*core.LineItem, error) {
	return getLineItemByShopifyID(ctx, t.tx, shopifyLineItemID)
}

// LineItemData is the upstream line-item state written by ingest.
type LineItemData struct {
	OrderID           int64
	ShopifyLineItemID int64
	Title             string
	Quantity          int
	Dedication        string
	LayoutTag         string
}

// CreateLineItem inserts a line item at the next free position of its order.
func (t *Tx) CreateLineItem(ctx context.Context, data LineItemData) (*core.LineItem, error) {
	var item *core.LineItem
	_, err := nextInSequence(ctx, t,
		`SELECT COALESCE(MAX(position), 0) FROM line_items WHERE order_id = $1`,
		data.OrderID, constraintLineItemPosition,
		func(ctx context.Context, tx pgx.Tx, n int) error {
			row := tx.QueryRow(ctx, `
				INSERT INTO line_items (order_id, shopify_line_item_id, position, title, quantity, dedication, layout_tag)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				RETURNING `+lineItemColumns,
				data.OrderID, data.ShopifyLineItemID, n, data.Title, data.Quantity, data.Dedication, data.LayoutTag)
			var err error
			item, err = scanLineItem(row)
			return err
		})
	if err != nil {
		return nil, err
	}
	return item, nil
}

const imageColumns = `id, line_item_id, position, source_url, file_ref, uploaded_at, selected_coloring_id, selected_svg_id, created_at, updated_at`

func scanImage(row pgx.Row) (*core.Image, error) {
	img := &core.Image{}
	err := row.Scan(&img.ID, &img.LineItemID, &img.Position, &img.SourceURL, &img.FileRef,
		&img.UploadedAt, &img.SelectedColoringID, &img.SelectedSvgID, &img.CreatedAt, &img.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning image: %w", err)
	}
	return img, nil
}

func getImage(ctx context.Context, q querier, id int64) (*core.Image, error) {
	return scanImage(q.QueryRow(ctx, `SELECT `+imageColumns+` FROM images WHERE id = $1`, id))
}

func listImages(ctx context.Context, q querier, query string, args ...any) ([]*core.Image, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing images: %w", err)
	}
	defer rows.Close()

	var imgs []*core.Image
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, err
		}
		imgs = append(imgs, img)
	}
	return imgs, rows.Err()
}

// GetImage reads one image.
func (s *Store) GetImage(ctx context.Context, id int64) (*core.Image, error) {
	return getImage(ctx, s.pool, id)
}

// ImageOrderID resolves the order owning an image.
func (s *Store) ImageOrderID(ctx context.Context, imageID int64) (int64, error) {
	var orderID int64
	err := s.pool.QueryRow(ctx, `
		SELECT li.order_id FROM images i
		JOIN line_items li ON li.id = i.line_item_id
		WHERE i.id = $1`, imageID).Scan(&orderID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("resolving order of image %d: %w", imageID, err)
	}
	return orderID, nil
}

// ListImagesForOrder reads all images of an order, ordered by line-item
// position, then image position.
func (s *Store) ListImagesForOrder(ctx context.Context, orderID int64) ([]*core.Image, error) {
	return listImages(ctx, s.pool, `
		SELECT `+prefixedImageColumns("i")+` FROM images i
		JOIN line_items li ON li.id = i.line_item_id
		WHERE li.order_id = $1
		ORDER BY li.position, i.position`, orderID)
}

// ListPendingDownloads reads the images of an order whose original has not
// been stored yet.
func (s *Store) ListPendingDownloads(ctx context.Context, orderID int64) ([]*core.Image, error) {
	return listImages(ctx, s.pool, `
		SELECT `+prefixedImageColumns("i")+` FROM images i
		JOIN line_items li ON li.id = i.line_item_id
		WHERE li.order_id = $1 AND i.file_ref IS NULL
		ORDER BY li.position, i.position`, orderID)
}

// ListDownloadedImages reads the images of an order whose original is stored
// and which are therefore eligible for generation.
func (s *Store) ListDownloadedImages(ctx context.Context, orderID int64) ([]*core.Image, error) {
	return listImages(ctx, s.pool, `
		SELECT `+prefixedImageColumns("i")+` FROM images i
		JOIN line_items li ON li.id = i.line_item_id
		WHERE li.order_id = $1 AND i.file_ref IS NOT NULL
		ORDER BY li.position, i.position`, orderID)
}

func prefixedImageColumns(alias string) string {
	return alias + `.id, ` + alias + `.line_item_id, ` + alias + `.position, ` + alias + `.source_url, ` +
		alias + `.file_ref, ` + alias + `.uploaded_at, ` + alias + `.selected_coloring_id, ` +
		alias + `.selected_svg_id, ` + alias + `.created_at, ` + alias + `.updated_at`
}

// ImageData is one image slot parsed from an upstream line item.
type ImageData struct {
	LineItemID int64
	Position   int
	SourceURL  string
}

// UpsertImage creates the image slot or refreshes its source URL. Ingest
// serializes on the order lock, so (line_item_id, position) races cannot
// occur. The returned bool reports creation.
func (t *Tx) UpsertImage(ctx context.Context, data ImageData) (*core.Image, bool, error) {
	existing, err := scanImage(t.tx.QueryRow(ctx,
		`SELECT `+imageColumns+` FROM images WHERE line_item_id = $1 AND position = $2`,
		data.LineItemID, data.Position))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}
	if err == nil {
		if existing.SourceURL != data.SourceURL {
			if _, err := t.tx.Exec(ctx,
				`UPDATE images SET source_url = $1, updated_at = now() WHERE id = $2`,
				data.SourceURL, existing.ID); err != nil {
				return nil, false, fmt.Errorf("updating image %d source URL: %w", existing.ID, err)
			}
		}
		img, err := getImage(ctx, t.tx, existing.ID)
		return img, false, err
	}

	img, err := scanImage(t.tx.QueryRow(ctx, `
		INSERT INTO images (line_item_id, position, source_url)
		VALUES ($1, $2, $3)
		RETURNING `+imageColumns,
		data.LineItemID, data.Position, data.SourceURL))
	if err != nil {
		return nil, false, err
	}
	return img, true, nil
}
