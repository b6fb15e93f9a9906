// SPDX-FileCopyrightText: 2025 the Malbuch contributors
//
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/malbuch/malbuch/pkg/apis/core"
	"github.com/malbuch/malbuch/pkg/events"
)

// querier is the query surface shared by the pool and transactions.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const orderColumns = `id, shopify_order_id, order_number, email, customer_name, payment_status, shipping_method, status, created_at, updated_at`

func scanOrder(row pgx.Row) (*core.Order, error) {
	o := &core.Order{}
	err := row.Scan(&o.ID, &o.ShopifyOrderID, &o.OrderNumber, &o.Email, &o.CustomerName,
		&o.PaymentStatus, &o.ShippingMethod, &o.Status, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning order: %w", err)
	}
	return o, nil
}

func getOrder(ctx context.Context, q querier, id int64) (*core.Order, error) {
	return scanOrder(q.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
}

func getOrderByShopifyID(ctx context.Context, q querier, shopifyOrderID int64) (*core.Order, error) {
	return scanOrder(q.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE shopify_order_id = $1`, shopifyOrderID))
}

// GetOrder reads one order.
func (s *Store) GetOrder(ctx context.Context, id int64) (*core.Order, error) {
	return getOrder(ctx, s.pool, id)
}

// GetOrderByShopifyID reads one order by its upstream ID.
func (s *Store) GetOrderByShopifyID(ctx context.Context, shopifyOrderID int64) (*core.Order, error) {
	return getOrderByShopifyID(ctx, s.pool, shopifyOrderID)
}

// GetIncompleteOrders reads every order stuck in an intermediate status.
// Recovery re-dispatches them through ingest.
func (s *Store) GetIncompleteOrders(ctx context.Context) ([]*core.Order, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status = ANY($1)
		ORDER BY id`, statusStrings(core.OrderStatuses.Intermediate()))
	if err != nil {
		return nil, fmt.Errorf("listing incomplete orders: %w", err)
	}
	defer rows.Close()

	var orders []*core.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// OrderData is the upstream order state written by ingest.
type OrderData struct {
	ShopifyOrderID int64
	OrderNumber    string
	Email          string
	CustomerName   string
	PaymentStatus  string
	ShippingMethod string
}

// UpsertOrder creates the order on first sight, in status pending, or
// refreshes its upstream metadata. Creation is tracked as a list change;
// refreshes track only the fields that actually differ. The returned bool
// reports creation. Redelivery of an identical payload writes nothing.
func (t *Tx) UpsertOrder(ctx context.Context, data OrderData) (*core.Order, bool, error) {
	existing, err := getOrderByShopifyID(ctx, t.tx, data.ShopifyOrderID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}
	if err == nil {
		if err := t.refreshOrder(ctx, existing, data); err != nil {
			return nil, false, err
		}
		o, err := getOrder(ctx, t.tx, existing.ID)
		return o, false, err
	}

	row := t.tx.QueryRow(ctx, `
		INSERT INTO orders (shopify_order_id, order_number, email, customer_name, payment_status, shipping_method, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (shopify_order_id) DO NOTHING
		RETURNING `+orderColumns,
		data.ShopifyOrderID, data.OrderNumber, data.Email, data.CustomerName,
		data.PaymentStatus, data.ShippingMethod, string(core.OrderStatusPending))
	o, err := scanOrder(row)
	if errors.Is(err, ErrNotFound) {
		// Lost the insert race against a concurrent delivery.
		o, err := getOrderByShopifyID(ctx, t.tx, data.ShopifyOrderID)
		return o, false, err
	}
	if err != nil {
		return nil, false, err
	}

	t.trackModelChange(events.ModelOrder, o.ID)
	return o, true, nil
}

// refreshOrder writes the upstream metadata fields that differ from the
// stored row.
func (t *Tx) refreshOrder(ctx context.Context, existing *core.Order, data OrderData) error {
	var f fieldSet
	if existing.OrderNumber != data.OrderNumber {
		f.set("order_number", data.OrderNumber)
	}
	if existing.Email != data.Email {
		f.setTracked("email", data.Email, data.Email)
	}
	if existing.CustomerName != data.CustomerName {
		f.setTracked("customer_name", data.CustomerName, data.CustomerName)
	}
	if existing.PaymentStatus != data.PaymentStatus {
		f.setTracked("payment_status", data.PaymentStatus, data.PaymentStatus)
	}
	if existing.ShippingMethod != data.ShippingMethod {
		f.setTracked("shipping_method", data.ShippingMethod, data.ShippingMethod)
	}
	evCtx := events.Context{OrderID: existing.ID}
	return f.applyWith(ctx, t, "orders", events.ModelOrder, existing.ID, true, &evCtx)
}
