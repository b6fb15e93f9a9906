// SPDX-FileCopyrightText: 2025 the Malbuch contributors
//
// SPDX-License-Identifier: Apache-2.0

package shopify

import (
	"strings"
	"time"
)

// Order is the slice of the Admin API order resource the pipeline consumes.
// Webhook deliveries carry the same shape as the top-level payload.
type Order struct {
	ID              int64          `json:"id"`
	Name            string         `json:"name"`
	OrderNumber     int64          `json:"order_number"`
	Email           string         `json:"email"`
	FinancialStatus string         `json:"financial_status"`
	Customer        *Customer      `json:"customer,omitempty"`
	ShippingLines   []ShippingLine `json:"shipping_lines,omitempty"`
	LineItems       []LineItem     `json:"line_items,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Customer carries the name fields of the order's customer.
type Customer struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// ShippingLine names a chosen shipping method.
type ShippingLine struct {
	Title string `json:"title"`
}

// LineItem is one purchased product with its custom-attribute bag.
type LineItem struct {
	ID         int64      `json:"id"`
	Title      string     `json:"title"`
	Quantity   int        `json:"quantity"`
	Properties []Property `json:"properties,omitempty"`
}

// Property is one entry of a line item's custom-attribute bag. Customers
// fill these in the shop frontend; the photo slots live here.
type Property struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// CustomerName joins the customer's first and last name.
func (o *Order) CustomerName() string {
	if o.Customer == nil {
		return ""
	}
	return strings.TrimSpace(o.Customer.FirstName + " " + o.Customer.LastName)
}

// ShippingMethod returns the first shipping line's title.
func (o *Order) ShippingMethod() string {
	if len(o.ShippingLines) == 0 {
		return ""
	}
	return o.ShippingLines[0].Title
}

// Property returns the value of the named custom attribute.
func (l *LineItem) Property(name string) (string, bool) {
	for _, p := range l.Properties {
		if p.Name == name {
			return p.Value, true
		}
	}
	return "", false
}
