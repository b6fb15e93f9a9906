// SPDX-FileCopyrightText: 2025 the Malbuch contributors
//
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-logr/logr"

	"github.com/malbuch/malbuch/pkg/apis/core"
	"github.com/malbuch/malbuch/pkg/clients/shopify"
	"github.com/malbuch/malbuch/pkg/events"
	"github.com/malbuch/malbuch/pkg/flow"
	"github.com/malbuch/malbuch/pkg/store"
)

// imageSlotPattern recognizes photo slot keys in a line item's
// custom-attribute bag: "Fotka", an optional parenthesised integer, an
// optional dash, then the slot position. Only the trailing integer is used;
// the parenthesised one appears in some storefront themes with unclear
// meaning and is deliberately ignored.
var imageSlotPattern = regexp.MustCompile(`Fotka\s*(?:\(\d+\))?-?(\d+)`)

// ImageSlot is one (position, URL) pair parsed from a line item's
// custom-attribute bag.
type ImageSlot struct {
	Position int
	URL      string
}

// ParseImageSlots extracts the photo upload slots from a line item's
// properties. Values that are not HTTP(S) URLs are ignored; customers leave
// placeholder text in unused slots.
func ParseImageSlots(properties []shopify.Property) []ImageSlot {
	var slots []ImageSlot
	for _, prop := range properties {
		m := imageSlotPattern.FindStringSubmatch(prop.Name)
		if m == nil {
			continue
		}
		position, err := strconv.Atoi(m[1])
		if err != nil || position <= 0 {
			continue
		}
		value := strings.TrimSpace(prop.Value)
		if !strings.HasPrefix(value, "http://") && !strings.HasPrefix(value, "https://") {
			continue
		}
		slots = append(slots, ImageSlot{Position: position, URL: value})
	}
	return slots
}

// IngestOrder drives one order through metadata ingestion: claim it, fetch
// the upstream detail, upsert line items and image slots, then either hand
// off to the download service or finish the order. Re-running ingest for the
// same upstream IDs is a no-op apart from status transitions.
func (s *Services) IngestOrder(ctx context.Context, args OrderArgs) error {
	log := s.log.WithValues("orderID", args.OrderID, "isRecovery", args.IsRecovery)

	group := flow.NewGroup(ctx, s.log, s.groupTimeout)
	defer group.Wait()

	return s.store.RunInSession(ctx, s.sink(group), func(ctx context.Context, sess *store.Session) error {
		sess.SetEventContext(events.Context{OrderID: args.OrderID})

		expected := core.OrderStatuses.Startable().Union(core.OrderStatuses.Retryable())
		if args.IsRecovery {
			expected = expected.Union(core.OrderStatuses.Intermediate())
		}

		var order *core.Order
		err := sess.WithOrderLock(ctx, args.OrderID, func(ctx context.Context, lock *store.OrderLock) error {
			var err error
			if order, err = lock.Record(ctx); err != nil {
				return err
			}
			return lock.VerifyAndUpdateStatus(ctx, expected, core.OrderStatusProcessing)
		})
		if isRace(err) {
			log.V(1).Info("Order claimed by another worker, backing off", "reason", err.Error())
			return nil
		}
		if err != nil {
			return err
		}

		// The upstream fetch happens outside any lock.
		detail, err := s.shopify.GetOrder(ctx, order.ShopifyOrderID)
		if err != nil {
			s.failOrder(ctx, sess, log, args.OrderID)
			return fmt.Errorf("fetching order %s from shopify: %w", order.OrderNumber, err)
		}

		pending := 0
		err = sess.WithOrderLock(ctx, args.OrderID, func(ctx context.Context, lock *store.OrderLock) error {
			if err := lock.Update(ctx, metadataFields(detail)); err != nil {
				return err
			}
			n, err := s.syncLineItems(ctx, lock.Tx(), args.OrderID, detail)
			if err != nil {
				return err
			}
			pending = n
			return nil
		})
		if isRace(err) {
			log.V(1).Info("Lost the order to another worker during sync", "reason", err.Error())
			return nil
		}
		if err != nil {
			s.failOrder(ctx, sess, log, args.OrderID)
			return fmt.Errorf("syncing order %s: %w", order.OrderNumber, err)
		}

		if pending > 0 {
			if _, err := s.queue.Enqueue(ctx, ActorDownload, OrderArgs{OrderID: args.OrderID}); err != nil {
				return fmt.Errorf("enqueuing download for order %d: %w", args.OrderID, err)
			}
			log.Info("Order ingested, downloads enqueued", "orderNumber", order.OrderNumber, "pendingDownloads", pending)
			return nil
		}

		err = sess.WithOrderLock(ctx, args.OrderID, func(ctx context.Context, lock *store.OrderLock) error {
			return lock.VerifyAndUpdateStatus(ctx,
				core.NewStatusSet(core.OrderStatusProcessing), core.OrderStatusReadyForReview)
		})
		if isRace(err) {
			log.V(1).Info("Lost the order to another worker at finish", "reason", err.Error())
			return nil
		}
		if err != nil {
			return err
		}
		log.Info("Order ingested, nothing to download", "orderNumber", order.OrderNumber)
		return nil
	})
}

// metadataFields maps the upstream order detail onto the writable order
// columns. The display number is normalized to its '#'-prefixed form.
func metadataFields(detail *shopify.Order) store.OrderFields {
	number := core.NormalizeOrderNumber(detail.Name)
	email := detail.Email
	name := detail.CustomerName()
	payment := detail.FinancialStatus
	shipping := detail.ShippingMethod()
	return store.OrderFields{
		OrderNumber:    &number,
		Email:          &email,
		CustomerName:   &name,
		PaymentStatus:  &payment,
		ShippingMethod: &shipping,
	}
}

// syncLineItems upserts the order's line items and image slots from the
// upstream detail, inside the order-lock transaction, and reports how many
// images still need downloading.
func (s *Services) syncLineItems(ctx context.Context, t *store.Tx, orderID int64, detail *shopify.Order) (int, error) {
	pending := 0
	for i := range detail.LineItems {
		upstream := &detail.LineItems[i]

		item, err := t.GetLineItemByShopifyID(ctx, upstream.ID)
		if errors.Is(err, store.ErrNotFound) {
			item, err = t.CreateLineItem(ctx, store.LineItemData{
				OrderID:           orderID,
				ShopifyLineItemID: upstream.ID,
				Title:             upstream.Title,
				Quantity:          upstream.Quantity,
			})
		}
		if err != nil {
			return pending, fmt.Errorf("upserting line item %d: %w", upstream.ID, err)
		}

		for _, slot := range ParseImageSlots(upstream.Properties) {
			image, _, err := t.UpsertImage(ctx, store.ImageData{
				LineItemID: item.ID,
				Position:   slot.Position,
				SourceURL:  slot.URL,
			})
			if err != nil {
				return pending, fmt.Errorf("upserting image slot %d of line item %d: %w", slot.Position, item.ID, err)
			}
			if !image.Downloaded() {
				pending++
			}
		}
	}
	return pending, nil
}

// failOrder writes the terminal Error status in a best-effort lock. A race
// here means another worker owns the order and its verdict wins; the write
// survives cancellation of the task context.
func (s *Services) failOrder(ctx context.Context, sess *store.Session, log logr.Logger, orderID int64) {
	ctx = context.WithoutCancel(ctx)
	err := sess.WithOrderLock(ctx, orderID, func(ctx context.Context, lock *store.OrderLock) error {
		order, err := lock.Record(ctx)
		if err != nil {
			return err
		}
		if order.Status.IsFinal() {
			return nil
		}
		return lock.UpdateStatus(ctx, core.OrderStatusError)
	})
	if err != nil && !isRace(err) {
		log.Error(err, "Recording order failure status failed")
	}
}
