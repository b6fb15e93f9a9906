// SPDX-FileCopyrightText: 2025 the Malbuch contributors
//
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/malbuch/malbuch/pkg/apis/core"
	"github.com/malbuch/malbuch/pkg/clients/shopify"
	"github.com/malbuch/malbuch/pkg/events"
	"github.com/malbuch/malbuch/pkg/flow"
	"github.com/malbuch/malbuch/pkg/store"
)

// Vectorization defaults of new SVG versions.
const (
	defaultShapeStacking = "cutouts"
	defaultGroupBy       = "color"
)

// SyncOrder resets an order to Pending and enqueues a fresh ingest,
// regardless of its current status. This is the user-facing "pull it again"
// operation.
func (s *Services) SyncOrder(ctx context.Context, orderID int64) error {
	group := flow.NewGroup(ctx, s.log, s.groupTimeout)
	defer group.Wait()

	return s.store.RunInSession(ctx, s.sink(group), func(ctx context.Context, sess *store.Session) error {
		sess.SetEventContext(events.Context{OrderID: orderID})
		err := sess.WithOrderLock(ctx, orderID, func(ctx context.Context, lock *store.OrderLock) error {
			return lock.UpdateStatus(ctx, core.OrderStatusPending)
		})
		if err != nil {
			return err
		}
		if _, err := s.queue.Enqueue(ctx, ActorIngest, OrderArgs{OrderID: orderID}); err != nil {
			return fmt.Errorf("enqueuing ingest for order %d: %w", orderID, err)
		}
		s.log.Info("Order sync requested", "orderID", orderID)
		return nil
	})
}

// RegisterOrder upserts one upstream order and enqueues ingest when the row
// is new. Redelivery of the same payload never creates a duplicate; the
// returned bool reports creation.
func (s *Services) RegisterOrder(ctx context.Context, upstream *shopify.Order) (*core.Order, bool, error) {
	group := flow.NewGroup(ctx, s.log, s.groupTimeout)
	defer group.Wait()

	var (
		order   *core.Order
		created bool
	)
	err := s.store.RunInSession(ctx, s.sink(group), func(ctx context.Context, sess *store.Session) error {
		err := sess.InTx(ctx, func(ctx context.Context, tx *store.Tx) error {
			var err error
			order, created, err = tx.UpsertOrder(ctx, orderData(upstream))
			return err
		})
		if err != nil {
			return err
		}
		if !created {
			return nil
		}
		if _, err := s.queue.Enqueue(ctx, ActorIngest, OrderArgs{OrderID: order.ID}); err != nil {
			return fmt.Errorf("enqueuing ingest for order %d: %w", order.ID, err)
		}
		return nil
	})
	return order, created, err
}

// FetchOrders pulls the latest upstream orders, upserts them idempotently
// and enqueues ingest for the new ones. All list updates of the batch
// collapse into a single event at scope exit.
func (s *Services) FetchOrders(ctx context.Context, args FetchArgs) error {
	limit := args.Limit
	if limit <= 0 {
		limit = defaultFetchLimit
	}

	orders, err := s.shopify.ListOrders(ctx, limit)
	if err != nil {
		return fmt.Errorf("listing upstream orders: %w", err)
	}

	group := flow.NewGroup(ctx, s.log, s.groupTimeout)
	defer group.Wait()

	created := 0
	err = s.dispatcher.InBatchScope(ctx, group, func(ctx context.Context) error {
		for i := range orders {
			_, isNew, err := s.RegisterOrder(ctx, &orders[i])
			if err != nil {
				return err
			}
			if isNew {
				created++
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.log.Info("Upstream orders fetched", "count", len(orders), "new", created)
	return nil
}

// EnqueueFetch enqueues a batch fetch of the latest upstream orders.
func (s *Services) EnqueueFetch(ctx context.Context, limit int) (string, error) {
	return s.queue.Enqueue(ctx, ActorFetchOrders, FetchArgs{Limit: limit})
}

// GenerateColoringForImage creates a new coloring version for one downloaded
// image, makes it the image's selection and enqueues its generation task.
func (s *Services) GenerateColoringForImage(ctx context.Context, imageID int64) (*core.ColoringVersion, error) {
	orderID, err := s.store.ImageOrderID(ctx, imageID)
	if err != nil {
		return nil, err
	}

	group := flow.NewGroup(ctx, s.log, s.groupTimeout)
	defer group.Wait()

	var version *core.ColoringVersion
	err = s.store.RunInSession(ctx, s.sink(group), func(ctx context.Context, sess *store.Session) error {
		sess.SetEventContext(events.Context{OrderID: orderID, ImageID: imageID})
		err := sess.WithImageLock(ctx, imageID, func(ctx context.Context, lock *store.ImageLock) error {
			image, err := lock.Record(ctx)
			if err != nil {
				return err
			}
			if !image.Downloaded() {
				return core.ErrImageNotDownloaded
			}
			version, err = lock.Tx().CreateColoringVersion(ctx, store.ColoringVersionData{
				ImageID:    imageID,
				Status:     core.ColoringStatusQueued,
				Megapixels: s.processing.DefaultMegapixels,
				Steps:      s.processing.DefaultSteps,
			})
			return err
		})
		if err != nil {
			return err
		}
		if _, err := s.queue.Enqueue(ctx, ActorColoring, VersionArgs{
			VersionID: version.ID, OrderID: orderID, ImageID: imageID,
		}); err != nil {
			return fmt.Errorf("enqueuing coloring version %d: %w", version.ID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("Coloring version created", "coloringVersionID", version.ID, "imageID", imageID, "version", version.Version)
	return version, nil
}

// GenerateColoringForOrder creates a coloring version for every downloaded
// image of the order. An order without a single downloaded image cannot be
// processed.
func (s *Services) GenerateColoringForOrder(ctx context.Context, orderID int64) ([]*core.ColoringVersion, error) {
	images, err := s.eligibleImages(ctx, orderID)
	if err != nil {
		return nil, err
	}

	versions := make([]*core.ColoringVersion, 0, len(images))
	for _, image := range images {
		version, err := s.GenerateColoringForImage(ctx, image.ID)
		if err != nil {
			return versions, err
		}
		versions = append(versions, version)
	}
	return versions, nil
}

// GenerateSvgForImage creates a new SVG version for one image from its best
// completed coloring, makes it the image's selection and enqueues its task.
func (s *Services) GenerateSvgForImage(ctx context.Context, imageID int64) (*core.SvgVersion, error) {
	orderID, err := s.store.ImageOrderID(ctx, imageID)
	if err != nil {
		return nil, err
	}
	colorings, err := s.store.ListColoringVersions(ctx, imageID)
	if err != nil {
		return nil, err
	}

	group := flow.NewGroup(ctx, s.log, s.groupTimeout)
	defer group.Wait()

	var version *core.SvgVersion
	err = s.store.RunInSession(ctx, s.sink(group), func(ctx context.Context, sess *store.Session) error {
		sess.SetEventContext(events.Context{OrderID: orderID, ImageID: imageID})
		err := sess.WithImageLock(ctx, imageID, func(ctx context.Context, lock *store.ImageLock) error {
			image, err := lock.Record(ctx)
			if err != nil {
				return err
			}
			source, err := core.PickSvgSource(image, colorings)
			if err != nil {
				return err
			}
			version, err = lock.Tx().CreateSvgVersion(ctx, store.SvgVersionData{
				ImageID:           imageID,
				Status:            core.SvgStatusQueued,
				ColoringVersionID: source.ID,
				ShapeStacking:     defaultShapeStacking,
				GroupBy:           defaultGroupBy,
			})
			return err
		})
		if err != nil {
			return err
		}
		if _, err := s.queue.Enqueue(ctx, ActorVectorize, VersionArgs{
			VersionID: version.ID, OrderID: orderID, ImageID: imageID,
		}); err != nil {
			return fmt.Errorf("enqueuing svg version %d: %w", version.ID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("SVG version created", "svgVersionID", version.ID, "imageID", imageID, "version", version.Version)
	return version, nil
}

// GenerateSvgForOrder creates an SVG version for every image of the order
// that has a completed coloring. Images without one are skipped; an order
// yielding none fails.
func (s *Services) GenerateSvgForOrder(ctx context.Context, orderID int64) ([]*core.SvgVersion, error) {
	images, err := s.eligibleImages(ctx, orderID)
	if err != nil {
		return nil, err
	}

	versions := make([]*core.SvgVersion, 0, len(images))
	for _, image := range images {
		version, err := s.GenerateSvgForImage(ctx, image.ID)
		if err != nil {
			if errors.Is(err, core.ErrNoColoringAvailable) {
				continue
			}
			return versions, err
		}
		versions = append(versions, version)
	}
	if len(versions) == 0 {
		return nil, core.ErrNoColoringAvailable
	}
	return versions, nil
}

// eligibleImages returns the order's downloaded images, distinguishing a
// missing order from an order without processable images.
func (s *Services) eligibleImages(ctx context.Context, orderID int64) ([]*core.Image, error) {
	if _, err := s.store.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	images, err := s.store.ListDownloadedImages(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if len(images) == 0 {
		return nil, core.ErrNoImagesToProcess
	}
	return images, nil
}

// RetryColoringVersion resets an errored version to Queued on the same row
// and re-enqueues its task. Only retryable terminal statuses qualify.
func (s *Services) RetryColoringVersion(ctx context.Context, versionID int64) error {
	orderID, imageID, err := s.store.ColoringVersionRefs(ctx, versionID)
	if err != nil {
		return err
	}

	group := flow.NewGroup(ctx, s.log, s.groupTimeout)
	defer group.Wait()

	return s.store.RunInSession(ctx, s.sink(group), func(ctx context.Context, sess *store.Session) error {
		sess.SetEventContext(events.Context{
			OrderID: orderID, ImageID: imageID,
			VersionID: versionID, StatusType: core.VersionKindColoring,
		})
		err := sess.WithColoringVersionLock(ctx, versionID, func(ctx context.Context, lock *store.ColoringVersionLock) error {
			current, err := lock.Record(ctx)
			if err != nil {
				return err
			}
			if !core.ColoringStatuses.Retryable().Has(current.Status) {
				return core.ErrVersionNotInErrorState
			}
			return lock.UpdateStatus(ctx, core.ColoringStatusQueued, store.ColoringVersionFields{})
		})
		if err != nil {
			return err
		}
		if _, err := s.queue.Enqueue(ctx, ActorColoring, VersionArgs{
			VersionID: versionID, OrderID: orderID, ImageID: imageID,
		}); err != nil {
			return fmt.Errorf("enqueuing coloring version %d: %w", versionID, err)
		}
		s.log.Info("Coloring version retry requested", "coloringVersionID", versionID)
		return nil
	})
}

// RetrySvgVersion resets an errored SVG version to Queued on the same row
// and re-enqueues its task.
func (s *Services) RetrySvgVersion(ctx context.Context, versionID int64) error {
	orderID, imageID, err := s.store.SvgVersionRefs(ctx, versionID)
	if err != nil {
		return err
	}

	group := flow.NewGroup(ctx, s.log, s.groupTimeout)
	defer group.Wait()

	return s.store.RunInSession(ctx, s.sink(group), func(ctx context.Context, sess *store.Session) error {
		sess.SetEventContext(events.Context{
			OrderID: orderID, ImageID: imageID,
			VersionID: versionID, StatusType: core.VersionKindSvg,
		})
		err := sess.WithSvgVersionLock(ctx, versionID, func(ctx context.Context, lock *store.SvgVersionLock) error {
			current, err := lock.Record(ctx)
			if err != nil {
				return err
			}
			if !core.SvgStatuses.Retryable().Has(current.Status) {
				return core.ErrVersionNotInErrorState
			}
			return lock.UpdateStatus(ctx, core.SvgStatusQueued, store.SvgVersionFields{})
		})
		if err != nil {
			return err
		}
		if _, err := s.queue.Enqueue(ctx, ActorVectorize, VersionArgs{
			VersionID: versionID, OrderID: orderID, ImageID: imageID,
		}); err != nil {
			return fmt.Errorf("enqueuing svg version %d: %w", versionID, err)
		}
		s.log.Info("SVG version retry requested", "svgVersionID", versionID)
		return nil
	})
}

// SelectVersion makes the given completed version the image's selected one.
// Concurrent selections serialize on the image lock; the last committed
// write wins.
func (s *Services) SelectVersion(ctx context.Context, imageID int64, kind core.VersionKind, versionID int64) error {
	orderID, err := s.store.ImageOrderID(ctx, imageID)
	if err != nil {
		return err
	}

	group := flow.NewGroup(ctx, s.log, s.groupTimeout)
	defer group.Wait()

	return s.store.RunInSession(ctx, s.sink(group), func(ctx context.Context, sess *store.Session) error {
		sess.SetEventContext(events.Context{OrderID: orderID, ImageID: imageID})
		return sess.WithImageLock(ctx, imageID, func(ctx context.Context, lock *store.ImageLock) error {
			return lock.SelectVersion(ctx, kind, versionID)
		})
	})
}

// orderData maps the upstream order payload onto the order row.
func orderData(upstream *shopify.Order) store.OrderData {
	return store.OrderData{
		ShopifyOrderID: upstream.ID,
		OrderNumber:    core.NormalizeOrderNumber(upstream.Name),
		Email:          upstream.Email,
		CustomerName:   upstream.CustomerName(),
		PaymentStatus:  upstream.FinancialStatus,
		ShippingMethod: upstream.ShippingMethod(),
	}
}
