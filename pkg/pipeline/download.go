// SPDX-FileCopyrightText: 2025 the Malbuch contributors
//
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/malbuch/malbuch/pkg/apis/core"
	"github.com/malbuch/malbuch/pkg/events"
	"github.com/malbuch/malbuch/pkg/flow"
	"github.com/malbuch/malbuch/pkg/objectstore"
	"github.com/malbuch/malbuch/pkg/store"
)

// DownloadPhotos fetches the order's missing original photos in parallel,
// stores each under its canonical key and records the file references. After
// all images settle the order moves to ReadyForReview, or to Error when any
// download failed; stored photos are kept either way, so a retry only fetches
// what is still missing.
func (s *Services) DownloadPhotos(ctx context.Context, args OrderArgs) error {
	log := s.log.WithValues("orderID", args.OrderID, "isRecovery", args.IsRecovery)

	group := flow.NewGroup(ctx, s.log, s.groupTimeout)
	defer group.Wait()

	return s.store.RunInSession(ctx, s.sink(group), func(ctx context.Context, sess *store.Session) error {
		sess.SetEventContext(events.Context{OrderID: args.OrderID})

		expected := core.NewStatusSet(core.OrderStatusProcessing).Union(core.OrderStatuses.Retryable())
		if args.IsRecovery {
			expected = expected.Union(core.OrderStatuses.Intermediate())
		}
		err := sess.WithOrderLock(ctx, args.OrderID, func(ctx context.Context, lock *store.OrderLock) error {
			return lock.VerifyAndUpdateStatus(ctx, expected, core.OrderStatusDownloading)
		})
		if isRace(err) {
			log.V(1).Info("Order claimed by another worker, backing off", "reason", err.Error())
			return nil
		}
		if err != nil {
			return err
		}

		images, err := s.store.ListPendingDownloads(ctx, args.OrderID)
		if err != nil {
			return err
		}
		positions, err := s.itemPositions(ctx, args.OrderID)
		if err != nil {
			return err
		}

		tasks := make([]flow.TaskFn, 0, len(images))
		for _, image := range images {
			tasks = append(tasks, s.downloadOne(group, args.OrderID, image, positions[image.LineItemID]))
		}
		downloadErr := flow.ParallelN(s.downloadWorkers, tasks...)(ctx)

		finalStatus := core.OrderStatusReadyForReview
		if downloadErr != nil {
			finalStatus = core.OrderStatusError
		}
		err = sess.WithOrderLock(ctx, args.OrderID, func(ctx context.Context, lock *store.OrderLock) error {
			return lock.VerifyAndUpdateStatus(ctx,
				core.NewStatusSet(core.OrderStatusDownloading), finalStatus)
		})
		if isRace(err) {
			log.V(1).Info("Lost the order to another worker at finish", "reason", err.Error())
			return nil
		}
		if err != nil {
			return err
		}
		if downloadErr != nil {
			return fmt.Errorf("downloading photos of order %d: %w", args.OrderID, downloadErr)
		}
		log.Info("Order photos stored", "count", len(tasks))
		return nil
	})
}

// itemPositions maps the order's line item IDs to their positions, needed to
// build storage keys.
func (s *Services) itemPositions(ctx context.Context, orderID int64) (map[int64]int, error) {
	items, err := s.store.ListLineItems(ctx, orderID)
	if err != nil {
		return nil, err
	}
	positions := make(map[int64]int, len(items))
	for _, item := range items {
		positions[item.ID] = item.Position
	}
	return positions, nil
}

// downloadOne fetches one photo, stores it and records the file reference in
// its own session. Images that gained a file reference in the meantime are
// skipped; the write is guarded by the image lock.
func (s *Services) downloadOne(group *flow.Group, orderID int64, image *core.Image, itemPosition int) flow.TaskFn {
	return func(ctx context.Context) error {
		result, err := s.fetcher.Download(ctx, image.SourceURL)
		if err != nil {
			return fmt.Errorf("downloading image %d: %w", image.ID, err)
		}

		ext := objectstore.GuessExtension(image.SourceURL, result.ContentType)
		key := objectstore.OriginalKey(orderID, itemPosition, image.Position, ext)
		ref, err := s.objects.Put(ctx, key, result.ContentType, bytes.NewReader(result.Body))
		if err != nil {
			return fmt.Errorf("storing image %d: %w", image.ID, err)
		}
		ref.OriginalFilename = objectstore.FilenameFromURL(image.SourceURL)

		return s.store.RunInSession(ctx, s.sink(group), func(ctx context.Context, sess *store.Session) error {
			sess.SetEventContext(events.Context{OrderID: orderID, ImageID: image.ID})
			return sess.WithImageLock(ctx, image.ID, func(ctx context.Context, lock *store.ImageLock) error {
				current, err := lock.Record(ctx)
				if err != nil {
					return err
				}
				if current.Downloaded() {
					return nil
				}
				return lock.SetFile(ctx, ref, time.Now().UTC())
			})
		})
	}
}
