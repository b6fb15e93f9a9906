// SPDX-FileCopyrightText: 2025 the Malbuch contributors
//
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/malbuch/malbuch/pkg/apis/core"
	"github.com/malbuch/malbuch/pkg/clients/vectorizer"
	"github.com/malbuch/malbuch/pkg/taskqueue"
)

// RegisterActors declares this package's task handlers on the registry.
// Time limits leave headroom over the longest expected external wait so the
// handler, not the runtime, decides how a slow job ends.
func (s *Services) RegisterActors(registry *taskqueue.Registry) error {
	actors := []*taskqueue.Actor{
		{
			Name:      ActorIngest,
			TimeLimit: 5 * time.Minute,
			Handler:   decode(s.IngestOrder),
		},
		{
			Name:      ActorDownload,
			TimeLimit: 15 * time.Minute,
			Handler:   decode(s.DownloadPhotos),
		},
		{
			Name:      ActorColoring,
			TimeLimit: s.pollTimeout + 5*time.Minute,
			Throws:    coloringThrows,
			Handler:   decode(s.GenerateColoring),
		},
		{
			Name:      ActorVectorize,
			TimeLimit: 10 * time.Minute,
			Throws:    vectorizeThrows,
			Handler:   decode(s.GenerateSvg),
		},
		{
			Name:       ActorFetchOrders,
			MaxRetries: 1,
			TimeLimit:  5 * time.Minute,
			Handler:    decode(s.FetchOrders),
		},
	}
	for _, actor := range actors {
		if err := registry.Register(actor); err != nil {
			return err
		}
	}
	return nil
}

// coloringThrows marks input errors that no retry can fix.
func coloringThrows(err error) bool {
	return errors.Is(err, core.ErrImageNotDownloaded)
}

// vectorizeThrows marks input errors that no retry can fix. A 400 from the
// vectorizer means the source image is unprocessable, not that the service
// hiccuped.
func vectorizeThrows(err error) bool {
	var badRequest *vectorizer.BadRequestError
	return errors.As(err, &badRequest) || errors.Is(err, core.ErrNoColoringAvailable)
}

// RecoveryBindings connects the stuck-record queries to their actors.
// Recovery dispatches carry only the record ID; the handlers resolve the
// owning order and image themselves.
func (s *Services) RecoveryBindings() []taskqueue.RecoverableBinding {
	return []taskqueue.RecoverableBinding{
		{
			Actor: ActorIngest,
			ListIncomplete: func(ctx context.Context) ([]int64, error) {
				orders, err := s.store.GetIncompleteOrders(ctx)
				if err != nil {
					return nil, err
				}
				ids := make([]int64, 0, len(orders))
				for _, order := range orders {
					ids = append(ids, order.ID)
				}
				return ids, nil
			},
			Args: func(id int64) any {
				return OrderArgs{OrderID: id, IsRecovery: true}
			},
		},
		{
			Actor: ActorColoring,
			ListIncomplete: func(ctx context.Context) ([]int64, error) {
				versions, err := s.store.GetIncompleteColoringVersions(ctx)
				if err != nil {
					return nil, err
				}
				ids := make([]int64, 0, len(versions))
				for _, version := range versions {
					ids = append(ids, version.ID)
				}
				return ids, nil
			},
			Args: func(id int64) any {
				return VersionArgs{VersionID: id, IsRecovery: true}
			},
		},
		{
			Actor: ActorVectorize,
			ListIncomplete: func(ctx context.Context) ([]int64, error) {
				versions, err := s.store.GetIncompleteSvgVersions(ctx)
				if err != nil {
					return nil, err
				}
				ids := make([]int64, 0, len(versions))
				for _, version := range versions {
					ids = append(ids, version.ID)
				}
				return ids, nil
			},
			Args: func(id int64) any {
				return VersionArgs{VersionID: id, IsRecovery: true}
			},
		},
	}
}
