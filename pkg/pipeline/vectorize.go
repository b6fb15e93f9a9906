// SPDX-FileCopyrightText: 2025 the Malbuch contributors
//
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/go-logr/logr"

	"github.com/malbuch/malbuch/pkg/apis/core"
	"github.com/malbuch/malbuch/pkg/clients/vectorizer"
	"github.com/malbuch/malbuch/pkg/events"
	"github.com/malbuch/malbuch/pkg/flow"
	"github.com/malbuch/malbuch/pkg/store"
)

// GenerateSvg drives one SVG version through the vectorizer: claim, load the
// parent coloring's stored page, vectorize, store the document and complete
// the version. A 400 from the vectorizer is permanent; the version ends in
// Error and the task runtime never retries it.
func (s *Services) GenerateSvg(ctx context.Context, args VersionArgs) error {
	if args.OrderID == 0 || args.ImageID == 0 {
		orderID, imageID, err := s.store.SvgVersionRefs(ctx, args.VersionID)
		if err != nil {
			return err
		}
		args.OrderID, args.ImageID = orderID, imageID
	}
	log := s.log.WithValues("svgVersionID", args.VersionID,
		"orderID", args.OrderID, "imageID", args.ImageID, "isRecovery", args.IsRecovery)

	group := flow.NewGroup(ctx, s.log, s.groupTimeout)
	defer group.Wait()

	stream := s.streamSink()
	return s.store.RunInSession(ctx, s.sink(group), func(ctx context.Context, sess *store.Session) error {
		sess.SetEventContext(events.Context{
			OrderID:    args.OrderID,
			ImageID:    args.ImageID,
			VersionID:  args.VersionID,
			StatusType: core.VersionKindSvg,
		})

		err := s.generateSvg(ctx, sess, stream, log, args)
		switch {
		case err == nil:
			return nil
		case isRace(err):
			log.V(1).Info("Version owned by another worker, backing off", "reason", err.Error())
			return nil
		default:
			s.failSvg(ctx, sess, log, args.VersionID)
			return err
		}
	})
}

func (s *Services) generateSvg(ctx context.Context, sess *store.Session, stream store.EventSink, log logr.Logger, args VersionArgs) error {
	version, healed, err := s.claimSvg(ctx, sess, args)
	if err != nil {
		return err
	}
	if healed {
		log.Info("Version already has a stored result, healed to completed")
		return nil
	}

	// The source bytes come from the parent coloring version, loaded before
	// any further lock.
	source, err := s.svgSource(ctx, version)
	if err != nil {
		return err
	}

	if err := s.advanceSvg(ctx, sess, args.VersionID,
		core.NewStatusSet(core.SvgStatusProcessing),
		core.SvgStatusVectorizerProcessing, store.SvgVersionFields{}); err != nil {
		return err
	}
	// Stream the transitions so far; the upstream call below can take a while.
	sess.Flush(ctx, stream)

	result, err := s.vectorizer.Vectorize(ctx, source, vectorizer.Params{
		ShapeStacking: version.ShapeStacking,
		GroupBy:       version.GroupBy,
	})
	if err != nil {
		return fmt.Errorf("vectorizing svg version %d: %w", args.VersionID, err)
	}

	fields := store.SvgVersionFields{}
	if result.Receipt != "" {
		fields.VectorizerJobID = &result.Receipt
	}
	if err := s.advanceSvg(ctx, sess, args.VersionID,
		core.NewStatusSet(core.SvgStatusVectorizerProcessing),
		core.SvgStatusVectorizerCompleted, fields); err != nil {
		return err
	}
	if err := s.advanceSvg(ctx, sess, args.VersionID,
		core.NewStatusSet(core.SvgStatusVectorizerCompleted),
		core.SvgStatusStorageUpload, store.SvgVersionFields{}); err != nil {
		return err
	}

	key, err := s.versionKey(ctx, args.OrderID, args.ImageID, core.VersionKindSvg, version.Version)
	if err != nil {
		return err
	}
	ref, err := s.objects.Put(ctx, key, "image/svg+xml", bytes.NewReader(result.SVG))
	if err != nil {
		return fmt.Errorf("storing svg version %d: %w", args.VersionID, err)
	}

	now := time.Now().UTC()
	err = sess.WithSvgVersionLock(ctx, args.VersionID, func(ctx context.Context, lock *store.SvgVersionLock) error {
		if err := lock.VerifyAndUpdateStatus(ctx,
			core.NewStatusSet(core.SvgStatusStorageUpload),
			core.SvgStatusCompleted,
			store.SvgVersionFields{FileRef: ref, CompletedAt: &now}); err != nil {
			return err
		}
		return lock.SelectOnImage(ctx, args.ImageID)
	})
	if err != nil {
		return err
	}
	log.Info("SVG version completed", "key", ref.Key)
	return nil
}

// claimSvg verifies the precondition and claims the version, healing records
// that already carry a stored result.
func (s *Services) claimSvg(ctx context.Context, sess *store.Session, args VersionArgs) (*core.SvgVersion, bool, error) {
	expected := core.SvgStatuses.Startable().Union(core.SvgStatuses.Retryable())
	if args.IsRecovery {
		expected = expected.Union(core.SvgStatuses.Intermediate())
	}

	var (
		version *core.SvgVersion
		healed  bool
	)
	err := sess.WithSvgVersionLock(ctx, args.VersionID, func(ctx context.Context, lock *store.SvgVersionLock) error {
		var err error
		if version, err = lock.Record(ctx); err != nil {
			return err
		}

		if version.FileRef != nil {
			healed = true
			if version.Status == core.SvgStatusCompleted {
				return nil
			}
			return lock.UpdateStatus(ctx, core.SvgStatusCompleted, store.SvgVersionFields{})
		}

		fields := store.SvgVersionFields{}
		if version.StartedAt == nil {
			now := time.Now().UTC()
			fields.StartedAt = &now
		}
		return lock.VerifyAndUpdateStatus(ctx, expected, core.SvgStatusProcessing, fields)
	})
	return version, healed, err
}

// advanceSvg performs one short verify-and-update transition in its own lock
// scope.
func (s *Services) advanceSvg(ctx context.Context, sess *store.Session, versionID int64,
	expected core.StatusSet[core.SvgStatus], next core.SvgStatus, fields store.SvgVersionFields,
) error {
	return sess.WithSvgVersionLock(ctx, versionID, func(ctx context.Context, lock *store.SvgVersionLock) error {
		return lock.VerifyAndUpdateStatus(ctx, expected, next, fields)
	})
}

// svgSource loads the stored page of the parent coloring version. A parent
// without a completed result cannot be vectorized.
func (s *Services) svgSource(ctx context.Context, version *core.SvgVersion) ([]byte, error) {
	parent, err := s.store.GetColoringVersion(ctx, version.ColoringVersionID)
	if err != nil {
		return nil, err
	}
	if parent.FileRef == nil || parent.Status != core.ColoringStatusCompleted {
		return nil, core.ErrNoColoringAvailable
	}

	reader, err := s.objects.Get(ctx, parent.FileRef.Key)
	if err != nil {
		return nil, fmt.Errorf("opening coloring page %s: %w", parent.FileRef.Key, err)
	}
	defer func() { _ = reader.Close() }()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading coloring page %s: %w", parent.FileRef.Key, err)
	}
	return data, nil
}

// failSvg writes the terminal Error status in a best-effort lock, surviving
// task cancellation.
func (s *Services) failSvg(ctx context.Context, sess *store.Session, log logr.Logger, versionID int64) {
	ctx = context.WithoutCancel(ctx)
	err := sess.WithSvgVersionLock(ctx, versionID, func(ctx context.Context, lock *store.SvgVersionLock) error {
		current, err := lock.Record(ctx)
		if err != nil {
			return err
		}
		if current.Status.IsFinal() {
			return nil
		}
		return lock.UpdateStatus(ctx, core.SvgStatusError, store.SvgVersionFields{})
	})
	if err != nil && !isRace(err) {
		log.Error(err, "Recording svg failure status failed")
	}
}
