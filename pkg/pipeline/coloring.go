// SPDX-FileCopyrightText: 2025 the Malbuch contributors
//
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"time"

	"github.com/go-logr/logr"

	"github.com/malbuch/malbuch/pkg/apis/core"
	"github.com/malbuch/malbuch/pkg/clients/runpod"
	"github.com/malbuch/malbuch/pkg/events"
	"github.com/malbuch/malbuch/pkg/flow"
	"github.com/malbuch/malbuch/pkg/imaging"
	"github.com/malbuch/malbuch/pkg/objectstore"
	"github.com/malbuch/malbuch/pkg/store"
	"github.com/malbuch/malbuch/pkg/utils/retry"
)

// GenerateColoring drives one coloring version through the RunPod state
// machine: claim, submit (or resume an existing job), poll until the job
// leaves the in-flight window, store the output and complete the version.
// Races with other workers end the task silently; genuine failures write the
// terminal Error status and re-raise for the task runtime.
func (s *Services) GenerateColoring(ctx context.Context, args VersionArgs) error {
	if args.OrderID == 0 || args.ImageID == 0 {
		orderID, imageID, err := s.store.ColoringVersionRefs(ctx, args.VersionID)
		if err != nil {
			return err
		}
		args.OrderID, args.ImageID = orderID, imageID
	}
	log := s.log.WithValues("coloringVersionID", args.VersionID,
		"orderID", args.OrderID, "imageID", args.ImageID, "isRecovery", args.IsRecovery)

	group := flow.NewGroup(ctx, s.log, s.groupTimeout)
	defer group.Wait()

	stream := s.streamSink()
	return s.store.RunInSession(ctx, s.sink(group), func(ctx context.Context, sess *store.Session) error {
		sess.SetEventContext(events.Context{
			OrderID:    args.OrderID,
			ImageID:    args.ImageID,
			VersionID:  args.VersionID,
			StatusType: core.VersionKindColoring,
		})

		err := s.generateColoring(ctx, sess, stream, log, args)
		switch {
		case err == nil:
			return nil
		case isRace(err):
			log.V(1).Info("Version owned by another worker, backing off", "reason", err.Error())
			return nil
		default:
			s.failColoring(ctx, sess, log, args.VersionID)
			return err
		}
	})
}

func (s *Services) generateColoring(ctx context.Context, sess *store.Session, stream store.EventSink, log logr.Logger, args VersionArgs) error {
	version, healed, err := s.claimColoring(ctx, sess, args)
	if err != nil {
		return err
	}
	if healed {
		log.Info("Version already has a stored result, healed to completed")
		return nil
	}
	// Long-running service: stream transitions as they commit instead of
	// holding them until the session ends.
	sess.Flush(ctx, stream)

	// A job handle on a record that was mid-flight is reused; submitting
	// twice would orphan the first job. Startable and retryable statuses
	// always submit anew, even with a stale handle left from a prior attempt.
	fresh := core.ColoringStatuses.Startable().Union(core.ColoringStatuses.Retryable())
	jobID := version.RunpodJobID
	if jobID != "" && !fresh.Has(version.Status) {
		log.Info("Resuming existing job", "runpodJobID", jobID)
		if err := s.advanceColoring(ctx, sess, args.VersionID,
			core.NewStatusSet(core.ColoringStatusProcessing),
			core.ColoringStatusRunpodSubmitted, store.ColoringVersionFields{}); err != nil {
			return err
		}
	} else {
		input, err := s.buildColoringInput(ctx, log, args.ImageID, version)
		if err != nil {
			return err
		}
		if err := s.advanceColoring(ctx, sess, args.VersionID,
			core.NewStatusSet(core.ColoringStatusProcessing),
			core.ColoringStatusRunpodSubmitting, store.ColoringVersionFields{}); err != nil {
			return err
		}
		if jobID, err = s.runpod.Submit(ctx, *input); err != nil {
			return fmt.Errorf("submitting job for coloring version %d: %w", args.VersionID, err)
		}
		log.Info("Job submitted", "runpodJobID", jobID)
		if err := s.advanceColoring(ctx, sess, args.VersionID,
			core.NewStatusSet(core.ColoringStatusRunpodSubmitting),
			core.ColoringStatusRunpodSubmitted, store.ColoringVersionFields{RunpodJobID: &jobID}); err != nil {
			return err
		}
	}
	sess.Flush(ctx, stream)

	final, err := s.pollJob(ctx, sess, stream, log, args.VersionID, jobID)
	if err != nil {
		if retry.IsTimeout(err) {
			s.cancelJob(ctx, log, jobID)
		}
		return err
	}

	switch final.Status {
	case runpod.JobCompleted:
		// handled below
	case runpod.JobCancelled:
		log.Info("Job cancelled externally", "runpodJobID", jobID)
		return s.advanceColoring(ctx, sess, args.VersionID,
			core.ColoringStatuses.AwaitingExternal(),
			core.ColoringStatusRunpodCancelled, store.ColoringVersionFields{})
	default:
		return fmt.Errorf("job %s for coloring version %d ended as %s: %s",
			jobID, args.VersionID, final.Status, final.Error)
	}

	if final.Output == nil || final.Output.ImageBase64 == "" {
		return fmt.Errorf("job %s completed without output", jobID)
	}
	page, err := base64.StdEncoding.DecodeString(final.Output.ImageBase64)
	if err != nil {
		return fmt.Errorf("decoding output of job %s: %w", jobID, err)
	}

	if err := s.advanceColoring(ctx, sess, args.VersionID,
		core.ColoringStatuses.AwaitingExternal(),
		core.ColoringStatusRunpodCompleted, store.ColoringVersionFields{}); err != nil {
		return err
	}
	if err := s.advanceColoring(ctx, sess, args.VersionID,
		core.NewStatusSet(core.ColoringStatusRunpodCompleted),
		core.ColoringStatusStorageUpload, store.ColoringVersionFields{}); err != nil {
		return err
	}

	key, err := s.versionKey(ctx, args.OrderID, args.ImageID, core.VersionKindColoring, version.Version)
	if err != nil {
		return err
	}
	ref, err := s.objects.Put(ctx, key, "image/png", bytes.NewReader(page))
	if err != nil {
		return fmt.Errorf("storing coloring version %d: %w", args.VersionID, err)
	}

	now := time.Now().UTC()
	err = sess.WithColoringVersionLock(ctx, args.VersionID, func(ctx context.Context, lock *store.ColoringVersionLock) error {
		if err := lock.VerifyAndUpdateStatus(ctx,
			core.NewStatusSet(core.ColoringStatusStorageUpload),
			core.ColoringStatusCompleted,
			store.ColoringVersionFields{FileRef: ref, CompletedAt: &now}); err != nil {
			return err
		}
		return lock.SelectOnImage(ctx, args.ImageID)
	})
	if err != nil {
		return err
	}
	log.Info("Coloring version completed", "key", ref.Key)
	return nil
}

// claimColoring verifies the precondition and claims the version. A version
// that already carries a file reference is healed to Completed and reported
// as done; the snapshot returned otherwise is the pre-claim record, carrying
// the job handle and generation parameters.
func (s *Services) claimColoring(ctx context.Context, sess *store.Session, args VersionArgs) (*core.ColoringVersion, bool, error) {
	expected := core.ColoringStatuses.Startable().Union(core.ColoringStatuses.Retryable())
	if args.IsRecovery {
		expected = expected.Union(core.ColoringStatuses.Intermediate())
	}

	var (
		version *core.ColoringVersion
		healed  bool
	)
	err := sess.WithColoringVersionLock(ctx, args.VersionID, func(ctx context.Context, lock *store.ColoringVersionLock) error {
		var err error
		if version, err = lock.Record(ctx); err != nil {
			return err
		}

		// A stored result proves the work finished; only the status write was
		// lost.
		if version.FileRef != nil {
			healed = true
			if version.Status == core.ColoringStatusCompleted {
				return nil
			}
			return lock.UpdateStatus(ctx, core.ColoringStatusCompleted, store.ColoringVersionFields{})
		}

		fields := store.ColoringVersionFields{}
		if version.StartedAt == nil {
			now := time.Now().UTC()
			fields.StartedAt = &now
		}
		return lock.VerifyAndUpdateStatus(ctx, expected, core.ColoringStatusProcessing, fields)
	})
	return version, healed, err
}

// advanceColoring performs one short verify-and-update transition in its own
// lock scope.
func (s *Services) advanceColoring(ctx context.Context, sess *store.Session, versionID int64,
	expected core.StatusSet[core.ColoringStatus], next core.ColoringStatus, fields store.ColoringVersionFields,
) error {
	return sess.WithColoringVersionLock(ctx, versionID, func(ctx context.Context, lock *store.ColoringVersionLock) error {
		return lock.VerifyAndUpdateStatus(ctx, expected, next, fields)
	})
}

// buildColoringInput loads the source photo from storage, enforces the
// minimum resolution and assembles the submission payload. This runs before
// the submission lock.
func (s *Services) buildColoringInput(ctx context.Context, log logr.Logger, imageID int64, version *core.ColoringVersion) (*runpod.SubmitInput, error) {
	image, err := s.store.GetImage(ctx, imageID)
	if err != nil {
		return nil, err
	}
	if !image.Downloaded() {
		return nil, core.ErrImageNotDownloaded
	}

	reader, err := s.objects.Get(ctx, image.FileRef.Key)
	if err != nil {
		return nil, fmt.Errorf("opening original %s: %w", image.FileRef.Key, err)
	}
	defer func() { _ = reader.Close() }()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading original %s: %w", image.FileRef.Key, err)
	}

	prepared, upscaled, err := imaging.EnsureMinSize(data, s.processing.MinImageSize)
	if err != nil {
		return nil, fmt.Errorf("preparing original %s: %w", image.FileRef.Key, err)
	}
	if upscaled {
		log.Info("Upscaled source photo to minimum resolution",
			"key", image.FileRef.Key, "minSize", s.processing.MinImageSize)
	}

	return &runpod.SubmitInput{
		ImageBase64: base64.StdEncoding.EncodeToString(prepared),
		Megapixels:  version.Megapixels,
		Steps:       version.Steps,
	}, nil
}

// pollJob polls the external job until it leaves the in-flight window,
// mirroring intermediate states onto the record, bounded by the configured
// wall clock. Transient poll errors stay within the budget.
func (s *Services) pollJob(ctx context.Context, sess *store.Session, stream store.EventSink, log logr.Logger, versionID int64, jobID string) (*runpod.JobStatus, error) {
	var final *runpod.JobStatus
	err := s.retry.UntilTimeout(ctx, s.pollInterval, s.pollTimeout, func(ctx context.Context) (bool, error) {
		status, err := s.runpod.Status(ctx, jobID)
		if err != nil {
			return retry.MinorError(fmt.Errorf("polling job %s: %w", jobID, err))
		}

		if next, ok := progressStatus(status.Status); ok {
			if err := s.recordColoringProgress(ctx, sess, versionID, next); err != nil {
				return retry.SevereError(err)
			}
			sess.Flush(ctx, stream)
		}
		if status.Status.InFlight() {
			return retry.MinorError(fmt.Errorf("job %s still %s", jobID, status.Status))
		}
		final = status
		return retry.Ok()
	})
	if err != nil {
		return nil, fmt.Errorf("awaiting job %s: %w", jobID, err)
	}
	log.V(1).Info("Job settled", "runpodJobID", jobID, "jobStatus", final.Status)
	return final, nil
}

// progressStatus maps an in-flight external job state to the record status
// mirroring it. Terminal job states are not mirrored here; they drive the
// forward transitions of the service.
func progressStatus(status runpod.JobStatusValue) (core.ColoringStatus, bool) {
	switch status {
	case runpod.JobInQueue:
		return core.ColoringStatusRunpodQueued, true
	case runpod.JobInProgress:
		return core.ColoringStatusRunpodProcessing, true
	default:
		return "", false
	}
}

// recordColoringProgress mirrors an intermediate external state onto the
// record. The update is rejected once the record left the awaiting-external
// window: another worker has moved on and owns the version now.
func (s *Services) recordColoringProgress(ctx context.Context, sess *store.Session, versionID int64, next core.ColoringStatus) error {
	return sess.WithColoringVersionLock(ctx, versionID, func(ctx context.Context, lock *store.ColoringVersionLock) error {
		current, err := lock.Record(ctx)
		if err != nil {
			return err
		}
		if current.Status == next {
			return nil
		}
		return lock.VerifyAndUpdateStatus(ctx,
			core.ColoringStatuses.AwaitingExternal(), next, store.ColoringVersionFields{})
	})
}

// cancelJob tells the external service to stop a job that is no longer
// awaited, best-effort and surviving task cancellation.
func (s *Services) cancelJob(ctx context.Context, log logr.Logger, jobID string) {
	if err := s.runpod.Cancel(context.WithoutCancel(ctx), jobID); err != nil {
		log.Error(err, "Cancelling job failed", "runpodJobID", jobID)
	}
}

// failColoring writes the terminal Error status in a best-effort lock,
// surviving task cancellation. Final statuses and records owned by another
// worker are left untouched.
func (s *Services) failColoring(ctx context.Context, sess *store.Session, log logr.Logger, versionID int64) {
	ctx = context.WithoutCancel(ctx)
	err := sess.WithColoringVersionLock(ctx, versionID, func(ctx context.Context, lock *store.ColoringVersionLock) error {
		current, err := lock.Record(ctx)
		if err != nil {
			return err
		}
		if current.Status.IsFinal() {
			return nil
		}
		return lock.UpdateStatus(ctx, core.ColoringStatusError, store.ColoringVersionFields{})
	})
	if err != nil && !isRace(err) {
		log.Error(err, "Recording coloring failure status failed")
	}
}

// versionKey builds the canonical storage key of a version artifact.
func (s *Services) versionKey(ctx context.Context, orderID, imageID int64, kind core.VersionKind, versionNumber int) (string, error) {
	image, err := s.store.GetImage(ctx, imageID)
	if err != nil {
		return "", err
	}
	item, err := s.store.GetLineItem(ctx, image.LineItemID)
	if err != nil {
		return "", err
	}
	switch kind {
	case core.VersionKindSvg:
		return objectstore.SvgKey(orderID, item.Position, image.Position, versionNumber), nil
	default:
		return objectstore.ColoringKey(orderID, item.Position, image.Position, versionNumber), nil
	}
}
