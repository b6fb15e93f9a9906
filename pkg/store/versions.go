// SPDX-FileCopyrightText: 2025 the Malbuch contributors
//
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5"

	"github.com/malbuch/malbuch/pkg/apis/core"
	"github.com/malbuch/malbuch/pkg/events"
)

const coloringVersionColumns = `id, image_id, version, status, file_ref, runpod_job_id, megapixels, steps, created_at, started_at, completed_at`

func scanColoringVersion(row pgx.Row) (*core.ColoringVersion, error) {
	v := &core.ColoringVersion{}
	err := row.Scan(&v.ID, &v.ImageID, &v.Version, &v.Status, &v.FileRef, &v.RunpodJobID,
		&v.Megapixels, &v.Steps, &v.CreatedAt, &v.StartedAt, &v.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning coloring version: %w", err)
	}
	return v, nil
}

func getColoringVersion(ctx context.Context, q querier, id int64) (*core.ColoringVersion, error) {
	return scanColoringVersion(q.QueryRow(ctx, `SELECT `+coloringVersionColumns+` FROM coloring_versions WHERE id = $1`, id))
}

const svgVersionColumns = `id, image_id, version, status, file_ref, vectorizer_job_id, coloring_version_id, shape_stacking, group_by, created_at, started_at, completed_at`

func scanSvgVersion(row pgx.Row) (*core.SvgVersion, error) {
	v := &core.SvgVersion{}
	err := row.Scan(&v.ID, &v.ImageID, &v.Version, &v.Status, &v.FileRef, &v.VectorizerJobID,
		&v.ColoringVersionID, &v.ShapeStacking, &v.GroupBy, &v.CreatedAt, &v.StartedAt, &v.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning svg version: %w", err)
	}
	return v, nil
}

func getSvgVersion(ctx context.Context, q querier, id int64) (*core.SvgVersion, error) {
	return scanSvgVersion(q.QueryRow(ctx, `SELECT `+svgVersionColumns+` FROM svg_versions WHERE id = $1`, id))
}

// GetColoringVersion reads one coloring version.
func (s *Store) GetColoringVersion(ctx context.Context, id int64) (*core.ColoringVersion, error) {
	return getColoringVersion(ctx, s.pool, id)
}

// GetSvgVersion reads one SVG version.
func (s *Store) GetSvgVersion(ctx context.Context, id int64) (*core.SvgVersion, error) {
	return getSvgVersion(ctx, s.pool, id)
}

// ListColoringVersions reads all coloring versions of an image, oldest first.
func (s *Store) ListColoringVersions(ctx context.Context, imageID int64) ([]*core.ColoringVersion, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+coloringVersionColumns+` FROM coloring_versions WHERE image_id = $1 ORDER BY version`, imageID)
	if err != nil {
		return nil, fmt.Errorf("listing coloring versions of image %d: %w", imageID, err)
	}
	defer rows.Close()

	var versions []*core.ColoringVersion
	for rows.Next() {
		v, err := scanColoringVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// ListSvgVersions reads all SVG versions of an image, oldest first.
func (s *Store) ListSvgVersions(ctx context.Context, imageID int64) ([]*core.SvgVersion, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+svgVersionColumns+` FROM svg_versions WHERE image_id = $1 ORDER BY version`, imageID)
	if err != nil {
		return nil, fmt.Errorf("listing svg versions of image %d: %w", imageID, err)
	}
	defer rows.Close()

	var versions []*core.SvgVersion
	for rows.Next() {
		v, err := scanSvgVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// ColoringVersionRefs resolves the owning image and order of a coloring
// version, for event context.
func (s *Store) ColoringVersionRefs(ctx context.Context, versionID int64) (orderID, imageID int64, err error) {
	err = s.pool.QueryRow(ctx, `
		SELECT li.order_id, i.id FROM coloring_versions cv
		JOIN images i ON i.id = cv.image_id
		JOIN line_items li ON li.id = i.line_item_id
		WHERE cv.id = $1`, versionID).Scan(&orderID, &imageID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, 0, ErrNotFound
	}
	if err != nil {
		return 0, 0, fmt.Errorf("resolving owners of coloring version %d: %w", versionID, err)
	}
	return orderID, imageID, nil
}

// SvgVersionRefs resolves the owning image and order of an SVG version, for
// event context.
func (s *Store) SvgVersionRefs(ctx context.Context, versionID int64) (orderID, imageID int64, err error) {
	err = s.pool.QueryRow(ctx, `
		SELECT li.order_id, i.id FROM svg_versions sv
		JOIN images i ON i.id = sv.image_id
		JOIN line_items li ON li.id = i.line_item_id
		WHERE sv.id = $1`, versionID).Scan(&orderID, &imageID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, 0, ErrNotFound
	}
	if err != nil {
		return 0, 0, fmt.Errorf("resolving owners of svg version %d: %w", versionID, err)
	}
	return orderID, imageID, nil
}

// GetIncompleteColoringVersions reads every coloring version stuck in a
// recoverable status without a stored result. Recovery re-dispatches them.
func (s *Store) GetIncompleteColoringVersions(ctx context.Context) ([]*core.ColoringVersion, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+coloringVersionColumns+` FROM coloring_versions
		WHERE status = ANY($1) AND file_ref IS NULL
		ORDER BY id`, statusStrings(core.ColoringStatuses.Intermediate()))
	if err != nil {
		return nil, fmt.Errorf("listing incomplete coloring versions: %w", err)
	}
	defer rows.Close()

	var versions []*core.ColoringVersion
	for rows.Next() {
		v, err := scanColoringVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// GetIncompleteSvgVersions reads every SVG version stuck in a recoverable
// status without a stored result.
func (s *Store) GetIncompleteSvgVersions(ctx context.Context) ([]*core.SvgVersion, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+svgVersionColumns+` FROM svg_versions
		WHERE status = ANY($1) AND file_ref IS NULL
		ORDER BY id`, statusStrings(core.SvgStatuses.Intermediate()))
	if err != nil {
		return nil, fmt.Errorf("listing incomplete svg versions: %w", err)
	}
	defer rows.Close()

	var versions []*core.SvgVersion
	for rows.Next() {
		v, err := scanSvgVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func statusStrings[S ~string](set core.StatusSet[S]) []string {
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, string(s))
	}
	slices.Sort(out)
	return out
}

// ColoringVersionData is a new coloring generation attempt.
type ColoringVersionData struct {
	ImageID    int64
	Status     core.ColoringStatus
	Megapixels float64
	Steps      int
}

// CreateColoringVersion inserts a coloring version at the image's next
// version number and makes it the image's selected coloring, in one
// transaction. Both the initial status and the selection change are tracked.
func (t *Tx) CreateColoringVersion(ctx context.Context, data ColoringVersionData) (*core.ColoringVersion, error) {
	var created *core.ColoringVersion
	_, err := nextInSequence(ctx, t,
		`SELECT COALESCE(MAX(version), 0) FROM coloring_versions WHERE image_id = $1`,
		data.ImageID, constraintColoringVersion,
		func(ctx context.Context, tx pgx.Tx, n int) error {
			row := tx.QueryRow(ctx, `
				INSERT INTO coloring_versions (image_id, version, status, megapixels, steps)
				VALUES ($1, $2, $3, $4, $5)
				RETURNING `+coloringVersionColumns,
				data.ImageID, n, string(data.Status), data.Megapixels, data.Steps)
			var err error
			created, err = scanColoringVersion(row)
			return err
		})
	if err != nil {
		return nil, err
	}

	if _, err := t.tx.Exec(ctx,
		`UPDATE images SET selected_coloring_id = $1, updated_at = now() WHERE id = $2`,
		created.ID, data.ImageID); err != nil {
		return nil, fmt.Errorf("selecting new coloring version %d: %w", created.ID, err)
	}

	evCtx := t.sess.evCtx
	evCtx.VersionID = created.ID
	evCtx.StatusType = core.VersionKindColoring
	if err := t.trackChangeWith(evCtx, events.ModelColoringVersion, "status", string(created.Status)); err != nil {
		return nil, err
	}
	if err := t.trackChangeWith(evCtx, events.ModelImage, "selected_coloring_id", fmt.Sprintf("%d", created.ID)); err != nil {
		return nil, err
	}
	return created, nil
}

// SvgVersionData is a new vectorization attempt.
type SvgVersionData struct {
	ImageID           int64
	Status            core.SvgStatus
	ColoringVersionID int64
	ShapeStacking     string
	GroupBy           string
}

// CreateSvgVersion inserts an SVG version at the image's next version number
// and makes it the image's selected SVG, in one transaction.
func (t *Tx) CreateSvgVersion(ctx context.Context, data SvgVersionData) (*core.SvgVersion, error) {
	var created *core.SvgVersion
	_, err := nextInSequence(ctx, t,
		`SELECT COALESCE(MAX(version), 0) FROM svg_versions WHERE image_id = $1`,
		data.ImageID, constraintSvgVersion,
		func(ctx context.Context, tx pgx.Tx, n int) error {
			row := tx.QueryRow(ctx, `
				INSERT INTO svg_versions (image_id, version, status, coloring_version_id, shape_stacking, group_by)
				VALUES ($1, $2, $3, $4, $5, $6)
				RETURNING `+svgVersionColumns,
				data.ImageID, n, string(data.Status), data.ColoringVersionID, data.ShapeStacking, data.GroupBy)
			var err error
			created, err = scanSvgVersion(row)
			return err
		})
	if err != nil {
		return nil, err
	}

	if _, err := t.tx.Exec(ctx,
		`UPDATE images SET selected_svg_id = $1, updated_at = now() WHERE id = $2`,
		created.ID, data.ImageID); err != nil {
		return nil, fmt.Errorf("selecting new svg version %d: %w", created.ID, err)
	}

	evCtx := t.sess.evCtx
	evCtx.VersionID = created.ID
	evCtx.StatusType = core.VersionKindSvg
	if err := t.trackChangeWith(evCtx, events.ModelSvgVersion, "status", string(created.Status)); err != nil {
		return nil, err
	}
	if err := t.trackChangeWith(evCtx, events.ModelImage, "selected_svg_id", fmt.Sprintf("%d", created.ID)); err != nil {
		return nil, err
	}
	return created, nil
}
