// SPDX-FileCopyrightText: 2025 the Malbuch contributors
//
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/malbuch/malbuch/pkg/apis/core"
	"github.com/malbuch/malbuch/pkg/events"
)

// lockRow acquires a row-level exclusive lock inside t's transaction. With
// noWait a held lock fails fast with ErrLocked instead of queueing. A missing
// row is ErrNotFound.
func lockRow(ctx context.Context, t *Tx, table string, id int64) error {
	return lockRowMode(ctx, t, table, id, false)
}

func lockRowMode(ctx context.Context, t *Tx, table string, id int64, noWait bool) error {
	query := `SELECT id FROM ` + table + ` WHERE id = $1 FOR UPDATE`
	if noWait {
		query += ` NOWAIT`
	}

	var got int64
	err := t.tx.QueryRow(ctx, query, id).Scan(&got)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return ErrNotFound
	case isLockNotAvailable(err):
		return ErrLocked
	case err != nil:
		return fmt.Errorf("locking %s row %d: %w", table, id, err)
	}
	return nil
}

// fieldSet accumulates the SET clause of one UPDATE together with the change
// tracking it triggers.
type fieldSet struct {
	cols    []string
	args    []any
	tracked []trackedField
}

type trackedField struct {
	field    string
	newValue string
}

func (f *fieldSet) set(col string, arg any) {
	f.cols = append(f.cols, col)
	f.args = append(f.args, arg)
}

func (f *fieldSet) setTracked(col string, arg any, newValue string) {
	f.set(col, arg)
	f.tracked = append(f.tracked, trackedField{field: col, newValue: newValue})
}

// apply writes the accumulated fields to one row and records the tracked
// changes on the transaction. touch additionally bumps updated_at.
func (f *fieldSet) apply(ctx context.Context, t *Tx, table string, model events.Model, id int64, touch bool) error {
	return f.applyWith(ctx, t, table, model, id, touch, nil)
}

// applyWith is apply with an explicit event context overriding the session's.
func (f *fieldSet) applyWith(ctx context.Context, t *Tx, table string, model events.Model, id int64, touch bool, evCtx *events.Context) error {
	if len(f.cols) == 0 {
		return nil
	}

	query := `UPDATE ` + table + ` SET `
	for i, col := range f.cols {
		if i > 0 {
			query += `, `
		}
		query += col + ` = $` + strconv.Itoa(i+1)
	}
	if touch {
		query += `, updated_at = now()`
	}
	query += ` WHERE id = $` + strconv.Itoa(len(f.args)+1)

	tag, err := t.tx.Exec(ctx, query, append(f.args, id)...)
	if err != nil {
		return fmt.Errorf("updating %s row %d: %w", table, id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	for _, tf := range f.tracked {
		if evCtx != nil {
			err = t.trackChangeWith(*evCtx, model, tf.field, tf.newValue)
		} else {
			err = t.trackChange(model, tf.field, tf.newValue)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// verifyStatus asserts that the row currently holds one of the expected
// statuses, surfacing a lost race as an UnexpectedStatusError.
func verifyStatus[S ~string](ctx context.Context, t *Tx, table string, id int64, expected core.StatusSet[S]) error {
	var current S
	err := t.tx.QueryRow(ctx, `SELECT status FROM `+table+` WHERE id = $1`, id).Scan(&current)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return ErrNotFound
	case err != nil:
		return fmt.Errorf("reading %s status of row %d: %w", table, id, err)
	}

	if !expected.Has(current) {
		exp := make([]string, 0, len(expected))
		for s := range expected {
			exp = append(exp, string(s))
		}
		slices.Sort(exp)
		return &UnexpectedStatusError{Expected: exp, Actual: string(current)}
	}
	return nil
}

// OrderLock is an exclusively locked order row. It is valid only inside the
// WithOrderLock callback.
type OrderLock struct {
	t  *Tx
	id int64
}

// WithOrderLock locks one order row in a fresh short transaction and runs fn
// under the lock. The transaction commits when fn returns nil.
func (sess *Session) WithOrderLock(ctx context.Context, orderID int64, fn func(ctx context.Context, lock *OrderLock) error) error {
	return sess.InTx(ctx, func(ctx context.Context, t *Tx) error {
		if err := lockRow(ctx, t, "orders", orderID); err != nil {
			return err
		}
		return fn(ctx, &OrderLock{t: t, id: orderID})
	})
}

// ID returns the locked order's ID.
func (l *OrderLock) ID() int64 { return l.id }

// Tx exposes the lock's transaction for writes that must share it, such as
// ingest creating line items and images while holding the order row.
func (l *OrderLock) Tx() *Tx { return l.t }

// Record reads the locked row.
func (l *OrderLock) Record(ctx context.Context) (*core.Order, error) {
	return getOrder(ctx, l.t.tx, l.id)
}

// OrderFields are the writable order columns; nil fields stay untouched.
type OrderFields struct {
	Status         *core.OrderStatus
	OrderNumber    *string
	Email          *string
	CustomerName   *string
	PaymentStatus  *string
	ShippingMethod *string
}

// Update writes the given fields and tracks their changes.
func (l *OrderLock) Update(ctx context.Context, fields OrderFields) error {
	var f fieldSet
	if fields.Status != nil {
		f.setTracked("status", string(*fields.Status), string(*fields.Status))
	}
	if fields.OrderNumber != nil {
		f.set("order_number", *fields.OrderNumber)
	}
	if fields.Email != nil {
		f.setTracked("email", *fields.Email, *fields.Email)
	}
	if fields.CustomerName != nil {
		f.setTracked("customer_name", *fields.CustomerName, *fields.CustomerName)
	}
	if fields.PaymentStatus != nil {
		f.setTracked("payment_status", *fields.PaymentStatus, *fields.PaymentStatus)
	}
	if fields.ShippingMethod != nil {
		f.setTracked("shipping_method", *fields.ShippingMethod, *fields.ShippingMethod)
	}
	return f.apply(ctx, l.t, "orders", events.ModelOrder, l.id, true)
}

// UpdateStatus writes only the status.
func (l *OrderLock) UpdateStatus(ctx context.Context, status core.OrderStatus) error {
	return l.Update(ctx, OrderFields{Status: &status})
}

// VerifyAndUpdateStatus advances the status only when the row currently holds
// one of the expected statuses; otherwise it reports the lost race as an
// UnexpectedStatusError and writes nothing.
func (l *OrderLock) VerifyAndUpdateStatus(ctx context.Context, expected core.StatusSet[core.OrderStatus], status core.OrderStatus) error {
	if err := verifyStatus(ctx, l.t, "orders", l.id, expected); err != nil {
		return err
	}
	return l.UpdateStatus(ctx, status)
}

// ImageLock is an exclusively locked image row.
type ImageLock struct {
	t  *Tx
	id int64
}

// WithImageLock locks one image row in a fresh short transaction and runs fn
// under the lock. Concurrent lockers queue; selection races serialize here.
func (sess *Session) WithImageLock(ctx context.Context, imageID int64, fn func(ctx context.Context, lock *ImageLock) error) error {
	return sess.InTx(ctx, func(ctx context.Context, t *Tx) error {
		if err := lockRow(ctx, t, "images", imageID); err != nil {
			return err
		}
		return fn(ctx, &ImageLock{t: t, id: imageID})
	})
}

// ID returns the locked image's ID.
func (l *ImageLock) ID() int64 { return l.id }

// Tx exposes the lock's transaction for writes that must share it, such as
// version creation together with its selection update.
func (l *ImageLock) Tx() *Tx { return l.t }

// Record reads the locked row.
func (l *ImageLock) Record(ctx context.Context) (*core.Image, error) {
	return getImage(ctx, l.t.tx, l.id)
}

// SetFile stores the downloaded original's location.
func (l *ImageLock) SetFile(ctx context.Context, ref *core.FileRef, uploadedAt time.Time) error {
	var f fieldSet
	f.setTracked("file_ref", ref, ref.Key)
	f.set("uploaded_at", uploadedAt)
	return f.apply(ctx, l.t, "images", events.ModelImage, l.id, true)
}

// SelectVersion makes the given version the image's selected one. The version
// must belong to this image and be completed.
func (l *ImageLock) SelectVersion(ctx context.Context, kind core.VersionKind, versionID int64) error {
	var f fieldSet
	switch kind {
	case core.VersionKindColoring:
		v, err := getColoringVersion(ctx, l.t.tx, versionID)
		if err != nil {
			return err
		}
		if v.ImageID != l.id {
			return core.ErrVersionOwnership
		}
		if v.Status != core.ColoringStatusCompleted {
			return core.ErrVersionNotCompleted
		}
		f.setTracked("selected_coloring_id", versionID, strconv.FormatInt(versionID, 10))
	case core.VersionKindSvg:
		v, err := getSvgVersion(ctx, l.t.tx, versionID)
		if err != nil {
			return err
		}
		if v.ImageID != l.id {
			return core.ErrVersionOwnership
		}
		if v.Status != core.SvgStatusCompleted {
			return core.ErrVersionNotCompleted
		}
		f.setTracked("selected_svg_id", versionID, strconv.FormatInt(versionID, 10))
	default:
		return fmt.Errorf("unknown version kind %q", kind)
	}
	return f.apply(ctx, l.t, "images", events.ModelImage, l.id, true)
}

// ColoringVersionLock is an exclusively locked coloring version row.
type ColoringVersionLock struct {
	t  *Tx
	id int64
}

// WithColoringVersionLock locks one coloring version row NOWAIT in a fresh
// short transaction and runs fn under the lock. A concurrently held lock
// fails fast with ErrLocked so a second worker on the same version bows out
// instead of queueing.
func (sess *Session) WithColoringVersionLock(ctx context.Context, versionID int64, fn func(ctx context.Context, lock *ColoringVersionLock) error) error {
	return sess.InTx(ctx, func(ctx context.Context, t *Tx) error {
		if err := lockRowMode(ctx, t, "coloring_versions", versionID, true); err != nil {
			return err
		}
		return fn(ctx, &ColoringVersionLock{t: t, id: versionID})
	})
}

// ID returns the locked version's ID.
func (l *ColoringVersionLock) ID() int64 { return l.id }

// Record reads the locked row.
func (l *ColoringVersionLock) Record(ctx context.Context) (*core.ColoringVersion, error) {
	return getColoringVersion(ctx, l.t.tx, l.id)
}

// ColoringVersionFields are the writable non-status columns; nil fields stay
// untouched.
type ColoringVersionFields struct {
	FileRef     *core.FileRef
	RunpodJobID *string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

func (fields ColoringVersionFields) fieldSet() fieldSet {
	var f fieldSet
	if fields.FileRef != nil {
		f.set("file_ref", fields.FileRef)
	}
	if fields.RunpodJobID != nil {
		f.set("runpod_job_id", *fields.RunpodJobID)
	}
	if fields.StartedAt != nil {
		f.set("started_at", *fields.StartedAt)
	}
	if fields.CompletedAt != nil {
		f.set("completed_at", *fields.CompletedAt)
	}
	return f
}

// Update writes the given fields without touching the status.
func (l *ColoringVersionLock) Update(ctx context.Context, fields ColoringVersionFields) error {
	f := fields.fieldSet()
	return f.apply(ctx, l.t, "coloring_versions", events.ModelColoringVersion, l.id, false)
}

// UpdateStatus advances the status and writes the given fields.
func (l *ColoringVersionLock) UpdateStatus(ctx context.Context, status core.ColoringStatus, fields ColoringVersionFields) error {
	f := fields.fieldSet()
	f.setTracked("status", string(status), string(status))
	return f.apply(ctx, l.t, "coloring_versions", events.ModelColoringVersion, l.id, false)
}

// VerifyAndUpdateStatus advances the status only when the row currently holds
// one of the expected statuses; otherwise it reports the lost race as an
// UnexpectedStatusError and writes nothing.
func (l *ColoringVersionLock) VerifyAndUpdateStatus(ctx context.Context, expected core.StatusSet[core.ColoringStatus], status core.ColoringStatus, fields ColoringVersionFields) error {
	if err := verifyStatus(ctx, l.t, "coloring_versions", l.id, expected); err != nil {
		return err
	}
	return l.UpdateStatus(ctx, status, fields)
}

// SelectOnImage makes this version the image's selected coloring, within the
// same transaction as the completing status write.
func (l *ColoringVersionLock) SelectOnImage(ctx context.Context, imageID int64) error {
	var f fieldSet
	f.setTracked("selected_coloring_id", l.id, strconv.FormatInt(l.id, 10))
	return f.apply(ctx, l.t, "images", events.ModelImage, imageID, true)
}

// SvgVersionLock is an exclusively locked SVG version row.
type SvgVersionLock struct {
	t  *Tx
	id int64
}

// WithSvgVersionLock locks one SVG version row NOWAIT in a fresh short
// transaction and runs fn under the lock.
func (sess *Session) WithSvgVersionLock(ctx context.Context, versionID int64, fn func(ctx context.Context, lock *SvgVersionLock) error) error {
	return sess.InTx(ctx, func(ctx context.Context, t *Tx) error {
		if err := lockRowMode(ctx, t, "svg_versions", versionID, true); err != nil {
			return err
		}
		return fn(ctx, &SvgVersionLock{t: t, id: versionID})
	})
}

// ID returns the locked version's ID.
func (l *SvgVersionLock) ID() int64 { return l.id }

// Record reads the locked row.
func (l *SvgVersionLock) Record(ctx context.Context) (*core.SvgVersion, error) {
	return getSvgVersion(ctx, l.t.tx, l.id)
}

// SvgVersionFields are the writable non-status columns; nil fields stay
// untouched.
type SvgVersionFields struct {
	FileRef         *core.FileRef
	VectorizerJobID *string
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

func (fields SvgVersionFields) fieldSet() fieldSet {
	var f fieldSet
	if fields.FileRef != nil {
		f.set("file_ref", fields.FileRef)
	}
	if fields.VectorizerJobID != nil {
		f.set("vectorizer_job_id", *fields.VectorizerJobID)
	}
	if fields.StartedAt != nil {
		f.set("started_at", *fields.StartedAt)
	}
	if fields.CompletedAt != nil {
		f.set("completed_at", *fields.CompletedAt)
	}
	return f
}

// Update writes the given fields without touching the status.
func (l *SvgVersionLock) Update(ctx context.Context, fields SvgVersionFields) error {
	f := fields.fieldSet()
	return f.apply(ctx, l.t, "svg_versions", events.ModelSvgVersion, l.id, false)
}

// UpdateStatus advances the status and writes the given fields.
func (l *SvgVersionLock) UpdateStatus(ctx context.Context, status core.SvgStatus, fields SvgVersionFields) error {
	f := fields.fieldSet()
	f.setTracked("status", string(status), string(status))
	return f.apply(ctx, l.t, "svg_versions", events.ModelSvgVersion, l.id, false)
}

// VerifyAndUpdateStatus advances the status only when the row currently holds
// one of the expected statuses.
func (l *SvgVersionLock) VerifyAndUpdateStatus(ctx context.Context, expected core.StatusSet[core.SvgStatus], status core.SvgStatus, fields SvgVersionFields) error {
	if err := verifyStatus(ctx, l.t, "svg_versions", l.id, expected); err != nil {
		return err
	}
	return l.UpdateStatus(ctx, status, fields)
}

// SelectOnImage makes this version the image's selected SVG, within the same
// transaction as the completing status write.
func (l *SvgVersionLock) SelectOnImage(ctx context.Context, imageID int64) error {
	var f fieldSet
	f.setTracked("selected_svg_id", l.id, strconv.FormatInt(l.id, 10))
	return f.apply(ctx, l.t, "images", events.ModelImage, imageID, true)
}
