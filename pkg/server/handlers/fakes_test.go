// SPDX-FileCopyrightText: 2025 the Malbuch contributors
//
// SPDX-License-Identifier: Apache-2.0

package handlers_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"

	"github.com/malbuch/malbuch/pkg/apis/core"
	"github.com/malbuch/malbuch/pkg/clients/shopify"
	"github.com/malbuch/malbuch/pkg/store"
)

// fakePipeline implements handlers.Pipeline with per-method function fields.
// Calling an unset method fails the spec.
type fakePipeline struct {
	syncOrder            func(ctx context.Context, orderID int64) error
	enqueueFetch         func(ctx context.Context, limit int) (string, error)
	registerOrder        func(ctx context.Context, upstream *shopify.Order) (*core.Order, bool, error)
	generateColoringAll  func(ctx context.Context, orderID int64) ([]*core.ColoringVersion, error)
	generateColoringOne  func(ctx context.Context, imageID int64) (*core.ColoringVersion, error)
	generateSvgAll       func(ctx context.Context, orderID int64) ([]*core.SvgVersion, error)
	generateSvgOne       func(ctx context.Context, imageID int64) (*core.SvgVersion, error)
	retryColoringVersion func(ctx context.Context, versionID int64) error
	retrySvgVersion      func(ctx context.Context, versionID int64) error
	selectVersion        func(ctx context.Context, imageID int64, kind core.VersionKind, versionID int64) error
}

func (f *fakePipeline) SyncOrder(ctx context.Context, orderID int64) error {
	if f.syncOrder == nil {
		Fail("unexpected call to SyncOrder")
	}
	return f.syncOrder(ctx, orderID)
}

func (f *fakePipeline) EnqueueFetch(ctx context.Context, limit int) (string, error) {
	if f.enqueueFetch == nil {
		Fail("unexpected call to EnqueueFetch")
	}
	return f.enqueueFetch(ctx, limit)
}

func (f *fakePipeline) RegisterOrder(ctx context.Context, upstream *shopify.Order) (*core.Order, bool, error) {
	if f.registerOrder == nil {
		Fail("unexpected call to RegisterOrder")
	}
	return f.registerOrder(ctx, upstream)
}

func (f *fakePipeline) GenerateColoringForOrder(ctx context.Context, orderID int64) ([]*core.ColoringVersion, error) {
	if f.generateColoringAll == nil {
		Fail("unexpected call to GenerateColoringForOrder")
	}
	return f.generateColoringAll(ctx, orderID)
}

func (f *fakePipeline) GenerateColoringForImage(ctx context.Context, imageID int64) (*core.ColoringVersion, error) {
	if f.generateColoringOne == nil {
		Fail("unexpected call to GenerateColoringForImage")
	}
	return f.generateColoringOne(ctx, imageID)
}

func (f *fakePipeline) GenerateSvgForOrder(ctx context.Context, orderID int64) ([]*core.SvgVersion, error) {
	if f.generateSvgAll == nil {
		Fail("unexpected call to GenerateSvgForOrder")
	}
	return f.generateSvgAll(ctx, orderID)
}

func (f *fakePipeline) GenerateSvgForImage(ctx context.Context, imageID int64) (*core.SvgVersion, error) {
	if f.generateSvgOne == nil {
		Fail("unexpected call to GenerateSvgForImage")
	}
	return f.generateSvgOne(ctx, imageID)
}

func (f *fakePipeline) RetryColoringVersion(ctx context.Context, versionID int64) error {
	if f.retryColoringVersion == nil {
		Fail("unexpected call to RetryColoringVersion")
	}
	return f.retryColoringVersion(ctx, versionID)
}

func (f *fakePipeline) RetrySvgVersion(ctx context.Context, versionID int64) error {
	if f.retrySvgVersion == nil {
		Fail("unexpected call to RetrySvgVersion")
	}
	return f.retrySvgVersion(ctx, versionID)
}

func (f *fakePipeline) SelectVersion(ctx context.Context, imageID int64, kind core.VersionKind, versionID int64) error {
	if f.selectVersion == nil {
		Fail("unexpected call to SelectVersion")
	}
	return f.selectVersion(ctx, imageID, kind, versionID)
}

// fakeReader implements handlers.Reader with per-method function fields.
type fakeReader struct {
	listOrders     func(ctx context.Context, skip, limit int) ([]*store.OrderSummary, error)
	getOrderDetail func(ctx context.Context, orderID int64) (*store.OrderDetail, error)
	getImageDetail func(ctx context.Context, orderID, imageID int64) (*store.ImageView, error)
}

func (f *fakeReader) ListOrders(ctx context.Context, skip, limit int) ([]*store.OrderSummary, error) {
	if f.listOrders == nil {
		Fail("unexpected call to ListOrders")
	}
	return f.listOrders(ctx, skip, limit)
}

func (f *fakeReader) GetOrderDetail(ctx context.Context, orderID int64) (*store.OrderDetail, error) {
	if f.getOrderDetail == nil {
		Fail("unexpected call to GetOrderDetail")
	}
	return f.getOrderDetail(ctx, orderID)
}

func (f *fakeReader) GetImageDetail(ctx context.Context, orderID, imageID int64) (*store.ImageView, error) {
	if f.getImageDetail == nil {
		Fail("unexpected call to GetImageDetail")
	}
	return f.getImageDetail(ctx, orderID, imageID)
}
