// SPDX-FileCopyrightText: 2025 the Malbuch contributors
//
// SPDX-License-Identifier: Apache-2.0

package core

import "errors"

// Validation errors describe entity-state preconditions that a request
// failed to meet. The HTTP layer maps them to 400.
var (
	// ErrImageNotDownloaded is returned when generation is requested for an
	// image whose original photo has not been stored yet.
	ErrImageNotDownloaded = errors.New("image has not been downloaded yet")
	// ErrNoColoringAvailable is returned when an SVG is requested for an image
	// without any completed coloring version.
	ErrNoColoringAvailable = errors.New("no completed coloring version available")
	// ErrVersionNotInErrorState is returned when retry is requested for a
	// version that did not fail.
	ErrVersionNotInErrorState = errors.New("version is not in an error state")
	// ErrVersionOwnership is returned when a selected version belongs to a
	// different image.
	ErrVersionOwnership = errors.New("version belongs to a different image")
	// ErrVersionNotCompleted is returned when a non-completed version is
	// selected.
	ErrVersionNotCompleted = errors.New("version is not completed")
	// ErrNoImagesToProcess is returned when an order-wide generation request
	// matches no eligible image.
	ErrNoImagesToProcess = errors.New("no images to process")
)

// ErrUpstreamUnavailable is returned when the upstream shop API returned
// nothing or rejected our credentials. The HTTP layer maps it to 503.
var ErrUpstreamUnavailable = errors.New("upstream API unavailable")
