// SPDX-FileCopyrightText: 2025 the Malbuch contributors
//
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"sort"
	"strings"
)

// NormalizeOrderNumber returns the display number with exactly one leading
// '#'. Upstream payloads deliver the number inconsistently with and without
// the prefix; it is always stored prefixed and always compared normalized.
func NormalizeOrderNumber(number string) string {
	trimmed := strings.TrimLeft(strings.TrimSpace(number), "#")
	if trimmed == "" {
		return ""
	}
	return "#" + trimmed
}

// OrderNumbersEqual compares two display numbers after normalization.
func OrderNumbersEqual(a, b string) bool {
	return NormalizeOrderNumber(a) == NormalizeOrderNumber(b)
}

// PickSvgSource returns the coloring version an SVG should be built from:
// the image's explicitly selected coloring if it is completed, otherwise the
// highest-version completed coloring. ErrNoColoringAvailable if neither
// exists.
func PickSvgSource(image *Image, colorings []*ColoringVersion) (*ColoringVersion, error) {
	if image.SelectedColoringID != nil {
		for _, cv := range colorings {
			if cv.ID == *image.SelectedColoringID && cv.ImageID == image.ID && cv.Status == ColoringStatusCompleted {
				return cv, nil
			}
		}
	}

	var best *ColoringVersion
	for _, cv := range colorings {
		if cv.ImageID != image.ID || cv.Status != ColoringStatusCompleted {
			continue
		}
		if best == nil || cv.Version > best.Version {
			best = cv
		}
	}
	if best == nil {
		return nil, ErrNoColoringAvailable
	}
	return best, nil
}

// SortVersionsDescending orders coloring versions by their version number,
// newest first.
func SortVersionsDescending(colorings []*ColoringVersion) {
	sort.Slice(colorings, func(i, j int) bool { return colorings[i].Version > colorings[j].Version })
}
