// SPDX-FileCopyrightText: 2025 the Malbuch contributors
//
// SPDX-License-Identifier: Apache-2.0

package objectstore

import (
	"fmt"
	"mime"
	"net/url"
	"path"
	"strings"
)

// OriginalKey is the storage key of a downloaded customer photo.
func OriginalKey(orderID int64, itemPosition, imagePosition int, ext string) string {
	return fmt.Sprintf("orders/%d/items/%d/original/image_%d.%s", orderID, itemPosition, imagePosition, strings.TrimPrefix(ext, "."))
}

// ColoringKey is the storage key of a generated coloring page.
func ColoringKey(orderID int64, itemPosition, imagePosition, version int) string {
	return fmt.Sprintf("orders/%d/items/%d/coloring/v%d/image_%d.png", orderID, itemPosition, version, imagePosition)
}

// SvgKey is the storage key of a vectorized coloring page.
func SvgKey(orderID int64, itemPosition, imagePosition, version int) string {
	return fmt.Sprintf("orders/%d/items/%d/svg/v%d/image_%d.svg", orderID, itemPosition, version, imagePosition)
}

var extByContentType = map[string]string{
	"image/jpeg": "jpg",
	"image/png":  "png",
	"image/webp": "webp",
	"image/gif":  "gif",
	"image/heic": "heic",
}

// GuessExtension derives a file extension for an original photo, preferring
// the source URL path and falling back to the content type. Customer uploads
// arrive as JPEG in the vast majority of cases, so that is the final default.
func GuessExtension(sourceURL, contentType string) string {
	if u, err := url.Parse(sourceURL); err == nil {
		if ext := strings.TrimPrefix(path.Ext(u.Path), "."); ext != "" && len(ext) <= 5 {
			return strings.ToLower(ext)
		}
	}
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		if ext, ok := extByContentType[mediaType]; ok {
			return ext
		}
	}
	return "jpg"
}

// FilenameFromURL extracts the last path element of the source URL for
// FileRef.OriginalFilename. Returns "" when the URL has no usable path.
func FilenameFromURL(sourceURL string) string {
	u, err := url.Parse(sourceURL)
	if err != nil {
		return ""
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" {
		return ""
	}
	return name
}
