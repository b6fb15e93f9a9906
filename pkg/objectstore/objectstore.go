// SPDX-FileCopyrightText: 2025 the Malbuch contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package objectstore stores and retrieves the image artifacts of the
// pipeline. Writes are content-addressed by key and idempotent: uploading the
// same bytes under the same key is always safe.
package objectstore

import (
	"context"
	"errors"
	"io"

	"github.com/malbuch/malbuch/pkg/apis/config"
	"github.com/malbuch/malbuch/pkg/apis/core"
)

// ErrNotFound is returned by Get when no object exists under the given key.
var ErrNotFound = errors.New("object not found")

// Store is the object storage surface the pipeline services consume.
type Store interface {
	// Put uploads the body under key and returns the resulting file
	// reference. The caller owns FileRef.OriginalFilename.
	Put(ctx context.Context, key, contentType string, body io.Reader) (*core.FileRef, error)
	// Get opens the object stored under key. The caller closes the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Exists reports whether an object is stored under key.
	Exists(ctx context.Context, key string) (bool, error)
	// Bucket returns the bucket name recorded in file references.
	Bucket() string
}

// New builds the Store selected by the configuration.
func New(cfg config.StorageConfig) (Store, error) {
	switch cfg.Backend {
	case "filesystem":
		return NewFilesystem(cfg)
	case "s3":
		return NewS3(cfg)
	default:
		return nil, errors.New("unknown storage backend " + cfg.Backend)
	}
}
