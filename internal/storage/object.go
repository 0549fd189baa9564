/*
Copyright (C) 2026 Capfleet Authors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package storage archives finished recordings. Agents write captures to the
// local filesystem first and hand them to an ObjectStore; the store is the
// filesystem by default and S3-compatible object storage when a bucket is
// configured.
package storage

import (
	"context"
	"io"
)

// ObjectStore abstracts recording archival.
type ObjectStore interface {
	// Put stores the object under key, overwriting any previous version.
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	// Get opens the object for reading. The caller closes the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete removes the object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
