// Package storage holds mentor photo blobs in S3-compatible object storage.
package storage

import (
	"context"
	"io"
)

// ObjectStore is the blob store behind profile photos. Put returns the
// reference persisted on the profile; Delete accepts that reference.
// Deleting a missing object is not an error.
type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader, contentType string, size int64) (string, error)
	Delete(ctx context.Context, ref string) error
}
