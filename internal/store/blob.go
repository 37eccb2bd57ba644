package store

import (
	"context"
	"io"
)

// BlobStore persists opaque objects such as cookie snapshots.
type BlobStore interface {
	// PutObject writes r under path and returns a backend-specific URI.
	PutObject(ctx context.Context, path, contentType string, r io.Reader) (string, error)
	// GetObject opens the object at path or returns ErrNotFound.
	GetObject(ctx context.Context, path string) (io.ReadCloser, error)
}
