// Package storage defines the blob store abstraction checkpoint artifacts are
// mirrored to. Implementations live in the local, gcs, and memory
// subpackages so the engine is independent of where mirrors live.
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by GetObject for a missing object.
var ErrNotFound = errors.New("object not found")

// BlobStore writes, reads, and lists objects by slash-separated path.
type BlobStore interface {
	// PutObject stores the content of r at path and returns the object URI.
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
	// GetObject opens the object at path; callers close the reader.
	GetObject(ctx context.Context, path string) (io.ReadCloser, error)
	// List returns the paths under prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
}
