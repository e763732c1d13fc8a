// package objstore abstracts the S3-compatible object store the processor
// reads source batches from and commits mapped artifacts to.
package objstore

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned by Get and Delete when the key does not exist.
var ErrNotFound = errors.New("objstore: key not found")

// ObjectInfo describes one listed object.
type ObjectInfo struct {
	Key          string
	LastModified time.Time
	Size         int64
}

// Store is the minimal object-store surface the pipeline needs. Per-key
// operations are assumed atomic.
type Store interface {
	// List returns all objects under prefix, in no guaranteed order.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	// Get returns the object content as a stream. The caller closes it.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Put writes body under key, overwriting any existing object.
	Put(ctx context.Context, key string, body io.Reader, contentType string) error
	// Delete removes key. Deleting a missing key is not an error, matching
	// S3 semantics; commit side effects rely on that for idempotence.
	Delete(ctx context.Context, key string) error
}
