// Package storage provides object storage abstractions for the lake's
// bronze, silver and gold layers.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// Common errors for storage operations.
var (
	ErrObjectNotFound     = errors.New("object not found")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrUploadFailed       = errors.New("upload failed")
	ErrDownloadFailed     = errors.New("download failed")
	ErrDeleteFailed       = errors.New("delete failed")
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

// ObjectStorage abstracts cloud object storage operations.
// Implementations include S3 (and S3-compatible stores such as R2 or MinIO)
// and the local filesystem for development and tests.
//
// Every write is a full overwrite: a key holds at most one live object.
type ObjectStorage interface {
	// Put stores data under objectPath, replacing any existing object.
	Put(ctx context.Context, objectPath string, data []byte) error

	// Get returns the full contents of an object.
	// Returns ErrObjectNotFound if the object does not exist.
	Get(ctx context.Context, objectPath string) ([]byte, error)

	// Open returns a reader over an object's contents. The caller closes it.
	// Returns ErrObjectNotFound if the object does not exist.
	Open(ctx context.Context, objectPath string) (io.ReadCloser, error)

	// Stat returns metadata for an object.
	// Returns ErrObjectNotFound if the object does not exist.
	Stat(ctx context.Context, objectPath string) (*ObjectInfo, error)

	// Delete removes an object. Deleting an absent object is not an error.
	Delete(ctx context.Context, objectPath string) error

	// Exists checks if an object exists in storage.
	Exists(ctx context.Context, objectPath string) (bool, error)

	// ConditionalPut uploads only if the precondition is met.
	// etag is the expected ETag of the existing object; an empty etag means
	// the object must not exist yet. Returns ErrPreconditionFailed otherwise.
	ConditionalPut(ctx context.Context, objectPath string, data []byte, etag string) error

	// ListObjects returns all object paths under the given prefix.
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}
