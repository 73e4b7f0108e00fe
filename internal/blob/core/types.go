// Package core defines the object store abstraction the applied-changeset
// archive writes to.
package core

import (
	"context"
	"errors"
	"io"
	"time"
)

// Driver identifies a concrete blob storage backend implementation.
type Driver string

const (
	// DriverFilesystem represents the local filesystem implementation.
	DriverFilesystem Driver = "fs" // local filesystem (dev)
	// DriverS3 represents an S3 / MinIO compatible implementation.
	DriverS3 Driver = "s3"
	// DriverMemory represents an in-memory implementation typically used in tests.
	DriverMemory Driver = "memory"
	// DriverNone disables archiving.
	DriverNone Driver = "none"
)

// PutOptions specifies optional parameters for Put.
type PutOptions struct {
	ContentType string            // MIME type, optional
	Metadata    map[string]string // User metadata (small, flat key-value)
}

// Info describes a stored blob.
type Info struct {
	Key          string            `json:"key"`
	Size         int64             `json:"size_bytes"`
	ContentType  string            `json:"content_type,omitempty"`
	ETag         string            `json:"etag,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	LastModified time.Time         `json:"last_modified"`
}

// Store is a write-once object store. Put MUST fail with ErrExists when the
// key is already present so archived documents are never overwritten.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, opts PutOptions) (Info, error)
	Get(ctx context.Context, key string) (Info, io.ReadCloser, error)
	Head(ctx context.Context, key string) (Info, error)
	Delete(ctx context.Context, key string) (bool, error)
	// List returns blobs whose key has prefix, ordered by key.
	List(ctx context.Context, prefix string) ([]Info, error)
	Driver() Driver
}

var (
	// ErrExists is returned by Put when the key is already taken.
	ErrExists = errors.New("blobstore: key already exists")
	// ErrNotFound is returned when a key is missing.
	ErrNotFound = errors.New("blobstore: key not found")
)

// CloneMetadata copies user metadata so callers cannot alias stored maps.
func CloneMetadata(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
