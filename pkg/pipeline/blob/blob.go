// Package blob abstracts the file transport the pipeline runs against: an
// S3 bucket in deployed environments, a plain directory in tests and local
// development. Locations are opaque slash-separated path strings; s3://
// locations route to the S3 implementation.
package blob

import (
	"context"
	"errors"
)

// ErrNotFound indicates the requested location does not exist.
var ErrNotFound = errors.New("blob not found")

// Store is the capability the pipeline consumes: list, read, write and move
// blobs by path string.
type Store interface {
	// List returns the full locations of every blob under prefix,
	// recursively, in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Download reads the blob at location.
	Download(ctx context.Context, location string) ([]byte, error)

	// Upload writes body to location, creating intermediate folders as
	// needed and overwriting any existing blob.
	Upload(ctx context.Context, location string, body []byte) error

	// Copy duplicates src at dst, leaving src in place.
	Copy(ctx context.Context, src, dst string) error

	// Rename moves src to dst.
	Rename(ctx context.Context, src, dst string) error

	// Exists reports whether a blob exists at location.
	Exists(ctx context.Context, location string) (bool, error)
}
