// Package storage defines the object backend that snapshot documents are
// written to. Implementations live in the local, memory, gcs and postgres
// subpackages.
package storage

import (
	"context"
	"io"
)

// Backend persists whole objects by key. PutObject must publish atomically:
// readers observe either the previous object or the new one. GetObject returns
// a *crawler.NotFoundError when the key has never been written.
type Backend interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
	GetObject(ctx context.Context, path string) ([]byte, error)
}
