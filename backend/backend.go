// Package backend keeps durable records on local storage. The outbox of
// deferred writes stores one self-verifying record per pending operation.
package backend

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when nothing is stored under a key.
var ErrNotFound = errors.New("backend: not found")

// Backend stores byte streams under slash-separated keys.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Write replaces whatever is stored at key. Readers never observe a
	// partially written value.
	Write(ctx context.Context, key string, r io.Reader) error

	// Read opens the value at key, or returns ErrNotFound.
	// The caller must close the returned ReadCloser.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns the keys under prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
}
