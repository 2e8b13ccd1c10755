// Package blob provides the artifact/blob-store capability used by the
// activity boundary. Writes return an opaque handle ("blob:<id>") that the
// checkpoint store persists in place of oversized response payloads.
package blob

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a ref does not resolve to an object.
var ErrNotFound = errors.New("blob: not found")

// Store is the blob capability set.
type Store interface {
	// Put writes data and returns an opaque ref.
	Put(ctx context.Context, data []byte) (string, error)

	// Get resolves a ref previously returned by Put.
	Get(ctx context.Context, ref string) ([]byte, error)

	// Health probes the backend.
	Health(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
