// Package storage provides a small pluggable key-value blob backend used
// throughout Castellan wherever state must survive a restart: collector
// channel bookmarks and the embedding cache's warm-restart persistence.
// It intentionally knows nothing about what the
// bytes mean -- callers marshal their own payloads.
package storage

import (
	"context"
	"errors"
	"time"
)

// Backend is the interface for durable key-value blob storage. Keys are
// opaque strings (a channel name, a fingerprint, an event id). A Put
// overwrites any existing value for the same key; callers that need
// append-only semantics layer that on top.
type Backend interface {
	// Put stores value under key, overwriting any previous value.
	Put(ctx context.Context, key string, value []byte) error

	// Get retrieves the value stored under key. Returns ErrNotFound if the
	// key has never been written.
	Get(ctx context.Context, key string) ([]byte, error)

	// List returns all keys currently stored, optionally filtered to those
	// written within [since, until). Zero time values mean "no bound".
	List(ctx context.Context, since, until time.Time) ([]string, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Name returns the backend name for display/health reporting.
	Name() string
}

// Errors returned by Backend implementations.
var (
	ErrNotFound  = errors.New("storage: key not found")
	ErrCorrupted = errors.New("storage: stored value failed checksum verification")
)
