// Package vectorstore persists event embeddings in a durable nearest-
// neighbour index and serves k-NN search against it.
package vectorstore

import (
	"context"
	"time"

	"github.com/castellan/castellan/internal/events"
)

// Result is a single search hit: the originating event plus its score in
// [0, 1], highest-similarity first, and the risk classification it was
// indexed with (used by hybrid re-ranking).
type Result struct {
	Event     events.LogEvent
	Score     float64
	RiskLevel events.RiskLevel
	IndexedAt time.Time
}

// Store is the VectorStore contract. Implementations must treat Upsert and
// BatchUpsert on an empty/nil batch as a no-op, never an error.
// DeleteOlderThan24Hours returns a transport failure to its caller, which
// logs it and carries on.
type Store interface {
	// EnsureCollection creates the backing collection if absent. Idempotent:
	// "already exists" is treated as success.
	EnsureCollection(ctx context.Context) error

	// Upsert indexes a single point.
	Upsert(ctx context.Context, point events.VectorPoint) error

	// BatchUpsert indexes points atomically at the client-request level: the
	// whole batch is one call, so the backend either indexes all points or
	// none. A nil or empty slice is a no-op.
	BatchUpsert(ctx context.Context, points []events.VectorPoint) error

	// Search returns up to k results ordered by descending score. Ties break
	// by descending IndexedAt, then ascending point ID. Empty on an empty
	// collection.
	Search(ctx context.Context, query events.Embedding, k int) ([]Result, error)

	// Has24HoursOfData reports whether the collection exists, is non-empty,
	// and holds at least one point indexed within the last 24 hours.
	Has24HoursOfData(ctx context.Context) (bool, error)

	// DeleteOlderThan24Hours best-effort prunes points indexed more than 24h
	// ago. A transport failure is the caller's to log, never returned as a
	// fatal error from the pipeline's perspective, but this method itself
	// still reports it so the caller can log.
	DeleteOlderThan24Hours(ctx context.Context) error
}

// now is overridden in tests.
var now = time.Now
