// Package retrieval decorates a vectorstore.Store with hybrid (vector +
// metadata) re-ranking over an over-fetched candidate set.
package retrieval

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"github.com/castellan/castellan/internal/config"
	"github.com/castellan/castellan/internal/events"
	"github.com/castellan/castellan/internal/metrics"
	"github.com/castellan/castellan/internal/vectorstore"
)

// Stats holds the retriever's search counters, incremented atomically so
// reads never sit behind a lock that wraps I/O.
type Stats struct {
	TotalSearches    atomic.Int64
	HybridSearches   atomic.Int64
	FallbackSearches atomic.Int64
}

// HybridRate returns the fraction of searches that completed via the
// hybrid re-rank path rather than falling back to pure vector search.
func (s *Stats) HybridRate() float64 {
	total := s.TotalSearches.Load()
	if total == 0 {
		return 0
	}
	return float64(s.HybridSearches.Load()) / float64(total)
}

// HybridRetriever wraps a vectorstore.Store, augmenting Search with
// over-fetch + re-rank while passing every other operation through
// unchanged.
type HybridRetriever struct {
	inner     vectorstore.Store
	cfg       config.RetrievalConfig
	passThrough bool
	stats     Stats
}

// New wraps inner with the re-ranking behaviour configured by cfg. An
// invalid weight configuration (vectorWeight+metadataWeight != 1.0, or
// recencyWeight+riskLevelWeight > 1) forces permanent pass-through mode and
// logs a warning once.
func New(inner vectorstore.Store, cfg config.RetrievalConfig) *HybridRetriever {
	r := &HybridRetriever{inner: inner, cfg: cfg}
	if !validWeights(cfg) {
		slog.Warn("retrieval: invalid weight configuration, falling back to pass-through search",
			"vector_weight", cfg.VectorWeight, "metadata_weight", cfg.MetadataWeight,
			"recency_weight", cfg.RecencyWeight, "risk_level_weight", cfg.RiskLevelWeight)
		r.passThrough = true
	}
	return r
}

func validWeights(cfg config.RetrievalConfig) bool {
	const epsilon = 1e-9
	if math.Abs(cfg.VectorWeight+cfg.MetadataWeight-1.0) > epsilon {
		return false
	}
	if cfg.RecencyWeight+cfg.RiskLevelWeight > 1.0+epsilon {
		return false
	}
	if cfg.OverFetchMultiplier < 1.0 {
		return false
	}
	return true
}

// Stats returns the retriever's live statistics.
func (r *HybridRetriever) Stats() *Stats { return &r.stats }

// EnsureCollection passes through unchanged.
func (r *HybridRetriever) EnsureCollection(ctx context.Context) error {
	return r.inner.EnsureCollection(ctx)
}

// Upsert passes through unchanged.
func (r *HybridRetriever) Upsert(ctx context.Context, point events.VectorPoint) error {
	return r.inner.Upsert(ctx, point)
}

// BatchUpsert passes through unchanged.
func (r *HybridRetriever) BatchUpsert(ctx context.Context, points []events.VectorPoint) error {
	return r.inner.BatchUpsert(ctx, points)
}

// Has24HoursOfData passes through unchanged.
func (r *HybridRetriever) Has24HoursOfData(ctx context.Context) (bool, error) {
	return r.inner.Has24HoursOfData(ctx)
}

// DeleteOlderThan24Hours passes through unchanged.
func (r *HybridRetriever) DeleteOlderThan24Hours(ctx context.Context) error {
	return r.inner.DeleteOlderThan24Hours(ctx)
}

// Search over-fetches ⌈k·overFetchMultiplier⌉ candidates from the
// underlying store, computes a combined vector+metadata score for each, and
// returns the top k. If weight configuration is invalid, or the underlying
// search fails, it falls back to a single unranked pass-through search; a
// failure there yields an empty result, never an error.
func (r *HybridRetriever) Search(ctx context.Context, query events.Embedding, k int) ([]vectorstore.Result, error) {
	r.stats.TotalSearches.Add(1)

	if r.passThrough {
		return r.fallbackSearch(ctx, query, k)
	}

	overFetchK := int(math.Ceil(float64(k) * r.cfg.OverFetchMultiplier))
	candidates, err := r.inner.Search(ctx, query, overFetchK)
	if err != nil {
		return r.fallbackSearch(ctx, query, k)
	}

	now := time.Now()
	ranked := make([]rankedResult, len(candidates))
	for i, c := range candidates {
		ranked[i] = rankedResult{Result: c, combined: r.combinedScore(c, now)}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].combined > ranked[j].combined
	})

	if k > 0 && len(ranked) > k {
		ranked = ranked[:k]
	}

	r.stats.HybridSearches.Add(1)
	metrics.RetrievalSearches.WithLabelValues("hybrid").Inc()

	out := make([]vectorstore.Result, len(ranked))
	for i, rr := range ranked {
		out[i] = vectorstore.Result{Event: rr.Event, Score: rr.combined}
	}
	return out, nil
}

type rankedResult struct {
	vectorstore.Result
	combined float64
}

// combinedScore implements vectorWeight·vectorSim + metadataWeight·metadata
// where metadata = recencyWeight·exp(-ageHours/recencyDecayHours) +
// riskLevelWeight·score(riskLevel).
func (r *HybridRetriever) combinedScore(c vectorstore.Result, now time.Time) float64 {
	ageHours := now.Sub(c.Event.Time).Hours()
	if ageHours < 0 {
		ageHours = 0
	}
	decayHours := r.cfg.RecencyDecay.Hours()
	if decayHours <= 0 {
		decayHours = 24
	}
	recencyComponent := r.cfg.RecencyWeight * math.Exp(-ageHours/decayHours)
	riskComponent := r.cfg.RiskLevelWeight * c.RiskLevel.Weight()

	metadata := recencyComponent + riskComponent
	return r.cfg.VectorWeight*c.Score + r.cfg.MetadataWeight*metadata
}

// fallbackSearch retries once without re-ranking (pure vector search). A
// failure here yields an empty, non-error result so the pipeline continues.
func (r *HybridRetriever) fallbackSearch(ctx context.Context, query events.Embedding, k int) ([]vectorstore.Result, error) {
	r.stats.FallbackSearches.Add(1)
	metrics.RetrievalSearches.WithLabelValues("fallback").Inc()
	results, err := r.inner.Search(ctx, query, k)
	if err != nil {
		return nil, nil
	}
	return results, nil
}

var _ vectorstore.Store = (*HybridRetriever)(nil)
