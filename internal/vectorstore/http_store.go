package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/castellan/castellan/internal/config"
	"github.com/castellan/castellan/internal/events"
)

// HTTPStore is a REST client against a Qdrant-shaped vector backend:
// collection create with dimension/distance, point upsert, filtered
// search, scroll for retention queries, delete by filter.
type HTTPStore struct {
	cfg    config.VectorStoreConfig
	client *http.Client
}

// New constructs an HTTPStore against cfg.
func New(cfg config.VectorStoreConfig) *HTTPStore {
	return &HTTPStore{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *HTTPStore) collectionURL(suffix string) string {
	return fmt.Sprintf("%s/collections/%s%s", s.cfg.Endpoint, s.cfg.CollectionName, suffix)
}

func (s *HTTPStore) do(ctx context.Context, method, url string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("vectorstore: marshaling request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return s.client.Do(req)
}

type createCollectionRequest struct {
	Vectors vectorParams `json:"vectors"`
}

type vectorParams struct {
	Size     int    `json:"size"`
	Distance string `json:"distance"`
}

// EnsureCollection creates the collection if absent. A 409 conflict (already
// exists) is treated as success.
func (s *HTTPStore) EnsureCollection(ctx context.Context) error {
	resp, err := s.do(ctx, http.MethodPut, s.collectionURL(""), createCollectionRequest{
		Vectors: vectorParams{Size: s.cfg.Dimension, Distance: s.cfg.Distance},
	})
	if err != nil {
		return fmt.Errorf("vectorstore: ensure collection: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict || (resp.StatusCode >= 200 && resp.StatusCode < 300) {
		return nil
	}
	return fmt.Errorf("vectorstore: ensure collection returned status %d", resp.StatusCode)
}

type upsertPoint struct {
	ID      string         `json:"id"`
	Vector  events.Embedding `json:"vector"`
	Payload pointPayload   `json:"payload"`
}

type pointPayload struct {
	Event     events.LogEvent  `json:"event"`
	RiskLevel events.RiskLevel `json:"risk_level"`
	IndexedAt int64            `json:"indexed_at_unix"`
}

type upsertRequest struct {
	Points []upsertPoint `json:"points"`
}

// Upsert indexes a single point.
func (s *HTTPStore) Upsert(ctx context.Context, point events.VectorPoint) error {
	return s.BatchUpsert(ctx, []events.VectorPoint{point})
}

// BatchUpsert indexes points in a single request so the backend applies
// them atomically; a nil or empty batch is a no-op.
func (s *HTTPStore) BatchUpsert(ctx context.Context, points []events.VectorPoint) error {
	if len(points) == 0 {
		return nil
	}

	req := upsertRequest{Points: make([]upsertPoint, len(points))}
	for i, p := range points {
		indexedAt := p.IndexedAt
		if indexedAt.IsZero() {
			indexedAt = now()
		}
		req.Points[i] = upsertPoint{
			ID:     p.ID,
			Vector: p.Vector,
			Payload: pointPayload{
				Event:     p.Event,
				RiskLevel: p.RiskLevel,
				IndexedAt: indexedAt.Unix(),
			},
		}
	}

	resp, err := s.do(ctx, http.MethodPut, s.collectionURL("/points"), req)
	if err != nil {
		return fmt.Errorf("vectorstore: batch upsert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("vectorstore: batch upsert returned status %d", resp.StatusCode)
	}
	return nil
}

type searchRequest struct {
	Vector events.Embedding `json:"vector"`
	Limit  int              `json:"limit"`
}

type searchHit struct {
	ID      string       `json:"id"`
	Score   float64      `json:"score"`
	Payload pointPayload `json:"payload"`
}

type searchResponse struct {
	Result []searchHit `json:"result"`
}

// Search returns up to k results ordered by descending score. Ties break by
// descending IndexedAt then ascending ID. A 404 (collection absent) returns
// an empty result set rather than an error.
func (s *HTTPStore) Search(ctx context.Context, query events.Embedding, k int) ([]Result, error) {
	resp, err := s.do(ctx, http.MethodPost, s.collectionURL("/points/search"), searchRequest{Vector: query, Limit: k})
	if err != nil {
		return nil, fmt.Errorf("vectorstore: search: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("vectorstore: search returned status %d", resp.StatusCode)
	}

	var parsed searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("vectorstore: decoding search response: %w", err)
	}

	sort.SliceStable(parsed.Result, func(i, j int) bool {
		a, b := parsed.Result[i], parsed.Result[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Payload.IndexedAt != b.Payload.IndexedAt {
			return a.Payload.IndexedAt > b.Payload.IndexedAt
		}
		return a.ID < b.ID
	})

	if k > 0 && len(parsed.Result) > k {
		parsed.Result = parsed.Result[:k]
	}

	results := make([]Result, len(parsed.Result))
	for i, hit := range parsed.Result {
		results[i] = Result{
			Event:     hit.Payload.Event,
			Score:     hit.Score,
			RiskLevel: hit.Payload.RiskLevel,
			IndexedAt: time.Unix(hit.Payload.IndexedAt, 0),
		}
	}
	return results, nil
}

type scrollFilter struct {
	Filter scrollRange `json:"filter"`
	Limit  int         `json:"limit"`
}

type scrollRange struct {
	Must []rangeCondition `json:"must"`
}

type rangeCondition struct {
	Key   string     `json:"key"`
	Range rangeBound `json:"range"`
}

type rangeBound struct {
	Gte int64 `json:"gte,omitempty"`
	Lt  int64 `json:"lt,omitempty"`
}

type scrollResponse struct {
	Result struct {
		Points []searchHit `json:"points"`
	} `json:"result"`
}

// Has24HoursOfData reports whether the collection exists, is non-empty, and
// holds at least one point indexed within the last 24 hours. A 404 from the
// backend means the collection does not exist and is treated as false, not
// an error.
func (s *HTTPStore) Has24HoursOfData(ctx context.Context) (bool, error) {
	cutoff := now().Add(-24 * time.Hour).Unix()
	req := scrollFilter{
		Filter: scrollRange{Must: []rangeCondition{{Key: "indexed_at_unix", Range: rangeBound{Gte: cutoff}}}},
		Limit:  1,
	}

	resp, err := s.do(ctx, http.MethodPost, s.collectionURL("/points/scroll"), req)
	if err != nil {
		return false, fmt.Errorf("vectorstore: has24HoursOfData: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Errorf("vectorstore: scroll returned status %d", resp.StatusCode)
	}

	var parsed scrollResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return false, fmt.Errorf("vectorstore: decoding scroll response: %w", err)
	}
	return len(parsed.Result.Points) > 0, nil
}

// DeleteOlderThan24Hours best-effort prunes points indexed more than 24h
// ago. The caller treats a non-nil return as log-and-continue, never fatal.
func (s *HTTPStore) DeleteOlderThan24Hours(ctx context.Context) error {
	cutoff := now().Add(-24 * time.Hour).Unix()
	req := scrollFilter{
		Filter: scrollRange{Must: []rangeCondition{{Key: "indexed_at_unix", Range: rangeBound{Lt: cutoff}}}},
	}

	resp, err := s.do(ctx, http.MethodPost, s.collectionURL("/points/delete"), req)
	if err != nil {
		return fmt.Errorf("vectorstore: delete older than 24h: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("vectorstore: delete returned status %d", resp.StatusCode)
	}
	return nil
}

var _ Store = (*HTTPStore)(nil)
