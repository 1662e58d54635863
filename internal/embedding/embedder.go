// Package embedding maps event text to fixed-dimension float vectors via a
// remote model endpoint, fronted by a content-addressed cache.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/castellan/castellan/internal/config"
	"github.com/castellan/castellan/internal/events"
)

// Embedder maps text to a vector embedding.
type Embedder interface {
	Embed(ctx context.Context, text string) (events.Embedding, error)
}

// HTTPEmbedder is the base transport to a local-model-server or
// provider-specific embeddings endpoint.
type HTTPEmbedder struct {
	cfg    config.EmbeddingConfig
	client *http.Client
}

// New constructs an HTTPEmbedder against cfg.
func New(cfg config.EmbeddingConfig) *HTTPEmbedder {
	return &HTTPEmbedder{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Embed POSTs {model, prompt} to the configured endpoint and returns the
// parsed embedding. Non-success HTTP status is a transport error. Any JSON
// parse failure or missing field returns an empty vector, never an error,
// Cancellation propagates as an error rather than silently
// returning empty.
func (e *HTTPEmbedder) Embed(ctx context.Context, text string) (events.Embedding, error) {
	body, err := json.Marshal(embedRequest{Model: e.cfg.Model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("embedding: marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.Endpoint+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embedding: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("embedding: transport error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("embedding: endpoint returned status %d: %s", resp.StatusCode, respBody)
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return events.Embedding{}, nil
	}
	if len(parsed.Embedding) == 0 {
		return events.Embedding{}, nil
	}

	return events.Embedding(parsed.Embedding), nil
}

var _ Embedder = (*HTTPEmbedder)(nil)
