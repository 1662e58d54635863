package llm

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/castellan/castellan/internal/config"
	"github.com/castellan/castellan/internal/events"
)

// StrictJSONStats counts how often repair gave up and a fallback response
// was synthesized.
type StrictJSONStats struct {
	FallbackUsed atomic.Int64
}

// strictJSONClient extracts, validates, and repairs the inner client's raw
// text into schema-valid JSON. When enabled, Analyze's result is always
// schema-valid JSON text; when disabled, the inner text is returned as is.
// A retry re-sends the same event and neighbours to the inner client; the
// prompt is not changed between attempts. Generate passes through untouched (the schema
// only applies to analysis responses).
type strictJSONClient struct {
	inner Client
	cfg   config.StrictJSONConfig
	stats StrictJSONStats
}

func newStrictJSONClient(inner Client, cfg config.StrictJSONConfig) *strictJSONClient {
	return &strictJSONClient{inner: inner, cfg: cfg}
}

// Stats returns the live strict-JSON statistics.
func (c *strictJSONClient) Stats() *StrictJSONStats { return &c.stats }

func (c *strictJSONClient) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return c.inner.Generate(ctx, systemPrompt, userPrompt)
}

func (c *strictJSONClient) Analyze(ctx context.Context, event AnalyzeEvent, neighbours []NeighbourEvent) (string, error) {
	raw, err := c.inner.Analyze(ctx, event, neighbours)
	if err != nil {
		return "", err
	}

	if !c.cfg.Enabled {
		return raw, nil
	}

	if resp, ok := c.tryParse(raw); ok {
		return mustMarshal(resp), nil
	}

	if c.cfg.RetryOnFailure {
		maxAttempts := c.cfg.MaxRetryAttempts
		if maxAttempts <= 0 {
			maxAttempts = 1
		}
		for attempt := 0; attempt < maxAttempts; attempt++ {
			retryEvent := event
			retryNeighbours := neighbours
			raw, err = c.inner.Analyze(ctx, retryEvent, retryNeighbours)
			if err != nil {
				return "", err
			}
			if resp, ok := c.tryParse(raw); ok {
				return mustMarshal(resp), nil
			}
		}
	}

	c.stats.FallbackUsed.Add(1)
	return mustMarshal(fallbackResponse(raw)), nil
}

// tryParse attempts direct JSON parse, then falls back to extracting the
// first balanced {...} block from a fenced or free-text response, then
// validates against the schema and the configured minimum confidence.
func (c *strictJSONClient) tryParse(raw string) (events.LlmSecurityEventResponse, bool) {
	candidates := []string{raw}
	if block, ok := extractJSONObject(raw); ok {
		candidates = append(candidates, block)
	}

	for _, candidate := range candidates {
		var resp events.LlmSecurityEventResponse
		if err := json.Unmarshal([]byte(candidate), &resp); err != nil {
			continue
		}
		if resp.EventType == "" {
			resp.EventType = events.EventTypeUnknown
		}
		if err := resp.Validate(); err != nil {
			continue
		}
		if resp.Confidence < c.cfg.MinConfidence {
			continue
		}
		return resp, true
	}
	return events.LlmSecurityEventResponse{}, false
}

var fencedBlockPattern = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// extractJSONObject pulls the first balanced {...} object out of raw,
// preferring a fenced ```json block if present, else scanning free text.
func extractJSONObject(raw string) (string, bool) {
	if m := fencedBlockPattern.FindStringSubmatch(raw); m != nil {
		return m[1], true
	}

	start := strings.IndexByte(raw, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	for i := start; i < len(raw); i++ {
		switch raw[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return raw[start : i+1], true
			}
		}
	}
	return "", false
}

var summaryFragmentPattern = regexp.MustCompile(`"summary"\s*:\s*"([^"]*)"`)

// fallbackResponse synthesizes the canned low-confidence result emitted
// when repair fails entirely: risk=low, confidence=25, and a
// summary recovered from a `"summary": "..."` fragment if one exists in the
// raw text, else a canned message.
func fallbackResponse(raw string) events.LlmSecurityEventResponse {
	summary := "Unable to parse model response; manual review recommended."
	if m := summaryFragmentPattern.FindStringSubmatch(raw); m != nil && len(m[1]) >= 10 {
		summary = m[1]
	}
	return events.LlmSecurityEventResponse{
		Risk:               events.RiskLow,
		Confidence:         25,
		Summary:            summary,
		Mitre:              []string{},
		RecommendedActions: []string{},
		EventType:          events.EventTypeUnknown,
	}
}

func mustMarshal(resp events.LlmSecurityEventResponse) string {
	data, err := json.Marshal(resp)
	if err != nil {
		// resp is always a concrete, already-validated struct; Marshal only
		// fails on cyclic or unsupported types, neither of which applies.
		return ""
	}
	return string(data)
}

var _ Client = (*strictJSONClient)(nil)
