package llm

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/castellan/castellan/internal/config"
	"github.com/castellan/castellan/internal/events"
)

func testStrictJSONConfig() config.StrictJSONConfig {
	return config.StrictJSONConfig{Enabled: true, RetryOnFailure: true, MaxRetryAttempts: 1, MinConfidence: 0}
}

func validResponseJSON() string {
	resp := events.LlmSecurityEventResponse{
		Risk: events.RiskLow, Confidence: 85, Summary: "Successful login detected",
		Mitre: []string{"T1078"}, RecommendedActions: []string{"Monitor user activity"},
		EventType: events.EventTypeAuthenticationSuccess,
	}
	data, _ := json.Marshal(resp)
	return string(data)
}

func TestStrictJSONPassesThroughValidResponse(t *testing.T) {
	inner := &scriptedClient{results: []string{validResponseJSON()}}
	c := newStrictJSONClient(inner, testStrictJSONConfig())

	raw, err := c.Analyze(context.Background(), AnalyzeEvent{}, nil)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	var resp events.LlmSecurityEventResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		t.Fatalf("result did not parse as JSON: %v", err)
	}
	if resp.Risk != events.RiskLow || resp.Confidence != 85 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestStrictJSONExtractsFromFencedBlock(t *testing.T) {
	fenced := "Here is my analysis:\n```json\n" + validResponseJSON() + "\n```\nLet me know if you need more."
	inner := &scriptedClient{results: []string{fenced}}
	c := newStrictJSONClient(inner, testStrictJSONConfig())

	raw, err := c.Analyze(context.Background(), AnalyzeEvent{}, nil)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	var resp events.LlmSecurityEventResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		t.Fatalf("result did not parse as JSON: %v", err)
	}
	if resp.Summary != "Successful login detected" {
		t.Fatalf("unexpected summary: %q", resp.Summary)
	}
}

func TestStrictJSONRetriesThenFallsBackToCannedResponse(t *testing.T) {
	inner := &scriptedClient{results: []string{"{ invalid json }", "{ still invalid }"}}
	c := newStrictJSONClient(inner, testStrictJSONConfig())

	raw, err := c.Analyze(context.Background(), AnalyzeEvent{}, nil)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	var resp events.LlmSecurityEventResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		t.Fatalf("fallback result did not parse as JSON: %v", err)
	}
	if resp.Risk != events.RiskLow || resp.Confidence != 25 {
		t.Fatalf("expected fallback risk=low confidence=25, got %+v", resp)
	}
	if c.Stats().FallbackUsed.Load() != 1 {
		t.Fatalf("FallbackUsed = %d, want 1", c.Stats().FallbackUsed.Load())
	}
	if inner.calls.Load() != 2 {
		t.Fatalf("expected exactly one retry (2 total calls), got %d", inner.calls.Load())
	}
}

func TestStrictJSONExtractsSummaryFragmentOnFallback(t *testing.T) {
	broken := `not quite json but has "summary": "Unusual PowerShell execution detected" embedded`
	inner := &scriptedClient{results: []string{broken, broken}}
	c := newStrictJSONClient(inner, testStrictJSONConfig())

	raw, err := c.Analyze(context.Background(), AnalyzeEvent{}, nil)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	var resp events.LlmSecurityEventResponse
	json.Unmarshal([]byte(raw), &resp)
	if resp.Summary != "Unusual PowerShell execution detected" {
		t.Fatalf("expected recovered summary fragment, got %q", resp.Summary)
	}
}

func TestStrictJSONDisabledIsPassThrough(t *testing.T) {
	inner := &scriptedClient{results: []string{"{ invalid json }"}}
	c := newStrictJSONClient(inner, config.StrictJSONConfig{Enabled: false})

	raw, err := c.Analyze(context.Background(), AnalyzeEvent{}, nil)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if raw != "{ invalid json }" {
		t.Fatalf("expected pass-through of raw text, got %q", raw)
	}
	if c.Stats().FallbackUsed.Load() != 0 {
		t.Fatal("expected no statistics kept when disabled")
	}
}

func TestStrictJSONRejectsBelowMinConfidence(t *testing.T) {
	inner := &scriptedClient{results: []string{validResponseJSON(), validResponseJSON()}}
	cfg := testStrictJSONConfig()
	cfg.MinConfidence = 90 // validResponseJSON has confidence 85
	c := newStrictJSONClient(inner, cfg)

	raw, err := c.Analyze(context.Background(), AnalyzeEvent{}, nil)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	var resp events.LlmSecurityEventResponse
	json.Unmarshal([]byte(raw), &resp)
	if resp.Confidence != 25 {
		t.Fatalf("expected fallback due to confidence below threshold, got %+v", resp)
	}
}
