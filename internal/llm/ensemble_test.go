package llm

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/castellan/castellan/internal/config"
	"github.com/castellan/castellan/internal/events"
)

func responseJSON(risk events.RiskLevel, confidence int, mitre ...string) string {
	resp := events.LlmSecurityEventResponse{
		Risk: risk, Confidence: confidence, Summary: "A sufficiently long summary text.",
		Mitre: mitre, RecommendedActions: []string{"Investigate"}, EventType: events.EventTypeSuspiciousActivity,
	}
	data, _ := json.Marshal(resp)
	return string(data)
}

func dialFixed(results map[string]string) func(string) Client {
	return func(model string) Client {
		return &scriptedClient{results: []string{results[model]}}
	}
}

func TestEnsembleMajorityVoteOnRisk(t *testing.T) {
	cfg := config.EnsembleConfig{
		Enabled: true, Models: []string{"a", "b", "c"}, VoteMode: "majority",
		ConfidenceReducer: "mean", MinSuccessfulModels: 2,
	}
	dial := dialFixed(map[string]string{
		"a": responseJSON(events.RiskHigh, 80, "T1078"),
		"b": responseJSON(events.RiskHigh, 70, "T1059"),
		"c": responseJSON(events.RiskLow, 20),
	})
	inner := &scriptedClient{results: []string{responseJSON(events.RiskLow, 10)}}
	e := newEnsembleClient(inner, cfg, dial)

	raw, err := e.Analyze(context.Background(), AnalyzeEvent{}, nil)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	var resp events.LlmSecurityEventResponse
	json.Unmarshal([]byte(raw), &resp)
	if resp.Risk != events.RiskHigh {
		t.Fatalf("expected majority risk=high, got %v", resp.Risk)
	}
	if resp.Confidence != 56 { // (80+70+20)/3 = 56.67 -> int() truncates to 56
		t.Fatalf("expected mean confidence 56, got %d", resp.Confidence)
	}
	if len(resp.Mitre) != 2 || resp.Mitre[0] != "T1059" || resp.Mitre[1] != "T1078" {
		t.Fatalf("expected sorted union of mitre ids, got %v", resp.Mitre)
	}
}

func TestEnsembleFallsThroughWhenNoModelSucceeds(t *testing.T) {
	cfg := config.EnsembleConfig{Enabled: true, Models: []string{"a", "b"}, MinSuccessfulModels: 1}
	dial := func(model string) Client {
		return &scriptedClient{results: []string{""}}
	}
	inner := &scriptedClient{results: []string{responseJSON(events.RiskMedium, 50)}}
	e := newEnsembleClient(inner, cfg, dial)

	raw, err := e.Analyze(context.Background(), AnalyzeEvent{}, nil)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	var resp events.LlmSecurityEventResponse
	json.Unmarshal([]byte(raw), &resp)
	if resp.Risk != events.RiskMedium {
		t.Fatalf("expected fallthrough to default client, got %+v", resp)
	}
	if e.Stats().FellThrough.Load() != 1 {
		t.Fatal("expected FellThrough to be incremented")
	}
}

func TestEnsembleReturnsBestPartialWhenBelowMinimum(t *testing.T) {
	cfg := config.EnsembleConfig{Enabled: true, Models: []string{"a", "b", "c"}, MinSuccessfulModels: 3}
	dial := dialFixed(map[string]string{
		"a": responseJSON(events.RiskHigh, 90),
		"b": "",
		"c": "",
	})
	inner := &scriptedClient{results: []string{responseJSON(events.RiskLow, 1)}}
	e := newEnsembleClient(inner, cfg, dial)

	raw, err := e.Analyze(context.Background(), AnalyzeEvent{}, nil)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	var resp events.LlmSecurityEventResponse
	json.Unmarshal([]byte(raw), &resp)
	if resp.Confidence != 90 {
		t.Fatalf("expected highest-confidence partial result, got %+v", resp)
	}
	if e.Stats().PartialResults.Load() != 1 {
		t.Fatal("expected PartialResults to be incremented")
	}
}

func TestEnsembleGenerateNeverVoted(t *testing.T) {
	cfg := config.EnsembleConfig{Enabled: true, Models: []string{"a", "b"}, MinSuccessfulModels: 1}
	dialCalled := false
	dial := func(model string) Client {
		dialCalled = true
		return &scriptedClient{results: []string{"should not be used"}}
	}
	inner := &scriptedClient{results: []string{"default client response"}}
	e := newEnsembleClient(inner, cfg, dial)

	got, err := e.Generate(context.Background(), "sys", "user")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got != "default client response" {
		t.Fatalf("got %q, want pass-through to default client", got)
	}
	if dialCalled {
		t.Fatal("Generate must never dial per-model clients")
	}
}

func TestEnsembleWeightsNormalizeToSumOne(t *testing.T) {
	weights := normalizeWeights([]float64{2, 2, 4}, 3)
	sum := 0.0
	for _, w := range weights {
		sum += w
	}
	if diff := sum - 1.0; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("weights sum to %v, want 1.0", sum)
	}
}
