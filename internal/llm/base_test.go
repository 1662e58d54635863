package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/castellan/castellan/internal/config"
)

func newLLMTestServer(t *testing.T, handler http.HandlerFunc) string {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestBaseClientGenerateLocalModelServer(t *testing.T) {
	url := newLLMTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/api/generate") {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(generateResponse{Response: "hello back"})
	})

	c := newBaseClient(config.LLMConfig{Provider: providerLocalModelServer, Endpoint: url, Model: "llama3", Timeout: time.Second})
	got, err := c.Generate(context.Background(), "", "hi")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got != "hello back" {
		t.Fatalf("got %q, want %q", got, "hello back")
	}
}

func TestBaseClientGenerateRemoteChatAPI(t *testing.T) {
	url := newLLMTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Fatalf("missing bearer auth, got %q", r.Header.Get("Authorization"))
		}
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"chat reply"}}]}`))
	})

	c := newBaseClient(config.LLMConfig{Provider: providerRemoteChatAPI, Endpoint: url, APIKey: "secret", Model: "gpt", Timeout: time.Second})
	got, err := c.Generate(context.Background(), "system", "user")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got != "chat reply" {
		t.Fatalf("got %q, want %q", got, "chat reply")
	}
}

func TestBaseClientNonSuccessStatusPropagatesError(t *testing.T) {
	url := newLLMTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	c := newBaseClient(config.LLMConfig{Provider: providerLocalModelServer, Endpoint: url, Timeout: time.Second})
	if _, err := c.Generate(context.Background(), "", "hi"); err == nil {
		t.Fatal("expected error for non-success status")
	}
}

func TestBaseClientMalformedJSONReturnsEmptyNotError(t *testing.T) {
	url := newLLMTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	})
	c := newBaseClient(config.LLMConfig{Provider: providerLocalModelServer, Endpoint: url, Timeout: time.Second})
	got, err := c.Generate(context.Background(), "", "hi")
	if err != nil {
		t.Fatalf("Generate returned error for malformed JSON: %v", err)
	}
	if got != "" {
		t.Fatalf("got %q, want empty string", got)
	}
}

func TestBaseClientAnalyzeTemplatesNeighbours(t *testing.T) {
	var capturedPrompt string
	url := newLLMTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		json.NewDecoder(r.Body).Decode(&req)
		capturedPrompt = req.Prompt
		json.NewEncoder(w).Encode(generateResponse{Response: "{}"})
	})

	c := newBaseClient(config.LLMConfig{Provider: providerLocalModelServer, Endpoint: url, Timeout: time.Second})
	event := AnalyzeEvent{Time: "2024-06-01T12:00:00Z", Channel: "Security", EventID: 4624, Message: "logon"}
	neighbours := []NeighbourEvent{{Time: "2024-06-01T11:55:00Z", Channel: "Security", EventID: 4624, Message: "prior logon"}}

	if _, err := c.Analyze(context.Background(), event, neighbours); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if !strings.Contains(capturedPrompt, "Security/4624") {
		t.Fatalf("prompt missing rendered event: %q", capturedPrompt)
	}
	if !strings.Contains(capturedPrompt, "prior logon") {
		t.Fatalf("prompt missing neighbour: %q", capturedPrompt)
	}
}
