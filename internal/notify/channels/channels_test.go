package channels

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/castellan/castellan/internal/events"
	"github.com/castellan/castellan/internal/notify"
)

func securityPayload(risk events.RiskLevel, eventType events.EventType) notify.Payload {
	return notify.Payload{
		ID:   "alert-1",
		Kind: "security",
		Event: events.SecurityEvent{
			OriginalEvent: events.LogEvent{
				Time: time.Now(), Host: "H1", Channel: "Security", EventID: 4625, User: "alice",
				Message: "An account failed to log on",
			},
			Response: events.LlmSecurityEventResponse{
				Risk: risk, Confidence: 80, Summary: "Failed logon detected on host",
				Mitre: []string{"T1110"}, RecommendedActions: []string{"Check source IP"},
				EventType: eventType,
			},
		},
	}
}

func TestWebhookSendPostsJSON(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
	}))
	defer srv.Close()

	w := NewWebhook("generic", srv.URL, true)
	if err := w.Send(context.Background(), securityPayload(events.RiskHigh, events.EventTypeAuthenticationFailure)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got["risk"] != "high" || got["id"] != "alert-1" {
		t.Fatalf("unexpected envelope: %v", got)
	}

	h := w.Health()
	if !h.IsHealthy || h.SuccessCount != 1 {
		t.Fatalf("health after success = %+v", h)
	}
}

func TestWebhookSendNonSuccessStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	w := NewWebhook("generic", srv.URL, true)
	if err := w.Send(context.Background(), securityPayload(events.RiskLow, events.EventTypeUnknown)); err == nil {
		t.Fatal("expected error on non-2xx status")
	}
	h := w.Health()
	if h.IsHealthy || h.FailureCount != 1 || h.LastError == "" {
		t.Fatalf("health after failure = %+v", h)
	}
}

func TestTeamsRejectsDisallowedHost(t *testing.T) {
	if _, err := NewTeams("teams", "https://evil.example.com/webhook", true); err == nil {
		t.Fatal("expected host allow-list rejection")
	}
}

func TestTeamsAcceptsAllowedHosts(t *testing.T) {
	for _, host := range []string{"outlook.office.com", "teams.microsoft.com"} {
		if _, err := NewTeams("teams", "https://"+host+"/webhook/abc", true); err != nil {
			t.Fatalf("host %s should be allowed: %v", host, err)
		}
	}
}

func TestSlackRejectsDisallowedHost(t *testing.T) {
	if _, err := NewSlack("slack", "https://slack.example.com/services/x", true); err == nil {
		t.Fatal("expected host allow-list rejection")
	}
	if _, err := NewSlack("slack", "https://hooks.slack.com/services/T000/B000/XXX", true); err != nil {
		t.Fatalf("hooks.slack.com should be allowed: %v", err)
	}
}

func TestTeamsEnvelopeIsMessageCard(t *testing.T) {
	teams, err := NewTeams("teams", "https://outlook.office.com/webhook/abc", true)
	if err != nil {
		t.Fatal(err)
	}
	env := teams.envelope(securityPayload(events.RiskCritical, events.EventTypeAuthenticationFailure))
	if env["@type"] != "MessageCard" {
		t.Fatalf("@type = %v", env["@type"])
	}
	if env["themeColor"] != riskThemeColor["critical"] {
		t.Fatalf("themeColor = %v", env["themeColor"])
	}
	text, _ := env["text"].(string)
	if !strings.Contains(text, "CRITICAL") || !strings.Contains(text, "alice") {
		t.Fatalf("rendered template missing fields: %q", text)
	}
}

func TestSlackEnvelopeUsesAttachments(t *testing.T) {
	slack, err := NewSlack("slack", "https://hooks.slack.com/services/T/B/X", true)
	if err != nil {
		t.Fatal(err)
	}
	env := slack.envelope(securityPayload(events.RiskMedium, events.EventTypeProcessCreation))
	attachments, ok := env["attachments"].([]map[string]any)
	if !ok || len(attachments) != 1 {
		t.Fatalf("attachments = %v", env["attachments"])
	}
	if attachments[0]["color"] != riskAttachmentColor["medium"] {
		t.Fatalf("color = %v", attachments[0]["color"])
	}
}

func TestTemplateFallbackOnUnknownFamily(t *testing.T) {
	store := newTemplateStore()
	p := securityPayload(events.RiskLow, events.EventTypeUnknown)
	body := store.Render("slack", p)
	if !strings.Contains(body, p.Event.Response.Summary) {
		t.Fatalf("fallback body should contain the summary: %q", body)
	}
}

func TestAttackChainBodyListsEveryEvent(t *testing.T) {
	chain := []events.SecurityEvent{
		securityPayload(events.RiskHigh, events.EventTypeAuthenticationFailure).Event,
		securityPayload(events.RiskCritical, events.EventTypePrivilegeEscalation).Event,
	}
	body := attackChainBody(chain)
	if !strings.Contains(body, "2 linked events") || !strings.Contains(body, "1.") || !strings.Contains(body, "2.") {
		t.Fatalf("chain body = %q", body)
	}
}
