package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/castellan/castellan/internal/events"
)

func TestHintEventTypeKnownIDs(t *testing.T) {
	cases := []struct {
		channel string
		eventID int
		want    events.EventType
	}{
		{"Security", 4624, events.EventTypeAuthenticationSuccess},
		{"Security", 4625, events.EventTypeAuthenticationFailure},
		{"System", 7045, events.EventTypeServiceInstallation},
		{"Microsoft-Windows-PowerShell/Operational", 4104, events.EventTypePowerShellExecution},
	}
	for _, tc := range cases {
		got, ok := hintEventType(events.LogEvent{Channel: tc.channel, EventID: tc.eventID})
		if !ok || got != tc.want {
			t.Fatalf("hint for (%s, %d) = (%v, %v), want %v", tc.channel, tc.eventID, got, ok, tc.want)
		}
	}
	if _, ok := hintEventType(events.LogEvent{Channel: "Security", EventID: 1}); ok {
		t.Fatal("unknown event id should have no hint")
	}
}

func TestLoadRulesEmptyPathMeansNoDeterministicRules(t *testing.T) {
	rules, err := loadRules("")
	if err != nil {
		t.Fatalf("loadRules: %v", err)
	}
	if len(rules) != 0 {
		t.Fatalf("expected no deterministic rules without a rule file, got %d", len(rules))
	}
	if _, ok := classifyDeterministic(rules, events.LogEvent{Channel: "Security", EventID: 4624}); ok {
		t.Fatal("hinted events must not classify deterministically")
	}
}

func TestLoadRulesFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	content := `
- channel: Application
  event_id: 1000
  event_type: AnomalousActivity
- channel: Security
  event_id: 5038
  event_type: SuspiciousActivity
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	rules, err := loadRules(path)
	if err != nil {
		t.Fatalf("loadRules: %v", err)
	}

	if got, ok := classifyDeterministic(rules, events.LogEvent{Channel: "Application", EventID: 1000}); !ok || got != events.EventTypeAnomalousActivity {
		t.Fatalf("file entry not applied: (%v, %v)", got, ok)
	}
	if got, ok := classifyDeterministic(rules, events.LogEvent{Channel: "Security", EventID: 5038}); !ok || got != events.EventTypeSuspiciousActivity {
		t.Fatalf("file entry not applied: (%v, %v)", got, ok)
	}
}

func TestLoadRulesRejectsUnknownEventType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	content := "- channel: Security\n  event_id: 1\n  event_type: NotAThing\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := loadRules(path); err == nil {
		t.Fatal("expected error for event type outside the closed taxonomy")
	}
}
