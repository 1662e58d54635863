package pipeline

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v3"

	"github.com/castellan/castellan/internal/events"
)

// ruleKey is a (channel, eventID) pair.
type ruleKey struct {
	channel string
	eventID int
}

// eventTypeHints maps well-known Windows event ids to their event type.
// These are hints, not classifications: hinted events still go through the
// full LLM path for risk/confidence/summary, and the hint only fills the
// event type when the model does not supply one.
var eventTypeHints = map[ruleKey]events.EventType{
	{"Security", 4624}: events.EventTypeAuthenticationSuccess,
	{"Security", 4625}: events.EventTypeAuthenticationFailure,
	{"Security", 4634}: events.EventTypeAuthenticationSuccess,
	{"Security", 4720}: events.EventTypeAccountManagement,
	{"Security", 4722}: events.EventTypeAccountManagement,
	{"Security", 4724}: events.EventTypeAccountManagement,
	{"Security", 4738}: events.EventTypeAccountManagement,
	{"Security", 4672}: events.EventTypePrivilegeEscalation,
	{"System", 7045}:   events.EventTypeServiceInstallation,
	{"Security", 4697}: events.EventTypeServiceInstallation,
	{"Security", 4698}: events.EventTypeScheduledTask,
	{"Security", 4702}: events.EventTypeScheduledTask,
	{"Security", 4688}: events.EventTypeProcessCreation,
	{"Microsoft-Windows-PowerShell/Operational", 4104}: events.EventTypePowerShellExecution,
}

// hintEventType looks up the event-type hint for e, if one exists.
func hintEventType(e events.LogEvent) (events.EventType, bool) {
	t, ok := eventTypeHints[ruleKey{channel: e.Channel, eventID: e.EventID}]
	return t, ok
}

// ruleFileEntry is one row of an operator-supplied YAML rule file.
type ruleFileEntry struct {
	Channel   string `yaml:"channel"`
	EventID   int    `yaml:"event_id"`
	EventType string `yaml:"event_type"`
}

// loadRules reads the deterministic rule set from the YAML file at path.
// Events matching one of these rules are classified without any LLM call,
// so the set is opt-in: an empty path means no event skips analysis. An
// entry naming an event type outside the closed taxonomy is a load error,
// matching the fail-fast configuration policy.
func loadRules(path string) (map[ruleKey]events.EventType, error) {
	rules := make(map[ruleKey]events.EventType)
	if path == "" {
		return rules, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rule file: %w", err)
	}
	var entries []ruleFileEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing rule file %s: %w", path, err)
	}
	for _, entry := range entries {
		t := events.EventType(entry.EventType)
		if !events.ValidEventTypes[t] {
			return nil, fmt.Errorf("rule file %s: unknown event type %q", path, entry.EventType)
		}
		rules[ruleKey{channel: entry.Channel, eventID: entry.EventID}] = t
	}
	return rules, nil
}

// classifyDeterministic looks up e against the loaded rule set. ok is false
// when no rule matches, meaning the event must go through the LLM path.
func classifyDeterministic(rules map[ruleKey]events.EventType, e events.LogEvent) (events.EventType, bool) {
	t, ok := rules[ruleKey{channel: e.Channel, eventID: e.EventID}]
	return t, ok
}

// deterministicSummary renders a canned, schema-valid summary for a
// deterministically classified event (no LLM call is made for these).
func deterministicSummary(t events.EventType, e events.LogEvent) string {
	base := map[events.EventType]string{
		events.EventTypeAuthenticationSuccess: "Account logon activity matched a known-good pattern.",
		events.EventTypeAuthenticationFailure: "Account logon attempt failed.",
		events.EventTypeAccountManagement:     "An account management operation was performed.",
		events.EventTypePrivilegeEscalation:   "Special privileges were assigned to a logon session.",
		events.EventTypeServiceInstallation:   "A new service was installed on the host.",
		events.EventTypeScheduledTask:         "A scheduled task was created or modified.",
		events.EventTypeProcessCreation:       "A new process was created.",
		events.EventTypePowerShellExecution:   "A PowerShell command was executed.",
	}[t]
	if base == "" {
		base = "Event matched a deterministic classification rule."
	}
	return base
}
