package llm

import (
	"strconv"
	"strings"
)

// schemaInstruction is appended to every analyze prompt, describing the
// exact JSON shape and validation constraints the response schema requires.
const schemaInstruction = `Respond with a single JSON object with exactly these fields:
"risk" (one of "low", "medium", "high", "critical"),
"confidence" (integer 0-100),
"summary" (string, 10-500 characters),
"mitre" (array of ATT&CK technique ids, may be empty),
"recommended_actions" (array of strings, may be empty),
"event_type" (one of AuthenticationSuccess, AuthenticationFailure, AccountManagement, PrivilegeEscalation, ServiceInstallation, ScheduledTask, ProcessCreation, PowerShellExecution, BurstActivity, CorrelatedActivity, AnomalousActivity, SuspiciousActivity, Unknown).
Respond with JSON only, no prose.`

// buildAnalyzePrompt renders the new event and up to K neighbours into the
// templated analysis prompt.
func buildAnalyzePrompt(event AnalyzeEvent, neighbours []NeighbourEvent) string {
	var b strings.Builder
	b.WriteString("New security event:\n")
	b.WriteString(renderEvent(event.Time, event.Channel, event.EventID, event.Message))
	b.WriteString("\n\n")

	if len(neighbours) > 0 {
		b.WriteString("Similar recent events:\n")
		for i, n := range neighbours {
			if i > 0 {
				b.WriteString("\n---\n")
			}
			b.WriteString(renderEvent(n.Time, n.Channel, n.EventID, n.Message))
		}
		b.WriteString("\n\n")
	}

	b.WriteString(schemaInstruction)
	return b.String()
}

func renderEvent(isoTime, channel string, eventID int, message string) string {
	return isoTime + " [" + channel + "/" + strconv.Itoa(eventID) + "] " + message
}
