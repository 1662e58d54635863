package channels

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/castellan/castellan/internal/events"
	"github.com/castellan/castellan/internal/notify"
)

// family buckets the closed event-type taxonomy into the coarse groups the
// per-platform templates are keyed by. Unknown and unrecognised types map to
// "unknown", which has no template of its own and so takes the fallback.
func family(t events.EventType) string {
	switch t {
	case events.EventTypeAuthenticationSuccess, events.EventTypeAuthenticationFailure:
		return "authentication"
	case events.EventTypeAccountManagement, events.EventTypePrivilegeEscalation:
		return "account"
	case events.EventTypeProcessCreation, events.EventTypePowerShellExecution:
		return "execution"
	case events.EventTypeServiceInstallation, events.EventTypeScheduledTask:
		return "persistence"
	case events.EventTypeBurstActivity, events.EventTypeCorrelatedActivity,
		events.EventTypeAnomalousActivity, events.EventTypeSuspiciousActivity:
		return "anomaly"
	default:
		return "unknown"
	}
}

// templateData is the flat shape handed to alert body templates.
type templateData struct {
	ID      string
	Kind    string
	Risk    string
	Summary string
	Host    string
	Channel string
	EventID int
	User    string
	Mitre   string
	Actions string
}

func newTemplateData(p notify.Payload) templateData {
	return templateData{
		ID:      p.ID,
		Kind:    p.Kind,
		Risk:    strings.ToUpper(string(p.Event.Response.Risk)),
		Summary: p.Event.Response.Summary,
		Host:    p.Event.OriginalEvent.Host,
		Channel: p.Event.OriginalEvent.Channel,
		EventID: p.Event.OriginalEvent.EventID,
		User:    p.Event.OriginalEvent.User,
		Mitre:   strings.Join(p.Event.Response.Mitre, ", "),
		Actions: strings.Join(p.Event.Response.RecommendedActions, "; "),
	}
}

// templateStore holds parsed alert body templates keyed by
// (platform, event-type family). A missing key falls back to the built-in
// formatter.
type templateStore struct {
	byKey map[string]*template.Template
}

func newTemplateStore() *templateStore {
	s := &templateStore{byKey: make(map[string]*template.Template)}
	for key, text := range builtinTemplates {
		s.byKey[key] = template.Must(template.New(key).Parse(text))
	}
	return s
}

// Render produces the alert body text for platform, resolving by event-type
// family and falling back to the built-in formatter on a missing template.
func (s *templateStore) Render(platform string, p notify.Payload) string {
	tmpl, ok := s.byKey[platform+"/"+family(p.Event.Response.EventType)]
	if !ok {
		return fallbackBody(p)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, newTemplateData(p)); err != nil {
		return fallbackBody(p)
	}
	return buf.String()
}

// attackChainBody renders a multi-event chain as one numbered list.
func attackChainBody(chain []events.SecurityEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Attack chain of %d linked events:\n", len(chain))
	for i, e := range chain {
		fmt.Fprintf(&b, "%d. [%s] %s (host %s, event %d)\n",
			i+1, strings.ToUpper(string(e.Response.Risk)), e.Response.Summary,
			e.OriginalEvent.Host, e.OriginalEvent.EventID)
	}
	return b.String()
}

// fallbackBody is the built-in formatter used when no template matches.
func fallbackBody(p notify.Payload) string {
	e := p.Event
	return fmt.Sprintf("[%s] %s (host %s, channel %s, event %d)",
		strings.ToUpper(string(e.Response.Risk)), e.Response.Summary,
		e.OriginalEvent.Host, e.OriginalEvent.Channel, e.OriginalEvent.EventID)
}

var builtinTemplates = map[string]string{
	"teams/authentication": "**{{.Risk}}** {{.Summary}}\n\nUser `{{.User}}` on `{{.Host}}` ({{.Channel}}/{{.EventID}}).{{if .Mitre}}\n\nATT&CK: {{.Mitre}}{{end}}",
	"teams/account":        "**{{.Risk}}** {{.Summary}}\n\nAccount activity by `{{.User}}` on `{{.Host}}`.{{if .Actions}}\n\nRecommended: {{.Actions}}{{end}}",
	"teams/execution":      "**{{.Risk}}** {{.Summary}}\n\nProcess activity on `{{.Host}}` ({{.Channel}}/{{.EventID}}).{{if .Mitre}}\n\nATT&CK: {{.Mitre}}{{end}}",
	"teams/persistence":    "**{{.Risk}}** {{.Summary}}\n\nPersistence mechanism observed on `{{.Host}}`.{{if .Actions}}\n\nRecommended: {{.Actions}}{{end}}",
	"teams/anomaly":        "**{{.Risk}}** {{.Summary}}\n\nAnomalous pattern on `{{.Host}}` ({{.Channel}}/{{.EventID}}).",

	"slack/authentication": "*{{.Risk}}* {{.Summary}} — user `{{.User}}` on `{{.Host}}` ({{.Channel}}/{{.EventID}}){{if .Mitre}} | ATT&CK: {{.Mitre}}{{end}}",
	"slack/account":        "*{{.Risk}}* {{.Summary}} — account activity by `{{.User}}` on `{{.Host}}`{{if .Actions}} | Recommended: {{.Actions}}{{end}}",
	"slack/execution":      "*{{.Risk}}* {{.Summary}} — process activity on `{{.Host}}` ({{.Channel}}/{{.EventID}}){{if .Mitre}} | ATT&CK: {{.Mitre}}{{end}}",
	"slack/persistence":    "*{{.Risk}}* {{.Summary}} — persistence mechanism on `{{.Host}}`",
	"slack/anomaly":        "*{{.Risk}}* {{.Summary}} — anomalous pattern on `{{.Host}}` ({{.Channel}}/{{.EventID}})",
}
