package channels

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/castellan/castellan/internal/notify"
)

// teamsAllowedHosts is the Microsoft Teams webhook host allow-list.
var teamsAllowedHosts = []string{"outlook.office.com", "teams.microsoft.com"}

// riskThemeColor maps a risk level to the MessageCard accent colour.
var riskThemeColor = map[string]string{
	"critical": "8B0000",
	"high":     "FF4500",
	"medium":   "FFA500",
	"low":      "2E8B57",
}

// Teams posts MessageCard envelopes to a Microsoft Teams incoming webhook.
type Teams struct {
	transport
	name      string
	enabled   bool
	templates *templateStore
}

// NewTeams constructs a Teams driver. The webhook URL must resolve to one
// of the allowed Teams hosts; anything else is a construction error.
func NewTeams(name, rawURL string, enabled bool) (*Teams, error) {
	if err := validateHost(rawURL, teamsAllowedHosts); err != nil {
		return nil, fmt.Errorf("teams: %w", err)
	}
	return &Teams{transport: newTransport(rawURL), name: name, enabled: enabled, templates: newTemplateStore()}, nil
}

func (t *Teams) Type() string    { return "teams" }
func (t *Teams) Name() string    { return t.name }
func (t *Teams) IsEnabled() bool { return t.enabled }

func (t *Teams) Send(ctx context.Context, payload notify.Payload) error {
	body, err := json.Marshal(t.envelope(payload))
	if err != nil {
		return fmt.Errorf("teams: marshaling payload: %w", err)
	}
	err = t.post(ctx, body)
	t.recordResult(err)
	return err
}

func (t *Teams) TestConnection(ctx context.Context) error {
	body, _ := json.Marshal(map[string]any{
		"@type":    "MessageCard",
		"@context": "http://schema.org/extensions",
		"title":    "Castellan connection test",
		"text":     "This channel is reachable.",
	})
	err := t.post(ctx, body)
	t.recordResult(err)
	return err
}

func (t *Teams) envelope(p notify.Payload) map[string]any {
	title := "Castellan security alert"
	text := ""
	switch p.Kind {
	case "attack_chain":
		title = "Castellan attack-chain alert"
		text = attackChainBody(p.Chain)
	case "correlation":
		title = "Castellan correlation alert (" + p.Correlation + ")"
		text = t.templates.Render("teams", p)
	default:
		text = t.templates.Render("teams", p)
	}

	color, ok := riskThemeColor[string(p.Event.Response.Risk)]
	if !ok {
		color = "808080"
	}

	return map[string]any{
		"@type":      "MessageCard",
		"@context":   "http://schema.org/extensions",
		"themeColor": color,
		"title":      title,
		"text":       text,
		"summary":    title,
	}
}

var _ notify.Channel = (*Teams)(nil)
