package channels

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/castellan/castellan/internal/notify"
)

// slackAllowedHosts is the Slack incoming-webhook host allow-list.
var slackAllowedHosts = []string{"hooks.slack.com"}

// riskAttachmentColor maps a risk level to the Slack attachment colour bar.
var riskAttachmentColor = map[string]string{
	"critical": "#8b0000",
	"high":     "#ff4500",
	"medium":   "#ffa500",
	"low":      "#2e8b57",
}

// Slack posts attachment envelopes to a Slack incoming webhook.
type Slack struct {
	transport
	name      string
	enabled   bool
	templates *templateStore
}

// NewSlack constructs a Slack driver. The webhook URL must resolve to
// hooks.slack.com; anything else is a construction error.
func NewSlack(name, rawURL string, enabled bool) (*Slack, error) {
	if err := validateHost(rawURL, slackAllowedHosts); err != nil {
		return nil, fmt.Errorf("slack: %w", err)
	}
	return &Slack{transport: newTransport(rawURL), name: name, enabled: enabled, templates: newTemplateStore()}, nil
}

func (s *Slack) Type() string    { return "slack" }
func (s *Slack) Name() string    { return s.name }
func (s *Slack) IsEnabled() bool { return s.enabled }

func (s *Slack) Send(ctx context.Context, payload notify.Payload) error {
	body, err := json.Marshal(s.envelope(payload))
	if err != nil {
		return fmt.Errorf("slack: marshaling payload: %w", err)
	}
	err = s.post(ctx, body)
	s.recordResult(err)
	return err
}

func (s *Slack) TestConnection(ctx context.Context) error {
	body, _ := json.Marshal(map[string]string{"text": "Castellan connection test"})
	err := s.post(ctx, body)
	s.recordResult(err)
	return err
}

func (s *Slack) envelope(p notify.Payload) map[string]any {
	var text string
	switch p.Kind {
	case "attack_chain":
		text = attackChainBody(p.Chain)
	default:
		text = s.templates.Render("slack", p)
	}

	color, ok := riskAttachmentColor[string(p.Event.Response.Risk)]
	if !ok {
		color = "#808080"
	}

	return map[string]any{
		"attachments": []map[string]any{{
			"color":    color,
			"fallback": fallbackBody(p),
			"text":     text,
			"footer":   "Castellan",
		}},
	}
}

var _ notify.Channel = (*Slack)(nil)
