// Package channels provides concrete notify.Channel drivers: a generic
// webhook, and platform-specific Teams and Slack drivers, each restricted
// to its platform's webhook hosts.
package channels

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/castellan/castellan/internal/notify"
)

// Webhook is a generic JSON-POST notification driver. It performs no host
// allow-list check of its own; Teams and Slack embed one.
type Webhook struct {
	transport
	name    string
	enabled bool
}

// NewWebhook constructs a generic webhook driver.
func NewWebhook(name, rawURL string, enabled bool) *Webhook {
	return &Webhook{transport: newTransport(rawURL), name: name, enabled: enabled}
}

func (w *Webhook) Type() string    { return "webhook" }
func (w *Webhook) Name() string    { return w.name }
func (w *Webhook) IsEnabled() bool { return w.enabled }

func (w *Webhook) Send(ctx context.Context, payload notify.Payload) error {
	body, err := json.Marshal(genericEnvelope(payload))
	if err != nil {
		return fmt.Errorf("webhook: marshaling payload: %w", err)
	}
	err = w.post(ctx, body)
	w.recordResult(err)
	return err
}

func (w *Webhook) TestConnection(ctx context.Context) error {
	body, _ := json.Marshal(map[string]string{"text": "Castellan connection test"})
	err := w.post(ctx, body)
	w.recordResult(err)
	return err
}

func genericEnvelope(payload notify.Payload) map[string]any {
	switch payload.Kind {
	case "attack_chain":
		return map[string]any{"id": payload.ID, "kind": payload.Kind, "chain_length": len(payload.Chain)}
	default:
		return map[string]any{
			"id":         payload.ID,
			"kind":       payload.Kind,
			"risk":       payload.Event.Response.Risk,
			"summary":    payload.Event.Response.Summary,
			"event_type": payload.Event.Response.EventType,
		}
	}
}

var _ notify.Channel = (*Webhook)(nil)
