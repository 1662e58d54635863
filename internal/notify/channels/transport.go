package channels

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/castellan/castellan/internal/notify"
)

// transport is the shared JSON-POST machinery and health bookkeeping every
// driver embeds. Drivers differ only in envelope rendering and host policy.
type transport struct {
	url    string
	client *http.Client

	mu     sync.Mutex
	health notify.Health
}

func newTransport(rawURL string) transport {
	return transport{url: rawURL, client: &http.Client{Timeout: 10 * time.Second}}
}

func (t *transport) post(ctx context.Context, body []byte) error {
	if _, err := url.ParseRequestURI(t.url); err != nil {
		return fmt.Errorf("invalid webhook URL %q: %w", t.url, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("transport error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// recordResult updates the driver's health snapshot after a send attempt.
func (t *transport) recordResult(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.health.LastCheckTime = time.Now()
	if err != nil {
		t.health.IsHealthy = false
		t.health.LastError = err.Error()
		t.health.FailureCount++
		return
	}
	t.health.IsHealthy = true
	t.health.LastError = ""
	t.health.SuccessCount++
}

func (t *transport) Health() notify.Health {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.health
}

// validateHost rejects any webhook URL whose host is not on the platform's
// allow-list.
func validateHost(rawURL string, allowed []string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid webhook URL %q: %w", rawURL, err)
	}
	host := strings.ToLower(u.Hostname())
	for _, a := range allowed {
		if host == a {
			return nil
		}
	}
	return fmt.Errorf("webhook host %q not on allow-list %v", host, allowed)
}
