// Package notify dispatches SecurityEvents to configured notification
// channels with per-severity throttling, a global rolling-window rate
// limit, and bounded retry.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/castellan/castellan/internal/events"
	"github.com/castellan/castellan/internal/metrics"
)

// Channel is the contract every notification driver implements.
type Channel interface {
	Type() string
	Name() string
	IsEnabled() bool
	Send(ctx context.Context, payload Payload) error
	TestConnection(ctx context.Context) error
	Health() Health
}

// Payload is the channel-agnostic shape handed to a driver; drivers render
// it into their platform-specific envelope.
type Payload struct {
	ID          string // dispatch id, unique per alert, for receiver-side dedup and log correlation
	Kind        string // "security", "correlation", "attack_chain"
	Event       events.SecurityEvent
	Correlation string
	Chain       []events.SecurityEvent
}

// Health is the per-channel health snapshot drivers report.
type Health struct {
	IsHealthy     bool
	LastCheckTime time.Time
	LastError     string
	SuccessCount  int64
	FailureCount  int64
}

// severityThrottle is the fixed per-severity window table.
var severityThrottle = map[events.RiskLevel]time.Duration{
	events.RiskCritical: 0,
	events.RiskHigh:     5 * time.Minute,
	events.RiskMedium:   15 * time.Minute,
	events.RiskLow:      60 * time.Minute,
}

const defaultThrottle = 30 * time.Minute

// correlationThrottle is the per-correlation-type window table.
var correlationThrottle = map[string]time.Duration{
	"attackChain":         10 * time.Minute,
	"lateralMovement":     15 * time.Minute,
	"privilegeEscalation": 20 * time.Minute,
	"temporalBurst":       30 * time.Minute,
	"mlDetected":          45 * time.Minute,
}

const attackChainThrottle = 5 * time.Minute

const globalRateLimit = 10
const globalRateWindow = 5 * time.Minute

// Manager dispatches alerts to every enabled channel, applying per-
// (channel, severity) throttles and a global per-channel rolling rate
// limit before each send.
type Manager struct {
	channels []Channel

	now       func() time.Time
	retryBase time.Duration

	mu         sync.Mutex
	lastSentAt map[string]map[string]time.Time // channel name -> throttle key -> last sent
	sentTimes  map[string][]time.Time          // channel name -> recent send timestamps
}

// New constructs a Manager over the given channels.
func New(channels []Channel) *Manager {
	return &Manager{
		channels:   channels,
		now:        time.Now,
		retryBase:  time.Second,
		lastSentAt: make(map[string]map[string]time.Time),
		sentTimes:  make(map[string][]time.Time),
	}
}

// SendSecurityAlert dispatches a single-event alert to every eligible
// enabled channel.
func (m *Manager) SendSecurityAlert(ctx context.Context, event events.SecurityEvent) {
	m.dispatch(ctx, Payload{Kind: "security", Event: event}, string(event.Response.Risk))
}

// SendCorrelationAlert dispatches a correlation-derived alert, throttled by
// correlation type rather than by severity.
func (m *Manager) SendCorrelationAlert(ctx context.Context, event events.SecurityEvent, correlationType string) {
	m.dispatch(ctx, Payload{Kind: "correlation", Event: event, Correlation: correlationType}, "correlation:"+correlationType)
}

// SendAttackChainAlert dispatches a multi-event attack-chain alert under a
// uniform 5-minute throttle window.
func (m *Manager) SendAttackChainAlert(ctx context.Context, chain []events.SecurityEvent) {
	m.dispatch(ctx, Payload{Kind: "attack_chain", Chain: chain}, "attack_chain")
}

func (m *Manager) dispatch(ctx context.Context, payload Payload, throttleKey string) {
	payload.ID = uuid.NewString()
	for _, ch := range m.channels {
		if !ch.IsEnabled() {
			continue
		}
		if !m.eligible(ch.Name(), throttleKey) {
			metrics.Notifications.WithLabelValues(ch.Name(), "throttled").Inc()
			continue
		}
		if !m.allowGlobalRate(ch.Name()) {
			metrics.Notifications.WithLabelValues(ch.Name(), "rate_limited").Inc()
			slog.Warn("notify: global rate limit reached, dropping alert", "channel", ch.Name(), "alert_id", payload.ID)
			continue
		}
		m.markSent(ch.Name(), throttleKey)
		go m.sendWithRetry(ctx, ch, payload)
	}
}

func (m *Manager) eligible(channelName, throttleKey string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	window := m.throttleWindow(throttleKey)
	if window <= 0 {
		return true
	}

	perChannel := m.lastSentAt[channelName]
	if perChannel == nil {
		return true
	}
	last, ok := perChannel[throttleKey]
	if !ok {
		return true
	}
	return m.now().Sub(last) >= window
}

func (m *Manager) throttleWindow(throttleKey string) time.Duration {
	switch throttleKey {
	case "attack_chain":
		return attackChainThrottle
	}
	if window, ok := severityThrottle[events.RiskLevel(throttleKey)]; ok {
		return window
	}
	const correlationPrefix = "correlation:"
	if len(throttleKey) > len(correlationPrefix) && throttleKey[:len(correlationPrefix)] == correlationPrefix {
		if window, ok := correlationThrottle[throttleKey[len(correlationPrefix):]]; ok {
			return window
		}
	}
	return defaultThrottle
}

func (m *Manager) markSent(channelName, throttleKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastSentAt[channelName] == nil {
		m.lastSentAt[channelName] = make(map[string]time.Time)
	}
	m.lastSentAt[channelName][throttleKey] = m.now()
}

// allowGlobalRate enforces ≤10 dispatches per rolling 5 minutes per channel.
func (m *Manager) allowGlobalRate(channelName string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cutoff := now.Add(-globalRateWindow)
	times := m.sentTimes[channelName]

	i := 0
	for i < len(times) && times[i].Before(cutoff) {
		i++
	}
	times = times[i:]

	if len(times) >= globalRateLimit {
		m.sentTimes[channelName] = times
		return false
	}
	m.sentTimes[channelName] = append(times, now)
	return true
}

// sendWithRetry attempts delivery up to 3 times with exponential backoff
// starting at 1s. Failures are logged, never propagated.
func (m *Manager) sendWithRetry(ctx context.Context, ch Channel, payload Payload) {
	const maxAttempts = 3
	delay := m.retryBase

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ch.Send(ctx, payload); err == nil {
			metrics.Notifications.WithLabelValues(ch.Name(), "delivered").Inc()
			return
		} else if attempt == maxAttempts {
			metrics.Notifications.WithLabelValues(ch.Name(), "failed").Inc()
			slog.Error("notify: delivery failed after retries", "channel", ch.Name(), "alert_id", payload.ID, "attempts", attempt, "error", err)
			return
		} else {
			slog.Warn("notify: delivery attempt failed, retrying", "channel", ch.Name(), "alert_id", payload.ID, "attempt", attempt, "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
	}
}
