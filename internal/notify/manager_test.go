package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/castellan/castellan/internal/events"
)

type fakeChannel struct {
	name    string
	enabled bool
	failFor int // fail the first N sends

	mu    sync.Mutex
	sends []Payload
	fails int
}

func (f *fakeChannel) Type() string    { return "fake" }
func (f *fakeChannel) Name() string    { return f.name }
func (f *fakeChannel) IsEnabled() bool { return f.enabled }

func (f *fakeChannel) Send(ctx context.Context, p Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails < f.failFor {
		f.fails++
		return errors.New("send failed")
	}
	f.sends = append(f.sends, p)
	return nil
}

func (f *fakeChannel) TestConnection(ctx context.Context) error { return nil }
func (f *fakeChannel) Health() Health                           { return Health{} }

func (f *fakeChannel) sent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

func (f *fakeChannel) attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fails + len(f.sends)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func highEvent() events.SecurityEvent {
	return events.SecurityEvent{
		Response: events.LlmSecurityEventResponse{
			Risk: events.RiskHigh, Confidence: 80, Summary: "High severity test event",
			EventType: events.EventTypeSuspiciousActivity,
		},
	}
}

func TestThrottleSuppressesRepeatHighSeverity(t *testing.T) {
	ch := &fakeChannel{name: "slack", enabled: true}
	m := New([]Channel{ch})

	now := time.Now()
	m.now = func() time.Time { return now }

	m.SendSecurityAlert(context.Background(), highEvent())
	waitFor(t, func() bool { return ch.sent() == 1 })

	// 60 seconds later: inside the 5-minute high-severity window.
	now = now.Add(60 * time.Second)
	m.SendSecurityAlert(context.Background(), highEvent())
	time.Sleep(50 * time.Millisecond)
	if ch.sent() != 1 {
		t.Fatalf("second alert inside throttle window should be suppressed, sent=%d", ch.sent())
	}

	// 6 minutes after the first: window elapsed.
	now = now.Add(5 * time.Minute)
	m.SendSecurityAlert(context.Background(), highEvent())
	waitFor(t, func() bool { return ch.sent() == 2 })
}

func TestCriticalSeverityIsNeverThrottled(t *testing.T) {
	ch := &fakeChannel{name: "teams", enabled: true}
	m := New([]Channel{ch})

	event := highEvent()
	event.Response.Risk = events.RiskCritical
	m.SendSecurityAlert(context.Background(), event)
	m.SendSecurityAlert(context.Background(), event)
	waitFor(t, func() bool { return ch.sent() == 2 })
}

func TestGlobalRateLimitCapsAtTenPerWindow(t *testing.T) {
	ch := &fakeChannel{name: "teams", enabled: true}
	m := New([]Channel{ch})

	event := highEvent()
	event.Response.Risk = events.RiskCritical // bypass the severity throttle
	for i := 0; i < 15; i++ {
		m.SendSecurityAlert(context.Background(), event)
	}
	waitFor(t, func() bool { return ch.sent() == 10 })
	time.Sleep(50 * time.Millisecond)
	if got := ch.sent(); got != 10 {
		t.Fatalf("rate limit should cap dispatches at 10 per window, sent=%d", got)
	}
}

func TestSendRetriesAtMostThreeAttempts(t *testing.T) {
	ch := &fakeChannel{name: "slack", enabled: true, failFor: 5}
	m := New([]Channel{ch})
	m.retryBase = time.Millisecond

	m.SendSecurityAlert(context.Background(), highEvent())
	waitFor(t, func() bool { return ch.attempts() >= 3 })
	time.Sleep(50 * time.Millisecond)
	if got := ch.attempts(); got != 3 {
		t.Fatalf("attempts = %d, want exactly 3", got)
	}
	if ch.sent() != 0 {
		t.Fatal("all attempts fail, nothing should be recorded as sent")
	}
}

func TestRetrySucceedsAfterTransientFailure(t *testing.T) {
	ch := &fakeChannel{name: "slack", enabled: true, failFor: 2}
	m := New([]Channel{ch})
	m.retryBase = time.Millisecond

	m.SendSecurityAlert(context.Background(), highEvent())
	waitFor(t, func() bool { return ch.sent() == 1 })
	if got := ch.attempts(); got != 3 {
		t.Fatalf("attempts = %d, want 3 (two failures then success)", got)
	}
}

func TestDisabledChannelIsSkipped(t *testing.T) {
	ch := &fakeChannel{name: "off", enabled: false}
	m := New([]Channel{ch})

	m.SendSecurityAlert(context.Background(), highEvent())
	time.Sleep(50 * time.Millisecond)
	if ch.sent() != 0 {
		t.Fatal("disabled channel should never receive alerts")
	}
}

func TestCorrelationAlertsThrottlePerType(t *testing.T) {
	ch := &fakeChannel{name: "teams", enabled: true}
	m := New([]Channel{ch})

	now := time.Now()
	m.now = func() time.Time { return now }

	event := highEvent()
	m.SendCorrelationAlert(context.Background(), event, "lateralMovement")
	waitFor(t, func() bool { return ch.sent() == 1 })

	// A different correlation type has its own window.
	m.SendCorrelationAlert(context.Background(), event, "temporalBurst")
	waitFor(t, func() bool { return ch.sent() == 2 })

	// Same type again inside its 15-minute window: suppressed.
	now = now.Add(10 * time.Minute)
	m.SendCorrelationAlert(context.Background(), event, "lateralMovement")
	time.Sleep(50 * time.Millisecond)
	if ch.sent() != 2 {
		t.Fatalf("repeat correlation alert inside window should be suppressed, sent=%d", ch.sent())
	}
}

func TestDispatchAssignsAlertID(t *testing.T) {
	ch := &fakeChannel{name: "slack", enabled: true}
	m := New([]Channel{ch})

	m.SendSecurityAlert(context.Background(), highEvent())
	waitFor(t, func() bool { return ch.sent() == 1 })

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.sends[0].ID == "" {
		t.Fatal("dispatched payload should carry a non-empty alert id")
	}
}
