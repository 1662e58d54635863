package llm

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/castellan/castellan/internal/config"
)

// breakerState is the circuit breaker's state machine.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// circuitBreaker is a failure-ratio breaker sampled over a fixed window,
// with a minimum-throughput guard before it will trip.
type circuitBreaker struct {
	mu          sync.Mutex
	state       breakerState
	threshold   float64
	window      time.Duration
	minRequests int
	breakFor    time.Duration
	openedAt    time.Time
	events      []breakerEvent
}

type breakerEvent struct {
	at      time.Time
	success bool
}

func newCircuitBreaker(cfg config.ResilienceConfig) *circuitBreaker {
	return &circuitBreaker{
		threshold:   cfg.BreakerThreshold,
		window:      cfg.BreakerWindow,
		minRequests: cfg.BreakerMinRequests,
		breakFor:    cfg.BreakerDuration,
	}
}

// allow reports whether a call may proceed, transitioning open→half-open
// once the break duration has elapsed.
func (b *circuitBreaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerOpen:
		if time.Since(b.openedAt) >= b.breakFor {
			b.state = breakerHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

// record registers a call outcome and re-evaluates the trip condition.
func (b *circuitBreaker) record(success bool) (tripped bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.events = append(b.events, breakerEvent{at: now, success: success})
	cutoff := now.Add(-b.window)
	i := 0
	for i < len(b.events) && b.events[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.events = b.events[i:]
	}

	if b.state == breakerHalfOpen {
		if success {
			b.state = breakerClosed
			b.events = nil
			return false
		}
		b.state = breakerOpen
		b.openedAt = now
		return true
	}

	if len(b.events) < b.minRequests {
		return false
	}

	failures := 0
	for _, e := range b.events {
		if !e.success {
			failures++
		}
	}
	ratio := float64(failures) / float64(len(b.events))
	if ratio >= b.threshold {
		b.state = breakerOpen
		b.openedAt = now
		return true
	}
	return false
}

// ResilienceStats tracks call outcomes across concurrent workers.
type ResilienceStats struct {
	TotalCalls          atomic.Int64
	SuccessfulCalls     atomic.Int64
	FailedCalls         atomic.Int64
	RetriedCalls        atomic.Int64
	CircuitBreakerOpens atomic.Int64
	Timeouts            atomic.Int64
}

// SuccessRate returns SuccessfulCalls / TotalCalls, or 0 if no calls yet.
func (s *ResilienceStats) SuccessRate() float64 {
	total := s.TotalCalls.Load()
	if total == 0 {
		return 0
	}
	return float64(s.SuccessfulCalls.Load()) / float64(total)
}

// resilientClient applies retry (exponential backoff with jitter) →
// circuit breaker → per-call timeout to every Analyze/Generate call.
type resilientClient struct {
	inner   Client
	cfg     config.ResilienceConfig
	breaker *circuitBreaker
	stats   ResilienceStats
}

func newResilientClient(inner Client, cfg config.ResilienceConfig) *resilientClient {
	return &resilientClient{inner: inner, cfg: cfg, breaker: newCircuitBreaker(cfg)}
}

// Stats returns the live resilience statistics.
func (c *resilientClient) Stats() *ResilienceStats { return &c.stats }

func (c *resilientClient) Analyze(ctx context.Context, event AnalyzeEvent, neighbours []NeighbourEvent) (string, error) {
	return c.call(ctx, func(ctx context.Context) (string, error) {
		return c.inner.Analyze(ctx, event, neighbours)
	})
}

func (c *resilientClient) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return c.call(ctx, func(ctx context.Context) (string, error) {
		return c.inner.Generate(ctx, systemPrompt, userPrompt)
	})
}

// call makes one attempt plus up to RetryCount retries with exponential
// backoff + jitter, applies the circuit breaker, and bounds every attempt
// with a per-call timeout. On any terminal failure it returns an empty
// string, never an error — except for caller cancellation, which
// propagates and is never retried.
func (c *resilientClient) call(ctx context.Context, fn func(context.Context) (string, error)) (string, error) {
	c.stats.TotalCalls.Add(1)

	retryCount := c.cfg.RetryCount
	if retryCount < 0 {
		retryCount = 3
	}
	maxAttempts := retryCount + 1

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		if !c.breaker.allow() {
			c.stats.FailedCalls.Add(1)
			return "", nil
		}

		attemptCtx, cancel := context.WithTimeout(ctx, c.callTimeout())
		result, err := fn(attemptCtx)
		cancel()

		if err == nil && result != "" {
			c.stats.SuccessfulCalls.Add(1)
			if c.breaker.record(true) {
				c.stats.CircuitBreakerOpens.Add(1)
			}
			return result, nil
		}

		lastErr = err
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			c.stats.Timeouts.Add(1)
		}
		if ctx.Err() != nil {
			// The outer (caller) context was cancelled, not our attempt
			// timeout: propagate, never retry.
			return "", ctx.Err()
		}

		if c.breaker.record(false) {
			c.stats.CircuitBreakerOpens.Add(1)
		}

		if attempt < maxAttempts-1 {
			c.stats.RetriedCalls.Add(1)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(c.backoff(attempt)):
			}
		}
	}

	c.stats.FailedCalls.Add(1)
	if lastErr != nil {
		slog.Warn("llm: call failed after retries", "attempts", maxAttempts, "error", lastErr)
	}
	return "", nil
}

func (c *resilientClient) callTimeout() time.Duration {
	if c.cfg.CallTimeout <= 0 {
		return 30 * time.Second
	}
	return c.cfg.CallTimeout
}

func (c *resilientClient) backoff(attempt int) time.Duration {
	base := c.cfg.BaseDelay
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	delay := base * time.Duration(1<<uint(attempt))
	jitter := time.Duration(rand.Int63n(int64(delay) + 1))
	return delay/2 + jitter/2
}

var _ Client = (*resilientClient)(nil)
