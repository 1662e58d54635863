package llm

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/castellan/castellan/internal/config"
)

var tracer = otel.Tracer("github.com/castellan/castellan/internal/llm")

// telemetryClient wraps inner with one span per call, tagged with the
// operation name, provider, event id, channel, neighbour count, result
// length, and wall-clock duration; the event's host is not recorded on the
// span. It never suppresses the
// inner error: on failure it records the exception and sets the span
// status to error before returning the same result to its caller.
type telemetryClient struct {
	inner    Client
	cfg      config.TelemetryConfig
	provider string
}

func newTelemetryClient(inner Client, cfg config.TelemetryConfig, provider string) *telemetryClient {
	return &telemetryClient{inner: inner, cfg: cfg, provider: provider}
}

func (c *telemetryClient) Analyze(ctx context.Context, event AnalyzeEvent, neighbours []NeighbourEvent) (string, error) {
	if !c.cfg.Enabled {
		return c.inner.Analyze(ctx, event, neighbours)
	}

	ctx, span := tracer.Start(ctx, "security_analysis", trace.WithAttributes(
		attribute.String("provider", c.provider),
		attribute.Int("event.id", event.EventID),
		attribute.String("event.channel", event.Channel),
		attribute.Int("neighbours.count", len(neighbours)),
	))
	defer span.End()

	start := time.Now()
	result, err := c.inner.Analyze(ctx, event, neighbours)
	c.finish(span, start, result, err)
	return result, err
}

func (c *telemetryClient) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if !c.cfg.Enabled {
		return c.inner.Generate(ctx, systemPrompt, userPrompt)
	}

	ctx, span := tracer.Start(ctx, "chat_generation", trace.WithAttributes(
		attribute.String("provider", c.provider),
	))
	defer span.End()

	if c.cfg.RecordPayloads {
		span.SetAttributes(attribute.String("prompt.user", c.truncate(userPrompt)))
	}

	start := time.Now()
	result, err := c.inner.Generate(ctx, systemPrompt, userPrompt)
	c.finish(span, start, result, err)
	return result, err
}

func (c *telemetryClient) finish(span trace.Span, start time.Time, result string, err error) {
	span.SetAttributes(
		attribute.Int64("duration_ms", time.Since(start).Milliseconds()),
		attribute.Int("result.length", len(result)),
	)
	if c.cfg.RecordPayloads {
		span.SetAttributes(attribute.String("result.text", c.truncate(result)))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func (c *telemetryClient) truncate(s string) string {
	max := c.cfg.MaxPayloadChars
	if max <= 0 {
		max = 2000
	}
	if len(s) <= max {
		return s
	}
	return fmt.Sprintf("%s...[truncated]", s[:max])
}

var _ Client = (*telemetryClient)(nil)
