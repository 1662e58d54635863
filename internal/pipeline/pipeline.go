// Package pipeline orchestrates the embed → search → analyze → parse →
// assemble flow that turns a raw LogEvent into a SecurityEvent, plus an
// opt-in deterministic fast path for operator-defined rules that never
// calls the LLM.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/castellan/castellan/internal/config"
	"github.com/castellan/castellan/internal/embedding"
	"github.com/castellan/castellan/internal/events"
	"github.com/castellan/castellan/internal/llm"
	"github.com/castellan/castellan/internal/metrics"
	"github.com/castellan/castellan/internal/vectorstore"
)

// Stats exposes the pipeline's atomic counters.
type Stats struct {
	Processed  atomic.Int64
	Dropped    atomic.Int64
	Deterministic atomic.Int64
	Analyzed   atomic.Int64
	Failed     atomic.Int64
}

// Pipeline consumes LogEvents from a bounded input queue and emits
// SecurityEvents. On queue overflow, the oldest entry is dropped and a
// counter incremented — producers are never blocked.
type Pipeline struct {
	cfg       config.PipelineConfig
	embedder  embedding.Embedder
	retriever vectorstore.Store
	client    llm.Client
	store     vectorstore.Store // the underlying store events are persisted into
	rules     map[ruleKey]events.EventType

	in   chan events.LogEvent
	out  chan events.SecurityEvent
	stats Stats
}

// New constructs a Pipeline. embedder and client power the LLM analysis
// path; retriever supplies neighbours (typically an
// internal/retrieval.HybridRetriever wrapping store); store is the
// underlying vectorstore.Store successful embeddings are persisted into.
func New(cfg config.PipelineConfig, embedder embedding.Embedder, retriever vectorstore.Store, client llm.Client, store vectorstore.Store) (*Pipeline, error) {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 5000
	}
	rules, err := loadRules(cfg.RulesFile)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	return &Pipeline{
		cfg:       cfg,
		embedder:  embedder,
		retriever: retriever,
		client:    client,
		store:     store,
		rules:     rules,
		in:        make(chan events.LogEvent, queueSize),
		out:       make(chan events.SecurityEvent, queueSize),
	}, nil
}

// Stats returns the pipeline's live statistics.
func (p *Pipeline) Stats() *Stats { return &p.stats }

// Submit enqueues e for processing. If the input queue is full, the oldest
// queued event is dropped to make room and the drop counter is
// incremented — Submit itself never blocks the caller.
func (p *Pipeline) Submit(e events.LogEvent) {
	select {
	case p.in <- e:
		return
	default:
	}

	select {
	case <-p.in:
		p.stats.Dropped.Add(1)
		metrics.PipelineEvents.WithLabelValues("dropped").Inc()
	default:
	}

	select {
	case p.in <- e:
	default:
		p.stats.Dropped.Add(1)
		metrics.PipelineEvents.WithLabelValues("dropped").Inc()
	}
}

// Run starts cfg.Workers long-lived worker goroutines pulling from the
// input queue, and returns the channel of emitted SecurityEvents. Workers
// stop when ctx is cancelled; Run closes out once every worker has
// returned.
func (p *Pipeline) Run(ctx context.Context) <-chan events.SecurityEvent {
	workers := p.cfg.Workers
	if workers <= 0 {
		workers = 4
	}

	done := make(chan struct{}, workers)
	for i := 0; i < workers; i++ {
		go func() {
			p.worker(ctx)
			done <- struct{}{}
		}()
	}

	go func() {
		for i := 0; i < workers; i++ {
			<-done
		}
		close(p.out)
	}()

	return p.out
}

func (p *Pipeline) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-p.in:
			if !ok {
				return
			}
			p.processOne(ctx, e)
		}
	}
}

func (p *Pipeline) deadline() time.Duration {
	if p.cfg.EventDeadline <= 0 {
		return 45 * time.Second
	}
	return p.cfg.EventDeadline
}

// processOne runs the full embed → search → analyze → parse → assemble
// flow for one event, honouring the per-event deadline end to end. A
// deterministic rule match short-circuits straight to assembly.
func (p *Pipeline) processOne(ctx context.Context, e events.LogEvent) {
	e = e.WithUniqueID()
	ctx, cancel := context.WithTimeout(ctx, p.deadline())
	defer cancel()

	start := time.Now()
	defer func() {
		metrics.PipelineDuration.Observe(time.Since(start).Seconds())
	}()

	if eventType, ok := classifyDeterministic(p.rules, e); ok {
		p.stats.Deterministic.Add(1)
		metrics.PipelineEvents.WithLabelValues("deterministic").Inc()
		resp := events.LlmSecurityEventResponse{
			Risk:       events.RiskLow,
			Confidence: 100,
			Summary:    deterministicSummary(eventType, e),
			Mitre:      []string{},
			RecommendedActions: []string{},
			EventType:  eventType,
		}
		p.emit(events.SecurityEvent{OriginalEvent: e, Response: resp, IsDeterministic: true})
		return
	}

	sec, err := p.analyze(ctx, e)
	if err != nil {
		slog.Warn("pipeline: analysis failed for event", "channel", e.Channel, "event_id", e.EventID, "error", err)
		p.stats.Failed.Add(1)
		metrics.PipelineEvents.WithLabelValues("failed").Inc()
		return
	}
	p.stats.Analyzed.Add(1)
	metrics.PipelineEvents.WithLabelValues("analyzed").Inc()
	p.emit(sec)
}

func (p *Pipeline) analyze(ctx context.Context, e events.LogEvent) (events.SecurityEvent, error) {
	vec, err := p.embedder.Embed(ctx, e.Message)
	if err != nil {
		return events.SecurityEvent{}, fmt.Errorf("embedding event: %w", err)
	}

	var neighbours []llm.NeighbourEvent
	var topScore float64
	if !vec.Empty() {
		results, err := p.retriever.Search(ctx, vec, 5)
		if err != nil {
			slog.Warn("pipeline: neighbour search failed, proceeding without context", "error", err)
		}
		for _, r := range results {
			if r.Score > topScore {
				topScore = r.Score
			}
			neighbours = append(neighbours, llm.NeighbourEvent{
				Time: r.Event.Time.UTC().Format(time.RFC3339), Channel: r.Event.Channel,
				EventID: r.Event.EventID, Message: r.Event.Message,
			})
		}
	}

	raw, err := p.client.Analyze(ctx, llm.AnalyzeEvent{
		Time: e.Time.UTC().Format(time.RFC3339), Channel: e.Channel, EventID: e.EventID, Message: e.Message,
	}, neighbours)
	if err != nil {
		return events.SecurityEvent{}, fmt.Errorf("llm analysis: %w", err)
	}

	var resp events.LlmSecurityEventResponse
	if raw == "" || json.Unmarshal([]byte(raw), &resp) != nil {
		resp = events.LlmSecurityEventResponse{
			Risk: events.RiskLow, Confidence: 0, Summary: "Analysis unavailable; manual review recommended.",
			Mitre: []string{}, RecommendedActions: []string{}, EventType: events.EventTypeUnknown,
		}
	}
	if resp.EventType == "" {
		resp.EventType = events.EventTypeUnknown
	}
	if hint, ok := hintEventType(e); ok && resp.EventType == events.EventTypeUnknown {
		resp.EventType = hint
	}

	// Persist after classification so neighbours retrieved later carry the
	// risk level hybrid re-ranking weights by.
	if !vec.Empty() {
		if err := p.store.Upsert(ctx, events.VectorPoint{
			ID: e.UniqueID, Vector: vec, Event: e, RiskLevel: resp.Risk, IndexedAt: time.Now(),
		}); err != nil {
			slog.Warn("pipeline: failed to persist vector point", "error", err)
		}
	}

	sec := events.SecurityEvent{OriginalEvent: e, Response: resp}
	if len(neighbours) >= correlationMinNeighbours {
		sec.IsCorrelationBased = true
		sec.CorrelationScore = clamp01(topScore)
		sec.BurstScore = clamp01(float64(len(neighbours)) / 10.0)
	}
	return sec, nil
}

// correlationMinNeighbours is the smallest cluster of similar recent events
// that counts as a correlation signal. A lone k-NN hit is retrieval
// context for the prompt, not evidence of correlated activity.
const correlationMinNeighbours = 3

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func (p *Pipeline) emit(sec events.SecurityEvent) {
	p.stats.Processed.Add(1)
	select {
	case p.out <- sec:
	default:
		slog.Warn("pipeline: output queue full, dropping security event", "channel", sec.OriginalEvent.Channel)
		p.stats.Dropped.Add(1)
	}
}
