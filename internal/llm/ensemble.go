package llm

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/castellan/castellan/internal/config"
	"github.com/castellan/castellan/internal/events"
)

// EnsembleStats exposes the ensemble's vote-outcome counters.
type EnsembleStats struct {
	UnanimousVotes  atomic.Int64
	PartialResults  atomic.Int64
	FellThrough     atomic.Int64
}

// ensembleClient fans Analyze out to N named models and aggregates their
// responses into a single consensus response. Generate is
// never voted: it falls through to the default single-model client
// unchanged.
type ensembleClient struct {
	inner   Client
	cfg     config.EnsembleConfig
	dial    func(model string) Client
	weights []float64
	stats   EnsembleStats
}

// Stats returns the live ensemble vote statistics.
func (c *ensembleClient) Stats() *EnsembleStats { return &c.stats }

// newEnsembleClient builds an ensemble over cfg.Models. dial constructs a
// per-model Client (the same decorator stack reconfigured for that model
// name); inner is the default single-model client used for Generate and as
// the fallback when too few models succeed.
func newEnsembleClient(inner Client, cfg config.EnsembleConfig, dial func(model string) Client) *ensembleClient {
	weights := normalizeWeights(cfg.Weights, len(cfg.Models))
	return &ensembleClient{inner: inner, cfg: cfg, dial: dial, weights: weights}
}

func normalizeWeights(weights []float64, n int) []float64 {
	if len(weights) != n {
		equal := make([]float64, n)
		for i := range equal {
			equal[i] = 1.0 / float64(n)
		}
		return equal
	}
	sum := 0.0
	for _, w := range weights {
		sum += w
	}
	if sum <= 0 {
		return normalizeWeights(nil, n)
	}
	normalized := make([]float64, n)
	for i, w := range weights {
		normalized[i] = w / sum
	}
	return normalized
}

// Generate is never voted: it passes through to the default client.
func (c *ensembleClient) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return c.inner.Generate(ctx, systemPrompt, userPrompt)
}

type modelResult struct {
	model      string
	index      int
	response   events.LlmSecurityEventResponse
	ok         bool
}

// Analyze runs every configured model (in parallel, under a shared
// deadline, when cfg.Parallel) and aggregates their responses. If fewer
// than MinSuccessfulModels succeed, it returns the highest-confidence
// partial result, or falls through to the default client if none
// succeeded at all.
func (c *ensembleClient) Analyze(ctx context.Context, event AnalyzeEvent, neighbours []NeighbourEvent) (string, error) {
	if c.cfg.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Deadline)
		defer cancel()
	}

	results := make([]modelResult, len(c.cfg.Models))
	run := func(i int, model string) {
		client := c.dial(model)
		raw, err := client.Analyze(ctx, event, neighbours)
		if err != nil || raw == "" {
			return
		}
		var resp events.LlmSecurityEventResponse
		if json.Unmarshal([]byte(raw), &resp) != nil {
			return
		}
		results[i] = modelResult{model: model, index: i, response: resp, ok: true}
	}

	if c.cfg.Parallel {
		var wg sync.WaitGroup
		for i, model := range c.cfg.Models {
			wg.Add(1)
			go func(i int, model string) {
				defer wg.Done()
				run(i, model)
			}(i, model)
		}
		wg.Wait()
	} else {
		for i, model := range c.cfg.Models {
			run(i, model)
		}
	}

	var successful []modelResult
	for _, r := range results {
		if r.ok {
			successful = append(successful, r)
		}
	}

	minRequired := c.cfg.MinSuccessfulModels
	if minRequired <= 0 {
		minRequired = 1
	}

	if len(successful) == 0 {
		c.stats.FellThrough.Add(1)
		return c.inner.Analyze(ctx, event, neighbours)
	}
	if len(successful) < minRequired {
		c.stats.PartialResults.Add(1)
		best := highestConfidence(successful)
		return mustMarshal(best.response), nil
	}

	if c.cfg.VoteMode == "unanimous" && isUnanimousRisk(successful) {
		c.stats.UnanimousVotes.Add(1)
	}

	return mustMarshal(c.aggregate(successful)), nil
}

func isUnanimousRisk(results []modelResult) bool {
	first := results[0].response.Risk
	for _, r := range results[1:] {
		if r.response.Risk != first {
			return false
		}
	}
	return true
}

func highestConfidence(results []modelResult) modelResult {
	best := results[0]
	for _, r := range results[1:] {
		if r.response.Confidence > best.response.Confidence {
			best = r
		}
	}
	return best
}

// aggregate combines successful per-model responses: risk by (weighted)
// majority vote, confidence by the configured reducer, event type by
// majority vote, summary from the highest-confidence response, MITRE ids
// as a sorted union, and recommended actions as an order-preserving union.
func (c *ensembleClient) aggregate(results []modelResult) events.LlmSecurityEventResponse {
	risk := c.voteRisk(results)
	eventType := voteEventType(results)
	confidence := c.reduceConfidence(results)
	best := highestConfidence(results)

	return events.LlmSecurityEventResponse{
		Risk:               risk,
		Confidence:         confidence,
		Summary:            best.response.Summary,
		Mitre:              unionSortedMitre(results),
		RecommendedActions: unionOrderedActions(results),
		EventType:          eventType,
	}
}

func (c *ensembleClient) voteRisk(results []modelResult) events.RiskLevel {
	if c.cfg.VoteMode == "weighted" {
		scores := map[events.RiskLevel]float64{}
		for _, r := range results {
			w := 1.0 / float64(len(results))
			if r.index < len(c.weights) {
				w = c.weights[r.index]
			}
			scores[r.response.Risk] += w
		}
		var best events.RiskLevel
		bestScore := -1.0
		for _, r := range results {
			if s := scores[r.response.Risk]; s > bestScore {
				bestScore = s
				best = r.response.Risk
			}
		}
		return best
	}
	return majorityRisk(results)
}

func majorityRisk(results []modelResult) events.RiskLevel {
	counts := map[events.RiskLevel]int{}
	order := map[events.RiskLevel]int{}
	for i, r := range results {
		if _, seen := order[r.response.Risk]; !seen {
			order[r.response.Risk] = i
		}
		counts[r.response.Risk]++
	}
	var winner events.RiskLevel
	bestCount, bestOrder := -1, -1
	for risk, count := range counts {
		o := order[risk]
		if count > bestCount || (count == bestCount && o < bestOrder) {
			winner, bestCount, bestOrder = risk, count, o
		}
	}
	return winner
}

func voteEventType(results []modelResult) events.EventType {
	counts := map[events.EventType]int{}
	order := map[events.EventType]int{}
	for i, r := range results {
		t := r.response.EventType
		if t == "" {
			t = events.EventTypeUnknown
		}
		if _, seen := order[t]; !seen {
			order[t] = i
		}
		counts[t]++
	}
	winner := events.EventTypeUnknown
	bestCount, bestOrder := -1, -1
	for t, count := range counts {
		o := order[t]
		if count > bestCount || (count == bestCount && o < bestOrder) {
			winner, bestCount, bestOrder = t, count, o
		}
	}
	return winner
}

func (c *ensembleClient) reduceConfidence(results []modelResult) int {
	values := make([]float64, len(results))
	for i, r := range results {
		values[i] = float64(r.response.Confidence)
	}

	switch c.cfg.ConfidenceReducer {
	case "median":
		sorted := append([]float64(nil), values...)
		sort.Float64s(sorted)
		mid := len(sorted) / 2
		if len(sorted)%2 == 0 {
			return int((sorted[mid-1] + sorted[mid]) / 2)
		}
		return int(sorted[mid])
	case "min":
		min := values[0]
		for _, v := range values[1:] {
			if v < min {
				min = v
			}
		}
		return int(min)
	case "max":
		max := values[0]
		for _, v := range values[1:] {
			if v > max {
				max = v
			}
		}
		return int(max)
	case "weighted_mean":
		sum, weightSum := 0.0, 0.0
		for _, r := range results {
			w := 1.0 / float64(len(results))
			if r.index < len(c.weights) {
				w = c.weights[r.index]
			}
			sum += float64(r.response.Confidence) * w
			weightSum += w
		}
		if weightSum == 0 {
			return 0
		}
		return int(sum / weightSum)
	default: // "mean"
		sum := 0.0
		for _, v := range values {
			sum += v
		}
		return int(sum / float64(len(values)))
	}
}

func unionSortedMitre(results []modelResult) []string {
	seen := map[string]bool{}
	var out []string
	for _, r := range results {
		for _, id := range r.response.Mitre {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	sort.Strings(out)
	return out
}

func unionOrderedActions(results []modelResult) []string {
	seen := map[string]bool{}
	var out []string
	for _, r := range results {
		for _, action := range r.response.RecommendedActions {
			if !seen[action] {
				seen[action] = true
				out = append(out, action)
			}
		}
	}
	return out
}

var _ Client = (*ensembleClient)(nil)
