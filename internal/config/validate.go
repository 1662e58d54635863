package config

import "fmt"

// Validate checks the configuration for invalid values and returns a
// descriptive error aggregating every problem found, matching the
// fail-fast-at-startup policy.
func (c *Config) Validate() error {
	var errs []string

	if len(c.Collector.Channels) == 0 {
		errs = append(errs, "collector.channels must not be empty")
	}
	if c.Collector.PollSeconds < 0 {
		errs = append(errs, "collector.poll_seconds must be >= 0")
	}
	if c.Collector.QueueSize <= 0 || c.Collector.QueueSize > 50000 {
		errs = append(errs, "collector.queue_size must be in (0, 50000]")
	}

	if c.Embedding.Dimension <= 0 {
		errs = append(errs, "embedding.dimension must be > 0")
	}
	if c.Embedding.Endpoint == "" {
		errs = append(errs, "embedding.endpoint must not be empty")
	}
	if c.Embedding.CacheSize <= 0 {
		errs = append(errs, "embedding.cache_size must be > 0")
	}

	if c.VectorStore.Dimension <= 0 {
		errs = append(errs, "vector_store.dimension must be > 0")
	}
	switch c.VectorStore.Distance {
	case "Cosine", "Euclidean", "Dot":
	default:
		errs = append(errs, fmt.Sprintf("vector_store.distance %q must be one of Cosine, Euclidean, Dot", c.VectorStore.Distance))
	}
	if c.VectorStore.CollectionName == "" {
		errs = append(errs, "vector_store.collection_name must not be empty")
	}

	if c.Retrieval.OverFetchMultiplier < 1.0 {
		errs = append(errs, "retrieval.over_fetch_multiplier must be >= 1.0")
	}
	if c.Retrieval.VectorWeight+c.Retrieval.MetadataWeight != 1.0 {
		errs = append(errs, "retrieval.vector_weight + retrieval.metadata_weight must equal 1.0")
	}
	if c.Retrieval.RecencyWeight+c.Retrieval.RiskLevelWeight > 1.0 {
		errs = append(errs, "retrieval.recency_weight + retrieval.risk_level_weight must be <= 1.0")
	}

	if c.LLM.Endpoint == "" {
		errs = append(errs, "llm.endpoint must not be empty")
	}
	if c.LLM.Resilience.RetryCount < 0 {
		errs = append(errs, "llm.resilience.retry_count must be >= 0")
	}
	if c.LLM.Resilience.BreakerThreshold <= 0 || c.LLM.Resilience.BreakerThreshold > 1 {
		errs = append(errs, "llm.resilience.breaker_threshold must be in (0,1]")
	}
	if c.LLM.Ensemble.Enabled {
		if len(c.LLM.Ensemble.Models) < 2 {
			errs = append(errs, "llm.ensemble.models must list at least 2 models when ensemble is enabled")
		}
		if len(c.LLM.Ensemble.Weights) > 0 && len(c.LLM.Ensemble.Weights) != len(c.LLM.Ensemble.Models) {
			errs = append(errs, "llm.ensemble.weights, if set, must have one entry per model")
		}
	}

	if c.Pipeline.Workers <= 0 {
		errs = append(errs, "pipeline.workers must be > 0")
	}
	if c.Pipeline.QueueSize <= 0 {
		errs = append(errs, "pipeline.queue_size must be > 0")
	}

	for i, ch := range c.Notification.Channels {
		if ch.Type == "" {
			errs = append(errs, fmt.Sprintf("notification.channels[%d].type must not be empty", i))
		}
		if ch.Enabled && ch.URL == "" {
			errs = append(errs, fmt.Sprintf("notification.channels[%d].url must not be empty when enabled", i))
		}
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("logging.format %q must be \"text\" or \"json\"", c.Logging.Format))
	}

	if len(errs) == 0 {
		return nil
	}
	msg := "invalid configuration:"
	for _, e := range errs {
		msg += "\n  - " + e
	}
	return fmt.Errorf("%s", msg)
}
