// Package config loads and validates the typed configuration record that is
// threaded into every Castellan component constructor. There is no global
// mutable singleton: Load produces one *Config snapshot per call, and
// Watch (see watch.go) delivers fresh snapshots on file change for hot
// reload.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level Castellan configuration.
type Config struct {
	Collector    CollectorConfig    `yaml:"collector" mapstructure:"collector"`
	Embedding    EmbeddingConfig    `yaml:"embedding" mapstructure:"embedding"`
	VectorStore  VectorStoreConfig  `yaml:"vector_store" mapstructure:"vector_store"`
	Retrieval    RetrievalConfig    `yaml:"retrieval" mapstructure:"retrieval"`
	LLM          LLMConfig          `yaml:"llm" mapstructure:"llm"`
	Pipeline     PipelineConfig     `yaml:"pipeline" mapstructure:"pipeline"`
	Notification NotificationConfig `yaml:"notification" mapstructure:"notification"`
	Logging      LoggingConfig      `yaml:"logging" mapstructure:"logging"`
	Metrics      MetricsConfig      `yaml:"metrics" mapstructure:"metrics"`
}

// CollectorConfig configures the EventCollector.
type CollectorConfig struct {
	Channels      []string `yaml:"channels" mapstructure:"channels"`
	Filter        string   `yaml:"filter" mapstructure:"filter"`
	PollSeconds   int      `yaml:"poll_seconds" mapstructure:"poll_seconds"`
	QueueSize     int      `yaml:"queue_size" mapstructure:"queue_size"`
	BookmarkDir   string   `yaml:"bookmark_dir" mapstructure:"bookmark_dir"`
	MaxSkewSecond int      `yaml:"max_skew_seconds" mapstructure:"max_skew_seconds"`

	// SourceDir is where channel export files live; each configured channel
	// is tailed from <source_dir>/<channel>.ndjson.
	SourceDir string `yaml:"source_dir" mapstructure:"source_dir"`
}

// EmbeddingConfig configures the Embedder and its cache.
type EmbeddingConfig struct {
	Provider        string        `yaml:"provider" mapstructure:"provider"`
	Endpoint        string        `yaml:"endpoint" mapstructure:"endpoint"`
	Model           string        `yaml:"model" mapstructure:"model"`
	Dimension       int           `yaml:"dimension" mapstructure:"dimension"`
	Timeout         time.Duration `yaml:"timeout" mapstructure:"timeout"`
	CacheSize       int           `yaml:"cache_size" mapstructure:"cache_size"`
	CacheTTL        time.Duration `yaml:"cache_ttl" mapstructure:"cache_ttl"`
	CachePersistDir string        `yaml:"cache_persist_dir" mapstructure:"cache_persist_dir"`
}

// VectorStoreConfig configures the VectorStore backend.
type VectorStoreConfig struct {
	Endpoint       string `yaml:"endpoint" mapstructure:"endpoint"`
	CollectionName string `yaml:"collection_name" mapstructure:"collection_name"`
	Dimension      int    `yaml:"dimension" mapstructure:"dimension"`
	Distance       string `yaml:"distance" mapstructure:"distance"` // Cosine, Euclidean, Dot
}

// RetrievalConfig configures the HybridRetriever decorator.
type RetrievalConfig struct {
	OverFetchMultiplier float64       `yaml:"over_fetch_multiplier" mapstructure:"over_fetch_multiplier"`
	VectorWeight        float64       `yaml:"vector_weight" mapstructure:"vector_weight"`
	MetadataWeight      float64       `yaml:"metadata_weight" mapstructure:"metadata_weight"`
	RecencyWeight       float64       `yaml:"recency_weight" mapstructure:"recency_weight"`
	RiskLevelWeight     float64       `yaml:"risk_level_weight" mapstructure:"risk_level_weight"`
	RecencyDecay        time.Duration `yaml:"recency_decay" mapstructure:"recency_decay"`
}

// LLMConfig configures the LlmClient chain.
type LLMConfig struct {
	Provider   string        `yaml:"provider" mapstructure:"provider"` // "local-model-server" or "remote-chat-API"
	Endpoint   string        `yaml:"endpoint" mapstructure:"endpoint"`
	APIKey     string        `yaml:"api_key" mapstructure:"api_key"`
	Model      string        `yaml:"model" mapstructure:"model"`
	Timeout    time.Duration `yaml:"timeout" mapstructure:"timeout"`
	Neighbours int           `yaml:"neighbours" mapstructure:"neighbours"`

	Resilience ResilienceConfig `yaml:"resilience" mapstructure:"resilience"`
	StrictJSON StrictJSONConfig `yaml:"strict_json" mapstructure:"strict_json"`
	Telemetry  TelemetryConfig  `yaml:"telemetry" mapstructure:"telemetry"`
	Ensemble   EnsembleConfig   `yaml:"ensemble" mapstructure:"ensemble"`
}

// ResilienceConfig configures retry/circuit-breaker/timeout.
type ResilienceConfig struct {
	BaseDelay          time.Duration `yaml:"base_delay" mapstructure:"base_delay"`
	RetryCount         int           `yaml:"retry_count" mapstructure:"retry_count"`
	BreakerThreshold   float64       `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerWindow      time.Duration `yaml:"breaker_window" mapstructure:"breaker_window"`
	BreakerMinRequests int           `yaml:"breaker_min_requests" mapstructure:"breaker_min_requests"`
	BreakerDuration    time.Duration `yaml:"breaker_duration" mapstructure:"breaker_duration"`
	CallTimeout        time.Duration `yaml:"call_timeout" mapstructure:"call_timeout"`
}

// StrictJSONConfig configures the extract/validate/repair decorator.
type StrictJSONConfig struct {
	Enabled           bool `yaml:"enabled" mapstructure:"enabled"`
	RetryOnFailure    bool `yaml:"retry_on_failure" mapstructure:"retry_on_failure"`
	MaxRetryAttempts  int  `yaml:"max_retry_attempts" mapstructure:"max_retry_attempts"`
	MinConfidence     int  `yaml:"min_confidence" mapstructure:"min_confidence"`
}

// TelemetryConfig configures the span/telemetry decorator.
type TelemetryConfig struct {
	Enabled         bool `yaml:"enabled" mapstructure:"enabled"`
	RecordPayloads  bool `yaml:"record_payloads" mapstructure:"record_payloads"`
	MaxPayloadChars int  `yaml:"max_payload_chars" mapstructure:"max_payload_chars"`
}

// EnsembleConfig configures optional multi-model voting.
type EnsembleConfig struct {
	Enabled             bool     `yaml:"enabled" mapstructure:"enabled"`
	Models              []string `yaml:"models" mapstructure:"models"`
	Parallel            bool     `yaml:"parallel" mapstructure:"parallel"`
	VoteMode            string   `yaml:"vote_mode" mapstructure:"vote_mode"` // majority, unanimous, weighted
	Weights             []float64 `yaml:"weights" mapstructure:"weights"`
	ConfidenceReducer   string   `yaml:"confidence_reducer" mapstructure:"confidence_reducer"` // mean, median, min, max, weighted_mean
	MinSuccessfulModels int      `yaml:"min_successful_models" mapstructure:"min_successful_models"`
	Deadline            time.Duration `yaml:"deadline" mapstructure:"deadline"`
}

// PipelineConfig configures the AnalysisPipeline orchestrator.
type PipelineConfig struct {
	Workers      int           `yaml:"workers" mapstructure:"workers"`
	QueueSize    int           `yaml:"queue_size" mapstructure:"queue_size"`
	EventDeadline time.Duration `yaml:"event_deadline" mapstructure:"event_deadline"`

	// RulesFile names a YAML file of operator-supplied (channel, event_id)
	// → event_type rules. Matching events are classified without an LLM
	// call; when unset, every event goes through analysis.
	RulesFile string `yaml:"rules_file" mapstructure:"rules_file"`
}

// NotificationConfig configures the NotificationManager and its channels.
type NotificationConfig struct {
	Channels []ChannelConfig `yaml:"channels" mapstructure:"channels"`
}

// ChannelConfig configures a single notification channel driver.
type ChannelConfig struct {
	Type    string `yaml:"type" mapstructure:"type"` // "webhook", "teams", "slack"
	Name    string `yaml:"name" mapstructure:"name"`
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	URL     string `yaml:"url" mapstructure:"url"`
}

// LoggingConfig controls process-wide logging.
type LoggingConfig struct {
	Format  string `yaml:"format" mapstructure:"format"` // text or json
	Verbose bool   `yaml:"verbose" mapstructure:"verbose"`
}

// MetricsConfig controls the Prometheus scrape endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Addr    string `yaml:"addr" mapstructure:"addr"`
}

// Default returns a Config populated with the documented defaults (queue
// sizes, timeouts, thresholds).
func Default() *Config {
	return &Config{
		Collector: CollectorConfig{
			Channels:      []string{"Security"},
			PollSeconds:   5,
			QueueSize:     5000,
			BookmarkDir:   "/var/lib/castellan/bookmarks",
			MaxSkewSecond: 300,
			SourceDir:     "/var/log/castellan/channels",
		},
		Embedding: EmbeddingConfig{
			Provider:  "local-model-server",
			Endpoint:  "http://127.0.0.1:11434",
			Model:     "nomic-embed-text",
			Dimension: 768,
			Timeout:   15 * time.Second,
			CacheSize: 50000,
			CacheTTL:  24 * time.Hour,
		},
		VectorStore: VectorStoreConfig{
			Endpoint:       "http://127.0.0.1:6333",
			CollectionName: "castellan_events",
			Dimension:      768,
			Distance:       "Cosine",
		},
		Retrieval: RetrievalConfig{
			OverFetchMultiplier: 3.0,
			VectorWeight:        0.7,
			MetadataWeight:      0.3,
			RecencyWeight:       0.7,
			RiskLevelWeight:     0.3,
			RecencyDecay:        24 * time.Hour,
		},
		LLM: LLMConfig{
			Provider:   "local-model-server",
			Endpoint:   "http://127.0.0.1:11434",
			Model:      "llama3",
			Timeout:    30 * time.Second,
			Neighbours: 5,
			Resilience: ResilienceConfig{
				BaseDelay:          200 * time.Millisecond,
				RetryCount:         3,
				BreakerThreshold:   0.5,
				BreakerWindow:      30 * time.Second,
				BreakerMinRequests: 5,
				BreakerDuration:    30 * time.Second,
				CallTimeout:        30 * time.Second,
			},
			StrictJSON: StrictJSONConfig{
				Enabled:          true,
				RetryOnFailure:   true,
				MaxRetryAttempts: 1,
				MinConfidence:    0,
			},
			Telemetry: TelemetryConfig{
				Enabled:         true,
				RecordPayloads:  false,
				MaxPayloadChars: 2000,
			},
		},
		Pipeline: PipelineConfig{
			Workers:       4,
			QueueSize:     5000,
			EventDeadline: 45 * time.Second,
		},
		Logging: LoggingConfig{Format: "text"},
		Metrics: MetricsConfig{Enabled: true, Addr: "127.0.0.1:9464"},
	}
}

// Load reads configuration from path (or the default search locations if
// path is empty) on top of Default(), so keys the file omits keep their
// defaults. Environment variables prefixed CASTELLAN_ override keys that
// the config file sets; when no config file is read, the defaults are used
// as they are and environment variables are not applied. The returned
// Config has already been validated.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("castellan")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicitMissing := false
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("statting config %s: %w", path, err)
			}
			explicitMissing = true
		}
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/castellan")
	}

	cfg := Default()
	if explicitMissing {
		// Explicit --config path that doesn't exist: proceed with defaults.
	} else if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		// No config file found on the search path: proceed with defaults.
	} else if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}
