// Package events defines the data model shared by every stage of the
// Castellan analysis pipeline: the raw LogEvent ingested from a Windows
// Event Log channel, the derived Fingerprint and Embedding used for
// retrieval, and the SecurityEvent emitted to notification channels.
package events

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Level is the Windows Event Log severity level.
type Level string

const (
	LevelInformation Level = "Information"
	LevelWarning     Level = "Warning"
	LevelError       Level = "Error"
	LevelCritical    Level = "Critical"
)

// LogEvent is an immutable record of a single Windows Event Log entry.
type LogEvent struct {
	Time     time.Time `json:"time"`
	Host     string    `json:"host"`
	Channel  string    `json:"channel"`
	EventID  int       `json:"event_id"`
	Level    Level     `json:"level"`
	User     string    `json:"user,omitempty"`
	Message  string    `json:"message"`
	RawJSON  string    `json:"raw_json,omitempty"`
	UniqueID string    `json:"unique_id"`

	// Sequence is a monotonic per-channel counter assigned by the collector
	// bookmark. It lets a reconnect detect a stale bookmark: if the channel
	// holds fewer records than the bookmarked sequence (or its file shrank),
	// the channel is treated as having rotated and replay resumes from the
	// oldest retained record.
	Sequence uint64 `json:"sequence,omitempty"`
}

// WithUniqueID returns a copy of e with UniqueID assigned deterministically
// from its other fields, if UniqueID is currently empty. Callers that already
// have a stable ID from the underlying channel record should assign it
// themselves instead.
func (e LogEvent) WithUniqueID() LogEvent {
	if e.UniqueID != "" {
		return e
	}
	e.UniqueID = hashFields(e.Host, e.Channel, fmt.Sprint(e.EventID), string(e.Level), e.User, e.Message, e.Time.UTC().Format(time.RFC3339Nano))
	return e
}

func hashFields(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Fingerprint is the content-addressed key identifying a (provider, model,
// prompt) tuple. It is used as the embedding cache key; VectorPoint ids are
// the event's UniqueID, not a fingerprint.
type Fingerprint string

// NewFingerprint computes the fingerprint of a prompt against a given
// embedding provider and model. Two semantically identical prompts for the
// same model yield the same fingerprint because the message is normalized
// (trimmed, whitespace-collapsed and lower-cased) before hashing.
func NewFingerprint(provider, model, message string) Fingerprint {
	normalized := normalizeMessage(message)
	h := sha256.New()
	h.Write([]byte(provider))
	h.Write([]byte{0})
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(normalized))
	return Fingerprint(hex.EncodeToString(h.Sum(nil)))
}

func normalizeMessage(s string) string {
	fields := strings.Fields(s)
	return strings.ToLower(strings.Join(fields, " "))
}

// Embedding is a fixed-dimension float vector. A nil or zero-length
// Embedding is the sentinel for "embedding failed" and must never be stored
// in the vector store.
type Embedding []float64

// Empty reports whether e is the "failed" sentinel.
func (e Embedding) Empty() bool { return len(e) == 0 }

// RiskLevel is the coarse severity bucket assigned to a SecurityEvent.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Weight returns the fixed risk-level weight used by hybrid re-ranking:
// critical=1.0, high=0.75, medium=0.5, low=0.25, unknown=0.1.
func (r RiskLevel) Weight() float64 {
	switch r {
	case RiskCritical:
		return 1.0
	case RiskHigh:
		return 0.75
	case RiskMedium:
		return 0.5
	case RiskLow:
		return 0.25
	default:
		return 0.1
	}
}

// VectorPoint is a single entry stored in the vector backend: an embedding
// keyed by the originating LogEvent's UniqueID, plus enough payload to
// reconstruct a neighbour during retrieval.
type VectorPoint struct {
	ID        string    `json:"id"`
	Vector    Embedding `json:"vector"`
	Event     LogEvent  `json:"event"`
	RiskLevel RiskLevel `json:"risk_level"`
	IndexedAt time.Time `json:"indexed_at"`
}

// EventType is the closed taxonomy of classifications a SecurityEvent may
// carry, whether derived deterministically or by an LLM.
type EventType string

const (
	EventTypeAuthenticationSuccess EventType = "AuthenticationSuccess"
	EventTypeAuthenticationFailure EventType = "AuthenticationFailure"
	EventTypeAccountManagement     EventType = "AccountManagement"
	EventTypePrivilegeEscalation   EventType = "PrivilegeEscalation"
	EventTypeServiceInstallation   EventType = "ServiceInstallation"
	EventTypeScheduledTask         EventType = "ScheduledTask"
	EventTypeProcessCreation       EventType = "ProcessCreation"
	EventTypePowerShellExecution   EventType = "PowerShellExecution"
	EventTypeBurstActivity         EventType = "BurstActivity"
	EventTypeCorrelatedActivity    EventType = "CorrelatedActivity"
	EventTypeAnomalousActivity     EventType = "AnomalousActivity"
	EventTypeSuspiciousActivity    EventType = "SuspiciousActivity"
	EventTypeUnknown               EventType = "Unknown"
)

// ValidEventTypes enumerates the closed taxonomy for schema validation.
var ValidEventTypes = map[EventType]bool{
	EventTypeAuthenticationSuccess: true,
	EventTypeAuthenticationFailure: true,
	EventTypeAccountManagement:     true,
	EventTypePrivilegeEscalation:   true,
	EventTypeServiceInstallation:   true,
	EventTypeScheduledTask:         true,
	EventTypeProcessCreation:       true,
	EventTypePowerShellExecution:   true,
	EventTypeBurstActivity:         true,
	EventTypeCorrelatedActivity:    true,
	EventTypeAnomalousActivity:     true,
	EventTypeSuspiciousActivity:    true,
	EventTypeUnknown:               true,
}

// ValidRiskLevels enumerates the closed risk taxonomy for schema validation.
var ValidRiskLevels = map[RiskLevel]bool{
	RiskLow:      true,
	RiskMedium:   true,
	RiskHigh:     true,
	RiskCritical: true,
}

// LlmSecurityEventResponse is the strict, validated shape an LLM classifier
// must produce for a single event.
type LlmSecurityEventResponse struct {
	Risk                RiskLevel `json:"risk"`
	Confidence          int       `json:"confidence"`
	Summary             string    `json:"summary"`
	Mitre               []string  `json:"mitre"`
	RecommendedActions  []string  `json:"recommended_actions"`
	EventType           EventType `json:"event_type"`
}

// Validate checks the response against the schema invariants:
// risk in the closed enum, confidence in [0,100], summary 10-500 chars, and
// a recognised event type (Unknown is a valid default).
func (r LlmSecurityEventResponse) Validate() error {
	if !ValidRiskLevels[r.Risk] {
		return fmt.Errorf("invalid risk level %q", r.Risk)
	}
	if r.Confidence < 0 || r.Confidence > 100 {
		return fmt.Errorf("confidence %d out of range [0,100]", r.Confidence)
	}
	if l := len(r.Summary); l < 10 || l > 500 {
		return fmt.Errorf("summary length %d out of range [10,500]", l)
	}
	if r.EventType != "" && !ValidEventTypes[r.EventType] {
		return fmt.Errorf("invalid event type %q", r.EventType)
	}
	return nil
}

// SecurityEvent is the ranked record Castellan hands to the
// NotificationManager and, downstream, to the event store.
type SecurityEvent struct {
	OriginalEvent LogEvent                 `json:"original_event"`
	Response      LlmSecurityEventResponse `json:"response"`

	IsDeterministic    bool `json:"is_deterministic"`
	IsCorrelationBased bool `json:"is_correlation_based"`
	IsEnhanced         bool `json:"is_enhanced"`

	CorrelationScore float64 `json:"correlation_score"`
	BurstScore       float64 `json:"burst_score"`
	AnomalyScore     float64 `json:"anomaly_score"`

	EnrichmentData []byte `json:"enrichment_data,omitempty"`
}

// Validate enforces the invariant that non-correlation-based events carry
// zero scores.
func (s SecurityEvent) Validate() error {
	if err := s.Response.Validate(); err != nil {
		return err
	}
	if !s.IsCorrelationBased {
		if s.CorrelationScore != 0 || s.BurstScore != 0 || s.AnomalyScore != 0 {
			return fmt.Errorf("non-correlation-based event must have zero scores")
		}
	}
	return nil
}
