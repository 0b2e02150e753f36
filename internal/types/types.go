// Package types holds the core domain types shared across the pipeline.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// LogRecord is a single structured alert read from the SIEM log file.
// Records are opaque nested documents; the pipeline never depends on a
// fixed schema beyond a few well-known fields used for display and stats.
type LogRecord map[string]any

// Digest returns the SHA-256 hex digest of the record's canonical
// serialization. encoding/json marshals map keys in sorted order, so the
// digest is stable regardless of the field order in the source line.
func (r LogRecord) Digest() string {
	data, err := json.Marshal(r)
	if err != nil {
		// Maps decoded from JSON always re-marshal cleanly; a failure here
		// means the record was built by hand with an unmarshalable value.
		data = []byte(fmt.Sprintf("%v", map[string]any(r)))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// RuleDescription returns the nested rule.description field, or "Unknown Rule"
// when the record carries no rule block.
func (r LogRecord) RuleDescription() string {
	rule, ok := r["rule"].(map[string]any)
	if !ok {
		return "Unknown Rule"
	}
	desc, ok := rule["description"].(string)
	if !ok || desc == "" {
		return "Unknown Rule"
	}
	return desc
}

// EmbeddingText builds the text that is embedded for this record. Only the
// fields relevant for semantic retrieval are included so that volatile
// bookkeeping fields do not perturb the vector. The record's digest is
// carried along so retrieval results can always be mapped back to storage.
func (r LogRecord) EmbeddingText(digest string) string {
	subset := map[string]any{
		"timestamp": r["timestamp"],
		"rule":      r["rule"],
		"agent":     r["agent"],
		"location":  r["location"],
		"data":      r["data"],
		"full_log":  r["full_log"],
		"sha256":    digest,
	}
	data, err := json.Marshal(subset)
	if err != nil {
		return digest
	}
	return string(data)
}

// Severity classifies how urgent an identified issue is.
type Severity string

const (
	SeverityLow      Severity = "Low"
	SeverityMedium   Severity = "Medium"
	SeverityHigh     Severity = "High"
	SeverityCritical Severity = "Critical"
)

// IsValid checks if the severity value is valid.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Issue is a deduplicated security finding surfaced by analysis.
// Issues are immutable once accepted; the only mutation is removal via the
// ignore operation, which also records the id in the persisted ignore set.
type Issue struct {
	ID             string    `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	Severity       Severity  `json:"severity"`
	Title          string    `json:"title"`
	Summary        string    `json:"summary"`
	Recommendation string    `json:"recommendation"`
	RelatedLogs    []string  `json:"related_logs"`
	Signature      string    `json:"signature"`
}

// Validate checks if the issue has valid field values.
func (i *Issue) Validate() error {
	if i.Title == "" {
		return fmt.Errorf("title is required")
	}
	if !i.Severity.IsValid() {
		return fmt.Errorf("invalid severity: %s", i.Severity)
	}
	if i.ID == "" {
		return fmt.Errorf("id is required")
	}
	return nil
}

// IssueCandidate is an issue as reported by the completion service, before
// the deduplication engine has assigned it an identity. The validate tags
// are enforced at the service boundary so untyped payloads never propagate.
type IssueCandidate struct {
	Severity       Severity `json:"severity" validate:"required,oneof=Low Medium High Critical"`
	Title          string   `json:"title" validate:"required"`
	Summary        string   `json:"summary" validate:"required"`
	Recommendation string   `json:"recommendation" validate:"required"`
	RelatedLogs    []string `json:"related_logs"`
}

// CycleState tracks where the orchestrator is within a processing cycle.
type CycleState string

const (
	StateIdle              CycleState = "idle"
	StateTailing           CycleState = "tailing"
	StateEmbedding         CycleState = "embedding"
	StateRetrievingContext CycleState = "retrieving_context"
	StateAnalyzing         CycleState = "analyzing"
	StatePersisting        CycleState = "persisting"
	StateError             CycleState = "error"
)

// IsValid checks if the cycle state value is valid.
func (s CycleState) IsValid() bool {
	switch s {
	case StateIdle, StateTailing, StateEmbedding, StateRetrievingContext,
		StateAnalyzing, StatePersisting, StateError:
		return true
	}
	return false
}
