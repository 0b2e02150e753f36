package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogRecordDigestStableUnderFieldOrder(t *testing.T) {
	// Same document serialized with different field orderings must hash
	// identically once decoded.
	a := `{"timestamp":"2025-01-01T00:00:00Z","rule":{"id":"5503","description":"auth failure"},"agent":{"name":"web-01"}}`
	b := `{"agent":{"name":"web-01"},"rule":{"description":"auth failure","id":"5503"},"timestamp":"2025-01-01T00:00:00Z"}`

	var ra, rb LogRecord
	require.NoError(t, json.Unmarshal([]byte(a), &ra))
	require.NoError(t, json.Unmarshal([]byte(b), &rb))

	assert.Equal(t, ra.Digest(), rb.Digest())
	assert.Len(t, ra.Digest(), 64)
}

func TestLogRecordDigestDiffersForDifferentContent(t *testing.T) {
	ra := LogRecord{"full_log": "sshd: failed password for root"}
	rb := LogRecord{"full_log": "sshd: failed password for admin"}
	assert.NotEqual(t, ra.Digest(), rb.Digest())
}

func TestRuleDescription(t *testing.T) {
	tests := []struct {
		name     string
		record   LogRecord
		expected string
	}{
		{
			name:     "nested description",
			record:   LogRecord{"rule": map[string]any{"description": "brute force"}},
			expected: "brute force",
		},
		{
			name:     "missing rule block",
			record:   LogRecord{"full_log": "x"},
			expected: "Unknown Rule",
		},
		{
			name:     "rule without description",
			record:   LogRecord{"rule": map[string]any{"id": "100"}},
			expected: "Unknown Rule",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.record.RuleDescription())
		})
	}
}

func TestSeverityIsValid(t *testing.T) {
	for _, s := range []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical} {
		assert.True(t, s.IsValid(), "severity %s should be valid", s)
	}
	assert.False(t, Severity("urgent").IsValid())
	assert.False(t, Severity("").IsValid())
}

func TestIssueValidate(t *testing.T) {
	valid := Issue{
		ID:        "ab12cd34ef",
		Timestamp: time.Now(),
		Severity:  SeverityHigh,
		Title:     "SSH brute force from single source",
		Summary:   "Repeated failures",
	}
	assert.NoError(t, valid.Validate())

	noTitle := valid
	noTitle.Title = ""
	assert.Error(t, noTitle.Validate())

	badSeverity := valid
	badSeverity.Severity = "Extreme"
	assert.Error(t, badSeverity.Validate())
}

func TestCycleStateIsValid(t *testing.T) {
	for _, s := range []CycleState{StateIdle, StateTailing, StateEmbedding,
		StateRetrievingContext, StateAnalyzing, StatePersisting, StateError} {
		assert.True(t, s.IsValid())
	}
	assert.False(t, CycleState("paused").IsValid())
}
