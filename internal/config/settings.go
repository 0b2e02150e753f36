package config

import (
	"os"
	"sync"

	"github.com/rs/zerolog"

	"threathunter/internal/persist"
)

// Settings are the runtime-tunable knobs. They are persisted as a JSON
// document of overrides: a missing key keeps its documented default, so old
// settings files remain valid when new knobs are added.
type Settings struct {
	// ProcessingIntervalSec is the pause between cycle completions.
	ProcessingIntervalSec int `json:"processing_interval"`
	// InitialScanCount bounds the backward scan on first-ever run.
	InitialScanCount int `json:"initial_scan_count"`
	// LogBatchSize caps records consumed per cycle.
	LogBatchSize int `json:"log_batch_size"`
	// SearchK is the retrieval depth for interactive queries.
	SearchK int `json:"search_k"`
	// AnalysisK is the retrieval depth when gathering analysis context.
	AnalysisK int `json:"analysis_k"`
	// MaxIssues caps the retained active issue list.
	MaxIssues int `json:"max_issues"`
	// MaxOutputTokens caps completion output size.
	MaxOutputTokens int `json:"max_output_tokens"`
}

// DefaultSettings returns the documented defaults.
func DefaultSettings() Settings {
	return Settings{
		ProcessingIntervalSec: 300,
		InitialScanCount:      200,
		LogBatchSize:          100000,
		SearchK:               500,
		AnalysisK:             500,
		MaxIssues:             1000,
		MaxOutputTokens:       8000,
	}
}

// SettingsStore owns the persisted settings document. Reads return a copy;
// updates are validated, applied, and written through atomically.
type SettingsStore struct {
	mu      sync.Mutex
	path    string
	current Settings
	logger  zerolog.Logger
}

// NewSettingsStore creates a store backed by the JSON file at path.
func NewSettingsStore(path string, logger zerolog.Logger) *SettingsStore {
	return &SettingsStore{
		path:    path,
		current: DefaultSettings(),
		logger:  logger.With().Str("component", "settings").Logger(),
	}
}

// Load reads persisted overrides on top of the defaults. A missing file
// leaves the defaults in place; a corrupt file is logged and ignored.
func (s *SettingsStore) Load() {
	s.mu.Lock()
	defer s.mu.Unlock()

	loaded := DefaultSettings()
	if err := persist.ReadJSON(s.path, &loaded); err != nil {
		if !os.IsNotExist(err) {
			s.logger.Error().Err(err).Msg("failed to load settings, using defaults")
		}
		return
	}
	s.current = sanitize(loaded)
	s.logger.Info().Interface("settings", s.current).Msg("loaded settings")
}

// Get returns the current settings.
func (s *SettingsStore) Get() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Update applies and persists new settings. Out-of-range values are clamped
// back to their defaults rather than rejected.
func (s *SettingsStore) Update(in Settings) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.current = sanitize(in)
	if err := persist.WriteJSON(s.path, s.current); err != nil {
		return s.current, err
	}
	return s.current, nil
}

// sanitize replaces non-positive values with their defaults so a partial or
// malformed update cannot stall the pipeline.
func sanitize(in Settings) Settings {
	def := DefaultSettings()
	if in.ProcessingIntervalSec <= 0 {
		in.ProcessingIntervalSec = def.ProcessingIntervalSec
	}
	if in.InitialScanCount <= 0 {
		in.InitialScanCount = def.InitialScanCount
	}
	if in.LogBatchSize <= 0 {
		in.LogBatchSize = def.LogBatchSize
	}
	if in.SearchK <= 0 {
		in.SearchK = def.SearchK
	}
	if in.AnalysisK <= 0 {
		in.AnalysisK = def.AnalysisK
	}
	if in.MaxIssues <= 0 {
		in.MaxIssues = def.MaxIssues
	}
	if in.MaxOutputTokens <= 0 {
		in.MaxOutputTokens = def.MaxOutputTokens
	}
	return in
}
