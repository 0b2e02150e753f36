// Package config loads the static service configuration and manages the
// runtime-tunable settings document.
//
// Static configuration is layered: built-in defaults, then an optional YAML
// file, then THREATHUNTER_-prefixed environment variables. The merged result
// is validated before use. Runtime settings (polling interval, batch sizes,
// retrieval depth) live in a separate JSON document that the dashboard layer
// may rewrite while the service runs; see SettingsStore.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is stripped from environment variables before they are merged
// into the configuration, e.g. THREATHUNTER_LISTEN overrides "listen".
const EnvPrefix = "THREATHUNTER_"

// Config is the static service configuration. It changes only on restart.
type Config struct {
	// LogFile is the append-only SIEM alert file that is tailed.
	LogFile string `koanf:"log_file" yaml:"log_file" validate:"required"`
	// DataDir holds every persisted state file (offset, index, metadata,
	// issues, ignore set, settings, dashboard snapshot).
	DataDir string `koanf:"data_dir" yaml:"data_dir" validate:"required"`
	// Listen is the address of the read-side HTTP API.
	Listen string `koanf:"listen" yaml:"listen" validate:"required,hostname_port"`

	Completion CompletionConfig `koanf:"completion" yaml:"completion"`
	Embedding  EmbeddingConfig  `koanf:"embedding" yaml:"embedding"`
}

// CompletionConfig configures the generative completion service client.
type CompletionConfig struct {
	// Endpoint is the base URL of the completion service.
	Endpoint string `koanf:"endpoint" yaml:"endpoint" validate:"required,url"`
	// APIKeys are the credentials rotated through on sustained throttling.
	// Loaded from THREATHUNTER_COMPLETION_API_KEYS as a comma-separated list.
	APIKeys []string `koanf:"api_keys" yaml:"api_keys" validate:"min=1,dive,required"`
	// LiteModel handles summarization and query generation.
	LiteModel string `koanf:"lite_model" yaml:"lite_model" validate:"required"`
	// FullModel handles the main analysis pass.
	FullModel string `koanf:"full_model" yaml:"full_model" validate:"required"`
	// MaxConcurrent bounds in-flight completion calls.
	MaxConcurrent int `koanf:"max_concurrent" yaml:"max_concurrent" validate:"min=1"`
}

// EmbeddingConfig configures the embedding service client.
type EmbeddingConfig struct {
	Endpoint string `koanf:"endpoint" yaml:"endpoint" validate:"required,url"`
	Model    string `koanf:"model" yaml:"model" validate:"required"`
	// Dimension is the fixed length of returned vectors.
	Dimension int `koanf:"dimension" yaml:"dimension" validate:"min=1"`
	// BatchSize caps how many texts are embedded per call.
	BatchSize int `koanf:"batch_size" yaml:"batch_size" validate:"min=1"`
}

// Default returns the built-in configuration defaults.
func Default() *Config {
	return &Config{
		LogFile: "/var/ossec/logs/alerts/alerts.json",
		DataDir: "/var/lib/threathunter",
		Listen:  "127.0.0.1:8844",
		Completion: CompletionConfig{
			Endpoint:      "https://generativelanguage.googleapis.com",
			LiteModel:     "gemini-2.5-flash-lite",
			FullModel:     "gemini-2.5-flash",
			MaxConcurrent: 3,
		},
		Embedding: EmbeddingConfig{
			Endpoint:  "https://generativelanguage.googleapis.com",
			Model:     "gemini-embedding-001",
			Dimension: 768,
			BatchSize: 64,
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path, and environment overrides, then validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", filepath.Base(path), err)
		}
	}

	k := koanf.New(".")
	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "_", ".")
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("load environment overrides: %w", err)
	}
	// Env keys use a flattened form: COMPLETION_API_KEYS -> completion.api.keys
	// does not match struct paths, so remap the two-level keys explicitly.
	applyEnvOverrides(cfg, k)

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides copies recognized environment keys onto the config.
// Only scalar leaves are supported; the API key list is comma-separated.
func applyEnvOverrides(cfg *Config, k *koanf.Koanf) {
	if v := k.String("log.file"); v != "" {
		cfg.LogFile = v
	}
	if v := k.String("data.dir"); v != "" {
		cfg.DataDir = v
	}
	if v := k.String("listen"); v != "" {
		cfg.Listen = v
	}
	if v := k.String("completion.endpoint"); v != "" {
		cfg.Completion.Endpoint = v
	}
	if v := k.String("completion.api.keys"); v != "" {
		keys := strings.Split(v, ",")
		cfg.Completion.APIKeys = cfg.Completion.APIKeys[:0]
		for _, key := range keys {
			if key = strings.TrimSpace(key); key != "" {
				cfg.Completion.APIKeys = append(cfg.Completion.APIKeys, key)
			}
		}
	}
	if v := k.String("completion.lite.model"); v != "" {
		cfg.Completion.LiteModel = v
	}
	if v := k.String("completion.full.model"); v != "" {
		cfg.Completion.FullModel = v
	}
	if v := k.Int("completion.max.concurrent"); v > 0 {
		cfg.Completion.MaxConcurrent = v
	}
	if v := k.String("embedding.endpoint"); v != "" {
		cfg.Embedding.Endpoint = v
	}
	if v := k.String("embedding.model"); v != "" {
		cfg.Embedding.Model = v
	}
	if v := k.Int("embedding.dimension"); v > 0 {
		cfg.Embedding.Dimension = v
	}
	if v := k.Int("embedding.batch.size"); v > 0 {
		cfg.Embedding.BatchSize = v
	}
}

// StatePaths resolves the per-concern state file locations under DataDir.
type StatePaths struct {
	Offset    string
	Index     string
	Metadata  string
	Issues    string
	Ignored   string
	Settings  string
	Dashboard string
}

// Paths returns the state file layout for this configuration.
func (c *Config) Paths() StatePaths {
	return StatePaths{
		Offset:    filepath.Join(c.DataDir, "log_position.txt"),
		Index:     filepath.Join(c.DataDir, "vector_index.bin"),
		Metadata:  filepath.Join(c.DataDir, "metadata.json"),
		Issues:    filepath.Join(c.DataDir, "issues.json"),
		Ignored:   filepath.Join(c.DataDir, "ignored_issues.json"),
		Settings:  filepath.Join(c.DataDir, "settings.json"),
		Dashboard: filepath.Join(c.DataDir, "dashboard.json"),
	}
}
