// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/jeranaias/modelmux/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete modelmux configuration.
type Config struct {
	Version string `toml:"version" json:"version"`

	// Ollama inference engine
	Ollama OllamaConfig `toml:"ollama" json:"ollama"`

	// Local routing and scoring
	Routing RoutingConfig `toml:"routing" json:"routing"`

	// Weights maps a specialization tag to its score multiplier.
	Weights map[string]float64 `toml:"weights" json:"weights"`

	// Meta-router (OpenAI oracle)
	Meta MetaConfig `toml:"meta" json:"meta"`

	// Hybrid memory
	Memory MemoryConfig `toml:"memory" json:"memory"`

	// Summarization oracle used by memory archival
	Summarizer SummarizerConfig `toml:"summarizer" json:"summarizer"`

	// Model discovery and registry refresh
	Discovery DiscoveryConfig `toml:"discovery" json:"discovery"`

	// Web chat server
	Server ServerConfig `toml:"server" json:"server"`

	// sqlite store for performance history and transcripts
	Storage StorageConfig `toml:"storage" json:"storage"`

	Logging   LoggingConfig   `toml:"logging" json:"logging"`
	Telemetry TelemetryConfig `toml:"telemetry" json:"telemetry"`
}

// OllamaConfig contains inference engine settings.
type OllamaConfig struct {
	URL             string `toml:"url" json:"url"`
	TimeoutSecs     int    `toml:"timeout_secs" json:"timeout_secs"`
	PullTimeoutMins int    `toml:"pull_timeout_mins" json:"pull_timeout_mins"`
	EmbeddingModel  string `toml:"embedding_model" json:"embedding_model"`
}

// RoutingConfig contains the scoring constants and generation options.
type RoutingConfig struct {
	// LocalBoost multiplies the score of models already installed.
	LocalBoost float64 `toml:"local_boost" json:"local_boost"`
	// Models between SweetSpotMinGB and SweetSpotMaxGB get SweetSpotBoost.
	SweetSpotMinGB float64 `toml:"sweet_spot_min_gb" json:"sweet_spot_min_gb"`
	SweetSpotMaxGB float64 `toml:"sweet_spot_max_gb" json:"sweet_spot_max_gb"`
	SweetSpotBoost float64 `toml:"sweet_spot_boost" json:"sweet_spot_boost"`
	// Models above LargeModelGB get LargePenalty.
	LargeModelGB float64 `toml:"large_model_gb" json:"large_model_gb"`
	LargePenalty float64 `toml:"large_penalty" json:"large_penalty"`
	// StickinessBoost favors the model used for the previous turn.
	StickinessBoost float64 `toml:"stickiness_boost" json:"stickiness_boost"`

	// SafeModel is the single retry target after an inference failure.
	SafeModel string `toml:"safe_model" json:"safe_model"`
	// FallbackModels are tried in order when the registry is empty.
	FallbackModels []string `toml:"fallback_models" json:"fallback_models"`
	// AutoPull downloads a non-local winner before generating.
	AutoPull bool `toml:"auto_pull" json:"auto_pull"`

	// Generation options
	Temperature float64 `toml:"temperature" json:"temperature"`
	TopK        int     `toml:"top_k" json:"top_k"`
	TopP        float64 `toml:"top_p" json:"top_p"`
	NumPredict  int     `toml:"num_predict" json:"num_predict"`

	// Best-tag policy
	PreferredTags []string `toml:"preferred_tags" json:"preferred_tags"`
	AvoidTags     []string `toml:"avoid_tags" json:"avoid_tags"`

	// Performance tracking
	HistoryLimit int `toml:"history_limit" json:"history_limit"`
	PersistEvery int `toml:"persist_every" json:"persist_every"`
}

// MetaConfig contains the oracle router settings.
type MetaConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled"`
	Model   string `toml:"model" json:"model"`
	APIKey  string `toml:"api_key" json:"api_key"`
	// BaseURL points the OpenAI client at a compatible endpoint.
	BaseURL            string `toml:"base_url" json:"base_url"`
	CacheEnabled       bool   `toml:"cache_enabled" json:"cache_enabled"`
	CacheTTLMins       int    `toml:"cache_ttl_mins" json:"cache_ttl_mins"`
	TimeoutSecs        int    `toml:"timeout_secs" json:"timeout_secs"`
	MaxRequestsPerHour int    `toml:"max_requests_per_hour" json:"max_requests_per_hour"`
	Translate          bool   `toml:"translate" json:"translate"`
}

// MemoryConfig contains hybrid memory settings.
type MemoryConfig struct {
	Enabled    bool `toml:"enabled" json:"enabled"`
	TokenLimit int  `toml:"token_limit" json:"token_limit"`
	MaxEntries int  `toml:"max_entries" json:"max_entries"`
	// KeepRecent is the number of newest entries retained after archival.
	// It is independent of TokenLimit and MaxEntries.
	KeepRecent int `toml:"keep_recent" json:"keep_recent"`
	// MinArchive is the smallest buffer that archival will summarize.
	MinArchive int `toml:"min_archive" json:"min_archive"`
	// Backend selects the long-term index: "flat" or "chromem".
	Backend string `toml:"backend" json:"backend"`
	// Dir holds persisted vector stores, one subdirectory per session.
	Dir          string `toml:"dir" json:"dir"`
	PersistEvery int    `toml:"persist_every" json:"persist_every"`
	// Embedder selects "ollama" or "hash".
	Embedder  string `toml:"embedder" json:"embedder"`
	Dimension int    `toml:"dimension" json:"dimension"`
}

// SummarizerConfig selects the archival summarizer.
type SummarizerConfig struct {
	// Provider is "heuristic", "ollama" or "anthropic".
	Provider  string `toml:"provider" json:"provider"`
	Model     string `toml:"model" json:"model"`
	APIKey    string `toml:"api_key" json:"api_key"`
	MaxTokens int    `toml:"max_tokens" json:"max_tokens"`
}

// DiscoveryConfig contains catalog and refresh settings.
type DiscoveryConfig struct {
	// CatalogURL is fetched when set (YAML or JSON).
	CatalogURL string `toml:"catalog_url" json:"catalog_url"`
	// CatalogFile overrides the built-in catalog when set.
	CatalogFile string `toml:"catalog_file" json:"catalog_file"`
	CacheFile   string `toml:"cache_file" json:"cache_file"`
	// RefreshSchedule is a cron spec, e.g. "@every 24h".
	RefreshSchedule string `toml:"refresh_schedule" json:"refresh_schedule"`
	RetryMins       int    `toml:"retry_mins" json:"retry_mins"`
}

// ServerConfig contains web server settings.
type ServerConfig struct {
	Host string `toml:"host" json:"host"`
	Port int    `toml:"port" json:"port"`
	// RateLimit is requests per second per client IP; 0 disables limiting.
	RateLimit float64 `toml:"rate_limit" json:"rate_limit"`
	RateBurst int     `toml:"rate_burst" json:"rate_burst"`
}

// StorageConfig contains the sqlite store settings.
type StorageConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled"`
	Path    string `toml:"path" json:"path"`
}

// LoggingConfig configures log output and rotation.
type LoggingConfig struct {
	// File enables a rotating log file in addition to stderr.
	File       string `toml:"file" json:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" json:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" json:"max_age_days"`
}

// TelemetryConfig configures OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled     bool    `toml:"enabled" json:"enabled"`
	Endpoint    string  `toml:"endpoint" json:"endpoint"`
	Insecure    bool    `toml:"insecure" json:"insecure"`
	ServiceName string  `toml:"service_name" json:"service_name"`
	SampleRate  float64 `toml:"sample_rate" json:"sample_rate"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// DefaultWeights returns the built-in specialization weights. Tags missing
// from the table score with weight 1.0.
func DefaultWeights() map[string]float64 {
	return map[string]float64{
		"coding":       1.5,
		"programming":  1.5,
		"debugging":    1.4,
		"general":      1.0,
		"math":         1.3,
		"reasoning":    1.4,
		"conversation": 1.1,
		"chat":         1.1,
		"multilingual": 1.2,
		"vision":       1.3,
		"multimodal":   1.3,
	}
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Version: "1",
		Ollama: OllamaConfig{
			URL:             "http://127.0.0.1:11434",
			TimeoutSecs:     120,
			PullTimeoutMins: 30,
			EmbeddingModel:  "nomic-embed-text",
		},
		Routing: RoutingConfig{
			LocalBoost:      1.1,
			SweetSpotMinGB:  3,
			SweetSpotMaxGB:  8,
			SweetSpotBoost:  1.2,
			LargeModelGB:    15,
			LargePenalty:    0.7,
			StickinessBoost: 1.05,
			SafeModel:       "llama3.2:3b",
			FallbackModels:  []string{"llama3.2:3b", "gemma2:2b", "phi3:mini"},
			AutoPull:        true,
			Temperature:     0.7,
			TopK:            40,
			TopP:            0.9,
			NumPredict:      2048,
			PreferredTags:   []string{"3b", "7b", "8b", "9b", "13b"},
			AvoidTags:       []string{"70b", "72b", "90b", "405b"},
			HistoryLimit:    1000,
			PersistEvery:    50,
		},
		Weights: DefaultWeights(),
		Meta: MetaConfig{
			Enabled:            true,
			Model:              "gpt-4o-mini",
			CacheEnabled:       true,
			CacheTTLMins:       60,
			TimeoutSecs:        30,
			MaxRequestsPerHour: 100,
			Translate:          true,
		},
		Memory: MemoryConfig{
			Enabled:      true,
			TokenLimit:   4000,
			MaxEntries:   20,
			KeepRecent:   10,
			MinArchive:   4,
			Backend:      "flat",
			Dir:          "~/.modelmux/memory",
			PersistEvery: 10,
			Embedder:     "ollama",
			Dimension:    384,
		},
		Summarizer: SummarizerConfig{
			Provider:  "heuristic",
			Model:     "llama3.2:3b",
			MaxTokens: 200,
		},
		Discovery: DiscoveryConfig{
			CacheFile:       "~/.modelmux/models_cache.json",
			RefreshSchedule: "@every 24h",
			RetryMins:       5,
		},
		Server: ServerConfig{
			Host:      "127.0.0.1",
			Port:      8000,
			RateLimit: 10,
			RateBurst: 20,
		},
		Storage: StorageConfig{
			Enabled: true,
			Path:    "~/.modelmux/modelmux.db",
		},
		Logging: LoggingConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "modelmux",
			SampleRate:  1.0,
		},
	}
}

// =============================================================================
// DURATION HELPERS
// =============================================================================

// OllamaTimeout returns the request timeout for generate and embed calls.
func (c *Config) OllamaTimeout() time.Duration {
	return time.Duration(c.Ollama.TimeoutSecs) * time.Second
}

// PullTimeout returns the model download timeout.
func (c *Config) PullTimeout() time.Duration {
	return time.Duration(c.Ollama.PullTimeoutMins) * time.Minute
}

// MetaCacheTTL returns how long an oracle decision stays valid.
func (c *Config) MetaCacheTTL() time.Duration {
	return time.Duration(c.Meta.CacheTTLMins) * time.Minute
}

// MetaTimeout returns the oracle call bound.
func (c *Config) MetaTimeout() time.Duration {
	return time.Duration(c.Meta.TimeoutSecs) * time.Second
}

// DiscoveryRetry returns the delay before retrying a failed refresh.
func (c *Config) DiscoveryRetry() time.Duration {
	return time.Duration(c.Discovery.RetryMins) * time.Minute
}

// ServerAddr returns host:port for the web server.
func (c *Config) ServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the modelmux configuration directory path.
func ConfigDir() (string, error) {
	if dir := os.Getenv("MODELMUX_HOME"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".modelmux"), nil
}

// ConfigPathTOML returns the path to the TOML config file.
func ConfigPathTOML() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// ConfigPathJSON returns the path to the JSON config file.
func ConfigPathJSON() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// EnsureConfigDir ensures the config directory exists.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0755)
}

// ensureSecurePermissions tightens config files to 0600; they hold API keys.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	mode := info.Mode().Perm()
	if mode != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads configuration from the config directory. It tries TOML first,
// then JSON, and falls back to defaults. Environment overrides are applied
// last. A broken file never aborts startup: the defaults are returned along
// with the error describing what was skipped.
func Load() (*Config, error) {
	var loadErr error

	for _, candidate := range []func() (string, error){ConfigPathTOML, ConfigPathJSON} {
		path, err := candidate()
		if err != nil {
			continue
		}
		if _, statErr := os.Stat(path); statErr != nil {
			continue
		}
		cfg, err := LoadFromPath(path)
		if err != nil {
			loadErr = err
			break
		}
		return cfg, nil
	}

	cfg := Default()
	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		// Environment produced an invalid config; drop back to pure defaults.
		loadErr = errors.Join(loadErr, fmt.Errorf("invalid config from environment: %w", err))
		cfg = Default()
	}
	return cfg, loadErr
}

// LoadFromPath loads configuration from a specific file path with full
// validation. The file format follows the extension; anything other than
// .json is read as TOML.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()
	// Decoding into a populated map merges keys; start weights empty so the
	// file wins and SetDefaults fills the gaps.
	cfg.Weights = nil

	if strings.HasSuffix(path, ".json") {
		if err := LoadJSON(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load JSON config from %s: %w", path, err)
		}
	} else {
		if err := LoadTOML(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load TOML config from %s: %w", path, err)
		}
	}

	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadTOML decodes a TOML file into cfg.
func LoadTOML(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	return nil
}

// LoadJSON decodes a JSON file into cfg.
func LoadJSON(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read JSON file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to decode JSON file: %w", err)
	}
	return nil
}

// SetDefaults fills zero values with defaults. Booleans are left alone since
// false is a legitimate setting.
func (c *Config) SetDefaults() {
	d := Default()

	if c.Version == "" {
		c.Version = d.Version
	}

	setString(&c.Ollama.URL, d.Ollama.URL)
	setInt(&c.Ollama.TimeoutSecs, d.Ollama.TimeoutSecs)
	setInt(&c.Ollama.PullTimeoutMins, d.Ollama.PullTimeoutMins)
	setString(&c.Ollama.EmbeddingModel, d.Ollama.EmbeddingModel)

	r, dr := &c.Routing, d.Routing
	setFloat(&r.LocalBoost, dr.LocalBoost)
	setFloat(&r.SweetSpotMinGB, dr.SweetSpotMinGB)
	setFloat(&r.SweetSpotMaxGB, dr.SweetSpotMaxGB)
	setFloat(&r.SweetSpotBoost, dr.SweetSpotBoost)
	setFloat(&r.LargeModelGB, dr.LargeModelGB)
	setFloat(&r.LargePenalty, dr.LargePenalty)
	setFloat(&r.StickinessBoost, dr.StickinessBoost)
	setString(&r.SafeModel, dr.SafeModel)
	if len(r.FallbackModels) == 0 {
		r.FallbackModels = dr.FallbackModels
	}
	setFloat(&r.Temperature, dr.Temperature)
	setInt(&r.TopK, dr.TopK)
	setFloat(&r.TopP, dr.TopP)
	setInt(&r.NumPredict, dr.NumPredict)
	if len(r.PreferredTags) == 0 {
		r.PreferredTags = dr.PreferredTags
	}
	if r.AvoidTags == nil {
		r.AvoidTags = dr.AvoidTags
	}
	setInt(&r.HistoryLimit, dr.HistoryLimit)
	setInt(&r.PersistEvery, dr.PersistEvery)

	if c.Weights == nil {
		c.Weights = make(map[string]float64)
	}
	for tag, w := range d.Weights {
		if _, ok := c.Weights[tag]; !ok {
			c.Weights[tag] = w
		}
	}

	setString(&c.Meta.Model, d.Meta.Model)
	setInt(&c.Meta.CacheTTLMins, d.Meta.CacheTTLMins)
	setInt(&c.Meta.TimeoutSecs, d.Meta.TimeoutSecs)

	m, dm := &c.Memory, d.Memory
	setInt(&m.TokenLimit, dm.TokenLimit)
	setInt(&m.MaxEntries, dm.MaxEntries)
	setInt(&m.KeepRecent, dm.KeepRecent)
	setInt(&m.MinArchive, dm.MinArchive)
	setString(&m.Backend, dm.Backend)
	setString(&m.Dir, dm.Dir)
	setInt(&m.PersistEvery, dm.PersistEvery)
	setString(&m.Embedder, dm.Embedder)
	setInt(&m.Dimension, dm.Dimension)

	setString(&c.Summarizer.Provider, d.Summarizer.Provider)
	setString(&c.Summarizer.Model, d.Summarizer.Model)
	setInt(&c.Summarizer.MaxTokens, d.Summarizer.MaxTokens)

	setString(&c.Discovery.CacheFile, d.Discovery.CacheFile)
	setString(&c.Discovery.RefreshSchedule, d.Discovery.RefreshSchedule)
	setInt(&c.Discovery.RetryMins, d.Discovery.RetryMins)

	setString(&c.Server.Host, d.Server.Host)
	setInt(&c.Server.Port, d.Server.Port)
	setInt(&c.Server.RateBurst, d.Server.RateBurst)

	setString(&c.Storage.Path, d.Storage.Path)

	setInt(&c.Logging.MaxSizeMB, d.Logging.MaxSizeMB)
	setInt(&c.Logging.MaxBackups, d.Logging.MaxBackups)
	setInt(&c.Logging.MaxAgeDays, d.Logging.MaxAgeDays)

	setString(&c.Telemetry.ServiceName, d.Telemetry.ServiceName)
	setFloat(&c.Telemetry.SampleRate, d.Telemetry.SampleRate)
}

func setString(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

func setInt(dst *int, def int) {
	if *dst == 0 {
		*dst = def
	}
}

func setFloat(dst *float64, def float64) {
	if *dst == 0 {
		*dst = def
	}
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save saves the configuration to the default TOML file.
func Save(cfg *Config) error {
	path, err := ConfigPathTOML()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML writes cfg as TOML with 0600 permissions.
func SaveTOML(cfg *Config, path string) error {
	var b strings.Builder
	b.WriteString("# modelmux configuration file\n")
	b.WriteString("# Generated by modelmux - edit with care\n\n")
	if err := toml.NewEncoder(&b).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFile(path, []byte(b.String()), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// SaveJSON writes cfg as indented JSON with 0600 permissions.
func SaveJSON(cfg *Config, path string) error {
	if err := util.WriteJSONFile(path, cfg, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks ranges and enumerations and returns every problem found.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if u, err := url.Parse(c.Ollama.URL); err != nil || u.Scheme == "" || u.Host == "" {
		add("ollama.url", "invalid URL '%s'", c.Ollama.URL)
	}
	if c.Ollama.TimeoutSecs < 0 {
		add("ollama.timeout_secs", "must be positive, got %d", c.Ollama.TimeoutSecs)
	}

	// ==========================================================================
	// Routing
	// ==========================================================================

	if c.Routing.LocalBoost < 1 {
		add("routing.local_boost", "must be at least 1.0, got %.2f", c.Routing.LocalBoost)
	}
	if c.Routing.SweetSpotMinGB > c.Routing.SweetSpotMaxGB {
		add("routing.sweet_spot_min_gb", "must not exceed sweet_spot_max_gb (%.1f > %.1f)",
			c.Routing.SweetSpotMinGB, c.Routing.SweetSpotMaxGB)
	}
	if c.Routing.LargePenalty <= 0 || c.Routing.LargePenalty > 1 {
		add("routing.large_penalty", "must be in (0, 1], got %.2f", c.Routing.LargePenalty)
	}
	if c.Routing.Temperature < 0 || c.Routing.Temperature > 2 {
		add("routing.temperature", "must be between 0 and 2, got %.2f", c.Routing.Temperature)
	}
	if c.Routing.TopP < 0 || c.Routing.TopP > 1 {
		add("routing.top_p", "must be between 0 and 1, got %.2f", c.Routing.TopP)
	}
	if c.Routing.HistoryLimit < 1 {
		add("routing.history_limit", "must be at least 1, got %d", c.Routing.HistoryLimit)
	}
	if c.Routing.PersistEvery < 1 {
		add("routing.persist_every", "must be at least 1, got %d", c.Routing.PersistEvery)
	}
	for tag, w := range c.Weights {
		if w <= 0 {
			add("weights."+tag, "must be positive, got %.2f", w)
		}
	}

	// ==========================================================================
	// Meta-router
	// ==========================================================================

	if c.Meta.CacheTTLMins < 0 {
		add("meta.cache_ttl_mins", "must not be negative, got %d", c.Meta.CacheTTLMins)
	}
	if c.Meta.TimeoutSecs < 1 {
		add("meta.timeout_secs", "must be at least 1, got %d", c.Meta.TimeoutSecs)
	}
	if c.Meta.MaxRequestsPerHour < 0 {
		add("meta.max_requests_per_hour", "must not be negative, got %d", c.Meta.MaxRequestsPerHour)
	}

	// ==========================================================================
	// Memory
	// ==========================================================================

	if c.Memory.KeepRecent < 1 {
		add("memory.keep_recent", "must be at least 1, got %d", c.Memory.KeepRecent)
	}
	if c.Memory.MinArchive < 1 {
		add("memory.min_archive", "must be at least 1, got %d", c.Memory.MinArchive)
	}
	switch c.Memory.Backend {
	case "flat", "chromem":
	default:
		add("memory.backend", "invalid backend '%s', must be one of: flat, chromem", c.Memory.Backend)
	}
	switch c.Memory.Embedder {
	case "ollama", "hash":
	default:
		add("memory.embedder", "invalid embedder '%s', must be one of: ollama, hash", c.Memory.Embedder)
	}
	switch c.Summarizer.Provider {
	case "heuristic", "ollama", "anthropic":
	default:
		add("summarizer.provider", "invalid provider '%s', must be one of: heuristic, ollama, anthropic", c.Summarizer.Provider)
	}

	// ==========================================================================
	// Server and telemetry
	// ==========================================================================

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("server.port", "must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.RateLimit < 0 {
		add("server.rate_limit", "must not be negative, got %.2f", c.Server.RateLimit)
	}
	if c.Discovery.CatalogURL != "" {
		if u, err := url.Parse(c.Discovery.CatalogURL); err != nil || u.Scheme == "" {
			add("discovery.catalog_url", "invalid URL '%s'", c.Discovery.CatalogURL)
		}
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		add("telemetry.sample_rate", "must be between 0 and 1, got %.2f", c.Telemetry.SampleRate)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides:
//   - MODELMUX_OLLAMA_URL: overrides ollama.url
//   - MODELMUX_META: "0"/"false" disables the meta-router
//   - MODELMUX_META_MODEL: overrides meta.model
//   - OPENAI_API_KEY, MODELMUX_OPENAI_KEY: meta.api_key
//   - OPENAI_BASE_URL: meta.base_url
//   - ANTHROPIC_API_KEY: summarizer.api_key
//   - MODELMUX_PORT: overrides server.port
//   - MODELMUX_MEMORY_BACKEND: overrides memory.backend
//   - MODELMUX_LOG_FILE: overrides logging.file
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("MODELMUX_OLLAMA_URL"); v != "" {
		c.Ollama.URL = v
	}
	if v := os.Getenv("MODELMUX_META"); v != "" {
		c.Meta.Enabled = parseBool(v)
	}
	if v := os.Getenv("MODELMUX_META_MODEL"); v != "" {
		c.Meta.Model = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.Meta.APIKey = v
	}
	if v := os.Getenv("MODELMUX_OPENAI_KEY"); v != "" {
		c.Meta.APIKey = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		c.Meta.BaseURL = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.Summarizer.APIKey = v
	}
	if v := os.Getenv("MODELMUX_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("MODELMUX_MEMORY_BACKEND"); v != "" {
		c.Memory.Backend = v
	}
	if v := os.Getenv("MODELMUX_LOG_FILE"); v != "" {
		c.Logging.File = v
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "1" || s == "true" || s == "yes" || s == "on"
}

// =============================================================================
// GET/SET HELPERS (DOT NOTATION)
// =============================================================================

// Get retrieves a configuration value using dot notation (e.g. "routing.top_k").
// Keys under "weights." address the weight table.
func (c *Config) Get(key string) (interface{}, error) {
	if tag, ok := strings.CutPrefix(key, "weights."); ok {
		w, found := c.Weights[tag]
		if !found {
			return nil, fmt.Errorf("unknown weight: %s", tag)
		}
		return w, nil
	}
	field, err := c.lookupField(key)
	if err != nil {
		return nil, err
	}
	return field.Interface(), nil
}

// Set sets a configuration value using dot notation. String values are
// converted to the field's type.
func (c *Config) Set(key string, value interface{}) error {
	if tag, ok := strings.CutPrefix(key, "weights."); ok {
		var w float64
		switch v := value.(type) {
		case float64:
			w = v
		case string:
			parsed, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("invalid float value: %v", err)
			}
			w = parsed
		default:
			return fmt.Errorf("cannot assign %T to weight", value)
		}
		if c.Weights == nil {
			c.Weights = make(map[string]float64)
		}
		c.Weights[tag] = w
		return nil
	}
	field, err := c.lookupField(key)
	if err != nil {
		return err
	}
	if !field.CanSet() {
		return fmt.Errorf("cannot set field: %s", key)
	}
	return setFieldValue(field, value)
}

func (c *Config) lookupField(key string) (reflect.Value, error) {
	parts := strings.Split(key, ".")
	if key == "" {
		return reflect.Value{}, errors.New("empty key")
	}

	v := reflect.ValueOf(c).Elem()
	for i, part := range parts {
		fieldName := normalizeFieldName(part)
		field := v.FieldByNameFunc(func(name string) bool {
			return strings.EqualFold(name, fieldName)
		})
		if !field.IsValid() {
			return reflect.Value{}, fmt.Errorf("unknown field: %s", strings.Join(parts[:i+1], "."))
		}
		if i == len(parts)-1 {
			return field, nil
		}
		if field.Kind() != reflect.Struct {
			return reflect.Value{}, fmt.Errorf("field '%s' is not a struct", strings.Join(parts[:i+1], "."))
		}
		v = field
	}
	return reflect.Value{}, fmt.Errorf("invalid key: %s", key)
}

// normalizeFieldName converts a snake_case or kebab-case name to its Go
// field equivalent.
func normalizeFieldName(name string) string {
	parts := strings.FieldsFunc(name, func(r rune) bool {
		return r == '_' || r == '-'
	})
	var result strings.Builder
	for _, part := range parts {
		if len(part) > 0 {
			result.WriteString(strings.ToUpper(string(part[0])))
			result.WriteString(strings.ToLower(part[1:]))
		}
	}
	return result.String()
}

// setFieldValue sets a reflect.Value from an interface{} value with type conversion.
func setFieldValue(field reflect.Value, value interface{}) error {
	if strVal, ok := value.(string); ok {
		switch field.Kind() {
		case reflect.String:
			field.SetString(strVal)
			return nil
		case reflect.Int, reflect.Int64:
			intVal, err := strconv.ParseInt(strVal, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer value: %v", err)
			}
			field.SetInt(intVal)
			return nil
		case reflect.Float64:
			floatVal, err := strconv.ParseFloat(strVal, 64)
			if err != nil {
				return fmt.Errorf("invalid float value: %v", err)
			}
			field.SetFloat(floatVal)
			return nil
		case reflect.Bool:
			field.SetBool(parseBool(strVal))
			return nil
		case reflect.Slice:
			if field.Type().Elem().Kind() == reflect.String {
				var items []string
				for _, s := range strings.Split(strVal, ",") {
					if s = strings.TrimSpace(s); s != "" {
						items = append(items, s)
					}
				}
				field.Set(reflect.ValueOf(items))
				return nil
			}
		}
	}

	val := reflect.ValueOf(value)
	if val.Type().AssignableTo(field.Type()) {
		field.Set(val)
		return nil
	}
	if val.Type().ConvertibleTo(field.Type()) {
		field.Set(val.Convert(field.Type()))
		return nil
	}
	return fmt.Errorf("cannot assign %T to %s", value, field.Type())
}

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Weights = make(map[string]float64, len(c.Weights))
	for k, v := range c.Weights {
		clone.Weights[k] = v
	}
	clone.Routing.FallbackModels = append([]string(nil), c.Routing.FallbackModels...)
	clone.Routing.PreferredTags = append([]string(nil), c.Routing.PreferredTags...)
	clone.Routing.AvoidTags = append([]string(nil), c.Routing.AvoidTags...)
	return &clone
}

// String returns the config as JSON with API keys redacted.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c.Redacted(), "", "  ")
	return string(data)
}

// Redacted returns a copy with API keys masked.
func (c *Config) Redacted() *Config {
	safe := c.Clone()
	if safe.Meta.APIKey != "" {
		safe.Meta.APIKey = "[REDACTED]"
	}
	if safe.Summarizer.APIKey != "" {
		safe.Summarizer.APIKey = "[REDACTED]"
	}
	return safe
}

// =============================================================================
// SINGLETON PATTERN (THREAD-SAFE)
// =============================================================================

var (
	globalConfig     *Config
	globalConfigOnce sync.Once
	globalConfigMu   sync.RWMutex
)

// Global returns the global configuration instance, loading it on first
// access. Thread-safe.
func Global() *Config {
	globalConfigOnce.Do(func() {
		cfg, err := Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v (using defaults)\n", err)
		}
		globalConfigMu.Lock()
		globalConfig = cfg
		globalConfigMu.Unlock()
	})

	globalConfigMu.RLock()
	defer globalConfigMu.RUnlock()
	return globalConfig
}

// ReloadGlobal reloads the global configuration from disk. Thread-safe.
func ReloadGlobal() error {
	cfg, err := Load()
	if err != nil {
		return err
	}
	SetGlobal(cfg)
	return nil
}

// SetGlobal sets the global configuration instance. Thread-safe.
func SetGlobal(cfg *Config) {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = cfg
}

// ResetGlobalForTesting resets the global config state for testing.
func ResetGlobalForTesting() {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = nil
	globalConfigOnce = sync.Once{}
}
