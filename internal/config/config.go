// Package config loads and validates the processor's runtime configuration
// from an optional JSON file, with flag-supplied values overriding it.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config holds the fully processed, ready-to-use configuration for one
// download run.
type Config struct {
	WorkDir                   string
	OutputPath                string
	NumThreads                int
	CleanupSegmentsOnComplete bool
	StrictParse               bool

	FetchConnectTimeout time.Duration
	FetchReadTimeout    time.Duration
	UserAgent           string
	ProxyURL            string
	RateLimitBytesPerS  int64

	MaxRetries     int
	RetryBaseDelay time.Duration
	ShutdownGrace  time.Duration
}

// rawConfig mirrors the on-disk JSON shape. Durations and byte rates are
// stored as plain numbers (milliseconds, bytes/sec) since JSON has no
// native duration type; applyRaw converts them.
type rawConfig struct {
	WorkDir                   string `json:"work_dir"`
	OutputPath                string `json:"output_path"`
	NumThreads                int    `json:"num_threads"`
	CleanupSegmentsOnComplete bool   `json:"cleanup_segments_on_complete"`
	StrictParse               bool   `json:"strict_parse"`

	FetchConnectTimeoutMs int64  `json:"fetch_connect_timeout_ms"`
	FetchReadTimeoutMs    int64  `json:"fetch_read_timeout_ms"`
	UserAgent             string `json:"user_agent"`
	ProxyURL              string `json:"proxy_url"`
	RateLimitBytesPerS    int64  `json:"fetch_rate_limit_bytes_per_sec"`

	MaxRetries      int   `json:"max_retries"`
	RetryBaseMs     int64 `json:"retry_base_ms"`
	ShutdownGraceMs int64 `json:"shutdown_grace_ms"`
}

// Defaults returns the baked-in defaults, applied before any file or flag
// overrides.
func Defaults() Config {
	return Config{
		NumThreads:                1,
		CleanupSegmentsOnComplete: true,
		StrictParse:               false,
		FetchConnectTimeout:       10 * time.Second,
		FetchReadTimeout:          10 * time.Second,
		UserAgent:                 "hlsdl/1.0",
		MaxRetries:                3,
		RetryBaseDelay:            time.Second,
		ShutdownGrace:             5 * time.Second,
	}
}

// Load reads path, applying any present fields on top of Defaults(). A
// missing file is not an error: it simply means defaults (and later flag
// overrides) apply unmodified.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file at %s: %w", path, err)
	}

	// Booleans have no "unset" zero value, so seed them with the defaults;
	// json.Unmarshal leaves fields the file doesn't mention untouched.
	raw := rawConfig{
		CleanupSegmentsOnComplete: cfg.CleanupSegmentsOnComplete,
		StrictParse:               cfg.StrictParse,
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config JSON: %w", err)
	}

	applyRaw(&cfg, raw)
	return cfg, nil
}

// applyRaw overlays non-zero fields from raw onto cfg, leaving defaults in
// place for anything the file didn't mention.
func applyRaw(cfg *Config, raw rawConfig) {
	if raw.WorkDir != "" {
		cfg.WorkDir = raw.WorkDir
	}
	if raw.OutputPath != "" {
		cfg.OutputPath = raw.OutputPath
	}
	if raw.NumThreads != 0 {
		cfg.NumThreads = raw.NumThreads
	}
	cfg.CleanupSegmentsOnComplete = raw.CleanupSegmentsOnComplete
	cfg.StrictParse = raw.StrictParse
	if raw.FetchConnectTimeoutMs != 0 {
		cfg.FetchConnectTimeout = time.Duration(raw.FetchConnectTimeoutMs) * time.Millisecond
	}
	if raw.FetchReadTimeoutMs != 0 {
		cfg.FetchReadTimeout = time.Duration(raw.FetchReadTimeoutMs) * time.Millisecond
	}
	if raw.UserAgent != "" {
		cfg.UserAgent = raw.UserAgent
	}
	if raw.ProxyURL != "" {
		cfg.ProxyURL = raw.ProxyURL
	}
	if raw.RateLimitBytesPerS != 0 {
		cfg.RateLimitBytesPerS = raw.RateLimitBytesPerS
	}
	if raw.MaxRetries != 0 {
		cfg.MaxRetries = raw.MaxRetries
	}
	if raw.RetryBaseMs != 0 {
		cfg.RetryBaseDelay = time.Duration(raw.RetryBaseMs) * time.Millisecond
	}
	if raw.ShutdownGraceMs != 0 {
		cfg.ShutdownGrace = time.Duration(raw.ShutdownGraceMs) * time.Millisecond
	}
}

// Validate rejects configurations the processor could not act on.
func (c Config) Validate() error {
	if c.OutputPath == "" {
		return fmt.Errorf("output_path is required")
	}
	if c.NumThreads < 1 {
		return fmt.Errorf("num_threads must be at least 1, got %d", c.NumThreads)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be at least 1, got %d", c.MaxRetries)
	}
	return nil
}
