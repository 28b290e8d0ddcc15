// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for parley.
//
// Supports both TOML and JSON configuration formats, with sensible defaults,
// environment variable overrides, validation and hot reload.
//
// Configuration file locations (in order of precedence):
//   - ~/.parley/config.toml
//   - ~/.parley/config.json
//   - Built-in defaults
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/parley/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete parley configuration.
type Config struct {
	Version string `toml:"version" json:"version"`

	// Backend the chat client talks to
	Backend BackendConfig `toml:"backend" json:"backend"`

	// Generation parameters sent with every turn
	Generation GenerationConfig `toml:"generation" json:"generation"`

	// Session identity and multi-party defaults
	Session SessionConfig `toml:"session" json:"session"`

	UI  UIConfig  `toml:"ui" json:"ui"`
	Log LogConfig `toml:"log" json:"log"`

	// Development backend (parley serve)
	Server ServerConfig `toml:"server" json:"server"`
}

// BackendConfig contains the chat backend connection settings.
type BackendConfig struct {
	// URL is the base URL of the backend API
	URL string `toml:"url" json:"url"`
	// APIKey is sent as a bearer token when set
	APIKey string `toml:"api_key" json:"api_key"`
	// RateLimitPerSec caps outgoing requests (0 = unlimited)
	RateLimitPerSec float64 `toml:"rate_limit_per_sec" json:"rate_limit_per_sec"`
	// Burst is the rate limiter burst size
	Burst int `toml:"burst" json:"burst"`
	// TimeoutSecs bounds non-streaming requests. Streams have no timeout.
	TimeoutSecs int `toml:"timeout_secs" json:"timeout_secs"`
}

// GenerationConfig contains the generation parameters of a turn.
type GenerationConfig struct {
	// Model overrides the backend default in single-party conversations
	Model        string  `toml:"model" json:"model"`
	Temperature  float64 `toml:"temperature" json:"temperature"`
	MaxTokens    int     `toml:"max_tokens" json:"max_tokens"`
	SystemPrompt string  `toml:"system_prompt" json:"system_prompt"`
	// Verbosity is one of: concise, normal, detailed
	Verbosity string `toml:"verbosity" json:"verbosity"`
}

// SessionConfig contains per-user session settings.
type SessionConfig struct {
	UserDisplayName string `toml:"user_display_name" json:"user_display_name"`
	// EntityIDs are the entities a new conversation is created with.
	// Two or more make the conversation multi-party.
	EntityIDs []string `toml:"entity_ids" json:"entity_ids"`
	// PromptContinuation asks who speaks next after each multi-party turn
	PromptContinuation bool `toml:"prompt_continuation" json:"prompt_continuation"`
}

// UIConfig contains terminal rendering settings.
type UIConfig struct {
	Markdown  bool `toml:"markdown" json:"markdown"`
	WordWrap  int  `toml:"word_wrap" json:"word_wrap"`
	ShowUsage bool `toml:"show_usage" json:"show_usage"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	// Level is one of: debug, info, warn, error
	Level string `toml:"level" json:"level"`
	// File receives log output (empty = ~/.parley/parley.log)
	File string `toml:"file" json:"file"`
}

// ServerConfig contains the development backend settings.
type ServerConfig struct {
	Listen        string         `toml:"listen" json:"listen"`
	DBPath        string         `toml:"db_path" json:"db_path"`
	OpenAIKey     string         `toml:"openai_key" json:"openai_key"`
	OpenAIBaseURL string         `toml:"openai_base_url" json:"openai_base_url"`
	Entities      []EntityConfig `toml:"entities" json:"entities"`
}

// EntityConfig seeds one entity into the development backend.
type EntityConfig struct {
	ID          string `toml:"id" json:"id"`
	Name        string `toml:"name" json:"name"`
	Model       string `toml:"model" json:"model"`
	Description string `toml:"description" json:"description"`
}

// Default returns a new Config with default values.
func Default() *Config {
	return &Config{
		Version: "1.0.0",
		Backend: BackendConfig{
			URL:             "http://127.0.0.1:8420",
			RateLimitPerSec: 5,
			Burst:           10,
			TimeoutSecs:     30,
		},
		Generation: GenerationConfig{
			Temperature: 1.0,
			MaxTokens:   4096,
			Verbosity:   "normal",
		},
		UI: UIConfig{
			Markdown:  true,
			WordWrap:  100,
			ShowUsage: true,
		},
		Log: LogConfig{
			Level: "info",
		},
		Server: ServerConfig{
			Listen: "127.0.0.1:8420",
			Entities: []EntityConfig{
				{ID: "default", Name: "Assistant"},
			},
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the parley configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".parley"), nil
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

// ensureSecurePermissions checks and fixes permissions on config files.
// SECURITY: Config files should be 0600 (owner read/write only) to protect API keys.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads configuration from the config file(s).
// Tries TOML first, then JSON, and falls back to defaults.
// Environment overrides are applied last. A file that exists but fails to
// parse is reported alongside the default config.
func Load() (*Config, error) {
	for _, pathFn := range []func() (string, error){ConfigPathTOML, ConfigPathJSON} {
		path, err := pathFn()
		if err != nil {
			continue
		}
		if _, statErr := os.Stat(path); statErr != nil {
			continue
		}
		cfg, err := LoadFromPath(path)
		if err != nil {
			def := Default()
			def.ApplyEnvOverrides()
			return def, err
		}
		return cfg, nil
	}

	cfg := Default()
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadTOML loads configuration from a TOML file.
func LoadTOML(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	fillDefaults(cfg)
	return nil
}

// LoadJSON loads configuration from a JSON file.
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
	fillDefaults(cfg)
	return nil
}

// LoadFromPath loads configuration from a specific file path with full validation.
func LoadFromPath(path string) (*Config, error) {
	cfg := &Config{}

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
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// fillDefaults fills in any missing values with defaults.
func fillDefaults(cfg *Config) {
	defaults := Default()

	if cfg.Version == "" {
		cfg.Version = defaults.Version
	}

	// Backend
	if cfg.Backend.URL == "" {
		cfg.Backend.URL = defaults.Backend.URL
	}
	if cfg.Backend.Burst == 0 {
		cfg.Backend.Burst = defaults.Backend.Burst
	}
	if cfg.Backend.TimeoutSecs == 0 {
		cfg.Backend.TimeoutSecs = defaults.Backend.TimeoutSecs
	}

	// Generation
	if cfg.Generation.MaxTokens == 0 {
		cfg.Generation.MaxTokens = defaults.Generation.MaxTokens
	}
	if cfg.Generation.Verbosity == "" {
		cfg.Generation.Verbosity = defaults.Generation.Verbosity
	}

	// UI
	if cfg.UI.WordWrap == 0 {
		cfg.UI.WordWrap = defaults.UI.WordWrap
	}

	// Log
	if cfg.Log.Level == "" {
		cfg.Log.Level = defaults.Log.Level
	}

	// Server
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = defaults.Server.Listen
	}
	if len(cfg.Server.Entities) == 0 {
		cfg.Server.Entities = defaults.Server.Entities
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

// SaveTOML saves the configuration to a TOML file.
// SECURITY: Creates config files with 0600 permissions (owner read/write only).
func SaveTOML(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var b strings.Builder
	b.WriteString("# parley configuration file\n")
	b.WriteString("# Generated by parley - edit with care\n\n")
	if err := toml.NewEncoder(&b).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := util.AtomicWriteFile(path, []byte(b.String()), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// SaveJSON saves the configuration to a JSON file.
func SaveJSON(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	// RELIABILITY: Atomic write with fsync prevents data loss on crash
	if err := util.AtomicWriteFile(path, data, 0600); err != nil {
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
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

var validVerbosity = map[string]bool{"concise": true, "normal": true, "detailed": true}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	var errs ValidateErrors

	if u, err := url.Parse(c.Backend.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, ValidationError{
			Field:   "backend.url",
			Message: fmt.Sprintf("invalid URL '%s', must be http(s)://host[:port]", c.Backend.URL),
		})
	}
	if c.Backend.RateLimitPerSec < 0 {
		errs = append(errs, ValidationError{Field: "backend.rate_limit_per_sec", Message: "must not be negative"})
	}
	if c.Backend.Burst < 0 {
		errs = append(errs, ValidationError{Field: "backend.burst", Message: "must not be negative"})
	}
	if c.Backend.TimeoutSecs < 0 {
		errs = append(errs, ValidationError{Field: "backend.timeout_secs", Message: "must not be negative"})
	}

	if c.Generation.Temperature < 0 || c.Generation.Temperature > 2 {
		errs = append(errs, ValidationError{
			Field:   "generation.temperature",
			Message: fmt.Sprintf("%.2f out of range, must be between 0 and 2", c.Generation.Temperature),
		})
	}
	if c.Generation.MaxTokens <= 0 {
		errs = append(errs, ValidationError{Field: "generation.max_tokens", Message: "must be positive"})
	}
	if !validVerbosity[strings.ToLower(c.Generation.Verbosity)] {
		errs = append(errs, ValidationError{
			Field:   "generation.verbosity",
			Message: fmt.Sprintf("invalid verbosity '%s', must be one of: concise, normal, detailed", c.Generation.Verbosity),
		})
	}

	seen := make(map[string]bool)
	for _, id := range c.Session.EntityIDs {
		if strings.TrimSpace(id) == "" {
			errs = append(errs, ValidationError{Field: "session.entity_ids", Message: "entity id must not be empty"})
			continue
		}
		if seen[id] {
			errs = append(errs, ValidationError{Field: "session.entity_ids", Message: fmt.Sprintf("duplicate entity id '%s'", id)})
		}
		seen[id] = true
	}

	if c.UI.WordWrap < 0 {
		errs = append(errs, ValidationError{Field: "ui.word_wrap", Message: "must not be negative"})
	}

	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, ValidationError{
			Field:   "log.level",
			Message: fmt.Sprintf("invalid level '%s', must be one of: debug, info, warn, error", c.Log.Level),
		})
	}

	for i, e := range c.Server.Entities {
		if e.ID == "" {
			errs = append(errs, ValidationError{Field: fmt.Sprintf("server.entities[%d].id", i), Message: "must not be empty"})
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies PARLEY_* environment variables.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("PARLEY_BACKEND_URL"); v != "" {
		c.Backend.URL = v
	}
	if v := os.Getenv("PARLEY_API_KEY"); v != "" {
		c.Backend.APIKey = v
	}
	if v := os.Getenv("PARLEY_MODEL"); v != "" {
		c.Generation.Model = v
	}
	if v := os.Getenv("PARLEY_TEMPERATURE"); v != "" {
		if t, err := strconv.ParseFloat(v, 64); err == nil {
			c.Generation.Temperature = t
		}
	}
	if v := os.Getenv("PARLEY_LOG_LEVEL"); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv("PARLEY_USER"); v != "" {
		c.Session.UserDisplayName = v
	}
	if v := os.Getenv("PARLEY_ENTITIES"); v != "" {
		var ids []string
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
		c.Session.EntityIDs = ids
	}
	if v := os.Getenv("PARLEY_OPENAI_KEY"); v != "" {
		c.Server.OpenAIKey = v
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Session.EntityIDs = append([]string(nil), c.Session.EntityIDs...)
	clone.Server.Entities = append([]EntityConfig(nil), c.Server.Entities...)
	return &clone
}

// String returns the configuration as TOML with secrets redacted.
func (c *Config) String() string {
	redacted := c.Clone()
	if redacted.Backend.APIKey != "" {
		redacted.Backend.APIKey = "********"
	}
	if redacted.Server.OpenAIKey != "" {
		redacted.Server.OpenAIKey = "********"
	}
	var b strings.Builder
	if err := toml.NewEncoder(&b).Encode(redacted); err != nil {
		return fmt.Sprintf("<config encode error: %v>", err)
	}
	return b.String()
}
