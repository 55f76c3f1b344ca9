// Copyright (c) 2025 The Ollamagate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for ollamagate.
//
// Configuration is read from a TOML file with built-in defaults and
// environment variable overrides. The file can optionally be watched for
// changes so that rate-limit settings apply without a restart.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete ollamagate configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Database  DatabaseConfig  `toml:"database"`
	Backend   BackendConfig   `toml:"backend"`
	RateLimit RateLimitConfig `toml:"ratelimit"`
	Auth      AuthConfig      `toml:"auth"`
	Log       LogConfig       `toml:"log"`
}

// ServerConfig contains the HTTP listener configuration.
type ServerConfig struct {
	// ListenAddr is the host:port the gateway binds to.
	ListenAddr string `toml:"listen_addr"`
}

// DatabaseConfig contains persistence configuration.
type DatabaseConfig struct {
	// Path is the SQLite database file location.
	Path string `toml:"path"`
}

// BackendConfig contains inference-server defaults.
type BackendConfig struct {
	// DefaultURL is the Ollama server seeded on first start when no
	// server has been registered yet.
	DefaultURL string `toml:"default_url"`

	// ProbeTimeout bounds health and version probes so a dead backend
	// cannot stall the admin UI. Chat streams are not subject to it.
	ProbeTimeout Duration `toml:"probe_timeout"`

	// RequestTimeout bounds non-streaming backend calls (tags, show, copy).
	RequestTimeout Duration `toml:"request_timeout"`
}

// RateLimitConfig contains admission-control settings for the streaming
// endpoints: MaxRequests tokens refill continuously over WindowMs.
type RateLimitConfig struct {
	MaxRequests int `toml:"max_requests"`
	WindowMs    int `toml:"window_ms"`
}

// Window returns the refill window as a duration.
func (c RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowMs) * time.Millisecond
}

// AuthConfig contains bearer-token authentication settings.
type AuthConfig struct {
	Enabled     bool   `toml:"enabled"`
	BearerToken string `toml:"bearer_token"`
}

// LogConfig contains logger settings.
type LogConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `toml:"level"`
	// Format is "console" or "json".
	Format string `toml:"format"`
}

// Duration wraps time.Duration so TOML values like "3s" decode directly.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: "127.0.0.1:8585",
		},
		Database: DatabaseConfig{
			Path: defaultDatabasePath(),
		},
		Backend: BackendConfig{
			DefaultURL:     "http://127.0.0.1:11434",
			ProbeTimeout:   Duration(3 * time.Second),
			RequestTimeout: Duration(30 * time.Second),
		},
		RateLimit: RateLimitConfig{
			MaxRequests: 60,
			WindowMs:    60_000,
		},
		Auth: AuthConfig{
			Enabled:     false,
			BearerToken: "",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// ConfigDir returns the ollamagate configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".ollamagate"), nil
}

// DefaultPath returns the default config file location.
func DefaultPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

func defaultDatabasePath() string {
	dir, err := ConfigDir()
	if err != nil {
		return "ollamagate.db"
	}
	return filepath.Join(dir, "ollamagate.db")
}

// =============================================================================
// LOADING
// =============================================================================

// Load reads configuration from path, falling back to defaults when the file
// does not exist. Environment overrides are applied last, then validation.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("failed to decode config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat config file %s: %w", path, err)
		}
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// ApplyEnvOverrides applies environment variable overrides to the config.
func (c *Config) ApplyEnvOverrides() {
	if addr := os.Getenv("OLLAMAGATE_LISTEN_ADDR"); addr != "" {
		c.Server.ListenAddr = addr
	}
	if path := os.Getenv("OLLAMAGATE_DB_PATH"); path != "" {
		c.Database.Path = path
	}
	if url := os.Getenv("OLLAMAGATE_BACKEND_URL"); url != "" {
		c.Backend.DefaultURL = url
	}
	if token := os.Getenv("OLLAMAGATE_BEARER_TOKEN"); token != "" {
		c.Auth.Enabled = true
		c.Auth.BearerToken = token
	}
	if level := os.Getenv("OLLAMAGATE_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Server.ListenAddr); err != nil {
		return fmt.Errorf("server.listen_addr %q is not host:port: %w", c.Server.ListenAddr, err)
	}

	if c.Database.Path == "" {
		return errors.New("database.path must not be empty")
	}

	if c.RateLimit.MaxRequests <= 0 {
		return fmt.Errorf("ratelimit.max_requests must be positive, got %d", c.RateLimit.MaxRequests)
	}
	if c.RateLimit.WindowMs <= 0 {
		return fmt.Errorf("ratelimit.window_ms must be positive, got %d", c.RateLimit.WindowMs)
	}

	if c.Backend.ProbeTimeout <= 0 {
		return errors.New("backend.probe_timeout must be positive")
	}

	if c.Auth.Enabled && c.Auth.BearerToken == "" {
		return errors.New("auth.enabled requires auth.bearer_token")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}

	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format %q is not one of console, json", c.Log.Format)
	}

	return nil
}
