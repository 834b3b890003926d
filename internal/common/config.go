// Package common provides shared utilities for Centry
package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config holds all configuration for Centry
type Config struct {
	Environment  string            `toml:"environment"`
	BaseCurrency string            `toml:"base_currency"` // Default base currency for aggregation ("USD" unless set)
	Server       ServerConfig      `toml:"server"`
	Storage      StorageConfig     `toml:"storage"`
	Sources      []SourceConfig    `toml:"sources"`
	Rates        RatesConfig       `toml:"rates"`
	Aggregation  AggregationConfig `toml:"aggregation"`
	Logging      LoggingConfig     `toml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// StorageConfig holds path configuration for the BadgerHold data directory.
type StorageConfig struct {
	Path string `toml:"path"`
}

// SourceConfig describes one account-linking integration endpoint.
// Each source is an opaque collaborator that yields a holdings snapshot.
type SourceConfig struct {
	ID        string `toml:"id"`
	Name      string `toml:"name"`
	BaseURL   string `toml:"base_url"`
	APIKey    string `toml:"api_key"`
	RateLimit int    `toml:"rate_limit"`
	Timeout   string `toml:"timeout"`
}

// GetTimeout parses and returns the per-source fetch timeout
func (c *SourceConfig) GetTimeout() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// RatesConfig holds FX rate provider configuration
type RatesConfig struct {
	BaseURL   string `toml:"base_url"`
	APIKey    string `toml:"api_key"`
	RateLimit int    `toml:"rate_limit"`
	Timeout   string `toml:"timeout"`
}

// GetTimeout parses and returns the rates client timeout
func (c *RatesConfig) GetTimeout() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 15 * time.Second
	}
	return d
}

// AggregationConfig holds engine tunables that are operator-level rather
// than per-user policy (those live in AggregationPreferences).
type AggregationConfig struct {
	MaxConcurrentFetch int    `toml:"max_concurrent_fetch"` // fan-out bound for source snapshot fetches
	TopHoldingsLimit   int    `toml:"top_holdings_limit"`
	RefreshSchedule    string `toml:"refresh_schedule"` // cron spec for background refresh, empty disables
	RefreshUsers       []string `toml:"refresh_users"`  // users refreshed on schedule
}

// GetMaxConcurrentFetch returns the fan-out bound, defaulting to 4.
func (c *AggregationConfig) GetMaxConcurrentFetch() int {
	if c.MaxConcurrentFetch <= 0 {
		return 4
	}
	return c.MaxConcurrentFetch
}

// GetTopHoldingsLimit returns the summary top-holdings cap, defaulting to 10.
func (c *AggregationConfig) GetTopHoldingsLimit() int {
	if c.TopHoldingsLimit <= 0 {
		return 10
	}
	return c.TopHoldingsLimit
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// NewDefaultConfig returns a Config with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		Environment:  "development",
		BaseCurrency: "USD",
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Storage: StorageConfig{
			Path: "data/centry",
		},
		Rates: RatesConfig{
			BaseURL:   "https://api.frankfurter.dev/v1",
			RateLimit: 5,
			Timeout:   "15s",
		},
		Aggregation: AggregationConfig{
			MaxConcurrentFetch: 4,
			TopHoldingsLimit:   10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig loads configuration from files with environment overrides.
// Later files override earlier ones; missing files are skipped.
func LoadConfig(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for _, path := range paths {
		if path == "" {
			continue
		}

		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)
	validateBaseCurrency(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("CENTRY_ENV"); env != "" {
		config.Environment = env
	}

	if host := os.Getenv("CENTRY_HOST"); host != "" {
		config.Server.Host = host
	}

	if port := os.Getenv("CENTRY_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	if level := os.Getenv("CENTRY_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}

	if path := os.Getenv("CENTRY_DATA_PATH"); path != "" {
		config.Storage.Path = path
	}

	if bc := os.Getenv("CENTRY_BASE_CURRENCY"); bc != "" {
		config.BaseCurrency = strings.ToUpper(bc)
	}

	if v := os.Getenv("CENTRY_RATES_API_KEY"); v != "" {
		config.Rates.APIKey = v
	}

	if v := os.Getenv("CENTRY_REFRESH_SCHEDULE"); v != "" {
		config.Aggregation.RefreshSchedule = v
	}
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

// SourceByID returns the source config with the given ID, or nil.
func (c *Config) SourceByID(id string) *SourceConfig {
	for i := range c.Sources {
		if c.Sources[i].ID == id {
			return &c.Sources[i]
		}
	}
	return nil
}

// validateBaseCurrency upper-cases the base currency and falls back to USD
// when the value is not a 3-letter code.
func validateBaseCurrency(config *Config) {
	bc := strings.ToUpper(strings.TrimSpace(config.BaseCurrency))
	if len(bc) != 3 {
		bc = "USD"
	}
	config.BaseCurrency = bc
}
