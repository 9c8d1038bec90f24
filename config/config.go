package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config main configuration, loaded from a JSON file with environment
// variable fallbacks for secrets.
type Config struct {
	// Symbols to scan in the background (e.g. "BTCUSDT")
	Symbols       []string `json:"symbols"`
	KlineInterval string   `json:"kline_interval"`
	KlineLimit    int      `json:"kline_limit"`

	// Storage
	DBPath                   string `json:"db_path"`
	CacheTTLSeconds          int64  `json:"cache_ttl_seconds"`
	RefreshIntervalSeconds   int    `json:"refresh_interval_seconds"`
	HistoryCap               int    `json:"history_cap"`
	SnapshotRetentionSeconds int64  `json:"snapshot_retention_seconds"`

	// Background scan
	ScanIntervalSeconds int `json:"scan_interval_seconds"`
	FetchConcurrency    int `json:"fetch_concurrency"`
	AnalysisConcurrency int `json:"analysis_concurrency"`

	// HTTP API
	APIServerPort int `json:"api_server_port"`

	// Binance configuration
	BinanceAPIKey    string `json:"binance_api_key,omitempty"`
	BinanceSecretKey string `json:"binance_secret_key,omitempty"`

	// AI configuration
	DeepSeekKey string `json:"deepseek_key,omitempty"`

	// Custom AI API configuration (supports any OpenAI-format API)
	CustomAPIURL    string `json:"custom_api_url,omitempty"`
	CustomAPIKey    string `json:"custom_api_key,omitempty"`
	CustomModelName string `json:"custom_model_name,omitempty"`

	// Collaborator timeouts
	MarketTimeoutSeconds   int `json:"market_timeout_seconds"`
	AnalysisTimeoutSeconds int `json:"analysis_timeout_seconds"`

	LogLevel string `json:"log_level,omitempty"`
}

// LoadConfig loads configuration from file
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Secrets may come from the environment instead of the config file
	if config.BinanceAPIKey == "" {
		config.BinanceAPIKey = os.Getenv("BINANCE_API_KEY")
	}
	if config.BinanceSecretKey == "" {
		config.BinanceSecretKey = os.Getenv("BINANCE_SECRET_KEY")
	}
	if config.DeepSeekKey == "" {
		config.DeepSeekKey = os.Getenv("DEEPSEEK_API_KEY")
	}
	if config.CustomAPIKey == "" {
		config.CustomAPIKey = os.Getenv("CUSTOM_API_KEY")
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// Validate validates configuration validity and fills in defaults
func (c *Config) Validate() error {
	if len(c.Symbols) == 0 {
		c.Symbols = []string{
			"BTCUSDT",
			"ETHUSDT",
			"SOLUSDT",
			"BNBUSDT",
		}
	}
	seen := make(map[string]bool)
	for i, s := range c.Symbols {
		if s == "" {
			return fmt.Errorf("symbols[%d]: symbol cannot be empty", i)
		}
		if seen[s] {
			return fmt.Errorf("symbols[%d]: symbol '%s' is duplicated", i, s)
		}
		seen[s] = true
	}

	if c.KlineInterval == "" {
		c.KlineInterval = "1h"
	}
	if c.KlineLimit <= 0 {
		c.KlineLimit = 100
	}

	if c.DBPath == "" {
		c.DBPath = "analysis_cache.db"
	}
	if c.CacheTTLSeconds <= 0 {
		c.CacheTTLSeconds = 7 * 24 * 3600
	}
	if c.RefreshIntervalSeconds <= 0 {
		c.RefreshIntervalSeconds = 300
	}
	if c.HistoryCap <= 0 {
		c.HistoryCap = 500
	}
	if c.SnapshotRetentionSeconds <= 0 {
		c.SnapshotRetentionSeconds = 7 * 24 * 3600
	}

	if c.ScanIntervalSeconds <= 0 {
		c.ScanIntervalSeconds = 300
	}
	if c.FetchConcurrency <= 0 {
		c.FetchConcurrency = 8
	}
	if c.AnalysisConcurrency <= 0 {
		c.AnalysisConcurrency = 5
	}

	if c.APIServerPort <= 0 {
		c.APIServerPort = 8080
	}

	if c.MarketTimeoutSeconds <= 0 {
		c.MarketTimeoutSeconds = 15
	}
	if c.AnalysisTimeoutSeconds <= 0 {
		c.AnalysisTimeoutSeconds = 60
	}

	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	if c.DeepSeekKey == "" && c.CustomAPIURL == "" {
		return fmt.Errorf("deepseek_key or custom_api_url must be configured")
	}
	if c.CustomAPIURL != "" {
		if c.CustomAPIKey == "" {
			return fmt.Errorf("custom_api_key must be configured when using custom API")
		}
		if c.CustomModelName == "" {
			return fmt.Errorf("custom_model_name must be configured when using custom API")
		}
	}

	return nil
}

// CacheTTL gets the current-analysis cache TTL
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// RefreshInterval gets the minimum spacing between AI refreshes per symbol
func (c *Config) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalSeconds) * time.Second
}

// SnapshotRetention gets the raw market-data retention window
func (c *Config) SnapshotRetention() time.Duration {
	return time.Duration(c.SnapshotRetentionSeconds) * time.Second
}

// ScanInterval gets the background scan interval
func (c *Config) ScanInterval() time.Duration {
	return time.Duration(c.ScanIntervalSeconds) * time.Second
}

// MarketTimeout gets the exchange request timeout
func (c *Config) MarketTimeout() time.Duration {
	return time.Duration(c.MarketTimeoutSeconds) * time.Second
}

// AnalysisTimeout gets the AI request timeout
func (c *Config) AnalysisTimeout() time.Duration {
	return time.Duration(c.AnalysisTimeoutSeconds) * time.Second
}
