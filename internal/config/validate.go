package config

import (
	"fmt"
	"net/url"
)

// Validate checks the configuration for invalid values.
func Validate(cfg *Config) error {
	if cfg.Engine.PoolSize < 1 {
		return fmt.Errorf("engine.pool_size must be >= 1, got %d", cfg.Engine.PoolSize)
	}
	if cfg.Engine.PoolSize > 10000 {
		return fmt.Errorf("engine.pool_size must be <= 10000, got %d", cfg.Engine.PoolSize)
	}
	if cfg.Engine.GrowPeriod <= 0 {
		return fmt.Errorf("engine.grow_period must be > 0")
	}
	if cfg.Engine.Agent == "" {
		return fmt.Errorf("engine.agent must not be empty")
	}

	if cfg.Fetcher.Timeout <= 0 {
		return fmt.Errorf("fetcher.timeout must be > 0")
	}
	if cfg.Fetcher.RedirectLimit < 0 {
		return fmt.Errorf("fetcher.redirect_limit must be >= 0")
	}
	if cfg.Fetcher.RetryMax < 0 {
		return fmt.Errorf("fetcher.retry_max must be >= 0, got %d", cfg.Fetcher.RetryMax)
	}
	if cfg.Fetcher.MaxBodySize < 0 {
		return fmt.Errorf("fetcher.max_body_size must be >= 0")
	}
	if cfg.Fetcher.Proxy != "" {
		if _, err := url.Parse(cfg.Fetcher.Proxy); err != nil {
			return fmt.Errorf("invalid fetcher.proxy %q: %w", cfg.Fetcher.Proxy, err)
		}
	}

	validStorageTypes := map[string]bool{
		"none": true, "jsonl": true, "mongodb": true,
	}
	if !validStorageTypes[cfg.Storage.Type] {
		return fmt.Errorf("storage.type %q is not supported (valid: none, jsonl, mongodb)", cfg.Storage.Type)
	}
	if cfg.Storage.Type == "mongodb" && cfg.Storage.MongoURI == "" {
		return fmt.Errorf("storage.mongo_uri is required for mongodb storage")
	}
	if cfg.Storage.BatchSize < 1 {
		return fmt.Errorf("storage.batch_size must be >= 1")
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be debug/info/warn/error, got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" && cfg.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be 'text' or 'json', got %q", cfg.Logging.Format)
	}

	if cfg.Metrics.Enabled {
		if cfg.Metrics.Port < 1 || cfg.Metrics.Port > 65535 {
			return fmt.Errorf("metrics.port must be 1-65535, got %d", cfg.Metrics.Port)
		}
	}

	return nil
}

// ValidateURL checks if a URL string is fetchable.
func ValidateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}
