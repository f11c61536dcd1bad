package config

import (
	"time"
)

// Version is set at build time via ldflags.
var Version = "dev"

// DefaultAgent identifies the fetcher to remote servers.
const DefaultAgent = "rogerbot/1.0"

// Config is the root configuration for Downburst.
type Config struct {
	Engine  EngineConfig  `mapstructure:"engine"  yaml:"engine"`
	Fetcher FetcherConfig `mapstructure:"fetcher" yaml:"fetcher"`
	Auth    []AuthEntry   `mapstructure:"auth"    yaml:"auth"`
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// EngineConfig controls the fetch engine.
type EngineConfig struct {
	PoolSize      int           `mapstructure:"pool_size"      yaml:"pool_size"`
	Agent         string        `mapstructure:"agent"          yaml:"agent"`
	StopWhenDone  bool          `mapstructure:"stop_when_done" yaml:"stop_when_done"`
	GrowPeriod    time.Duration `mapstructure:"grow_period"    yaml:"grow_period"`
	CallbackQueue int           `mapstructure:"callback_queue" yaml:"callback_queue"`
}

// FetcherConfig controls individual HTTP transactions.
type FetcherConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"        yaml:"timeout"`
	RedirectLimit int           `mapstructure:"redirect_limit" yaml:"redirect_limit"`
	RetryMax      int           `mapstructure:"retry_max"      yaml:"retry_max"`
	MaxBodySize   int64         `mapstructure:"max_body_size"  yaml:"max_body_size"`
	Proxy         string        `mapstructure:"proxy"          yaml:"proxy"`
	TLSInsecure   bool          `mapstructure:"tls_insecure"   yaml:"tls_insecure"`
}

// AuthEntry registers basic-auth credentials at startup.
type AuthEntry struct {
	Host     string `mapstructure:"host"     yaml:"host"`
	Realm    string `mapstructure:"realm"    yaml:"realm"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
}

// StorageConfig controls the fetch outcome archive.
type StorageConfig struct {
	Type        string `mapstructure:"type"         yaml:"type"` // none, jsonl, mongodb
	OutputPath  string `mapstructure:"output_path"  yaml:"output_path"`
	MongoURI    string `mapstructure:"mongo_uri"    yaml:"mongo_uri"`
	Database    string `mapstructure:"database"     yaml:"database"`
	Collection  string `mapstructure:"collection"   yaml:"collection"`
	BatchSize   int    `mapstructure:"batch_size"   yaml:"batch_size"`
	IncludeBody bool   `mapstructure:"include_body" yaml:"include_body"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level      string `mapstructure:"level"       yaml:"level"`
	Format     string `mapstructure:"format"      yaml:"format"`
	File       string `mapstructure:"file"        yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

// MetricsConfig controls the metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Port    int    `mapstructure:"port"    yaml:"port"`
	Path    string `mapstructure:"path"    yaml:"path"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			PoolSize:      10,
			Agent:         DefaultAgent,
			GrowPeriod:    5 * time.Second,
			CallbackQueue: 1024,
		},
		Fetcher: FetcherConfig{
			Timeout:       45 * time.Second,
			RedirectLimit: 10,
			RetryMax:      0,
			MaxBodySize:   10 * 1024 * 1024, // 10MB
		},
		Storage: StorageConfig{
			Type:       "none",
			OutputPath: "./output",
			BatchSize:  100,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  100,
			MaxBackups: 10,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9090,
			Path:    "/metrics",
		},
	}
}
