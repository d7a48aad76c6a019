// Package config provides configuration loading and documented defaults
// for the vitald daemon.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete daemon configuration.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`

	// DataDir is the root directory for all local storage.
	DataDir string `yaml:"data_dir"`

	// Sites lists the sites to sync. When empty, sites are discovered
	// from the upstream API on startup.
	Sites []string `yaml:"sites"`

	// Upstream configures the ACE API client.
	Upstream UpstreamConfig `yaml:"upstream"`

	// Retention configures the hot/cold boundary.
	Retention RetentionConfig `yaml:"retention"`

	// Ingest configures the ingestion writer.
	Ingest IngestConfig `yaml:"ingest"`

	// Archive configures the archival migrator.
	Archive ArchiveConfig `yaml:"archive"`

	// Backfill configures the backfill importer.
	Backfill BackfillConfig `yaml:"backfill"`

	// Query configures the query router.
	Query QueryConfig `yaml:"query"`

	// Log configures logging output.
	Log LogConfig `yaml:"log"`
}

// UpstreamConfig configures the ACE API client.
type UpstreamConfig struct {
	// BaseURL is the API base, e.g. https://flightdeck.aceiot.cloud/api.
	BaseURL string `yaml:"base_url"`

	// Token is the bearer token. Prefer the VITALD_ACE_TOKEN environment
	// variable or the -token flag over putting it in the file.
	Token string `yaml:"token"`

	// PageSize is the requested page size for paginated fetches.
	PageSize int `yaml:"page_size"`

	// RequestTimeout bounds a single HTTP request.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// MaxRetries is the number of retries on transient failures within
	// one fetch call.
	MaxRetries int `yaml:"max_retries"`

	// RetryBackoff is the initial backoff between retries; doubled per
	// attempt.
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// RetentionConfig configures the hot/cold boundary.
type RetentionConfig struct {
	// BoundaryDays is the age in whole days at which samples move from
	// the hot store to the cold store. Every component reads this single
	// value; it is the system's central invariant.
	BoundaryDays int `yaml:"boundary_days"`
}

// IngestConfig configures the ingestion writer.
type IngestConfig struct {
	// Interval between sync ticks per site.
	Interval time.Duration `yaml:"interval"`

	// WindowOverlap is added before each tick's window start so tick
	// boundaries never drop samples; idempotent upserts absorb it.
	WindowOverlap time.Duration `yaml:"window_overlap"`

	// MaxPages caps pages fetched per tick.
	MaxPages int `yaml:"max_pages"`
}

// ArchiveConfig configures the archival migrator.
type ArchiveConfig struct {
	// Interval between migration sweeps.
	Interval time.Duration `yaml:"interval"`
}

// BackfillConfig configures the backfill importer.
type BackfillConfig struct {
	// MaxPagesPerDay caps pages fetched for a single backfill day.
	MaxPagesPerDay int `yaml:"max_pages_per_day"`
}

// QueryConfig configures the query router.
type QueryConfig struct {
	// Timeout bounds a single federated query.
	Timeout time.Duration `yaml:"timeout"`
}

// LogConfig configures logging output.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// JSON switches output to JSON format.
	JSON bool `yaml:"json"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Listen:  "0.0.0.0:8732",
		DataDir: "/var/lib/vitald",
		Upstream: UpstreamConfig{
			BaseURL:        "https://flightdeck.aceiot.cloud/api",
			PageSize:       5000,
			RequestTimeout: 30 * time.Second,
			MaxRetries:     3,
			RetryBackoff:   2 * time.Second,
		},
		Retention: RetentionConfig{
			BoundaryDays: 20,
		},
		Ingest: IngestConfig{
			Interval:      5 * time.Minute,
			WindowOverlap: 5 * time.Minute,
			MaxPages:      100,
		},
		Archive: ArchiveConfig{
			Interval: time.Hour,
		},
		Backfill: BackfillConfig{
			MaxPagesPerDay: 1000,
		},
		Query: QueryConfig{
			Timeout: 30 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url must not be empty")
	}
	if c.Upstream.PageSize <= 0 {
		return fmt.Errorf("upstream.page_size must be positive, got %d", c.Upstream.PageSize)
	}
	if c.Retention.BoundaryDays <= 0 {
		return fmt.Errorf("retention.boundary_days must be positive, got %d", c.Retention.BoundaryDays)
	}
	if c.Ingest.Interval <= 0 {
		return fmt.Errorf("ingest.interval must be positive")
	}
	if c.Ingest.MaxPages <= 0 {
		return fmt.Errorf("ingest.max_pages must be positive")
	}
	if c.Archive.Interval <= 0 {
		return fmt.Errorf("archive.interval must be positive")
	}
	if c.Backfill.MaxPagesPerDay <= 0 {
		return fmt.Errorf("backfill.max_pages_per_day must be positive")
	}
	if c.Query.Timeout <= 0 {
		return fmt.Errorf("query.timeout must be positive")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	return nil
}

// HotPath returns the hot store database file path.
func (c *Config) HotPath() string {
	return filepath.Join(c.DataDir, "hot", "samples.duckdb")
}

// ColdDir returns the cold store object root.
func (c *Config) ColdDir() string {
	return filepath.Join(c.DataDir, "cold")
}

// StateDir returns the control-plane state store directory.
func (c *Config) StateDir() string {
	return filepath.Join(c.DataDir, "state")
}
