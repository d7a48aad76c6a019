package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
listen: "127.0.0.1:9000"
data_dir: /tmp/vitald-test
sites: [building-vitals-hq]
retention:
  boundary_days: 30
ingest:
  interval: 1m
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Listen != "127.0.0.1:9000" {
		t.Errorf("listen = %s", cfg.Listen)
	}
	if cfg.Retention.BoundaryDays != 30 {
		t.Errorf("boundary_days = %d", cfg.Retention.BoundaryDays)
	}
	if cfg.Ingest.Interval != time.Minute {
		t.Errorf("ingest interval = %v", cfg.Ingest.Interval)
	}
	// Untouched fields keep defaults.
	if cfg.Upstream.PageSize != 5000 {
		t.Errorf("page_size = %d, want default 5000", cfg.Upstream.PageSize)
	}
	if len(cfg.Sites) != 1 || cfg.Sites[0] != "building-vitals-hq" {
		t.Errorf("sites = %v", cfg.Sites)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero boundary", func(c *Config) { c.Retention.BoundaryDays = 0 }},
		{"negative page size", func(c *Config) { c.Upstream.PageSize = -1 }},
		{"empty data dir", func(c *Config) { c.DataDir = "" }},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }},
		{"zero query timeout", func(c *Config) { c.Query.Timeout = 0 }},
	}

	for _, tt := range tests {
		cfg := Default()
		tt.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tt.name)
		}
	}
}

func TestStoragePaths(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/data"

	if cfg.HotPath() != "/data/hot/samples.duckdb" {
		t.Errorf("HotPath = %s", cfg.HotPath())
	}
	if cfg.ColdDir() != "/data/cold" {
		t.Errorf("ColdDir = %s", cfg.ColdDir())
	}
	if cfg.StateDir() != "/data/state" {
		t.Errorf("StateDir = %s", cfg.StateDir())
	}
}
