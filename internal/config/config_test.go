package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewDefault(t *testing.T) {
	cfg := NewDefault()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default configuration invalid: %v", err)
	}
	if cfg.Memory.MaxEntries != 10000 {
		t.Errorf("expected 10000 max entries, got %d", cfg.Memory.MaxEntries)
	}
	if !cfg.Persistent.Enabled || !cfg.Disk.Enabled {
		t.Error("expected all tiers enabled by default")
	}
	if cfg.Global.SingleFlight {
		t.Error("single flight should default off")
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	content := `
global:
  log_level: DEBUG
  single_flight: true
memory:
  max_entries: 500
  memory_budget: 64MB
  max_value_size: 256KB
  default_ttl: 5m
persistent:
  enabled: false
refresh:
  enabled: true
  min_access_count: 5
metrics:
  listen: ":9191"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg := NewDefault()
	if err := cfg.LoadFromFile(path); err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}

	if cfg.Global.LogLevel != "DEBUG" {
		t.Errorf("expected DEBUG, got %s", cfg.Global.LogLevel)
	}
	if !cfg.Global.SingleFlight {
		t.Error("single_flight not loaded")
	}
	if cfg.Memory.MaxEntries != 500 {
		t.Errorf("expected 500 max entries, got %d", cfg.Memory.MaxEntries)
	}
	if cfg.Memory.DefaultTTL != 5*time.Minute {
		t.Errorf("expected 5m TTL, got %v", cfg.Memory.DefaultTTL)
	}
	if cfg.Persistent.Enabled {
		t.Error("persistent tier should be disabled")
	}
	if cfg.Refresh.MinAccessCount != 5 {
		t.Errorf("expected threshold 5, got %d", cfg.Refresh.MinAccessCount)
	}
	if cfg.Metrics.Listen != ":9191" {
		t.Errorf("expected :9191, got %s", cfg.Metrics.Listen)
	}
}

func TestLoadFromFile_Missing(t *testing.T) {
	cfg := NewDefault()
	if err := cfg.LoadFromFile("/nonexistent/engine.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("IQUEST_LOG_LEVEL", "WARN")
	t.Setenv("IQUEST_SINGLE_FLIGHT", "true")
	t.Setenv("IQUEST_MEMORY_MAX_ENTRIES", "2500")
	t.Setenv("IQUEST_PERSISTENT_PATH", "/data/cache.db")
	t.Setenv("IQUEST_METRICS_ENABLED", "false")

	cfg := NewDefault()
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv failed: %v", err)
	}

	if cfg.Global.LogLevel != "WARN" {
		t.Errorf("expected WARN, got %s", cfg.Global.LogLevel)
	}
	if !cfg.Global.SingleFlight {
		t.Error("single flight override not applied")
	}
	if cfg.Memory.MaxEntries != 2500 {
		t.Errorf("expected 2500, got %d", cfg.Memory.MaxEntries)
	}
	if cfg.Persistent.Path != "/data/cache.db" {
		t.Errorf("expected /data/cache.db, got %s", cfg.Persistent.Path)
	}
	if cfg.Metrics.Enabled {
		t.Error("metrics override not applied")
	}
}

func TestSaveAndReloadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "engine.yaml")

	cfg := NewDefault()
	cfg.Memory.MaxEntries = 777
	cfg.Refresh.RetryBackoff = 45 * time.Second
	if err := cfg.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile failed: %v", err)
	}

	loaded := NewDefault()
	if err := loaded.LoadFromFile(path); err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	if loaded.Memory.MaxEntries != 777 {
		t.Errorf("expected 777, got %d", loaded.Memory.MaxEntries)
	}
	if loaded.Refresh.RetryBackoff != 45*time.Second {
		t.Errorf("expected 45s, got %v", loaded.Refresh.RetryBackoff)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Configuration)
		wantErr bool
	}{
		{"defaults valid", func(c *Configuration) {}, false},
		{"bad log level", func(c *Configuration) { c.Global.LogLevel = "TRACE" }, true},
		{"zero max entries", func(c *Configuration) { c.Memory.MaxEntries = 0 }, true},
		{"bad memory budget", func(c *Configuration) { c.Memory.MemoryBudget = "lots" }, true},
		{"persistent without path", func(c *Configuration) { c.Persistent.Path = "" }, true},
		{"disabled persistent without path", func(c *Configuration) {
			c.Persistent.Enabled = false
			c.Persistent.Path = ""
		}, false},
		{"disk without directory", func(c *Configuration) { c.Disk.Directory = "" }, true},
		{"zero refresh threshold", func(c *Configuration) { c.Refresh.MinAccessCount = 0 }, true},
		{"refresh disabled skips its checks", func(c *Configuration) {
			c.Refresh.Enabled = false
			c.Refresh.MinAccessCount = 0
		}, false},
		{"metrics without listen", func(c *Configuration) { c.Metrics.Listen = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefault()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestManagerConfigTranslation(t *testing.T) {
	cfg := NewDefault()
	cfg.Memory.MemoryBudget = "64MB"
	cfg.Memory.MaxValueSize = "512KB"
	cfg.Disk.Enabled = false

	mc := cfg.ManagerConfig()
	if mc.Memory.MemoryBudget != 64*1024*1024 {
		t.Errorf("budget not parsed: %d", mc.Memory.MemoryBudget)
	}
	if mc.Memory.MaxValueBytes != 512*1024 {
		t.Errorf("value ceiling not parsed: %d", mc.Memory.MaxValueBytes)
	}
	if mc.Persistent == nil {
		t.Error("enabled persistent tier missing from manager config")
	}
	if mc.Disk != nil {
		t.Error("disabled disk tier present in manager config")
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
		wantErr  bool
	}{
		{"1024", 1024, false},
		{"1KB", 1024, false},
		{"256MB", 256 * 1024 * 1024, false},
		{"1.5GB", int64(1.5 * 1024 * 1024 * 1024), false},
		{"2TB", 2 * 1024 * 1024 * 1024 * 1024, false},
		{"  64mb ", 64 * 1024 * 1024, false},
		{"", 0, true},
		{"abc", 0, true},
		{"-5MB", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseSize(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseSize(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.expected {
				t.Errorf("ParseSize(%q) = %d, want %d", tt.input, got, tt.expected)
			}
		})
	}
}
