package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/AlexFiliakov/iQuest-sub007/internal/cache"
	"github.com/AlexFiliakov/iQuest-sub007/internal/refresh"
)

// Configuration represents the complete engine configuration
type Configuration struct {
	Global     GlobalConfig     `yaml:"global"`
	Memory     MemoryConfig     `yaml:"memory"`
	Persistent PersistentConfig `yaml:"persistent"`
	Disk       DiskConfig       `yaml:"disk"`
	Refresh    RefreshConfig    `yaml:"refresh"`
	Warmup     WarmupConfig     `yaml:"warmup"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// GlobalConfig represents engine-wide settings
type GlobalConfig struct {
	LogLevel     string `yaml:"log_level"`
	SingleFlight bool   `yaml:"single_flight"`
}

// MemoryConfig represents the in-memory tier settings. Sizes are
// human-readable strings ("256MB").
type MemoryConfig struct {
	MaxEntries   int           `yaml:"max_entries"`
	MemoryBudget string        `yaml:"memory_budget"`
	MaxValueSize string        `yaml:"max_value_size"`
	DefaultTTL   time.Duration `yaml:"default_ttl"`
}

// PersistentConfig represents the SQLite tier settings
type PersistentConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Path         string        `yaml:"path"`
	DefaultTTL   time.Duration `yaml:"default_ttl"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
	MaxValueSize string        `yaml:"max_value_size"`
}

// DiskConfig represents the compressed disk tier settings
type DiskConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Directory    string        `yaml:"directory"`
	IndexFile    string        `yaml:"index_file"`
	DefaultTTL   time.Duration `yaml:"default_ttl"`
	SyncInterval time.Duration `yaml:"sync_interval"`
}

// RefreshConfig represents proactive refresh settings
type RefreshConfig struct {
	Enabled         bool          `yaml:"enabled"`
	MinAccessCount  int           `yaml:"min_access_count"`
	CheckInterval   time.Duration `yaml:"check_interval"`
	MaxWorkers      int           `yaml:"max_workers"`
	DefaultInterval time.Duration `yaml:"default_interval"`
	MinInterval     time.Duration `yaml:"min_interval"`
	TaskTimeout     time.Duration `yaml:"task_timeout"`
	MaxRetries      int           `yaml:"max_retries"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	ActivityWindow  time.Duration `yaml:"activity_window"`
}

// WarmupConfig represents startup warmup settings
type WarmupConfig struct {
	MaxWorkers int           `yaml:"max_workers"`
	Timeout    time.Duration `yaml:"timeout"`
}

// MetricsConfig represents Prometheus exposition settings
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Listen    string `yaml:"listen"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:     "INFO",
			SingleFlight: false,
		},
		Memory: MemoryConfig{
			MaxEntries:   10000,
			MemoryBudget: "256MB",
			MaxValueSize: "1MB",
			DefaultTTL:   15 * time.Minute,
		},
		Persistent: PersistentConfig{
			Enabled:      true,
			Path:         filepath.Join(os.TempDir(), "iquest-cache", "cache.db"),
			DefaultTTL:   6 * time.Hour,
			QueryTimeout: 5 * time.Second,
			MaxValueSize: "16MB",
		},
		Disk: DiskConfig{
			Enabled:      true,
			Directory:    filepath.Join(os.TempDir(), "iquest-cache", "disk"),
			IndexFile:    "cache-index.json",
			DefaultTTL:   7 * 24 * time.Hour,
			SyncInterval: time.Minute,
		},
		Refresh: RefreshConfig{
			Enabled:         true,
			MinAccessCount:  3,
			CheckInterval:   time.Second,
			MaxWorkers:      4,
			DefaultInterval: 5 * time.Minute,
			MinInterval:     10 * time.Second,
			TaskTimeout:     30 * time.Second,
			MaxRetries:      3,
			RetryBackoff:    30 * time.Second,
			ActivityWindow:  time.Hour,
		},
		Warmup: WarmupConfig{
			MaxWorkers: 4,
			Timeout:    2 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Listen:    ":9090",
			Path:      "/metrics",
			Namespace: "iquest_cache",
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv loads configuration overrides from environment variables
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("IQUEST_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("IQUEST_SINGLE_FLIGHT"); val != "" {
		c.Global.SingleFlight = strings.ToLower(val) == "true"
	}

	if val := os.Getenv("IQUEST_MEMORY_MAX_ENTRIES"); val != "" {
		if entries, err := strconv.Atoi(val); err == nil {
			c.Memory.MaxEntries = entries
		}
	}
	if val := os.Getenv("IQUEST_MEMORY_BUDGET"); val != "" {
		c.Memory.MemoryBudget = val
	}
	if val := os.Getenv("IQUEST_MEMORY_DEFAULT_TTL"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Memory.DefaultTTL = duration
		}
	}

	if val := os.Getenv("IQUEST_PERSISTENT_ENABLED"); val != "" {
		c.Persistent.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("IQUEST_PERSISTENT_PATH"); val != "" {
		c.Persistent.Path = val
	}

	if val := os.Getenv("IQUEST_DISK_ENABLED"); val != "" {
		c.Disk.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("IQUEST_DISK_DIRECTORY"); val != "" {
		c.Disk.Directory = val
	}

	if val := os.Getenv("IQUEST_REFRESH_ENABLED"); val != "" {
		c.Refresh.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("IQUEST_METRICS_ENABLED"); val != "" {
		c.Metrics.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("IQUEST_METRICS_LISTEN"); val != "" {
		c.Metrics.Listen = val
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if c.Global.LogLevel == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	if c.Memory.MaxEntries <= 0 {
		return fmt.Errorf("memory.max_entries must be greater than 0")
	}
	if _, err := ParseSize(c.Memory.MemoryBudget); err != nil {
		return fmt.Errorf("invalid memory.memory_budget: %w", err)
	}
	if _, err := ParseSize(c.Memory.MaxValueSize); err != nil {
		return fmt.Errorf("invalid memory.max_value_size: %w", err)
	}

	if c.Persistent.Enabled && c.Persistent.Path == "" {
		return fmt.Errorf("persistent.path is required when the persistent tier is enabled")
	}
	if c.Persistent.MaxValueSize != "" {
		if _, err := ParseSize(c.Persistent.MaxValueSize); err != nil {
			return fmt.Errorf("invalid persistent.max_value_size: %w", err)
		}
	}

	if c.Disk.Enabled && c.Disk.Directory == "" {
		return fmt.Errorf("disk.directory is required when the disk tier is enabled")
	}

	if c.Refresh.Enabled {
		if c.Refresh.MinAccessCount <= 0 {
			return fmt.Errorf("refresh.min_access_count must be greater than 0")
		}
		if c.Refresh.MaxWorkers <= 0 {
			return fmt.Errorf("refresh.max_workers must be greater than 0")
		}
	}

	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen is required when metrics are enabled")
	}

	return nil
}

// ManagerConfig translates the tier sections into the cache manager's form.
// Size strings must have been validated first; unparseable sizes fall back to
// the tier defaults here.
func (c *Configuration) ManagerConfig() *cache.ManagerConfig {
	budget, _ := ParseSize(c.Memory.MemoryBudget)
	maxValue, _ := ParseSize(c.Memory.MaxValueSize)

	mc := &cache.ManagerConfig{
		Memory: &cache.MemoryConfig{
			MaxEntries:    c.Memory.MaxEntries,
			MemoryBudget:  budget,
			MaxValueBytes: maxValue,
			DefaultTTL:    c.Memory.DefaultTTL,
		},
		SingleFlight: c.Global.SingleFlight,
	}

	if c.Persistent.Enabled {
		persistentMax, _ := ParseSize(c.Persistent.MaxValueSize)
		mc.Persistent = &cache.PersistentConfig{
			Path:          c.Persistent.Path,
			DefaultTTL:    c.Persistent.DefaultTTL,
			QueryTimeout:  c.Persistent.QueryTimeout,
			MaxValueBytes: persistentMax,
		}
	}
	if c.Disk.Enabled {
		mc.Disk = &cache.DiskConfig{
			Directory:    c.Disk.Directory,
			IndexFile:    c.Disk.IndexFile,
			DefaultTTL:   c.Disk.DefaultTTL,
			SyncInterval: c.Disk.SyncInterval,
		}
	}
	return mc
}

// SchedulerConfig translates the refresh section into the scheduler's form.
func (c *Configuration) SchedulerConfig() *refresh.SchedulerConfig {
	return &refresh.SchedulerConfig{
		MinAccessCount:  c.Refresh.MinAccessCount,
		CheckInterval:   c.Refresh.CheckInterval,
		MaxWorkers:      c.Refresh.MaxWorkers,
		DefaultInterval: c.Refresh.DefaultInterval,
		MinInterval:     c.Refresh.MinInterval,
		TaskTimeout:     c.Refresh.TaskTimeout,
		MaxRetries:      c.Refresh.MaxRetries,
		RetryBackoff:    c.Refresh.RetryBackoff,
		ActivityWindow:  c.Refresh.ActivityWindow,
	}
}

// WarmupConfig translates the warmup section into the warmup manager's form.
func (c *Configuration) WarmupConfig() *refresh.WarmupConfig {
	return &refresh.WarmupConfig{
		MaxWorkers: c.Warmup.MaxWorkers,
		Timeout:    c.Warmup.Timeout,
	}
}

// ParseSize parses a human-readable byte string such as "256MB" or "1.5GB"
func ParseSize(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	s = strings.ToUpper(strings.TrimSpace(s))

	if strings.HasSuffix(s, "B") {
		s = s[:len(s)-1]
	}

	var multiplier int64 = 1
	numStr := s
	if len(s) > 0 {
		switch s[len(s)-1] {
		case 'K':
			multiplier = 1024
			numStr = s[:len(s)-1]
		case 'M':
			multiplier = 1024 * 1024
			numStr = s[:len(s)-1]
		case 'G':
			multiplier = 1024 * 1024 * 1024
			numStr = s[:len(s)-1]
		case 'T':
			multiplier = 1024 * 1024 * 1024 * 1024
			numStr = s[:len(s)-1]
		}
	}

	var num float64
	if _, err := fmt.Sscanf(numStr, "%f", &num); err != nil {
		return 0, fmt.Errorf("invalid size format: %s", s)
	}
	if num < 0 {
		return 0, fmt.Errorf("size cannot be negative: %s", s)
	}

	return int64(num * float64(multiplier)), nil
}
