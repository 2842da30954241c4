// Package config holds the runtime configuration: tracker connection
// settings, sync tuning, rule thresholds and daemon intervals.
//
// Configuration is loaded through viper from a YAML file with environment
// overrides (CHRONOTRACE_ prefix). Rule thresholds are consumed through
// the Provider interface so a persisted key/value store can be substituted
// for the file-backed defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"

	"github.com/chronotrace/chronotrace/internal/tracker"
)

// RuleConfig holds the compliance rule thresholds.
type RuleConfig struct {
	// MissingEntryDays is the lookback window for the missing-entry rule
	MissingEntryDays int `mapstructure:"missing_entry_days"`

	// BulkLoggingThreshold is the minimum group size (entries sharing one
	// creation timestamp) for the bulk-logging rule
	BulkLoggingThreshold int `mapstructure:"bulk_logging_threshold"`

	// BulkLoggingSpanDays is the minimum number of distinct spent-on days
	// a bulk group must cover to be flagged
	BulkLoggingSpanDays int `mapstructure:"bulk_logging_span_days"`

	// LateEntryDays is the maximum tolerated gap between working and
	// logging, in days
	LateEntryDays int `mapstructure:"late_entry_days"`

	// LateEntryCheckDays bounds the late-entry rule to recently created
	// entries
	LateEntryCheckDays int `mapstructure:"late_entry_check_days"`

	// StaleTaskDays is the no-activity window for the stale-task rule
	StaleTaskDays int `mapstructure:"stale_task_days"`

	// StaleTaskMonths bounds the stale-task rule to issues updated within
	// the last N months, so long-dead backlog items aren't re-flagged
	StaleTaskMonths int `mapstructure:"stale_task_months"`

	// OverrunThreshold is a percentage (150 = 1.5× the estimate). Legacy
	// callers supplied a bare multiplier; Normalize upscales values < 10.
	OverrunThreshold float64 `mapstructure:"overrun_threshold"`

	// MaxSpentHours is a sanity ceiling on per-issue spent totals; issues
	// beyond it are treated as data errors and skipped by the overrun rule
	MaxSpentHours float64 `mapstructure:"max_spent_hours"`

	// WeeklyHoursTarget is the full-week hour total for the partial-entry
	// rule
	WeeklyHoursTarget float64 `mapstructure:"weekly_hours_target"`
}

// DefaultRuleConfig returns the stock thresholds.
func DefaultRuleConfig() RuleConfig {
	return RuleConfig{
		MissingEntryDays:     7,
		BulkLoggingThreshold: 3,
		BulkLoggingSpanDays:  3,
		LateEntryDays:        3,
		LateEntryCheckDays:   30,
		StaleTaskDays:        14,
		StaleTaskMonths:      2,
		OverrunThreshold:     150,
		MaxSpentHours:        350,
		WeeklyHoursTarget:    40,
	}
}

// Normalize fills zero fields with defaults and upscales legacy overrun
// multipliers (values < 10 were supplied as bare multipliers, e.g. 1.5
// instead of 150).
func (c *RuleConfig) Normalize() {
	def := DefaultRuleConfig()
	if c.MissingEntryDays <= 0 {
		c.MissingEntryDays = def.MissingEntryDays
	}
	if c.BulkLoggingThreshold <= 0 {
		c.BulkLoggingThreshold = def.BulkLoggingThreshold
	}
	if c.BulkLoggingSpanDays <= 0 {
		c.BulkLoggingSpanDays = def.BulkLoggingSpanDays
	}
	if c.LateEntryDays <= 0 {
		c.LateEntryDays = def.LateEntryDays
	}
	if c.LateEntryCheckDays <= 0 {
		c.LateEntryCheckDays = def.LateEntryCheckDays
	}
	if c.StaleTaskDays <= 0 {
		c.StaleTaskDays = def.StaleTaskDays
	}
	if c.StaleTaskMonths <= 0 {
		c.StaleTaskMonths = def.StaleTaskMonths
	}
	if c.OverrunThreshold <= 0 {
		c.OverrunThreshold = def.OverrunThreshold
	} else if c.OverrunThreshold < 10 {
		c.OverrunThreshold *= 100
	}
	if c.MaxSpentHours <= 0 {
		c.MaxSpentHours = def.MaxSpentHours
	}
	if c.WeeklyHoursTarget <= 0 {
		c.WeeklyHoursTarget = def.WeeklyHoursTarget
	}
}

// OverrunMultiplier returns the overrun threshold as a plain multiplier
// (percentage / 100).
func (c RuleConfig) OverrunMultiplier() float64 {
	return c.OverrunThreshold / 100
}

// SyncConfig tunes the sync engine.
type SyncConfig struct {
	// BatchSize is the upsert batch size for large collections
	BatchSize int `mapstructure:"batch_size"`

	// BatchWorkers bounds concurrent upserts within a batch
	BatchWorkers int `mapstructure:"batch_workers"`

	// IncrementalOverlap re-includes a trailing window before the cursor
	// on incremental passes to catch late-arriving records. Tunable, not
	// a precise contract.
	IncrementalOverlap time.Duration `mapstructure:"incremental_overlap"`

	// DefaultLookback is the fetch window when no cursor exists yet
	DefaultLookback time.Duration `mapstructure:"default_lookback"`
}

// DefaultSyncConfig returns sensible defaults.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		BatchSize:          100,
		BatchWorkers:       10,
		IncrementalOverlap: 7 * 24 * time.Hour,
		DefaultLookback:    30 * 24 * time.Hour,
	}
}

// DaemonConfig tunes the background scheduler.
type DaemonConfig struct {
	// SyncInterval is how often an incremental sync + compliance pass runs
	SyncInterval time.Duration `mapstructure:"sync_interval"`

	// FullSyncInterval is how often a full (deletion-reconciling) sync runs
	FullSyncInterval time.Duration `mapstructure:"full_sync_interval"`

	// DashboardPort is where the status/trigger HTTP server listens
	DashboardPort int `mapstructure:"dashboard_port"`

	// LogFile enables rotating file logging when set
	LogFile string `mapstructure:"log_file"`
}

// DefaultDaemonConfig returns sensible defaults.
func DefaultDaemonConfig() DaemonConfig {
	return DaemonConfig{
		SyncInterval:     15 * time.Minute,
		FullSyncInterval: 24 * time.Hour,
		DashboardPort:    8090,
	}
}

// TrackerConfig is the file-facing shape of the remote client settings.
type TrackerConfig struct {
	BaseURL          string        `mapstructure:"base_url"`
	APIKey           string        `mapstructure:"api_key"`
	Timeout          time.Duration `mapstructure:"timeout"`
	PageSize         int           `mapstructure:"page_size"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	RetryIncrement   time.Duration `mapstructure:"retry_increment"`
	RetryMax         time.Duration `mapstructure:"retry_max"`
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	RequestDelay     time.Duration `mapstructure:"request_delay"`
	DetailBatchSize  int           `mapstructure:"detail_batch_size"`
	DetailBatchPause time.Duration `mapstructure:"detail_batch_pause"`
}

// ClientConfig converts the file-facing settings into a tracker.Config,
// filling unset tuning knobs with the client defaults.
func (t TrackerConfig) ClientConfig() tracker.Config {
	cfg := tracker.DefaultConfig()
	cfg.BaseURL = t.BaseURL
	cfg.APIKey = t.APIKey
	if t.Timeout > 0 {
		cfg.Timeout = t.Timeout
	}
	if t.PageSize > 0 {
		cfg.PageSize = t.PageSize
	}
	if t.MaxAttempts > 0 {
		cfg.MaxAttempts = t.MaxAttempts
	}
	if t.RetryIncrement > 0 {
		cfg.RetryIncrement = t.RetryIncrement
	}
	if t.RetryMax > 0 {
		cfg.RetryMax = t.RetryMax
	}
	if t.BreakerThreshold > 0 {
		cfg.BreakerThreshold = t.BreakerThreshold
	}
	if t.RequestDelay > 0 {
		cfg.RequestDelay = t.RequestDelay
	}
	if t.DetailBatchSize > 0 {
		cfg.DetailBatchSize = t.DetailBatchSize
	}
	if t.DetailBatchPause > 0 {
		cfg.DetailBatchPause = t.DetailBatchPause
	}
	return cfg
}

// Config is the full application configuration.
type Config struct {
	DBPath  string        `mapstructure:"db_path"`
	Tracker TrackerConfig `mapstructure:"tracker"`
	Sync    SyncConfig    `mapstructure:"sync"`
	Rules   RuleConfig    `mapstructure:"rules"`
	Daemon  DaemonConfig  `mapstructure:"daemon"`
}

// Default returns a fully defaulted configuration.
func Default() *Config {
	return &Config{
		DBPath: "chronotrace.db",
		Sync:   DefaultSyncConfig(),
		Rules:  DefaultRuleConfig(),
		Daemon: DefaultDaemonConfig(),
	}
}

// Load reads configuration from the given file path (or the default
// search locations when path is empty) and normalizes it.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("chronotrace")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/chronotrace")
	}
	v.SetEnvPrefix("CHRONOTRACE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Default()
	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine when no explicit path was given;
		// defaults plus environment variables still apply.
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.Rules.Normalize()
	if cfg.Sync.BatchSize <= 0 {
		cfg.Sync = DefaultSyncConfig()
	}
	if cfg.Daemon.SyncInterval <= 0 {
		cfg.Daemon.SyncInterval = DefaultDaemonConfig().SyncInterval
	}
	if cfg.Daemon.FullSyncInterval <= 0 {
		cfg.Daemon.FullSyncInterval = DefaultDaemonConfig().FullSyncInterval
	}
	if cfg.Daemon.DashboardPort <= 0 {
		cfg.Daemon.DashboardPort = DefaultDaemonConfig().DashboardPort
	}
	return cfg, nil
}

// Provider supplies rule thresholds to the rule engine. The file-backed
// Store below is the default; a persisted key/value configuration store
// can implement the same interface.
type Provider interface {
	// RuleConfig returns the current, normalized thresholds.
	RuleConfig() RuleConfig

	// OverrunMultiplier returns the overrun threshold as a multiplier.
	OverrunMultiplier() float64
}

// Store is a mutable, concurrency-safe Provider. The daemon replaces its
// contents when the config file changes on disk.
type Store struct {
	mu  sync.RWMutex
	cfg RuleConfig
}

// NewStore creates a Store with the given thresholds (normalized).
func NewStore(cfg RuleConfig) *Store {
	cfg.Normalize()
	return &Store{cfg: cfg}
}

// RuleConfig implements Provider.
func (s *Store) RuleConfig() RuleConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// OverrunMultiplier implements Provider.
func (s *Store) OverrunMultiplier() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.OverrunMultiplier()
}

// Update replaces the thresholds (normalized).
func (s *Store) Update(cfg RuleConfig) {
	cfg.Normalize()
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}
