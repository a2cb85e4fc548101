// Package config loads and validates soulkeeper configuration.
// Configuration comes from a YAML file with environment-variable overrides;
// policy knobs (budgets, windows, thresholds) can be hot-reloaded at runtime
// via the fsnotify-based Watcher.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all soulkeeper configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Storage
	Storage StorageConfig `yaml:"storage"`

	// Proposal admission and lifecycle policy
	Proposals ProposalsConfig `yaml:"proposals"`

	// Calibration feedback policy
	Calibration CalibrationConfig `yaml:"calibration"`

	// Notification channels
	Channels map[string]ChannelConfig `yaml:"channels"`

	// Periodic jobs
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// StorageConfig configures the SQLite store.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// ProposalsConfig configures gate admission and proposal TTL.
type ProposalsConfig struct {
	// TTL before a pending proposal expires (default 72h)
	TTL string `yaml:"ttl"`

	// Ceiling and floor for the per-agent daily admission cap
	MaxPerDayCeiling int `yaml:"max_per_day_ceiling"`
	MaxPerDayFloor   int `yaml:"max_per_day_floor"`

	// Similarity suppression: a candidate whose proposed value scores above
	// this threshold against a rejected proposal for the same field within
	// the suppression window is refused admission.
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	SuppressionWindow   string  `yaml:"suppression_window"`

	// How many recently resolved proposals the similarity check scans
	ResolvedScanLimit int `yaml:"resolved_scan_limit"`
}

// CalibrationConfig configures the feedback policy.
type CalibrationConfig struct {
	// Trailing resolutions considered when computing approval rate
	TrailingWindow int `yaml:"trailing_window"`

	// Approval rate below which the daily cap is halved
	LowApprovalRate float64 `yaml:"low_approval_rate"`

	// Consecutive rejections that trigger a cooldown
	RejectionStreak int    `yaml:"rejection_streak"`
	CooldownPeriod  string `yaml:"cooldown_period"`

	// Consecutive approvals that raise the cap one step toward the ceiling
	ApprovalStreak int `yaml:"approval_streak"`

	// EWMA smoothing factor for resolution latency
	LatencyAlpha float64 `yaml:"latency_alpha"`

	// Rubber-stamp detection: flag (never block) when the last N approvals
	// each resolved faster than the floor. Thresholds are policy, not
	// correctness requirements.
	RubberStampCount        int    `yaml:"rubber_stamp_count"`
	RubberStampLatencyFloor string `yaml:"rubber_stamp_latency_floor"`
}

// ChannelConfig configures one notification channel.
type ChannelConfig struct {
	Enabled bool   `yaml:"enabled"`
	Kind    string `yaml:"kind"` // log, webhook
	BaseURL string `yaml:"base_url"`
	Timeout string `yaml:"timeout"`
}

// SchedulerConfig configures the periodic jobs.
type SchedulerConfig struct {
	SweepInterval      string `yaml:"sweep_interval"`
	ReflectionInterval string `yaml:"reflection_interval"`
	ReconcileGrace     string `yaml:"reconcile_grace"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
	File   string `yaml:"file"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "soulkeeper",
		Version: "0.3.0",

		Storage: StorageConfig{
			DatabasePath: "data/soulkeeper.db",
		},

		Proposals: ProposalsConfig{
			TTL:                 "72h",
			MaxPerDayCeiling:    5,
			MaxPerDayFloor:      0,
			SimilarityThreshold: 0.82,
			SuppressionWindow:   "720h", // 30 days
			ResolvedScanLimit:   25,
		},

		Calibration: CalibrationConfig{
			TrailingWindow:          10,
			LowApprovalRate:         0.5,
			RejectionStreak:         3,
			CooldownPeriod:          "24h",
			ApprovalStreak:          3,
			LatencyAlpha:            0.3,
			RubberStampCount:        10,
			RubberStampLatencyFloor: "60s",
		},

		Channels: map[string]ChannelConfig{
			"log": {
				Enabled: true,
				Kind:    "log",
			},
		},

		Scheduler: SchedulerConfig{
			SweepInterval:      "10m",
			ReflectionInterval: "6h",
			ReconcileGrace:     "15m",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file, falling back to defaults when
// the file does not exist.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if path := os.Getenv("SOULKEEPER_DB"); path != "" {
		c.Storage.DatabasePath = path
	}
	if ttl := os.Getenv("SOULKEEPER_PROPOSAL_TTL"); ttl != "" {
		c.Proposals.TTL = ttl
	}
	if url := os.Getenv("SOULKEEPER_WEBHOOK_URL"); url != "" {
		ch := c.Channels["webhook"]
		ch.Enabled = true
		ch.Kind = "webhook"
		ch.BaseURL = url
		if c.Channels == nil {
			c.Channels = make(map[string]ChannelConfig)
		}
		c.Channels["webhook"] = ch
	}
	if lvl := os.Getenv("SOULKEEPER_LOG_LEVEL"); lvl != "" {
		c.Logging.Level = lvl
	}
}

// Validate checks cross-field consistency of the policy knobs.
func (c *Config) Validate() error {
	if c.Proposals.MaxPerDayCeiling < c.Proposals.MaxPerDayFloor {
		return fmt.Errorf("proposals: max_per_day_ceiling %d below floor %d",
			c.Proposals.MaxPerDayCeiling, c.Proposals.MaxPerDayFloor)
	}
	if c.Proposals.SimilarityThreshold < 0 || c.Proposals.SimilarityThreshold > 1 {
		return fmt.Errorf("proposals: similarity_threshold %f outside [0,1]",
			c.Proposals.SimilarityThreshold)
	}
	if c.Calibration.LatencyAlpha <= 0 || c.Calibration.LatencyAlpha > 1 {
		return fmt.Errorf("calibration: latency_alpha %f outside (0,1]",
			c.Calibration.LatencyAlpha)
	}
	if c.Calibration.TrailingWindow <= 0 {
		return fmt.Errorf("calibration: trailing_window must be positive")
	}
	return nil
}

// GetProposalTTL returns the proposal TTL as a duration.
func (c *Config) GetProposalTTL() time.Duration {
	d, err := time.ParseDuration(c.Proposals.TTL)
	if err != nil {
		return 72 * time.Hour
	}
	return d
}

// GetSuppressionWindow returns the similarity suppression window as a duration.
func (c *Config) GetSuppressionWindow() time.Duration {
	d, err := time.ParseDuration(c.Proposals.SuppressionWindow)
	if err != nil {
		return 30 * 24 * time.Hour
	}
	return d
}

// GetCooldownPeriod returns the post-rejection-streak cooldown as a duration.
func (c *Config) GetCooldownPeriod() time.Duration {
	d, err := time.ParseDuration(c.Calibration.CooldownPeriod)
	if err != nil {
		return 24 * time.Hour
	}
	return d
}

// GetRubberStampLatencyFloor returns the rubber-stamp latency floor.
func (c *Config) GetRubberStampLatencyFloor() time.Duration {
	d, err := time.ParseDuration(c.Calibration.RubberStampLatencyFloor)
	if err != nil {
		return 60 * time.Second
	}
	return d
}

// GetSweepInterval returns the expiry sweep interval as a duration.
func (c *Config) GetSweepInterval() time.Duration {
	d, err := time.ParseDuration(c.Scheduler.SweepInterval)
	if err != nil {
		return 10 * time.Minute
	}
	return d
}

// GetReflectionInterval returns the reflection trigger interval as a duration.
func (c *Config) GetReflectionInterval() time.Duration {
	d, err := time.ParseDuration(c.Scheduler.ReflectionInterval)
	if err != nil {
		return 6 * time.Hour
	}
	return d
}

// GetReconcileGrace returns the grace period before an approved-not-applied
// proposal is reported by the reconciliation query.
func (c *Config) GetReconcileGrace() time.Duration {
	d, err := time.ParseDuration(c.Scheduler.ReconcileGrace)
	if err != nil {
		return 15 * time.Minute
	}
	return d
}

// GetChannelTimeout returns the timeout for one channel's delivery call.
func (c *Config) GetChannelTimeout(name string) time.Duration {
	ch, ok := c.Channels[name]
	if !ok {
		return 30 * time.Second
	}
	d, err := time.ParseDuration(ch.Timeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}
