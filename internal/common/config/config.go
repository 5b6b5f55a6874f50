// Package config provides configuration management for minion.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for minion.
type Config struct {
	Project string        `mapstructure:"project"`
	Paths   PathsConfig   `mapstructure:"paths"`
	Caller  CallerConfig  `mapstructure:"caller"`
	Daemon  DaemonConfig  `mapstructure:"daemon"`
	HP      HPConfig      `mapstructure:"hp"`
	Comms   CommsConfig   `mapstructure:"comms"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// PathsConfig holds the persisted state layout rooted at the work directory.
type PathsConfig struct {
	WorkDir string `mapstructure:"workDir"` // project-rooted runtime directory
	DBPath  string `mapstructure:"dbPath"`  // datastore location (DB_PATH)
	DocsDir string `mapstructure:"docsDir"` // contract documents (DOCS_DIR)
}

// CallerConfig identifies the invoking agent for authorization.
type CallerConfig struct {
	Class string `mapstructure:"class"` // CALLER_CLASS
}

// DaemonConfig holds the poll loop, buffer, and back-off tuning.
type DaemonConfig struct {
	PollIntervalSec    int `mapstructure:"pollIntervalSec"`    // default 5, min 1
	PollIntervalMaxSec int `mapstructure:"pollIntervalMaxSec"` // empty-poll backoff ceiling
	RetryBackoffSec    int `mapstructure:"retryBackoffSec"`    // initial failure backoff
	RetryBackoffMaxSec int `mapstructure:"retryBackoffMaxSec"`
	NoOutputTimeoutSec int `mapstructure:"noOutputTimeoutSec"` // stream read watchdog
	MaxHistoryTokens   int `mapstructure:"maxHistoryTokens"`   // rolling buffer budget
	MaxPromptChars     int `mapstructure:"maxPromptChars"`
	ContextWindow      int `mapstructure:"contextWindow"` // fallback when provider is silent
	FailureThreshold   int `mapstructure:"failureThreshold"`
}

// HPConfig holds health-model thresholds.
type HPConfig struct {
	AlertThresholds []int `mapstructure:"alertThresholds"` // percent, descending
	WoundedBelow    int   `mapstructure:"woundedBelow"`    // healthy above this
	CriticalBelow   int   `mapstructure:"criticalBelow"`
}

// CommsConfig holds messaging tuning.
type CommsConfig struct {
	PurgeAgeHours int `mapstructure:"purgeAgeHours"`
}

// NATSConfig holds event bus configuration. Empty URL selects the in-memory bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// PollInterval returns the poll interval as a time.Duration.
func (d *DaemonConfig) PollInterval() time.Duration {
	return time.Duration(d.PollIntervalSec) * time.Second
}

// PollIntervalMax returns the empty-poll backoff ceiling.
func (d *DaemonConfig) PollIntervalMax() time.Duration {
	return time.Duration(d.PollIntervalMaxSec) * time.Second
}

// RetryBackoff returns the initial failure backoff.
func (d *DaemonConfig) RetryBackoff() time.Duration {
	return time.Duration(d.RetryBackoffSec) * time.Second
}

// RetryBackoffMax returns the failure backoff ceiling.
func (d *DaemonConfig) RetryBackoffMax() time.Duration {
	return time.Duration(d.RetryBackoffMaxSec) * time.Second
}

// NoOutputTimeout returns the stream watchdog duration.
func (d *DaemonConfig) NoOutputTimeout() time.Duration {
	return time.Duration(d.NoOutputTimeoutSec) * time.Second
}

// PurgeAge returns the purge cutoff as a time.Duration.
func (c *CommsConfig) PurgeAge() time.Duration {
	return time.Duration(c.PurgeAgeHours) * time.Hour
}

// InboxDir returns the message content directory.
func (p *PathsConfig) InboxDir() string { return filepath.Join(p.WorkDir, "inbox") }

// BattlePlanDir returns the war-room plan directory.
func (p *PathsConfig) BattlePlanDir() string { return filepath.Join(p.WorkDir, "battle-plans") }

// RaidLogDir returns the war-room log directory.
func (p *PathsConfig) RaidLogDir() string { return filepath.Join(p.WorkDir, "raid-log") }

// StateDir returns the per-daemon state file directory.
func (p *PathsConfig) StateDir() string { return filepath.Join(p.WorkDir, "state") }

// StreamsDir returns the stream tail directory.
func (p *PathsConfig) StreamsDir() string { return filepath.Join(p.WorkDir, "streams") }

// FlowsDir returns the flow definition search path under the docs dir.
func (p *PathsConfig) FlowsDir() string { return filepath.Join(p.DocsDir, "flows") }

// ContractsDir returns the contract document directory.
func (p *PathsConfig) ContractsDir() string { return filepath.Join(p.DocsDir, "contracts") }

// detectDefaultLogFormat returns "json" in production, "text" for terminals.
func detectDefaultLogFormat() string {
	if env := os.Getenv("MINION_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func defaultWorkDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".minion_work"
	}
	return filepath.Join(home, ".minion_work")
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("project", "default")

	// Path defaults derive from the work directory unless overridden
	v.SetDefault("paths.workDir", defaultWorkDir())
	v.SetDefault("paths.dbPath", "")
	v.SetDefault("paths.docsDir", filepath.Join(defaultWorkDir(), "docs"))

	v.SetDefault("caller.class", "")

	// Daemon defaults
	v.SetDefault("daemon.pollIntervalSec", 5)
	v.SetDefault("daemon.pollIntervalMaxSec", 30)
	v.SetDefault("daemon.retryBackoffSec", 30)
	v.SetDefault("daemon.retryBackoffMaxSec", 300)
	v.SetDefault("daemon.noOutputTimeoutSec", 600)
	v.SetDefault("daemon.maxHistoryTokens", 100_000)
	v.SetDefault("daemon.maxPromptChars", 120_000)
	v.SetDefault("daemon.contextWindow", 200_000)
	v.SetDefault("daemon.failureThreshold", 3)

	// HP defaults
	v.SetDefault("hp.alertThresholds", []int{25, 10})
	v.SetDefault("hp.woundedBelow", 50)
	v.SetDefault("hp.criticalBelow", 25)

	// Comms defaults
	v.SetDefault("comms.purgeAgeHours", 24)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "minion")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix MINION_ with snake_case naming.
// Config file should be named config.yaml and placed in the work directory or
// the current directory.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("MINION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the bare env vars recognized by every command.
	// These predate the MINION_ prefix and remain the daemon contract.
	_ = v.BindEnv("paths.dbPath", "DB_PATH", "MINION_PATHS_DB_PATH")
	_ = v.BindEnv("paths.docsDir", "DOCS_DIR", "MINION_PATHS_DOCS_DIR")
	_ = v.BindEnv("paths.workDir", "MINION_WORK_DIR")
	_ = v.BindEnv("project", "PROJECT", "MINION_PROJECT")
	_ = v.BindEnv("caller.class", "CALLER_CLASS", "MINION_CALLER_CLASS")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath(defaultWorkDir())

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// DB path defaults under the work directory
	if cfg.Paths.DBPath == "" {
		cfg.Paths.DBPath = filepath.Join(cfg.Paths.WorkDir, "minion.db")
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Project == "" {
		errs = append(errs, "project must not be empty")
	}
	if cfg.Paths.WorkDir == "" {
		errs = append(errs, "paths.workDir must not be empty")
	}

	if cfg.Daemon.PollIntervalSec < 1 {
		errs = append(errs, "daemon.pollIntervalSec must be at least 1")
	}
	if cfg.Daemon.PollIntervalMaxSec < cfg.Daemon.PollIntervalSec {
		errs = append(errs, "daemon.pollIntervalMaxSec must be >= daemon.pollIntervalSec")
	}
	if cfg.Daemon.RetryBackoffMaxSec < cfg.Daemon.RetryBackoffSec {
		errs = append(errs, "daemon.retryBackoffMaxSec must be >= daemon.retryBackoffSec")
	}
	if cfg.Daemon.MaxHistoryTokens <= 0 {
		errs = append(errs, "daemon.maxHistoryTokens must be positive")
	}
	if cfg.Daemon.MaxPromptChars <= 0 {
		errs = append(errs, "daemon.maxPromptChars must be positive")
	}
	if cfg.Daemon.FailureThreshold <= 0 {
		errs = append(errs, "daemon.failureThreshold must be positive")
	}

	for _, t := range cfg.HP.AlertThresholds {
		if t <= 0 || t >= 100 {
			errs = append(errs, "hp.alertThresholds entries must be between 1 and 99")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// EnsureRuntimeDirs creates the persisted state layout under the work directory.
func (c *Config) EnsureRuntimeDirs() error {
	dirs := []string{
		c.Paths.WorkDir,
		c.Paths.InboxDir(),
		c.Paths.BattlePlanDir(),
		c.Paths.RaidLogDir(),
		c.Paths.StateDir(),
		c.Paths.StreamsDir(),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("failed to create runtime dir %s: %w", d, err)
		}
	}
	return nil
}
