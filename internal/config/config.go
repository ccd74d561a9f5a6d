// Package config loads and validates navtrack configuration via Viper.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	Tracking  TrackingConfig  `mapstructure:"tracking"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Durable   DurableConfig   `mapstructure:"durable"`
	Upload    UploadConfig    `mapstructure:"upload"`
	Collector CollectorConfig `mapstructure:"collector"`
	Results   ResultsConfig   `mapstructure:"results"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Server    ServerConfig    `mapstructure:"server"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// TrackingConfig controls what the tracker records.
type TrackingConfig struct {
	TrackHashChanges         bool `mapstructure:"track_hash_changes"`
	PreserveHistory          bool `mapstructure:"preserve_history"`
	InactivityTimeoutSeconds int  `mapstructure:"inactivity_timeout_seconds"`
	HistoryHook              bool `mapstructure:"history_hook"`
}

// BrowserConfig controls the Chrome instance used by the record command.
type BrowserConfig struct {
	Headless                 bool   `mapstructure:"headless"`
	UserAgent                string `mapstructure:"user_agent"`
	NavigationTimeoutSeconds int    `mapstructure:"navigation_timeout_seconds"`
	ExecPath                 string `mapstructure:"exec_path"`
}

// DurableConfig locates the worker-local log.
type DurableConfig struct {
	Dir               string `mapstructure:"dir"`
	BackupDir         string `mapstructure:"backup_dir"`
	WorkerID          string `mapstructure:"worker_id"`
	MaxAttempts       int    `mapstructure:"max_attempts"`
	LockTries         int    `mapstructure:"lock_tries"`
	LockBaseDelayMs   int    `mapstructure:"lock_base_delay_ms"`
	LockStaleAfterSec int    `mapstructure:"lock_stale_after_seconds"`
}

// UploadConfig tunes the upload coordinator.
type UploadConfig struct {
	TeardownDeadlineMs int `mapstructure:"teardown_deadline_ms"`
	MaxCompensating    int `mapstructure:"max_compensating"`
	HistoryLimit       int `mapstructure:"history_limit"`
}

// CollectorConfig configures the HTTP collector client.
type CollectorConfig struct {
	Endpoint         string `mapstructure:"endpoint"`
	APIKey           string `mapstructure:"api_key"`
	TimeoutSeconds   int    `mapstructure:"timeout_seconds"`
	MaxRetries       int    `mapstructure:"max_retries"`
	BackoffInitialMs int    `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int    `mapstructure:"backoff_max_ms"`
}

// ResultsConfig locates the merged results artifact.
type ResultsConfig struct {
	Path string `mapstructure:"path"`
}

// ArtifactsConfig mirrors the results artifact to GCS when a bucket is set,
// or to a local directory otherwise.
type ArtifactsConfig struct {
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for report notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ServerConfig controls the reference collector service.
type ServerConfig struct {
	Port           int     `mapstructure:"port"`
	AuthEnabled    bool    `mapstructure:"auth_enabled"`
	APIKey         string  `mapstructure:"api_key"`
	DatabaseDSN    string  `mapstructure:"database_dsn"`
	RequestTimeout int     `mapstructure:"request_timeout_seconds"`
	RateLimitQPS   float64 `mapstructure:"rate_limit_qps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// MetricsConfig controls metric output for the CLI.
type MetricsConfig struct {
	TextfilePath string `mapstructure:"textfile_path"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("NAVTRACK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", true)
	v.SetDefault("tracking.track_hash_changes", true)
	v.SetDefault("tracking.preserve_history", true)
	v.SetDefault("tracking.inactivity_timeout_seconds", 0)
	v.SetDefault("tracking.history_hook", true)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.navigation_timeout_seconds", 45)
	v.SetDefault("durable.dir", "test-results/workers")
	v.SetDefault("durable.backup_dir", "")
	v.SetDefault("durable.worker_id", "")
	v.SetDefault("durable.max_attempts", 3)
	v.SetDefault("durable.lock_tries", 10)
	v.SetDefault("durable.lock_base_delay_ms", 10)
	v.SetDefault("durable.lock_stale_after_seconds", 5)
	v.SetDefault("upload.teardown_deadline_ms", 5000)
	v.SetDefault("upload.max_compensating", 1)
	v.SetDefault("upload.history_limit", 256)
	v.SetDefault("collector.endpoint", "http://localhost:8080")
	v.SetDefault("collector.api_key", "")
	v.SetDefault("collector.timeout_seconds", 10)
	v.SetDefault("collector.max_retries", 3)
	v.SetDefault("collector.backoff_initial_ms", 250)
	v.SetDefault("collector.backoff_max_ms", 5000)
	v.SetDefault("results.path", "test-results/url-tracking-results.json")
	v.SetDefault("artifacts.prefix", "navtrack")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.auth_enabled", false)
	v.SetDefault("server.request_timeout_seconds", 15)
	v.SetDefault("server.rate_limit_qps", 0)
	v.SetDefault("server.rate_limit_burst", 20)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Durable.Dir) == "" {
		return fmt.Errorf("durable.dir must be set")
	}
	if c.Durable.BackupDir != "" && filepath.Clean(c.Durable.BackupDir) == filepath.Clean(c.Durable.Dir) {
		return fmt.Errorf("durable.backup_dir must differ from durable.dir")
	}
	if c.Durable.MaxAttempts <= 0 {
		return fmt.Errorf("durable.max_attempts must be > 0")
	}
	if c.Durable.LockTries <= 0 {
		return fmt.Errorf("durable.lock_tries must be > 0")
	}
	if c.Upload.TeardownDeadlineMs <= 0 {
		return fmt.Errorf("upload.teardown_deadline_ms must be > 0")
	}
	if c.Upload.MaxCompensating < 0 {
		return fmt.Errorf("upload.max_compensating must be >= 0")
	}
	if c.Tracking.InactivityTimeoutSeconds < 0 {
		return fmt.Errorf("tracking.inactivity_timeout_seconds must be >= 0")
	}
	if c.Browser.NavigationTimeoutSeconds < 0 {
		return fmt.Errorf("browser.navigation_timeout_seconds must be >= 0")
	}
	if c.Collector.TimeoutSeconds <= 0 {
		return fmt.Errorf("collector.timeout_seconds must be > 0")
	}
	if strings.TrimSpace(c.Results.Path) == "" {
		return fmt.Errorf("results.path must be set")
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.AuthEnabled && c.Server.APIKey == "" {
		return fmt.Errorf("server.api_key must be set when auth is enabled")
	}
	if c.Artifacts.GCSBucket != "" && c.Artifacts.LocalDir != "" {
		return fmt.Errorf("artifacts.gcs_bucket and artifacts.local_dir are mutually exclusive")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	return nil
}

// TeardownDeadline converts the configured deadline to a duration.
func (c Config) TeardownDeadline() time.Duration {
	return time.Duration(c.Upload.TeardownDeadlineMs) * time.Millisecond
}

// InactivityTimeout converts the configured timeout to a duration.
func (c Config) InactivityTimeout() time.Duration {
	return time.Duration(c.Tracking.InactivityTimeoutSeconds) * time.Second
}

// NavigationTimeout bounds each recorded page load.
func (c Config) NavigationTimeout() time.Duration {
	return time.Duration(c.Browser.NavigationTimeoutSeconds) * time.Second
}

// CollectorTimeout converts the per-attempt HTTP timeout to a duration.
func (c Config) CollectorTimeout() time.Duration {
	return time.Duration(c.Collector.TimeoutSeconds) * time.Second
}

// LockBaseDelay is the per-try lock backoff step.
func (c Config) LockBaseDelay() time.Duration {
	return time.Duration(c.Durable.LockBaseDelayMs) * time.Millisecond
}

// LockStaleAfter is the age at which a lock is force-reclaimed.
func (c Config) LockStaleAfter() time.Duration {
	return time.Duration(c.Durable.LockStaleAfterSec) * time.Second
}
