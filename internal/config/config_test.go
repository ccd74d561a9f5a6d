package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Durable.Dir != "test-results/workers" {
		t.Fatalf("expected default durable dir, got %q", cfg.Durable.Dir)
	}
	if cfg.Results.Path != "test-results/url-tracking-results.json" {
		t.Fatalf("expected default results path, got %q", cfg.Results.Path)
	}
	if got := cfg.TeardownDeadline(); got != 5*time.Second {
		t.Fatalf("expected 5s teardown deadline, got %v", got)
	}
	if cfg.Upload.MaxCompensating != 1 || cfg.Durable.MaxAttempts != 3 || cfg.Durable.LockTries != 10 {
		t.Fatalf("unexpected retry defaults: %+v %+v", cfg.Upload, cfg.Durable)
	}
	if got := cfg.LockStaleAfter(); got != 5*time.Second {
		t.Fatalf("expected 5s stale lock age, got %v", got)
	}
	if !cfg.Browser.Headless || cfg.NavigationTimeout() != 45*time.Second {
		t.Fatalf("unexpected browser defaults: %+v", cfg.Browser)
	}
	if !cfg.Tracking.TrackHashChanges || !cfg.Tracking.PreserveHistory {
		t.Fatalf("expected tracking defaults enabled: %+v", cfg.Tracking)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
logging:
  development: false
tracking:
  track_hash_changes: false
  inactivity_timeout_seconds: 30
durable:
  dir: /tmp/shared/workers
  backup_dir: /tmp/backup
  worker_id: ci-3
upload:
  teardown_deadline_ms: 1500
  max_compensating: 2
collector:
  endpoint: https://collector.example
  api_key: secret
  timeout_seconds: 4
results:
  path: out/results.json
artifacts:
  gcs_bucket: bucket
  prefix: runs
pubsub:
  project_id: proj
  topic_name: reports
server:
  port: 9090
  auth_enabled: true
  api_key: server-secret
  rate_limit_qps: 5
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Logging.Development {
		t.Fatalf("expected development logging disabled")
	}
	if cfg.Tracking.TrackHashChanges || cfg.InactivityTimeout() != 30*time.Second {
		t.Fatalf("expected tracking overrides: %+v", cfg.Tracking)
	}
	if cfg.Durable.WorkerID != "ci-3" || cfg.Durable.BackupDir != "/tmp/backup" {
		t.Fatalf("expected durable overrides: %+v", cfg.Durable)
	}
	if cfg.TeardownDeadline() != 1500*time.Millisecond || cfg.Upload.MaxCompensating != 2 {
		t.Fatalf("expected upload overrides: %+v", cfg.Upload)
	}
	if cfg.Collector.Endpoint != "https://collector.example" || cfg.CollectorTimeout() != 4*time.Second {
		t.Fatalf("expected collector overrides: %+v", cfg.Collector)
	}
	if cfg.Server.Port != 9090 || !cfg.Server.AuthEnabled || cfg.Server.RateLimitQPS != 5 {
		t.Fatalf("expected server overrides: %+v", cfg.Server)
	}
	if cfg.Artifacts.GCSBucket != "bucket" || cfg.PubSub.TopicName != "reports" {
		t.Fatalf("expected artifact and pubsub overrides")
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name string
		cfg  func(c Config) Config
		want string
	}{
		{
			name: "empty durable dir",
			cfg:  func(c Config) Config { c.Durable.Dir = " "; return c },
			want: "durable.dir",
		},
		{
			name: "backup inside shared dir",
			cfg:  func(c Config) Config { c.Durable.BackupDir = c.Durable.Dir + "/"; return c },
			want: "durable.backup_dir",
		},
		{
			name: "invalid teardown deadline",
			cfg:  func(c Config) Config { c.Upload.TeardownDeadlineMs = 0; return c },
			want: "upload.teardown_deadline_ms",
		},
		{
			name: "negative compensating",
			cfg:  func(c Config) Config { c.Upload.MaxCompensating = -1; return c },
			want: "upload.max_compensating",
		},
		{
			name: "invalid port",
			cfg:  func(c Config) Config { c.Server.Port = 0; return c },
			want: "server.port",
		},
		{
			name: "auth missing api key",
			cfg:  func(c Config) Config { c.Server.AuthEnabled = true; return c },
			want: "server.api_key",
		},
		{
			name: "two artifact mirrors",
			cfg: func(c Config) Config {
				c.Artifacts.GCSBucket = "b"
				c.Artifacts.LocalDir = "/tmp/mirror"
				return c
			},
			want: "artifacts.local_dir",
		},
		{
			name: "topic without project",
			cfg:  func(c Config) Config { c.PubSub.TopicName = "t"; return c },
			want: "pubsub.project_id",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg(base).Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
