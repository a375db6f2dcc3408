package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ShayCichocki/agentq/pkg/models"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Workers.Count != 3 {
		t.Errorf("Workers.Count = %d, want 3", cfg.Workers.Count)
	}
	if cfg.Workers.PollInterval != 500*time.Millisecond {
		t.Errorf("Workers.PollInterval = %s, want 500ms", cfg.Workers.PollInterval)
	}
	if cfg.Queue.DefaultMaxRetries != models.DefaultMaxRetries {
		t.Errorf("Queue.DefaultMaxRetries = %d, want %d", cfg.Queue.DefaultMaxRetries, models.DefaultMaxRetries)
	}
	if cfg.Queue.CleanupAge != 168*time.Hour {
		t.Errorf("Queue.CleanupAge = %s, want 168h", cfg.Queue.CleanupAge)
	}
}

func TestLoadFromPath(t *testing.T) {
	path := writeConfig(t, `
database:
  path: /tmp/agentq-test/queue.db
workers:
  count: 8
  poll_interval: 250ms
queue:
  default_max_retries: 5
  cleanup_age: 24h
ingest:
  dir: /tmp/agentq-test/inbox
`)

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}

	if cfg.Database.Path != "/tmp/agentq-test/queue.db" {
		t.Errorf("Database.Path = %s", cfg.Database.Path)
	}
	if cfg.Workers.Count != 8 {
		t.Errorf("Workers.Count = %d, want 8", cfg.Workers.Count)
	}
	if cfg.Workers.PollInterval != 250*time.Millisecond {
		t.Errorf("Workers.PollInterval = %s, want 250ms", cfg.Workers.PollInterval)
	}
	if cfg.Queue.DefaultMaxRetries != 5 {
		t.Errorf("Queue.DefaultMaxRetries = %d, want 5", cfg.Queue.DefaultMaxRetries)
	}
	if cfg.Queue.CleanupAge != 24*time.Hour {
		t.Errorf("Queue.CleanupAge = %s, want 24h", cfg.Queue.CleanupAge)
	}
	if cfg.Ingest.Dir != "/tmp/agentq-test/inbox" {
		t.Errorf("Ingest.Dir = %s", cfg.Ingest.Dir)
	}
}

func TestLoadFromPath_PartialUsesDefaults(t *testing.T) {
	path := writeConfig(t, `
workers:
  count: 1
`)

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}

	if cfg.Workers.Count != 1 {
		t.Errorf("Workers.Count = %d, want 1", cfg.Workers.Count)
	}
	if cfg.Workers.PollInterval != 500*time.Millisecond {
		t.Errorf("Workers.PollInterval = %s, want default 500ms", cfg.Workers.PollInterval)
	}
	if cfg.Queue.DefaultMaxRetries != models.DefaultMaxRetries {
		t.Errorf("Queue.DefaultMaxRetries = %d, want default", cfg.Queue.DefaultMaxRetries)
	}
}

func TestLoadFromPath_ExpandsEnv(t *testing.T) {
	t.Setenv("AGENTQ_TEST_HOME", "/srv/agentq")
	path := writeConfig(t, `
database:
  path: ${AGENTQ_TEST_HOME}/queue.db
`)

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}
	if cfg.Database.Path != "/srv/agentq/queue.db" {
		t.Errorf("Database.Path = %s, want expanded path", cfg.Database.Path)
	}
}

func TestLoadFromPath_Missing(t *testing.T) {
	if _, err := LoadFromPath(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestGetUserConfigPath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/config")

	got := GetUserConfigPath()
	want := filepath.Join("/custom/config", "agentq", "config.yaml")
	if got != want {
		t.Errorf("GetUserConfigPath = %s, want %s", got, want)
	}
}
