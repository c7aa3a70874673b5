package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gabmichels/cw-agent-swarm-sub017/internal/task"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	t.Parallel()
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `
scheduler:
  scheduling_interval: 30s
  max_concurrent_tasks: 10
  default_priority: 8
storage:
  backend: sqlite
  path: /tmp/tasks.db
agents:
  - alpha
  - beta
logging:
  level: debug
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Scheduler.SchedulingInterval != 30*time.Second {
		t.Fatalf("interval = %v", cfg.Scheduler.SchedulingInterval)
	}
	if cfg.Scheduler.MaxConcurrentTasks != 10 {
		t.Fatalf("max concurrent = %d", cfg.Scheduler.MaxConcurrentTasks)
	}
	if cfg.Scheduler.DefaultPriority != task.PriorityHigh {
		t.Fatalf("priority = %d", cfg.Scheduler.DefaultPriority)
	}
	// Untouched keys keep defaults.
	if cfg.Scheduler.MaxRetryAttempts != 3 {
		t.Fatalf("retries = %d, want default 3", cfg.Scheduler.MaxRetryAttempts)
	}
	if cfg.Storage.Backend != "sqlite" || cfg.Storage.Path != "/tmp/tasks.db" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if len(cfg.Agents) != 2 || cfg.Agents[0] != "alpha" {
		t.Fatalf("agents = %v", cfg.Agents)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("logging level = %q", cfg.Logging.Level)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		body string
	}{
		{"unknown backend", "storage:\n  backend: postgres\n"},
		{"sqlite without path", "storage:\n  backend: sqlite\n"},
		{"priority out of range", "scheduler:\n  default_priority: 11\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tc.body)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestNormalizeBackfillsZeroes(t *testing.T) {
	t.Parallel()
	got := SchedulerConfig{MaxConcurrentTasks: 2}.Normalize()
	if got.MaxConcurrentTasks != 2 {
		t.Fatalf("explicit value clobbered: %d", got.MaxConcurrentTasks)
	}
	def := Default().Scheduler
	if got.SchedulingInterval != def.SchedulingInterval {
		t.Fatalf("interval = %v, want default", got.SchedulingInterval)
	}
	if got.DefaultPriority != def.DefaultPriority {
		t.Fatalf("priority = %d, want default", got.DefaultPriority)
	}
	if got.SchedulingAlgorithm != def.SchedulingAlgorithm {
		t.Fatalf("algorithm = %q, want default", got.SchedulingAlgorithm)
	}
}
