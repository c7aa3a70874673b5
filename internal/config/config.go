// Package config defines the YAML-loadable configuration for the scheduling
// subsystem: per-manager scheduler tuning, storage backend selection,
// coordinator cadence, and logging.
package config

import (
	"fmt"
	"os"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/gabmichels/cw-agent-swarm-sub017/internal/task"
	"github.com/gabmichels/cw-agent-swarm-sub017/pkg/logx"
)

// Config is the root document.
type Config struct {
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Storage     StorageConfig     `yaml:"storage"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Logging     logx.Config       `yaml:"logging"`

	// Agents lists the agent IDs to run managers for. Empty means a single
	// anonymous manager.
	Agents []string `yaml:"agents"`
}

// SchedulerConfig tunes one manager. Treated as immutable per scheduling
// cycle; changes take effect on the next Initialize.
type SchedulerConfig struct {
	Enabled              bool          `yaml:"enabled"`
	EnableAutoScheduling bool          `yaml:"enable_auto_scheduling"`
	SchedulingInterval   time.Duration `yaml:"scheduling_interval"`
	MaxConcurrentTasks   int           `yaml:"max_concurrent_tasks"`

	EnableRetries        bool          `yaml:"enable_retries"`
	MaxRetryAttempts     int           `yaml:"max_retry_attempts"`
	RetryInitialInterval time.Duration `yaml:"retry_initial_interval"`
	DefaultTimeout       time.Duration `yaml:"default_timeout"`

	EnableDependencyChecking bool `yaml:"enable_dependency_checking"`
	EnableBatching           bool `yaml:"enable_batching"`
	MaxBatchSize             int  `yaml:"max_batch_size"`

	DefaultPriority     task.Priority `yaml:"default_priority"`
	SchedulingAlgorithm string        `yaml:"scheduling_algorithm"`
	PriorityThreshold   task.Priority `yaml:"priority_threshold"`

	CircuitBreakerEnabled     bool          `yaml:"circuit_breaker_enabled"`
	CircuitBreakerMaxFailures uint32        `yaml:"circuit_breaker_max_failures"`
	CircuitBreakerOpenFor     time.Duration `yaml:"circuit_breaker_open_for"`

	Resources ResourceLimits `yaml:"resources"`
}

// ResourceLimits are advisory ceilings surfaced through metrics. The
// subsystem records utilization against them; enforcement belongs to the
// embedding application.
type ResourceLimits struct {
	MaxCPUPercent        float64 `yaml:"max_cpu_percent"`
	MaxMemoryMB          int     `yaml:"max_memory_mb"`
	MaxTokensPerMinute   int     `yaml:"max_tokens_per_minute"`
	MaxAPICallsPerMinute int     `yaml:"max_api_calls_per_minute"`
}

// StorageConfig selects the task registry backend.
type StorageConfig struct {
	// Backend is "memory" or "sqlite".
	Backend string `yaml:"backend"`
	// Path is the sqlite database file (sqlite backend only).
	Path string `yaml:"path"`
	// BusyTimeout is the sqlite busy handler budget.
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// CoordinatorConfig tunes the shared multi-agent ticker.
type CoordinatorConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
	// ForceCycleRate bounds manual ForceCycle calls per second.
	ForceCycleRate float64 `yaml:"force_cycle_rate"`
}

// Default returns the full default configuration.
func Default() Config {
	return Config{
		Scheduler: SchedulerConfig{
			Enabled:                  true,
			EnableAutoScheduling:     true,
			SchedulingInterval:       60 * time.Second,
			MaxConcurrentTasks:       5,
			EnableRetries:            true,
			MaxRetryAttempts:         3,
			RetryInitialInterval:     500 * time.Millisecond,
			DefaultTimeout:           5 * time.Minute,
			EnableDependencyChecking: true,
			MaxBatchSize:             50,
			DefaultPriority:          task.DefaultPriority,
			SchedulingAlgorithm:      "strategy",
			PriorityThreshold:        task.PriorityHigh,
			Resources: ResourceLimits{
				MaxCPUPercent:        80,
				MaxMemoryMB:          1024,
				MaxTokensPerMinute:   50000,
				MaxAPICallsPerMinute: 300,
			},
		},
		Storage: StorageConfig{
			Backend:     "memory",
			BusyTimeout: 5 * time.Second,
		},
		Coordinator: CoordinatorConfig{
			TickInterval:   120 * time.Second,
			ForceCycleRate: 1,
		},
		Logging: logx.Config{Level: "info", Console: true},
	}
}

// Load reads YAML from path over the defaults. Missing keys keep their
// default values.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	cfg.Scheduler = cfg.Scheduler.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects unusable values.
func (c Config) Validate() error {
	switch c.Storage.Backend {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "sqlite" && c.Storage.Path == "" {
		return fmt.Errorf("sqlite backend requires storage.path")
	}
	if c.Scheduler.SchedulingInterval <= 0 {
		return fmt.Errorf("scheduling_interval must be positive")
	}
	if c.Scheduler.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("max_concurrent_tasks must be positive")
	}
	if !c.Scheduler.DefaultPriority.Valid() {
		return fmt.Errorf("default_priority %d out of range", c.Scheduler.DefaultPriority)
	}
	return nil
}

// Normalize backfills zero-valued tuning knobs from the defaults, so a
// caller-built partial SchedulerConfig behaves like a merge over Default().
func (c SchedulerConfig) Normalize() SchedulerConfig {
	def := Default().Scheduler
	if c.SchedulingInterval <= 0 {
		c.SchedulingInterval = def.SchedulingInterval
	}
	if c.MaxConcurrentTasks <= 0 {
		c.MaxConcurrentTasks = def.MaxConcurrentTasks
	}
	if c.MaxRetryAttempts < 0 {
		c.MaxRetryAttempts = 0
	}
	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = def.RetryInitialInterval
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = def.DefaultTimeout
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = def.MaxBatchSize
	}
	if c.DefaultPriority == 0 {
		c.DefaultPriority = def.DefaultPriority
	}
	if c.SchedulingAlgorithm == "" {
		c.SchedulingAlgorithm = def.SchedulingAlgorithm
	}
	if c.PriorityThreshold == 0 {
		c.PriorityThreshold = def.PriorityThreshold
	}
	return c
}
