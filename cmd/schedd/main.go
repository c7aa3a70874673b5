package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gabmichels/cw-agent-swarm-sub017/internal/config"
	"github.com/gabmichels/cw-agent-swarm-sub017/internal/eventbus"
	"github.com/gabmichels/cw-agent-swarm-sub017/internal/task"
	"github.com/gabmichels/cw-agent-swarm-sub017/internal/task/coordinator"
	"github.com/gabmichels/cw-agent-swarm-sub017/internal/task/dates"
	"github.com/gabmichels/cw-agent-swarm-sub017/internal/task/executor"
	"github.com/gabmichels/cw-agent-swarm-sub017/internal/task/manager"
	"github.com/gabmichels/cw-agent-swarm-sub017/internal/task/registry"
	"github.com/gabmichels/cw-agent-swarm-sub017/internal/task/scheduling"
	"github.com/gabmichels/cw-agent-swarm-sub017/internal/task/strategy"
	"github.com/gabmichels/cw-agent-swarm-sub017/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to config yaml (defaults apply when empty)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfgPath); err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string) error {
	cfg := config.Default()
	if cfgPath != "" {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
	}

	logSvc, log := logx.New(cfg.Logging)
	defer logSvc.Close()

	bus := eventbus.New()
	proc := dates.NewProcessor()

	coord := coordinator.New(coordinator.Options{
		TickInterval:   cfg.Coordinator.TickInterval,
		ForceCycleRate: cfg.Coordinator.ForceCycleRate,
		Log:            log,
	})
	defer coord.Close()

	agents := cfg.Agents
	if len(agents) == 0 {
		agents = []string{"default"}
	}

	var managers []*manager.Manager
	for _, agentID := range agents {
		reg, err := openRegistry(cfg.Storage, agentID, log)
		if err != nil {
			return err
		}
		defer reg.Close()

		sched, err := scheduling.New(log,
			strategy.NewExplicit(),
			strategy.NewInterval(proc),
			strategy.NewPriority(cfg.Scheduler.PriorityThreshold, nil),
		)
		if err != nil {
			return err
		}

		// The coordinator drives every manager's cycles from its shared
		// ticker, so the manager's own loop must stay off: both running at
		// once would double-fire due tasks.
		schedCfg := cfg.Scheduler
		schedCfg.EnableAutoScheduling = false

		exec := executor.New(executor.Config{
			DefaultTimeout:       cfg.Scheduler.DefaultTimeout,
			MaxRetries:           retries(cfg.Scheduler),
			RetryInitialInterval: cfg.Scheduler.RetryInitialInterval,
			BreakerEnabled:       cfg.Scheduler.CircuitBreakerEnabled,
			BreakerMaxFailures:   cfg.Scheduler.CircuitBreakerMaxFailures,
			BreakerOpenTimeout:   cfg.Scheduler.CircuitBreakerOpenFor,
		}, log, bus)
		registerHandlers(exec, log)

		m, err := manager.New(manager.Options{
			AgentID:   agentID,
			Registry:  reg,
			Scheduler: sched,
			Executor:  exec,
			Dates:     proc,
			Log:       log,
			Bus:       bus,
			Config:    schedCfg,
		})
		if err != nil {
			return err
		}
		if err := m.Initialize(nil); err != nil {
			return err
		}
		if err := coord.Register(agentID, m); err != nil {
			return err
		}
		managers = append(managers, m)
	}

	log.Info("schedd running",
		logx.Int("agents", len(managers)),
		logx.Duration("tick", cfg.Coordinator.TickInterval))

	<-ctx.Done()

	for _, m := range managers {
		m.StopScheduler()
	}
	return nil
}

func retries(sc config.SchedulerConfig) int {
	if !sc.EnableRetries {
		return 0
	}
	return sc.MaxRetryAttempts
}

func openRegistry(sc config.StorageConfig, agentID string, log logx.Logger) (registry.Registry, error) {
	switch sc.Backend {
	case "sqlite":
		path := sc.Path
		if len(path) > 0 && agentID != "default" {
			path = fmt.Sprintf("%s.%s", path, agentID)
		}
		return registry.OpenSQLite(registry.SQLiteConfig{
			Path:        path,
			BusyTimeout: sc.BusyTimeout,
		}, log)
	default:
		return registry.NewMemory(), nil
	}
}

// registerHandlers installs the built-in handler kinds. Embedding
// applications replace these with their own.
func registerHandlers(exec *executor.Executor, log logx.Logger) {
	exec.Register("log", func(_ context.Context, t *task.Task) (any, error) {
		log.Info("task ran",
			logx.String("task_id", t.ID),
			logx.String("name", t.Name),
			logx.Any("args", t.HandlerArgs))
		return "logged", nil
	})
	exec.Register("sleep", func(ctx context.Context, t *task.Task) (any, error) {
		d := time.Second
		if s, ok := t.HandlerArgs["duration"].(string); ok {
			if parsed, err := time.ParseDuration(s); err == nil {
				d = parsed
			}
		}
		select {
		case <-time.After(d):
			return d.String(), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	exec.Start()
}
