// Package manager ties the registry, scheduler, and executor together into
// one agent-scoped scheduling unit with a background timer loop, metrics,
// and a stable error taxonomy at its boundary.
package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gabmichels/cw-agent-swarm-sub017/internal/config"
	"github.com/gabmichels/cw-agent-swarm-sub017/internal/eventbus"
	"github.com/gabmichels/cw-agent-swarm-sub017/internal/runtime/supervisor"
	"github.com/gabmichels/cw-agent-swarm-sub017/internal/task"
	"github.com/gabmichels/cw-agent-swarm-sub017/internal/task/dates"
	"github.com/gabmichels/cw-agent-swarm-sub017/internal/task/executor"
	"github.com/gabmichels/cw-agent-swarm-sub017/internal/task/registry"
	"github.com/gabmichels/cw-agent-swarm-sub017/internal/task/scheduling"
	"github.com/gabmichels/cw-agent-swarm-sub017/pkg/logx"
)

// Manager is one agent's scheduling unit.
//
// Lifecycle: uninitialized → initialized → running ⇄ stopped. Reset returns
// it to initialized with an empty registry and zeroed metrics.
type Manager struct {
	agentID string

	log       logx.Logger
	bus       eventbus.Bus
	registry  registry.Registry
	scheduler *scheduling.Scheduler
	executor  *executor.Executor
	dates     *dates.Processor

	mu          sync.Mutex
	cfg         config.SchedulerConfig
	initialized bool
	running     bool
	startedAt   time.Time
	sup         *supervisor.Supervisor

	metrics *metricsState
}

// Options carries the manager's collaborators. Registry, Scheduler, and
// Executor are required; the rest default sensibly.
type Options struct {
	AgentID   string
	Registry  registry.Registry
	Scheduler *scheduling.Scheduler
	Executor  *executor.Executor
	Dates     *dates.Processor
	Log       logx.Logger
	Bus       eventbus.Bus
	Config    config.SchedulerConfig
}

// New builds an uninitialized manager.
func New(opts Options) (*Manager, error) {
	if opts.Registry == nil || opts.Scheduler == nil || opts.Executor == nil {
		return nil, task.NewSchedulerError(task.CodeInitialization, "manager.New",
			fmt.Errorf("registry, scheduler, and executor are required"))
	}
	if opts.Dates == nil {
		opts.Dates = dates.NewProcessor()
	}
	return &Manager{
		agentID:   opts.AgentID,
		log:       opts.Log.With(logx.String("agent", opts.AgentID)),
		bus:       opts.Bus,
		registry:  opts.Registry,
		scheduler: opts.Scheduler,
		executor:  opts.Executor,
		dates:     opts.Dates,
		cfg:       opts.Config.Normalize(),
		metrics:   newMetricsState(),
	}, nil
}

// AgentID returns the agent this manager schedules for.
func (m *Manager) AgentID() string { return m.agentID }

// Config returns the active configuration.
func (m *Manager) Config() config.SchedulerConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Initialize merges configuration and, when enabled with auto-scheduling,
// starts the timer loop. Re-initializing updates the config in place.
func (m *Manager) Initialize(cfg *config.SchedulerConfig) error {
	m.mu.Lock()
	if cfg != nil {
		m.cfg = cfg.Normalize()
	}
	m.initialized = true
	enabled := m.cfg.Enabled && m.cfg.EnableAutoScheduling
	m.mu.Unlock()

	m.executor.Start()
	if enabled {
		m.StartScheduler()
	}
	m.log.Info("scheduler manager initialized",
		logx.Bool("auto_start", enabled),
		logx.Duration("interval", m.Config().SchedulingInterval))
	return nil
}

// CreateTask resolves schedule expressions, validates, checks the dependency
// graph, and persists the task.
//
// Resolution policy for EXPLICIT tasks carrying an expression but no concrete
// time: a recognized vague term ("urgent", "tomorrow") wins and sets BOTH the
// scheduled time and the priority; otherwise a natural-language parse sets
// the time only. Vague terms take precedence because they carry priority
// information a generic date parse cannot.
func (m *Manager) CreateTask(ctx context.Context, t *task.Task) (*task.Task, error) {
	const op = "manager.CreateTask"
	if t == nil {
		return nil, task.NewSchedulerError(task.CodeTaskCreation, op, fmt.Errorf("nil task"))
	}

	t = t.Clone()
	m.resolveScheduleExpression(t)
	if t.Priority == 0 && m.Config().DefaultPriority != 0 {
		t.Priority = m.Config().DefaultPriority
	}
	t.ApplyDefaults()

	if err := t.Validate(); err != nil {
		return nil, task.NewSchedulerError(task.CodeTaskCreation, op, err)
	}
	if m.Config().EnableDependencyChecking {
		if err := m.checkDependencyCycle(ctx, t); err != nil {
			return nil, task.NewSchedulerError(task.CodeTaskCreation, op, err)
		}
	}
	if err := m.registry.Store(ctx, t); err != nil {
		return nil, task.NewSchedulerError(task.CodeTaskCreation, op, err)
	}
	m.log.Debug("task created",
		logx.String("task_id", t.ID),
		logx.String("type", string(t.ScheduleType)))
	return t, nil
}

func (m *Manager) resolveScheduleExpression(t *task.Task) {
	if t.ScheduleType != task.ScheduleExplicit || t.ScheduleExpression == "" || !t.ScheduledTime.IsZero() {
		return
	}
	now := time.Now()
	if res, ok := m.dates.TranslateVagueTerm(t.ScheduleExpression, now); ok {
		t.ScheduledTime = res.Date
		t.Priority = res.Priority
		return
	}
	if at, ok := m.dates.ParseNaturalLanguage(t.ScheduleExpression, now); ok {
		t.ScheduledTime = at
	}
}

// UpdateTask replaces a stored task after re-validating and re-checking the
// dependency graph.
func (m *Manager) UpdateTask(ctx context.Context, t *task.Task) error {
	const op = "manager.UpdateTask"
	if t == nil {
		return task.NewSchedulerError(task.CodeTaskUpdate, op, fmt.Errorf("nil task"))
	}
	if err := t.Validate(); err != nil {
		return task.NewSchedulerError(task.CodeTaskUpdate, op, err)
	}
	if m.Config().EnableDependencyChecking {
		if err := m.checkDependencyCycle(ctx, t); err != nil {
			return task.NewSchedulerError(task.CodeTaskUpdate, op, err)
		}
	}
	t.UpdatedAt = time.Now()
	if err := m.registry.Update(ctx, t); err != nil {
		if registry.IsNotFound(err) {
			return task.NewSchedulerError(task.CodeTaskNotFound, op, err)
		}
		return task.NewSchedulerError(task.CodeTaskUpdate, op, err)
	}
	return nil
}

// DeleteTask removes a task, reporting whether it existed.
func (m *Manager) DeleteTask(ctx context.Context, id string) (bool, error) {
	ok, err := m.registry.Delete(ctx, id)
	if err != nil {
		return false, task.NewSchedulerError(task.CodeTaskDeletion, "manager.DeleteTask", err)
	}
	return ok, nil
}

// GetTask fetches one task. Unknown IDs are TASK_NOT_FOUND.
func (m *Manager) GetTask(ctx context.Context, id string) (*task.Task, error) {
	const op = "manager.GetTask"
	t, err := m.registry.Get(ctx, id)
	if err != nil {
		if registry.IsNotFound(err) {
			return nil, task.NewSchedulerError(task.CodeTaskNotFound, op, err)
		}
		return nil, task.NewSchedulerError(task.CodeTaskRetrieval, op, err)
	}
	return t, nil
}

// FindTasks queries the registry.
func (m *Manager) FindTasks(ctx context.Context, f task.Filter) ([]*task.Task, error) {
	out, err := m.registry.Find(ctx, f)
	if err != nil {
		return nil, task.NewSchedulerError(task.CodeTaskQuery, "manager.FindTasks", err)
	}
	return out, nil
}

// ExecuteDueTasks runs one full scheduling cycle: load pending tasks, select
// the due subset, gate on dependencies, execute under the concurrency bound,
// and persist each outcome.
//
// An empty due set returns an empty slice and no error. Individual task
// failures are captured in the results and never abort the cycle; only
// infrastructure failures (registry, scheduler, executor plumbing) return an
// error.
func (m *Manager) ExecuteDueTasks(ctx context.Context) ([]task.ExecutionResult, error) {
	const op = "manager.ExecuteDueTasks"
	cfg := m.Config()
	cycleStart := time.Now()

	pending, err := m.registry.Find(ctx, task.Filter{Statuses: []task.Status{task.StatusPending}})
	if err != nil {
		return nil, task.NewSchedulerError(task.CodeTaskExecution, op, err)
	}

	due, err := m.scheduler.DueTasks(pending, cycleStart)
	if err != nil {
		if task.CodeOf(err) != "" {
			return nil, err
		}
		return nil, task.NewSchedulerError(task.CodeDueTasks, op, err)
	}

	if cfg.EnableDependencyChecking {
		filtered := due[:0]
		for _, t := range due {
			if m.dependenciesSatisfied(ctx, t) {
				filtered = append(filtered, t)
			}
		}
		due = filtered
	}
	if cfg.EnableBatching && len(due) > cfg.MaxBatchSize {
		due = due[:cfg.MaxBatchSize]
	}
	if len(due) == 0 {
		m.metrics.recordCycle(time.Since(cycleStart))
		return []task.ExecutionResult{}, nil
	}

	// Mark the batch RUNNING before dispatch so a concurrent cycle does not
	// pick the same tasks up again. Re-applying the same update is harmless.
	for _, t := range due {
		t.Status = task.StatusRunning
		t.UpdatedAt = cycleStart
		if err := m.registry.Update(ctx, t); err != nil {
			m.log.Warn("failed to mark task running",
				logx.String("task_id", t.ID), logx.Err(err))
		}
	}

	results, err := m.executor.ExecuteTasks(ctx, due, cfg.MaxConcurrentTasks)
	if err != nil {
		return nil, task.NewSchedulerError(task.CodeTaskExecution, op, err)
	}

	for i, res := range results {
		if err := m.applyResult(ctx, due[i], res); err != nil {
			m.log.Warn("failed to persist execution outcome",
				logx.String("task_id", due[i].ID), logx.Err(err))
		}
		if res.Dispatched() {
			m.metrics.recordResult(res)
		}
	}

	cycleDur := time.Since(cycleStart)
	m.metrics.recordCycle(cycleDur)
	if m.bus != nil {
		m.bus.Publish(eventbus.Event{Type: eventbus.TypeCycleCompleted, Data: map[string]any{
			"agent":    m.agentID,
			"executed": len(results),
			"duration": cycleDur,
		}})
	}
	m.log.Debug("scheduling cycle completed",
		logx.Int("executed", len(results)),
		logx.Duration("duration", cycleDur))
	return results, nil
}

// applyResult writes an execution outcome back onto the stored task. Interval
// tasks consume one execution from their budget per attempt and re-arm to
// PENDING after a successful run with budget remaining.
//
// A not-dispatched slot (paused executor, batch context expired) records no
// attempt: the task returns to PENDING untouched, with no error info and no
// budget consumed, so the next cycle picks it up again.
func (m *Manager) applyResult(ctx context.Context, t *task.Task, res task.ExecutionResult) error {
	now := time.Now()
	if !res.Dispatched() {
		t.Status = task.StatusPending
		t.UpdatedAt = now
		return m.registry.Update(ctx, t)
	}
	t.Status = res.Status
	t.LastExecutedAt = res.EndTime
	t.UpdatedAt = now
	t.Metadata.ExecutionTime = res.Duration
	t.Metadata.RetryCount += res.RetryCount
	t.Metadata.ErrorInfo = res.Error

	if !t.ScheduledTime.IsZero() && res.StartTime.After(t.ScheduledTime) {
		wait := res.StartTime.Sub(t.ScheduledTime)
		t.Metadata.WaitTime = wait
		m.metrics.recordWait(wait)
	}

	if t.ScheduleType == task.ScheduleInterval && t.Interval != nil {
		t.Interval.ExecutionCount++
		if res.Status == task.StatusCompleted && !t.Interval.Exhausted() {
			t.Status = task.StatusPending
		}
	}
	return m.registry.Update(ctx, t)
}

// ExecuteTaskNow runs one task immediately, bypassing due-ness checks, and
// persists the outcome. Unknown IDs fail with TASK_NOT_FOUND.
func (m *Manager) ExecuteTaskNow(ctx context.Context, id string) (task.ExecutionResult, error) {
	const op = "manager.ExecuteTaskNow"
	t, err := m.registry.Get(ctx, id)
	if err != nil {
		if registry.IsNotFound(err) {
			return task.ExecutionResult{}, task.NewSchedulerError(task.CodeTaskNotFound, op, err)
		}
		return task.ExecutionResult{}, task.NewSchedulerError(task.CodeTaskRetrieval, op, err)
	}

	t.Status = task.StatusRunning
	t.UpdatedAt = time.Now()
	if err := m.registry.Update(ctx, t); err != nil {
		m.log.Warn("failed to mark task running", logx.String("task_id", t.ID), logx.Err(err))
	}

	res, err := m.executor.ExecuteTask(ctx, t)
	if err != nil {
		// Never dispatched; put the task back the way the cycle found it.
		if uerr := m.applyResult(ctx, t, task.NotDispatched(t.ID)); uerr != nil {
			m.log.Warn("failed to restore task state", logx.String("task_id", t.ID), logx.Err(uerr))
		}
		return task.ExecutionResult{}, task.NewSchedulerError(task.CodeTaskExecution, op, err)
	}
	if err := m.applyResult(ctx, t, res); err != nil {
		m.log.Warn("failed to persist execution outcome", logx.String("task_id", t.ID), logx.Err(err))
	}
	m.metrics.recordResult(res)
	return res, nil
}

// ExecuteAgentDueTasks is the coordinator's entry point. The agent ID must
// match this manager's.
func (m *Manager) ExecuteAgentDueTasks(ctx context.Context, agentID string) ([]task.ExecutionResult, error) {
	if agentID != m.agentID {
		return nil, task.NewSchedulerError(task.CodeTaskExecution, "manager.ExecuteAgentDueTasks",
			fmt.Errorf("manager serves agent %q, not %q", m.agentID, agentID))
	}
	return m.ExecuteDueTasks(ctx)
}

// StartScheduler starts the background timer loop. It returns false without
// side effects when the loop is already running. The first cycle fires
// immediately rather than after the first interval.
//
// The loop and coordinator registration are mutually exclusive: a manager
// registered with a coordinator gets its cycles from the shared ticker and
// must not also run its own loop.
func (m *Manager) StartScheduler() bool {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return false
	}
	m.running = true
	m.startedAt = time.Now()
	interval := m.cfg.SchedulingInterval
	m.sup = supervisor.New(context.Background(), supervisor.WithLogger(m.log))
	sup := m.sup
	m.mu.Unlock()

	sup.Go("scheduler-loop", func(ctx context.Context) error {
		m.runCycle(ctx)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				m.runCycle(ctx)
			}
		}
	})
	m.log.Info("scheduler started", logx.Duration("interval", interval))
	return true
}

// runCycle executes one tick, logging rather than propagating errors so the
// loop never dies.
func (m *Manager) runCycle(ctx context.Context) {
	if _, err := m.ExecuteDueTasks(ctx); err != nil {
		m.log.Warn("scheduling cycle failed", logx.Err(err))
	}
}

// StopScheduler stops the timer loop, returning false if it was not running.
func (m *Manager) StopScheduler() bool {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return false
	}
	m.running = false
	sup := m.sup
	m.sup = nil
	m.mu.Unlock()

	if sup != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := sup.Stop(ctx); err != nil {
			m.log.Warn("scheduler loop did not stop cleanly", logx.Err(err))
		}
	}
	m.log.Info("scheduler stopped")
	return true
}

// IsRunning reports whether the timer loop is active.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// GetMetrics assembles a snapshot from registry counts, executor state, and
// the rolling execution statistics. It never mutates state.
func (m *Manager) GetMetrics(ctx context.Context) (SchedulerMetrics, error) {
	const op = "manager.GetMetrics"
	m.mu.Lock()
	out := SchedulerMetrics{
		AgentID: m.agentID,
		Running: m.running,
	}
	if m.running {
		out.Uptime = time.Since(m.startedAt)
	}
	limits := m.cfg.Resources
	m.mu.Unlock()
	out.Resources = resourceSnapshot(limits)

	out.TasksByStatus = map[task.Status]int{}
	for _, st := range []task.Status{
		task.StatusPending, task.StatusRunning, task.StatusCompleted,
		task.StatusFailed, task.StatusCancelled, task.StatusDeferred,
	} {
		n, err := m.registry.Count(ctx, task.Filter{Statuses: []task.Status{st}})
		if err != nil {
			return SchedulerMetrics{}, task.NewSchedulerError(task.CodeMetrics, op, err)
		}
		out.TasksByStatus[st] = n
	}
	out.TasksByType = map[task.ScheduleType]int{}
	for _, st := range []task.ScheduleType{task.ScheduleExplicit, task.ScheduleInterval, task.SchedulePriority} {
		n, err := m.registry.Count(ctx, task.Filter{ScheduleTypes: []task.ScheduleType{st}})
		if err != nil {
			return SchedulerMetrics{}, task.NewSchedulerError(task.CodeMetrics, op, err)
		}
		out.TasksByType[st] = n
	}
	out.RunningTasks = m.executor.RunningCount()
	m.metrics.fill(&out)
	return out, nil
}

// SetCustomMetric records a caller-defined gauge in the metrics snapshot.
func (m *Manager) SetCustomMetric(key string, value float64) {
	m.metrics.SetCustom(key, value)
}

// Reset stops the scheduler, clears every task, and zeroes the metrics,
// returning the manager to a freshly-initialized state.
func (m *Manager) Reset(ctx context.Context) error {
	m.StopScheduler()
	if err := m.registry.Clear(ctx); err != nil {
		return task.NewSchedulerError(task.CodeReset, "manager.Reset", err)
	}
	m.metrics.reset()
	m.log.Info("scheduler manager reset")
	return nil
}
