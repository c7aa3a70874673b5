package manager

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gabmichels/cw-agent-swarm-sub017/internal/config"
	"github.com/gabmichels/cw-agent-swarm-sub017/internal/eventbus"
	"github.com/gabmichels/cw-agent-swarm-sub017/internal/task"
	"github.com/gabmichels/cw-agent-swarm-sub017/internal/task/executor"
	"github.com/gabmichels/cw-agent-swarm-sub017/internal/task/registry"
	"github.com/gabmichels/cw-agent-swarm-sub017/internal/task/scheduling"
	"github.com/gabmichels/cw-agent-swarm-sub017/internal/task/strategy"
	"github.com/gabmichels/cw-agent-swarm-sub017/pkg/logx"
)

func newTestManager(t *testing.T, cfg config.SchedulerConfig) (*Manager, *executor.Executor) {
	t.Helper()
	sched, err := scheduling.New(logx.Nop(),
		strategy.NewExplicit(),
		strategy.NewInterval(nil),
		strategy.NewPriority(task.PriorityHigh, nil),
	)
	if err != nil {
		t.Fatalf("scheduling.New: %v", err)
	}
	exec := executor.New(executor.Config{}, logx.Nop(), eventbus.New())
	exec.Start()
	t.Cleanup(exec.Stop)

	m, err := New(Options{
		AgentID:   "test-agent",
		Registry:  registry.NewMemory(),
		Scheduler: sched,
		Executor:  exec,
		Log:       logx.Nop(),
		Bus:       eventbus.New(),
		Config:    cfg,
	})
	if err != nil {
		t.Fatalf("manager.New: %v", err)
	}
	t.Cleanup(func() { m.StopScheduler() })
	return m, exec
}

func registerEcho(e *executor.Executor) {
	e.Register("echo", func(_ context.Context, tk *task.Task) (any, error) {
		return tk.Name, nil
	})
}

func overdueEchoTask(name string) *task.Task {
	tk := task.NewExplicit(name, time.Now().Add(-time.Minute))
	tk.Handler = "echo"
	return tk
}

func TestCreateTaskVagueTermResolution(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, config.Default().Scheduler)

	tk := task.New("rush job", task.ScheduleExplicit)
	tk.ScheduleExpression = "urgent"
	tk.Priority = task.PriorityLow // overridden by the vague term

	created, err := m.CreateTask(context.Background(), tk)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if created.ScheduledTime.IsZero() {
		t.Fatalf("vague term should set a scheduled time")
	}
	if created.Priority != task.PriorityUrgent {
		t.Fatalf("priority = %d, want urgent from vague term", created.Priority)
	}
}

func TestCreateTaskNaturalLanguageResolution(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, config.Default().Scheduler)

	tk := task.New("follow up", task.ScheduleExplicit)
	tk.ScheduleExpression = "tomorrow at 9am"
	tk.Priority = task.PriorityLow

	created, err := m.CreateTask(context.Background(), tk)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if created.ScheduledTime.IsZero() {
		t.Fatalf("NL expression should set a scheduled time")
	}
	if created.ScheduledTime.Hour() != 9 {
		t.Fatalf("hour = %d, want 9", created.ScheduledTime.Hour())
	}
	// NL parsing sets time only; priority is untouched.
	if created.Priority != task.PriorityLow {
		t.Fatalf("priority = %d, want unchanged low", created.Priority)
	}
}

func TestCreateTaskRejectsInvalid(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, config.Default().Scheduler)

	_, err := m.CreateTask(context.Background(), task.New("", task.ScheduleExplicit))
	if task.CodeOf(err) != task.CodeTaskCreation {
		t.Fatalf("code = %q, want TASK_CREATION_ERROR", task.CodeOf(err))
	}
	if _, err := m.CreateTask(context.Background(), nil); task.CodeOf(err) != task.CodeTaskCreation {
		t.Fatalf("nil task: code = %q", task.CodeOf(err))
	}
}

func TestCreateTaskDetectsDependencyCycle(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, config.Default().Scheduler)
	ctx := context.Background()

	a, err := m.CreateTask(ctx, overdueEchoTask("a"))
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	b := overdueEchoTask("b")
	b.Dependencies = []task.Dependency{{TaskID: a.ID, RequiredStatus: task.StatusCompleted}}
	b, err = m.CreateTask(ctx, b)
	if err != nil {
		t.Fatalf("create b: %v", err)
	}

	// Closing the loop a -> b must be rejected.
	a2, err := m.GetTask(ctx, a.ID)
	if err != nil {
		t.Fatalf("get a: %v", err)
	}
	a2.Dependencies = []task.Dependency{{TaskID: b.ID, RequiredStatus: task.StatusCompleted}}
	if err := m.UpdateTask(ctx, a2); task.CodeOf(err) != task.CodeTaskUpdate {
		t.Fatalf("cycle update: code = %q, want TASK_UPDATE_ERROR", task.CodeOf(err))
	}
}

func TestGetTaskNotFound(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, config.Default().Scheduler)
	if _, err := m.GetTask(context.Background(), "missing"); task.CodeOf(err) != task.CodeTaskNotFound {
		t.Fatalf("code = %q, want TASK_NOT_FOUND", task.CodeOf(err))
	}
}

func TestExecuteDueTasksFullCycle(t *testing.T) {
	t.Parallel()
	m, exec := newTestManager(t, config.Default().Scheduler)
	registerEcho(exec)
	ctx := context.Background()

	overdue, err := m.CreateTask(ctx, overdueEchoTask("overdue"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	future := task.NewExplicit("future", time.Now().Add(time.Hour))
	future.Handler = "echo"
	if _, err := m.CreateTask(ctx, future); err != nil {
		t.Fatalf("create future: %v", err)
	}

	results, err := m.ExecuteDueTasks(ctx)
	if err != nil {
		t.Fatalf("ExecuteDueTasks: %v", err)
	}
	if len(results) != 1 || results[0].TaskID != overdue.ID {
		t.Fatalf("results = %+v, want just the overdue task", results)
	}
	if !results[0].Successful {
		t.Fatalf("result = %+v, want success", results[0])
	}

	stored, err := m.GetTask(ctx, overdue.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if stored.Status != task.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", stored.Status)
	}
	if stored.LastExecutedAt.IsZero() {
		t.Fatalf("lastExecutedAt not persisted")
	}
}

func TestExecuteDueTasksEmptySetNoError(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, config.Default().Scheduler)

	results, err := m.ExecuteDueTasks(context.Background())
	if err != nil {
		t.Fatalf("empty cycle must not error: %v", err)
	}
	if results == nil || len(results) != 0 {
		t.Fatalf("results = %v, want empty non-nil slice", results)
	}
}

func TestExecuteDueTasksTaskFailureDoesNotAbortCycle(t *testing.T) {
	t.Parallel()
	m, exec := newTestManager(t, config.Default().Scheduler)
	registerEcho(exec)
	exec.Register("boom", func(context.Context, *task.Task) (any, error) {
		return nil, errors.New("handler failed")
	})
	ctx := context.Background()

	bad := task.NewExplicit("bad", time.Now().Add(-time.Minute))
	bad.Handler = "boom"
	if _, err := m.CreateTask(ctx, bad); err != nil {
		t.Fatalf("create bad: %v", err)
	}
	if _, err := m.CreateTask(ctx, overdueEchoTask("good")); err != nil {
		t.Fatalf("create good: %v", err)
	}

	results, err := m.ExecuteDueTasks(ctx)
	if err != nil {
		t.Fatalf("cycle must not abort on task failure: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}
	var ok, failed int
	for _, r := range results {
		if r.Successful {
			ok++
		} else {
			failed++
		}
	}
	if ok != 1 || failed != 1 {
		t.Fatalf("ok=%d failed=%d, want 1/1", ok, failed)
	}
}

func TestExecuteDueTasksIntervalReArm(t *testing.T) {
	t.Parallel()
	m, exec := newTestManager(t, config.Default().Scheduler)
	registerEcho(exec)
	ctx := context.Background()

	tk := task.NewInterval("repeater", "1ms")
	tk.Handler = "echo"
	tk.Interval.MaxExecutions = 2
	created, err := m.CreateTask(ctx, tk)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	if _, err := m.ExecuteDueTasks(ctx); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	stored, _ := m.GetTask(ctx, created.ID)
	if stored.Status != task.StatusPending {
		t.Fatalf("status = %s, want re-armed PENDING", stored.Status)
	}
	if stored.Interval.ExecutionCount != 1 {
		t.Fatalf("executionCount = %d, want 1", stored.Interval.ExecutionCount)
	}

	time.Sleep(5 * time.Millisecond)
	if _, err := m.ExecuteDueTasks(ctx); err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	stored, _ = m.GetTask(ctx, created.ID)
	if stored.Status != task.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED after budget exhausted", stored.Status)
	}
	if stored.Interval.ExecutionCount != 2 {
		t.Fatalf("executionCount = %d, want 2", stored.Interval.ExecutionCount)
	}
}

func TestExecuteDueTasksDependencyGating(t *testing.T) {
	t.Parallel()
	m, exec := newTestManager(t, config.Default().Scheduler)
	registerEcho(exec)
	ctx := context.Background()

	blocker := task.NewExplicit("blocker", time.Now().Add(time.Hour)) // not due
	blocker.Handler = "echo"
	blocker, err := m.CreateTask(ctx, blocker)
	if err != nil {
		t.Fatalf("create blocker: %v", err)
	}

	gated := overdueEchoTask("gated")
	gated.Dependencies = []task.Dependency{{TaskID: blocker.ID, RequiredStatus: task.StatusCompleted}}
	gated, err = m.CreateTask(ctx, gated)
	if err != nil {
		t.Fatalf("create gated: %v", err)
	}

	results, err := m.ExecuteDueTasks(ctx)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("gated task executed before its dependency: %+v", results)
	}

	// Satisfy the dependency and the task runs on the next cycle.
	if _, err := m.ExecuteTaskNow(ctx, blocker.ID); err != nil {
		t.Fatalf("ExecuteTaskNow: %v", err)
	}
	results, err = m.ExecuteDueTasks(ctx)
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if len(results) != 1 || results[0].TaskID != gated.ID {
		t.Fatalf("results = %+v, want the gated task", results)
	}
}

func TestExecuteTaskNow(t *testing.T) {
	t.Parallel()
	m, exec := newTestManager(t, config.Default().Scheduler)
	registerEcho(exec)
	ctx := context.Background()

	// Far-future task: not due, but ExecuteTaskNow bypasses the due check.
	tk := task.NewExplicit("later", time.Now().Add(24*time.Hour))
	tk.Handler = "echo"
	created, err := m.CreateTask(ctx, tk)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	res, err := m.ExecuteTaskNow(ctx, created.ID)
	if err != nil {
		t.Fatalf("ExecuteTaskNow: %v", err)
	}
	if !res.Successful {
		t.Fatalf("result = %+v, want success", res)
	}

	if _, err := m.ExecuteTaskNow(ctx, "missing"); task.CodeOf(err) != task.CodeTaskNotFound {
		t.Fatalf("code = %q, want TASK_NOT_FOUND", task.CodeOf(err))
	}
}

func TestStartStopScheduler(t *testing.T) {
	t.Parallel()
	cfg := config.Default().Scheduler
	cfg.SchedulingInterval = 10 * time.Millisecond
	m, exec := newTestManager(t, cfg)
	registerEcho(exec)
	ctx := context.Background()

	if _, err := m.CreateTask(ctx, overdueEchoTask("loop")); err != nil {
		t.Fatalf("create: %v", err)
	}

	if !m.StartScheduler() {
		t.Fatalf("StartScheduler should return true")
	}
	if m.StartScheduler() {
		t.Fatalf("second StartScheduler should be a false no-op")
	}

	// The first cycle fires immediately; the task completes well before the
	// deadline even on a slow machine.
	deadline := time.Now().Add(2 * time.Second)
	for {
		results, err := m.FindTasks(ctx, task.Filter{Statuses: []task.Status{task.StatusCompleted}})
		if err != nil {
			t.Fatalf("FindTasks: %v", err)
		}
		if len(results) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task never executed by the loop")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if !m.StopScheduler() {
		t.Fatalf("StopScheduler should return true")
	}
	if m.StopScheduler() {
		t.Fatalf("second StopScheduler should be a false no-op")
	}
}

func TestInitializeAutoStart(t *testing.T) {
	t.Parallel()
	cfg := config.Default().Scheduler
	cfg.SchedulingInterval = 50 * time.Millisecond
	m, _ := newTestManager(t, cfg)

	if err := m.Initialize(nil); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if !m.IsRunning() {
		t.Fatalf("enabled+auto config should start the loop")
	}
	m.StopScheduler()

	off := cfg
	off.EnableAutoScheduling = false
	if err := m.Initialize(&off); err != nil {
		t.Fatalf("re-Initialize: %v", err)
	}
	if m.IsRunning() {
		t.Fatalf("auto-scheduling disabled, loop must stay stopped")
	}
}

func TestGetMetrics(t *testing.T) {
	t.Parallel()
	m, exec := newTestManager(t, config.Default().Scheduler)
	registerEcho(exec)
	ctx := context.Background()

	if _, err := m.CreateTask(ctx, overdueEchoTask("one")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.ExecuteDueTasks(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	got, err := m.GetMetrics(ctx)
	if err != nil {
		t.Fatalf("GetMetrics: %v", err)
	}
	if got.AgentID != "test-agent" {
		t.Fatalf("agent = %q", got.AgentID)
	}
	if got.TasksByStatus[task.StatusCompleted] != 1 {
		t.Fatalf("completed count = %d, want 1", got.TasksByStatus[task.StatusCompleted])
	}
	if got.TasksByType[task.ScheduleExplicit] != 1 {
		t.Fatalf("explicit count = %d, want 1", got.TasksByType[task.ScheduleExplicit])
	}
	if got.SuccessCount != 1 {
		t.Fatalf("success count = %d, want 1", got.SuccessCount)
	}
	if got.LoopIterations != 1 {
		t.Fatalf("loop iterations = %d, want 1", got.LoopIterations)
	}

	var hourly uint64
	for _, n := range got.HourlyExecutions {
		hourly += n
	}
	if hourly != 1 {
		t.Fatalf("hourly histogram total = %d, want 1", hourly)
	}

	limits := config.Default().Scheduler.Resources
	res := got.Resources
	if res.MaxCPUPercent != limits.MaxCPUPercent ||
		res.MaxMemoryMB != limits.MaxMemoryMB ||
		res.MaxTokensPerMinute != limits.MaxTokensPerMinute ||
		res.MaxAPICallsPerMinute != limits.MaxAPICallsPerMinute {
		t.Fatalf("resource ceilings %+v do not mirror config %+v", res, limits)
	}
	if res.MemoryMB <= 0 {
		t.Fatalf("memory utilization = %v, want > 0", res.MemoryMB)
	}
	if res.Goroutines <= 0 {
		t.Fatalf("goroutine count = %d, want > 0", res.Goroutines)
	}
}

func TestReset(t *testing.T) {
	t.Parallel()
	m, exec := newTestManager(t, config.Default().Scheduler)
	registerEcho(exec)
	ctx := context.Background()

	if _, err := m.CreateTask(ctx, overdueEchoTask("gone")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.ExecuteDueTasks(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	m.StartScheduler()

	if err := m.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if m.IsRunning() {
		t.Fatalf("Reset must stop the loop")
	}
	tasks, err := m.FindTasks(ctx, task.Filter{})
	if err != nil {
		t.Fatalf("FindTasks: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("registry not cleared: %d tasks", len(tasks))
	}
	got, err := m.GetMetrics(ctx)
	if err != nil {
		t.Fatalf("GetMetrics: %v", err)
	}
	if got.SuccessCount != 0 || got.LoopIterations != 0 {
		t.Fatalf("metrics not zeroed: %+v", got)
	}
}

// A paused executor must not turn due tasks into failures: the cycle leaves
// them PENDING with no error info and no interval budget consumed, and they
// execute normally once resumed.
func TestExecuteDueTasksPausedExecutorLeavesTasksPending(t *testing.T) {
	t.Parallel()
	m, exec := newTestManager(t, config.Default().Scheduler)
	registerEcho(exec)
	ctx := context.Background()

	tk := task.NewInterval("paused repeater", "1ms")
	tk.Handler = "echo"
	tk.Interval.MaxExecutions = 3
	created, err := m.CreateTask(ctx, tk)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	exec.Pause()
	results, err := m.ExecuteDueTasks(ctx)
	if err != nil {
		t.Fatalf("paused cycle: %v", err)
	}
	for _, r := range results {
		if r.Dispatched() {
			t.Fatalf("result = %+v, nothing should dispatch while paused", r)
		}
	}

	stored, err := m.GetTask(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if stored.Status != task.StatusPending {
		t.Fatalf("status = %s, want PENDING after paused cycle", stored.Status)
	}
	if stored.Interval.ExecutionCount != 0 {
		t.Fatalf("executionCount = %d, paused cycle must not consume budget", stored.Interval.ExecutionCount)
	}
	if stored.Metadata.ErrorInfo != nil {
		t.Fatalf("errorInfo = %+v, want none", stored.Metadata.ErrorInfo)
	}
	got, err := m.GetMetrics(ctx)
	if err != nil {
		t.Fatalf("GetMetrics: %v", err)
	}
	if got.FailureCount != 0 || got.SuccessCount != 0 {
		t.Fatalf("metrics counted an attempt that never happened: %+v", got)
	}

	exec.Resume()
	results, err = m.ExecuteDueTasks(ctx)
	if err != nil {
		t.Fatalf("resumed cycle: %v", err)
	}
	if len(results) != 1 || !results[0].Successful {
		t.Fatalf("results = %+v, want one success after resume", results)
	}
	stored, _ = m.GetTask(ctx, created.ID)
	if stored.Interval.ExecutionCount != 1 {
		t.Fatalf("executionCount = %d, want 1 after the real run", stored.Interval.ExecutionCount)
	}
}

// End-to-end: an "urgent" task is scheduled for now at top priority, comes up
// due on the very next cycle, and executes.
func TestUrgentTaskEndToEnd(t *testing.T) {
	t.Parallel()
	m, exec := newTestManager(t, config.Default().Scheduler)
	registerEcho(exec)
	ctx := context.Background()

	tk := task.New("drop everything", task.ScheduleExplicit)
	tk.Handler = "echo"
	tk.ScheduleExpression = "urgent"
	created, err := m.CreateTask(ctx, tk)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if created.Priority != task.PriorityUrgent {
		t.Fatalf("priority = %d, want 10", created.Priority)
	}

	results, err := m.ExecuteDueTasks(ctx)
	if err != nil {
		t.Fatalf("ExecuteDueTasks: %v", err)
	}
	if len(results) != 1 || !results[0].Successful {
		t.Fatalf("results = %+v, want one successful execution", results)
	}
	stored, err := m.GetTask(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if stored.Status != task.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", stored.Status)
	}
}

func TestExecuteAgentDueTasks(t *testing.T) {
	t.Parallel()
	m, exec := newTestManager(t, config.Default().Scheduler)
	registerEcho(exec)
	ctx := context.Background()

	if _, err := m.CreateTask(ctx, overdueEchoTask("mine")); err != nil {
		t.Fatalf("create: %v", err)
	}

	results, err := m.ExecuteAgentDueTasks(ctx, "test-agent")
	if err != nil {
		t.Fatalf("ExecuteAgentDueTasks: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("len(results) = %d, want 1", len(results))
	}

	if _, err := m.ExecuteAgentDueTasks(ctx, "someone-else"); err == nil {
		t.Fatalf("wrong agent ID must be rejected")
	}
}
