// Package executor runs tasks through registered handlers under bounded
// concurrency, with per-task timeouts, cooperative cancellation, retry
// backoff, and an optional per-kind circuit breaker.
package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"

	"github.com/gabmichels/cw-agent-swarm-sub017/internal/eventbus"
	"github.com/gabmichels/cw-agent-swarm-sub017/internal/task"
	"github.com/gabmichels/cw-agent-swarm-sub017/pkg/logx"
)

// Handler executes one task kind. The returned value lands in
// ExecutionResult.Result; a returned error marks the attempt failed and is
// retried per config. Handlers must honor ctx.
type Handler func(ctx context.Context, t *task.Task) (any, error)

// Config tunes execution behavior. Zero values fall back to defaults.
type Config struct {
	// DefaultTimeout bounds a single task when it carries no expected
	// completion time. 0 disables the default bound.
	DefaultTimeout time.Duration
	// MaxRetries is the number of re-attempts after the first failure.
	MaxRetries int
	// RetryInitialInterval seeds the exponential backoff schedule.
	RetryInitialInterval time.Duration
	// RetryMaxInterval caps the backoff schedule.
	RetryMaxInterval time.Duration

	// BreakerEnabled turns on a per-kind circuit breaker.
	BreakerEnabled bool
	// BreakerMaxFailures is the consecutive-failure count that trips a kind's
	// breaker open.
	BreakerMaxFailures uint32
	// BreakerOpenTimeout is how long a tripped breaker stays open before
	// probing again.
	BreakerOpenTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = 500 * time.Millisecond
	}
	if c.RetryMaxInterval <= 0 {
		c.RetryMaxInterval = 30 * time.Second
	}
	if c.BreakerMaxFailures == 0 {
		c.BreakerMaxFailures = 5
	}
	if c.BreakerOpenTimeout <= 0 {
		c.BreakerOpenTimeout = 60 * time.Second
	}
	return c
}

// Executor dispatches tasks to handlers registered by kind.
type Executor struct {
	log logx.Logger
	bus eventbus.Bus
	cfg Config

	started atomic.Bool
	paused  atomic.Bool

	mu       sync.RWMutex
	handlers map[string]Handler
	running  map[string]context.CancelFunc
	breakers map[string]*gobreaker.CircuitBreaker
}

// New builds an executor. It must be started before it accepts work.
func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Executor {
	return &Executor{
		log:      log,
		bus:      bus,
		cfg:      cfg.withDefaults(),
		handlers: map[string]Handler{},
		running:  map[string]context.CancelFunc{},
		breakers: map[string]*gobreaker.CircuitBreaker{},
	}
}

// Register installs the handler for a kind, replacing any previous one.
func (e *Executor) Register(kind string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[kind] = h
}

// Kinds lists the registered handler kinds.
func (e *Executor) Kinds() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.handlers))
	for k := range e.handlers {
		out = append(out, k)
	}
	return out
}

// Start makes the executor accept work. Idempotent.
func (e *Executor) Start() { e.started.Store(true) }

// Stop rejects new work and cancels everything in flight.
func (e *Executor) Stop() {
	e.started.Store(false)
	e.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(e.running))
	for _, c := range e.running {
		cancels = append(cancels, c)
	}
	e.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

// Pause gates new dispatch. Tasks already running are unaffected.
func (e *Executor) Pause() { e.paused.Store(true) }

// Resume lifts a pause.
func (e *Executor) Resume() { e.paused.Store(false) }

// Cancel requests cooperative cancellation of a running task. It reports
// whether the task was running; the task itself decides when to stop.
func (e *Executor) Cancel(taskID string) bool {
	e.mu.RLock()
	cancel, ok := e.running[taskID]
	e.mu.RUnlock()
	if ok {
		cancel()
	}
	return ok
}

// RunningTasks lists the IDs currently in flight.
func (e *Executor) RunningTasks() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.running))
	for id := range e.running {
		out = append(out, id)
	}
	return out
}

// IsRunning reports whether a task is currently in flight.
func (e *Executor) IsRunning(taskID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.running[taskID]
	return ok
}

// RunningCount reports how many tasks are in flight.
func (e *Executor) RunningCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.running)
}

// ExecuteTask runs one task to completion and returns its result.
//
// Task-level failures (handler error, timeout, unknown kind, open breaker)
// are captured in the result, never returned as an error. The error return is
// reserved for infrastructure misuse: nil task, executor not started, or
// dispatch gated by Pause.
func (e *Executor) ExecuteTask(ctx context.Context, t *task.Task) (task.ExecutionResult, error) {
	if t == nil {
		return task.ExecutionResult{}, newError(ErrCodeNilTask, "executor.ExecuteTask", nil)
	}
	if !e.started.Load() {
		return task.ExecutionResult{}, newError(ErrCodeNotStarted, "executor.ExecuteTask", nil)
	}
	if e.paused.Load() {
		return task.ExecutionResult{}, newError(ErrCodePaused, "executor.ExecuteTask", nil)
	}

	start := time.Now()

	e.mu.RLock()
	handler, known := e.handlers[t.Handler]
	e.mu.RUnlock()
	if !known {
		res := task.NewExecutionResult(t.ID, task.StatusFailed, start, time.Now()).
			WithError(task.ErrorInfo{
				Message: fmt.Sprintf("no handler registered for kind %q", t.Handler),
				Code:    ResultCodeUnknownHandler,
			})
		e.publish(eventbus.TypeTaskFailed, res)
		return res, nil
	}

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if deadline, ok := e.deadlineFor(t, start); ok {
		runCtx, cancel = context.WithDeadline(ctx, deadline)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	e.mu.Lock()
	e.running[t.ID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.running, t.ID)
		e.mu.Unlock()
	}()

	e.publish(eventbus.TypeTaskStarted, map[string]any{"task_id": t.ID, "name": t.Name})
	e.log.Debug("executing task",
		logx.String("task_id", t.ID),
		logx.String("handler", t.Handler))

	attempts := 0
	value, err := e.runThroughBreaker(runCtx, t, handler, &attempts)

	end := time.Now()
	res := task.NewExecutionResult(t.ID, task.StatusCompleted, start, end)
	res.WasRetry = attempts > 1
	if attempts > 0 {
		res.RetryCount = attempts - 1
	}

	switch {
	case err == nil:
		res.Result = value
		e.publish(eventbus.TypeTaskCompleted, res)

	case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
		res = res.WithError(task.ErrorInfo{
			Message: fmt.Sprintf("circuit open for handler kind %q", t.Handler),
			Code:    ResultCodeCircuitOpen,
		})
		e.publish(eventbus.TypeTaskFailed, res)

	case errors.Is(err, context.DeadlineExceeded) || errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res = res.WithError(task.ErrorInfo{
			Message: "task exceeded its completion deadline",
			Code:    ResultCodeTimeout,
		})
		e.publish(eventbus.TypeTaskFailed, res)

	case errors.Is(err, context.Canceled) || errors.Is(runCtx.Err(), context.Canceled):
		res.Status = task.StatusCancelled
		res.Successful = false
		res.Error = &task.ErrorInfo{Message: "task cancelled", Code: ResultCodeCancelled}
		e.publish(eventbus.TypeTaskCancelled, res)

	default:
		res = res.WithError(task.ErrorInfo{
			Message: err.Error(),
			Code:    ResultCodeExecution,
		})
		e.publish(eventbus.TypeTaskFailed, res)
	}

	if !res.Successful {
		e.log.Warn("task execution finished unsuccessfully",
			logx.String("task_id", t.ID),
			logx.String("status", string(res.Status)),
			logx.Int("retries", res.RetryCount))
	}
	return res, nil
}

// ExecuteTasks runs a batch under a concurrency bound. Results are positional:
// results[i] always belongs to tasks[i] regardless of completion order. A nil
// task in the batch yields a failed result at its position.
//
// Tasks the batch never hands to a handler — dispatch gated by Pause, or the
// context ending before their slot came up — occupy their position as
// not-dispatched markers (see task.NotDispatched). They record no failure:
// the task was not attempted and its stored state must stay as it was.
func (e *Executor) ExecuteTasks(ctx context.Context, tasks []*task.Task, maxConcurrent int) ([]task.ExecutionResult, error) {
	if !e.started.Load() {
		return nil, newError(ErrCodeNotStarted, "executor.ExecuteTasks", nil)
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	sem := semaphore.NewWeighted(int64(maxConcurrent))
	results := make([]task.ExecutionResult, len(tasks))
	var wg sync.WaitGroup

	for i, t := range tasks {
		if t == nil {
			now := time.Now()
			results[i] = task.NewExecutionResult("", task.StatusFailed, now, now).
				WithError(task.ErrorInfo{Message: "nil task in batch", Code: ResultCodeExecution})
			continue
		}
		if e.paused.Load() {
			results[i] = task.NotDispatched(t.ID)
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			// Context gone before this slot started.
			results[i] = task.NotDispatched(t.ID)
			continue
		}
		wg.Add(1)
		go func(i int, t *task.Task) {
			defer wg.Done()
			defer sem.Release(1)
			res, err := e.ExecuteTask(ctx, t)
			if err != nil {
				// Pause or Stop raced the dispatch; the handler never ran.
				res = task.NotDispatched(t.ID)
			}
			results[i] = res
		}(i, t)
	}
	wg.Wait()
	return results, nil
}

func (e *Executor) deadlineFor(t *task.Task, start time.Time) (time.Time, bool) {
	if !t.ExpectedCompletionTime.IsZero() && t.ExpectedCompletionTime.After(start) {
		return t.ExpectedCompletionTime, true
	}
	if e.cfg.DefaultTimeout > 0 {
		return start.Add(e.cfg.DefaultTimeout), true
	}
	return time.Time{}, false
}

func (e *Executor) runThroughBreaker(ctx context.Context, t *task.Task, h Handler, attempts *int) (any, error) {
	if !e.cfg.BreakerEnabled {
		return e.runWithRetry(ctx, t, h, attempts)
	}
	cb := e.breakerFor(t.Handler)
	return cb.Execute(func() (any, error) {
		return e.runWithRetry(ctx, t, h, attempts)
	})
}

func (e *Executor) breakerFor(kind string) *gobreaker.CircuitBreaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cb, ok := e.breakers[kind]; ok {
		return cb
	}
	maxFailures := e.cfg.BreakerMaxFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "handler:" + kind,
		Timeout: e.cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			e.log.Warn("circuit breaker state change",
				logx.String("breaker", name),
				logx.String("from", from.String()),
				logx.String("to", to.String()))
		},
	})
	e.breakers[kind] = cb
	return cb
}

func (e *Executor) runWithRetry(ctx context.Context, t *task.Task, h Handler, attempts *int) (any, error) {
	var value any

	op := func() error {
		*attempts++
		var err error
		value, err = e.invoke(ctx, t, h)
		if err == nil {
			return nil
		}
		// Context errors are final; retrying cannot help.
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return backoff.Permanent(err)
		}
		return err
	}

	if e.cfg.MaxRetries <= 0 {
		err := op()
		return value, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.RetryInitialInterval
	bo.MaxInterval = e.cfg.RetryMaxInterval
	bo.MaxElapsedTime = 0

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(e.cfg.MaxRetries)), ctx))
	return value, err
}

// invoke runs the handler with panic containment so a panicking handler
// becomes a failed attempt, not a crashed process.
func (e *Executor) invoke(ctx context.Context, t *task.Task, h Handler) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("task handler panicked",
				logx.String("task_id", t.ID),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return h(ctx, t)
}

func (e *Executor) publish(eventType string, data any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{Type: eventType, Data: data})
}
