package task

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a task.
//
// PENDING is the only re-entrant state: a DEFERRED task may return to PENDING,
// and an interval task is re-armed to PENDING after a completed run while it
// still has executions left.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
	StatusDeferred  Status = "DEFERRED"
)

// Terminal reports whether the status ends the task's lifecycle
// (unless an interval task is re-armed).
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled, StatusDeferred:
		return true
	}
	return false
}

// CanTransitionTo reports whether a transition from s to next is allowed.
func (s Status) CanTransitionTo(next Status) bool {
	if s == next {
		return true
	}
	switch s {
	case StatusPending:
		return next == StatusRunning || next == StatusCancelled || next == StatusDeferred
	case StatusRunning:
		return next == StatusCompleted || next == StatusFailed || next == StatusCancelled || next == StatusDeferred || next == StatusPending
	case StatusDeferred:
		return next == StatusPending || next == StatusCancelled
	case StatusCompleted, StatusFailed, StatusCancelled:
		// Terminal, except interval re-arming.
		return next == StatusPending
	}
	return false
}

// ScheduleType categorizes how a task's due-ness is computed.
type ScheduleType string

const (
	// ScheduleExplicit fires once at/after a specific time.
	ScheduleExplicit ScheduleType = "EXPLICIT"
	// ScheduleInterval repeats on a cadence, optionally cron-driven,
	// optionally bounded by a max-execution count.
	ScheduleInterval ScheduleType = "INTERVAL"
	// SchedulePriority fires opportunistically based on relative priority
	// rather than a clock.
	SchedulePriority ScheduleType = "PRIORITY"
)

func (t ScheduleType) Valid() bool {
	switch t {
	case ScheduleExplicit, ScheduleInterval, SchedulePriority:
		return true
	}
	return false
}

// Priority is an integer urgency in 0..10 (higher = more urgent).
type Priority int

const (
	PriorityLow    Priority = 2
	PriorityMedium Priority = 5
	PriorityHigh   Priority = 8
	PriorityUrgent Priority = 10

	MinPriority Priority = 0
	MaxPriority Priority = 10

	DefaultPriority = PriorityMedium
)

func (p Priority) Valid() bool { return p >= MinPriority && p <= MaxPriority }

// Clamp bounds p into the valid range.
func (p Priority) Clamp() Priority {
	if p < MinPriority {
		return MinPriority
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}

// IntervalSpec describes the cadence of an INTERVAL task.
//
// Either Expression (a duration-like cadence, e.g. "30m" or "02:00") or Cron
// (a crontab expression) must be set. ExecutionCount is incremented exactly
// once per completed execution attempt, success or failure.
type IntervalSpec struct {
	Expression     string `json:"expression,omitempty"`
	Cron           string `json:"cron,omitempty"`
	MaxExecutions  int    `json:"max_executions,omitempty"` // 0 = unbounded
	ExecutionCount int    `json:"execution_count"`
}

// Exhausted reports whether the task has used up its execution budget.
func (i *IntervalSpec) Exhausted() bool {
	if i == nil {
		return false
	}
	return i.MaxExecutions > 0 && i.ExecutionCount >= i.MaxExecutions
}

// Dependency gates a task on another task reaching a required status.
type Dependency struct {
	TaskID         string `json:"task_id"`
	RequiredStatus Status `json:"required_status"`
}

// ErrorInfo is a structured record of an execution failure.
type ErrorInfo struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Stack   string `json:"stack,omitempty"`
}

// Metadata is the open bag carried by every task.
type Metadata struct {
	Tags          []string       `json:"tags,omitempty"`
	ExecutionTime time.Duration  `json:"execution_time,omitempty"`
	WaitTime      time.Duration  `json:"wait_time,omitempty"`
	RetryCount    int            `json:"retry_count,omitempty"`
	ErrorInfo     *ErrorInfo     `json:"error_info,omitempty"`
	Extra         map[string]any `json:"extra,omitempty"`
}

// Task is a unit of schedulable, potentially repeating work.
//
// The scheduler never interprets Handler/HandlerArgs; they are forwarded to
// the executor, which resolves Handler through its registry of handler kinds.
type Task struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`

	ScheduleType ScheduleType `json:"schedule_type"`
	Status       Status       `json:"status"`
	Priority     Priority     `json:"priority"`

	Handler     string         `json:"handler,omitempty"`
	HandlerArgs map[string]any `json:"handler_args,omitempty"`

	// ScheduledTime is the concrete fire time for EXPLICIT tasks.
	ScheduledTime time.Time `json:"scheduled_time,omitzero"`
	// ScheduleExpression carries the raw vague/natural-language input
	// ("urgent", "tomorrow at 9am"). It is resolved into ScheduledTime (and
	// possibly Priority) at creation time and kept for debugging.
	ScheduleExpression string `json:"schedule_expression,omitempty"`

	Interval     *IntervalSpec `json:"interval,omitempty"`
	Dependencies []Dependency  `json:"dependencies,omitempty"`

	CreatedAt              time.Time `json:"created_at"`
	UpdatedAt              time.Time `json:"updated_at"`
	LastExecutedAt         time.Time `json:"last_executed_at,omitzero"`
	ExpectedCompletionTime time.Time `json:"expected_completion_time,omitzero"`

	Metadata Metadata `json:"metadata"`
}

// New creates a task with every optional field filled with a safe default:
// a fresh time-ordered ID, status PENDING, priority 5, empty collections.
func New(name string, st ScheduleType) *Task {
	now := time.Now()
	return &Task{
		ID:           NewID(),
		Name:         name,
		ScheduleType: st,
		Status:       StatusPending,
		Priority:     DefaultPriority,
		HandlerArgs:  map[string]any{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// NewExplicit creates an EXPLICIT task firing at/after the given time.
func NewExplicit(name string, at time.Time) *Task {
	t := New(name, ScheduleExplicit)
	t.ScheduledTime = at
	return t
}

// NewInterval creates an INTERVAL task with a cadence expression ("30m", "02:00").
func NewInterval(name, expression string) *Task {
	t := New(name, ScheduleInterval)
	t.Interval = &IntervalSpec{Expression: expression}
	return t
}

// NewPriority creates a PRIORITY task fired opportunistically by urgency.
func NewPriority(name string, p Priority) *Task {
	t := New(name, SchedulePriority)
	t.Priority = p.Clamp()
	return t
}

// NewID returns a globally unique, lexicographically sortable identifier.
// UUIDv7 embeds a millisecond timestamp in the high bits, so canonical string
// form sorts roughly by creation time.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the entropy source does; fall back to v4.
		return uuid.NewString()
	}
	return id.String()
}

// ApplyDefaults fills zero-valued optional fields in place. It is applied by
// the manager before persisting caller-built tasks.
func (t *Task) ApplyDefaults() {
	now := time.Now()
	if t.ID == "" {
		t.ID = NewID()
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	if t.Priority == 0 {
		t.Priority = DefaultPriority
	}
	if t.HandlerArgs == nil {
		t.HandlerArgs = map[string]any{}
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}
}

// Validate rejects shapes that cannot be scheduled: missing name, unknown
// enum values, a cron/interval block on a non-interval task, out-of-range
// priority, or a direct self-dependency. (Transitive cycle detection is the
// manager's job; it needs the whole stored graph.)
func (t *Task) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("task name is required")
	}
	if !t.ScheduleType.Valid() {
		return fmt.Errorf("unknown schedule type %q", t.ScheduleType)
	}
	if !t.Status.Valid() {
		return fmt.Errorf("unknown status %q", t.Status)
	}
	if !t.Priority.Valid() {
		return fmt.Errorf("priority %d out of range [%d,%d]", t.Priority, MinPriority, MaxPriority)
	}
	switch t.ScheduleType {
	case ScheduleInterval:
		if t.Interval == nil {
			return fmt.Errorf("interval task requires an interval block")
		}
		if strings.TrimSpace(t.Interval.Expression) == "" && strings.TrimSpace(t.Interval.Cron) == "" {
			return fmt.Errorf("interval task requires a cadence expression or cron expression")
		}
		if t.Interval.MaxExecutions < 0 {
			return fmt.Errorf("max executions must be >= 0")
		}
	default:
		if t.Interval != nil {
			return fmt.Errorf("%s task must not carry an interval block", t.ScheduleType)
		}
	}
	for _, d := range t.Dependencies {
		if d.TaskID == t.ID {
			return fmt.Errorf("task %s depends on itself", t.ID)
		}
		if !d.RequiredStatus.Valid() {
			return fmt.Errorf("dependency on %s has unknown required status %q", d.TaskID, d.RequiredStatus)
		}
	}
	return nil
}

// Clone returns a deep copy. Registries hand out clones so callers can never
// mutate stored state without going through Update.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.Interval != nil {
		iv := *t.Interval
		cp.Interval = &iv
	}
	if t.Dependencies != nil {
		cp.Dependencies = append([]Dependency(nil), t.Dependencies...)
	}
	if t.HandlerArgs != nil {
		cp.HandlerArgs = make(map[string]any, len(t.HandlerArgs))
		for k, v := range t.HandlerArgs {
			cp.HandlerArgs[k] = v
		}
	}
	cp.Metadata = t.Metadata.clone()
	return &cp
}

func (m Metadata) clone() Metadata {
	cp := m
	if m.Tags != nil {
		cp.Tags = append([]string(nil), m.Tags...)
	}
	if m.ErrorInfo != nil {
		ei := *m.ErrorInfo
		cp.ErrorInfo = &ei
	}
	if m.Extra != nil {
		cp.Extra = make(map[string]any, len(m.Extra))
		for k, v := range m.Extra {
			cp.Extra[k] = v
		}
	}
	return cp
}

// HasTag reports whether the task carries the given tag.
func (t *Task) HasTag(tag string) bool {
	for _, g := range t.Metadata.Tags {
		if g == tag {
			return true
		}
	}
	return false
}
