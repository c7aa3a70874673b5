package strategy

import (
	"time"

	"github.com/gabmichels/cw-agent-swarm-sub017/internal/task"
)

// Explicit fires tasks that carry a concrete scheduled time.
type Explicit struct{}

// NewExplicit returns the explicit-time strategy.
func NewExplicit() *Explicit { return &Explicit{} }

func (*Explicit) ID() string   { return "explicit-time" }
func (*Explicit) Name() string { return "Explicit Time Strategy" }

func (*Explicit) AppliesTo(t *task.Task) bool {
	return t != nil && t.ScheduleType == task.ScheduleExplicit
}

// IsDue is time reached, pending status, and a scheduled time actually set.
// A task with no scheduled time is never due under this strategy.
func (*Explicit) IsDue(t *task.Task, now time.Time) bool {
	if t == nil || t.Status != task.StatusPending {
		return false
	}
	if t.ScheduledTime.IsZero() {
		return false
	}
	return !t.ScheduledTime.After(now)
}

// NextExecution returns the scheduled time while the task is still pending.
// Once an explicit task has fired and is not re-armed there is no next time.
func (*Explicit) NextExecution(t *task.Task, _ time.Time) (time.Time, bool) {
	if t == nil || t.Status != task.StatusPending {
		return time.Time{}, false
	}
	if t.ScheduledTime.IsZero() {
		return time.Time{}, false
	}
	return t.ScheduledTime, true
}
