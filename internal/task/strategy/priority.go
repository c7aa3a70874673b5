package strategy

import (
	"time"

	"github.com/gabmichels/cw-agent-swarm-sub017/internal/task"
)

// LoadProbe reports current system load in [0,1]. Under load the effective
// threshold rises, so only increasingly urgent tasks fire.
type LoadProbe func() float64

// Priority fires tasks opportunistically when their urgency clears a
// load-adjusted threshold. It is not clock-driven and therefore never
// contributes a next execution time.
type Priority struct {
	threshold task.Priority
	load      LoadProbe
}

// NewPriority returns the priority strategy. threshold is the baseline
// urgency below which nothing fires; probe may be nil for an unloaded system.
func NewPriority(threshold task.Priority, probe LoadProbe) *Priority {
	return &Priority{threshold: threshold.Clamp(), load: probe}
}

func (*Priority) ID() string   { return "priority" }
func (*Priority) Name() string { return "Priority Strategy" }

func (*Priority) AppliesTo(t *task.Task) bool {
	return t != nil && t.ScheduleType == task.SchedulePriority
}

// IsDue compares the task's priority against the effective threshold. Load
// shifts the threshold linearly toward the maximum: at full load only
// maximum-urgency tasks are due.
func (s *Priority) IsDue(t *task.Task, _ time.Time) bool {
	if t == nil || t.Status != task.StatusPending {
		return false
	}
	return t.Priority >= s.effectiveThreshold()
}

// NextExecution always reports no next time; priority tasks have no clock.
func (*Priority) NextExecution(*task.Task, time.Time) (time.Time, bool) {
	return time.Time{}, false
}

func (s *Priority) effectiveThreshold() task.Priority {
	eff := s.threshold
	if s.load != nil {
		l := s.load()
		if l < 0 {
			l = 0
		}
		if l > 1 {
			l = 1
		}
		slack := float64(task.MaxPriority - s.threshold)
		eff = s.threshold + task.Priority(l*slack+0.5)
	}
	return eff.Clamp()
}
