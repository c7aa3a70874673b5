package strategy

import (
	"time"

	"github.com/gabmichels/cw-agent-swarm-sub017/internal/task"
	"github.com/gabmichels/cw-agent-swarm-sub017/internal/task/dates"
)

// Interval fires tasks on a repeating cadence, either a duration-like
// expression ("30m", "02:00") or a cron expression, bounded by an optional
// max-execution budget.
type Interval struct {
	dates *dates.Processor
}

// NewInterval returns the interval strategy backed by the given date
// processor. A nil processor gets a default one.
func NewInterval(p *dates.Processor) *Interval {
	if p == nil {
		p = dates.NewProcessor()
	}
	return &Interval{dates: p}
}

func (*Interval) ID() string   { return "interval" }
func (*Interval) Name() string { return "Interval Strategy" }

func (*Interval) AppliesTo(t *task.Task) bool {
	return t != nil && t.ScheduleType == task.ScheduleInterval && t.Interval != nil
}

// IsDue reports whether the cadence has elapsed since the last execution
// (creation time for a never-run task). An exhausted budget or an unparsable
// cadence is never due.
func (s *Interval) IsDue(t *task.Task, now time.Time) bool {
	if t == nil || t.Status != task.StatusPending || t.Interval == nil {
		return false
	}
	if t.Interval.Exhausted() {
		return false
	}
	next, ok := s.nextAfterBase(t)
	if !ok {
		return false
	}
	return !next.After(now)
}

// NextExecution computes the next fire time from the cadence. ok=false when
// the budget is exhausted or the cadence cannot be parsed.
func (s *Interval) NextExecution(t *task.Task, _ time.Time) (time.Time, bool) {
	if t == nil || t.Interval == nil || t.Interval.Exhausted() {
		return time.Time{}, false
	}
	return s.nextAfterBase(t)
}

func (s *Interval) nextAfterBase(t *task.Task) (time.Time, bool) {
	base := t.LastExecutedAt
	if base.IsZero() {
		base = t.CreatedAt
	}
	if cron := t.Interval.Cron; cron != "" {
		return s.dates.NextExecutionFromCron(cron, base)
	}
	d, ok := s.dates.CalculateInterval(t.Interval.Expression)
	if !ok {
		return time.Time{}, false
	}
	return base.Add(d), true
}
