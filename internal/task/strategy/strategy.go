// Package strategy defines the pluggable due-ness policies consumed by the
// strategy-based scheduler.
//
// Strategies are pure: determining due-ness or the next execution time never
// mutates the task. Dependency gating is deliberately not a strategy concern;
// the manager resolves dependencies against the whole stored graph.
package strategy

import (
	"time"

	"github.com/gabmichels/cw-agent-swarm-sub017/internal/task"
)

// Strategy answers "is this task due?" and "when next?" for the schedule
// shapes it declares via AppliesTo.
type Strategy interface {
	// ID is a stable identifier, unique within a scheduler.
	ID() string
	// Name is the human-facing label.
	Name() string
	// AppliesTo is a pure predicate on the task's schedule type/shape.
	AppliesTo(t *task.Task) bool
	// IsDue reports whether the task is eligible for execution at now.
	IsDue(t *task.Task, now time.Time) bool
	// NextExecution computes the next fire time strictly derived from the
	// task's schedule. ok=false when no next time exists (already fired,
	// exhausted, or the strategy is not time-driven).
	NextExecution(t *task.Task, now time.Time) (time.Time, bool)
}
