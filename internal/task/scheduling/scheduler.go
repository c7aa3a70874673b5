// Package scheduling decides which tasks are due by consulting a mutable set
// of strategies. A task is due when ANY applicable strategy says so; its next
// execution time is the MINIMUM over applicable strategies that report one.
package scheduling

import (
	"sync"
	"time"

	"github.com/gabmichels/cw-agent-swarm-sub017/internal/task"
	"github.com/gabmichels/cw-agent-swarm-sub017/internal/task/strategy"
	"github.com/gabmichels/cw-agent-swarm-sub017/pkg/logx"
)

// Scheduler holds an ordered set of strategies keyed by their IDs. Safe for
// concurrent use.
type Scheduler struct {
	log logx.Logger

	mu         sync.RWMutex
	strategies []strategy.Strategy
}

// New returns a scheduler with the given strategies. Duplicate or nil
// strategies are rejected the same way AddStrategy rejects them.
func New(log logx.Logger, strategies ...strategy.Strategy) (*Scheduler, error) {
	s := &Scheduler{log: log}
	for _, st := range strategies {
		if err := s.AddStrategy(st); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// AddStrategy registers a strategy. A nil strategy or one with an empty ID is
// INVALID_STRATEGY; an already-registered ID is DUPLICATE_STRATEGY.
func (s *Scheduler) AddStrategy(st strategy.Strategy) error {
	if st == nil || st.ID() == "" {
		return task.NewSchedulerError(task.CodeInvalidStrategy, "scheduling.AddStrategy", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, have := range s.strategies {
		if have.ID() == st.ID() {
			return task.NewSchedulerError(task.CodeDuplicateStrategy, "scheduling.AddStrategy", nil)
		}
	}
	s.strategies = append(s.strategies, st)
	s.log.Debug("strategy registered", logx.String("strategy", st.ID()))
	return nil
}

// RemoveStrategy unregisters by ID. Unknown IDs are INVALID_STRATEGY.
func (s *Scheduler) RemoveStrategy(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, have := range s.strategies {
		if have.ID() == id {
			s.strategies = append(s.strategies[:i], s.strategies[i+1:]...)
			s.log.Debug("strategy removed", logx.String("strategy", id))
			return nil
		}
	}
	return task.NewSchedulerError(task.CodeInvalidStrategy, "scheduling.RemoveStrategy", nil)
}

// Strategies returns a snapshot of the registered strategies.
func (s *Scheduler) Strategies() []strategy.Strategy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]strategy.Strategy(nil), s.strategies...)
}

// DueTasks filters tasks down to the due subset, preserving input order.
// Tasks no registered strategy applies to are skipped, not errors. An empty
// strategy set is NO_STRATEGIES.
func (s *Scheduler) DueTasks(tasks []*task.Task, now time.Time) ([]*task.Task, error) {
	s.mu.RLock()
	strategies := s.strategies
	s.mu.RUnlock()
	if len(strategies) == 0 {
		return nil, task.NewSchedulerError(task.CodeNoStrategies, "scheduling.DueTasks", nil)
	}

	var due []*task.Task
	for _, t := range tasks {
		if t == nil {
			continue
		}
		if taskDue(strategies, t, now) {
			due = append(due, t)
		}
	}
	return due, nil
}

// IsDue reports whether any applicable strategy considers the task due.
func (s *Scheduler) IsDue(t *task.Task, now time.Time) (bool, error) {
	s.mu.RLock()
	strategies := s.strategies
	s.mu.RUnlock()
	if len(strategies) == 0 {
		return false, task.NewSchedulerError(task.CodeNoStrategies, "scheduling.IsDue", nil)
	}
	if t == nil {
		return false, nil
	}
	return taskDue(strategies, t, now), nil
}

// NextExecution returns the earliest next fire time over the applicable
// strategies. ok=false when no applicable strategy reports one.
//
// Note the asymmetry with IsDue: due-ness is an OR, the next time is a MIN.
// A task due under one strategy may still report a later next time from
// another; callers treat the two answers independently.
func (s *Scheduler) NextExecution(t *task.Task, now time.Time) (time.Time, bool, error) {
	s.mu.RLock()
	strategies := s.strategies
	s.mu.RUnlock()
	if len(strategies) == 0 {
		return time.Time{}, false, task.NewSchedulerError(task.CodeNoStrategies, "scheduling.NextExecution", nil)
	}
	if t == nil {
		return time.Time{}, false, nil
	}

	var (
		best  time.Time
		found bool
	)
	for _, st := range strategies {
		if !st.AppliesTo(t) {
			continue
		}
		next, ok := st.NextExecution(t, now)
		if !ok || next.IsZero() {
			continue
		}
		if !found || next.Before(best) {
			best = next
			found = true
		}
	}
	return best, found, nil
}

func taskDue(strategies []strategy.Strategy, t *task.Task, now time.Time) bool {
	for _, st := range strategies {
		if !st.AppliesTo(t) {
			continue
		}
		if st.IsDue(t, now) {
			return true
		}
	}
	return false
}
