package manager

import (
	"context"
	"fmt"

	"github.com/gammazero/toposort"

	"github.com/gabmichels/cw-agent-swarm-sub017/internal/task"
)

// checkDependencyCycle verifies that adding/updating candidate keeps the
// stored dependency graph acyclic. Dangling references (a dependency on an
// unknown task) are allowed here; they simply gate the task until the target
// exists. Only cycles are rejected.
func (m *Manager) checkDependencyCycle(ctx context.Context, candidate *task.Task) error {
	if len(candidate.Dependencies) == 0 {
		return nil
	}

	all, err := m.registry.Find(ctx, task.Filter{})
	if err != nil {
		return fmt.Errorf("load dependency graph: %w", err)
	}

	deps := make(map[string][]string, len(all)+1)
	for _, t := range all {
		if t.ID == candidate.ID {
			continue // replaced by the candidate's edges
		}
		for _, d := range t.Dependencies {
			deps[t.ID] = append(deps[t.ID], d.TaskID)
		}
	}
	for _, d := range candidate.Dependencies {
		deps[candidate.ID] = append(deps[candidate.ID], d.TaskID)
	}

	var edges []toposort.Edge
	for id, targets := range deps {
		for _, dep := range targets {
			// dep must reach its required status before id runs.
			edges = append(edges, toposort.Edge{dep, id})
		}
	}
	if _, err := toposort.Toposort(edges); err != nil {
		return fmt.Errorf("dependency cycle involving task %s: %w", candidate.ID, err)
	}
	return nil
}

// dependenciesSatisfied reports whether every dependency target is in its
// required status. A missing target gates the task.
func (m *Manager) dependenciesSatisfied(ctx context.Context, t *task.Task) bool {
	for _, d := range t.Dependencies {
		target, err := m.registry.Get(ctx, d.TaskID)
		if err != nil {
			return false
		}
		if target.Status != d.RequiredStatus {
			return false
		}
	}
	return true
}
