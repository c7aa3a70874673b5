package registry

import (
	"context"
	"sync"
	"time"

	"github.com/gabmichels/cw-agent-swarm-sub017/internal/task"
)

// Memory is a mutex-guarded in-memory Registry.
type Memory struct {
	mu    sync.RWMutex
	tasks map[string]*task.Task
}

// NewMemory returns an empty in-memory registry.
func NewMemory() *Memory {
	return &Memory{tasks: map[string]*task.Task{}}
}

func (m *Memory) Store(ctx context.Context, t *task.Task) error {
	if err := ctx.Err(); err != nil {
		return newError(CodeBackend, "store", err)
	}
	if t == nil || t.ID == "" {
		return newError(CodeSerialization, "store", errTaskIDRequired)
	}
	m.mu.Lock()
	m.tasks[t.ID] = t.Clone()
	m.mu.Unlock()
	return nil
}

func (m *Memory) Get(ctx context.Context, id string) (*task.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, newError(CodeBackend, "get", err)
	}
	m.mu.RLock()
	t := m.tasks[id]
	m.mu.RUnlock()
	if t == nil {
		return nil, newError(CodeNotFound, "get", nil)
	}
	return t.Clone(), nil
}

func (m *Memory) Update(ctx context.Context, t *task.Task) error {
	if err := ctx.Err(); err != nil {
		return newError(CodeBackend, "update", err)
	}
	if t == nil || t.ID == "" {
		return newError(CodeSerialization, "update", errTaskIDRequired)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; !ok {
		return newError(CodeNotFound, "update", nil)
	}
	m.tasks[t.ID] = t.Clone()
	return nil
}

func (m *Memory) Delete(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, newError(CodeBackend, "delete", err)
	}
	m.mu.Lock()
	_, ok := m.tasks[id]
	delete(m.tasks, id)
	m.mu.Unlock()
	return ok, nil
}

func (m *Memory) Find(ctx context.Context, f task.Filter) ([]*task.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, newError(CodeBackend, "find", err)
	}
	m.mu.RLock()
	all := make([]*task.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		all = append(all, t)
	}
	m.mu.RUnlock()

	matched := f.Apply(all, time.Now())
	out := make([]*task.Task, len(matched))
	for i, t := range matched {
		out[i] = t.Clone()
	}
	return out, nil
}

func (m *Memory) Count(ctx context.Context, f task.Filter) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, newError(CodeBackend, "count", err)
	}
	// Pagination does not apply to counting.
	f.Limit = 0
	f.Offset = 0

	now := time.Now()
	n := 0
	m.mu.RLock()
	for _, t := range m.tasks {
		if f.Matches(t, now) {
			n++
		}
	}
	m.mu.RUnlock()
	return n, nil
}

func (m *Memory) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return newError(CodeBackend, "clear", err)
	}
	m.mu.Lock()
	m.tasks = map[string]*task.Task{}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error { return nil }
