// Package registry provides durable storage and querying of tasks.
//
// Two backends are included: an in-memory map (tests, ephemeral agents) and
// SQLite. Both surface failures as *registry.Error so callers never see
// backend-specific error types.
package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/gabmichels/cw-agent-swarm-sub017/internal/task"
)

// Registry is the persistence contract consumed by the scheduler manager.
//
// Implementations hand out deep copies; mutating a returned task has no
// effect until it is passed back through Update.
type Registry interface {
	// Store persists a new task. Storing an already-present ID overwrites it.
	Store(ctx context.Context, t *task.Task) error
	// Get returns the task or a NOT_FOUND error.
	Get(ctx context.Context, id string) (*task.Task, error)
	// Update replaces a stored task; fails with NOT_FOUND if absent.
	Update(ctx context.Context, t *task.Task) error
	// Delete removes a task, reporting whether anything was deleted.
	Delete(ctx context.Context, id string) (bool, error)
	// Find returns tasks matching the filter, sorted and paginated.
	Find(ctx context.Context, f task.Filter) ([]*task.Task, error)
	// Count returns the number of matching tasks, ignoring pagination.
	Count(ctx context.Context, f task.Filter) (int, error)
	// Clear removes every task.
	Clear(ctx context.Context) error

	Close() error
}

// ErrCode classifies registry failures.
type ErrCode string

const (
	CodeNotFound      ErrCode = "NOT_FOUND"
	CodeBackend       ErrCode = "BACKEND_ERROR"
	CodeSerialization ErrCode = "SERIALIZATION_ERROR"
)

// Error is the only error type the registry returns.
type Error struct {
	Code ErrCode
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("registry: %s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("registry: %s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(code ErrCode, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

var errTaskIDRequired = errors.New("task ID is required")

// IsNotFound reports whether err is a registry NOT_FOUND error.
func IsNotFound(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Code == CodeNotFound
}
