package task

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error code raised by the manager and
// scheduling layers. The set is closed; switch statements over it can be
// checked for exhaustiveness.
type Code string

const (
	CodeInitialization    Code = "INITIALIZATION_ERROR"
	CodeTaskCreation      Code = "TASK_CREATION_ERROR"
	CodeTaskUpdate        Code = "TASK_UPDATE_ERROR"
	CodeTaskDeletion      Code = "TASK_DELETION_ERROR"
	CodeTaskRetrieval     Code = "TASK_RETRIEVAL_ERROR"
	CodeTaskQuery         Code = "TASK_QUERY_ERROR"
	CodeTaskExecution     Code = "TASK_EXECUTION_ERROR"
	CodeSchedulerStart    Code = "SCHEDULER_START_ERROR"
	CodeSchedulerStop     Code = "SCHEDULER_STOP_ERROR"
	CodeMetrics           Code = "METRICS_ERROR"
	CodeReset             Code = "RESET_ERROR"
	CodeTaskNotFound      Code = "TASK_NOT_FOUND"
	CodeNoStrategies      Code = "NO_STRATEGIES"
	CodeDueTasks          Code = "DUE_TASKS_ERROR"
	CodeTaskDueCheck      Code = "TASK_DUE_CHECK_ERROR"
	CodeNextExecution     Code = "NEXT_EXECUTION_ERROR"
	CodeDuplicateStrategy Code = "DUPLICATE_STRATEGY"
	CodeInvalidStrategy   Code = "INVALID_STRATEGY"
)

// SchedulerError wraps a failure with its taxonomy code and the operation
// that raised it. Use CodeOf to branch on the code without unwrapping.
type SchedulerError struct {
	Code Code
	Op   string
	Err  error
}

func (e *SchedulerError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *SchedulerError) Unwrap() error { return e.Err }

// NewSchedulerError builds a SchedulerError. err may be nil when the code
// itself is the whole story (e.g. TASK_NOT_FOUND).
func NewSchedulerError(code Code, op string, err error) *SchedulerError {
	return &SchedulerError{Code: code, Op: op, Err: err}
}

// CodeOf extracts the scheduler error code from err, or "" if err does not
// carry one.
func CodeOf(err error) Code {
	var se *SchedulerError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}
