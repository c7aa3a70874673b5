package executor

import (
	"errors"
	"fmt"
)

// ErrCode classifies executor infrastructure failures. Task-level failures
// never surface as errors; they are captured in the ExecutionResult.
type ErrCode string

const (
	// ErrCodeNilTask means the caller handed a nil task.
	ErrCodeNilTask ErrCode = "NIL_TASK"
	// ErrCodeNotStarted means ExecuteTask was called before Start (or after Stop).
	ErrCodeNotStarted ErrCode = "NOT_STARTED"
	// ErrCodePaused means dispatch is gated by Pause.
	ErrCodePaused ErrCode = "PAUSED"
)

// Result-level failure codes carried in ErrorInfo.Code.
const (
	ResultCodeTimeout        = "TASK_TIMEOUT"
	ResultCodeCircuitOpen    = "CIRCUIT_OPEN"
	ResultCodeUnknownHandler = "UNKNOWN_HANDLER"
	ResultCodeExecution      = "TASK_EXECUTION_ERROR"
	ResultCodeCancelled      = "TASK_CANCELLED"
)

// Error is an executor infrastructure failure.
type Error struct {
	Code ErrCode
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(code ErrCode, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// ErrCodeOf extracts the executor error code, or "" for foreign errors.
func ErrCodeOf(err error) ErrCode {
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}
