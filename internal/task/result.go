package task

import "time"

// ExecutionResult is the immutable record of one execution attempt.
//
// Invariant: Duration = EndTime - StartTime and is never negative.
type ExecutionResult struct {
	TaskID     string         `json:"task_id"`
	Status     Status         `json:"status"`
	StartTime  time.Time      `json:"start_time"`
	EndTime    time.Time      `json:"end_time"`
	Duration   time.Duration  `json:"duration"`
	Successful bool           `json:"successful"`
	Result     any            `json:"result,omitempty"`
	Error      *ErrorInfo     `json:"error,omitempty"`
	WasRetry   bool           `json:"was_retry,omitempty"`
	RetryCount int            `json:"retry_count,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// NewExecutionResult assembles a result, deriving Duration from the
// timestamps and clamping it at zero if the clock went backwards.
func NewExecutionResult(taskID string, status Status, start, end time.Time) ExecutionResult {
	d := end.Sub(start)
	if d < 0 {
		d = 0
	}
	return ExecutionResult{
		TaskID:     taskID,
		Status:     status,
		StartTime:  start,
		EndTime:    end,
		Duration:   d,
		Successful: status == StatusCompleted,
	}
}

// NotDispatched marks a batch slot whose task was never handed to a handler
// (dispatch gated by Pause, or the batch context ended first). The task's
// stored state must be left untouched; in particular an interval task's
// execution budget is not consumed.
func NotDispatched(taskID string) ExecutionResult {
	return ExecutionResult{TaskID: taskID}
}

// Dispatched reports whether this result records an actual execution attempt.
// Not-dispatched slots carry no status.
func (r ExecutionResult) Dispatched() bool { return r.Status != "" }

// WithError attaches a structured failure and flips Successful off.
func (r ExecutionResult) WithError(info ErrorInfo) ExecutionResult {
	r.Error = &info
	r.Successful = false
	if r.Status == "" || r.Status == StatusCompleted {
		r.Status = StatusFailed
	}
	return r
}
