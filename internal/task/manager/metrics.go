package manager

import (
	"runtime"
	"sync"
	"time"

	"github.com/gabmichels/cw-agent-swarm-sub017/internal/config"
	"github.com/gabmichels/cw-agent-swarm-sub017/internal/task"
)

// SchedulerMetrics is a point-in-time snapshot. Never mutated after return.
type SchedulerMetrics struct {
	AgentID string `json:"agent_id,omitempty"`
	Running bool   `json:"running"`

	Uptime time.Duration `json:"uptime"`

	TasksByStatus map[task.Status]int       `json:"tasks_by_status"`
	TasksByType   map[task.ScheduleType]int `json:"tasks_by_type"`
	RunningTasks  int                       `json:"running_tasks"`

	SuccessCount   uint64        `json:"success_count"`
	FailureCount   uint64        `json:"failure_count"`
	CancelledCount uint64        `json:"cancelled_count"`
	RetryAttempts  uint64        `json:"retry_attempts"`
	MinExecution   time.Duration `json:"min_execution"`
	AvgExecution   time.Duration `json:"avg_execution"`
	MaxExecution   time.Duration `json:"max_execution"`
	AvgWait        time.Duration `json:"avg_wait"`

	LoopIterations  uint64        `json:"loop_iterations"`
	AvgLoopDuration time.Duration `json:"avg_loop_duration"`

	// HourlyExecutions buckets executions by hour-of-day (local time).
	HourlyExecutions [24]uint64 `json:"hourly_executions"`

	Resources ResourceMetrics `json:"resources"`

	Custom map[string]float64 `json:"custom,omitempty"`
}

// ResourceMetrics reports the configured advisory ceilings alongside whatever
// utilization is cheaply observable in-process. CPU, token, and API-call
// usage are zero unless the embedding application feeds them in; memory and
// goroutine counts come from the Go runtime.
type ResourceMetrics struct {
	MaxCPUPercent        float64 `json:"max_cpu_percent"`
	MaxMemoryMB          int     `json:"max_memory_mb"`
	MaxTokensPerMinute   int     `json:"max_tokens_per_minute"`
	MaxAPICallsPerMinute int     `json:"max_api_calls_per_minute"`

	CPUPercent        float64 `json:"cpu_percent"`
	MemoryMB          float64 `json:"memory_mb"`
	TokensPerMinute   int     `json:"tokens_per_minute"`
	APICallsPerMinute int     `json:"api_calls_per_minute"`
	Goroutines        int     `json:"goroutines"`
}

// resourceSnapshot mirrors the configured ceilings and samples the runtime's
// own view of memory and goroutines. heap-alloc is an approximation of
// process memory but costs nothing to read.
func resourceSnapshot(limits config.ResourceLimits) ResourceMetrics {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ResourceMetrics{
		MaxCPUPercent:        limits.MaxCPUPercent,
		MaxMemoryMB:          limits.MaxMemoryMB,
		MaxTokensPerMinute:   limits.MaxTokensPerMinute,
		MaxAPICallsPerMinute: limits.MaxAPICallsPerMinute,
		MemoryMB:             float64(ms.HeapAlloc) / (1 << 20),
		Goroutines:           runtime.NumGoroutine(),
	}
}

// loopBufferSize bounds the rolling cycle-duration window.
const loopBufferSize = 64

// metricsState accumulates execution statistics across cycles.
type metricsState struct {
	mu sync.Mutex

	success   uint64
	failed    uint64
	cancelled uint64
	retries   uint64

	execCount uint64
	execTotal time.Duration
	execMin   time.Duration
	execMax   time.Duration

	waitCount uint64
	waitTotal time.Duration

	loopCount uint64
	loopBuf   []time.Duration

	hourly [24]uint64

	custom map[string]float64
}

func newMetricsState() *metricsState {
	return &metricsState{custom: map[string]float64{}}
}

func (m *metricsState) recordResult(res task.ExecutionResult) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch res.Status {
	case task.StatusCompleted:
		m.success++
	case task.StatusCancelled:
		m.cancelled++
	default:
		m.failed++
	}
	m.retries += uint64(res.RetryCount)

	m.execCount++
	m.execTotal += res.Duration
	if m.execCount == 1 || res.Duration < m.execMin {
		m.execMin = res.Duration
	}
	if res.Duration > m.execMax {
		m.execMax = res.Duration
	}
	m.hourly[res.EndTime.Hour()]++
}

func (m *metricsState) recordWait(d time.Duration) {
	if d < 0 {
		return
	}
	m.mu.Lock()
	m.waitCount++
	m.waitTotal += d
	m.mu.Unlock()
}

func (m *metricsState) recordCycle(d time.Duration) {
	m.mu.Lock()
	m.loopCount++
	m.loopBuf = append(m.loopBuf, d)
	if len(m.loopBuf) > loopBufferSize {
		m.loopBuf = m.loopBuf[1:]
	}
	m.mu.Unlock()
}

// SetCustom records a caller-defined numeric gauge.
func (m *metricsState) SetCustom(key string, value float64) {
	m.mu.Lock()
	m.custom[key] = value
	m.mu.Unlock()
}

func (m *metricsState) reset() {
	m.mu.Lock()
	m.success, m.failed, m.cancelled, m.retries = 0, 0, 0, 0
	m.execCount, m.execTotal, m.execMin, m.execMax = 0, 0, 0, 0
	m.waitCount, m.waitTotal = 0, 0
	m.loopCount, m.loopBuf = 0, nil
	m.hourly = [24]uint64{}
	m.custom = map[string]float64{}
	m.mu.Unlock()
}

// fill writes the accumulated counters into the snapshot.
func (m *metricsState) fill(out *SchedulerMetrics) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out.SuccessCount = m.success
	out.FailureCount = m.failed
	out.CancelledCount = m.cancelled
	out.RetryAttempts = m.retries
	out.MinExecution = m.execMin
	out.MaxExecution = m.execMax
	if m.execCount > 0 {
		out.AvgExecution = m.execTotal / time.Duration(m.execCount)
	}
	if m.waitCount > 0 {
		out.AvgWait = m.waitTotal / time.Duration(m.waitCount)
	}
	out.LoopIterations = m.loopCount
	if len(m.loopBuf) > 0 {
		var total time.Duration
		for _, d := range m.loopBuf {
			total += d
		}
		out.AvgLoopDuration = total / time.Duration(len(m.loopBuf))
	}
	out.HourlyExecutions = m.hourly
	if len(m.custom) > 0 {
		out.Custom = make(map[string]float64, len(m.custom))
		for k, v := range m.custom {
			out.Custom[k] = v
		}
	}
}
