// Package coordinator multiplexes many scheduler managers onto one shared
// timer. Each registered agent gets its cycle run concurrently on every tick,
// isolated so a slow or failing manager never delays or fails the others.
package coordinator

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/gabmichels/cw-agent-swarm-sub017/internal/runtime/supervisor"
	"github.com/gabmichels/cw-agent-swarm-sub017/internal/task"
	"github.com/gabmichels/cw-agent-swarm-sub017/pkg/logx"
)

// DefaultTickInterval is used when no interval is configured.
const DefaultTickInterval = 120 * time.Second

// Runner is one agent's cycle entry point. *manager.Manager satisfies it.
type Runner interface {
	ExecuteAgentDueTasks(ctx context.Context, agentID string) ([]task.ExecutionResult, error)
}

// Options configures a Coordinator.
type Options struct {
	TickInterval time.Duration
	// ForceCycleRate bounds manual ForceCycle calls per second; <=0 means
	// one per second.
	ForceCycleRate float64
	Log            logx.Logger
}

// Coordinator owns the shared ticker. Construct one per process and hand it
// to whoever creates managers; there is deliberately no package-level
// instance.
type Coordinator struct {
	log      logx.Logger
	interval time.Duration
	limiter  *rate.Limiter

	mu     sync.Mutex
	agents map[string]*registration
	sup    *supervisor.Supervisor
	closed bool
}

type registration struct {
	runner   Runner
	enabled  bool
	lastTick time.Time
	lastErr  error
}

// AgentStats is one agent's view in a Stats snapshot.
type AgentStats struct {
	Enabled   bool      `json:"enabled"`
	LastTick  time.Time `json:"last_tick,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

// Stats is a point-in-time snapshot of the coordinator.
type Stats struct {
	Registered int                   `json:"registered"`
	Enabled    int                   `json:"enabled"`
	Disabled   int                   `json:"disabled"`
	Running    bool                  `json:"running"`
	Interval   time.Duration         `json:"interval"`
	Agents     map[string]AgentStats `json:"agents"`
}

func New(opts Options) *Coordinator {
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	r := opts.ForceCycleRate
	if r <= 0 {
		r = 1
	}
	return &Coordinator{
		log:      opts.Log,
		interval: opts.TickInterval,
		limiter:  rate.NewLimiter(rate.Limit(r), 1),
		agents:   map[string]*registration{},
	}
}

// Register adds an agent's runner, enabled. The first registration starts the
// shared ticker; later ones reuse it. Registering an existing agent replaces
// its runner.
//
// A registered runner is driven exclusively by the coordinator: a runner that
// also runs its own scheduling loop would execute every due task twice per
// overlap. Runners exposing IsRunning are rejected while their loop is live;
// stop it (or build the manager with auto-scheduling disabled) first.
func (c *Coordinator) Register(agentID string, r Runner) error {
	if agentID == "" || r == nil {
		return fmt.Errorf("coordinator: agent ID and runner are required")
	}
	if lr, ok := r.(interface{ IsRunning() bool }); ok && lr.IsRunning() {
		return fmt.Errorf("coordinator: agent %q runs its own scheduling loop; stop it before registering", agentID)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("coordinator: closed")
	}
	c.agents[agentID] = &registration{runner: r, enabled: true}
	if c.sup == nil {
		c.startLocked()
	}
	c.log.Info("agent registered with coordinator", logx.String("agent", agentID))
	return nil
}

// Unregister removes an agent, reporting whether it was registered. Removing
// the last agent stops the shared ticker.
func (c *Coordinator) Unregister(agentID string) bool {
	c.mu.Lock()
	_, ok := c.agents[agentID]
	delete(c.agents, agentID)
	var sup *supervisor.Supervisor
	if len(c.agents) == 0 && c.sup != nil {
		sup = c.sup
		c.sup = nil
	}
	c.mu.Unlock()

	if sup != nil {
		c.stopSupervisor(sup)
	}
	if ok {
		c.log.Info("agent unregistered from coordinator", logx.String("agent", agentID))
	}
	return ok
}

// SetEnabled toggles an agent's participation in ticks without removing its
// registration. Reports whether the agent is registered.
func (c *Coordinator) SetEnabled(agentID string, enabled bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	reg, ok := c.agents[agentID]
	if ok {
		reg.enabled = enabled
	}
	return ok
}

// ForceCycle runs one tick immediately. Calls beyond the configured rate are
// rejected so rapid-fire forcing cannot overlap-poll the registries.
func (c *Coordinator) ForceCycle(ctx context.Context) error {
	if !c.limiter.Allow() {
		return fmt.Errorf("coordinator: force cycle rate exceeded")
	}
	c.tick(ctx)
	return nil
}

// Stats returns a snapshot. Never mutates state.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Registered: len(c.agents),
		Running:    c.sup != nil,
		Interval:   c.interval,
		Agents:     make(map[string]AgentStats, len(c.agents)),
	}
	for id, reg := range c.agents {
		if reg.enabled {
			s.Enabled++
		} else {
			s.Disabled++
		}
		as := AgentStats{Enabled: reg.enabled, LastTick: reg.lastTick}
		if reg.lastErr != nil {
			as.LastError = reg.lastErr.Error()
		}
		s.Agents[id] = as
	}
	return s
}

// Close stops the ticker and drops every registration. The coordinator
// cannot be reused afterwards.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	sup := c.sup
	c.sup = nil
	c.agents = map[string]*registration{}
	c.mu.Unlock()

	if sup != nil {
		c.stopSupervisor(sup)
	}
	c.log.Info("coordinator closed")
}

// startLocked starts the shared ticker loop. Caller holds c.mu.
func (c *Coordinator) startLocked() {
	c.sup = supervisor.New(context.Background(), supervisor.WithLogger(c.log))
	interval := c.interval
	c.sup.Go("coordinator-ticker", func(ctx context.Context) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				c.tick(ctx)
			}
		}
	})
	c.log.Info("coordinator ticker started", logx.Duration("interval", interval))
}

func (c *Coordinator) stopSupervisor(sup *supervisor.Supervisor) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sup.Stop(ctx); err != nil {
		c.log.Warn("coordinator ticker did not stop cleanly", logx.Err(err))
	}
}

// tick runs every enabled agent's cycle concurrently, collecting each
// outcome instead of short-circuiting on the first failure.
func (c *Coordinator) tick(ctx context.Context) {
	c.mu.Lock()
	type job struct {
		id  string
		reg *registration
	}
	jobs := make([]job, 0, len(c.agents))
	for id, reg := range c.agents {
		if reg.enabled {
			jobs = append(jobs, job{id, reg})
		}
	}
	c.mu.Unlock()
	if len(jobs) == 0 {
		return
	}

	now := time.Now()
	var wg sync.WaitGroup
	for _, j := range jobs {
		wg.Add(1)
		go func(id string, reg *registration) {
			defer wg.Done()
			err := c.runAgentCycle(ctx, id, reg.runner)
			c.mu.Lock()
			reg.lastTick = now
			reg.lastErr = err
			c.mu.Unlock()
			if err != nil {
				c.log.Warn("agent cycle failed",
					logx.String("agent", id), logx.Err(err))
			}
		}(j.id, j.reg)
	}
	wg.Wait()
}

// runAgentCycle contains one agent's failure, converting a panic into an
// error so a bad manager never affects its neighbors.
func (c *Coordinator) runAgentCycle(ctx context.Context, agentID string, r Runner) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			c.log.Error("agent cycle panicked",
				logx.String("agent", agentID),
				logx.Any("panic", rec),
				logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	_, err = r.ExecuteAgentDueTasks(ctx, agentID)
	return err
}
