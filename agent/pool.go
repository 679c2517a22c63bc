package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dario-valles/ralph-swarm/config"
	"github.com/dario-valles/ralph-swarm/events"
	"github.com/dario-valles/ralph-swarm/log"
	"github.com/dario-valles/ralph-swarm/task"
	"github.com/dario-valles/ralph-swarm/worktree"
)

var (
	// ErrPoolFull indicates the pool is at its MaxAgents ceiling. The caller
	// retries later; spawn never queues.
	ErrPoolFull = errors.New("agent pool at capacity")
	// ErrAggregateExceeded indicates spawning would breach an aggregate
	// CPU/memory ceiling.
	ErrAggregateExceeded = errors.New("aggregate resource ceiling exceeded")
	// ErrAgentNotFound indicates no running agent matches the given ID.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrRuntimeExceeded indicates an agent was killed for breaching the
	// wall-clock ceiling.
	ErrRuntimeExceeded = errors.New("agent runtime ceiling exceeded")
)

// stopGrace is how long Stop waits after SIGTERM before escalating to SIGKILL.
const stopGrace = 5 * time.Second

// Completed describes one reaped agent process.
type Completed struct {
	AgentID      string
	TaskID       string
	PID          int
	ExitCode     int
	Branch       string
	WorktreePath string
	Logs         []string
	Runtime      time.Duration
	FinishedAt   time.Time
	// RuntimeExceeded is set when the agent was killed for breaching the
	// wall-clock ceiling.
	RuntimeExceeded bool
}

// ViolationKind classifies a resource limit breach.
type ViolationKind string

const (
	ViolationCPU     ViolationKind = "cpu"
	ViolationMemory  ViolationKind = "memory"
	ViolationRuntime ViolationKind = "runtime"
)

// Violation is one observed limit breach. CPU and memory violations are
// advisory; runtime violations are fatal and the pool has already begun
// stopping the agent when one is reported.
type Violation struct {
	AgentID string
	Kind    ViolationKind
	Value   float64
	Limit   float64
	Fatal   bool
}

// PoolStats is a snapshot of pool occupancy for utilization display.
type PoolStats struct {
	Running         int
	MaxAgents       int
	TotalCPUPercent float64
	TotalMemoryMB   float64
	CPULimit        float64
	MemoryLimit     float64
}

// Pool spawns, monitors and terminates agent processes within resource
// limits. All mutating operations are serialized; polling reads a consistent
// snapshot under the same lock.
type Pool struct {
	limits config.ResourceLimits
	bus    *events.Bus

	mu        sync.Mutex
	agents    map[string]*Agent
	completed []*Completed
	// reserved counts spawns in flight between the capacity check and
	// registration, so concurrent Spawn calls cannot overshoot MaxAgents.
	reserved int

	violationLog *log.Every
	wg           sync.WaitGroup
}

// NewPool creates a pool bounded by limits. bus may be nil.
func NewPool(limits config.ResourceLimits, bus *events.Bus) *Pool {
	if limits.MaxAgents <= 0 {
		limits.MaxAgents = 1
	}
	return &Pool{
		limits:       limits,
		bus:          bus,
		agents:       make(map[string]*Agent),
		violationLog: log.NewEvery(30 * time.Second),
	}
}

// Limits returns the pool's immutable resource ceilings.
func (p *Pool) Limits() config.ResourceLimits { return p.limits }

// Spawn starts an agent process for t inside its allocated worktree. agentID
// is assigned by the scheduler so worktree branch naming and pool bookkeeping
// agree on identity. The call fails fast with ErrPoolFull or
// ErrAggregateExceeded instead of queuing; the scheduler is responsible for
// not calling Spawn when full. release is invoked exactly once when the agent
// terminates, on every exit path.
func (p *Pool) Spawn(agentID string, t *task.Task, alloc *worktree.Allocation, program, model string, release func() error) (*Agent, error) {
	p.mu.Lock()
	if len(p.agents)+p.reserved >= p.limits.MaxAgents {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %d running", ErrPoolFull, p.limits.MaxAgents)
	}
	p.reserved++
	p.mu.Unlock()

	if err := p.checkAggregate(); err != nil {
		p.unreserve()
		return nil, err
	}

	args := []string{}
	if model != "" {
		args = append(args, "--model", model)
	}
	cmd := exec.Command(program, args...)
	cmd.Dir = alloc.Path
	setProcessGroup(cmd)

	ptmx, err := pty.Start(cmd)
	if err != nil {
		p.unreserve()
		return nil, fmt.Errorf("failed to spawn agent process: %w", err)
	}

	if agentID == "" {
		agentID = uuid.NewString()
	}

	a := &Agent{
		ID:           agentID,
		TaskID:       t.ID,
		PID:          cmd.Process.Pid,
		WorktreePath: alloc.Path,
		Branch:       alloc.Branch,
		Program:      program,
		Model:        model,
		StartedAt:    time.Now(),
		status:       StatusIdle,
		cmd:          cmd,
		ptmx:         ptmx,
		logs:         newLogBuffer(2000),
		wt:           alloc.Worktree(),
		done:         make(chan struct{}),
		release:      release,
	}

	p.mu.Lock()
	p.reserved--
	p.agents[a.ID] = a
	p.mu.Unlock()

	p.wg.Add(2)
	go p.readOutput(a)
	go p.reap(a)

	log.InfoLog.Printf("spawned agent %s (pid %d) for task %s in %s", a.ID, a.PID, t.ID, alloc.Path)
	p.publish(events.Event{Type: events.AgentSpawned, TaskID: t.ID, AgentID: a.ID, Branch: a.Branch})
	return a, nil
}

// readOutput copies pty output into the agent's log buffer until EOF.
func (p *Pool) readOutput(a *Agent) {
	defer p.wg.Done()
	scanner := bufio.NewScanner(a.ptmx)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		a.observeLine(scanner.Text())
	}
	// The pty read fails with EIO when the child exits; that's normal EOF here.
}

// reap waits for the process to exit, moves the agent into the completed list
// and runs the release guard. Safe against double invocation per agent since
// only one reap goroutine exists per spawn.
func (p *Pool) reap(a *Agent) {
	defer p.wg.Done()
	err := a.cmd.Wait()
	_ = a.ptmx.Close()

	exitCode := 0
	if err != nil {
		exitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
	}

	if exitCode == 0 {
		a.setStatus(StatusDone)
		// Agents are asked to commit their own work but not all of them do;
		// anything left uncommitted would be lost when the worktree is removed.
		if a.wt != nil {
			if commitErr := a.wt.CommitChanges(fmt.Sprintf("Task %s: agent %s", a.TaskID, a.ID)); commitErr != nil {
				log.ErrorLog.Printf("failed to commit leftover changes for agent %s: %v", a.ID, commitErr)
			} else if stats := a.wt.Diff(); stats.Error == nil && !stats.IsEmpty() {
				log.InfoLog.Printf("agent %s changed +%d/-%d lines on %s", a.ID, stats.Added, stats.Removed, a.Branch)
			}
		}
	} else {
		a.setStatus(StatusFailed)
	}

	// Worktree release is unconditional on every exit path.
	if relErr := a.releaseResources(); relErr != nil {
		log.ErrorLog.Printf("failed to release resources for agent %s: %v", a.ID, relErr)
	}

	done := &Completed{
		AgentID:         a.ID,
		TaskID:          a.TaskID,
		PID:             a.PID,
		ExitCode:        exitCode,
		Branch:          a.Branch,
		WorktreePath:    a.WorktreePath,
		Logs:            a.Logs(),
		Runtime:         time.Since(a.StartedAt),
		FinishedAt:      time.Now(),
		RuntimeExceeded: a.runtimeExceeded(),
	}

	p.mu.Lock()
	delete(p.agents, a.ID)
	p.completed = append(p.completed, done)
	p.mu.Unlock()

	close(a.done)
	log.InfoLog.Printf("reaped agent %s (pid %d, exit %d) after %s", a.ID, a.PID, exitCode, done.Runtime.Round(time.Second))
	p.publish(events.Event{Type: events.AgentStopped, TaskID: a.TaskID, AgentID: a.ID, Branch: a.Branch,
		Message: fmt.Sprintf("exit code %d", exitCode)})
}

// PollCompleted returns agents reaped since the last call. Draining the list
// under the lock guarantees an agent is never double-reported.
func (p *Pool) PollCompleted() []*Completed {
	p.mu.Lock()
	defer p.mu.Unlock()
	done := p.completed
	p.completed = nil
	return done
}

// Stop terminates the agent's process group: SIGTERM, a grace period, then
// SIGKILL. It blocks until the process is reaped and the worktree released.
func (p *Pool) Stop(ctx context.Context, agentID string) error {
	p.mu.Lock()
	a, ok := p.agents[agentID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}

	terminate(a.cmd, a.PID)

	select {
	case <-a.done:
	case <-time.After(stopGrace):
		kill(a.cmd, a.PID)
		select {
		case <-a.done:
		case <-ctx.Done():
			return fmt.Errorf("agent %s did not terminate: %w", agentID, ctx.Err())
		}
	case <-ctx.Done():
		return fmt.Errorf("agent %s did not terminate: %w", agentID, ctx.Err())
	}
	return nil
}

// StopAll terminates every running agent in parallel and blocks until all of
// them are fully drained, worktrees included. Partial termination is an error,
// never a silent success.
func (p *Pool) StopAll(ctx context.Context) error {
	p.mu.Lock()
	ids := make([]string, 0, len(p.agents))
	for id := range p.agents {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			return p.Stop(gctx, id)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to stop all agents: %w", err)
	}
	p.wg.Wait()
	return nil
}

// Running returns copies of the IDs of all running agents.
func (p *Pool) Running() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.agents))
	for id := range p.agents {
		ids = append(ids, id)
	}
	return ids
}

// Get returns the running agent with the given ID.
func (p *Pool) Get(agentID string) (*Agent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.agents[agentID]
	return a, ok
}

// CheckViolations samples live CPU/memory/runtime for every running agent and
// returns the breaches. CPU and memory breaches are advisory. A runtime breach
// is fatal: the pool starts terminating that agent before reporting it.
func (p *Pool) CheckViolations(ctx context.Context) []Violation {
	p.mu.Lock()
	agents := make([]*Agent, 0, len(p.agents))
	for _, a := range p.agents {
		agents = append(agents, a)
	}
	p.mu.Unlock()

	var violations []Violation
	for _, a := range agents {
		if p.limits.MaxRuntime > 0 && a.Runtime() > p.limits.MaxRuntime {
			violations = append(violations, Violation{
				AgentID: a.ID,
				Kind:    ViolationRuntime,
				Value:   a.Runtime().Seconds(),
				Limit:   p.limits.MaxRuntime.Seconds(),
				Fatal:   true,
			})
			a.markRuntimeExceeded()
			p.publish(events.Event{Type: events.AgentViolation, AgentID: a.ID, TaskID: a.TaskID,
				Message: "runtime ceiling exceeded, terminating"})
			go func(id string) {
				stopCtx, cancel := context.WithTimeout(context.Background(), 2*stopGrace)
				defer cancel()
				if err := p.Stop(stopCtx, id); err != nil && !errors.Is(err, ErrAgentNotFound) {
					log.ErrorLog.Printf("failed to stop runtime-violating agent %s: %v", id, err)
				}
			}(a.ID)
			continue
		}

		cpu, memMB, err := sampleProcess(a.PID)
		if err != nil {
			// Process may have just exited; the reaper owns that transition.
			continue
		}
		if p.limits.MaxCPUPercent > 0 && cpu > p.limits.MaxCPUPercent {
			violations = append(violations, Violation{AgentID: a.ID, Kind: ViolationCPU, Value: cpu, Limit: p.limits.MaxCPUPercent})
			p.publish(events.Event{Type: events.AgentViolation, AgentID: a.ID, TaskID: a.TaskID,
				Message: fmt.Sprintf("cpu %.1f%% over %.1f%% ceiling", cpu, p.limits.MaxCPUPercent)})
		}
		if p.limits.MaxMemoryMB > 0 && memMB > p.limits.MaxMemoryMB {
			violations = append(violations, Violation{AgentID: a.ID, Kind: ViolationMemory, Value: memMB, Limit: p.limits.MaxMemoryMB})
			p.publish(events.Event{Type: events.AgentViolation, AgentID: a.ID, TaskID: a.TaskID,
				Message: fmt.Sprintf("memory %.0fMB over %.0fMB ceiling", memMB, p.limits.MaxMemoryMB)})
		}
	}

	if len(violations) > 0 && p.violationLog.ShouldLog() {
		log.WarningLog.Printf("%d resource violations observed", len(violations))
	}
	return violations
}

// Stats returns a consistent snapshot of pool occupancy and aggregate usage.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	pids := make([]int, 0, len(p.agents))
	running := len(p.agents)
	for _, a := range p.agents {
		pids = append(pids, a.PID)
	}
	p.mu.Unlock()

	var totalCPU, totalMem float64
	for _, pid := range pids {
		cpu, memMB, err := sampleProcess(pid)
		if err != nil {
			continue
		}
		totalCPU += cpu
		totalMem += memMB
	}

	return PoolStats{
		Running:         running,
		MaxAgents:       p.limits.MaxAgents,
		TotalCPUPercent: totalCPU,
		TotalMemoryMB:   totalMem,
		CPULimit:        p.limits.MaxTotalCPUPercent,
		MemoryLimit:     p.limits.MaxTotalMemoryMB,
	}
}

// unreserve returns a spawn reservation on a failure path.
func (p *Pool) unreserve() {
	p.mu.Lock()
	p.reserved--
	p.mu.Unlock()
}

// checkAggregate refuses a spawn that would start above an aggregate ceiling.
func (p *Pool) checkAggregate() error {
	stats := p.Stats()
	if p.limits.MaxTotalCPUPercent > 0 && stats.TotalCPUPercent >= p.limits.MaxTotalCPUPercent {
		return fmt.Errorf("%w: aggregate CPU %.1f%% >= %.1f%%", ErrAggregateExceeded, stats.TotalCPUPercent, p.limits.MaxTotalCPUPercent)
	}
	if p.limits.MaxTotalMemoryMB > 0 && stats.TotalMemoryMB >= p.limits.MaxTotalMemoryMB {
		return fmt.Errorf("%w: aggregate memory %.0fMB >= %.0fMB", ErrAggregateExceeded, stats.TotalMemoryMB, p.limits.MaxTotalMemoryMB)
	}
	return nil
}

func (p *Pool) publish(event events.Event) {
	if p.bus != nil {
		p.bus.Publish(event)
	}
}
