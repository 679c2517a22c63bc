package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dario-valles/ralph-swarm/agent"
	"github.com/dario-valles/ralph-swarm/config"
	"github.com/dario-valles/ralph-swarm/events"
	"github.com/dario-valles/ralph-swarm/log"
	"github.com/dario-valles/ralph-swarm/merge"
	"github.com/dario-valles/ralph-swarm/task"
	"github.com/dario-valles/ralph-swarm/worktree"
)

// State is the scheduler session lifecycle.
type State string

const (
	StateInit    State = "init"
	StateActive  State = "active"
	StateStopped State = "stopped"
)

// ErrNotActive is returned when scheduling is attempted outside the active
// state.
var ErrNotActive = errors.New("scheduler is not active")

// AgentPool is the subset of the agent pool the scheduler drives.
type AgentPool interface {
	Spawn(agentID string, t *task.Task, alloc *worktree.Allocation, program, model string, release func() error) (*agent.Agent, error)
	PollCompleted() []*agent.Completed
	Running() []string
	StopAll(ctx context.Context) error
	CheckViolations(ctx context.Context) []agent.Violation
}

// WorktreeAllocator is the subset of the worktree allocator the scheduler
// drives.
type WorktreeAllocator interface {
	Allocate(agentID, taskID string) (*worktree.Allocation, error)
	DeallocateByAgent(agentID string, deleteBranch bool) error
	Live() []*worktree.Allocation
	CleanupOrphaned() ([]string, error)
}

// Stats is a point-in-time view of the session's task counts.
type Stats struct {
	Pending   int `json:"pending"`
	Ready     int `json:"ready"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Total     int `json:"total"`
}

// Scheduler drives one session: it pulls eligible tasks from the graph,
// allocates an isolated worktree per agent, spawns agents up to the
// parallelism bound, and records completions in finish order for the merge
// phase. All methods are safe for concurrent use.
type Scheduler struct {
	mu    sync.Mutex
	cfg   *config.Config
	graph *task.Graph
	pool  AgentPool
	alloc WorktreeAllocator
	bus   *events.Bus

	pick        pickFunc
	maxParallel int
	state       State
	sessionID   string
	startedAt   time.Time

	// candidates accumulate in completion order; the merge orchestrator
	// consumes them as-is.
	candidates []merge.Candidate
}

// New creates a scheduler session over an already-populated task graph. The
// graph is validated up front so cycle and missing-dependency errors surface
// before any agent runs.
func New(cfg *config.Config, graph *task.Graph, pool AgentPool, alloc WorktreeAllocator, bus *events.Bus) (*Scheduler, error) {
	if _, err := graph.Validate(); err != nil {
		return nil, err
	}
	pick, err := strategyFor(cfg.Strategy)
	if err != nil {
		return nil, err
	}

	maxParallel := cfg.MaxParallel
	if cfg.Limits.MaxAgents > 0 && maxParallel > cfg.Limits.MaxAgents {
		maxParallel = cfg.Limits.MaxAgents
	}
	if cfg.Strategy == StrategySequential {
		maxParallel = 1
	}
	if maxParallel < 1 {
		maxParallel = 1
	}

	return &Scheduler{
		cfg:         cfg,
		graph:       graph,
		pool:        pool,
		alloc:       alloc,
		bus:         bus,
		pick:        pick,
		maxParallel: maxParallel,
		state:       StateInit,
		sessionID:   uuid.NewString(),
	}, nil
}

// SessionID returns the session's unique identifier.
func (s *Scheduler) SessionID() string { return s.sessionID }

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start transitions the session to active.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateInit {
		return fmt.Errorf("cannot start a %s session", s.state)
	}
	s.state = StateActive
	s.startedAt = time.Now()
	log.InfoLog.Printf("session %s started (strategy=%s maxParallel=%d)", s.sessionID, s.cfg.Strategy, s.maxParallel)
	return nil
}

// ScheduleNext is the scheduler's non-blocking tick: it first absorbs any
// finished agents, then launches eligible tasks until the parallelism bound
// or the eligible set is exhausted. It returns how many tasks were launched.
// Individual task failures (branch collision, spawn errors) are recorded on
// the task and reported in the joined error without aborting the tick.
func (s *Scheduler) ScheduleNext(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateActive {
		return 0, ErrNotActive
	}

	s.absorbCompleted()

	started := 0
	var errs []error
	for len(s.pool.Running()) < s.maxParallel {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		eligible := s.graph.Eligible()
		if len(eligible) == 0 {
			break
		}
		next := s.pick(eligible, s.graph)
		if err := s.launch(next); err != nil {
			errs = append(errs, fmt.Errorf("task %s: %w", next.ID, err))
			continue
		}
		started++
	}
	return started, errors.Join(errs...)
}

// Done reports whether no task can make further progress: nothing running,
// nothing eligible.
func (s *Scheduler) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pool.Running()) > 0 {
		return false
	}
	return len(s.graph.Eligible()) == 0
}

// launch allocates a worktree and spawns an agent for t. On any failure the
// reserved worktree is released and the failure is recorded on the task.
func (s *Scheduler) launch(t *task.Task) error {
	agentID := uuid.NewString()

	alloc, err := s.alloc.Allocate(agentID, t.ID)
	if err != nil {
		// A branch collision means leftover state from a previous run; record
		// it on the task rather than silently reusing the branch.
		if permanent, markErr := s.graph.MarkFailed(t.ID, err); markErr == nil && permanent {
			s.publish(events.TaskFailed, t.ID, agentID, "", err.Error())
		}
		return err
	}

	release := func() error {
		return s.alloc.DeallocateByAgent(agentID, false)
	}

	if _, err := s.pool.Spawn(agentID, t, alloc, s.cfg.DefaultProgram, s.cfg.DefaultModel, release); err != nil {
		if deallocErr := s.alloc.DeallocateByAgent(agentID, true); deallocErr != nil {
			log.WarningLog.Printf("failed to release worktree after spawn failure: %v", deallocErr)
		}
		if permanent, markErr := s.graph.MarkFailed(t.ID, err); markErr == nil && permanent {
			s.publish(events.TaskFailed, t.ID, agentID, alloc.Branch, err.Error())
		}
		return err
	}

	if err := s.graph.MarkRunning(t.ID, agentID, alloc.Branch, alloc.Path); err != nil {
		// The graph refused the transition after the agent started; this is a
		// scheduler bug, stop the agent rather than leak it.
		log.ErrorLog.Printf("task %s could not transition to running: %v", t.ID, err)
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.pool.StopAll(stopCtx)
		return err
	}

	s.publish(events.TaskScheduled, t.ID, agentID, alloc.Branch, t.Title)
	log.InfoLog.Printf("task %s scheduled on agent %s (branch %s)", t.ID, agentID, alloc.Branch)
	return nil
}

// absorbCompleted drains finished agents from the pool and advances their
// tasks. Exit code 0 completes the task; anything else (including a runtime
// ceiling kill) counts as a failure with retry semantics.
func (s *Scheduler) absorbCompleted() {
	for _, c := range s.pool.PollCompleted() {
		s.publish(events.AgentStopped, c.TaskID, c.AgentID, c.Branch, fmt.Sprintf("exit=%d runtime=%s", c.ExitCode, c.Runtime.Round(time.Second)))

		if c.ExitCode == 0 && !c.RuntimeExceeded {
			if err := s.graph.MarkCompleted(c.TaskID); err != nil {
				log.ErrorLog.Printf("failed to complete task %s: %v", c.TaskID, err)
				continue
			}
			s.recordCandidate(c)
			s.publish(events.TaskCompleted, c.TaskID, c.AgentID, c.Branch, "")
			continue
		}

		failErr := fmt.Errorf("agent exited with code %d", c.ExitCode)
		if c.RuntimeExceeded {
			failErr = fmt.Errorf("%w after %s", agent.ErrRuntimeExceeded, c.Runtime.Round(time.Second))
		}
		permanent, err := s.graph.MarkFailed(c.TaskID, failErr)
		if err != nil {
			log.ErrorLog.Printf("failed to fail task %s: %v", c.TaskID, err)
			continue
		}
		if permanent {
			s.publish(events.TaskFailed, c.TaskID, c.AgentID, c.Branch, failErr.Error())
			log.WarningLog.Printf("task %s permanently failed: %v", c.TaskID, failErr)
		} else {
			log.InfoLog.Printf("task %s failed, will retry: %v", c.TaskID, failErr)
		}
	}
}

// recordCandidate appends the completed branch to the merge candidate list in
// finish order.
func (s *Scheduler) recordCandidate(c *agent.Completed) {
	candidate := merge.Candidate{
		Branch:      c.Branch,
		AgentID:     c.AgentID,
		TaskID:      c.TaskID,
		CompletedAt: c.FinishedAt,
	}
	if t, ok := s.graph.Get(c.TaskID); ok {
		candidate.TaskTitle = t.Title
		candidate.Priority = t.Priority
	}
	s.candidates = append(s.candidates, candidate)
}

// Candidates returns the merge candidates accumulated so far, in completion
// order.
func (s *Scheduler) Candidates() []merge.Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]merge.Candidate, len(s.candidates))
	copy(out, s.candidates)
	return out
}

// SkipTask manually overrides a permanently failed task so its dependents can
// run on the next tick.
func (s *Scheduler) SkipTask(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graph.Skip(taskID)
}

// CheckViolations samples every running agent against the resource ceilings.
func (s *Scheduler) CheckViolations(ctx context.Context) []agent.Violation {
	return s.pool.CheckViolations(ctx)
}

// StopAll stops every running agent and releases every live worktree. It
// blocks until the pool is fully drained, then verifies nothing leaked. Safe
// to call more than once.
func (s *Scheduler) StopAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateStopped {
		return nil
	}
	s.state = StateStopped

	var errs []error
	if err := s.pool.StopAll(ctx); err != nil {
		errs = append(errs, err)
	}

	// Absorb whatever finished during shutdown so task states are final.
	s.absorbCompleted()

	for _, a := range s.alloc.Live() {
		if err := s.alloc.DeallocateByAgent(a.AgentID, false); err != nil {
			errs = append(errs, fmt.Errorf("worktree for agent %s: %w", a.AgentID, err))
		}
	}
	if leaked := s.alloc.Live(); len(leaked) > 0 {
		errs = append(errs, fmt.Errorf("%d worktree allocation(s) leaked after shutdown", len(leaked)))
	}
	if _, err := s.alloc.CleanupOrphaned(); err != nil {
		errs = append(errs, err)
	}

	log.InfoLog.Printf("session %s stopped", s.sessionID)
	return errors.Join(errs...)
}

// Stats returns the session's current task counts.
func (s *Scheduler) Stats() Stats {
	counts, total := s.graph.CountByStatus()
	return Stats{
		Pending:   counts[task.StatusPending],
		Ready:     counts[task.StatusReady],
		Running:   counts[task.StatusRunning],
		Completed: counts[task.StatusCompleted],
		Failed:    counts[task.StatusFailed],
		Skipped:   counts[task.StatusSkipped],
		Total:     total,
	}
}

func (s *Scheduler) publish(eventType events.Type, taskID, agentID, branch, message string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{
		Type:    eventType,
		TaskID:  taskID,
		AgentID: agentID,
		Branch:  branch,
		Message: message,
	})
}
