package task

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gammazero/toposort"
)

// Graph holds the task dependency DAG for one scheduler session.
type Graph struct {
	mu         sync.RWMutex
	tasks      map[string]*Task
	dependents map[string][]string // taskID -> tasks that depend on it
	nextSeq    int
}

// NewGraph creates an empty task graph.
func NewGraph() *Graph {
	return &Graph{
		tasks:      make(map[string]*Task),
		dependents: make(map[string][]string),
	}
}

// BuildGraph constructs a graph from a task list in which dependencies may
// appear in any order. Add requires dependencies to already exist, so tasks
// are inserted in passes, deferring the ones whose dependencies have not
// landed yet. Returns an error when a pass makes no progress, which means a
// dependency is missing entirely or the tasks form a cycle.
func BuildGraph(tasks []*Task) (*Graph, error) {
	graph := NewGraph()

	remaining := make([]*Task, len(tasks))
	copy(remaining, tasks)

	for len(remaining) > 0 {
		var deferred []*Task
		var lastErr error
		for _, t := range remaining {
			if err := graph.Add(t); err != nil {
				deferred = append(deferred, t)
				lastErr = err
			}
		}
		if len(deferred) == len(remaining) {
			ids := make([]string, len(deferred))
			for i, t := range deferred {
				ids[i] = t.ID
			}
			return nil, fmt.Errorf("failed to add task(s) %s: %w", strings.Join(ids, ", "), lastErr)
		}
		remaining = deferred
	}
	return graph, nil
}

// Add registers a task. Returns an error if the ID already exists or if the
// task would introduce a dependency cycle.
func (g *Graph) Add(t *Task) error {
	if t == nil || t.ID == "" {
		return fmt.Errorf("task must have an ID")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.tasks[t.ID]; exists {
		return fmt.Errorf("task with ID %q already exists", t.ID)
	}

	if t.Status == "" {
		t.Status = StatusPending
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}
	t.seq = g.nextSeq
	g.nextSeq++

	g.tasks[t.ID] = t
	for _, depID := range t.DependsOn {
		g.dependents[depID] = append(g.dependents[depID], t.ID)
	}

	if _, err := g.order(); err != nil {
		// Roll back the insertion so the graph stays acyclic.
		delete(g.tasks, t.ID)
		for _, depID := range t.DependsOn {
			deps := g.dependents[depID]
			g.dependents[depID] = deps[:len(deps)-1]
		}
		return err
	}

	return nil
}

// Validate checks that every dependency exists and that the graph is acyclic,
// returning a topological order of task IDs.
func (g *Graph) Validate() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.order()
}

// order runs a topological sort; callers must hold at least a read lock.
func (g *Graph) order() ([]string, error) {
	for taskID, t := range g.tasks {
		for _, depID := range t.DependsOn {
			if _, exists := g.tasks[depID]; !exists {
				return nil, fmt.Errorf("task %q depends on non-existent task %q", taskID, depID)
			}
		}
	}

	var edges []toposort.Edge
	for taskID, t := range g.tasks {
		if len(t.DependsOn) == 0 {
			edges = append(edges, toposort.Edge{nil, taskID})
		}
		for _, depID := range t.DependsOn {
			edges = append(edges, toposort.Edge{depID, taskID})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("dependency cycle: %w", err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}

	if len(order) != len(g.tasks) {
		var missing []string
		seen := make(map[string]bool, len(order))
		for _, id := range order {
			seen[id] = true
		}
		for taskID := range g.tasks {
			if !seen[taskID] {
				missing = append(missing, taskID)
			}
		}
		return nil, fmt.Errorf("topological sort lost %d tasks: %s", len(missing), strings.Join(missing, ", "))
	}

	return order, nil
}

// Eligible returns tasks whose dependencies are all resolved and that are not
// yet running or terminal. Returned tasks are copies.
func (g *Graph) Eligible() []*Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var eligible []*Task
	for _, t := range g.tasks {
		if t.Status != StatusPending && t.Status != StatusReady {
			continue
		}
		if g.depsResolved(t) {
			eligible = append(eligible, clone(t))
		}
	}
	return eligible
}

// depsResolved reports whether every dependency of t is completed or skipped.
// Failed dependencies block their dependents.
func (g *Graph) depsResolved(t *Task) bool {
	for _, depID := range t.DependsOn {
		dep, exists := g.tasks[depID]
		if !exists {
			return false
		}
		if dep.Status != StatusCompleted && dep.Status != StatusSkipped {
			return false
		}
	}
	return true
}

// UnblockCount returns how many pending tasks would become eligible if taskID
// completed right now. Used by the dependency_first strategy.
func (g *Graph) UnblockCount(taskID string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	count := 0
	for _, depID := range g.dependents[taskID] {
		dependent, exists := g.tasks[depID]
		if !exists || dependent.Status != StatusPending {
			continue
		}
		unblocked := true
		for _, otherDep := range dependent.DependsOn {
			if otherDep == taskID {
				continue
			}
			other, ok := g.tasks[otherDep]
			if !ok || (other.Status != StatusCompleted && other.Status != StatusSkipped) {
				unblocked = false
				break
			}
		}
		if unblocked {
			count++
		}
	}
	return count
}

// MarkReady transitions a pending task whose dependencies are resolved.
func (g *Graph) MarkReady(taskID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, exists := g.tasks[taskID]
	if !exists {
		return fmt.Errorf("task %q not found", taskID)
	}
	if t.Status != StatusPending {
		return fmt.Errorf("task %q is %s, not pending", taskID, t.Status)
	}
	if !g.depsResolved(t) {
		return fmt.Errorf("task %q has unresolved dependencies", taskID)
	}
	t.Status = StatusReady
	return nil
}

// MarkRunning binds a task to an agent. A task may be running for at most one
// agent at a time.
func (g *Graph) MarkRunning(taskID, agentID, branch, worktreePath string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, exists := g.tasks[taskID]
	if !exists {
		return fmt.Errorf("task %q not found", taskID)
	}
	if t.Status == StatusRunning {
		return fmt.Errorf("task %q is already running on agent %s", taskID, t.AgentID)
	}
	if t.Terminal() {
		return fmt.Errorf("task %q is %s", taskID, t.Status)
	}
	if !g.depsResolved(t) {
		return fmt.Errorf("task %q has unresolved dependencies", taskID)
	}

	now := time.Now()
	t.Status = StatusRunning
	t.AgentID = agentID
	t.Branch = branch
	t.WorktreePath = worktreePath
	t.StartedAt = &now
	return nil
}

// MarkCompleted records successful completion.
func (g *Graph) MarkCompleted(taskID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, exists := g.tasks[taskID]
	if !exists {
		return fmt.Errorf("task %q not found", taskID)
	}
	now := time.Now()
	t.Status = StatusCompleted
	t.AgentID = ""
	t.CompletedAt = &now
	return nil
}

// MarkFailed records a failure. The task goes back to pending until it
// exhausts MaxRetries, after which it is permanently failed and its dependents
// stay blocked.
func (g *Graph) MarkFailed(taskID string, taskErr error) (permanent bool, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, exists := g.tasks[taskID]
	if !exists {
		return false, fmt.Errorf("task %q not found", taskID)
	}

	t.AgentID = ""
	if taskErr != nil {
		t.LastError = taskErr.Error()
	}

	if t.Retries < t.MaxRetries {
		t.Retries++
		t.Status = StatusPending
		t.StartedAt = nil
		return false, nil
	}

	now := time.Now()
	t.Status = StatusFailed
	t.CompletedAt = &now
	return true, nil
}

// Skip manually overrides a permanently failed task so its dependents can run.
func (g *Graph) Skip(taskID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, exists := g.tasks[taskID]
	if !exists {
		return fmt.Errorf("task %q not found", taskID)
	}
	if t.Status != StatusFailed {
		return fmt.Errorf("only failed tasks can be skipped, task %q is %s", taskID, t.Status)
	}
	t.Status = StatusSkipped
	return nil
}

// Get returns a copy of the task by ID.
func (g *Graph) Get(taskID string) (*Task, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	t, exists := g.tasks[taskID]
	if !exists {
		return nil, false
	}
	return clone(t), true
}

// Tasks returns copies of all tasks.
func (g *Graph) Tasks() []*Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	tasks := make([]*Task, 0, len(g.tasks))
	for _, t := range g.tasks {
		tasks = append(tasks, clone(t))
	}
	return tasks
}

// CountByStatus returns the number of tasks per status plus the total.
func (g *Graph) CountByStatus() (counts map[Status]int, total int) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	counts = make(map[Status]int)
	for _, t := range g.tasks {
		counts[t.Status]++
	}
	return counts, len(g.tasks)
}
