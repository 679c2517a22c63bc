package task

import (
	"time"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	// StatusPending is a task whose dependencies are not all completed yet.
	StatusPending Status = "pending"
	// StatusReady is a task whose dependencies are all completed and that is
	// waiting for pool capacity.
	StatusReady Status = "ready"
	// StatusRunning is a task currently assigned to exactly one agent.
	StatusRunning Status = "running"
	// StatusCompleted is a task whose agent exited successfully.
	StatusCompleted Status = "completed"
	// StatusFailed is a task that exhausted its retries.
	StatusFailed Status = "failed"
	// StatusSkipped is a failed task manually overridden so its dependents can
	// become eligible again.
	StatusSkipped Status = "skipped"
)

// Task is the unit of work dispatched to an agent.
type Task struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	// Priority orders eligible tasks; lower is more urgent.
	Priority int `json:"priority"`
	// DependsOn lists task IDs that must complete before this task is eligible.
	DependsOn []string `json:"depends_on,omitempty"`
	// EstimatedCost is a relative cost estimate used by the cost_first strategy.
	EstimatedCost float64 `json:"estimated_cost,omitempty"`
	Status        Status  `json:"status"`
	// AgentID is set while the task is running.
	AgentID string `json:"agent_id,omitempty"`
	// Branch and WorktreePath are set once a worktree has been allocated.
	Branch       string `json:"branch,omitempty"`
	WorktreePath string `json:"worktree_path,omitempty"`
	Retries      int    `json:"retries"`
	MaxRetries   int    `json:"max_retries"`
	LastError    string `json:"last_error,omitempty"`

	EnqueuedAt  time.Time  `json:"enqueued_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// seq is the enqueue sequence number, used for FIFO tie-breaking.
	seq int
}

// Seq returns the enqueue sequence number assigned by the graph.
func (t *Task) Seq() int { return t.seq }

// Terminal reports whether the task can no longer change state.
func (t *Task) Terminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusFailed || t.Status == StatusSkipped
}

func clone(t *Task) *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.DependsOn != nil {
		cp.DependsOn = append([]string(nil), t.DependsOn...)
	}
	return &cp
}
