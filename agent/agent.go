package agent

import (
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dario-valles/ralph-swarm/worktree"
)

// Status represents what an agent process is currently doing.
type Status string

const (
	// StatusIdle is an agent that has been spawned but produced no output yet.
	StatusIdle Status = "idle"
	// StatusThinking is an agent whose last output looked like model reasoning.
	StatusThinking Status = "thinking"
	// StatusWorking is an agent actively producing output.
	StatusWorking Status = "working"
	// StatusCommitting is an agent that is committing its changes.
	StatusCommitting Status = "committing"
	// StatusDone is an agent whose process exited successfully.
	StatusDone Status = "done"
	// StatusFailed is an agent whose process exited non-zero or was killed.
	StatusFailed Status = "failed"
)

// Agent is a spawned OS process bound to exactly one task. It exclusively
// owns its worktree allocation for its lifetime; release is guaranteed once
// on every exit path via the release guard.
type Agent struct {
	ID           string
	TaskID       string
	PID          int
	WorktreePath string
	Branch       string
	Program      string
	Model        string
	StartedAt    time.Time

	mu           sync.Mutex
	status       Status
	iterations   int
	tokensUsed   int64
	costUSD      float64
	timedOut     bool

	cmd         *exec.Cmd
	ptmx        *os.File
	logs        *logBuffer
	wt          *worktree.Worktree
	done        chan struct{}
	releaseOnce sync.Once
	release     func() error
}

// Status returns the agent's current status.
func (a *Agent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

func (a *Agent) setStatus(s Status) {
	a.mu.Lock()
	a.status = s
	a.mu.Unlock()
}

// Metrics returns iteration count and accumulated token/cost figures.
func (a *Agent) Metrics() (iterations int, tokens int64, costUSD float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.iterations, a.tokensUsed, a.costUSD
}

// Logs returns the buffered output lines in order.
func (a *Agent) Logs() []string {
	return a.logs.Lines()
}

// Done is closed when the agent's process has exited and been reaped.
func (a *Agent) Done() <-chan struct{} { return a.done }

// Runtime returns how long the agent has been running.
func (a *Agent) Runtime() time.Duration { return time.Since(a.StartedAt) }

func (a *Agent) markRuntimeExceeded() {
	a.mu.Lock()
	a.timedOut = true
	a.mu.Unlock()
}

func (a *Agent) runtimeExceeded() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.timedOut
}

// releaseResources runs the release guard exactly once.
func (a *Agent) releaseResources() error {
	var err error
	a.releaseOnce.Do(func() {
		if a.release != nil {
			err = a.release()
		}
	})
	return err
}

var (
	costRegex  = regexp.MustCompile(`\$([0-9]+\.[0-9]+)`)
	tokenRegex = regexp.MustCompile(`([0-9][0-9,]*) tokens`)
)

// observeLine updates the agent's coarse status and metrics from one line of
// output. The markers are best-effort; agent programs differ in their output
// format.
func (a *Agent) observeLine(line string) {
	a.logs.Append(line)

	lower := strings.ToLower(line)
	switch {
	case strings.Contains(lower, "git commit") || strings.Contains(lower, "committing"):
		a.setStatus(StatusCommitting)
	case strings.Contains(lower, "thinking"):
		a.setStatus(StatusThinking)
	default:
		a.setStatus(StatusWorking)
	}

	a.mu.Lock()
	if strings.Contains(lower, "iteration") {
		a.iterations++
	}
	if strings.Contains(lower, "cost") {
		if m := costRegex.FindStringSubmatch(line); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				a.costUSD = v
			}
		}
	}
	if m := tokenRegex.FindStringSubmatch(lower); m != nil {
		if v, err := strconv.ParseInt(strings.ReplaceAll(m[1], ",", ""), 10, 64); err == nil {
			a.tokensUsed += v
		}
	}
	a.mu.Unlock()
}

// logBuffer is a bounded ordered line buffer for agent output.
type logBuffer struct {
	mu    sync.Mutex
	lines []string
	max   int
}

func newLogBuffer(max int) *logBuffer {
	if max <= 0 {
		max = 2000
	}
	return &logBuffer{max: max}
}

func (lb *logBuffer) Append(line string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.lines = append(lb.lines, line)
	if len(lb.lines) > lb.max {
		// Drop the oldest half rather than shifting one line per append.
		lb.lines = append([]string(nil), lb.lines[len(lb.lines)-lb.max/2:]...)
	}
}

func (lb *logBuffer) Lines() []string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return append([]string(nil), lb.lines...)
}
