package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dario-valles/ralph-swarm/config"
	"github.com/dario-valles/ralph-swarm/events"
	"github.com/dario-valles/ralph-swarm/log"
	"github.com/dario-valles/ralph-swarm/task"
	"github.com/dario-valles/ralph-swarm/worktree"
)

// TestMain runs before all tests to set up the test environment
func TestMain(m *testing.M) {
	// Initialize the logger before any tests run
	log.Initialize()
	defer log.Close()

	os.Exit(m.Run())
}

func testLimits() config.ResourceLimits {
	return config.ResourceLimits{MaxAgents: 4}
}

func testAlloc(t *testing.T, agentID string) *worktree.Allocation {
	t.Helper()
	return &worktree.Allocation{
		AgentID: agentID,
		TaskID:  "task-1",
		Branch:  "swarm/task-1-" + agentID,
		Path:    t.TempDir(),
	}
}

func waitDone(t *testing.T, a *Agent) {
	t.Helper()
	select {
	case <-a.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("agent did not finish in time")
	}
}

func TestSpawnAndReapSuccess(t *testing.T) {
	pool := NewPool(testLimits(), nil)

	var released atomic.Int32
	release := func() error {
		released.Add(1)
		return nil
	}

	a, err := pool.Spawn("agent-1", &task.Task{ID: "task-1"}, testAlloc(t, "agent-1"), "true", "", release)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", a.ID)
	assert.NotZero(t, a.PID)

	waitDone(t, a)

	completed := pool.PollCompleted()
	require.Len(t, completed, 1)
	assert.Equal(t, "agent-1", completed[0].AgentID)
	assert.Equal(t, "task-1", completed[0].TaskID)
	assert.Equal(t, 0, completed[0].ExitCode)
	assert.False(t, completed[0].RuntimeExceeded)

	assert.Equal(t, int32(1), released.Load(), "release must run exactly once")
	assert.Empty(t, pool.Running())

	// A second poll reports nothing; completions are drained, not repeated.
	assert.Empty(t, pool.PollCompleted())
}

func TestSpawnNonZeroExit(t *testing.T) {
	pool := NewPool(testLimits(), nil)

	a, err := pool.Spawn("agent-1", &task.Task{ID: "task-1"}, testAlloc(t, "agent-1"), "false", "", nil)
	require.NoError(t, err)
	waitDone(t, a)

	completed := pool.PollCompleted()
	require.Len(t, completed, 1)
	assert.Equal(t, 1, completed[0].ExitCode)
	assert.Equal(t, StatusFailed, a.Status())
}

func TestSpawnBadProgram(t *testing.T) {
	pool := NewPool(testLimits(), nil)

	_, err := pool.Spawn("agent-1", &task.Task{ID: "task-1"}, testAlloc(t, "agent-1"), "no-such-program-xyz", "", nil)
	assert.Error(t, err)
	assert.Empty(t, pool.Running())
}

func TestSpawnPoolFull(t *testing.T) {
	limits := testLimits()
	limits.MaxAgents = 1
	pool := NewPool(limits, nil)

	// cat blocks on pty input until terminated.
	_, err := pool.Spawn("agent-1", &task.Task{ID: "task-1"}, testAlloc(t, "agent-1"), "cat", "", nil)
	require.NoError(t, err)

	_, err = pool.Spawn("agent-2", &task.Task{ID: "task-2"}, testAlloc(t, "agent-2"), "cat", "", nil)
	assert.ErrorIs(t, err, ErrPoolFull)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, pool.StopAll(ctx))
}

func TestSpawnFailureReturnsCapacity(t *testing.T) {
	limits := testLimits()
	limits.MaxAgents = 1
	pool := NewPool(limits, nil)

	_, err := pool.Spawn("agent-1", &task.Task{ID: "task-1"}, testAlloc(t, "agent-1"), "no-such-program-xyz", "", nil)
	require.Error(t, err)

	// The failed spawn must not keep its slot.
	a, err := pool.Spawn("agent-2", &task.Task{ID: "task-2"}, testAlloc(t, "agent-2"), "true", "", nil)
	require.NoError(t, err)
	waitDone(t, a)
}

func TestConcurrentSpawnsRespectCapacity(t *testing.T) {
	limits := testLimits()
	limits.MaxAgents = 1
	pool := NewPool(limits, nil)

	var wg sync.WaitGroup
	var spawned, full atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("agent-%d", i)
			_, err := pool.Spawn(id, &task.Task{ID: "task-1"}, testAlloc(t, id), "cat", "", nil)
			switch {
			case err == nil:
				spawned.Add(1)
			case errors.Is(err, ErrPoolFull):
				full.Add(1)
			default:
				t.Errorf("unexpected spawn error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), spawned.Load(), "only one spawn may win the single slot")
	assert.Equal(t, int32(7), full.Load())
	assert.Len(t, pool.Running(), 1)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, pool.StopAll(ctx))
}

func TestStopTerminatesAgent(t *testing.T) {
	pool := NewPool(testLimits(), nil)

	var released atomic.Int32
	a, err := pool.Spawn("agent-1", &task.Task{ID: "task-1"}, testAlloc(t, "agent-1"), "cat", "",
		func() error { released.Add(1); return nil })
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, pool.Stop(ctx, a.ID))

	assert.Empty(t, pool.Running())
	assert.Equal(t, int32(1), released.Load(), "release must run on forced termination too")

	err = pool.Stop(ctx, a.ID)
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestStopAllBlocksUntilDrained(t *testing.T) {
	pool := NewPool(testLimits(), nil)

	for _, id := range []string{"agent-1", "agent-2", "agent-3"} {
		_, err := pool.Spawn(id, &task.Task{ID: "task-" + id}, testAlloc(t, id), "cat", "", nil)
		require.NoError(t, err)
	}
	require.Len(t, pool.Running(), 3)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	require.NoError(t, pool.StopAll(ctx))

	assert.Empty(t, pool.Running())
	assert.Len(t, pool.PollCompleted(), 3)
}

func TestRuntimeCeilingIsFatal(t *testing.T) {
	limits := testLimits()
	limits.MaxRuntime = 50 * time.Millisecond
	pool := NewPool(limits, nil)

	a, err := pool.Spawn("agent-1", &task.Task{ID: "task-1"}, testAlloc(t, "agent-1"), "cat", "", nil)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)

	ctx := context.Background()
	violations := pool.CheckViolations(ctx)
	require.Len(t, violations, 1)
	assert.Equal(t, ViolationRuntime, violations[0].Kind)
	assert.True(t, violations[0].Fatal)

	waitDone(t, a)

	completed := pool.PollCompleted()
	require.Len(t, completed, 1)
	assert.True(t, completed[0].RuntimeExceeded)
	assert.NotEqual(t, 0, completed[0].ExitCode)
}

func TestAdvisoryViolationsArePublished(t *testing.T) {
	limits := testLimits()
	limits.MaxMemoryMB = 0.001 // any live process breaches this
	bus := events.NewBus()
	eventCh, unsubscribe := bus.Subscribe(16)
	defer unsubscribe()
	pool := NewPool(limits, bus)

	a, err := pool.Spawn("agent-1", &task.Task{ID: "task-1"}, testAlloc(t, "agent-1"), "cat", "", nil)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)

	violations := pool.CheckViolations(context.Background())
	require.Len(t, violations, 1)
	assert.Equal(t, ViolationMemory, violations[0].Kind)
	assert.False(t, violations[0].Fatal, "memory breaches are advisory")
	assert.Equal(t, a.ID, violations[0].AgentID)

	// The spawn event precedes the violation on the bus.
	deadline := time.After(time.Second)
	for {
		select {
		case e := <-eventCh:
			if e.Type != events.AgentViolation {
				continue
			}
			assert.Equal(t, "agent-1", e.AgentID)
			assert.Contains(t, e.Message, "memory")
		case <-deadline:
			t.Fatal("expected an advisory violation event")
		}
		break
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, pool.StopAll(ctx))
}

func TestStatsReflectsOccupancy(t *testing.T) {
	limits := testLimits()
	limits.MaxAgents = 2
	pool := NewPool(limits, nil)

	stats := pool.Stats()
	assert.Equal(t, 0, stats.Running)
	assert.Equal(t, 2, stats.MaxAgents)

	_, err := pool.Spawn("agent-1", &task.Task{ID: "task-1"}, testAlloc(t, "agent-1"), "cat", "", nil)
	require.NoError(t, err)

	stats = pool.Stats()
	assert.Equal(t, 1, stats.Running)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, pool.StopAll(ctx))
}

func TestObserveLineMetrics(t *testing.T) {
	a := &Agent{logs: newLogBuffer(100)}

	a.observeLine("iteration 1 complete")
	a.observeLine("Total cost: $1.25")
	a.observeLine("used 1,234 tokens this turn")
	a.observeLine("Thinking about next step...")

	iterations, tokens, cost := a.Metrics()
	assert.Equal(t, 1, iterations)
	assert.Equal(t, int64(1234), tokens)
	assert.InDelta(t, 1.25, cost, 0.001)
	assert.Equal(t, StatusThinking, a.Status())
}

func TestLogBufferBounded(t *testing.T) {
	lb := newLogBuffer(10)
	for i := 0; i < 100; i++ {
		lb.Append("line")
	}
	assert.LessOrEqual(t, len(lb.Lines()), 10)
	assert.NotEmpty(t, lb.Lines())
}
