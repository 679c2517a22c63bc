package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dario-valles/ralph-swarm/task"
)

func TestPickFIFO(t *testing.T) {
	g := buildGraph(t,
		&task.Task{ID: "first"},
		&task.Task{ID: "second"},
		&task.Task{ID: "third"},
	)

	picked := pickFIFO(g.Eligible(), g)
	assert.Equal(t, "first", picked.ID)
}

func TestPickPriority(t *testing.T) {
	g := buildGraph(t,
		&task.Task{ID: "low", Priority: 5},
		&task.Task{ID: "urgent", Priority: 1},
		&task.Task{ID: "also-urgent", Priority: 1},
	)

	picked := pickPriority(g.Eligible(), g)
	assert.Equal(t, "urgent", picked.ID, "equal priorities break ties by enqueue order")
}

func TestPickCostFirst(t *testing.T) {
	g := buildGraph(t,
		&task.Task{ID: "cheap", EstimatedCost: 1},
		&task.Task{ID: "expensive", EstimatedCost: 10},
		&task.Task{ID: "medium", EstimatedCost: 5},
	)

	picked := pickCostFirst(g.Eligible(), g)
	assert.Equal(t, "expensive", picked.ID, "the most expensive work runs while capacity is free")
}

func TestPickCostFirstTieBreaksByEnqueueOrder(t *testing.T) {
	g := buildGraph(t,
		&task.Task{ID: "first", EstimatedCost: 3},
		&task.Task{ID: "second", EstimatedCost: 3},
	)

	picked := pickCostFirst(g.Eligible(), g)
	assert.Equal(t, "first", picked.ID)
}

func TestPickDependencyFirst(t *testing.T) {
	// bottleneck gates two tasks; loner gates none.
	g := buildGraph(t,
		&task.Task{ID: "loner"},
		&task.Task{ID: "bottleneck"},
		&task.Task{ID: "a", DependsOn: []string{"bottleneck"}},
		&task.Task{ID: "b", DependsOn: []string{"bottleneck"}},
	)

	picked := pickDependencyFirst(g.Eligible(), g)
	assert.Equal(t, "bottleneck", picked.ID)
}

func TestStrategyForUnknownName(t *testing.T) {
	_, err := strategyFor("definitely-not-a-strategy")
	require.Error(t, err)

	for _, name := range []string{StrategySequential, StrategyDependencyFirst, StrategyPriority, StrategyFIFO, StrategyCostFirst} {
		pick, err := strategyFor(name)
		require.NoError(t, err)
		require.NotNil(t, pick)
	}
}
