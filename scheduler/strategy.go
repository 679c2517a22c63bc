package scheduler

import (
	"fmt"
	"sort"

	"github.com/dario-valles/ralph-swarm/task"
)

// Strategy names accepted in configuration.
const (
	StrategySequential      = "sequential"
	StrategyDependencyFirst = "dependency_first"
	StrategyPriority        = "priority"
	StrategyFIFO            = "fifo"
	StrategyCostFirst       = "cost_first"
)

// pickFunc chooses the next task to schedule from a non-empty eligible set.
type pickFunc func(eligible []*task.Task, graph *task.Graph) *task.Task

// strategyFor resolves a strategy name to its picker. Unknown names are a
// configuration error, not a silent fallback.
func strategyFor(name string) (pickFunc, error) {
	switch name {
	case StrategySequential, StrategyFIFO:
		return pickFIFO, nil
	case StrategyDependencyFirst:
		return pickDependencyFirst, nil
	case StrategyPriority:
		return pickPriority, nil
	case StrategyCostFirst:
		return pickCostFirst, nil
	default:
		return nil, fmt.Errorf("unknown scheduling strategy %q", name)
	}
}

// pickFIFO takes tasks in enqueue order.
func pickFIFO(eligible []*task.Task, _ *task.Graph) *task.Task {
	best := eligible[0]
	for _, t := range eligible[1:] {
		if t.Seq() < best.Seq() {
			best = t
		}
	}
	return best
}

// pickPriority takes the most urgent task (lowest priority value), breaking
// ties by enqueue order.
func pickPriority(eligible []*task.Task, _ *task.Graph) *task.Task {
	best := eligible[0]
	for _, t := range eligible[1:] {
		if t.Priority < best.Priority || (t.Priority == best.Priority && t.Seq() < best.Seq()) {
			best = t
		}
	}
	return best
}

// pickDependencyFirst favors the task whose completion unblocks the most
// pending work, so the graph's width opens up as early as possible. Ties fall
// back to priority, then enqueue order.
func pickDependencyFirst(eligible []*task.Task, graph *task.Graph) *task.Task {
	sorted := make([]*task.Task, len(eligible))
	copy(sorted, eligible)
	unblocks := make(map[string]int, len(sorted))
	for _, t := range sorted {
		unblocks[t.ID] = graph.UnblockCount(t.ID)
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if unblocks[a.ID] != unblocks[b.ID] {
			return unblocks[a.ID] > unblocks[b.ID]
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.Seq() < b.Seq()
	})
	return sorted[0]
}

// pickCostFirst front-loads the most expensive task while parallel capacity is
// still available, breaking ties by enqueue order.
func pickCostFirst(eligible []*task.Task, _ *task.Graph) *task.Task {
	best := eligible[0]
	for _, t := range eligible[1:] {
		if t.EstimatedCost > best.EstimatedCost ||
			(t.EstimatedCost == best.EstimatedCost && t.Seq() < best.Seq()) {
			best = t
		}
	}
	return best
}
