package merge

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dario-valles/ralph-swarm/events"
)

func candidate(branch, agentID, taskID string, completedAt time.Time) Candidate {
	return Candidate{Branch: branch, AgentID: agentID, TaskID: taskID, TaskTitle: taskID, CompletedAt: completedAt}
}

func TestMergeCompletedBranchesAllClean(t *testing.T) {
	dir := setupRepo(t, map[string]string{"a.txt": "a\n", "b.txt": "b\n"})
	commitOnBranch(t, dir, "branch-1", map[string]string{"a.txt": "a changed\n"})
	commitOnBranch(t, dir, "branch-2", map[string]string{"b.txt": "b changed\n"})

	orch, err := NewOrchestrator(dir, OrchestratorConfig{TargetBranch: "main"}, nil, nil)
	require.NoError(t, err)

	now := time.Now()
	report, err := orch.MergeCompletedBranches(context.Background(), []Candidate{
		candidate("branch-1", "agent-1", "t1", now),
		candidate("branch-2", "agent-2", "t2", now.Add(time.Second)),
	})
	require.NoError(t, err)

	assert.Equal(t, 2, report.Merged)
	assert.Zero(t, report.Failed)
	assert.Zero(t, report.Skipped)
	require.Len(t, report.Results, 2)
	for _, r := range report.Results {
		assert.Equal(t, StateMerged, r.State)
		assert.NotEmpty(t, r.MergeCommit)
	}

	// Both changes landed on main.
	a, err := os.ReadFile(filepath.Join(dir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "a changed\n", string(a))
	b, err := os.ReadFile(filepath.Join(dir, "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "b changed\n", string(b))
}

func TestMergeIsolatesFailures(t *testing.T) {
	dir := setupRepo(t, map[string]string{"shared.txt": tenLines, "other.txt": "other\n"})
	commitOnBranch(t, dir, "branch-1", map[string]string{
		"shared.txt": strings.Replace(tenLines, "five", "five-from-1", 1),
	})
	// branch-2 collides with branch-1 on the same line.
	commitOnBranch(t, dir, "branch-2", map[string]string{
		"shared.txt": strings.Replace(tenLines, "five", "five-from-2", 1),
	})
	commitOnBranch(t, dir, "branch-3", map[string]string{"other.txt": "other changed\n"})

	bus := events.NewBus()
	eventCh, unsubscribe := bus.Subscribe(64)
	defer unsubscribe()

	orch, err := NewOrchestrator(dir, OrchestratorConfig{TargetBranch: "main"}, nil, bus)
	require.NoError(t, err)

	now := time.Now()
	report, err := orch.MergeCompletedBranches(context.Background(), []Candidate{
		candidate("branch-1", "agent-1", "t1", now),
		candidate("branch-2", "agent-2", "t2", now.Add(time.Second)),
		candidate("branch-3", "agent-3", "t3", now.Add(2*time.Second)),
	})
	require.NoError(t, err)

	assert.Equal(t, 2, report.Merged)
	assert.Equal(t, 1, report.Failed)
	assert.Zero(t, report.Skipped)
	assert.Equal(t, len(report.Results), report.Merged+report.Failed+report.Skipped)

	assert.Equal(t, StateMerged, report.Results[0].State)
	assert.Equal(t, StateMergeFailed, report.Results[1].State)
	assert.Equal(t, StateMerged, report.Results[2].State, "a failed branch never blocks the rest")

	// The failed merge left main clean: branch-1's version won.
	content, err := os.ReadFile(filepath.Join(dir, "shared.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(content), "five-from-1")
	assert.NotContains(t, string(content), "<<<<<<<")

	// No merge left in progress.
	_, err = os.Stat(filepath.Join(dir, ".git", "MERGE_HEAD"))
	assert.True(t, os.IsNotExist(err))

	// Events fired for both outcomes.
	var merged, failed int
	for len(eventCh) > 0 {
		e := <-eventCh
		switch e.Type {
		case events.BranchMerged:
			merged++
		case events.MergeFailed:
			failed++
		}
	}
	assert.Equal(t, 2, merged)
	assert.Equal(t, 1, failed)
}

func TestMergeFailureNamesEveryConflictedFile(t *testing.T) {
	dir := setupRepo(t, map[string]string{"first.txt": tenLines, "second.txt": tenLines})
	commitOnBranch(t, dir, "branch-1", map[string]string{
		"first.txt":  strings.Replace(tenLines, "five", "five-from-1", 1),
		"second.txt": strings.Replace(tenLines, "five", "five-from-1", 1),
	})
	// branch-2 collides with branch-1 on the same line of both files.
	commitOnBranch(t, dir, "branch-2", map[string]string{
		"first.txt":  strings.Replace(tenLines, "five", "five-from-2", 1),
		"second.txt": strings.Replace(tenLines, "five", "five-from-2", 1),
	})

	orch, err := NewOrchestrator(dir, OrchestratorConfig{TargetBranch: "main"}, nil, nil)
	require.NoError(t, err)

	now := time.Now()
	report, err := orch.MergeCompletedBranches(context.Background(), []Candidate{
		candidate("branch-1", "agent-1", "t1", now),
		candidate("branch-2", "agent-2", "t2", now.Add(time.Second)),
	})
	require.NoError(t, err)
	require.Len(t, report.Results, 2)

	failed := report.Results[1]
	require.Equal(t, StateMergeFailed, failed.State)
	assert.Contains(t, failed.Error, "first.txt")
	assert.Contains(t, failed.Error, "second.txt")
	assert.Len(t, failed.Resolutions, 2, "every conflicted file gets a resolution attempt")

	// The aborted merge left main clean.
	_, err = os.Stat(filepath.Join(dir, ".git", "MERGE_HEAD"))
	assert.True(t, os.IsNotExist(err))
}

func TestMergeInCompletionOrder(t *testing.T) {
	dir := setupRepo(t, map[string]string{"log.txt": "start\n"})
	// Both branches append different files; completion order decides merge order.
	commitOnBranch(t, dir, "late", map[string]string{"late.txt": "late\n"})
	commitOnBranch(t, dir, "early", map[string]string{"early.txt": "early\n"})

	orch, err := NewOrchestrator(dir, OrchestratorConfig{TargetBranch: "main"}, nil, nil)
	require.NoError(t, err)

	now := time.Now()
	// Passed out of order; CompletedAt decides.
	report, err := orch.MergeCompletedBranches(context.Background(), []Candidate{
		candidate("late", "agent-l", "t-late", now.Add(time.Minute)),
		candidate("early", "agent-e", "t-early", now),
	})
	require.NoError(t, err)
	require.Len(t, report.Results, 2)
	assert.Equal(t, "early", report.Results[0].Candidate.Branch)
	assert.Equal(t, "late", report.Results[1].Candidate.Branch)
}

func TestMergeDeletesBranchesWhenConfigured(t *testing.T) {
	dir := setupRepo(t, map[string]string{"a.txt": "a\n"})
	commitOnBranch(t, dir, "branch-1", map[string]string{"a.txt": "changed\n"})

	orch, err := NewOrchestrator(dir, OrchestratorConfig{TargetBranch: "main", DeleteBranches: true}, nil, nil)
	require.NoError(t, err)

	report, err := orch.MergeCompletedBranches(context.Background(), []Candidate{
		candidate("branch-1", "agent-1", "t1", time.Now()),
	})
	require.NoError(t, err)
	require.Equal(t, 1, report.Merged)

	branches := gitRun(t, dir, "branch", "--list", "branch-1")
	assert.Empty(t, strings.TrimSpace(branches))
}

func TestMergeFailsOnMissingTargetBranch(t *testing.T) {
	dir := setupRepo(t, map[string]string{"a.txt": "a\n"})

	orch, err := NewOrchestrator(dir, OrchestratorConfig{TargetBranch: "release"}, nil, nil)
	require.NoError(t, err)

	_, err = orch.MergeCompletedBranches(context.Background(), []Candidate{
		candidate("nope", "agent", "t", time.Now()),
	})
	assert.ErrorContains(t, err, "does not exist")
}

func TestMergeEmptyCandidateSet(t *testing.T) {
	dir := setupRepo(t, map[string]string{"a.txt": "a\n"})

	orch, err := NewOrchestrator(dir, OrchestratorConfig{TargetBranch: "main"}, nil, nil)
	require.NoError(t, err)

	report, err := orch.MergeCompletedBranches(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, report.Results)
}

func TestMergeableBranchesPreviewIsReadOnly(t *testing.T) {
	dir := setupRepo(t, map[string]string{"shared.txt": tenLines})
	commitOnBranch(t, dir, "branch-1", map[string]string{
		"shared.txt": strings.Replace(tenLines, "five", "one version", 1),
	})
	commitOnBranch(t, dir, "branch-2", map[string]string{
		"shared.txt": strings.Replace(tenLines, "five", "another version", 1),
	})

	orch, err := NewOrchestrator(dir, OrchestratorConfig{TargetBranch: "main"}, nil, nil)
	require.NoError(t, err)

	headBefore := strings.TrimSpace(gitRun(t, dir, "rev-parse", "HEAD"))

	conflicts, summary, err := orch.MergeableBranches([]Candidate{
		candidate("branch-1", "agent-1", "t1", time.Now()),
		candidate("branch-2", "agent-2", "t2", time.Now()),
	})
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, 1, summary.Total)

	headAfter := strings.TrimSpace(gitRun(t, dir, "rev-parse", "HEAD"))
	assert.Equal(t, headBefore, headAfter, "preview must not move any ref")
}
