package worktree

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dario-valles/ralph-swarm/log"
)

// TestMain runs before all tests to set up the test environment
func TestMain(m *testing.M) {
	// Initialize the logger before any tests run
	log.Initialize()
	defer log.Close()

	os.Exit(m.Run())
}

// setupTestRepo creates a git repository with one initial commit.
func setupTestRepo(t *testing.T, repoPath string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(repoPath, 0755))

	for _, args := range [][]string{
		{"init", "-b", "main"},
		{"config", "user.email", "test@example.com"},
		{"config", "user.name", "Test User"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = repoPath
		require.NoError(t, cmd.Run())
	}

	testFile := filepath.Join(repoPath, "README.md")
	require.NoError(t, os.WriteFile(testFile, []byte("# Test Repo"), 0644))

	for _, args := range [][]string{
		{"add", "."},
		{"commit", "-m", "Initial commit"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = repoPath
		require.NoError(t, cmd.Run())
	}
}

func TestAllocateCreatesWorktreeAndBranch(t *testing.T) {
	repoPath := filepath.Join(t.TempDir(), "repo")
	setupTestRepo(t, repoPath)

	alloc, err := NewAllocator(repoPath, "swarm/")
	require.NoError(t, err)

	allocation, err := alloc.Allocate("agent-12345678", "Task One")
	require.NoError(t, err)

	assert.Equal(t, "swarm/task-one-agent-12", allocation.Branch)
	assert.DirExists(t, allocation.Path)
	assert.NotEmpty(t, allocation.BaseSHA)

	branches, err := ListLocalBranches(repoPath)
	require.NoError(t, err)
	assert.Contains(t, branches, allocation.Branch)

	// The worktree must be isolated from the main working tree.
	assert.NotEqual(t, repoPath, allocation.Path)
	assert.FileExists(t, filepath.Join(allocation.Path, "README.md"))
}

func TestAllocateDeallocatePairing(t *testing.T) {
	repoPath := filepath.Join(t.TempDir(), "repo")
	setupTestRepo(t, repoPath)

	alloc, err := NewAllocator(repoPath, "swarm/")
	require.NoError(t, err)

	allocation, err := alloc.Allocate("agent-1", "task-1")
	require.NoError(t, err)
	assert.Len(t, alloc.Live(), 1)

	require.NoError(t, alloc.DeallocateByAgent("agent-1", false))
	assert.Empty(t, alloc.Live())
	assert.NoDirExists(t, allocation.Path)

	// Branch survives deallocation so it can be merged later.
	branches, err := ListLocalBranches(repoPath)
	require.NoError(t, err)
	assert.Contains(t, branches, allocation.Branch)

	// Deallocating twice is an error, not a silent no-op.
	err = alloc.DeallocateByAgent("agent-1", false)
	assert.ErrorIs(t, err, ErrAllocationNotFound)
}

func TestAllocateBranchCollisionFailsLoudly(t *testing.T) {
	repoPath := filepath.Join(t.TempDir(), "repo")
	setupTestRepo(t, repoPath)

	alloc, err := NewAllocator(repoPath, "swarm/")
	require.NoError(t, err)

	// Pre-create the branch the allocator would use.
	cmd := exec.Command("git", "branch", "swarm/task-1-agent-1")
	cmd.Dir = repoPath
	require.NoError(t, cmd.Run())

	_, err = alloc.Allocate("agent-1", "task-1")
	assert.ErrorIs(t, err, ErrBranchCollision)
	assert.Empty(t, alloc.Live(), "failed allocation must not leave a reservation behind")
}

func TestAllocateSameAgentTaskTwice(t *testing.T) {
	repoPath := filepath.Join(t.TempDir(), "repo")
	setupTestRepo(t, repoPath)

	alloc, err := NewAllocator(repoPath, "swarm/")
	require.NoError(t, err)

	_, err = alloc.Allocate("agent-1", "task-1")
	require.NoError(t, err)

	_, err = alloc.Allocate("agent-1", "task-1")
	assert.ErrorIs(t, err, ErrWorktreeBusy)
}

func TestDeallocateDeletesBranchWhenAsked(t *testing.T) {
	repoPath := filepath.Join(t.TempDir(), "repo")
	setupTestRepo(t, repoPath)

	alloc, err := NewAllocator(repoPath, "swarm/")
	require.NoError(t, err)

	allocation, err := alloc.Allocate("agent-1", "task-1")
	require.NoError(t, err)

	require.NoError(t, alloc.Deallocate(allocation.Path, true))

	branches, err := ListLocalBranches(repoPath)
	require.NoError(t, err)
	assert.NotContains(t, branches, allocation.Branch)
}

func TestCleanupOrphaned(t *testing.T) {
	repoPath := filepath.Join(t.TempDir(), "repo")
	setupTestRepo(t, repoPath)

	alloc, err := NewAllocator(repoPath, "swarm/")
	require.NoError(t, err)

	// Simulate a crash: allocate through one allocator, then forget about it
	// by creating a fresh allocator with no live state.
	orphaned, err := alloc.Allocate("agent-dead", "task-dead")
	require.NoError(t, err)

	fresh, err := NewAllocator(repoPath, "swarm/")
	require.NoError(t, err)

	live, err := fresh.Allocate("agent-live", "task-live")
	require.NoError(t, err)

	removed, err := fresh.CleanupOrphaned()
	require.NoError(t, err)
	assert.Equal(t, []string{orphaned.Path}, removed)
	assert.NoDirExists(t, orphaned.Path)
	assert.DirExists(t, live.Path, "live allocations must never be touched")

	// Idempotent: a second run finds nothing.
	removed, err = fresh.CleanupOrphaned()
	require.NoError(t, err)
	assert.Empty(t, removed)
}

func TestCleanupOrphanedIgnoresUserWorktrees(t *testing.T) {
	repoPath := filepath.Join(t.TempDir(), "repo")
	setupTestRepo(t, repoPath)

	userWorktree := filepath.Join(t.TempDir(), "user-wt")
	cmd := exec.Command("git", "worktree", "add", "-b", "user-branch", userWorktree)
	cmd.Dir = repoPath
	require.NoError(t, cmd.Run())

	alloc, err := NewAllocator(repoPath, "swarm/")
	require.NoError(t, err)

	removed, err := alloc.CleanupOrphaned()
	require.NoError(t, err)
	assert.Empty(t, removed)
	assert.DirExists(t, userWorktree)
}

func TestGetAndLive(t *testing.T) {
	repoPath := filepath.Join(t.TempDir(), "repo")
	setupTestRepo(t, repoPath)

	alloc, err := NewAllocator(repoPath, "swarm/")
	require.NoError(t, err)

	_, ok := alloc.Get("agent-1")
	assert.False(t, ok)

	allocation, err := alloc.Allocate("agent-1", "task-1")
	require.NoError(t, err)

	got, ok := alloc.Get("agent-1")
	require.True(t, ok)
	assert.Equal(t, allocation.Path, got.Path)
	assert.Equal(t, "task-1", got.TaskID)
}
