package worktree

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dario-valles/ralph-swarm/log"
)

// Allocation binds one agent+task to one worktree path and branch.
type Allocation struct {
	AgentID   string
	TaskID    string
	Branch    string
	Path      string
	BaseSHA   string
	CreatedAt time.Time

	wt *Worktree
}

// Worktree returns the underlying worktree handle.
func (a *Allocation) Worktree() *Worktree { return a.wt }

// Allocator creates and destroys isolated worktrees for agents. At most one
// live allocation may exist per worktree path, and branch names are unique
// across simultaneously live allocations.
type Allocator struct {
	repoPath     string
	worktreesDir string
	branchPrefix string

	mu      sync.Mutex
	byPath  map[string]*Allocation
	byAgent map[string]string // agentID -> path
}

// NewAllocator creates an allocator rooted at the repository containing
// repoPath. Worktrees are placed under <repo>/.swarm-worktrees.
func NewAllocator(repoPath, branchPrefix string) (*Allocator, error) {
	absPath, err := filepath.Abs(repoPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve repo path %s: %w", repoPath, err)
	}
	root, err := FindGitRepoRoot(absPath)
	if err != nil {
		return nil, err
	}

	return &Allocator{
		repoPath:     root,
		worktreesDir: filepath.Join(root, ".swarm-worktrees"),
		branchPrefix: branchPrefix,
		byPath:       make(map[string]*Allocation),
		byAgent:      make(map[string]string),
	}, nil
}

// RepoPath returns the repository root the allocator operates on.
func (al *Allocator) RepoPath() string { return al.repoPath }

// branchFor derives the deterministic branch name for an agent/task pair.
func (al *Allocator) branchFor(agentID, taskID string) string {
	return al.branchPrefix + sanitizeBranchName(taskID) + "-" + shortID(agentID)
}

// Allocate creates a fresh worktree and branch for the agent/task pair.
// A branch or path collision fails loudly; the deterministic name encodes
// identity and silently renaming would break the pairing invariant.
func (al *Allocator) Allocate(agentID, taskID string) (*Allocation, error) {
	branch := al.branchFor(agentID, taskID)
	path := filepath.Join(al.worktreesDir, sanitizeBranchName(taskID)+"-"+shortID(agentID))

	al.mu.Lock()
	if existing, ok := al.byPath[path]; ok {
		al.mu.Unlock()
		return nil, fmt.Errorf("%w: %s held by agent %s", ErrWorktreeBusy, path, existing.AgentID)
	}
	for _, alloc := range al.byPath {
		if alloc.Branch == branch {
			al.mu.Unlock()
			return nil, fmt.Errorf("%w: branch %s held by agent %s", ErrBranchCollision, branch, alloc.AgentID)
		}
	}
	// Reserve the slot before the git work so a concurrent Allocate for the
	// same pair fails fast instead of racing the filesystem.
	alloc := &Allocation{
		AgentID:   agentID,
		TaskID:    taskID,
		Branch:    branch,
		Path:      path,
		CreatedAt: time.Now(),
	}
	al.byPath[path] = alloc
	al.byAgent[agentID] = path
	al.mu.Unlock()

	wt := NewWorktree(al.repoPath, path, branch)
	if err := wt.Setup(); err != nil {
		al.mu.Lock()
		delete(al.byPath, path)
		delete(al.byAgent, agentID)
		al.mu.Unlock()
		return nil, err
	}

	alloc.wt = wt
	alloc.BaseSHA = wt.BaseCommitSHA()
	log.InfoLog.Printf("allocated worktree %s on branch %s for agent %s", path, branch, agentID)
	return alloc, nil
}

// Deallocate removes the worktree at path. deleteBranch is caller policy:
// the auto-merge flow keeps branches until they are merged.
func (al *Allocator) Deallocate(path string, deleteBranch bool) error {
	al.mu.Lock()
	alloc, ok := al.byPath[path]
	if !ok {
		al.mu.Unlock()
		return fmt.Errorf("%w: path %s", ErrAllocationNotFound, path)
	}
	delete(al.byPath, path)
	delete(al.byAgent, alloc.AgentID)
	al.mu.Unlock()

	if err := alloc.wt.Cleanup(deleteBranch); err != nil {
		return fmt.Errorf("failed to clean up worktree %s: %w", path, err)
	}
	log.InfoLog.Printf("deallocated worktree %s (branch deleted: %v)", path, deleteBranch)
	return nil
}

// DeallocateByAgent removes the worktree held by agentID.
func (al *Allocator) DeallocateByAgent(agentID string, deleteBranch bool) error {
	al.mu.Lock()
	path, ok := al.byAgent[agentID]
	al.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: agent %s", ErrAllocationNotFound, agentID)
	}
	return al.Deallocate(path, deleteBranch)
}

// Get returns the live allocation for agentID, if any.
func (al *Allocator) Get(agentID string) (*Allocation, bool) {
	al.mu.Lock()
	defer al.mu.Unlock()
	path, ok := al.byAgent[agentID]
	if !ok {
		return nil, false
	}
	return al.byPath[path], true
}

// Live returns all live allocations.
func (al *Allocator) Live() []*Allocation {
	al.mu.Lock()
	defer al.mu.Unlock()
	allocs := make([]*Allocation, 0, len(al.byPath))
	for _, a := range al.byPath {
		allocs = append(allocs, a)
	}
	return allocs
}

// CleanupOrphaned removes every registered worktree under the allocator's
// directory that has no live allocation, e.g. one left behind by a crashed
// coordinator. It is idempotent and safe to run while other agents hold
// live allocations: those are never touched.
func (al *Allocator) CleanupOrphaned() ([]string, error) {
	registered, err := listRegisteredWorktrees(al.repoPath)
	if err != nil {
		return nil, err
	}

	al.mu.Lock()
	var orphans []registeredWorktree
	for _, entry := range registered {
		if !strings.HasPrefix(entry.Path, al.worktreesDir+string(filepath.Separator)) {
			// Not ours; the main working tree and user worktrees stay untouched.
			continue
		}
		if _, live := al.byPath[entry.Path]; live {
			continue
		}
		orphans = append(orphans, entry)
	}
	al.mu.Unlock()

	if len(orphans) == 0 {
		return nil, nil
	}

	var g errgroup.Group
	g.SetLimit(4)
	removed := make([]string, 0, len(orphans))
	var removedMu sync.Mutex
	for _, orphan := range orphans {
		orphan := orphan
		g.Go(func() error {
			wt := NewWorktree(al.repoPath, orphan.Path, orphan.Branch)
			if err := wt.Cleanup(true); err != nil {
				log.WarningLog.Printf("failed to remove orphaned worktree %s: %v", orphan.Path, err)
				return err
			}
			removedMu.Lock()
			removed = append(removed, orphan.Path)
			removedMu.Unlock()
			return nil
		})
	}
	err = g.Wait()

	if len(removed) > 0 {
		log.InfoLog.Printf("cleaned up %d orphaned worktrees", len(removed))
	}
	return removed, err
}
