package worktree

import (
	"fmt"
	"os"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/dario-valles/ralph-swarm/log"
)

// Worktree is one isolated working directory checked out on its own branch.
// Exactly one agent writes to it for the lifetime of its allocation.
type Worktree struct {
	// Path to the repository
	repoPath string
	// Path to the worktree
	path string
	// Branch name checked out in the worktree
	branchName string
	// Base commit hash the branch was created from; set by Setup
	baseCommitSHA string
}

// NewWorktree returns a Worktree handle. Setup must be called before use.
func NewWorktree(repoPath, path, branchName string) *Worktree {
	return &Worktree{
		repoPath:   repoPath,
		path:       path,
		branchName: branchName,
	}
}

// Path returns the path to the worktree.
func (w *Worktree) Path() string { return w.path }

// BranchName returns the branch checked out in this worktree.
func (w *Worktree) BranchName() string { return w.branchName }

// RepoPath returns the path to the repository.
func (w *Worktree) RepoPath() string { return w.repoPath }

// BaseCommitSHA returns the commit the branch was created from.
func (w *Worktree) BaseCommitSHA() string { return w.baseCommitSHA }

// Setup creates the worktree on a fresh branch from HEAD. A pre-existing
// branch of the same name is a collision and fails; branch names encode
// agent/task identity and must never be silently reused.
func (w *Worktree) Setup() error {
	repo, err := gogit.PlainOpen(w.repoPath)
	if err != nil {
		return fmt.Errorf("failed to open repository: %w", err)
	}

	branchRef := plumbing.NewBranchReferenceName(w.branchName)
	if _, err := repo.Reference(branchRef, false); err == nil {
		return fmt.Errorf("%w: branch %s already exists", ErrBranchCollision, w.branchName)
	} else if err != plumbing.ErrReferenceNotFound {
		return fmt.Errorf("failed to check branch %s: %w", w.branchName, err)
	}

	if _, err := os.Stat(w.path); err == nil {
		return fmt.Errorf("%w: path %s already exists", ErrWorktreeBusy, w.path)
	}

	output, err := runGitCommand(w.repoPath, "rev-parse", "HEAD")
	if err != nil {
		if strings.Contains(err.Error(), "ambiguous argument 'HEAD'") ||
			strings.Contains(err.Error(), "not a valid object name") {
			return fmt.Errorf("repository has no commits: create an initial commit before scheduling agents")
		}
		return fmt.Errorf("failed to get HEAD commit hash: %w", err)
	}
	headCommit := strings.TrimSpace(output)
	w.baseCommitSHA = headCommit

	// Create the worktree from the HEAD commit rather than the current branch so
	// uncommitted changes in the main working tree never leak into the sandbox.
	if _, err := runGitCommand(w.repoPath, "worktree", "add", "-b", w.branchName, w.path, headCommit); err != nil {
		return fmt.Errorf("failed to create worktree from commit %s: %w", headCommit, err)
	}

	return nil
}

// Cleanup removes the worktree and optionally its branch, pruning stale
// administrative entries afterwards. Errors on individual steps are collected
// so one failure doesn't leave the rest of the cleanup undone.
func (w *Worktree) Cleanup(deleteBranch bool) error {
	var errs []error

	if _, err := os.Stat(w.path); err == nil {
		if _, err := runGitCommand(w.repoPath, "worktree", "remove", "-f", w.path); err != nil {
			errs = append(errs, err)
		}
	} else if !os.IsNotExist(err) {
		errs = append(errs, fmt.Errorf("failed to check worktree path: %w", err))
	}

	if deleteBranch {
		repo, err := gogit.PlainOpen(w.repoPath)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to open repository for cleanup: %w", err))
			return combineErrors(errs)
		}

		branchRef := plumbing.NewBranchReferenceName(w.branchName)
		if _, err := repo.Reference(branchRef, false); err == nil {
			if err := repo.Storer.RemoveReference(branchRef); err != nil {
				errs = append(errs, fmt.Errorf("failed to remove branch %s: %w", w.branchName, err))
			}
		} else if err != plumbing.ErrReferenceNotFound {
			errs = append(errs, fmt.Errorf("error checking branch %s existence: %w", w.branchName, err))
		}
	}

	if err := w.Prune(); err != nil {
		errs = append(errs, err)
	}

	return combineErrors(errs)
}

// Prune removes stale worktree administrative files and directories.
func (w *Worktree) Prune() error {
	if _, err := runGitCommand(w.repoPath, "worktree", "prune"); err != nil {
		return fmt.Errorf("failed to prune worktrees: %w", err)
	}
	return nil
}

// IsDirty checks if the worktree has uncommitted changes.
func (w *Worktree) IsDirty() (bool, error) {
	output, err := runGitCommand(w.path, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("failed to check worktree status: %w", err)
	}
	return len(output) > 0, nil
}

// CommitChanges stages and commits everything in the worktree locally.
func (w *Worktree) CommitChanges(commitMessage string) error {
	isDirty, err := w.IsDirty()
	if err != nil {
		return fmt.Errorf("failed to check for changes: %w", err)
	}
	if !isDirty {
		return nil
	}

	if _, err := runGitCommand(w.path, "add", "."); err != nil {
		log.ErrorLog.Print(err)
		return fmt.Errorf("failed to stage changes: %w", err)
	}
	if _, err := runGitCommand(w.path, "commit", "-m", commitMessage, "--no-verify"); err != nil {
		log.ErrorLog.Print(err)
		return fmt.Errorf("failed to commit changes: %w", err)
	}
	return nil
}

func combineErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	msgs := make([]string, len(errs))
	for i, err := range errs {
		msgs[i] = err.Error()
	}
	return fmt.Errorf("multiple cleanup errors: %s", strings.Join(msgs, "; "))
}
