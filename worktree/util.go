package worktree

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// Pre-compiled regexes for branch name sanitization.
var (
	unsafeCharsRegex = regexp.MustCompile(`[^a-z0-9\-_/.]+`)
	multiDashRegex   = regexp.MustCompile(`-+`)
)

// sanitizeBranchName transforms an arbitrary string into a Git branch name friendly string.
func sanitizeBranchName(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, " ", "-")
	s = unsafeCharsRegex.ReplaceAllString(s, "")
	s = multiDashRegex.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-/")
	return s
}

// shortID truncates an ID to the first 8 characters for path/branch suffixes.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// runGitCommand executes a git command with -C path and returns its combined output.
func runGitCommand(path string, args ...string) (string, error) {
	baseArgs := []string{"-C", path}
	cmd := exec.Command("git", append(baseArgs, args...)...)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git command failed: %s (%w)", output, err)
	}
	return string(output), nil
}

// IsGitRepo checks if the given path is within a git repository.
func IsGitRepo(path string) bool {
	_, err := FindGitRepoRoot(path)
	return err == nil
}

// FindGitRepoRoot walks up from path until it finds a git repo root.
func FindGitRepoRoot(path string) (string, error) {
	currentPath := path
	for {
		_, err := gogit.PlainOpen(currentPath)
		if err == nil {
			return currentPath, nil
		}

		parent := filepath.Dir(currentPath)
		if parent == currentPath {
			return "", fmt.Errorf("failed to find Git repository root from path: %s", path)
		}
		currentPath = parent
	}
}

// ListLocalBranches returns all local branch names for the repo at repoPath.
func ListLocalBranches(repoPath string) ([]string, error) {
	repoRoot, err := FindGitRepoRoot(repoPath)
	if err != nil {
		return nil, err
	}
	repo, err := gogit.PlainOpen(repoRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to open repository: %w", err)
	}
	iter, err := repo.Branches()
	if err != nil {
		return nil, fmt.Errorf("failed to list branches: %w", err)
	}
	var branches []string
	_ = iter.ForEach(func(ref *plumbing.Reference) error {
		branches = append(branches, ref.Name().Short())
		return nil
	})
	return branches, nil
}

// registeredWorktree is one entry of `git worktree list --porcelain`.
type registeredWorktree struct {
	Path   string
	Branch string
}

// listRegisteredWorktrees parses the porcelain worktree list for repoPath.
// The main working tree is included; callers filter it out by path.
func listRegisteredWorktrees(repoPath string) ([]registeredWorktree, error) {
	output, err := runGitCommand(repoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w", err)
	}

	// Entries are blocks separated by blank lines:
	//   worktree /path/to/wt
	//   HEAD abc123
	//   branch refs/heads/branch-name
	var result []registeredWorktree
	var current registeredWorktree
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case strings.HasPrefix(line, "worktree "):
			current = registeredWorktree{Path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "branch "):
			current.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		case line == "":
			if current.Path != "" {
				result = append(result, current)
				current = registeredWorktree{}
			}
		}
	}
	if current.Path != "" {
		result = append(result, current)
	}
	return result, nil
}

// FindWorktreePathForBranch returns the checked-out worktree path for branchName,
// or ("", nil) if the branch exists but is not checked out anywhere.
func FindWorktreePathForBranch(repoPath, branchName string) (string, error) {
	repoRoot, err := FindGitRepoRoot(repoPath)
	if err != nil {
		return "", err
	}
	entries, err := listRegisteredWorktrees(repoRoot)
	if err != nil {
		return "", err
	}
	for _, entry := range entries {
		if entry.Branch == branchName {
			return entry.Path, nil
		}
	}
	return "", nil
}
