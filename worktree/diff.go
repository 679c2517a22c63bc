package worktree

import (
	"strings"
)

// DiffStats holds statistics about the changes in a diff
type DiffStats struct {
	// Content is the full diff content
	Content string
	// Added is the number of added lines
	Added int
	// Removed is the number of removed lines
	Removed int
	// Error holds any error that occurred during diff computation
	Error error
}

func (d *DiffStats) IsEmpty() bool {
	return d.Added == 0 && d.Removed == 0 && d.Content == ""
}

// Diff returns the git diff between the worktree and its base commit along
// with statistics.
func (w *Worktree) Diff() *DiffStats {
	stats := &DiffStats{}

	// -N stages untracked files (intent to add), including them in the diff
	_, err := runGitCommand(w.path, "add", "-N", ".")
	if err != nil {
		stats.Error = err
		return stats
	}

	content, err := runGitCommand(w.path, "--no-pager", "diff", w.baseCommitSHA)
	if err != nil {
		stats.Error = err
		return stats
	}
	countDiffLines(content, stats)
	stats.Content = content

	return stats
}

// BranchDiffStats returns diff statistics for branch relative to base in the
// repository at repoPath, without needing a checked-out worktree.
func BranchDiffStats(repoPath, base, branch string) *DiffStats {
	stats := &DiffStats{}
	content, err := runGitCommand(repoPath, "--no-pager", "diff", base+"..."+branch)
	if err != nil {
		stats.Error = err
		return stats
	}
	countDiffLines(content, stats)
	stats.Content = content
	return stats
}

func countDiffLines(content string, stats *DiffStats) {
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++") {
			stats.Added++
		} else if strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---") {
			stats.Removed++
		}
	}
}
