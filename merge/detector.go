package merge

import (
	"fmt"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/utils/merkletrie"
	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/dario-valles/ralph-swarm/worktree"
)

// BranchRef names one agent branch for conflict detection.
type BranchRef struct {
	Branch  string
	AgentID string
}

// Detector statically compares branches' changed-file sets against their
// common ancestor to predict merge conflicts before any merge is attempted.
type Detector struct {
	repoPath string
}

// NewDetector creates a detector for the repository containing repoPath.
func NewDetector(repoPath string) (*Detector, error) {
	root, err := worktree.FindGitRepoRoot(repoPath)
	if err != nil {
		return nil, err
	}
	return &Detector{repoPath: root}, nil
}

// fileChange is one branch's change to a path relative to the merge base.
type fileChange struct {
	action merkletrie.Action
	hash   plumbing.Hash
}

// Detect computes conflicts for every pair of the given branches. The result
// is symmetric in the argument order: each conflict references both branches
// of its pair.
func (d *Detector) Detect(refs []BranchRef) ([]Conflict, error) {
	repo, err := gogit.PlainOpen(d.repoPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open repository: %w", err)
	}

	var conflicts []Conflict
	for i := 0; i < len(refs); i++ {
		for j := i + 1; j < len(refs); j++ {
			pair, err := d.detectPair(repo, refs[i], refs[j], false)
			if err != nil {
				return nil, err
			}
			conflicts = append(conflicts, pair...)
		}
	}
	return conflicts, nil
}

// CanMergeSafely is a fast boolean short-circuit over the pair analysis: it
// stops at the first conflict found.
func (d *Detector) CanMergeSafely(branch1, branch2 string) (bool, error) {
	repo, err := gogit.PlainOpen(d.repoPath)
	if err != nil {
		return false, fmt.Errorf("failed to open repository: %w", err)
	}
	pair, err := d.detectPair(repo, BranchRef{Branch: branch1}, BranchRef{Branch: branch2}, true)
	if err != nil {
		return false, err
	}
	return len(pair) == 0, nil
}

// detectPair classifies overlaps between the changed-file sets of two
// branches relative to their merge base. shortCircuit stops after the first
// conflict.
func (d *Detector) detectPair(repo *gogit.Repository, a, b BranchRef, shortCircuit bool) ([]Conflict, error) {
	commitA, err := branchCommit(repo, a.Branch)
	if err != nil {
		return nil, err
	}
	commitB, err := branchCommit(repo, b.Branch)
	if err != nil {
		return nil, err
	}

	bases, err := commitA.MergeBase(commitB)
	if err != nil {
		return nil, fmt.Errorf("failed to compute merge base of %s and %s: %w", a.Branch, b.Branch, err)
	}
	if len(bases) == 0 {
		return nil, fmt.Errorf("branches %s and %s share no common ancestor", a.Branch, b.Branch)
	}
	base := bases[0]

	changesA, err := changedFiles(base, commitA)
	if err != nil {
		return nil, err
	}
	changesB, err := changedFiles(base, commitB)
	if err != nil {
		return nil, err
	}

	agents := []string{a.AgentID, b.AgentID}
	branches := []string{a.Branch, b.Branch}

	var conflicts []Conflict
	for path, changeA := range changesA {
		changeB, overlap := changesB[path]
		if !overlap {
			continue
		}

		c, err := classifyOverlap(path, changeA, changeB, base, commitA, commitB)
		if err != nil {
			return nil, err
		}
		if c == nil {
			continue
		}
		c.AgentIDs = agents
		c.Branches = branches
		conflicts = append(conflicts, *c)
		if shortCircuit {
			return conflicts, nil
		}
	}

	dirConflicts := directoryConflicts(changesA, changesB, agents, branches)
	conflicts = append(conflicts, dirConflicts...)
	return conflicts, nil
}

// classifyOverlap decides the conflict type for one path changed on both
// sides. Returns nil when the overlap is not a conflict (identical changes).
func classifyOverlap(path string, changeA, changeB fileChange, base, commitA, commitB *object.Commit) (*Conflict, error) {
	switch {
	case changeA.action == merkletrie.Delete || changeB.action == merkletrie.Delete:
		if changeA.action == merkletrie.Delete && changeB.action == merkletrie.Delete {
			// Both sides deleted; nothing to merge.
			return nil, nil
		}
		return &Conflict{
			FilePath:       path,
			Type:           DeleteModify,
			Recommended:    StrategyManual,
			Description:    fmt.Sprintf("%s was deleted on one branch and modified on the other", path),
			AutoResolvable: false,
		}, nil

	case changeA.action == merkletrie.Insert && changeB.action == merkletrie.Insert:
		if changeA.hash == changeB.hash {
			return &Conflict{
				FilePath:       path,
				Type:           FileCreation,
				Recommended:    StrategyUseFirst,
				Description:    fmt.Sprintf("%s was created with identical content on both branches", path),
				AutoResolvable: true,
			}, nil
		}
		return &Conflict{
			FilePath:       path,
			Type:           FileCreation,
			Recommended:    StrategyManual,
			Description:    fmt.Sprintf("%s was created with different content on both branches", path),
			AutoResolvable: false,
		}, nil

	default:
		// Modify/Modify (possibly one side Insert over a rename edge case).
		if changeA.hash == changeB.hash {
			return nil, nil
		}
		disjoint, err := disjointLineRanges(path, base, commitA, commitB)
		if err != nil {
			return nil, err
		}
		c := &Conflict{
			FilePath:    path,
			Type:        FileModification,
			Description: fmt.Sprintf("%s was modified on both branches", path),
		}
		if disjoint {
			c.AutoResolvable = true
			c.Recommended = StrategyAutoMerge
			c.Description += " in disjoint line ranges"
		} else {
			c.AutoResolvable = false
			c.Recommended = StrategyManual
			c.Description += " with overlapping changes"
		}
		return c, nil
	}
}

// directoryConflicts finds paths created on one side that collide with a
// directory created on the other, e.g. branch A adds foo and branch B adds
// foo/bar.
func directoryConflicts(changesA, changesB map[string]fileChange, agents, branches []string) []Conflict {
	var conflicts []Conflict
	check := func(left, right map[string]fileChange) {
		for pathL, changeL := range left {
			if changeL.action != merkletrie.Insert {
				continue
			}
			prefix := pathL + "/"
			for pathR, changeR := range right {
				if changeR.action != merkletrie.Insert {
					continue
				}
				if len(pathR) > len(prefix) && pathR[:len(prefix)] == prefix {
					conflicts = append(conflicts, Conflict{
						FilePath:       pathL,
						Type:           DirectoryConflict,
						AgentIDs:       agents,
						Branches:       branches,
						Recommended:    StrategyManual,
						Description:    fmt.Sprintf("%s is a file on one branch and a directory on the other", pathL),
						AutoResolvable: false,
					})
					break
				}
			}
		}
	}
	check(changesA, changesB)
	check(changesB, changesA)
	return conflicts
}

// branchCommit resolves a branch name to its head commit.
func branchCommit(repo *gogit.Repository, branch string) (*object.Commit, error) {
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve branch %s: %w", branch, err)
	}
	commit, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("failed to load commit for branch %s: %w", branch, err)
	}
	return commit, nil
}

// changedFiles maps each path changed between base and head to its change.
func changedFiles(base, head *object.Commit) (map[string]fileChange, error) {
	baseTree, err := base.Tree()
	if err != nil {
		return nil, fmt.Errorf("failed to load base tree: %w", err)
	}
	headTree, err := head.Tree()
	if err != nil {
		return nil, fmt.Errorf("failed to load tree for %s: %w", head.Hash, err)
	}

	changes, err := object.DiffTree(baseTree, headTree)
	if err != nil {
		return nil, fmt.Errorf("failed to diff trees: %w", err)
	}

	result := make(map[string]fileChange, len(changes))
	for _, change := range changes {
		action, err := change.Action()
		if err != nil {
			return nil, fmt.Errorf("failed to determine change action: %w", err)
		}
		switch action {
		case merkletrie.Insert, merkletrie.Modify:
			result[change.To.Name] = fileChange{action: action, hash: change.To.TreeEntry.Hash}
		case merkletrie.Delete:
			result[change.From.Name] = fileChange{action: action, hash: change.From.TreeEntry.Hash}
		}
	}
	return result, nil
}

// disjointLineRanges reports whether the two branches' edits to path touch
// strictly non-overlapping line ranges of the base version.
func disjointLineRanges(path string, base, commitA, commitB *object.Commit) (bool, error) {
	baseContent, err := fileContents(base, path)
	if err != nil {
		return false, err
	}
	contentA, err := fileContents(commitA, path)
	if err != nil {
		return false, err
	}
	contentB, err := fileContents(commitB, path)
	if err != nil {
		return false, err
	}

	rangesA := changedRanges(baseContent, contentA)
	rangesB := changedRanges(baseContent, contentB)

	for _, ra := range rangesA {
		for _, rb := range rangesB {
			if ra[0] <= rb[1] && rb[0] <= ra[1] {
				return false, nil
			}
		}
	}
	return true, nil
}

// fileContents returns the file's contents at the commit, or "" if absent.
func fileContents(commit *object.Commit, path string) (string, error) {
	tree, err := commit.Tree()
	if err != nil {
		return "", err
	}
	f, err := tree.File(path)
	if err != nil {
		if err == object.ErrFileNotFound {
			return "", nil
		}
		return "", err
	}
	return f.Contents()
}

// changedRanges returns inclusive [start, end] base-line ranges touched by the
// edit from base to modified. An insertion at base line n is recorded as
// [n, n] so two insertions at the same point count as overlapping.
func changedRanges(base, modified string) [][2]int {
	dmp := diffmatchpatch.New()
	runesA, runesB, lines := dmp.DiffLinesToRunes(base, modified)
	diffs := dmp.DiffMainRunes(runesA, runesB, false)
	diffs = dmp.DiffCharsToLines(diffs, lines)

	var ranges [][2]int
	baseLine := 1
	for _, diff := range diffs {
		n := countLines(diff.Text)
		switch diff.Type {
		case diffmatchpatch.DiffEqual:
			baseLine += n
		case diffmatchpatch.DiffDelete:
			ranges = append(ranges, [2]int{baseLine, baseLine + n - 1})
			baseLine += n
		case diffmatchpatch.DiffInsert:
			ranges = append(ranges, [2]int{baseLine, baseLine})
		}
	}
	return mergeAdjacent(ranges)
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	n := 0
	for _, r := range s {
		if r == '\n' {
			n++
		}
	}
	if s[len(s)-1] != '\n' {
		n++
	}
	return n
}

// mergeAdjacent coalesces touching or overlapping ranges.
func mergeAdjacent(ranges [][2]int) [][2]int {
	if len(ranges) <= 1 {
		return ranges
	}
	merged := [][2]int{ranges[0]}
	for _, r := range ranges[1:] {
		last := &merged[len(merged)-1]
		if r[0] <= last[1]+1 {
			if r[1] > last[1] {
				last[1] = r[1]
			}
		} else {
			merged = append(merged, r)
		}
	}
	return merged
}
