package merge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dario-valles/ralph-swarm/log"
)

// Strategy selects how a single conflicted file is resolved. The set is
// closed; dispatch is exhaustive over these values.
type Strategy string

const (
	// StrategyUseFirst keeps the earliest-scheduled agent's version (the side
	// already merged into the target).
	StrategyUseFirst Strategy = "use_first"
	// StrategyUseLast keeps the most recent version (the incoming branch).
	StrategyUseLast Strategy = "use_last"
	// StrategyUsePriority keeps the version from the most urgent task.
	StrategyUsePriority Strategy = "use_priority"
	// StrategyAutoMerge attempts a three-way textual merge; succeeds only when
	// no hunks overlap.
	StrategyAutoMerge Strategy = "auto_merge"
	// StrategyManual defers to a human or AI reviewer supplying resolved
	// content out-of-band. It never mutates repository state.
	StrategyManual Strategy = "manual"
)

// ErrUnresolvable marks a conflict no configured strategy could resolve.
var ErrUnresolvable = errors.New("conflict could not be resolved")

// Result is the outcome of resolving one conflicted file.
type Result struct {
	FilePath string   `json:"file_path"`
	Strategy Strategy `json:"strategy"`
	Success  bool     `json:"success"`
	Message  string   `json:"message"`
}

// Resolver applies a resolution strategy to one conflicted file inside a
// working tree with a merge in progress. A failed resolution never mutates
// repository state; success stages the resolved content.
type Resolver struct {
	// workTree is the checkout where the merge is in progress.
	workTree string
	// priorityOf maps an agent ID to its task priority (lower = more urgent).
	// Required only for use_priority.
	priorityOf func(agentID string) (int, bool)
	// ai, when non-nil, is consulted by ResolveWithAI.
	ai *aiGate
}

// NewResolver creates a resolver operating in workTree. priorityOf may be nil
// if use_priority is never requested; ai may be nil if AI resolution is
// disabled.
func NewResolver(workTree string, priorityOf func(agentID string) (int, bool), ai AIResolver) *Resolver {
	r := &Resolver{workTree: workTree, priorityOf: priorityOf}
	if ai != nil {
		r.ai = newAIGate(ai)
	}
	return r
}

// Resolve applies strategy to the conflict. baseBranch is the merge target,
// used in messages only.
func (r *Resolver) Resolve(ctx context.Context, conflict Conflict, strategy Strategy, baseBranch string) Result {
	result := Result{FilePath: conflict.FilePath, Strategy: strategy}

	switch strategy {
	case StrategyUseFirst:
		return r.takeSide(result, "--ours", "kept the earlier-merged version")
	case StrategyUseLast:
		return r.takeSide(result, "--theirs", "kept the incoming branch's version")
	case StrategyUsePriority:
		return r.resolveByPriority(result, conflict)
	case StrategyAutoMerge:
		return r.autoMerge(result, conflict)
	case StrategyManual:
		result.Success = false
		result.Message = fmt.Sprintf("deferred to manual resolution (merging into %s)", baseBranch)
		return result
	default:
		result.Success = false
		result.Message = fmt.Sprintf("unknown resolution strategy %q", strategy)
		return result
	}
}

// takeSide checks out one side of the conflict and stages it.
func (r *Resolver) takeSide(result Result, side, message string) Result {
	if _, err := runGit(r.workTree, "checkout", side, "--", result.FilePath); err != nil {
		result.Success = false
		result.Message = fmt.Sprintf("failed to take %s: %v", side, err)
		return result
	}
	if _, err := runGit(r.workTree, "add", "--", result.FilePath); err != nil {
		result.Success = false
		result.Message = fmt.Sprintf("failed to stage %s: %v", result.FilePath, err)
		return result
	}
	result.Success = true
	result.Message = message
	return result
}

// resolveByPriority keeps the side whose task has the lower priority value.
func (r *Resolver) resolveByPriority(result Result, conflict Conflict) Result {
	if r.priorityOf == nil || len(conflict.AgentIDs) < 2 {
		result.Success = false
		result.Message = "priority information unavailable"
		return result
	}
	first, okFirst := r.priorityOf(conflict.AgentIDs[0])
	second, okSecond := r.priorityOf(conflict.AgentIDs[1])
	if !okFirst || !okSecond {
		result.Success = false
		result.Message = "priority information unavailable"
		return result
	}
	if first <= second {
		return r.takeSide(result, "--ours", fmt.Sprintf("kept higher-priority version (priority %d)", first))
	}
	return r.takeSide(result, "--theirs", fmt.Sprintf("kept higher-priority version (priority %d)", second))
}

// autoMerge runs a three-way textual merge over the index stages. It succeeds
// only when git merge-file finds no overlapping hunks.
func (r *Resolver) autoMerge(result Result, conflict Conflict) Result {
	if conflict.Type == DeleteModify || conflict.Type == DirectoryConflict {
		result.Success = false
		result.Message = fmt.Sprintf("%s conflicts cannot be merged textually", conflict.Type)
		return result
	}

	stages, err := r.readStages(conflict.FilePath)
	if err != nil {
		result.Success = false
		result.Message = err.Error()
		return result
	}

	tmpDir, err := os.MkdirTemp("", "swarm-merge-*")
	if err != nil {
		result.Success = false
		result.Message = fmt.Sprintf("failed to create temp dir: %v", err)
		return result
	}
	defer os.RemoveAll(tmpDir)

	basePath := filepath.Join(tmpDir, "base")
	oursPath := filepath.Join(tmpDir, "ours")
	theirsPath := filepath.Join(tmpDir, "theirs")
	for _, pair := range []struct {
		path    string
		content string
	}{{basePath, stages.base}, {oursPath, stages.ours}, {theirsPath, stages.theirs}} {
		if err := os.WriteFile(pair.path, []byte(pair.content), 0644); err != nil {
			result.Success = false
			result.Message = fmt.Sprintf("failed to write temp file: %v", err)
			return result
		}
	}

	merged, err := runGit(r.workTree, "merge-file", "-p", oursPath, basePath, theirsPath)
	if err != nil {
		// Non-zero exit means overlapping hunks; nothing was mutated.
		result.Success = false
		result.Message = "three-way merge found overlapping hunks"
		return result
	}

	if err := r.stageContent(conflict.FilePath, merged); err != nil {
		result.Success = false
		result.Message = err.Error()
		return result
	}
	result.Success = true
	result.Message = "merged non-overlapping hunks"
	return result
}

// stage holds the three index stages of a conflicted path.
type stage struct {
	base, ours, theirs string
}

// readStages reads the base/ours/theirs index stages for a conflicted path.
func (r *Resolver) readStages(path string) (stage, error) {
	var s stage
	for _, entry := range []struct {
		n    string
		dest *string
	}{{"1", &s.base}, {"2", &s.ours}, {"3", &s.theirs}} {
		content, err := runGit(r.workTree, "show", fmt.Sprintf(":%s:%s", entry.n, path))
		if err != nil {
			return s, fmt.Errorf("missing index stage %s for %s: %w", entry.n, path, err)
		}
		*entry.dest = content
	}
	return s, nil
}

// readWorkTreeFile reads a file relative to the working tree.
func readWorkTreeFile(workTree, path string) (string, error) {
	content, err := os.ReadFile(filepath.Join(workTree, path))
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return string(content), nil
}

// stageContent writes resolved content to the work tree and stages it.
func (r *Resolver) stageContent(path, content string) error {
	fullPath := filepath.Join(r.workTree, path)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	if err := os.WriteFile(fullPath, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write resolved %s: %w", path, err)
	}
	if _, err := runGit(r.workTree, "add", "--", path); err != nil {
		return fmt.Errorf("failed to stage resolved %s: %w", path, err)
	}
	return nil
}

// validateResolved rejects AI output that is not plausible resolved file
// content: leftover conflict markers always fail, and structured formats must
// parse. Markdown code fences are stripped rather than rejected when the
// fenced block is the whole payload.
func validateResolved(path, content string) (string, error) {
	content = stripCodeFence(content)

	for _, marker := range []string{"<<<<<<<", "=======", ">>>>>>>"} {
		for _, line := range strings.Split(content, "\n") {
			if strings.HasPrefix(line, marker) {
				return "", fmt.Errorf("resolved content still contains conflict marker %q", marker)
			}
		}
	}

	if strings.EqualFold(filepath.Ext(path), ".json") {
		if !json.Valid([]byte(content)) {
			return "", fmt.Errorf("resolved content for %s is not valid JSON", path)
		}
	}
	return content, nil
}

// stripCodeFence unwraps a payload that is a single fenced code block.
func stripCodeFence(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "```") {
		return content
	}
	lines := strings.Split(trimmed, "\n")
	if len(lines) < 2 || strings.TrimSpace(lines[len(lines)-1]) != "```" {
		return content
	}
	inner := strings.Join(lines[1:len(lines)-1], "\n")
	log.DebugLog.Printf("stripped markdown code fence from resolved content")
	return inner + "\n"
}
