package merge

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dario-valles/ralph-swarm/events"
	"github.com/dario-valles/ralph-swarm/log"
	"github.com/dario-valles/ralph-swarm/worktree"
)

// BranchState tracks a candidate branch through the merge pipeline.
type BranchState string

const (
	StateCandidate        BranchState = "candidate"
	StateMerging          BranchState = "merging"
	StateConflictDetected BranchState = "conflict_detected"
	StateResolving        BranchState = "resolving"
	StateMerged           BranchState = "merged"
	StateMergeFailed      BranchState = "merge_failed"
	StateSkipped          BranchState = "skipped"
)

// Candidate is a completed agent branch eligible for merging.
type Candidate struct {
	Branch      string    `json:"branch"`
	AgentID     string    `json:"agent_id"`
	TaskID      string    `json:"task_id"`
	TaskTitle   string    `json:"task_title"`
	Priority    int       `json:"priority"`
	CompletedAt time.Time `json:"completed_at"`
}

// OrchestratorConfig controls merge execution.
type OrchestratorConfig struct {
	// TargetBranch is the branch all candidates merge into.
	TargetBranch string
	// DeleteBranches removes a candidate's branch after a successful merge.
	DeleteBranches bool
	// UseAI enables AI-assisted resolution when mechanical strategies fail.
	UseAI bool
	// ResolutionTimeout bounds one AI resolution attempt.
	ResolutionTimeout time.Duration
}

// BranchResult records the outcome for one candidate branch.
type BranchResult struct {
	Candidate   Candidate   `json:"candidate"`
	State       BranchState `json:"state"`
	Resolutions []Result    `json:"resolutions,omitempty"`
	MergeCommit string      `json:"merge_commit,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// MergeReport is the aggregate outcome of a merge run. Merged, Failed and
// Skipped always sum to the number of candidates.
type MergeReport struct {
	Results []BranchResult `json:"results"`
	Merged  int            `json:"merged"`
	Failed  int            `json:"failed"`
	Skipped int            `json:"skipped"`
}

// Orchestrator merges completed agent branches into a target branch, one at a
// time, resolving conflicts as they surface. All ref mutation happens here, in
// the repository's main working tree; agents only ever touch their own
// worktrees.
type Orchestrator struct {
	repoPath string
	cfg      OrchestratorConfig
	ai       AIResolver
	bus      *events.Bus
}

// NewOrchestrator creates an orchestrator for the repository at repoPath.
// ai may be nil when cfg.UseAI is false; bus may be nil.
func NewOrchestrator(repoPath string, cfg OrchestratorConfig, ai AIResolver, bus *events.Bus) (*Orchestrator, error) {
	root, err := worktree.FindGitRepoRoot(repoPath)
	if err != nil {
		return nil, err
	}
	if cfg.TargetBranch == "" {
		cfg.TargetBranch = "main"
	}
	if cfg.ResolutionTimeout <= 0 {
		cfg.ResolutionTimeout = 2 * time.Minute
	}
	return &Orchestrator{repoPath: root, cfg: cfg, ai: ai, bus: bus}, nil
}

// MergeableBranches is a read-only preview: it reports which candidate pairs
// conflict with each other without touching any ref or working tree.
func (o *Orchestrator) MergeableBranches(candidates []Candidate) ([]Conflict, Summary, error) {
	detector, err := NewDetector(o.repoPath)
	if err != nil {
		return nil, Summary{}, err
	}
	refs := make([]BranchRef, 0, len(candidates))
	for _, c := range candidates {
		refs = append(refs, BranchRef{Branch: c.Branch, AgentID: c.AgentID})
	}
	conflicts, err := detector.Detect(refs)
	if err != nil {
		return nil, Summary{}, err
	}
	return conflicts, Summarize(conflicts), nil
}

// MergeCompletedBranches merges candidates into the target branch in
// completion order. A branch that cannot be merged is recorded as failed and
// the run continues with the remaining candidates; one bad branch never
// poisons the rest.
func (o *Orchestrator) MergeCompletedBranches(ctx context.Context, candidates []Candidate) (*MergeReport, error) {
	if len(candidates) == 0 {
		return &MergeReport{}, nil
	}

	ordered := make([]Candidate, len(candidates))
	copy(ordered, candidates)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].CompletedAt.Before(ordered[j].CompletedAt)
	})

	if err := o.checkoutTarget(); err != nil {
		return nil, err
	}

	priorityOf := priorityLookup(ordered)
	report := &MergeReport{}

	for _, candidate := range ordered {
		if ctx.Err() != nil {
			report.Results = append(report.Results, BranchResult{
				Candidate: candidate,
				State:     StateSkipped,
				Error:     ctx.Err().Error(),
			})
			report.Skipped++
			continue
		}

		result := o.mergeBranch(ctx, candidate, priorityOf)
		report.Results = append(report.Results, result)
		switch result.State {
		case StateMerged:
			report.Merged++
			o.publish(events.BranchMerged, candidate, result.MergeCommit)
			o.cleanupMerged(candidate)
		case StateSkipped:
			report.Skipped++
		default:
			report.Failed++
			o.publish(events.MergeFailed, candidate, result.Error)
		}
	}

	log.InfoLog.Printf("merge run into %s: %d merged, %d failed, %d skipped",
		o.cfg.TargetBranch, report.Merged, report.Failed, report.Skipped)
	return report, nil
}

// mergeBranch merges a single candidate, walking it through the branch state
// machine. On any unrecoverable failure the in-progress merge is aborted so
// the target branch is left exactly as it was.
func (o *Orchestrator) mergeBranch(ctx context.Context, candidate Candidate, priorityOf func(string) (int, bool)) BranchResult {
	result := BranchResult{Candidate: candidate, State: StateMerging}
	log.InfoLog.Printf("merging %s (task %s) into %s", candidate.Branch, candidate.TaskID, o.cfg.TargetBranch)

	message := mergeCommitMessage(candidate)
	_, mergeErr := runGit(o.repoPath, "merge", "--no-ff", "-m", message, candidate.Branch)
	if mergeErr == nil {
		sha, err := runGit(o.repoPath, "rev-parse", "HEAD")
		if err == nil {
			result.MergeCommit = strings.TrimSpace(sha)
		}
		result.State = StateMerged
		return result
	}

	conflicted, err := gitLines(o.repoPath, "diff", "--name-only", "--diff-filter=U")
	if err != nil || len(conflicted) == 0 {
		// Not a content conflict (dirty tree, bad ref, ...): abort and fail.
		o.abortMerge()
		result.State = StateMergeFailed
		result.Error = mergeErr.Error()
		return result
	}

	result.State = StateConflictDetected
	log.InfoLog.Printf("%s: %d conflicted file(s), attempting resolution", candidate.Branch, len(conflicted))

	// Attempt every conflicted file so the failure report names all of
	// them, not just the first one that stuck.
	result.State = StateResolving
	resolver := NewResolver(o.repoPath, priorityOf, o.ai)
	var unresolved []string
	for _, path := range conflicted {
		res := o.resolveFile(ctx, resolver, candidate, path)
		result.Resolutions = append(result.Resolutions, res)
		if !res.Success {
			unresolved = append(unresolved, fmt.Sprintf("%s (%s)", path, res.Message))
		}
	}
	if len(unresolved) > 0 {
		o.abortMerge()
		result.State = StateMergeFailed
		result.Error = fmt.Sprintf("%v: %s", ErrUnresolvable, strings.Join(unresolved, "; "))
		return result
	}

	if _, err := runGit(o.repoPath, "commit", "-m", message); err != nil {
		o.abortMerge()
		result.State = StateMergeFailed
		result.Error = fmt.Sprintf("failed to commit resolved merge: %v", err)
		return result
	}
	sha, err := runGit(o.repoPath, "rev-parse", "HEAD")
	if err == nil {
		result.MergeCommit = strings.TrimSpace(sha)
	}
	result.State = StateMerged
	return result
}

// resolveFile tries mechanical resolution first, then AI if enabled. A file
// no strategy can handle stays conflicted and fails the branch.
func (o *Orchestrator) resolveFile(ctx context.Context, resolver *Resolver, candidate Candidate, path string) Result {
	conflict := Conflict{
		FilePath: path,
		Type:     classifyUnmerged(o.repoPath, path),
		AgentIDs: []string{o.cfg.TargetBranch, candidate.AgentID},
		Branches: []string{o.cfg.TargetBranch, candidate.Branch},
	}

	res := resolver.Resolve(ctx, conflict, StrategyAutoMerge, o.cfg.TargetBranch)
	if res.Success {
		return res
	}

	if o.cfg.UseAI && o.ai != nil {
		log.InfoLog.Printf("%s: auto-merge failed (%s), trying AI resolution", path, res.Message)
		return resolver.ResolveWithAI(ctx, conflict, o.cfg.ResolutionTimeout)
	}
	return res
}

// classifyUnmerged inspects the index stages of an unmerged path.
func classifyUnmerged(repoPath, path string) ConflictType {
	lines, err := gitLines(repoPath, "ls-files", "-u", "--", path)
	if err != nil {
		return FileModification
	}
	stages := make(map[string]bool, 3)
	for _, line := range lines {
		// "<mode> <sha> <stage>\t<path>"
		fields := strings.Fields(line)
		if len(fields) >= 3 {
			stages[fields[2]] = true
		}
	}
	switch {
	case !stages["1"]:
		return FileCreation // both sides added, no common base
	case !stages["2"] || !stages["3"]:
		return DeleteModify
	default:
		return FileModification
	}
}

// checkoutTarget ensures the main working tree has the target branch checked
// out and no merge already in progress.
func (o *Orchestrator) checkoutTarget() error {
	if _, err := runGit(o.repoPath, "rev-parse", "--verify", o.cfg.TargetBranch); err != nil {
		return fmt.Errorf("target branch %s does not exist: %w", o.cfg.TargetBranch, err)
	}
	current, err := runGit(o.repoPath, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return err
	}
	if strings.TrimSpace(current) != o.cfg.TargetBranch {
		if _, err := runGit(o.repoPath, "checkout", o.cfg.TargetBranch); err != nil {
			return fmt.Errorf("failed to checkout %s: %w", o.cfg.TargetBranch, err)
		}
	}
	return nil
}

// cleanupMerged deletes the candidate's branch after a successful merge when
// configured to. Worktree removal already happened when the agent exited;
// this only drops the now-integrated ref.
func (o *Orchestrator) cleanupMerged(candidate Candidate) {
	if !o.cfg.DeleteBranches {
		return
	}
	if _, err := runGit(o.repoPath, "branch", "-D", candidate.Branch); err != nil {
		log.WarningLog.Printf("failed to delete merged branch %s: %v", candidate.Branch, err)
	}
}

func (o *Orchestrator) abortMerge() {
	if _, err := runGit(o.repoPath, "merge", "--abort"); err != nil {
		log.WarningLog.Printf("merge --abort failed: %v", err)
	}
}

func (o *Orchestrator) publish(eventType events.Type, candidate Candidate, message string) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(events.Event{
		Type:    eventType,
		TaskID:  candidate.TaskID,
		AgentID: candidate.AgentID,
		Branch:  candidate.Branch,
		Message: message,
	})
}

func mergeCommitMessage(candidate Candidate) string {
	title := candidate.TaskTitle
	if title == "" {
		title = candidate.TaskID
	}
	return fmt.Sprintf("Merge %s: %s", candidate.Branch, title)
}

// priorityLookup builds an agentID -> priority mapping from the candidate set
// for use_priority resolution.
func priorityLookup(candidates []Candidate) func(string) (int, bool) {
	byAgent := make(map[string]int, len(candidates))
	for _, c := range candidates {
		byAgent[c.AgentID] = c.Priority
	}
	return func(agentID string) (int, bool) {
		p, ok := byAgent[agentID]
		return p, ok
	}
}
