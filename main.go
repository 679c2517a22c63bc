package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dario-valles/ralph-swarm/agent"
	"github.com/dario-valles/ralph-swarm/config"
	"github.com/dario-valles/ralph-swarm/events"
	"github.com/dario-valles/ralph-swarm/log"
	"github.com/dario-valles/ralph-swarm/merge"
	"github.com/dario-valles/ralph-swarm/scheduler"
	"github.com/dario-valles/ralph-swarm/task"
	"github.com/dario-valles/ralph-swarm/worktree"
)

var (
	version = "1.0.0"

	programFlag     string
	modelFlag       string
	strategyFlag    string
	maxParallelFlag int
	mergeFlag       bool
	dryRunFlag      bool
	resumeFlag      string

	rootCmd = &cobra.Command{
		Use:   "ralph-swarm",
		Short: "Ralph Swarm - parallel coding agents in isolated git worktrees",
		Long: "Ralph Swarm schedules a dependency graph of coding tasks across a pool of\n" +
			"agent processes, each working in its own git worktree, then merges the\n" +
			"completed branches back into the target branch.",
	}

	runCmd = &cobra.Command{
		Use:   "run [tasks.json]",
		Short: "Run a task graph to completion, or resume a saved session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Initialize()
			defer log.Close()

			currentDir, err := filepath.Abs(".")
			if err != nil {
				return fmt.Errorf("failed to get current directory: %w", err)
			}
			if !worktree.IsGitRepo(currentDir) {
				return fmt.Errorf("error: ralph-swarm must be run from within a git repository")
			}

			cfg := config.LoadConfig()
			if programFlag != "" {
				cfg.DefaultProgram = programFlag
			}
			if modelFlag != "" {
				cfg.DefaultModel = modelFlag
			}
			if strategyFlag != "" {
				cfg.Strategy = strategyFlag
			}
			if maxParallelFlag > 0 {
				cfg.MaxParallel = maxParallelFlag
			}

			var graph *task.Graph
			var resumed *scheduler.SessionData
			switch {
			case resumeFlag != "" && len(args) > 0:
				return fmt.Errorf("--resume restores the session's own task graph, drop the task file argument")
			case resumeFlag != "":
				data, err := scheduler.LoadSession(resumeFlag)
				if err != nil {
					return err
				}
				graph, err = scheduler.RestoreGraph(data)
				if err != nil {
					return err
				}
				resumed = &data
			case len(args) == 1:
				var err error
				graph, err = loadTasks(args[0], cfg.MaxRetries)
				if err != nil {
					return err
				}
			default:
				return fmt.Errorf("pass a tasks.json file or --resume <session_id>")
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return runSession(ctx, cfg, graph, currentDir, resumed)
		},
	}

	mergeCmd = &cobra.Command{
		Use:   "merge <session_id>",
		Short: "Merge a finished session's completed branches into the target branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Initialize()
			defer log.Close()

			cfg := config.LoadConfig()
			data, err := scheduler.LoadSession(args[0])
			if err != nil {
				return err
			}
			if len(data.Candidates) == 0 {
				fmt.Println("No completed branches to merge")
				return nil
			}

			currentDir, err := filepath.Abs(".")
			if err != nil {
				return err
			}
			return mergeCandidates(cmd.Context(), cfg, currentDir, data.Candidates)
		},
	}

	skipCmd = &cobra.Command{
		Use:   "skip <session_id> <task_id>",
		Short: "Skip a permanently failed task so a resumed session can run its dependents",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Initialize()
			defer log.Close()

			data, err := scheduler.LoadSession(args[0])
			if err != nil {
				return err
			}
			found := false
			for _, t := range data.Tasks {
				if t.ID != args[1] {
					continue
				}
				found = true
				if t.Status != task.StatusFailed {
					return fmt.Errorf("only failed tasks can be skipped, task %s is %s", t.ID, t.Status)
				}
				t.Status = task.StatusSkipped
			}
			if !found {
				return fmt.Errorf("task %s not found in session %s", args[1], args[0])
			}
			if err := scheduler.SaveSession(data); err != nil {
				return err
			}
			fmt.Printf("Task %s skipped\n", args[1])
			return nil
		},
	}

	cleanupCmd = &cobra.Command{
		Use:   "cleanup",
		Short: "Remove orphaned agent worktrees left behind by crashed sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Initialize()
			defer log.Close()

			cfg := config.LoadConfig()
			currentDir, err := filepath.Abs(".")
			if err != nil {
				return err
			}
			alloc, err := worktree.NewAllocator(currentDir, cfg.BranchPrefix)
			if err != nil {
				return err
			}
			removed, err := alloc.CleanupOrphaned()
			if err != nil {
				return err
			}
			fmt.Printf("Removed %d orphaned worktree(s)\n", len(removed))
			for _, path := range removed {
				fmt.Printf("  %s\n", path)
			}
			return nil
		},
	}

	statsCmd = &cobra.Command{
		Use:   "stats <session_id>",
		Short: "Show task counts and merge candidates for a saved session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Initialize()
			defer log.Close()

			data, err := scheduler.LoadSession(args[0])
			if err != nil {
				return err
			}

			counts := make(map[task.Status]int)
			for _, t := range data.Tasks {
				counts[t.Status]++
			}
			fmt.Printf("Session %s (%s, strategy %s)\n", data.SessionID, data.State, data.Strategy)
			fmt.Printf("  started %s, saved %s\n",
				data.StartedAt.Format(time.RFC3339), data.SavedAt.Format(time.RFC3339))
			fmt.Printf("  tasks: %d total, %d completed, %d failed, %d skipped, %d pending, %d running\n",
				len(data.Tasks), counts[task.StatusCompleted], counts[task.StatusFailed],
				counts[task.StatusSkipped], counts[task.StatusPending], counts[task.StatusRunning])
			for _, t := range data.Tasks {
				if t.LastError != "" {
					fmt.Printf("  %s (%s): %s\n", t.ID, t.Status, t.LastError)
				}
			}
			fmt.Printf("  merge candidates: %d\n", len(data.Candidates))
			for _, c := range data.Candidates {
				fmt.Printf("    %s (task %s, completed %s)\n", c.Branch, c.TaskID, c.CompletedAt.Format("15:04:05"))
			}
			return nil
		},
	}

	debugCmd = &cobra.Command{
		Use:   "debug",
		Short: "Print debug information like config paths",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig()

			configDir, err := config.GetConfigDir()
			if err != nil {
				return fmt.Errorf("failed to get config directory: %w", err)
			}
			configJson, _ := json.MarshalIndent(cfg, "", "  ")

			fmt.Printf("Config: %s\n%s\n", filepath.Join(configDir, config.ConfigFileName), configJson)
			return nil
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of ralph-swarm",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ralph-swarm version %s\n", version)
		},
	}
)

// loadTasks reads a task list from a JSON file and builds the dependency
// graph. Tasks without an explicit retry budget inherit the configured one.
func loadTasks(path string, defaultRetries int) (*task.Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task file: %w", err)
	}
	var tasks []*task.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("failed to parse task file: %w", err)
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("task file %s contains no tasks", path)
	}

	for _, t := range tasks {
		if t.MaxRetries == 0 {
			t.MaxRetries = defaultRetries
		}
	}
	// The file may list a task before its dependencies; BuildGraph sorts
	// that out.
	return task.BuildGraph(tasks)
}

// runSession drives the scheduler loop until all tasks settle or the context
// is cancelled, then persists the session and optionally merges. A non-nil
// resumed snapshot keeps the saved session's identity and merge candidates.
func runSession(ctx context.Context, cfg *config.Config, graph *task.Graph, repoPath string, resumed *scheduler.SessionData) error {
	alloc, err := worktree.NewAllocator(repoPath, cfg.BranchPrefix)
	if err != nil {
		return err
	}

	bus := events.NewBus()
	eventCh, unsubscribe := bus.Subscribe(128)
	defer unsubscribe()
	go printEvents(eventCh)

	pool := agent.NewPool(cfg.Limits, bus)
	sched, err := scheduler.New(cfg, graph, pool, alloc, bus)
	if err != nil {
		return err
	}
	if resumed != nil {
		if err := sched.AdoptSession(*resumed); err != nil {
			return err
		}
	}
	if err := sched.Start(); err != nil {
		return err
	}
	if resumed != nil {
		fmt.Printf("Session %s resumed\n", sched.SessionID())
	} else {
		fmt.Printf("Session %s started\n", sched.SessionID())
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

loop:
	for {
		if _, err := sched.ScheduleNext(ctx); err != nil {
			log.WarningLog.Printf("schedule tick: %v", err)
		}
		for _, v := range sched.CheckViolations(ctx) {
			if v.Fatal {
				continue // the pool is already terminating that agent
			}
			log.WarningLog.Printf("agent %s over %s ceiling: %.1f > %.1f", v.AgentID, v.Kind, v.Value, v.Limit)
		}
		if sched.Done() {
			break
		}
		select {
		case <-ctx.Done():
			fmt.Println("Interrupted, stopping agents...")
			break loop
		case <-ticker.C:
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := sched.StopAll(stopCtx); err != nil {
		log.ErrorLog.Printf("shutdown: %v", err)
	}

	stats := sched.Stats()
	fmt.Printf("Session %s finished: %d completed, %d failed, %d skipped (of %d)\n",
		sched.SessionID(), stats.Completed, stats.Failed, stats.Skipped, stats.Total)

	if err := scheduler.SaveSession(sched.Snapshot()); err != nil {
		log.WarningLog.Printf("failed to persist session: %v", err)
	}

	candidates := sched.Candidates()
	if !mergeFlag || len(candidates) == 0 {
		if len(candidates) > 0 {
			fmt.Printf("Run 'ralph-swarm merge %s' to merge %d completed branch(es)\n", sched.SessionID(), len(candidates))
		}
		return nil
	}
	return mergeCandidates(ctx, cfg, repoPath, candidates)
}

// mergeCandidates runs the merge phase over a candidate set.
func mergeCandidates(ctx context.Context, cfg *config.Config, repoPath string, candidates []merge.Candidate) error {
	var ai merge.AIResolver
	if cfg.AIResolution {
		ai = &merge.CLIResolver{Program: cfg.DefaultProgram, Model: cfg.DefaultModel}
	}
	orch, err := merge.NewOrchestrator(repoPath, merge.OrchestratorConfig{
		TargetBranch:      cfg.TargetBranch,
		DeleteBranches:    cfg.CleanupBranches,
		UseAI:             cfg.AIResolution,
		ResolutionTimeout: cfg.ResolutionTimeout,
	}, ai, nil)
	if err != nil {
		return err
	}

	if dryRunFlag {
		conflicts, summary, err := orch.MergeableBranches(candidates)
		if err != nil {
			return err
		}
		fmt.Printf("%d conflict(s) across %d candidate branch(es), %d auto-resolvable\n",
			summary.Total, len(candidates), summary.AutoResolvable)
		for _, c := range conflicts {
			fmt.Printf("  %s: %s (%s)\n", c.FilePath, c.Type, c.Description)
		}
		for _, candidate := range candidates {
			stats := worktree.BranchDiffStats(repoPath, cfg.TargetBranch, candidate.Branch)
			if stats.Error != nil {
				fmt.Printf("  %s: failed to compute diff: %v\n", candidate.Branch, stats.Error)
				continue
			}
			fmt.Printf("  %s: +%d/-%d lines vs %s\n", candidate.Branch, stats.Added, stats.Removed, cfg.TargetBranch)
		}
		return nil
	}

	report, err := orch.MergeCompletedBranches(ctx, candidates)
	if err != nil {
		return err
	}
	fmt.Printf("Merge into %s: %d merged, %d failed, %d skipped\n",
		cfg.TargetBranch, report.Merged, report.Failed, report.Skipped)
	for _, r := range report.Results {
		if r.State == merge.StateMerged {
			fmt.Printf("  merged %s (%s)\n", r.Candidate.Branch, r.MergeCommit)
		} else {
			fmt.Printf("  %s %s: %s\n", r.State, r.Candidate.Branch, r.Error)
		}
	}
	return nil
}

// printEvents streams session events to stdout.
func printEvents(ch <-chan events.Event) {
	for e := range ch {
		if e.Message != "" {
			fmt.Printf("[%s] %s %s %s\n", e.Timestamp.Format("15:04:05"), e.Type, e.TaskID, e.Message)
		} else {
			fmt.Printf("[%s] %s %s\n", e.Timestamp.Format("15:04:05"), e.Type, e.TaskID)
		}
	}
}

func init() {
	runCmd.Flags().StringVarP(&programFlag, "program", "p", "",
		"Agent program to run in each worktree (e.g. 'claude')")
	runCmd.Flags().StringVarP(&modelFlag, "model", "m", "", "Model identifier passed to the agent program")
	runCmd.Flags().StringVarP(&strategyFlag, "strategy", "s", "",
		"Scheduling strategy: sequential, dependency_first, priority, fifo, cost_first")
	runCmd.Flags().IntVarP(&maxParallelFlag, "max-parallel", "n", 0, "Maximum number of concurrent agents")
	runCmd.Flags().BoolVar(&mergeFlag, "merge", false, "Merge completed branches when the session finishes")
	runCmd.Flags().StringVar(&resumeFlag, "resume", "",
		"Resume a saved session by ID instead of starting from a task file")
	mergeCmd.Flags().BoolVar(&dryRunFlag, "dry-run", false, "Preview conflicts without touching any branch")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(mergeCmd)
	rootCmd.AddCommand(skipCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(debugCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
