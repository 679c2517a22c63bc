package merge

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/dario-valles/ralph-swarm/log"
)

// AIResolver produces resolved file content for a conflict that no mechanical
// strategy could handle. Implementations receive the raw conflicted content
// (with markers) and both sides' context.
type AIResolver interface {
	// ResolveConflict returns the full resolved content of the file.
	ResolveConflict(ctx context.Context, req ResolveRequest) (string, error)
}

// ResolveRequest carries everything an AI resolver needs to propose a
// resolution for one file.
type ResolveRequest struct {
	FilePath    string
	Conflicted  string // working-tree content including conflict markers
	OursLabel   string
	TheirsLabel string
	// Feedback is non-empty on a retry: the reason the previous attempt was
	// rejected.
	Feedback string
}

// CLIResolver shells out to an AI coding agent in one-shot (print) mode and
// treats its stdout as the resolved file content.
type CLIResolver struct {
	Program string // e.g. "claude"
	Model   string // optional model override
}

// ResolveConflict renders a resolution prompt and runs the agent.
func (c *CLIResolver) ResolveConflict(ctx context.Context, req ResolveRequest) (string, error) {
	args := []string{"-p", buildResolutionPrompt(req)}
	if c.Model != "" {
		args = append(args, "--model", c.Model)
	}
	cmd := exec.CommandContext(ctx, c.Program, args...)
	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("%s exited with %d: %s", c.Program, exitErr.ExitCode(), strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("failed to run %s: %w", c.Program, err)
	}
	return string(output), nil
}

func buildResolutionPrompt(req ResolveRequest) string {
	var sb strings.Builder
	sb.WriteString("Resolve the following git merge conflict. Output ONLY the complete resolved file content, with no conflict markers, no explanation, and no markdown fences.\n\n")
	fmt.Fprintf(&sb, "File: %s\n", req.FilePath)
	fmt.Fprintf(&sb, "Side %q is already merged; side %q is the incoming branch. Preserve the intent of both changes where possible.\n\n", req.OursLabel, req.TheirsLabel)
	if req.Feedback != "" {
		fmt.Fprintf(&sb, "Your previous attempt was rejected: %s. Fix that.\n\n", req.Feedback)
	}
	sb.WriteString("Conflicted content:\n")
	sb.WriteString(req.Conflicted)
	return sb.String()
}

// aiGate wraps an AIResolver with a circuit breaker and a bounded retry so a
// misbehaving agent cannot stall a whole merge run.
type aiGate struct {
	resolver AIResolver
	breaker  *gobreaker.CircuitBreaker
}

func newAIGate(resolver AIResolver) *aiGate {
	return &aiGate{
		resolver: resolver,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "ai-resolution",
			MaxRequests: 1,
			Timeout:     2 * time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.WarningLog.Printf("circuit breaker %q: %s -> %s", name, from, to)
			},
			IsSuccessful: func(err error) bool {
				if err == nil {
					return true
				}
				return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
			},
		}),
	}
}

// resolve asks the AI for resolved content, validating the output and giving
// the agent one corrective retry before giving up.
func (g *aiGate) resolve(ctx context.Context, req ResolveRequest) (string, error) {
	var resolved string

	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		result, err := g.breaker.Execute(func() (interface{}, error) {
			raw, err := g.resolver.ResolveConflict(ctx, req)
			if err != nil {
				return nil, err
			}
			validated, err := validateResolved(req.FilePath, raw)
			if err != nil {
				// Feed the rejection back so the retry can correct it.
				req.Feedback = err.Error()
				return nil, err
			}
			return validated, nil
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}

		resolved = result.(string)
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	// One retry: the initial attempt plus a single corrective one.
	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, 1), ctx))
	return resolved, err
}

// ResolveWithAI asks the configured AI resolver to resolve a conflicted file
// in the merge-in-progress working tree. On success the resolved content is
// written and staged; on any failure nothing is mutated and the conflict
// falls back to manual.
func (r *Resolver) ResolveWithAI(ctx context.Context, conflict Conflict, timeout time.Duration) Result {
	result := Result{FilePath: conflict.FilePath, Strategy: StrategyManual}

	if r.ai == nil {
		result.Message = "AI resolution disabled"
		return result
	}
	if conflict.Type == DeleteModify || conflict.Type == DirectoryConflict {
		result.Message = fmt.Sprintf("%s conflicts require human judgment", conflict.Type)
		return result
	}

	// The working-tree file carries the conflict markers both sides need.
	conflicted, err := readWorkTreeFile(r.workTree, conflict.FilePath)
	if err != nil {
		result.Message = fmt.Sprintf("failed to read conflicted content: %v", err)
		return result
	}

	oursLabel, theirsLabel := "first", "second"
	if len(conflict.AgentIDs) >= 2 {
		oursLabel, theirsLabel = conflict.AgentIDs[0], conflict.AgentIDs[1]
	}

	resolveCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resolved, err := r.ai.resolve(resolveCtx, ResolveRequest{
		FilePath:    conflict.FilePath,
		Conflicted:  conflicted,
		OursLabel:   oursLabel,
		TheirsLabel: theirsLabel,
	})
	if err != nil {
		log.WarningLog.Printf("AI resolution for %s failed: %v", conflict.FilePath, err)
		result.Message = fmt.Sprintf("AI resolution failed: %v", err)
		return result
	}

	if err := r.stageContent(conflict.FilePath, resolved); err != nil {
		result.Message = err.Error()
		return result
	}
	result.Strategy = StrategyAutoMerge
	result.Success = true
	result.Message = "resolved by AI"
	return result
}
