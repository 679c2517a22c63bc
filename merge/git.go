package merge

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/dario-valles/ralph-swarm/log"
)

// runGit executes a git command against the given working tree and returns
// its combined output.
func runGit(workTree string, args ...string) (string, error) {
	baseArgs := append([]string{"-C", workTree}, args...)
	cmd := exec.Command("git", baseArgs...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		log.DebugLog.Printf("git %s failed: %s", strings.Join(args, " "), strings.TrimSpace(string(output)))
		return "", fmt.Errorf("git %s failed: %s (%w)", args[0], strings.TrimSpace(string(output)), err)
	}
	return string(output), nil
}

// gitLines runs a git command and splits its output into non-empty lines.
func gitLines(workTree string, args ...string) ([]string, error) {
	output, err := runGit(workTree, args...)
	if err != nil {
		return nil, err
	}
	var lines []string
	for _, line := range strings.Split(output, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	return lines, nil
}
