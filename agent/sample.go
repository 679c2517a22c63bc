package agent

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// sampleProcess returns the current CPU percentage and resident memory in MB
// for pid, queried via ps. Errors usually mean the process already exited.
func sampleProcess(pid int) (cpuPercent, memMB float64, err error) {
	psCmd := exec.Command("ps", "-o", "%cpu=,rss=", "-p", strconv.Itoa(pid))
	output, err := psCmd.Output()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to sample pid %d: %w", pid, err)
	}

	fields := strings.Fields(strings.TrimSpace(string(output)))
	if len(fields) < 2 {
		return 0, 0, fmt.Errorf("unexpected ps output for pid %d: %q", pid, output)
	}

	cpu, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to parse cpu for pid %d: %w", pid, err)
	}
	rssKB, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to parse rss for pid %d: %w", pid, err)
	}
	return cpu, rssKB / 1024, nil
}
