//go:build windows

package agent

import (
	"os/exec"
)

// setProcessGroup is a no-op on Windows; there is no process-group signaling.
func setProcessGroup(cmd *exec.Cmd) {}

// terminate kills the process directly; Windows has no SIGTERM equivalent here.
func terminate(cmd *exec.Cmd, pid int) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

func kill(cmd *exec.Cmd, pid int) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}
