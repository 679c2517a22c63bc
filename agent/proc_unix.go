//go:build !windows

package agent

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcessGroup puts the child in its own process group so signals reach
// every descendant the agent spawns.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminate sends SIGTERM to the agent's process group.
func terminate(cmd *exec.Cmd, pid int) {
	_ = unix.Kill(-pid, unix.SIGTERM)
}

// kill sends SIGKILL to the agent's process group.
func kill(cmd *exec.Cmd, pid int) {
	_ = unix.Kill(-pid, unix.SIGKILL)
}
