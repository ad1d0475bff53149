//go:build !windows

package backend

import (
	"os/exec"
	"syscall"
)

// setProcessGroup configures cmd to run in its own process group, so a
// forced termination can signal the whole group rather than just the
// immediate child, per spec.md §5 Process discipline.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup signals the process group created by setProcessGroup.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}

	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}
