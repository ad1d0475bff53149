//go:build windows

package backend

import "os/exec"

// setProcessGroup is a no-op on Windows; process groups are POSIX-specific.
func setProcessGroup(cmd *exec.Cmd) {}

// killProcessGroup terminates the immediate child process.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}

	_ = cmd.Process.Kill()
}
