//go:build !windows

package mkvtoolnix

import (
	"os/exec"
	"syscall"
)

// configureCommand puts the tool in its own process group so cancellation
// kills the whole tree.
func configureCommand(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}

	cmd.Cancel = func() error {
		if cmd.Process != nil {
			return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		return nil
	}
}
