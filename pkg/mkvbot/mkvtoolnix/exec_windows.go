//go:build windows

package mkvtoolnix

import "os/exec"

// configureCommand relies on the default Process.Kill on Windows; there is no
// process group to signal.
func configureCommand(cmd *exec.Cmd) {}
