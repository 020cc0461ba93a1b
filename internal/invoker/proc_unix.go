//go:build !windows

package invoker

import (
	"os/exec"
	"syscall"
)

// killGroup puts the child in its own process group and kills the whole
// group on cancel, so the browser it launched goes with it.
func killGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
