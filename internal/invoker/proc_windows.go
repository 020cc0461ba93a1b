//go:build windows

package invoker

import "os/exec"

func killGroup(cmd *exec.Cmd) {}
