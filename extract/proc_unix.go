//go:build unix

package extract

import (
	"os/exec"
	"syscall"
	"time"
)

// setProcessGroup starts the tool in its own process group and kills the
// whole group on cancellation, so helpers the tool forks die with it.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 2 * time.Second
}
