//go:build !windows

package launcher

import (
	"os"
	"os/exec"
	"syscall"
)

// startDetached runs path in its own session with no arguments and stdio on
// the null device. env is added to the inherited environment.
func startDetached(path string, env []string) (int, error) {
	cmd := exec.Command(path)
	cmd.Env = append(os.Environ(), env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid
	// Reap the child if it exits while we are still running.
	go cmd.Wait()
	return pid, nil
}
