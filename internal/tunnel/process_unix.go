//go:build unix

package tunnel

import (
	"os/exec"
	"syscall"
)

// setpgid places the tunnel child in its own process group so
// signalGroup can reap any descendants it spawns.
func setpgid() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup delivers sig to the child's entire process group.
func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return nil
	}
	return syscall.Kill(-cmd.Process.Pid, sig)
}
