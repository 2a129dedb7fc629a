//go:build !windows

package app

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// setProcGroup puts the worker in its own process group so the whole
// tree can be signalled together.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// processAlive checks whether a process with the given pid exists. On
// Unix FindProcess always succeeds, so signal 0 does the probing.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to someone else.
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPERM
	}
	return false
}

// signalGraceful asks the worker to wind down.
func signalGraceful(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}

// killProcessTree force-kills the worker's process group. Spawned
// workers get their own group (pgid == pid), so the negative pid
// reaches every descendant. Falls back to killing the single process
// when the group is already gone.
func killProcessTree(pid int) error {
	if pid <= 0 {
		return nil
	}
	if err := syscall.Kill(-pid, syscall.SIGKILL); err == nil || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	err := syscall.Kill(pid, syscall.SIGKILL)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}
