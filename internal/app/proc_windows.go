//go:build windows

package app

import (
	"os"
	"os/exec"
	"strconv"
	"syscall"
)

var (
	kernel32                     = syscall.NewLazyDLL("kernel32.dll")
	procGenerateConsoleCtrlEvent = kernel32.NewProc("GenerateConsoleCtrlEvent")
)

// setProcGroup puts the worker in its own console process group so
// ctrl events can target it without hitting us.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

// processAlive checks whether a process with the given pid exists.
// os.FindProcess opens a handle on Windows, so the error is the probe.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	_, err := os.FindProcess(pid)
	return err == nil
}

// signalGraceful sends CTRL_BREAK to the worker's process group, the
// closest Windows analogue to SIGTERM for console programs.
func signalGraceful(p *os.Process) error {
	r, _, err := procGenerateConsoleCtrlEvent.Call(uintptr(syscall.CTRL_BREAK_EVENT), uintptr(p.Pid))
	if r == 0 {
		return err
	}
	return nil
}

// killProcessTree terminates the worker and its descendants. taskkill
// walks the child tree for us; if it is unavailable, fall back to
// killing the root process.
func killProcessTree(pid int) error {
	if pid <= 0 {
		return nil
	}
	if err := exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(pid)).Run(); err == nil {
		return nil
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	return proc.Kill()
}
