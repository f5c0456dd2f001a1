//go:build unix

package agent

import (
	"errors"
	"os"
	"syscall"
)

// isProcessAlive reports whether pid exists on this host. Signal 0
// probes without delivering; EPERM means the process exists but belongs
// to another user.
func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
