package sessionlock

import (
	"errors"
	"os"
	"syscall"
)

// ProcessAlive probes whether pid belongs to a live process using signal 0.
// EPERM means the process exists but belongs to another user, which still
// counts as alive for stale-lock purposes.
func ProcessAlive(pid int) bool {
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
