//go:build !windows
// +build !windows

package support

import "syscall"

// Nice lowers the scheduling priority of the current process to prio.
func Nice(prio int) error {
	return syscall.Setpriority(syscall.PRIO_PROCESS, 0, prio)
}
