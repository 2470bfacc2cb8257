//go:build linux

package worker

import "syscall"

// sysProcAttr delivers SIGTERM to the worker if xvoice dies without running
// its shutdown path.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Pdeathsig: syscall.SIGTERM}
}
