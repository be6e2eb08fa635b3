//go:build linux || darwin

package collector

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

// groupAttr places the child in its own process group so one signal can
// reach it and everything it forks.
func groupAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// terminateGroup sends SIGTERM to the child's entire process group.
func terminateGroup(pid int) error {
	pgid, err := unix.Getpgid(pid)
	if err != nil {
		return err
	}
	return unix.Kill(-pgid, unix.SIGTERM)
}

// isNoSuchProcess reports whether the error means the target already exited.
func isNoSuchProcess(err error) bool {
	return errors.Is(err, unix.ESRCH)
}
