//go:build unix

package quire

import (
	"syscall"
)

func lockFd(fd uintptr, mode LockMode) error {
	op := syscall.LOCK_SH
	if mode == LockExclusive {
		op = syscall.LOCK_EX
	}
	return syscall.Flock(int(fd), op)
}

func unlockFd(fd uintptr) error {
	return syscall.Flock(int(fd), syscall.LOCK_UN)
}
