//go:build windows

package quire

import (
	"syscall"
	"unsafe"
)

var (
	modkernel32      = syscall.NewLazyDLL("kernel32.dll")
	procLockFileEx   = modkernel32.NewProc("LockFileEx")
	procUnlockFileEx = modkernel32.NewProc("UnlockFileEx")
)

const lockfileExclusiveLock = 0x00000002

// Both calls cover the whole addressable range of the file.
func lockFd(fd uintptr, mode LockMode) error {
	var flags uint32
	if mode == LockExclusive {
		flags = lockfileExclusiveLock
	}
	var ol syscall.Overlapped
	r1, _, err := procLockFileEx.Call(fd, uintptr(flags), 0, 0xFFFFFFFF, 0xFFFFFFFF, uintptr(unsafe.Pointer(&ol)))
	if r1 == 0 {
		return err
	}
	return nil
}

func unlockFd(fd uintptr) error {
	var ol syscall.Overlapped
	r1, _, err := procUnlockFileEx.Call(fd, 0, 0xFFFFFFFF, 0xFFFFFFFF, uintptr(unsafe.Pointer(&ol)))
	if r1 == 0 {
		return err
	}
	return nil
}
