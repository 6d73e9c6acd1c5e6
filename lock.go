// OS-level file locking between processes sharing a store.
//
// fileLock wraps flock(2) / LockFileEx around the store handle. Locks are
// taken per statement, never held between calls: exclusive while the journal
// is probed or a commit runs, shared while a statement only reads.
//
// Only handles backed by a descriptor can be locked. Files from in-memory
// filesystems have none, and locking them is a no-op.
//
// Close calls setFile(nil) before closing the handle. That waits for any
// in-flight lock call and turns later Lock/Unlock calls into no-ops.
package quire

import (
	"sync"

	"github.com/spf13/afero"
)

// LockMode selects shared (read) or exclusive (write) locking.
type LockMode int

const (
	LockShared LockMode = iota
	LockExclusive
)

// fdFile is implemented by afero files backed by an OS descriptor.
type fdFile interface {
	Fd() uintptr
}

// fileLock coordinates OS-level locks with handle teardown. mu is held
// across each syscall so Close cannot invalidate the descriptor mid-call.
type fileLock struct {
	mu sync.Mutex
	f  afero.File
}

// fd returns the descriptor to lock, if the handle has one.
func (l *fileLock) fd() (uintptr, bool) {
	if l.f == nil {
		return 0, false
	}
	f, ok := l.f.(fdFile)
	if !ok {
		return 0, false
	}
	return f.Fd(), true
}

// Lock blocks until the lock is acquired in the given mode.
func (l *fileLock) Lock(mode LockMode) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	fd, ok := l.fd()
	if !ok {
		return nil
	}
	return lockFd(fd, mode)
}

// Unlock releases the lock.
func (l *fileLock) Unlock() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	fd, ok := l.fd()
	if !ok {
		return nil
	}
	return unlockFd(fd)
}

// setFile swaps the handle. nil disables locking.
func (l *fileLock) setFile(f afero.File) {
	l.mu.Lock()
	l.f = f
	l.mu.Unlock()
}
