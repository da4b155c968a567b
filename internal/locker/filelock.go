package locker

import (
	"os"
)

// Mode selects shared (reader) or exclusive (writer) advisory locking
type Mode int

const (
	Shared Mode = iota
	Exclusive
)

func (m Mode) String() string {
	if m == Shared {
		return "shared"
	}
	return "exclusive"
}

// FileLock is an advisory lock on an open file. Implementations live in
// flock_unix.go and flock_windows.go.
type FileLock interface {
	// TryLock returns false without error when the lock is held elsewhere
	TryLock(f *os.File, mode Mode) (bool, error)
	// Lock blocks until the lock is granted
	Lock(f *os.File, mode Mode) error
	Unlock(f *os.File) error
}

// NewFileLock returns the implementation for the current OS
func NewFileLock() FileLock {
	return osFileLock{}
}
