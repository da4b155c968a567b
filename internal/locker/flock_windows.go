//go:build windows

package locker

import (
	"errors"
	"os"

	"golang.org/x/sys/windows"
)

type osFileLock struct{}

// The whole file is represented by its first byte; every participant locks the same range.
const lockRegion = 1

func (osFileLock) TryLock(f *os.File, mode Mode) (bool, error) {
	err := lockFileEx(f, lockFlags(mode)|windows.LOCKFILE_FAIL_IMMEDIATELY)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, windows.ERROR_LOCK_VIOLATION) || errors.Is(err, windows.ERROR_IO_PENDING) {
		return false, nil
	}
	return false, &os.PathError{Op: "LockFileEx", Path: f.Name(), Err: err}
}

func (osFileLock) Lock(f *os.File, mode Mode) error {
	if err := lockFileEx(f, lockFlags(mode)); err != nil {
		return &os.PathError{Op: "LockFileEx", Path: f.Name(), Err: err}
	}
	return nil
}

func (osFileLock) Unlock(f *os.File) error {
	ol := new(windows.Overlapped)
	if err := windows.UnlockFileEx(windows.Handle(f.Fd()), 0, lockRegion, 0, ol); err != nil {
		return &os.PathError{Op: "UnlockFileEx", Path: f.Name(), Err: err}
	}
	return nil
}

func lockFileEx(f *os.File, flags uint32) error {
	ol := new(windows.Overlapped)
	return windows.LockFileEx(windows.Handle(f.Fd()), flags, 0, lockRegion, 0, ol)
}

func lockFlags(mode Mode) uint32 {
	if mode == Exclusive {
		return windows.LOCKFILE_EXCLUSIVE_LOCK
	}
	return 0
}
