//go:build unix

package locker

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

type osFileLock struct{}

func (osFileLock) TryLock(f *os.File, mode Mode) (bool, error) {
	err := unix.Flock(int(f.Fd()), flockHow(mode)|unix.LOCK_NB)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EACCES) {
		return false, nil
	}
	return false, &os.PathError{Op: "flock", Path: f.Name(), Err: err}
}

func (osFileLock) Lock(f *os.File, mode Mode) error {
	for {
		err := unix.Flock(int(f.Fd()), flockHow(mode))
		if err == nil {
			return nil
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return &os.PathError{Op: "flock", Path: f.Name(), Err: err}
	}
}

func (osFileLock) Unlock(f *os.File) error {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		return &os.PathError{Op: "funlock", Path: f.Name(), Err: err}
	}
	return nil
}

func flockHow(mode Mode) int {
	if mode == Shared {
		return unix.LOCK_SH
	}
	return unix.LOCK_EX
}
