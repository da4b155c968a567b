package locker

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// EnsureFile creates path and its parent directory when missing. Permissions
// are applied with chmod so the process umask cannot narrow them.
func EnsureFile(path string, dirMode, fileMode os.FileMode) error {
	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		if err := os.MkdirAll(dir, dirMode); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
		os.Chmod(dir, dirMode)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, fileMode)
	if errors.Is(err, fs.ErrExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to create file %s: %w", path, err)
	}
	f.Close()

	// best effort, the file may belong to another user
	os.Chmod(path, fileMode)
	return nil
}

// TrimFile keeps the last keep bytes of path once it grows beyond 1.2*keep.
// It never waits: if someone else holds the file, trimming is skipped.
func TrimFile(path string, keep int64, lock FileLock) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}

	if info.Size() <= keep*12/10 {
		return false, nil
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return false, err
	}
	defer f.Close()

	ok, err := lock.TryLock(f, Exclusive)
	if err != nil || !ok {
		return false, err
	}
	defer lock.Unlock(f)

	if _, err := f.Seek(-keep, io.SeekEnd); err != nil {
		return false, err
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return false, err
	}

	if _, err := f.WriteAt(data, 0); err != nil {
		return false, err
	}

	if err := f.Truncate(int64(len(data))); err != nil {
		return false, err
	}

	return true, nil
}
