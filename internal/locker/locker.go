package locker

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/smirnovhub/my-deye-scripts-sub000/internal/types"
	"go.uber.org/zap"
)

const (
	DirMode  os.FileMode = 0o777
	FileMode os.FileMode = 0o666

	LogFileName     = "locker.log"
	DefaultTrimSize = 1024 * 1024
	DefaultTimeout  = 15 * time.Second

	minBackoff = 150 * time.Millisecond
	maxBackoff = 300 * time.Millisecond

	timeFormat = "2006-01-02 15:04:05"
)

// AcquireResult is the outcome of an acquire attempt
type AcquireResult int

const (
	Acquired AcquireResult = iota
	AlreadyHeldByCaller
	TimedOut
)

func (r AcquireResult) String() string {
	switch r {
	case Acquired:
		return "acquired"
	case AlreadyHeldByCaller:
		return "already_held"
	case TimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Locker guards one lock file shared by every process on the host.
// Lock events are journaled into locker.log next to the lock file.
type Locker struct {
	name     string
	path     string
	logPath  string
	owner    string
	trimSize int64

	lock   FileLock
	logger *zap.Logger

	mu         sync.Mutex
	file       *os.File
	acquiredAt time.Time
	timedOut   bool
}

type Option func(*Locker)

func WithLogger(logger *zap.Logger) Option {
	return func(l *Locker) {
		l.logger = logger
	}
}

func WithFileLock(lock FileLock) Option {
	return func(l *Locker) {
		l.lock = lock
	}
}

func WithTrimSize(size int64) Option {
	return func(l *Locker) {
		l.trimSize = size
	}
}

// NewLocker makes sure the lock file and the journal exist with shared-writable permissions
func NewLocker(name, path string, opts ...Option) (*Locker, error) {
	l := &Locker{
		name:     name,
		path:     path,
		logPath:  filepath.Join(filepath.Dir(path), LogFileName),
		owner:    uuid.NewString()[:8],
		trimSize: DefaultTrimSize,
		lock:     NewFileLock(),
		logger:   zap.NewNop(),
	}

	for _, opt := range opts {
		opt(l)
	}

	if err := EnsureFile(path, DirMode, FileMode); err != nil {
		return nil, fmt.Errorf("failed to create lock file: %w", err)
	}

	if err := EnsureFile(l.logPath, DirMode, FileMode); err != nil {
		return nil, fmt.Errorf("failed to create locker log: %w", err)
	}

	return l, nil
}

func (l *Locker) Path() string {
	return l.path
}

func (l *Locker) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file != nil
}

// Acquire polls the lock until it is granted or timeout elapses.
// A timed out attempt leaves nothing held.
func (l *Locker) Acquire(ctx context.Context, mode Mode, timeout time.Duration) (AcquireResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.journal(fmt.Sprintf("WARNING: lock is already acquired on %s", l.path))
		return AlreadyHeldByCaller, fmt.Errorf("%s: %w on %s", l.name, types.ErrLockAlreadyAcquired, l.path)
	}

	if _, err := TrimFile(l.logPath, l.trimSize, l.lock); err != nil {
		l.logger.Warn("Failed to trim locker log", zap.String("path", l.logPath), zap.Error(err))
	}

	f, err := os.OpenFile(l.path, os.O_RDWR|os.O_CREATE, FileMode)
	if err != nil {
		return TimedOut, fmt.Errorf("failed to open lock file: %w", err)
	}

	start := time.Now()
	l.timedOut = false
	waiting := false

	for {
		ok, err := l.lock.TryLock(f, mode)
		if err != nil {
			f.Close()
			return TimedOut, fmt.Errorf("failed to lock %s: %w", l.path, err)
		}

		if ok {
			l.file = f
			l.acquiredAt = time.Now()
			if waiting {
				l.journal(fmt.Sprintf("acquired %s lock on %s after %.2f sec", mode, l.path, time.Since(start).Seconds()))
			} else {
				l.journal(fmt.Sprintf("acquired %s lock on %s", mode, l.path))
			}
			return Acquired, nil
		}

		if !waiting {
			l.journal(fmt.Sprintf("lock is busy, waiting up to %s...", timeout))
			waiting = true
		}

		if time.Since(start) >= timeout {
			f.Close()
			l.timedOut = true
			l.journal(fmt.Sprintf("timeout after %s while waiting for lock on %s", timeout, l.path))
			return TimedOut, fmt.Errorf("%s: %w after %s on %s", l.name, types.ErrLockTimeout, timeout, l.path)
		}

		select {
		case <-ctx.Done():
			f.Close()
			l.timedOut = true
			l.journal(fmt.Sprintf("cancelled while waiting for lock on %s", l.path))
			return TimedOut, fmt.Errorf("%s: %w: %w", l.name, types.ErrLockTimeout, ctx.Err())
		case <-time.After(backoff()):
		}
	}
}

// Release unlocks and closes the lock file. Releasing a lock that is not
// held only logs a warning.
func (l *Locker) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		if !l.timedOut {
			l.journal(fmt.Sprintf("WARNING: tried to release lock on %s, but no lock was held", l.path))
		}
		return nil
	}

	unlockErr := l.lock.Unlock(l.file)
	closeErr := l.file.Close()
	l.file = nil

	l.journal(fmt.Sprintf("released lock on %s after %.2f sec", l.path, time.Since(l.acquiredAt).Seconds()))

	if unlockErr != nil {
		return unlockErr
	}
	return closeErr
}

// ReleaseStrict is Release that reports releasing an unheld lock as ErrLockNotHeld
func (l *Locker) ReleaseStrict() error {
	if !l.Held() {
		return fmt.Errorf("%s: %w on %s", l.name, types.ErrLockNotHeld, l.path)
	}
	return l.Release()
}

func (l *Locker) journal(message string) {
	line := fmt.Sprintf("[%s] [%s] %s: %s\n", time.Now().Format(timeFormat), l.owner, l.name, message)

	f, err := os.OpenFile(l.logPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, FileMode)
	if err != nil {
		l.logger.Warn("Failed to open locker log", zap.String("path", l.logPath), zap.Error(err))
	} else {
		f.WriteString(line)
		f.Close()
	}

	l.logger.Debug(message, zap.String("locker", l.name), zap.String("owner", l.owner))
}

func backoff() time.Duration {
	return minBackoff + time.Duration(rand.Int63n(int64(maxBackoff-minBackoff+1)))
}
