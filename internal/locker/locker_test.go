package locker

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smirnovhub/my-deye-scripts-sub000/internal/types"
	"go.uber.org/zap/zaptest"
)

func newTestLocker(t *testing.T, name, path string) *Locker {
	t.Helper()
	l, err := NewLocker(name, path, WithLogger(zaptest.NewLogger(t)))
	if err != nil {
		t.Fatalf("NewLocker: %v", err)
	}
	return l
}

func TestNewLockerCreatesFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "locks", "nested")
	path := filepath.Join(dir, "inverter.lock")

	newTestLocker(t, "test", path)

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("lock file not created: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, LogFileName)); err != nil {
		t.Fatalf("locker log not created: %v", err)
	}
}

func TestAcquireAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inverter.lock")
	l := newTestLocker(t, "cli", path)

	res, err := l.Acquire(context.Background(), Exclusive, time.Second)
	if err != nil || res != Acquired {
		t.Fatalf("Acquire = %v, %v", res, err)
	}
	if !l.Held() {
		t.Fatalf("lock should be held")
	}

	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if l.Held() {
		t.Fatalf("lock should be released")
	}

	journal, err := os.ReadFile(filepath.Join(filepath.Dir(path), LogFileName))
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	if !strings.Contains(string(journal), "cli: acquired exclusive lock") ||
		!strings.Contains(string(journal), "cli: released lock") {
		t.Fatalf("journal misses events:\n%s", journal)
	}
}

func TestAcquireTwiceReportsAlreadyHeld(t *testing.T) {
	l := newTestLocker(t, "cli", filepath.Join(t.TempDir(), "inverter.lock"))

	if _, err := l.Acquire(context.Background(), Exclusive, time.Second); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer l.Release()

	res, err := l.Acquire(context.Background(), Exclusive, time.Second)
	if res != AlreadyHeldByCaller {
		t.Fatalf("expected AlreadyHeldByCaller, got %v", res)
	}
	if !errors.Is(err, types.ErrLockAlreadyAcquired) {
		t.Fatalf("expected ErrLockAlreadyAcquired, got %v", err)
	}
	if !l.Held() {
		t.Fatalf("first acquisition must stay held")
	}
}

func TestReleaseWithoutLockIsNoop(t *testing.T) {
	l := newTestLocker(t, "cli", filepath.Join(t.TempDir(), "inverter.lock"))

	if err := l.Release(); err != nil {
		t.Fatalf("Release of a free lock must not fail: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("double release must not fail: %v", err)
	}
	if err := l.ReleaseStrict(); !errors.Is(err, types.ErrLockNotHeld) {
		t.Fatalf("strict release of a free lock: got %v", err)
	}
}

func TestAcquireTimesOutWhileHeldElsewhere(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inverter.lock")
	owner := newTestLocker(t, "bot", path)
	waiter := newTestLocker(t, "cli", path)

	if _, err := owner.Acquire(context.Background(), Exclusive, time.Second); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer owner.Release()

	start := time.Now()
	res, err := waiter.Acquire(context.Background(), Exclusive, 400*time.Millisecond)
	if res != TimedOut || !errors.Is(err, types.ErrLockTimeout) {
		t.Fatalf("expected timeout, got %v, %v", res, err)
	}
	if elapsed := time.Since(start); elapsed < 400*time.Millisecond {
		t.Fatalf("gave up too early: %s", elapsed)
	}
	if waiter.Held() {
		t.Fatalf("timed out locker must hold nothing")
	}
}

func TestSharedLocksCoexist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registers.lock")
	a := newTestLocker(t, "web", path)
	b := newTestLocker(t, "bot", path)

	if _, err := a.Acquire(context.Background(), Shared, time.Second); err != nil {
		t.Fatalf("first shared: %v", err)
	}
	defer a.Release()

	if _, err := b.Acquire(context.Background(), Shared, time.Second); err != nil {
		t.Fatalf("second shared: %v", err)
	}
	defer b.Release()
}

func TestExclusiveLockNeverSharedBetweenWorkers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inverter.lock")

	var inside, violations atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 4; i++ {
		l := newTestLocker(t, "worker", path)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 3; j++ {
				if _, err := l.Acquire(context.Background(), Exclusive, 10*time.Second); err != nil {
					t.Errorf("Acquire: %v", err)
					return
				}
				if inside.Add(1) > 1 {
					violations.Add(1)
				}
				time.Sleep(20 * time.Millisecond)
				inside.Add(-1)
				l.Release()
			}
		}()
	}

	wg.Wait()

	if v := violations.Load(); v != 0 {
		t.Fatalf("exclusive section entered concurrently %d times", v)
	}
}

func TestAcquireHonoursContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inverter.lock")
	owner := newTestLocker(t, "bot", path)
	waiter := newTestLocker(t, "cli", path)

	owner.Acquire(context.Background(), Exclusive, time.Second)
	defer owner.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	res, err := waiter.Acquire(ctx, Exclusive, time.Minute)
	if res != TimedOut || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected cancellation, got %v, %v", res, err)
	}
}

func TestTrimFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locker.log")

	small := bytes.Repeat([]byte("a"), 110)
	if err := os.WriteFile(path, small, FileMode); err != nil {
		t.Fatal(err)
	}

	trimmed, err := TrimFile(path, 100, NewFileLock())
	if err != nil || trimmed {
		t.Fatalf("file within 1.2x must stay untouched: %v, %v", trimmed, err)
	}

	big := append(bytes.Repeat([]byte("a"), 100), bytes.Repeat([]byte("b"), 100)...)
	if err := os.WriteFile(path, big, FileMode); err != nil {
		t.Fatal(err)
	}

	trimmed, err = TrimFile(path, 100, NewFileLock())
	if err != nil || !trimmed {
		t.Fatalf("expected trim: %v, %v", trimmed, err)
	}

	data, _ := os.ReadFile(path)
	if !bytes.Equal(data, bytes.Repeat([]byte("b"), 100)) {
		t.Fatalf("expected last 100 bytes kept, got %q", data)
	}
}

func TestTrimFileSkipsWhenContended(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locker.log")
	if err := os.WriteFile(path, bytes.Repeat([]byte("x"), 300), FileMode); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	lock := NewFileLock()
	if err := lock.Lock(f, Shared); err != nil {
		t.Fatal(err)
	}
	defer lock.Unlock(f)

	trimmed, err := TrimFile(path, 100, lock)
	if err != nil || trimmed {
		t.Fatalf("contended trim must be skipped: %v, %v", trimmed, err)
	}
}
