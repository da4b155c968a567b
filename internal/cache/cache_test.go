package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/smirnovhub/my-deye-scripts-sub000/internal/types"
	"go.uber.org/zap/zaptest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func entry(t *testing.T, addr, ttl int, values ...uint16) types.CachedEntry {
	t.Helper()
	e, err := types.NewCachedEntry(addr, len(values), ttl, values)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func newDocumentCache(t *testing.T, clock *fakeClock) *DocumentCache {
	t.Helper()
	c, err := NewDocumentCache("master", t.TempDir(), Options{
		Logger: zaptest.NewLogger(t),
		Clock:  clock.Now,
	})
	if err != nil {
		t.Fatalf("NewDocumentCache: %v", err)
	}
	return c
}

func TestDocumentCacheCreatesFile(t *testing.T) {
	c := newDocumentCache(t, newFakeClock())

	if filepath.Base(c.Path()) != "registers-master.json" {
		t.Fatalf("unexpected file name %s", c.Path())
	}
	if _, err := os.Stat(c.Path()); err != nil {
		t.Fatalf("cache file not created: %v", err)
	}

	got := c.GetCached(map[int]types.RegisterRequest{5: {Address: 5, Length: 1, TTL: 10}})
	if len(got) != 0 {
		t.Fatalf("empty document must not return entries: %v", got)
	}
}

func TestDocumentCacheFreshness(t *testing.T) {
	clock := newFakeClock()
	c := newDocumentCache(t, clock)

	c.Save(map[int]types.CachedEntry{5: entry(t, 5, 5, 10, 20, 30)})

	req := map[int]types.RegisterRequest{5: {Address: 5, Length: 3, TTL: 5}}

	clock.Advance(3 * time.Second)
	got := c.GetCached(req)
	if want := []uint16{10, 20, 30}; !reflect.DeepEqual(got[5].Values, want) {
		t.Fatalf("fresh entry: got %v want %v", got[5].Values, want)
	}

	clock.Advance(2 * time.Second)
	if len(c.GetCached(req)) != 1 {
		t.Fatalf("entry exactly TTL old must still be served")
	}

	clock.Advance(time.Second)
	if got := c.GetCached(req); len(got) != 0 {
		t.Fatalf("expired entry served: %v", got)
	}
}

func TestDocumentCacheMergesDisjointSaves(t *testing.T) {
	c := newDocumentCache(t, newFakeClock())

	c.Save(map[int]types.CachedEntry{70: entry(t, 70, 300, 1, 2)})
	c.Save(map[int]types.CachedEntry{190: entry(t, 190, 300, 65436)})

	got := c.GetCached(map[int]types.RegisterRequest{
		70:  {Address: 70, Length: 2, TTL: 300},
		190: {Address: 190, Length: 1, TTL: 300},
	})
	if len(got) != 2 {
		t.Fatalf("expected both addresses kept, got %v", got)
	}

	raw, _ := os.ReadFile(c.Path())
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("document is not valid JSON: %v", err)
	}
	if doc["inverter"] != "master" {
		t.Fatalf("unexpected inverter field: %v", doc["inverter"])
	}
}

func TestDocumentCacheRemoveOverlapping(t *testing.T) {
	c := newDocumentCache(t, newFakeClock())

	c.Save(map[int]types.CachedEntry{
		256: entry(t, 256, 60, 1, 1, 1),
		260: entry(t, 260, 60, 4),
		300: entry(t, 300, 60, 7),
	})

	c.Remove(257, 4)

	got := c.GetCached(map[int]types.RegisterRequest{
		256: {Address: 256, Length: 3, TTL: 60},
		260: {Address: 260, Length: 1, TTL: 60},
		300: {Address: 300, Length: 1, TTL: 60},
	})
	if len(got) != 1 || got[300].Values[0] != 7 {
		t.Fatalf("only the disjoint block must survive, got %v", got)
	}
}

func TestDocumentCacheSaveIsIdempotent(t *testing.T) {
	c := newDocumentCache(t, newFakeClock())
	entries := map[int]types.CachedEntry{
		5:   entry(t, 5, 5, 10, 20, 30),
		184: entry(t, 184, 5, 87),
	}

	c.Save(entries)
	once, _ := os.ReadFile(c.Path())

	c.Save(entries)
	twice, _ := os.ReadFile(c.Path())

	if string(once) != string(twice) {
		t.Fatalf("second save changed the document:\n%s\n%s", once, twice)
	}
}

func TestDocumentCacheShortDataIsMiss(t *testing.T) {
	c := newDocumentCache(t, newFakeClock())
	c.Save(map[int]types.CachedEntry{22: entry(t, 22, 60, 1)})

	got := c.GetCached(map[int]types.RegisterRequest{22: {Address: 22, Length: 3, TTL: 60}})
	if len(got) != 0 {
		t.Fatalf("stored block shorter than the request must be a miss: %v", got)
	}
}

func TestDocumentCacheDegradesOnCorruption(t *testing.T) {
	c := newDocumentCache(t, newFakeClock())

	for _, content := range []string{
		"{not json",
		`{"registers": {"70": {"time": "yesterday", "data": [1]}}}`,
		`{"registers": {"abc": {"time": 1, "data": [1]}}}`,
	} {
		if err := os.WriteFile(c.Path(), []byte(content), 0o666); err != nil {
			t.Fatal(err)
		}

		got := c.GetCached(map[int]types.RegisterRequest{70: {Address: 70, Length: 1, TTL: 60}})
		if len(got) != 0 {
			t.Fatalf("corrupted document %q returned %v", content, got)
		}

		c.Save(map[int]types.CachedEntry{70: entry(t, 70, 60, 7)})
		got = c.GetCached(map[int]types.RegisterRequest{70: {Address: 70, Length: 1, TTL: 60}})
		if len(got) != 1 || got[70].Values[0] != 7 {
			t.Fatalf("save must recover a corrupted document, got %v", got)
		}
	}
}

func TestDocumentCacheConcurrentWriters(t *testing.T) {
	clock := newFakeClock()
	dir := t.TempDir()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		c, err := NewDocumentCache("master", dir, Options{Clock: clock.Now})
		if err != nil {
			t.Fatal(err)
		}
		wg.Add(1)
		go func(addr int) {
			defer wg.Done()
			c.Save(map[int]types.CachedEntry{addr: entry(t, addr, 60, uint16(addr))})
		}(100 + i)
	}
	wg.Wait()

	c, err := NewDocumentCache("master", dir, Options{Clock: clock.Now})
	if err != nil {
		t.Fatal(err)
	}

	req := make(map[int]types.RegisterRequest)
	for i := 0; i < 8; i++ {
		req[100+i] = types.RegisterRequest{Address: 100 + i, Length: 1, TTL: 60}
	}
	if got := c.GetCached(req); len(got) != 8 {
		t.Fatalf("concurrent writers lost entries: %d of 8 present", len(got))
	}
}

func TestRangeCacheRemovesOverlapping(t *testing.T) {
	clock := newFakeClock()
	dir := t.TempDir()

	c, err := NewRangeCache("slave", dir, Options{Logger: zaptest.NewLogger(t), Clock: clock.Now})
	if err != nil {
		t.Fatal(err)
	}
	other, _ := NewRangeCache("master", dir, Options{Clock: clock.Now})

	c.Save(map[int]types.CachedEntry{70: entry(t, 70, 60, 1, 2, 3)})
	c.Save(map[int]types.CachedEntry{80: entry(t, 80, 60, 9)})
	other.Save(map[int]types.CachedEntry{70: entry(t, 70, 60, 4, 5, 6)})

	c.Save(map[int]types.CachedEntry{72: entry(t, 72, 60, 33)})

	got := c.GetCached(map[int]types.RegisterRequest{
		70: {Address: 70, Length: 3, TTL: 60},
		72: {Address: 72, Length: 1, TTL: 60},
		80: {Address: 80, Length: 1, TTL: 60},
	})
	if _, ok := got[70]; ok {
		t.Fatalf("overlapping block must be dropped")
	}
	if got[72].Values[0] != 33 || got[80].Values[0] != 9 {
		t.Fatalf("unexpected entries %v", got)
	}

	kept := other.GetCached(map[int]types.RegisterRequest{70: {Address: 70, Length: 3, TTL: 60}})
	if len(kept) != 1 {
		t.Fatalf("another device's blocks must survive")
	}

	clock.Advance(61 * time.Second)
	if got := c.GetCached(map[int]types.RegisterRequest{80: {Address: 80, Length: 1, TTL: 60}}); len(got) != 0 {
		t.Fatalf("expired block served: %v", got)
	}
}

func TestNewRejectsUnknownMode(t *testing.T) {
	if _, err := New("sqlite", "master", t.TempDir(), Options{}); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}
