package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/smirnovhub/my-deye-scripts-sub000/internal/locker"
	"github.com/smirnovhub/my-deye-scripts-sub000/internal/types"
	"go.uber.org/zap"
)

type rangeRecord struct {
	Name     string   `json:"name"`
	Time     int64    `json:"time"`
	Address  int      `json:"address"`
	Quantity int      `json:"quantity"`
	Data     []uint16 `json:"data"`
}

// RangeCache keeps one file per cached block: registers-<name>-<addr>-<len>.json
type RangeCache struct {
	name    string
	dir     string
	pattern *regexp.Regexp
	lock    locker.FileLock
	logger  *zap.Logger
	now     Clock
}

func NewRangeCache(name, dir string, opts Options) (*RangeCache, error) {
	opts = opts.withDefaults()

	if err := os.MkdirAll(dir, locker.DirMode); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	return &RangeCache{
		name:    name,
		dir:     dir,
		pattern: regexp.MustCompile(`^registers-` + regexp.QuoteMeta(name) + `-(\d+)-(\d+)\.json$`),
		lock:    opts.Lock,
		logger:  opts.Logger.With(zap.String("inverter", name)),
		now:     opts.Clock,
	}, nil
}

func (c *RangeCache) filename(address, length int) string {
	return filepath.Join(c.dir, fmt.Sprintf("registers-%s-%d-%d.json", c.name, address, length))
}

func (c *RangeCache) GetCached(requests map[int]types.RegisterRequest) map[int]types.CachedEntry {
	results := make(map[int]types.CachedEntry)
	now := c.now().Unix()

	for addr, req := range requests {
		rec, err := c.load(addr, req.Length)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				c.logger.Warn("Cache read error", zap.Int("address", addr), zap.Error(err))
			}
			continue
		}

		if now-rec.Time > int64(req.TTL) {
			continue
		}

		entry, err := types.NewCachedEntry(addr, req.Length, req.TTL, rec.Data)
		if err != nil {
			c.logger.Warn("Cache entry corrupted", zap.Int("address", addr), zap.Error(err))
			continue
		}
		results[addr] = entry
	}

	return results
}

func (c *RangeCache) load(address, length int) (*rangeRecord, error) {
	f, err := os.Open(c.filename(address, length))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if err := c.lock.Lock(f, locker.Shared); err != nil {
		return nil, err
	}
	defer c.lock.Unlock(f)

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}

	var rec rangeRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrCacheUnavailable, err)
	}

	return &rec, nil
}

// Save drops every cached block overlapping the new ones before writing them
func (c *RangeCache) Save(entries map[int]types.CachedEntry) {
	for _, entry := range entries {
		c.RemoveOverlapping(entry.Address, entry.Length)
	}

	for _, entry := range entries {
		if err := c.store(entry); err != nil {
			c.logger.Warn("Cache write error", zap.Int("address", entry.Address), zap.Error(err))
		}
	}
}

func (c *RangeCache) store(entry types.CachedEntry) error {
	path := c.filename(entry.Address, entry.Length)
	if err := locker.EnsureFile(path, locker.DirMode, locker.FileMode); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_RDWR, locker.FileMode)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := c.lock.Lock(f, locker.Exclusive); err != nil {
		return err
	}
	defer c.lock.Unlock(f)

	out, err := json.MarshalIndent(rangeRecord{
		Name:     c.name,
		Time:     c.now().Unix(),
		Address:  entry.Address,
		Quantity: entry.Length,
		Data:     entry.Values,
	}, "", "  ")
	if err != nil {
		return err
	}

	if err := f.Truncate(0); err != nil {
		return err
	}
	_, err = f.WriteAt(out, 0)
	return err
}

func (c *RangeCache) Remove(address, length int) {
	c.RemoveOverlapping(address, length)
}

// RemoveOverlapping deletes this device's block files intersecting [address, address+length)
func (c *RangeCache) RemoveOverlapping(address, length int) {
	files, err := os.ReadDir(c.dir)
	if err != nil {
		c.logger.Warn("Failed to list cache directory", zap.Error(err))
		return
	}

	end := address + length
	for _, file := range files {
		m := c.pattern.FindStringSubmatch(file.Name())
		if m == nil {
			continue
		}

		start, _ := strconv.Atoi(m[1])
		size, _ := strconv.Atoi(m[2])

		if end <= start || address >= start+size {
			continue
		}

		if err := os.Remove(filepath.Join(c.dir, file.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			c.logger.Warn("Failed to remove cache file", zap.String("file", file.Name()), zap.Error(err))
		}
	}
}
