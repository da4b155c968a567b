package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/smirnovhub/my-deye-scripts-sub000/internal/locker"
	"github.com/smirnovhub/my-deye-scripts-sub000/internal/types"
	"go.uber.org/zap"
)

const (
	ModeDocument = "document"
	ModeRange    = "range"
)

// Cache stores raw register words per device. Failures never reach the
// caller: a broken cache only means more device reads.
type Cache interface {
	GetCached(requests map[int]types.RegisterRequest) map[int]types.CachedEntry
	Save(entries map[int]types.CachedEntry)
	// Remove drops every cached block intersecting [address, address+length)
	Remove(address, length int)
}

type Clock func() time.Time

type Options struct {
	Lock   locker.FileLock
	Logger *zap.Logger
	Clock  Clock
}

func (o Options) withDefaults() Options {
	if o.Lock == nil {
		o.Lock = locker.NewFileLock()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// New picks the cache granularity by mode
func New(mode, name, dir string, opts Options) (Cache, error) {
	switch mode {
	case ModeDocument, "":
		return NewDocumentCache(name, dir, opts)
	case ModeRange:
		return NewRangeCache(name, dir, opts)
	default:
		return nil, fmt.Errorf("unknown cache mode: %s", mode)
	}
}

type record struct {
	Time int64    `json:"time"`
	Data []uint16 `json:"data"`
}

type document struct {
	Inverter  string            `json:"inverter"`
	Registers map[string]record `json:"registers"`
}

// DocumentCache keeps every address of one device in registers-<name>.json
type DocumentCache struct {
	name      string
	path      string
	lock      locker.FileLock
	logger    *zap.Logger
	now       Clock
	validator *Validator
}

func NewDocumentCache(name, dir string, opts Options) (*DocumentCache, error) {
	opts = opts.withDefaults()

	validator, err := NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to create validator: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("registers-%s.json", name))
	if err := locker.EnsureFile(path, locker.DirMode, locker.FileMode); err != nil {
		return nil, fmt.Errorf("failed to create cache file: %w", err)
	}

	return &DocumentCache{
		name:      name,
		path:      path,
		lock:      opts.Lock,
		logger:    opts.Logger.With(zap.String("inverter", name)),
		now:       opts.Clock,
		validator: validator,
	}, nil
}

func (c *DocumentCache) Path() string {
	return c.path
}

// GetCached returns the requested addresses whose stored copy is not older than the request TTL
func (c *DocumentCache) GetCached(requests map[int]types.RegisterRequest) map[int]types.CachedEntry {
	results := make(map[int]types.CachedEntry)
	if len(requests) == 0 {
		return results
	}

	start := time.Now()

	f, err := os.Open(c.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			c.logger.Warn("Cache read error", zap.Error(fmt.Errorf("%w: %w", types.ErrCacheUnavailable, err)))
		}
		return results
	}
	defer f.Close()

	if err := c.lock.Lock(f, locker.Shared); err != nil {
		c.logger.Warn("Cache read error", zap.Error(fmt.Errorf("%w: %w", types.ErrCacheUnavailable, err)))
		return results
	}
	defer c.lock.Unlock(f)

	doc, err := c.readDocument(f)
	if err != nil {
		c.logger.Warn("Cache read error", zap.String("path", c.path), zap.Error(err))
		return results
	}
	if doc == nil {
		return results
	}

	now := c.now().Unix()
	for addr, req := range requests {
		rec, ok := doc.Registers[strconv.Itoa(addr)]
		if !ok {
			continue
		}

		if now-rec.Time > int64(req.TTL) || len(rec.Data) < req.Length {
			continue
		}

		entry, err := types.NewCachedEntry(addr, req.Length, req.TTL, rec.Data[:req.Length])
		if err != nil {
			continue
		}
		results[addr] = entry
	}

	c.logger.Debug("Cache read",
		zap.Int("requested", len(requests)),
		zap.Int("fresh", len(results)),
		zap.Duration("took", time.Since(start)))

	return results
}

// Save merges entries into the document under an exclusive lock and rewrites the whole file
func (c *DocumentCache) Save(entries map[int]types.CachedEntry) {
	if len(entries) == 0 {
		return
	}

	if err := c.save(entries); err != nil {
		c.logger.Warn("Cache write error", zap.String("path", c.path), zap.Error(err))
	}
}

func (c *DocumentCache) save(entries map[int]types.CachedEntry) error {
	now := c.now().Unix()

	return c.update(func(doc *document) {
		for addr, entry := range entries {
			data := make([]uint16, len(entry.Values))
			copy(data, entry.Values)
			doc.Registers[strconv.Itoa(addr)] = record{Time: now, Data: data}
		}
	})
}

func (c *DocumentCache) Remove(address, length int) {
	end := address + length

	err := c.update(func(doc *document) {
		for key, rec := range doc.Registers {
			start, err := strconv.Atoi(key)
			if err != nil {
				continue
			}
			if start < end && address < start+len(rec.Data) {
				delete(doc.Registers, key)
			}
		}
	})
	if err != nil {
		c.logger.Warn("Cache write error", zap.String("path", c.path), zap.Error(err))
	}
}

// update runs a read-modify-write of the whole document under an exclusive lock
func (c *DocumentCache) update(modify func(doc *document)) error {
	start := time.Now()

	f, err := os.OpenFile(c.path, os.O_RDWR|os.O_CREATE, locker.FileMode)
	if err != nil {
		return fmt.Errorf("%w: %w", types.ErrCacheUnavailable, err)
	}
	defer f.Close()

	if err := c.lock.Lock(f, locker.Exclusive); err != nil {
		return fmt.Errorf("%w: %w", types.ErrCacheUnavailable, err)
	}
	defer c.lock.Unlock(f)

	doc, err := c.readDocument(f)
	if err != nil {
		c.logger.Warn("Discarding unreadable cache document", zap.String("path", c.path), zap.Error(err))
		doc = nil
	}
	if doc == nil {
		doc = &document{}
	}
	if doc.Registers == nil {
		doc.Registers = make(map[string]record)
	}
	doc.Inverter = c.name

	modify(doc)

	out, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode cache document: %w", err)
	}

	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt(out, 0); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}

	c.logger.Debug("Cache saved",
		zap.Int("registers", len(doc.Registers)),
		zap.Duration("took", time.Since(start)))

	return nil
}

// readDocument returns nil for an empty file
func (c *DocumentCache) readDocument(f *os.File) (*document, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}

	if err := c.validator.ValidateDocument(data); err != nil {
		return nil, err
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode cache document: %w", err)
	}

	return &doc, nil
}
