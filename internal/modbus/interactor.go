package modbus

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/smirnovhub/my-deye-scripts-sub000/internal/cache"
	"github.com/smirnovhub/my-deye-scripts-sub000/internal/types"
	"go.uber.org/zap"
)

// UseDefaultTTL lets the interactor pick its configured TTL for a request
const UseDefaultTTL = -1

type InteractorOptions struct {
	// DefaultTTL in seconds; below 1 disables cache lookups
	DefaultTTL int
	MaxSpan    int
	Cache      cache.Cache
	Logger     *zap.Logger
}

// Interactor owns the conversation with one device during polling cycles
type Interactor struct {
	device     types.DeviceDescriptor
	transport  Transport
	cache      cache.Cache
	defaultTTL int
	maxSpan    int
	logger     *zap.Logger

	mu        sync.Mutex
	pending   map[int]types.RegisterRequest
	connected bool

	last   atomic.Pointer[map[int]types.CachedEntry]
	reads  atomic.Int64
	writes atomic.Int64
}

func NewInteractor(device types.DeviceDescriptor, transport Transport, opts InteractorOptions) *Interactor {
	if opts.MaxSpan < 1 {
		opts.MaxSpan = DefaultMaxRegisterSpan
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	i := &Interactor{
		device:     device,
		transport:  transport,
		cache:      opts.Cache,
		defaultTTL: opts.DefaultTTL,
		maxSpan:    opts.MaxSpan,
		logger:     opts.Logger.With(zap.String("inverter", device.Name)),
		pending:    make(map[int]types.RegisterRequest),
	}

	empty := make(map[int]types.CachedEntry)
	i.last.Store(&empty)

	return i
}

func (i *Interactor) Name() string {
	return i.device.Name
}

func (i *Interactor) IsMaster() bool {
	return i.device.Master
}

func (i *Interactor) Device() types.DeviceDescriptor {
	return i.device
}

// ReadCount is the number of device reads issued so far
func (i *Interactor) ReadCount() int64 {
	return i.reads.Load()
}

func (i *Interactor) WriteCount() int64 {
	return i.writes.Load()
}

// Enqueue records a block for the next ProcessEnqueued. A ttl of
// UseDefaultTTL falls back to the interactor default; any other value wins.
// Requests at the same address are combined: longest length, shortest ttl.
func (i *Interactor) Enqueue(address, length, ttl int) {
	if length < 1 {
		return
	}
	if ttl < 0 {
		ttl = i.defaultTTL
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if prev, ok := i.pending[address]; ok {
		length = max(length, prev.Length)
		ttl = min(ttl, prev.TTL)
	}

	i.pending[address] = types.RegisterRequest{Address: address, Length: length, TTL: ttl}
}

func (i *Interactor) ClearQueue() {
	i.mu.Lock()
	i.pending = make(map[int]types.RegisterRequest)
	i.mu.Unlock()
}

// ProcessEnqueued serves the queued blocks from the cache where fresh and reads
// the rest from the device. The results replace the previous cycle's as a whole.
func (i *Interactor) ProcessEnqueued(ctx context.Context) error {
	i.mu.Lock()
	pending := i.pending
	i.pending = make(map[int]types.RegisterRequest)
	i.mu.Unlock()

	results := make(map[int]types.CachedEntry, len(pending))
	misses := pending

	if i.defaultTTL >= 1 && i.cache != nil {
		cached := i.cache.GetCached(pending)
		misses = make(map[int]types.RegisterRequest)
		for addr, req := range pending {
			if entry, ok := cached[addr]; ok {
				results[addr] = entry
			} else {
				misses[addr] = req
			}
		}
	}

	i.logger.Debug("Processing enqueued registers",
		zap.Int("requested", len(pending)),
		zap.Int("cached", len(results)),
		zap.Int("to_read", len(misses)))

	fetched, err := i.fetch(ctx, misses)

	if len(fetched) > 0 && i.cache != nil {
		i.cache.Save(fetched)
	}

	maps.Copy(results, fetched)
	i.last.Store(&results)

	return err
}

func (i *Interactor) fetch(ctx context.Context, requests map[int]types.RegisterRequest) (map[int]types.CachedEntry, error) {
	fetched := make(map[int]types.CachedEntry, len(requests))
	if len(requests) == 0 {
		return fetched, nil
	}

	list := make([]types.RegisterRequest, 0, len(requests))
	for _, req := range requests {
		list = append(list, req)
	}

	for _, group := range Batch(list, i.maxSpan) {
		buf, err := i.readSpan(ctx, group.Start, group.Length)
		if err != nil {
			return fetched, fmt.Errorf("%s: %w", i.device.Name, err)
		}

		entries, err := group.Slice(buf)
		if err != nil {
			return fetched, fmt.Errorf("%s: %w", i.device.Name, err)
		}
		maps.Copy(fetched, entries)
	}

	return fetched, nil
}

func (i *Interactor) readSpan(ctx context.Context, start, length int) ([]uint16, error) {
	if err := i.connect(ctx); err != nil {
		return nil, err
	}

	buf := make([]uint16, 0, length)
	for _, c := range chunks(start, length, i.maxSpan) {
		i.logger.Debug("Reading registers from inverter",
			zap.Int("address", c[0]),
			zap.Int("quantity", c[1]))

		i.reads.Add(1)
		data, err := i.transport.ReadHoldingRegisters(ctx, c[0], c[1])
		if err != nil {
			return nil, err
		}
		buf = append(buf, data...)
	}

	return buf, nil
}

// ReadRegister looks up words from the last processed cycle. Words never
// fetched read as zero.
func (i *Interactor) ReadRegister(address, length int) []uint16 {
	out := make([]uint16, length)
	last := *i.last.Load()

	if entry, ok := last[address]; ok && entry.Covers(address, length) {
		copy(out, entry.Values[:length])
		return out
	}

	for k := range out {
		word := address + k
		for _, entry := range last {
			if entry.Covers(word, 1) {
				out[k] = entry.Values[word-entry.Address]
				break
			}
		}
	}

	return out
}

// WriteRegister writes straight to the device and then refreshes the cache
// with the written words.
func (i *Interactor) WriteRegister(ctx context.Context, address int, values []uint16) (int, error) {
	if err := i.connect(ctx); err != nil {
		return 0, err
	}

	i.writes.Add(1)
	n, err := i.transport.WriteMultipleRegisters(ctx, address, values)
	if err != nil {
		return 0, err
	}

	i.logger.Info("Registers written",
		zap.Int("address", address),
		zap.Int("quantity", len(values)),
		zap.Int("acknowledged", n))

	entry, err := types.NewCachedEntry(address, len(values), i.defaultTTL, values)
	if err != nil {
		return n, err
	}

	if i.cache != nil {
		i.cache.Remove(address, len(values))
		i.cache.Save(map[int]types.CachedEntry{address: entry})
	}

	next := maps.Clone(*i.last.Load())
	for addr, prev := range next {
		if prev.Address < entry.Address+entry.Length && entry.Address < prev.Address+prev.Length {
			patched := prev
			patched.Values = append([]uint16(nil), prev.Values...)
			for k, v := range values {
				if w := address + k - prev.Address; w >= 0 && w < prev.Length {
					patched.Values[w] = v
				}
			}
			next[addr] = patched
		}
	}
	if prev, ok := next[address]; !ok || prev.Length <= entry.Length {
		next[address] = entry
	}
	i.last.Store(&next)

	return n, nil
}

func (i *Interactor) connect(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.connected {
		return nil
	}

	if err := i.transport.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", i.device.Name, err)
	}

	i.connected = true
	return nil
}

func (i *Interactor) Disconnect() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.connected {
		return nil
	}
	i.connected = false

	if err := i.transport.Close(); err != nil {
		return fmt.Errorf("error while disconnecting from %s: %w", i.device.Name, err)
	}
	return nil
}
