package holder

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/smirnovhub/my-deye-scripts-sub000/internal/cache"
	"github.com/smirnovhub/my-deye-scripts-sub000/internal/devices"
	"github.com/smirnovhub/my-deye-scripts-sub000/internal/locker"
	"github.com/smirnovhub/my-deye-scripts-sub000/internal/modbus"
	"github.com/smirnovhub/my-deye-scripts-sub000/internal/registers"
	"github.com/smirnovhub/my-deye-scripts-sub000/internal/types"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const DefaultLockName = "inverter"

type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
}

type Options struct {
	Dialer modbus.Dialer

	CacheMode  string
	CacheDir   string
	DefaultTTL int
	MaxSpan    int

	LockDir     string
	LockName    string
	LockTimeout time.Duration

	Retry RetryPolicy

	FileLock locker.FileLock
	Clock    cache.Clock
	Logger   *zap.Logger
}

// Holder runs polling cycles over every configured inverter and keeps the
// decoded register sets, one per inverter plus the accumulated one.
type Holder struct {
	registry *devices.Registry
	catalog  *registers.Catalog
	logger   *zap.Logger

	interactors []*modbus.Interactor
	sets        []*registers.Registers
	accumulated *registers.Registers
	master      int

	lock        *locker.Locker
	lockTimeout time.Duration
	retry       RetryPolicy

	cycle    sync.Mutex
	mu       sync.RWMutex
	lastRead time.Time
}

func New(registry *devices.Registry, catalog *registers.Catalog, opts Options) (*Holder, error) {
	if opts.Dialer == nil {
		return nil, errors.New("holder needs a transport dialer")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.FileLock == nil {
		opts.FileLock = locker.NewFileLock()
	}
	if opts.LockName == "" {
		opts.LockName = DefaultLockName
	}
	if opts.LockDir == "" {
		opts.LockDir = opts.CacheDir
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = locker.DefaultTimeout
	}
	if opts.Retry.Attempts < 1 {
		opts.Retry.Attempts = 1
	}

	lock, err := locker.NewLocker(opts.LockName, filepath.Join(opts.LockDir, opts.LockName+".lock"),
		locker.WithLogger(opts.Logger), locker.WithFileLock(opts.FileLock))
	if err != nil {
		return nil, fmt.Errorf("failed to create cycle lock: %w", err)
	}

	h := &Holder{
		registry:    registry,
		catalog:     catalog,
		logger:      opts.Logger,
		master:      -1,
		lock:        lock,
		lockTimeout: opts.LockTimeout,
		retry:       opts.Retry,
		accumulated: registers.NewRegisters(registers.AccumulatedPrefix, catalog, true),
	}

	for i, device := range registry.All() {
		c, err := cache.New(opts.CacheMode, device.Name, opts.CacheDir, cache.Options{
			Lock:   opts.FileLock,
			Logger: opts.Logger,
			Clock:  opts.Clock,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open cache for %s: %w", device.Name, err)
		}

		h.interactors = append(h.interactors, modbus.NewInteractor(device, opts.Dialer(device), modbus.InteractorOptions{
			DefaultTTL: opts.DefaultTTL,
			MaxSpan:    opts.MaxSpan,
			Cache:      c,
			Logger:     opts.Logger,
		}))
		h.sets = append(h.sets, registers.NewRegisters(device.Name, catalog, false))

		if device.Master {
			h.master = i
		}
	}

	return h, nil
}

func (h *Holder) Catalog() *registers.Catalog {
	return h.catalog
}

func (h *Holder) Registry() *devices.Registry {
	return h.registry
}

// LastRead is the time the most recent cycle finished
func (h *Holder) LastRead() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastRead
}

func (h *Holder) Devices() []types.DeviceDescriptor {
	return h.registry.All()
}

// Do serializes fn with every other cycle of this process and tears the
// cycle down afterwards.
func (h *Holder) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	h.cycle.Lock()
	defer h.cycle.Unlock()

	err := fn(ctx)
	return multierr.Append(err, h.Disconnect())
}

func (h *Holder) acquire(ctx context.Context) error {
	res, err := h.lock.Acquire(ctx, locker.Exclusive, h.lockTimeout)
	switch res {
	case locker.Acquired, locker.AlreadyHeldByCaller:
		return nil
	}
	return err
}

// Read runs one polling cycle for names (the whole catalog when empty):
// lock, enqueue, read every inverter concurrently, decode, aggregate.
// Every inverter is given its chance; the first device error is returned
// after all of them finished and the others' values stay available.
func (h *Holder) Read(ctx context.Context, names ...string) error {
	regs, err := h.catalog.Select(names...)
	if err != nil {
		return err
	}

	if err := h.acquire(ctx); err != nil {
		return err
	}

	for _, i := range h.interactors {
		for _, r := range regs {
			r.Enqueue(i, i.IsMaster())
		}
	}

	start := time.Now()
	errs := make([]error, len(h.interactors))

	var g errgroup.Group
	for k, i := range h.interactors {
		k, i := k, i
		g.Go(func() error {
			errs[k] = i.ProcessEnqueued(ctx)
			return errs[k]
		})
	}
	readErr := g.Wait()

	readers := make([]registers.Reader, len(h.interactors))
	for k, i := range h.interactors {
		readers[k] = i
		h.sets[k].Reset()

		if errs[k] != nil {
			h.logger.Error("Inverter read failed", zap.String("inverter", i.Name()), zap.Error(errs[k]))
			h.sets[k].Fail(regs, errs[k])
			continue
		}
		h.sets[k].Load(h.deviceRegisters(regs, i.IsMaster()), i)
	}

	h.accumulated.Reset()
	if readErr != nil {
		h.accumulated.Fail(regs, readErr)
	} else {
		master := max(h.master, 0)
		h.accumulated.LoadAccumulated(regs, readers, master)
	}

	h.mu.Lock()
	h.lastRead = time.Now()
	h.mu.Unlock()

	h.logger.Debug("Read cycle finished",
		zap.Int("registers", len(regs)),
		zap.Int("inverters", len(h.interactors)),
		zap.Duration("took", time.Since(start)),
		zap.Error(readErr))

	return readErr
}

// only-master registers are not read from the other inverters
func (h *Holder) deviceRegisters(regs []*registers.Register, master bool) []*registers.Register {
	if master || len(h.interactors) == 1 {
		return regs
	}

	out := make([]*registers.Register, 0, len(regs))
	for _, r := range regs {
		if r.Aggregation != registers.OnlyMaster {
			out = append(out, r)
		}
	}
	return out
}

// ReadWithRetry repeats Read while it fails with a retryable device error
func (h *Holder) ReadWithRetry(ctx context.Context, names ...string) error {
	for attempt := 1; ; attempt++ {
		err := h.Read(ctx, names...)
		if err == nil || !types.IsRetryable(err) || attempt >= h.retry.Attempts {
			return err
		}

		h.logger.Warn("Inverter unreachable, retrying",
			zap.Int("attempt", attempt),
			zap.Int("attempts", h.retry.Attempts),
			zap.Duration("delay", h.retry.Delay),
			zap.Error(err))

		if derr := h.disconnectDevices(); derr != nil {
			h.logger.Warn("Disconnect before retry failed", zap.Error(derr))
		}

		select {
		case <-ctx.Done():
			return multierr.Append(err, ctx.Err())
		case <-time.After(h.retry.Delay):
		}
	}
}

// Write encodes value and writes it to the master inverter. It returns the
// value as the inverter now holds it.
func (h *Holder) Write(ctx context.Context, name string, value any) (any, error) {
	reg, ok := h.catalog.Get(name)
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, types.ErrRegisterNotFound)
	}
	if h.master < 0 {
		return nil, fmt.Errorf("can't write %s: %w", name, types.ErrNoMasterConfigured)
	}
	if !reg.CanWrite() {
		return nil, fmt.Errorf("%s: %w", name, types.ErrReadOnly)
	}

	words, err := reg.Encode(value)
	if err != nil {
		return nil, err
	}

	if err := h.acquire(ctx); err != nil {
		return nil, err
	}

	master := h.interactors[h.master]
	n, err := master.WriteRegister(ctx, reg.Address, words)
	if err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", name, err)
	}
	if n != len(words) {
		return nil, fmt.Errorf("%s: %w: wrote %d, acknowledged %d", name, types.ErrWriteMismatch, len(words), n)
	}

	written, err := reg.Decode(words)
	if err != nil {
		return nil, err
	}

	h.sets[h.master].Set(name, written)
	if len(h.interactors) == 1 || reg.Aggregation == registers.None {
		h.accumulated.Set(name, written)
	}

	h.logger.Info("Register written",
		zap.String("register", name),
		zap.String("inverter", master.Name()),
		zap.Any("value", written))

	return written, nil
}

func (h *Holder) disconnectDevices() error {
	var err error
	for _, i := range h.interactors {
		err = multierr.Append(err, i.Disconnect())
	}
	return err
}

// Disconnect closes every inverter connection and releases the cycle lock.
// All inverters are attempted; the first error is returned.
func (h *Holder) Disconnect() error {
	err := h.disconnectDevices()

	if rerr := h.lock.Release(); rerr != nil {
		err = multierr.Append(err, rerr)
	}

	if errs := multierr.Errors(err); len(errs) > 0 {
		if len(errs) > 1 {
			h.logger.Warn("Several errors during disconnect", zap.Errors("errors", errs))
		}
		return errs[0]
	}
	return nil
}

// Master returns the register set of the master inverter
func (h *Holder) Master() (*registers.Registers, bool) {
	if h.master < 0 {
		return nil, false
	}
	return h.sets[h.master], true
}

func (h *Holder) Accumulated() *registers.Registers {
	return h.accumulated
}

// Device returns the set of one inverter, or the accumulated set for "all"
func (h *Holder) Device(name string) (*registers.Registers, bool) {
	if name == registers.AccumulatedPrefix {
		return h.accumulated, true
	}
	for _, s := range h.sets {
		if s.Prefix() == name {
			return s, true
		}
	}
	return nil, false
}

type DeviceStats struct {
	Name   string `json:"name"`
	Master bool   `json:"master"`
	Reads  int64  `json:"reads"`
	Writes int64  `json:"writes"`
}

func (h *Holder) Stats() []DeviceStats {
	out := make([]DeviceStats, len(h.interactors))
	for k, i := range h.interactors {
		out[k] = DeviceStats{Name: i.Name(), Master: i.IsMaster(), Reads: i.ReadCount(), Writes: i.WriteCount()}
	}
	return out
}

// Snapshot is the outcome of the last cycle keyed by set prefix
type Snapshot struct {
	Time   time.Time                    `json:"time"`
	Values map[string]map[string]any    `json:"values"`
	Errors map[string]map[string]string `json:"errors,omitempty"`
}

func (h *Holder) Snapshot() Snapshot {
	h.mu.RLock()
	snap := Snapshot{
		Time:   h.lastRead,
		Values: make(map[string]map[string]any),
	}
	h.mu.RUnlock()

	sets := append([]*registers.Registers{h.accumulated}, h.sets...)
	for _, s := range sets {
		snap.Values[s.Prefix()] = s.Snapshot()

		errs := s.Errors()
		if len(errs) == 0 {
			continue
		}
		if snap.Errors == nil {
			snap.Errors = make(map[string]map[string]string)
		}
		msgs := make(map[string]string, len(errs))
		for name, err := range errs {
			msgs[name] = err.Error()
		}
		snap.Errors[s.Prefix()] = msgs
	}

	return snap
}
