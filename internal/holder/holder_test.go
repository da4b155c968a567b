package holder

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/smirnovhub/my-deye-scripts-sub000/internal/devices"
	"github.com/smirnovhub/my-deye-scripts-sub000/internal/locker"
	"github.com/smirnovhub/my-deye-scripts-sub000/internal/modbus"
	"github.com/smirnovhub/my-deye-scripts-sub000/internal/modbus/modbustest"
	"github.com/smirnovhub/my-deye-scripts-sub000/internal/registers"
	"github.com/smirnovhub/my-deye-scripts-sub000/internal/types"
	"go.uber.org/zap/zaptest"
)

type fleet map[string]*modbustest.Transport

func (f fleet) dial(d types.DeviceDescriptor) modbus.Transport {
	return f[d.Name]
}

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time {
	return c.now
}

type setup struct {
	catalog    *registers.Catalog
	defaultTTL int
	clock      *testClock
	dir        string
	retry      RetryPolicy
}

func newHolder(t *testing.T, s setup, f fleet, descs ...types.DeviceDescriptor) *Holder {
	t.Helper()

	if s.catalog == nil {
		s.catalog = registers.DefaultCatalog()
	}
	if s.dir == "" {
		s.dir = t.TempDir()
	}

	registry, err := devices.NewRegistry(devices.Test, descs)
	if err != nil {
		t.Fatal(err)
	}

	opts := Options{
		Dialer:      f.dial,
		CacheDir:    s.dir,
		DefaultTTL:  s.defaultTTL,
		LockTimeout: 300 * time.Millisecond,
		Retry:       s.retry,
		Logger:      zaptest.NewLogger(t),
	}
	if s.clock != nil {
		opts.Clock = s.clock.Now
	}

	h, err := New(registry, s.catalog, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { h.Disconnect() })
	return h
}

func twoInverters() (fleet, []types.DeviceDescriptor) {
	f := fleet{
		"master": modbustest.NewTransport(map[int]uint16{190: 100, 184: 80, 169: 10, 194: 1}),
		"slave":  modbustest.NewTransport(map[int]uint16{190: 150, 184: 20, 169: 20, 194: 1}),
	}
	return f, []types.DeviceDescriptor{
		{Name: "master", Address: "10.0.0.1", Master: true},
		{Name: "slave", Address: "10.0.0.2"},
	}
}

func value(t *testing.T, s *registers.Registers, name string) any {
	t.Helper()
	v, err := s.Value(name)
	if err != nil {
		t.Fatalf("%s/%s: %v", s.Prefix(), name, err)
	}
	return v
}

func TestReadAccumulates(t *testing.T) {
	f, descs := twoInverters()
	h := newHolder(t, setup{}, f, descs...)

	if err := h.Read(context.Background(), "battery_power", "battery_soc", "grid_state"); err != nil {
		t.Fatalf("Read: %v", err)
	}

	if v := value(t, h.Accumulated(), "battery_power"); v != 250 {
		t.Fatalf("accumulated battery_power = %v, want 250", v)
	}
	if _, err := h.Accumulated().Value("battery_soc"); !errors.Is(err, types.ErrNotAggregated) {
		t.Fatalf("only-master register in accumulated set: %v", err)
	}
	if v := value(t, h.Accumulated(), "grid_state"); v.(registers.EnumValue).Name != "on_grid" {
		t.Fatalf("grid_state = %v", v)
	}

	master, _ := h.Master()
	if v := value(t, master, "battery_soc"); v != 80 {
		t.Fatalf("master battery_soc = %v", v)
	}
	slave, _ := h.Device("slave")
	if v := value(t, slave, "battery_power"); v != 150 {
		t.Fatalf("slave battery_power = %v", v)
	}
	if _, err := slave.Value("battery_soc"); err == nil {
		t.Fatalf("only-master register must not be read from the slave")
	}

	for _, call := range f["slave"].Reads() {
		if call.Address <= 184 && 184 < call.Address+call.Quantity {
			t.Fatalf("slave was asked for an only-master address: %v", call)
		}
	}
}

func TestReadAverages(t *testing.T) {
	catalog := registers.MustCatalog(&registers.Register{
		Name:        "battery_power",
		Address:     190,
		Length:      1,
		Kind:        registers.KindSignedInt,
		Aggregation: registers.Average,
	})
	f, descs := twoInverters()
	h := newHolder(t, setup{catalog: catalog}, f, descs...)

	if err := h.Read(context.Background()); err != nil {
		t.Fatal(err)
	}
	if v := value(t, h.Accumulated(), "battery_power"); v != 125.0 {
		t.Fatalf("average battery_power = %v, want 125", v)
	}
}

func TestSingleInverterSkipsAggregation(t *testing.T) {
	f := fleet{"solo": modbustest.NewTransport(map[int]uint16{184: 55})}
	h := newHolder(t, setup{}, f, types.DeviceDescriptor{Name: "solo", Address: "10.0.0.1"})

	if err := h.Read(context.Background(), "battery_soc"); err != nil {
		t.Fatal(err)
	}
	if v := value(t, h.Accumulated(), "battery_soc"); v != 55 {
		t.Fatalf("single inverter accumulated value = %v", v)
	}
}

func TestReadUsesCache(t *testing.T) {
	f := fleet{"solo": modbustest.NewTransport(map[int]uint16{5: 10, 6: 20, 7: 30})}
	catalog := registers.MustCatalog(&registers.Register{
		Name:    "block",
		Address: 5,
		Length:  3,
		Kind:    registers.KindTimeOfUse,
		TTL:     5 * time.Second,
	})
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	h := newHolder(t, setup{catalog: catalog, clock: clock, defaultTTL: 5}, f,
		types.DeviceDescriptor{Name: "solo", Address: "10.0.0.1"})

	ctx := context.Background()
	for _, step := range []struct {
		advance time.Duration
		reads   int
	}{
		{0, 1},
		{3 * time.Second, 1},
		{3 * time.Second, 2},
	} {
		clock.now = clock.now.Add(step.advance)
		if err := h.Do(ctx, func(ctx context.Context) error { return h.Read(ctx) }); err != nil {
			t.Fatal(err)
		}
		if n := len(f["solo"].Reads()); n != step.reads {
			t.Fatalf("after +%s: %d device reads, want %d", step.advance, n, step.reads)
		}
	}

	if v := value(t, h.Accumulated(), "block"); v != 20.0 {
		t.Fatalf("block = %v", v)
	}
}

func TestReadKeepsHealthyInverters(t *testing.T) {
	f, descs := twoInverters()
	f["slave"].ReadErr = errors.New("illegal data address")
	h := newHolder(t, setup{}, f, descs...)

	err := h.Read(context.Background(), "battery_power")
	if err == nil {
		t.Fatalf("expected slave error")
	}

	master, _ := h.Master()
	if v := value(t, master, "battery_power"); v != 100 {
		t.Fatalf("master values must survive a slave failure, got %v", v)
	}

	slave, _ := h.Device("slave")
	if _, err := slave.Value("battery_power"); err == nil {
		t.Fatalf("failed inverter must report per-register errors")
	}
	if _, err := h.Accumulated().Value("battery_power"); err == nil {
		t.Fatalf("accumulated value must not be computed from a partial fleet")
	}

	snap := h.Snapshot()
	if snap.Errors["slave"]["battery_power"] == "" {
		t.Fatalf("snapshot misses the slave error: %+v", snap.Errors)
	}
	if snap.Values["master"]["battery_power"] != 100 {
		t.Fatalf("snapshot misses master value: %+v", snap.Values)
	}
}

func TestReadWithRetry(t *testing.T) {
	f := fleet{"solo": modbustest.NewTransport(map[int]uint16{190: 7})}
	f["solo"].ReadErr = types.ErrNoSocketAvailable
	f["solo"].ReadErrTimes = 1
	h := newHolder(t, setup{retry: RetryPolicy{Attempts: 3, Delay: 10 * time.Millisecond}}, f,
		types.DeviceDescriptor{Name: "solo", Address: "10.0.0.1"})

	if err := h.ReadWithRetry(context.Background(), "battery_power"); err != nil {
		t.Fatalf("retryable failure must be retried: %v", err)
	}
	if n := len(f["solo"].Reads()); n != 2 {
		t.Fatalf("expected 2 attempts, got %d", n)
	}
	if f["solo"].Closes() < 1 {
		t.Fatalf("connection must be reset between attempts")
	}
}

func TestReadWithRetryGivesUp(t *testing.T) {
	f := fleet{"solo": modbustest.NewTransport(nil)}
	f["solo"].ReadErr = types.ErrNoSocketAvailable
	h := newHolder(t, setup{retry: RetryPolicy{Attempts: 3, Delay: time.Millisecond}}, f,
		types.DeviceDescriptor{Name: "solo", Address: "10.0.0.1"})

	if err := h.ReadWithRetry(context.Background(), "battery_power"); !errors.Is(err, types.ErrNoSocketAvailable) {
		t.Fatalf("got %v", err)
	}
	if n := len(f["solo"].Reads()); n != 3 {
		t.Fatalf("expected 3 attempts, got %d", n)
	}
}

func TestReadWithRetrySkipsOtherErrors(t *testing.T) {
	f := fleet{"solo": modbustest.NewTransport(nil)}
	f["solo"].ReadErr = errors.New("modbus: exception '2' (illegal data address)")
	h := newHolder(t, setup{retry: RetryPolicy{Attempts: 3}}, f,
		types.DeviceDescriptor{Name: "solo", Address: "10.0.0.1"})

	if err := h.ReadWithRetry(context.Background(), "battery_power"); err == nil {
		t.Fatalf("expected error")
	}
	if n := len(f["solo"].Reads()); n != 1 {
		t.Fatalf("non retryable errors must fail immediately, got %d attempts", n)
	}
}

func TestReadUnknownRegister(t *testing.T) {
	f, descs := twoInverters()
	h := newHolder(t, setup{}, f, descs...)

	if err := h.Read(context.Background(), "flux_capacitor"); !errors.Is(err, types.ErrRegisterNotFound) {
		t.Fatalf("got %v", err)
	}
}

func TestWrite(t *testing.T) {
	f, descs := twoInverters()
	h := newHolder(t, setup{defaultTTL: 3600}, f, descs...)
	ctx := context.Background()

	got, err := h.Write(ctx, "system_work_mode", "zero_export_to_ct")
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got.(registers.EnumValue).Code != 2 {
		t.Fatalf("unexpected written value %v", got)
	}

	if f["master"].Word(244) != 2 {
		t.Fatalf("value not written to the master")
	}
	if len(f["slave"].Writes()) != 0 {
		t.Fatalf("slave must never be written")
	}

	if v := value(t, h.Accumulated(), "system_work_mode"); v.(registers.EnumValue).Code != 2 {
		t.Fatalf("accumulated set must follow the master: %v", v)
	}

	if err := h.Read(ctx, "system_work_mode"); err != nil {
		t.Fatal(err)
	}
	master, _ := h.Master()
	if v := value(t, master, "system_work_mode"); v.(registers.EnumValue).Code != 2 {
		t.Fatalf("read after write returned %v", v)
	}
	if len(f["master"].Reads()) != 0 {
		t.Fatalf("written value must be served from the cache")
	}
}

func TestWriteErrors(t *testing.T) {
	f := fleet{"a": modbustest.NewTransport(nil), "b": modbustest.NewTransport(nil)}
	noMaster := newHolder(t, setup{}, f,
		types.DeviceDescriptor{Name: "a", Address: "x"},
		types.DeviceDescriptor{Name: "b", Address: "y"})

	if _, err := noMaster.Write(context.Background(), "zero_export_power", 20); !errors.Is(err, types.ErrNoMasterConfigured) {
		t.Fatalf("expected ErrNoMasterConfigured, got %v", err)
	}

	f2, descs := twoInverters()
	h := newHolder(t, setup{}, f2, descs...)
	ctx := context.Background()

	tests := []struct {
		name  string
		value any
		err   error
	}{
		{"battery_power", 5, types.ErrReadOnly},
		{"zero_export_power", 500, types.ErrValueOutOfRange},
		{"flux_capacitor", 1, types.ErrRegisterNotFound},
	}
	for _, tt := range tests {
		if _, err := h.Write(ctx, tt.name, tt.value); !errors.Is(err, tt.err) {
			t.Errorf("Write(%s, %v) = %v, want %v", tt.name, tt.value, err, tt.err)
		}
	}

	f2["master"].WriteAck = 2
	if _, err := h.Write(ctx, "zero_export_power", 20); !errors.Is(err, types.ErrWriteMismatch) {
		t.Fatalf("expected ErrWriteMismatch, got %v", err)
	}
}

func TestDisconnectReleasesLockAndReportsFirstError(t *testing.T) {
	f, descs := twoInverters()
	h := newHolder(t, setup{}, f, descs...)

	if err := h.Read(context.Background(), "battery_power"); err != nil {
		t.Fatal(err)
	}
	if !h.lock.Held() {
		t.Fatalf("cycle lock must be held after a read")
	}

	first := errors.New("master close failed")
	f["master"].CloseErr = first
	f["slave"].CloseErr = errors.New("slave close failed")

	if err := h.Disconnect(); !errors.Is(err, first) {
		t.Fatalf("expected first disconnect error, got %v", err)
	}
	if f["slave"].Closes() != 1 {
		t.Fatalf("every inverter must be disconnected")
	}
	if h.lock.Held() {
		t.Fatalf("lock must be released even when disconnect fails")
	}
}

func TestReadFailsWhileAnotherProcessHoldsTheLock(t *testing.T) {
	dir := t.TempDir()
	other, err := locker.NewLocker("other", filepath.Join(dir, DefaultLockName+".lock"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := other.Acquire(context.Background(), locker.Exclusive, time.Second); err != nil {
		t.Fatal(err)
	}
	defer other.Release()

	f, descs := twoInverters()
	h := newHolder(t, setup{dir: dir}, f, descs...)

	if err := h.Read(context.Background(), "battery_power"); !errors.Is(err, types.ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
	if len(f["master"].Reads()) != 0 {
		t.Fatalf("no device may be touched without the lock")
	}
}

func TestReadTwiceToleratesHeldLock(t *testing.T) {
	f, descs := twoInverters()
	h := newHolder(t, setup{}, f, descs...)
	ctx := context.Background()

	if err := h.Read(ctx, "battery_power"); err != nil {
		t.Fatal(err)
	}
	if err := h.Read(ctx, "grid_power"); err != nil {
		t.Fatalf("second read in the same critical section failed: %v", err)
	}
	if v := value(t, h.Accumulated(), "grid_power"); v != 30 {
		t.Fatalf("grid_power = %v", v)
	}
}
