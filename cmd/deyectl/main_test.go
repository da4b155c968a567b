package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/smirnovhub/my-deye-scripts-sub000/internal/devices"
	"github.com/smirnovhub/my-deye-scripts-sub000/internal/holder"
	"github.com/smirnovhub/my-deye-scripts-sub000/internal/modbus"
	"github.com/smirnovhub/my-deye-scripts-sub000/internal/modbus/modbustest"
	"github.com/smirnovhub/my-deye-scripts-sub000/internal/registers"
	"github.com/smirnovhub/my-deye-scripts-sub000/internal/types"
	"go.uber.org/zap/zaptest"
	"gopkg.in/yaml.v3"
)

func newTestHolder(t *testing.T, dev *modbustest.Transport) *holder.Holder {
	t.Helper()

	registry, err := devices.NewRegistry(devices.Test, []types.DeviceDescriptor{{Name: "bench", Address: "127.0.0.1"}})
	if err != nil {
		t.Fatal(err)
	}

	h, err := holder.New(registry, registers.DefaultCatalog(), holder.Options{
		Dialer:      func(types.DeviceDescriptor) modbus.Transport { return dev },
		CacheDir:    t.TempDir(),
		LockTimeout: time.Second,
		Logger:      zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func TestParseFlags(t *testing.T) {
	opts, err := parseFlags([]string{"--read", "battery_soc,grid_power", "-w", "system_work_mode=zero_export_to_load", "--device", "Master", "-f", "json"})
	if err != nil {
		t.Fatal(err)
	}
	if len(opts.read) != 2 || opts.read[1] != "grid_power" {
		t.Errorf("read = %v", opts.read)
	}
	if len(opts.writes) != 1 || opts.device != "master" || opts.format != "json" {
		t.Errorf("unexpected options %+v", opts)
	}

	if _, err := parseFlags([]string{"--read", "x", "--format", "xml"}); err == nil {
		t.Errorf("unknown format must fail")
	}
	if _, err := parseFlags(nil); err == nil {
		t.Errorf("no action must fail")
	}
}

func TestParseWrite(t *testing.T) {
	w, err := parseWrite("system_time = 2024-05-17 13:04:05")
	if err != nil || w.name != "system_time" || w.value != "2024-05-17 13:04:05" {
		t.Fatalf("parseWrite = %+v, %v", w, err)
	}

	for _, bad := range []string{"battery_soc", "=5", "name="} {
		if _, err := parseWrite(bad); err == nil {
			t.Errorf("%q must be rejected", bad)
		}
	}
}

func TestExecuteReadAndWrite(t *testing.T) {
	dev := modbustest.NewTransport(map[int]uint16{184: 77, 190: 65436, 210: 10})
	h := newTestHolder(t, dev)

	opts := &options{
		device: "all",
		read:   []string{"battery_soc", "battery_power", "battery_max_charge_current"},
		writes: []string{"battery_max_charge_current=40"},
	}

	res, err := execute(context.Background(), h, opts)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if len(res.Written) != 1 || res.Written[0].Value != 40 {
		t.Fatalf("written = %+v", res.Written)
	}
	if dev.Word(210) != 40 {
		t.Fatalf("inverter word 210 = %d", dev.Word(210))
	}

	values := make(map[string]any)
	for _, e := range res.Registers {
		values[e.Name] = e.Value
	}
	if values["battery_soc"] != 77 || values["battery_power"] != -100 || values["battery_max_charge_current"] != 40 {
		t.Fatalf("single inverter values must show in the accumulated view: %v", values)
	}
}

func TestExecuteReportsFailedWrite(t *testing.T) {
	h := newTestHolder(t, modbustest.NewTransport(nil))

	res, err := execute(context.Background(), h, &options{device: "all", writes: []string{"battery_power=5"}})
	if err == nil {
		t.Fatalf("read-only write must fail")
	}
	if len(res.Written) != 1 || res.Written[0].Error == "" {
		t.Fatalf("failed write must be reported: %+v", res.Written)
	}
}

func TestExecuteUnknownDevice(t *testing.T) {
	h := newTestHolder(t, modbustest.NewTransport(nil))

	if _, err := execute(context.Background(), h, &options{device: "ghost", read: []string{"battery_soc"}}); err == nil {
		t.Fatalf("unknown device must fail")
	}
}

func TestRender(t *testing.T) {
	res := &result{
		Device: "all",
		Registers: []entry{
			{Name: "battery_soc", Value: 77, Suffix: "%"},
			{Name: "grid_state", Value: "on_grid"},
			{Name: "battery_temperature", Error: "register has no accumulated value"},
		},
	}

	var text bytes.Buffer
	if err := render(&text, formatText, res); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"all/battery_soc", "77 %", "on_grid", "error: register has no accumulated value"} {
		if !strings.Contains(text.String(), want) {
			t.Errorf("text output misses %q:\n%s", want, text.String())
		}
	}

	var js bytes.Buffer
	if err := render(&js, formatJSON, res); err != nil {
		t.Fatal(err)
	}
	var decoded result
	if err := json.Unmarshal(js.Bytes(), &decoded); err != nil || len(decoded.Registers) != 3 {
		t.Fatalf("json output: %v %s", err, js.String())
	}

	var ym bytes.Buffer
	if err := render(&ym, formatYAML, res); err != nil {
		t.Fatal(err)
	}
	var fromYAML result
	if err := yaml.Unmarshal(ym.Bytes(), &fromYAML); err != nil || fromYAML.Device != "all" {
		t.Fatalf("yaml output: %v %s", err, ym.String())
	}
}

func TestRenderListing(t *testing.T) {
	var out bytes.Buffer
	if err := render(&out, formatText, catalogListing(registers.DefaultCatalog())); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "battery_max_charge_current") || !strings.Contains(out.String(), "rw") {
		t.Fatalf("listing incomplete:\n%s", out.String())
	}
}
