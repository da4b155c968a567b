package holder

import (
	"context"
	"testing"
	"time"

	"github.com/smirnovhub/my-deye-scripts-sub000/internal/modbus/modbustest"
	"github.com/smirnovhub/my-deye-scripts-sub000/internal/types"
	"go.uber.org/zap/zaptest"
)

func TestPollerPublishesSnapshots(t *testing.T) {
	f := fleet{"solo": modbustest.NewTransport(map[int]uint16{190: 42})}
	h := newHolder(t, setup{}, f, types.DeviceDescriptor{Name: "solo", Address: "10.0.0.1"})

	snaps := make(chan Snapshot, 10)
	sink := SinkFunc(func(ctx context.Context, snap Snapshot) error {
		select {
		case snaps <- snap:
		default:
		}
		return nil
	})

	p := NewPoller(h, 20*time.Millisecond, []string{"battery_power"}, zaptest.NewLogger(t), sink)
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	if err := p.Start(); err != nil || !p.IsRunning() {
		t.Fatalf("second start must be a no-op")
	}

	for i := 0; i < 2; i++ {
		select {
		case snap := <-snaps:
			if snap.Values["all"]["battery_power"] != 42 {
				t.Fatalf("unexpected snapshot %+v", snap.Values)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("no snapshot published")
		}
	}

	p.Stop()
	if p.IsRunning() {
		t.Fatalf("poller still running")
	}
	if f["solo"].Connected() {
		t.Fatalf("every poll must disconnect")
	}
	if h.lock.Held() {
		t.Fatalf("every poll must release the cycle lock")
	}
}
