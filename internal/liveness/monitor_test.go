package liveness

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/capfleet/capfleet/internal/clock"
	"github.com/capfleet/capfleet/internal/events"
	"github.com/capfleet/capfleet/internal/models"
	"github.com/capfleet/capfleet/internal/protocol"
	"github.com/capfleet/capfleet/internal/registry"
)

type nopSender struct{}

func (nopSender) Send(string, any) error { return nil }

func TestSweepDemotesSilentDevices(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	reg := registry.New(nil, events.NewBus(), clk, zerolog.Nop())
	mon := New(reg, 90*time.Second, 30*time.Second, zerolog.Nop())

	silent, _ := reg.Register(protocol.Register{DeviceName: "silent"}, nopSender{}, "")
	alive, _ := reg.Register(protocol.Register{DeviceName: "alive"}, nopSender{}, "")

	reg.Heartbeat(protocol.Heartbeat{DeviceID: silent.DeviceID, Status: protocol.StatusIdle, Timestamp: clk.Now()})
	reg.Heartbeat(protocol.Heartbeat{DeviceID: alive.DeviceID, Status: protocol.StatusIdle, Timestamp: clk.Now()})

	clk.Advance(60 * time.Second)
	if n := mon.Sweep(); n != 0 {
		t.Fatalf("sweep at 60s demoted %d devices", n)
	}

	clk.Advance(31 * time.Second)
	reg.Heartbeat(protocol.Heartbeat{DeviceID: alive.DeviceID, Status: protocol.StatusIdle, Timestamp: clk.Now()})

	if n := mon.Sweep(); n != 1 {
		t.Fatalf("sweep demoted %d devices, want 1", n)
	}

	dev, _ := reg.Get(silent.DeviceID)
	if dev.Status != models.DeviceOffline || dev.OfflineReason != models.OfflineHeartbeatTimeout {
		t.Fatalf("silent device = %s/%s", dev.Status, dev.OfflineReason)
	}
	if dev, _ := reg.Get(alive.DeviceID); dev.Status != models.DeviceIdle {
		t.Fatalf("alive device demoted: %s", dev.Status)
	}
}

func TestSweepIsIdempotent(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	reg := registry.New(nil, events.NewBus(), clk, zerolog.Nop())
	mon := New(reg, 90*time.Second, 30*time.Second, zerolog.Nop())

	res, _ := reg.Register(protocol.Register{DeviceName: "one"}, nopSender{}, "")
	reg.Heartbeat(protocol.Heartbeat{DeviceID: res.DeviceID, Status: protocol.StatusIdle, Timestamp: clk.Now()})

	clk.Advance(2 * time.Minute)
	if n := mon.Sweep(); n != 1 {
		t.Fatalf("first sweep demoted %d", n)
	}
	if n := mon.Sweep(); n != 0 {
		t.Fatalf("second sweep demoted %d", n)
	}
}

// A heartbeat that arrives after the staleness scan but before the demotion
// keeps the device online.
func TestSweepSparesDeviceThatRecovers(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	reg := registry.New(nil, events.NewBus(), clk, zerolog.Nop())

	res, _ := reg.Register(protocol.Register{DeviceName: "one"}, nopSender{}, "")
	reg.Heartbeat(protocol.Heartbeat{DeviceID: res.DeviceID, Status: protocol.StatusIdle, Timestamp: clk.Now()})

	clk.Advance(2 * time.Minute)
	stale := reg.Stale(90 * time.Second)
	if len(stale) != 1 {
		t.Fatalf("stale = %v", stale)
	}

	reg.Heartbeat(protocol.Heartbeat{DeviceID: res.DeviceID, Status: protocol.StatusIdle, Timestamp: clk.Now()})

	if reg.MarkOfflineIfStale(stale[0], 90*time.Second, models.OfflineHeartbeatTimeout) {
		t.Fatal("device demoted despite recovering heartbeat")
	}
	if dev, _ := reg.Get(res.DeviceID); dev.Status != models.DeviceIdle {
		t.Fatalf("device = %s", dev.Status)
	}
}
