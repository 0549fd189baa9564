package dispatch

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/capfleet/capfleet/internal/clock"
	"github.com/capfleet/capfleet/internal/events"
	"github.com/capfleet/capfleet/internal/models"
	"github.com/capfleet/capfleet/internal/protocol"
	"github.com/capfleet/capfleet/internal/registry"
)

// recordingSender captures dispatched commands for assertions.
type recordingSender struct {
	mu   sync.Mutex
	sent []string
	fail error
}

func (s *recordingSender) Send(eventType string, _ any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.sent = append(s.sent, eventType)
	return nil
}

func (s *recordingSender) events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

type fixture struct {
	reg    *registry.Registry
	disp   *Dispatcher
	bus    *events.Bus
	sender *recordingSender
	device string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	bus := events.NewBus()
	reg := registry.New(nil, bus, clk, zerolog.Nop())
	sender := &recordingSender{}
	res, err := reg.Register(protocol.Register{DeviceName: "field-01"}, sender, "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return &fixture{
		reg:    reg,
		disp:   New(nil, reg, bus, clk, zerolog.Nop()),
		bus:    bus,
		sender: sender,
		device: res.DeviceID,
	}
}

func TestRecordDispatchesWithDefaults(t *testing.T) {
	f := newFixture(t)

	recordingUUID, err := f.disp.Record(f.device, RecordParams{})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if recordingUUID == "" {
		t.Fatal("expected a recording uuid")
	}
	if got := f.sender.events(); len(got) != 1 || got[0] != protocol.EventRecord {
		t.Fatalf("sent = %v", got)
	}

	rec, ok := f.disp.Get(recordingUUID)
	if !ok {
		t.Fatal("session not tracked")
	}
	if rec.State != models.RecordingIssued {
		t.Fatalf("state = %s, want ISSUED", rec.State)
	}
	if rec.Duration != DefaultDuration || rec.Channels != 1 || rec.SampleRate != 16000 || rec.BitDepth != 16 {
		t.Fatalf("defaults not applied: %+v", rec)
	}
}

func TestRecordRejectsBusyDevice(t *testing.T) {
	f := newFixture(t)

	if _, err := f.disp.Record(f.device, RecordParams{Duration: 30}); err != nil {
		t.Fatalf("first record: %v", err)
	}
	if _, err := f.disp.Record(f.device, RecordParams{Duration: 30}); !errors.Is(err, ErrDeviceBusy) {
		t.Fatalf("err = %v, want ErrDeviceBusy", err)
	}
}

func TestRecordRejectsOfflineDevice(t *testing.T) {
	f := newFixture(t)
	f.reg.MarkOffline(f.device, models.OfflineConnectionLost)

	if _, err := f.disp.Record(f.device, RecordParams{}); !errors.Is(err, ErrDeviceOffline) {
		t.Fatalf("err = %v, want ErrDeviceOffline", err)
	}
}

func TestRecordRejectsUnknownDevice(t *testing.T) {
	f := newFixture(t)
	if _, err := f.disp.Record("ghost", RecordParams{}); !errors.Is(err, registry.ErrDeviceNotFound) {
		t.Fatalf("err = %v, want ErrDeviceNotFound", err)
	}
}

func TestFullLifecycle(t *testing.T) {
	f := newFixture(t)
	recordingUUID, _ := f.disp.Record(f.device, RecordParams{Duration: 60})

	f.disp.HandleStarted(protocol.RecordingStarted{DeviceID: f.device, RecordingUUID: recordingUUID})
	if dev, _ := f.reg.Get(f.device); dev.Status != models.DeviceRecording || dev.CurrentRecording != recordingUUID {
		t.Fatalf("device after started: %+v", dev)
	}

	f.disp.HandleProgress(protocol.RecordingProgress{RecordingUUID: recordingUUID, ProgressPercent: 50})
	if rec, _ := f.disp.Get(recordingUUID); rec.State != models.RecordingInProgress || rec.Percent != 50 {
		t.Fatalf("session after progress: %+v", rec)
	}

	f.disp.HandleCompleted(protocol.RecordingCompleted{
		RecordingUUID:  recordingUUID,
		Filename:       "rec.wav",
		FileSize:       1920044,
		FileHash:       "abc",
		ActualDuration: 60,
	})

	if _, ok := f.disp.Get(recordingUUID); ok {
		t.Fatal("terminal session still tracked")
	}
	dev, _ := f.reg.Get(f.device)
	if dev.Status != models.DeviceIdle || dev.SuccessCount != 1 || dev.TotalRecordings != 1 {
		t.Fatalf("device after completion: %+v", dev)
	}
}

func TestProgressNeverRegresses(t *testing.T) {
	f := newFixture(t)
	recordingUUID, _ := f.disp.Record(f.device, RecordParams{})
	f.disp.HandleStarted(protocol.RecordingStarted{RecordingUUID: recordingUUID})

	f.disp.HandleProgress(protocol.RecordingProgress{RecordingUUID: recordingUUID, ProgressPercent: 70})
	// Late frame from earlier in the capture must not move the bar backwards.
	f.disp.HandleProgress(protocol.RecordingProgress{RecordingUUID: recordingUUID, ProgressPercent: 40})

	if rec, _ := f.disp.Get(recordingUUID); rec.Percent != 70 {
		t.Fatalf("percent = %d, want 70", rec.Percent)
	}
}

func TestProgressRejectsOutOfRange(t *testing.T) {
	f := newFixture(t)
	recordingUUID, _ := f.disp.Record(f.device, RecordParams{})
	f.disp.HandleStarted(protocol.RecordingStarted{RecordingUUID: recordingUUID})

	f.disp.HandleProgress(protocol.RecordingProgress{RecordingUUID: recordingUUID, ProgressPercent: 140})

	if rec, _ := f.disp.Get(recordingUUID); rec.Percent != 0 {
		t.Fatalf("percent = %d, want 0", rec.Percent)
	}
}

func TestReportsForUnknownRecordingAreDropped(t *testing.T) {
	f := newFixture(t)

	// None of these may panic or disturb device state.
	f.disp.HandleStarted(protocol.RecordingStarted{RecordingUUID: "ghost"})
	f.disp.HandleProgress(protocol.RecordingProgress{RecordingUUID: "ghost", ProgressPercent: 10})
	f.disp.HandleCompleted(protocol.RecordingCompleted{RecordingUUID: "ghost"})
	f.disp.HandleFailed(protocol.RecordingFailed{RecordingUUID: "ghost", Error: "x"})

	if dev, _ := f.reg.Get(f.device); dev.Status != models.DeviceIdle || dev.TotalRecordings != 0 {
		t.Fatalf("device disturbed: %+v", dev)
	}
}

func TestDuplicateTerminalReportIsDropped(t *testing.T) {
	f := newFixture(t)
	recordingUUID, _ := f.disp.Record(f.device, RecordParams{})
	f.disp.HandleStarted(protocol.RecordingStarted{RecordingUUID: recordingUUID})

	f.disp.HandleCompleted(protocol.RecordingCompleted{RecordingUUID: recordingUUID, Filename: "a.wav"})
	f.disp.HandleCompleted(protocol.RecordingCompleted{RecordingUUID: recordingUUID, Filename: "a.wav"})

	if dev, _ := f.reg.Get(f.device); dev.TotalRecordings != 1 || dev.SuccessCount != 1 {
		t.Fatalf("counters double-applied: %+v", dev)
	}
}

func TestFailureReturnsDeviceToIdle(t *testing.T) {
	f := newFixture(t)
	recordingUUID, _ := f.disp.Record(f.device, RecordParams{})
	f.disp.HandleStarted(protocol.RecordingStarted{RecordingUUID: recordingUUID})

	f.disp.HandleFailed(protocol.RecordingFailed{RecordingUUID: recordingUUID, Error: "device disconnected mid-write"})

	dev, _ := f.reg.Get(f.device)
	if dev.Status != models.DeviceIdle || dev.ErrorCount != 1 || dev.CurrentRecording != "" {
		t.Fatalf("device after failure: %+v", dev)
	}
	if _, busy := f.disp.Active(f.device); busy {
		t.Fatal("device still marked busy")
	}
}

func TestStopRequiresActiveRecording(t *testing.T) {
	f := newFixture(t)

	if _, err := f.disp.Stop(f.device); !errors.Is(err, ErrNoActiveRecording) {
		t.Fatalf("err = %v, want ErrNoActiveRecording", err)
	}

	recordingUUID, _ := f.disp.Record(f.device, RecordParams{})
	stopped, err := f.disp.Stop(f.device)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if stopped != recordingUUID {
		t.Fatalf("stopped %s, want %s", stopped, recordingUUID)
	}
	if got := f.sender.events(); got[len(got)-1] != protocol.EventStop {
		t.Fatalf("sent = %v", got)
	}
}

func TestAbortFailsDanglingRecording(t *testing.T) {
	f := newFixture(t)
	recordingUUID, _ := f.disp.Record(f.device, RecordParams{})
	f.disp.HandleStarted(protocol.RecordingStarted{RecordingUUID: recordingUUID})

	f.disp.Abort(f.device, recordingUUID, "connection lost during recording")

	if _, ok := f.disp.Get(recordingUUID); ok {
		t.Fatal("aborted session still tracked")
	}
	dev, _ := f.reg.Get(f.device)
	if dev.ErrorCount != 1 {
		t.Fatalf("error count = %d", dev.ErrorCount)
	}
}

func TestRecordSendFailureFailsSession(t *testing.T) {
	f := newFixture(t)
	f.sender.fail = errors.New("write: broken pipe")

	if _, err := f.disp.Record(f.device, RecordParams{}); err == nil {
		t.Fatal("expected dispatch error")
	}
	if _, busy := f.disp.Active(f.device); busy {
		t.Fatal("failed dispatch left device busy")
	}
}
