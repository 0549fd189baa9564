package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/capfleet/capfleet/internal/clock"
	"github.com/capfleet/capfleet/internal/dispatch"
	"github.com/capfleet/capfleet/internal/events"
	"github.com/capfleet/capfleet/internal/models"
	"github.com/capfleet/capfleet/internal/protocol"
	"github.com/capfleet/capfleet/internal/registry"
)

type stubEdge struct{}

func (stubEdge) HandleEdge(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNotImplemented)
}

type nopSender struct{}

func (nopSender) Send(string, any) error { return nil }

type apiFixture struct {
	api    *API
	reg    *registry.Registry
	disp   *dispatch.Dispatcher
	device string
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	bus := events.NewBus()
	reg := registry.New(nil, bus, clk, zerolog.Nop())
	disp := dispatch.New(nil, reg, bus, clk, zerolog.Nop())

	res, err := reg.Register(protocol.Register{DeviceName: "field-01", Platform: "linux"}, nopSender{}, "10.0.0.5:5122")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	return &apiFixture{
		api:    New(reg, disp, bus, stubEdge{}, nil, nil, zerolog.Nop()),
		reg:    reg,
		disp:   disp,
		device: res.DeviceID,
	}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.api.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestListDevices(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/api/devices", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var body struct {
		Devices []deviceView `json:"devices"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(body.Devices) != 1 {
		t.Fatalf("devices = %d", len(body.Devices))
	}
	if body.Devices[0].DeviceID != f.device || body.Devices[0].Status != protocol.StatusIdle {
		t.Fatalf("device view = %+v", body.Devices[0])
	}
}

func TestGetDeviceNotFound(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/api/devices/ghost", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRecordAccepted(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/api/devices/"+f.device+"/record", map[string]int{"duration": 30})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var body map[string]string
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["recording_uuid"] == "" {
		t.Fatal("missing recording_uuid")
	}
}

func TestRecordConflictsAreSynchronous(t *testing.T) {
	f := newAPIFixture(t)

	if rec := f.do(t, http.MethodPost, "/api/devices/"+f.device+"/record", nil); rec.Code != http.StatusAccepted {
		t.Fatalf("first record status = %d", rec.Code)
	}
	// Busy device must be rejected before anything reaches the wire.
	if rec := f.do(t, http.MethodPost, "/api/devices/"+f.device+"/record", nil); rec.Code != http.StatusConflict {
		t.Fatalf("busy record status = %d", rec.Code)
	}
}

func TestRecordOfflineDevice(t *testing.T) {
	f := newAPIFixture(t)
	f.reg.MarkOffline(f.device, models.OfflineConnectionLost)

	rec := f.do(t, http.MethodPost, "/api/devices/"+f.device+"/record", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d", rec.Code)
	}

	var body map[string]string
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["error"] != "device_offline" {
		t.Fatalf("error = %q", body["error"])
	}
}

func TestStopWithoutRecording(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/api/devices/"+f.device+"/stop", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestUpdateScheduleValidation(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPut, "/api/devices/"+f.device+"/schedule", scheduleRequest{Enabled: true})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}

	rec = f.do(t, http.MethodPut, "/api/devices/"+f.device+"/schedule", scheduleRequest{
		Enabled:         true,
		IntervalSeconds: 3600,
		DurationSeconds: 60,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	dev, _ := f.reg.Get(f.device)
	if !dev.ScheduleEnabled || dev.ScheduleInterval != 3600 {
		t.Fatalf("schedule not stored: %+v", dev)
	}
}

func TestStats(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/api/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var stats registry.FleetStats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if stats.TotalDevices != 1 || stats.OnlineDevices != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestAuditEmptyWithoutService(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/api/audit?device_id="+f.device, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var body struct {
		Entries []json.RawMessage `json:"entries"`
		Total   int64             `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Entries == nil || len(body.Entries) != 0 || body.Total != 0 {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestAuditRejectsBadSince(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/api/audit?since=yesterday", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}
