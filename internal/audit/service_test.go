package audit

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/capfleet/capfleet/internal/events"
	"github.com/capfleet/capfleet/internal/models"
)

func newTestService(t *testing.T) (*Service, *events.Bus) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&models.AuditLog{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	bus := events.NewBus()
	return New(db, bus, zerolog.Nop()), bus
}

func waitForEntries(t *testing.T, svc *Service, filters QueryFilters, want int) []models.AuditLog {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		entries, _, err := svc.Query(filters)
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(entries) >= want {
			return entries
		}
		if time.Now().After(deadline) {
			t.Fatalf("got %d audit entries, want %d", len(entries), want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRecordsFleetEvents(t *testing.T) {
	svc, bus := newTestService(t)
	svc.Start(context.Background())
	defer svc.Stop()

	bus.Publish(events.EventDeviceRegistered, events.Payload{
		"device_id":   "dev-1",
		"device_name": "field-01",
		"is_new":      true,
	})
	bus.Publish(events.EventDeviceOffline, events.Payload{
		"device_id":      "dev-1",
		"offline_reason": "heartbeat_timeout",
	})

	entries := waitForEntries(t, svc, QueryFilters{DeviceID: "dev-1"}, 2)

	// Newest first.
	if entries[0].Action != models.AuditDeviceOffline {
		t.Fatalf("entries[0].Action = %s", entries[0].Action)
	}
	if entries[1].Action != models.AuditDeviceRegistered {
		t.Fatalf("entries[1].Action = %s", entries[1].Action)
	}
	if entries[0].Details["offline_reason"] != "heartbeat_timeout" {
		t.Fatalf("offline_reason not preserved: %v", entries[0].Details)
	}
	if _, ok := entries[1].Details["device_id"]; ok {
		t.Fatal("device_id duplicated into details")
	}
}

func TestQueryFilters(t *testing.T) {
	svc, _ := newTestService(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seed := []models.AuditLog{
		{Timestamp: base, Action: models.AuditRecordingStarted, DeviceID: "a"},
		{Timestamp: base.Add(time.Minute), Action: models.AuditRecordingCompleted, DeviceID: "a"},
		{Timestamp: base.Add(2 * time.Minute), Action: models.AuditRecordingFailed, DeviceID: "b"},
	}
	for i := range seed {
		if err := svc.Log(&seed[i]); err != nil {
			t.Fatalf("log: %v", err)
		}
	}

	entries, total, err := svc.Query(QueryFilters{DeviceID: "a"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if total != 2 || len(entries) != 2 {
		t.Fatalf("device filter: total=%d len=%d", total, len(entries))
	}

	entries, _, err = svc.Query(QueryFilters{Action: models.AuditRecordingFailed})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(entries) != 1 || entries[0].DeviceID != "b" {
		t.Fatalf("action filter: %+v", entries)
	}

	entries, _, err = svc.Query(QueryFilters{Since: base.Add(30 * time.Second)})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("since filter matched %d entries", len(entries))
	}
}

func TestQueryPagination(t *testing.T) {
	svc, _ := newTestService(t)

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		entry := models.AuditLog{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Action:    models.AuditRecordingCompleted,
			DeviceID:  "dev",
		}
		if err := svc.Log(&entry); err != nil {
			t.Fatalf("log: %v", err)
		}
	}

	page, total, err := svc.Query(QueryFilters{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if total != 5 {
		t.Fatalf("total = %d", total)
	}
	if len(page) != 2 {
		t.Fatalf("page length = %d", len(page))
	}
	// Offset 2 in DESC order skips the two newest rows.
	if !page[0].Timestamp.Equal(base.Add(2 * time.Minute)) {
		t.Fatalf("page[0].Timestamp = %s", page[0].Timestamp)
	}
}

func TestNilDatabaseIsNoop(t *testing.T) {
	svc := New(nil, events.NewBus(), zerolog.Nop())
	if err := svc.Log(&models.AuditLog{Action: models.AuditDeviceRegistered}); err != nil {
		t.Fatalf("log: %v", err)
	}
	entries, total, err := svc.Query(QueryFilters{})
	if err != nil || total != 0 || entries != nil {
		t.Fatalf("query on nil db: %v %d %v", err, total, entries)
	}
}
