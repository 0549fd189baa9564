/*
Copyright (C) 2026 Capfleet Authors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/capfleet/capfleet/internal/events"
	"github.com/capfleet/capfleet/internal/models"
)

// Service persists a durable activity trail of fleet lifecycle events:
// registrations, offline transitions and recording outcomes. Heartbeats and
// progress ticks are deliberately not audited; they would drown the trail.
type Service struct {
	db     *gorm.DB
	bus    *events.Bus
	logger zerolog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an audit service.
func New(db *gorm.DB, bus *events.Bus, logger zerolog.Logger) *Service {
	return &Service{
		db:     db,
		bus:    bus,
		logger: logger.With().Str("component", "audit").Logger(),
	}
}

// Start subscribes to fleet events and records them until the context is
// cancelled or Stop is called.
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	registered := s.bus.Subscribe(events.EventDeviceRegistered)
	offline := s.bus.Subscribe(events.EventDeviceOffline)
	started := s.bus.Subscribe(events.EventRecordingStarted)
	completed := s.bus.Subscribe(events.EventRecordingCompleted)
	failed := s.bus.Subscribe(events.EventRecordingFailed)

	go func() {
		defer close(s.done)
		defer func() {
			s.bus.Unsubscribe(events.EventDeviceRegistered, registered)
			s.bus.Unsubscribe(events.EventDeviceOffline, offline)
			s.bus.Unsubscribe(events.EventRecordingStarted, started)
			s.bus.Unsubscribe(events.EventRecordingCompleted, completed)
			s.bus.Unsubscribe(events.EventRecordingFailed, failed)
		}()

		s.logger.Info().Msg("audit trail started")
		for {
			select {
			case <-ctx.Done():
				return
			case payload := <-registered:
				s.record(models.AuditDeviceRegistered, payload)
			case payload := <-offline:
				s.record(models.AuditDeviceOffline, payload)
			case payload := <-started:
				s.record(models.AuditRecordingStarted, payload)
			case payload := <-completed:
				s.record(models.AuditRecordingCompleted, payload)
			case payload := <-failed:
				s.record(models.AuditRecordingFailed, payload)
			}
		}
	}()
}

// Stop terminates the event loop and waits for it to drain.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

func (s *Service) record(action models.AuditAction, payload events.Payload) {
	deviceID, _ := payload["device_id"].(string)

	details := make(map[string]any, len(payload))
	for k, v := range payload {
		if k == "device_id" {
			continue
		}
		details[k] = v
	}

	entry := models.AuditLog{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Action:    action,
		DeviceID:  deviceID,
		Details:   details,
	}
	if err := s.Log(&entry); err != nil {
		s.logger.Error().Err(err).Str("action", string(action)).Msg("failed to write audit entry")
	}
}

// Log persists a single audit entry. Entries are write-once; there is no
// update path.
func (s *Service) Log(entry *models.AuditLog) error {
	if s.db == nil {
		return nil
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if err := s.db.Create(entry).Error; err != nil {
		return fmt.Errorf("create audit entry: %w", err)
	}
	return nil
}

// QueryFilters narrows an audit trail query. Zero values mean "any".
type QueryFilters struct {
	DeviceID string
	Action   models.AuditAction
	Since    time.Time
	Until    time.Time
	Limit    int
	Offset   int
}

// Query returns matching audit entries, newest first, plus the total number
// of rows the filters match regardless of pagination.
func (s *Service) Query(filters QueryFilters) ([]models.AuditLog, int64, error) {
	if s.db == nil {
		return nil, 0, nil
	}

	q := s.db.Model(&models.AuditLog{})
	if filters.DeviceID != "" {
		q = q.Where("device_id = ?", filters.DeviceID)
	}
	if filters.Action != "" {
		q = q.Where("action = ?", filters.Action)
	}
	if !filters.Since.IsZero() {
		q = q.Where("timestamp >= ?", filters.Since)
	}
	if !filters.Until.IsZero() {
		q = q.Where("timestamp <= ?", filters.Until)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count audit entries: %w", err)
	}

	limit := filters.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var entries []models.AuditLog
	err := q.Order("timestamp DESC").
		Limit(limit).
		Offset(filters.Offset).
		Find(&entries).Error
	if err != nil {
		return nil, 0, fmt.Errorf("query audit entries: %w", err)
	}
	return entries, total, nil
}
