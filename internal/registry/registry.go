/*
Copyright (C) 2026 Capfleet Authors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package registry is the server-side source of truth for device sessions:
// who is in the fleet, whether they are online, and what they are doing.
// All read-modify-write sequences are serialized per device; unrelated
// devices proceed in parallel.
package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/capfleet/capfleet/internal/clock"
	"github.com/capfleet/capfleet/internal/events"
	"github.com/capfleet/capfleet/internal/models"
	"github.com/capfleet/capfleet/internal/protocol"
	"github.com/capfleet/capfleet/internal/telemetry"
)

var (
	ErrDeviceNotFound = errors.New("device not found")
	ErrNotConnected   = errors.New("device has no live connection")
	ErrStaleHeartbeat = errors.New("heartbeat older than last seen")
)

// Sender delivers a server-to-client event on a device's live transport
// session. Implementations must not block the caller indefinitely.
type Sender interface {
	Send(eventType string, data any) error
}

// session pairs the durable device record with its live connection state.
type session struct {
	mu         sync.Mutex
	device     models.Device
	sender     Sender
	heartbeats int64 // heartbeats received since last (re)connect; 0 means never

	// lastClientTS is the newest device-reported heartbeat timestamp.
	// Device clocks drift, so it is only ever compared against other
	// timestamps from the same device, never against the server clock.
	lastClientTS time.Time
}

// Registry tracks every known device.
type Registry struct {
	db     *gorm.DB // nil in unit tests; persistence is then skipped
	bus    *events.Bus
	clk    clock.Clock
	logger zerolog.Logger

	// validateRecording, when set, checks a heartbeat's current_recording
	// against the server's issued recordings. Set once before serving.
	validateRecording func(deviceID, recordingUUID string) bool

	mu       sync.RWMutex
	sessions map[string]*session
}

// New creates a registry. db may be nil, in which case state is memory-only.
func New(db *gorm.DB, bus *events.Bus, clk clock.Clock, logger zerolog.Logger) *Registry {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Registry{
		db:       db,
		bus:      bus,
		clk:      clk,
		logger:   logger.With().Str("component", "registry").Logger(),
		sessions: make(map[string]*session),
	}
}

// SetRecordingValidator installs the check used to vet recording UUIDs
// reported in heartbeats. Must be called before the registry starts
// receiving traffic.
func (r *Registry) SetRecordingValidator(fn func(deviceID, recordingUUID string) bool) {
	r.validateRecording = fn
}

// Load hydrates sessions from the database. Devices that were online when
// the coordinator last stopped have no connection anymore and are demoted
// quietly (no broadcast: there are no observers yet at startup).
func (r *Registry) Load() error {
	if r.db == nil {
		return nil
	}

	var devices []models.Device
	if err := r.db.Find(&devices).Error; err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, dev := range devices {
		if dev.Status != models.DeviceOffline {
			dev.Status = models.DeviceOffline
			dev.OfflineReason = models.OfflineConnectionLost
			if err := r.db.Save(&dev).Error; err != nil {
				r.logger.Error().Err(err).Str("device_id", dev.ID).Msg("persist demotion on load")
			}
		}
		r.sessions[dev.ID] = &session{device: dev}
	}

	r.logger.Info().Int("devices", len(devices)).Msg("registry loaded")
	r.updateGauges()
	return nil
}

// RegisterResult is the outcome of a registration.
type RegisterResult struct {
	DeviceID string
	IsNew    bool
	// WasOffline is true when this registration reconnected a previously
	// offline device.
	WasOffline bool
	// DanglingRecording holds a recording UUID that was in flight when the
	// device's previous session died. The caller resolves it as failed.
	DanglingRecording string
}

// Register applies the registration protocol: assign an identity if needed,
// attach the transport session, and reset the device to IDLE. Concurrent
// registrations for one device_id serialize on the session lock; the second
// caller sees and reuses the already-updated record.
func (r *Registry) Register(req protocol.Register, sender Sender, peerAddr string) (RegisterResult, error) {
	deviceID := req.DeviceID
	isNew := deviceID == ""
	if isNew {
		deviceID = uuid.NewString()
	}

	s := r.findOrCreate(deviceID)

	s.mu.Lock()
	now := r.clk.Now().UTC()

	created := s.device.ID == ""
	if created {
		s.device = models.Device{
			ID:          deviceID,
			AudioConfig: protocol.DefaultAudioConfig(),
		}
		if req.AudioConfig != (protocol.AudioConfig{}) {
			s.device.AudioConfig = req.AudioConfig
		}
		s.device.CreatedAt = now
	}

	wasOffline := !created && s.device.Status == models.DeviceOffline
	dangling := s.device.CurrentRecording

	s.device.Name = req.DeviceName
	s.device.Platform = req.Platform
	s.device.Status = models.DeviceIdle
	s.device.OfflineReason = ""
	s.device.PeerAddr = peerAddr
	s.device.ConnectedAt = &now
	s.device.LastHeartbeat = &now
	// A re-registering agent is not recording; any prior in-flight session
	// is resolved as failed by the caller.
	s.device.CurrentRecording = ""
	if len(req.AudioDevices) > 0 {
		s.device.AudioDevices = req.AudioDevices
	}
	s.sender = sender
	s.heartbeats = 0
	// Client timestamps are only comparable within one session.
	s.lastClientTS = time.Time{}

	r.persist(&s.device)
	payload := events.Payload{
		"device_id":    s.device.ID,
		"device_name":  s.device.Name,
		"platform":     s.device.Platform,
		"status":       string(s.device.Status),
		"is_new":       isNew,
		"audio_config": s.device.AudioConfig,
	}
	s.mu.Unlock()

	r.bus.Publish(events.EventDeviceRegistered, payload)
	if wasOffline {
		r.bus.Publish(events.EventDeviceOnline, events.Payload{"device_id": deviceID})
	}
	r.updateGauges()

	r.logger.Info().
		Str("device_id", deviceID).
		Str("device_name", req.DeviceName).
		Str("platform", req.Platform).
		Bool("is_new", isNew).
		Msg("device registered")

	return RegisterResult{
		DeviceID:          deviceID,
		IsNew:             isNew,
		WasOffline:        wasOffline,
		DanglingRecording: dangling,
	}, nil
}

// Heartbeat records device liveness. The server decides offline, but the
// client is authoritative for what it is doing while connected, so the
// reported status and current recording are reconciled onto the session.
// Liveness runs on the server clock: last_heartbeat is the receipt time, so
// a device with a skewed clock is never demoted while it keeps heartbeating.
// The device timestamp is used only to reject out-of-order or duplicate
// frames, compared against earlier timestamps from the same device.
func (r *Registry) Heartbeat(hb protocol.Heartbeat) error {
	s := r.find(hb.DeviceID)
	if s == nil {
		telemetry.HeartbeatsTotal.WithLabelValues("unknown_device").Inc()
		return ErrDeviceNotFound
	}

	s.mu.Lock()
	if !hb.Timestamp.IsZero() && !s.lastClientTS.IsZero() && hb.Timestamp.Before(s.lastClientTS) {
		s.mu.Unlock()
		telemetry.HeartbeatsTotal.WithLabelValues("stale").Inc()
		return ErrStaleHeartbeat
	}
	if !hb.Timestamp.IsZero() {
		s.lastClientTS = hb.Timestamp
	}

	now := r.clk.Now().UTC()
	s.device.LastHeartbeat = &now
	s.heartbeats++

	switch hb.Status {
	case protocol.StatusIdle:
		s.device.Status = models.DeviceIdle
	case protocol.StatusRecording:
		s.device.Status = models.DeviceRecording
	}

	current := hb.CurrentRecording
	if current != "" && r.validateRecording != nil && !r.validateRecording(hb.DeviceID, current) {
		// The device claims a recording the server never issued (or one that
		// already finished). Keep the server's view rather than planting an
		// arbitrary uuid on the record.
		telemetry.ProtocolErrorsTotal.Inc()
		r.logger.Warn().
			Str("device_id", hb.DeviceID).
			Str("recording_uuid", current).
			Msg("heartbeat names unknown recording, reference ignored")
		current = s.device.CurrentRecording
	}
	s.device.CurrentRecording = current

	r.persist(&s.device)
	payload := events.Payload{
		"device_id":         s.device.ID,
		"status":            string(s.device.Status),
		"current_recording": s.device.CurrentRecording,
	}
	s.mu.Unlock()

	telemetry.HeartbeatsTotal.WithLabelValues("accepted").Inc()
	r.bus.Publish(events.EventDeviceHeartbeat, payload)
	r.updateGauges()
	return nil
}

// MarkOffline is the single entry point for demoting a device, shared by the
// liveness sweep and the transport disconnect path. It is idempotent: a
// device that is already offline is left untouched and no event is emitted.
// current_recording is deliberately preserved for forensics; a later
// re-registration resolves it.
func (r *Registry) MarkOffline(deviceID string, reason models.OfflineReason) bool {
	return r.demote(deviceID, reason, 0)
}

// MarkOfflineIfStale demotes a device only if its heartbeat is still older
// than timeout at the moment the device lock is held. A heartbeat that lands
// between the sweep's staleness scan and this call keeps the device online.
func (r *Registry) MarkOfflineIfStale(deviceID string, timeout time.Duration, reason models.OfflineReason) bool {
	return r.demote(deviceID, reason, timeout)
}

// demote performs the offline transition. A non-zero timeout makes the
// transition conditional on the heartbeat still being stale under the device
// lock.
func (r *Registry) demote(deviceID string, reason models.OfflineReason, timeout time.Duration) bool {
	s := r.find(deviceID)
	if s == nil {
		return false
	}

	s.mu.Lock()
	if s.device.Status == models.DeviceOffline {
		s.mu.Unlock()
		return false
	}
	if timeout > 0 && s.device.LastHeartbeat != nil &&
		r.clk.Now().Sub(*s.device.LastHeartbeat) <= timeout {
		s.mu.Unlock()
		return false
	}

	if s.heartbeats == 0 {
		reason = models.OfflineNeverConnected
	}

	s.device.Status = models.DeviceOffline
	s.device.OfflineReason = reason
	s.sender = nil

	r.persist(&s.device)
	payload := events.Payload{
		"device_id":      s.device.ID,
		"device_name":    s.device.Name,
		"offline_reason": string(reason),
	}
	s.mu.Unlock()

	telemetry.OfflineTransitionsTotal.WithLabelValues(string(reason)).Inc()
	r.bus.Publish(events.EventDeviceOffline, payload)
	r.updateGauges()

	r.logger.Info().
		Str("device_id", deviceID).
		Str("offline_reason", string(reason)).
		Msg("device offline")
	return true
}

// SetRecording moves a device to RECORDING with the given session.
func (r *Registry) SetRecording(deviceID, recordingUUID string) error {
	s := r.find(deviceID)
	if s == nil {
		return ErrDeviceNotFound
	}

	s.mu.Lock()
	s.device.Status = models.DeviceRecording
	s.device.CurrentRecording = recordingUUID
	r.persist(&s.device)
	s.mu.Unlock()

	r.publishStatus(deviceID, protocol.StatusRecording)
	r.updateGauges()
	return nil
}

// ClearRecording returns a device to IDLE after a recording reached a
// terminal state and updates the statistics counters.
func (r *Registry) ClearRecording(deviceID string, success bool) error {
	s := r.find(deviceID)
	if s == nil {
		return ErrDeviceNotFound
	}

	s.mu.Lock()
	now := r.clk.Now().UTC()
	if s.device.Status == models.DeviceRecording {
		s.device.Status = models.DeviceIdle
	}
	s.device.CurrentRecording = ""
	s.device.TotalRecordings++
	if success {
		s.device.SuccessCount++
		s.device.LastRecordingAt = &now
	} else {
		s.device.ErrorCount++
	}
	r.persist(&s.device)
	s.mu.Unlock()

	r.publishStatus(deviceID, protocol.StatusIdle)
	r.updateGauges()
	return nil
}

// UpdateAudioDevices stores the device's reported capture hardware list.
func (r *Registry) UpdateAudioDevices(deviceID string, devices []protocol.AudioDevice) error {
	s := r.find(deviceID)
	if s == nil {
		return ErrDeviceNotFound
	}

	s.mu.Lock()
	s.device.AudioDevices = devices
	r.persist(&s.device)
	s.mu.Unlock()

	r.bus.Publish(events.EventAudioDevicesUpdated, events.Payload{
		"device_id": deviceID,
		"devices":   devices,
	})
	return nil
}

// UpdateConfig applies a configuration change to the stored record.
func (r *Registry) UpdateConfig(deviceID string, cfg protocol.UpdateConfig) error {
	s := r.find(deviceID)
	if s == nil {
		return ErrDeviceNotFound
	}

	s.mu.Lock()
	if cfg.DeviceName != nil {
		s.device.Name = *cfg.DeviceName
	}
	if cfg.AudioConfig != nil {
		s.device.AudioConfig = *cfg.AudioConfig
	}
	r.persist(&s.device)
	s.mu.Unlock()
	return nil
}

// UpdateSchedule replaces the device's scheduled recording configuration.
func (r *Registry) UpdateSchedule(deviceID string, enabled bool, intervalSec, durationSec int, start, end string, maxSuccess int) error {
	s := r.find(deviceID)
	if s == nil {
		return ErrDeviceNotFound
	}

	s.mu.Lock()
	s.device.ScheduleEnabled = enabled
	s.device.ScheduleInterval = intervalSec
	s.device.ScheduleDuration = durationSec
	s.device.ScheduleStart = start
	s.device.ScheduleEnd = end
	s.device.ScheduleMaxSuccess = maxSuccess
	r.persist(&s.device)
	s.mu.Unlock()
	return nil
}

// DisableSchedule turns a device's schedule off (used when the success cap
// is reached).
func (r *Registry) DisableSchedule(deviceID string) error {
	s := r.find(deviceID)
	if s == nil {
		return ErrDeviceNotFound
	}

	s.mu.Lock()
	s.device.ScheduleEnabled = false
	r.persist(&s.device)
	s.mu.Unlock()
	return nil
}

// Get returns a snapshot of one device.
func (r *Registry) Get(deviceID string) (models.Device, error) {
	s := r.find(deviceID)
	if s == nil {
		return models.Device{}, ErrDeviceNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.device, nil
}

// List returns a snapshot of every device.
func (r *Registry) List() []models.Device {
	r.mu.RLock()
	sessions := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	devices := make([]models.Device, 0, len(sessions))
	for _, s := range sessions {
		s.mu.Lock()
		devices = append(devices, s.device)
		s.mu.Unlock()
	}
	return devices
}

// Sender returns the live session sender for a device, or ErrNotConnected.
func (r *Registry) Sender(deviceID string) (Sender, error) {
	s := r.find(deviceID)
	if s == nil {
		return nil, ErrDeviceNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sender == nil || s.device.Status == models.DeviceOffline {
		return nil, ErrNotConnected
	}
	return s.sender, nil
}

// FleetStats summarizes the fleet for the dashboard.
type FleetStats struct {
	TotalDevices     int `json:"total_devices"`
	OnlineDevices    int `json:"online_devices"`
	OfflineDevices   int `json:"offline_devices"`
	RecordingDevices int `json:"recording_devices"`
}

// Stats computes fleet counts.
func (r *Registry) Stats() FleetStats {
	var stats FleetStats
	for _, dev := range r.List() {
		stats.TotalDevices++
		switch dev.Status {
		case models.DeviceOffline:
			stats.OfflineDevices++
		case models.DeviceRecording:
			stats.OnlineDevices++
			stats.RecordingDevices++
		default:
			stats.OnlineDevices++
		}
	}
	return stats
}

// PublishStats emits a stats.updated broadcast.
func (r *Registry) PublishStats() {
	stats := r.Stats()
	r.bus.Publish(events.EventStatsUpdated, events.Payload{
		"total_devices":     stats.TotalDevices,
		"online_devices":    stats.OnlineDevices,
		"offline_devices":   stats.OfflineDevices,
		"recording_devices": stats.RecordingDevices,
	})
}

// Stale returns devices whose last heartbeat is older than timeout, for the
// liveness sweep. Each session lock is held only long enough to read one
// device; the sweep never blocks the whole registry.
func (r *Registry) Stale(timeout time.Duration) []string {
	now := r.clk.Now()

	var stale []string
	r.mu.RLock()
	sessions := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		s.mu.Lock()
		if s.device.Status != models.DeviceOffline && s.device.LastHeartbeat != nil &&
			now.Sub(*s.device.LastHeartbeat) > timeout {
			stale = append(stale, s.device.ID)
		}
		s.mu.Unlock()
	}
	return stale
}

func (r *Registry) publishStatus(deviceID, status string) {
	r.bus.Publish(events.EventDeviceStatus, events.Payload{
		"device_id": deviceID,
		"status":    status,
	})
}

func (r *Registry) find(deviceID string) *session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[deviceID]
}

func (r *Registry) findOrCreate(deviceID string) *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[deviceID]; ok {
		return s
	}
	s := &session{}
	r.sessions[deviceID] = s
	return s
}

// persist writes the device row. Callers hold the session lock.
func (r *Registry) persist(dev *models.Device) {
	if r.db == nil {
		return
	}
	if err := r.db.Save(dev).Error; err != nil {
		r.logger.Error().Err(err).Str("device_id", dev.ID).Msg("persist device")
	}
}

func (r *Registry) updateGauges() {
	stats := r.Stats()
	telemetry.DevicesByStatus.WithLabelValues(protocol.StatusIdle).
		Set(float64(stats.OnlineDevices - stats.RecordingDevices))
	telemetry.DevicesByStatus.WithLabelValues(protocol.StatusRecording).
		Set(float64(stats.RecordingDevices))
	telemetry.DevicesByStatus.WithLabelValues(protocol.StatusOffline).
		Set(float64(stats.OfflineDevices))
}
