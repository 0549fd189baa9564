/*
Copyright (C) 2026 Capfleet Authors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package dispatch issues capture commands to devices and tracks each
// recording session from ISSUED to a terminal state.
package dispatch

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/capfleet/capfleet/internal/clock"
	"github.com/capfleet/capfleet/internal/events"
	"github.com/capfleet/capfleet/internal/models"
	"github.com/capfleet/capfleet/internal/protocol"
	"github.com/capfleet/capfleet/internal/registry"
	"github.com/capfleet/capfleet/internal/telemetry"
)

var (
	ErrDeviceOffline     = errors.New("device is offline")
	ErrDeviceBusy        = errors.New("device is already recording")
	ErrNoActiveRecording = errors.New("device has no active recording")
)

// stateOrder makes the lifecycle forward-only: a report that would move a
// session backwards is a protocol error and is dropped.
var stateOrder = map[models.RecordingState]int{
	models.RecordingIssued:     0,
	models.RecordingStarted:    1,
	models.RecordingInProgress: 2,
	models.RecordingCompleted:  3,
	models.RecordingFailed:     3,
}

// RecordParams are the capture parameters for one command. Zero fields fall
// back to the device's stored audio configuration.
type RecordParams struct {
	Duration    int `json:"duration"`
	Channels    int `json:"channels"`
	SampleRate  int `json:"sample_rate"`
	DeviceIndex int `json:"device_index"`
	BitDepth    int `json:"bit_depth"`
}

// DefaultDuration is applied when a record request does not name one.
const DefaultDuration = 60

// Dispatcher owns all live recording sessions.
type Dispatcher struct {
	db       *gorm.DB // nil in unit tests
	registry *registry.Registry
	bus      *events.Bus
	clk      clock.Clock
	logger   zerolog.Logger

	mu sync.Mutex
	// non-terminal sessions by recording uuid
	active map[string]*models.Recording
	// non-terminal recording uuid per device; enforces one capture at a time
	byDevice map[string]string
}

// New creates a dispatcher. db may be nil for memory-only operation.
func New(db *gorm.DB, reg *registry.Registry, bus *events.Bus, clk clock.Clock, logger zerolog.Logger) *Dispatcher {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Dispatcher{
		db:       db,
		registry: reg,
		bus:      bus,
		clk:      clk,
		logger:   logger.With().Str("component", "dispatch").Logger(),
		active:   make(map[string]*models.Recording),
		byDevice: make(map[string]string),
	}
}

// Record validates preconditions synchronously, creates a session in ISSUED
// and sends the capture command. The caller learns immediately whether the
// command could not be dispatched; everything after that is reported
// asynchronously through device events.
func (d *Dispatcher) Record(deviceID string, params RecordParams) (string, error) {
	dev, err := d.registry.Get(deviceID)
	if err != nil {
		return "", err
	}
	if !dev.IsOnline() {
		return "", ErrDeviceOffline
	}

	if params.Duration <= 0 {
		params.Duration = DefaultDuration
	}
	if params.Channels <= 0 {
		params.Channels = dev.AudioConfig.Channels
	}
	if params.SampleRate <= 0 {
		params.SampleRate = dev.AudioConfig.SampleRate
	}
	if params.BitDepth <= 0 {
		params.BitDepth = dev.AudioConfig.BitDepth
	}
	if params.DeviceIndex < 0 {
		params.DeviceIndex = dev.AudioConfig.DeviceIndex
	}

	sender, err := d.registry.Sender(deviceID)
	if err != nil {
		return "", ErrDeviceOffline
	}

	d.mu.Lock()
	if _, busy := d.byDevice[deviceID]; busy || dev.Status == models.DeviceRecording {
		d.mu.Unlock()
		return "", ErrDeviceBusy
	}

	rec := &models.Recording{
		ID:          uuid.NewString(),
		DeviceID:    deviceID,
		Duration:    params.Duration,
		Channels:    params.Channels,
		SampleRate:  params.SampleRate,
		DeviceIndex: params.DeviceIndex,
		BitDepth:    params.BitDepth,
		State:       models.RecordingIssued,
		IssuedAt:    d.clk.Now().UTC(),
	}
	d.active[rec.ID] = rec
	d.byDevice[deviceID] = rec.ID
	d.mu.Unlock()

	d.persist(rec)

	cmd := protocol.Record{
		RecordingUUID: rec.ID,
		Duration:      params.Duration,
		Channels:      params.Channels,
		SampleRate:    params.SampleRate,
		DeviceIndex:   params.DeviceIndex,
		BitDepth:      params.BitDepth,
	}
	if err := sender.Send(protocol.EventRecord, cmd); err != nil {
		d.fail(rec.ID, fmt.Sprintf("dispatch: %v", err))
		return "", fmt.Errorf("send record command: %w", err)
	}

	d.logger.Info().
		Str("device_id", deviceID).
		Str("recording_uuid", rec.ID).
		Int("duration", params.Duration).
		Msg("record command dispatched")
	return rec.ID, nil
}

// Stop asks a device to end its active recording early. The session stays
// open; the device reports completion (with a shorter actual_duration) or
// failure as usual.
func (d *Dispatcher) Stop(deviceID string) (string, error) {
	if _, err := d.registry.Get(deviceID); err != nil {
		return "", err
	}

	d.mu.Lock()
	recordingUUID, ok := d.byDevice[deviceID]
	d.mu.Unlock()
	if !ok {
		return "", ErrNoActiveRecording
	}

	sender, err := d.registry.Sender(deviceID)
	if err != nil {
		return "", ErrDeviceOffline
	}
	if err := sender.Send(protocol.EventStop, protocol.Stop{RecordingUUID: recordingUUID}); err != nil {
		return "", fmt.Errorf("send stop command: %w", err)
	}

	d.logger.Info().
		Str("device_id", deviceID).
		Str("recording_uuid", recordingUUID).
		Msg("stop command dispatched")
	return recordingUUID, nil
}

// QueryAudioDevices asks a device to enumerate its capture hardware. The
// answer arrives asynchronously and is stored on the device record.
func (d *Dispatcher) QueryAudioDevices(deviceID string) (string, error) {
	sender, err := d.registry.Sender(deviceID)
	if err != nil {
		if errors.Is(err, registry.ErrNotConnected) {
			return "", ErrDeviceOffline
		}
		return "", err
	}

	requestID := uuid.NewString()
	if err := sender.Send(protocol.EventQueryAudioDevices, protocol.QueryAudioDevices{RequestID: requestID}); err != nil {
		return "", fmt.Errorf("send query command: %w", err)
	}
	return requestID, nil
}

// PushConfig stores a configuration change and forwards it to the device if
// it is connected. An offline device picks the change up from its next
// registration ack.
func (d *Dispatcher) PushConfig(deviceID string, cfg protocol.UpdateConfig) error {
	if err := d.registry.UpdateConfig(deviceID, cfg); err != nil {
		return err
	}
	sender, err := d.registry.Sender(deviceID)
	if err != nil {
		return nil
	}
	if err := sender.Send(protocol.EventUpdateConfig, cfg); err != nil {
		d.logger.Warn().Err(err).Str("device_id", deviceID).Msg("push config")
	}
	return nil
}

// HandleStarted processes a device's confirmation that capture began.
func (d *Dispatcher) HandleStarted(msg protocol.RecordingStarted) {
	rec, ok := d.advance(msg.RecordingUUID, models.RecordingStarted, nil)
	if !ok {
		return
	}

	if err := d.registry.SetRecording(rec.DeviceID, rec.ID); err != nil {
		d.logger.Warn().Err(err).Str("recording_uuid", rec.ID).Msg("mark device recording")
	}
	d.bus.Publish(events.EventRecordingStarted, events.Payload{
		"device_id":      rec.DeviceID,
		"recording_uuid": rec.ID,
		"duration":       rec.Duration,
	})
	d.registry.PublishStats()
}

// HandleProgress processes a progress report. Progress is clamped to the
// session's forward direction: a percentage outside [0,100] or below the
// last seen value is a protocol error and is dropped.
func (d *Dispatcher) HandleProgress(msg protocol.RecordingProgress) {
	if msg.ProgressPercent < 0 || msg.ProgressPercent > 100 {
		telemetry.ProtocolErrorsTotal.Inc()
		d.logger.Warn().
			Str("recording_uuid", msg.RecordingUUID).
			Int("percent", msg.ProgressPercent).
			Msg("progress out of range")
		return
	}

	rec, ok := d.advance(msg.RecordingUUID, models.RecordingInProgress, func(r *models.Recording) bool {
		if msg.ProgressPercent < r.Percent {
			return false
		}
		r.Percent = msg.ProgressPercent
		return true
	})
	if !ok {
		return
	}

	d.bus.Publish(events.EventRecordingProgress, events.Payload{
		"device_id":        rec.DeviceID,
		"recording_uuid":   rec.ID,
		"progress_percent": rec.Percent,
	})
}

// HandleCompleted processes a successful capture result.
func (d *Dispatcher) HandleCompleted(msg protocol.RecordingCompleted) {
	rec, ok := d.finish(msg.RecordingUUID, models.RecordingCompleted, func(r *models.Recording) {
		r.Percent = 100
		r.Filename = msg.Filename
		r.FileSize = msg.FileSize
		r.FileHash = msg.FileHash
		r.ActualDuration = msg.ActualDuration
	})
	if !ok {
		return
	}

	telemetry.RecordingsTotal.WithLabelValues("completed").Inc()
	if err := d.registry.ClearRecording(rec.DeviceID, true); err != nil {
		d.logger.Warn().Err(err).Str("recording_uuid", rec.ID).Msg("clear device recording")
	}
	d.bus.Publish(events.EventRecordingCompleted, events.Payload{
		"device_id":       rec.DeviceID,
		"recording_uuid":  rec.ID,
		"filename":        rec.Filename,
		"file_size":       rec.FileSize,
		"file_hash":       rec.FileHash,
		"actual_duration": rec.ActualDuration,
	})
	d.registry.PublishStats()

	d.logger.Info().
		Str("device_id", rec.DeviceID).
		Str("recording_uuid", rec.ID).
		Str("filename", rec.Filename).
		Int64("file_size", rec.FileSize).
		Msg("recording completed")
}

// HandleFailed processes a capture error.
func (d *Dispatcher) HandleFailed(msg protocol.RecordingFailed) {
	d.fail(msg.RecordingUUID, msg.Error)
}

// Abort fails a device's dangling recording after its session died while a
// capture was in flight. No-op when the uuid is unknown or already terminal.
func (d *Dispatcher) Abort(deviceID, recordingUUID, reason string) {
	d.mu.Lock()
	_, known := d.active[recordingUUID]
	d.mu.Unlock()
	if !known {
		// The session predates a coordinator restart; fail the archived row
		// directly so it does not stay open forever.
		d.failArchived(deviceID, recordingUUID, reason)
		return
	}
	d.fail(recordingUUID, reason)
}

func (d *Dispatcher) fail(recordingUUID, reason string) {
	rec, ok := d.finish(recordingUUID, models.RecordingFailed, func(r *models.Recording) {
		r.Error = reason
	})
	if !ok {
		return
	}

	telemetry.RecordingsTotal.WithLabelValues("failed").Inc()
	if err := d.registry.ClearRecording(rec.DeviceID, false); err != nil {
		d.logger.Warn().Err(err).Str("recording_uuid", rec.ID).Msg("clear device recording")
	}
	d.bus.Publish(events.EventRecordingFailed, events.Payload{
		"device_id":      rec.DeviceID,
		"recording_uuid": rec.ID,
		"error":          rec.Error,
	})
	d.registry.PublishStats()

	d.logger.Warn().
		Str("device_id", rec.DeviceID).
		Str("recording_uuid", rec.ID).
		Str("error", reason).
		Msg("recording failed")
}

// failArchived closes a persisted recording row that has no live session.
func (d *Dispatcher) failArchived(deviceID, recordingUUID, reason string) {
	if d.db == nil {
		return
	}
	now := d.clk.Now().UTC()
	result := d.db.Model(&models.Recording{}).
		Where("id = ? AND device_id = ? AND state NOT IN ?", recordingUUID, deviceID,
			[]models.RecordingState{models.RecordingCompleted, models.RecordingFailed}).
		Updates(map[string]any{"state": models.RecordingFailed, "error": reason, "finished_at": now})
	if result.Error != nil {
		d.logger.Error().Err(result.Error).Str("recording_uuid", recordingUUID).Msg("fail archived recording")
	}
}

// Active returns the non-terminal recording uuid for a device, if any.
func (d *Dispatcher) Active(deviceID string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	recordingUUID, ok := d.byDevice[deviceID]
	return recordingUUID, ok
}

// Get returns a snapshot of a live session.
func (d *Dispatcher) Get(recordingUUID string) (models.Recording, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.active[recordingUUID]
	if !ok {
		return models.Recording{}, false
	}
	return *rec, true
}

// advance moves a session forward to next if the transition is legal.
// apply, when given, may veto the update (e.g. a regressing progress value).
// Reports for unknown or terminal sessions are dropped and counted.
func (d *Dispatcher) advance(recordingUUID string, next models.RecordingState, apply func(*models.Recording) bool) (models.Recording, bool) {
	d.mu.Lock()
	rec, ok := d.active[recordingUUID]
	if !ok || stateOrder[next] < stateOrder[rec.State] {
		d.mu.Unlock()
		telemetry.ProtocolErrorsTotal.Inc()
		d.logger.Warn().
			Str("recording_uuid", recordingUUID).
			Str("state", string(next)).
			Bool("known", ok).
			Msg("dropping out-of-order recording report")
		return models.Recording{}, false
	}
	if apply != nil && !apply(rec) {
		d.mu.Unlock()
		telemetry.ProtocolErrorsTotal.Inc()
		return models.Recording{}, false
	}
	rec.State = next
	snapshot := *rec
	d.mu.Unlock()

	d.persist(&snapshot)
	return snapshot, true
}

// finish moves a session to a terminal state and retires it.
func (d *Dispatcher) finish(recordingUUID string, terminal models.RecordingState, apply func(*models.Recording)) (models.Recording, bool) {
	d.mu.Lock()
	rec, ok := d.active[recordingUUID]
	if !ok {
		d.mu.Unlock()
		telemetry.ProtocolErrorsTotal.Inc()
		d.logger.Warn().
			Str("recording_uuid", recordingUUID).
			Str("state", string(terminal)).
			Msg("dropping report for unknown recording")
		return models.Recording{}, false
	}
	if apply != nil {
		apply(rec)
	}
	rec.State = terminal
	now := d.clk.Now().UTC()
	rec.FinishedAt = &now
	delete(d.active, recordingUUID)
	delete(d.byDevice, rec.DeviceID)
	snapshot := *rec
	d.mu.Unlock()

	d.persist(&snapshot)
	return snapshot, true
}

func (d *Dispatcher) persist(rec *models.Recording) {
	if d.db == nil {
		return
	}
	if err := d.db.Save(rec).Error; err != nil {
		d.logger.Error().Err(err).Str("recording_uuid", rec.ID).Msg("persist recording")
	}
}
