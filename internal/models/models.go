/*
Copyright (C) 2026 Capfleet Authors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import (
	"time"

	"github.com/capfleet/capfleet/internal/protocol"
)

// DeviceStatus is the persisted fleet status of a device.
type DeviceStatus string

const (
	DeviceIdle      DeviceStatus = protocol.StatusIdle
	DeviceRecording DeviceStatus = protocol.StatusRecording
	DeviceOffline   DeviceStatus = protocol.StatusOffline
)

// OfflineReason explains why a device is OFFLINE.
type OfflineReason string

const (
	OfflineNeverConnected   OfflineReason = protocol.OfflineNeverConnected
	OfflineHeartbeatTimeout OfflineReason = protocol.OfflineHeartbeatTimeout
	OfflineConnectionLost   OfflineReason = protocol.OfflineConnectionLost
)

// Device is the durable record of one fleet member. The coordinator keeps a
// live in-memory session on top of this row; the row survives restarts so a
// device keeps its identity and statistics.
type Device struct {
	ID       string `gorm:"type:uuid;primaryKey"`
	Name     string `gorm:"index"`
	Platform string `gorm:"type:varchar(32)"`

	Status        DeviceStatus  `gorm:"type:varchar(16);index"`
	OfflineReason OfflineReason `gorm:"type:varchar(32)"`

	AudioConfig  protocol.AudioConfig   `gorm:"serializer:json"`
	AudioDevices []protocol.AudioDevice `gorm:"serializer:json"`

	// Ephemeral connection info, persisted for the dashboard.
	PeerAddr         string
	ConnectedAt      *time.Time
	LastHeartbeat    *time.Time
	CurrentRecording string `gorm:"type:uuid"`

	// Scheduled recording configuration.
	ScheduleEnabled    bool
	ScheduleInterval   int    // seconds between triggered recordings
	ScheduleDuration   int    // seconds per recording
	ScheduleStart      string `gorm:"type:varchar(8)"` // "HH:MM", empty = no window
	ScheduleEnd        string `gorm:"type:varchar(8)"`
	ScheduleMaxSuccess int    // 0 = unlimited; schedule disables itself once SuccessCount reaches this

	// Statistics counters, monotonically updated.
	TotalRecordings int64
	SuccessCount    int64
	ErrorCount      int64
	LastRecordingAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsOnline reports whether the device currently counts as connected.
func (d *Device) IsOnline() bool {
	return d.Status == DeviceIdle || d.Status == DeviceRecording
}

// RecordingState tracks a recording session's lifecycle. States are strictly
// ordered; completed and failed are terminal.
type RecordingState string

const (
	RecordingIssued     RecordingState = "ISSUED"
	RecordingStarted    RecordingState = "STARTED"
	RecordingInProgress RecordingState = "IN_PROGRESS"
	RecordingCompleted  RecordingState = "COMPLETED"
	RecordingFailed     RecordingState = "FAILED"
)

// Terminal reports whether the state is final.
func (s RecordingState) Terminal() bool {
	return s == RecordingCompleted || s == RecordingFailed
}

// AuditAction classifies fleet activity log entries.
type AuditAction string

const (
	AuditDeviceRegistered   AuditAction = "device.registered"
	AuditDeviceOffline      AuditAction = "device.offline"
	AuditRecordingStarted   AuditAction = "recording.started"
	AuditRecordingCompleted AuditAction = "recording.completed"
	AuditRecordingFailed    AuditAction = "recording.failed"
)

// AuditLog is one row of the fleet activity trail: who did what, when.
type AuditLog struct {
	ID        string         `gorm:"type:uuid;primaryKey"`
	Timestamp time.Time      `gorm:"index"`
	Action    AuditAction    `gorm:"type:varchar(48);index"`
	DeviceID  string         `gorm:"type:uuid;index"`
	Details   map[string]any `gorm:"serializer:json"`

	CreatedAt time.Time
}

// Recording is the tracked lifecycle of one capture command, archived once
// terminal.
type Recording struct {
	ID       string `gorm:"type:uuid;primaryKey"`
	DeviceID string `gorm:"type:uuid;index"`

	// Requested capture parameters.
	Duration    int
	Channels    int
	SampleRate  int
	DeviceIndex int
	BitDepth    int

	State   RecordingState `gorm:"type:varchar(16);index"`
	Percent int

	// Result fields, set on completion.
	Filename       string
	FileSize       int64
	FileHash       string
	ActualDuration float64

	// Failure detail, set on failure.
	Error string `gorm:"type:text"`

	IssuedAt   time.Time
	FinishedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}
