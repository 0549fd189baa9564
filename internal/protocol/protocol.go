/*
Copyright (C) 2026 Capfleet Authors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package protocol defines the wire messages exchanged between the
// coordinator and edge devices. Field names are frozen: agents in the field
// depend on them surviving server upgrades.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event names, client to server.
const (
	EventRegister             = "edge.register"
	EventHeartbeat            = "edge.heartbeat"
	EventRecordingStarted     = "edge.recording_started"
	EventRecordingProgress    = "edge.recording_progress"
	EventRecordingCompleted   = "edge.recording_completed"
	EventRecordingFailed      = "edge.recording_failed"
	EventAudioDevicesResponse = "edge.audio_devices_response"
)

// Event names, server to client.
const (
	EventRegistered        = "edge.registered"
	EventRecord            = "edge.record"
	EventStop              = "edge.stop"
	EventQueryAudioDevices = "edge.query_audio_devices"
	EventUpdateConfig      = "edge.update_config"
	EventError             = "edge.error"
)

// Device status values as they appear on the wire.
const (
	StatusIdle      = "IDLE"
	StatusRecording = "RECORDING"
	StatusOffline   = "OFFLINE"
)

// Offline reasons.
const (
	OfflineNeverConnected   = "never_connected"
	OfflineHeartbeatTimeout = "heartbeat_timeout"
	OfflineConnectionLost   = "connection_lost"
)

// Envelope frames every message: one JSON text frame per event.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Encode wraps a payload in an envelope and marshals it.
func Encode(eventType string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return json.Marshal(Envelope{Type: eventType, Data: raw})
}

// Decode parses an envelope from a raw frame.
func Decode(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("decode envelope: missing type")
	}
	return &env, nil
}

// AudioConfig holds capture parameters for a device. YAML tags let agents
// embed it in their config file.
type AudioConfig struct {
	DeviceIndex int `json:"default_device_index" yaml:"device_index"`
	Channels    int `json:"channels" yaml:"channels"`
	SampleRate  int `json:"sample_rate" yaml:"sample_rate"`
	BitDepth    int `json:"bit_depth" yaml:"bit_depth"`
}

// DefaultAudioConfig matches the fleet-wide capture defaults.
func DefaultAudioConfig() AudioConfig {
	return AudioConfig{DeviceIndex: 0, Channels: 1, SampleRate: 16000, BitDepth: 16}
}

// AudioDevice describes one capturable input device on an edge node.
type AudioDevice struct {
	Index             int     `json:"index"`
	Name              string  `json:"name"`
	MaxInputChannels  int     `json:"max_input_channels"`
	DefaultSampleRate float64 `json:"default_sample_rate"`
}

// Register is sent by a device immediately after connecting. DeviceID is
// empty on first-ever registration; the server assigns one.
type Register struct {
	DeviceID     string        `json:"device_id,omitempty"`
	DeviceName   string        `json:"device_name"`
	Platform     string        `json:"platform"`
	AudioConfig  AudioConfig   `json:"audio_config"`
	AudioDevices []AudioDevice `json:"audio_devices,omitempty"`
}

// Registered acknowledges a registration.
type Registered struct {
	DeviceID string `json:"device_id"`
	IsNew    bool   `json:"is_new"`
}

// Heartbeat reports device liveness and what it is currently doing.
type Heartbeat struct {
	DeviceID         string    `json:"device_id"`
	Status           string    `json:"status"`
	CurrentRecording string    `json:"current_recording,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// Record commands a device to start a capture.
type Record struct {
	RecordingUUID string `json:"recording_uuid"`
	Duration      int    `json:"duration"`
	Channels      int    `json:"channels"`
	SampleRate    int    `json:"sample_rate"`
	DeviceIndex   int    `json:"device_index"`
	BitDepth      int    `json:"bit_depth"`
}

// Stop asks a device to end an in-flight capture early.
type Stop struct {
	RecordingUUID string `json:"recording_uuid"`
}

// RecordingStarted confirms capture began.
type RecordingStarted struct {
	DeviceID      string `json:"device_id"`
	RecordingUUID string `json:"recording_uuid"`
}

// RecordingProgress reports capture progress in percent.
type RecordingProgress struct {
	DeviceID        string `json:"device_id"`
	RecordingUUID   string `json:"recording_uuid"`
	ProgressPercent int    `json:"progress_percent"`
}

// RecordingCompleted carries the finished capture's result metadata.
type RecordingCompleted struct {
	DeviceID       string  `json:"device_id"`
	RecordingUUID  string  `json:"recording_uuid"`
	Filename       string  `json:"filename"`
	FileSize       int64   `json:"file_size"`
	FileHash       string  `json:"file_hash"`
	ActualDuration float64 `json:"actual_duration"`
}

// RecordingFailed reports a capture error; the device returns to IDLE.
type RecordingFailed struct {
	DeviceID      string `json:"device_id"`
	RecordingUUID string `json:"recording_uuid"`
	Error         string `json:"error"`
}

// QueryAudioDevices asks a device to enumerate its capture hardware.
type QueryAudioDevices struct {
	RequestID string `json:"request_id"`
}

// AudioDevicesResponse answers a QueryAudioDevices request.
type AudioDevicesResponse struct {
	DeviceID  string        `json:"device_id"`
	RequestID string        `json:"request_id"`
	Devices   []AudioDevice `json:"devices"`
}

// UpdateConfig pushes new settings to a device. Nil fields are unchanged.
type UpdateConfig struct {
	DeviceName  *string      `json:"device_name,omitempty"`
	AudioConfig *AudioConfig `json:"audio_config,omitempty"`
}

// ErrorMessage reports a server-side rejection to a device.
type ErrorMessage struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
