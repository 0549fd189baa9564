/*
Copyright (C) 2026 Capfleet Authors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package events

import "sync"

// EventType enumerates event categories.
type EventType string

const (
	EventDeviceRegistered EventType = "device.registered"
	EventDeviceOnline     EventType = "device.online"
	EventDeviceOffline    EventType = "device.offline"
	EventDeviceStatus     EventType = "device.status_changed"
	EventDeviceHeartbeat  EventType = "device.heartbeat"

	EventRecordingStarted   EventType = "device.recording_started"
	EventRecordingProgress  EventType = "device.recording_progress"
	EventRecordingCompleted EventType = "device.recording_completed"
	EventRecordingFailed    EventType = "device.recording_failed"

	EventAudioDevicesUpdated EventType = "device.audio_devices_updated"
	EventStatsUpdated        EventType = "stats.updated"
)

// DeviceEvents lists every event the observer surface may relay, in a stable
// order for subscription fan-in.
var DeviceEvents = []EventType{
	EventDeviceRegistered,
	EventDeviceOnline,
	EventDeviceOffline,
	EventDeviceStatus,
	EventDeviceHeartbeat,
	EventRecordingStarted,
	EventRecordingProgress,
	EventRecordingCompleted,
	EventRecordingFailed,
	EventAudioDevicesUpdated,
	EventStatsUpdated,
}

// Payload generic event payload.
type Payload map[string]any

// Subscriber receives event payloads.
type Subscriber chan Payload

// Bus implements a simple in-process pubsub. Publishing never blocks: a
// subscriber that cannot keep up misses events rather than stalling the
// per-device command path.
type Bus struct {
	mu   sync.RWMutex
	subs map[EventType][]Subscriber
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[EventType][]Subscriber)}
}

// Subscribe registers a subscriber for event type.
func (b *Bus) Subscribe(eventType EventType) Subscriber {
	ch := make(Subscriber, 16)
	b.mu.Lock()
	b.subs[eventType] = append(b.subs[eventType], ch)
	b.mu.Unlock()
	return ch
}

// Publish sends payload to subscribers. Sends stay under the read lock so
// Unsubscribe, which closes the channel under the write lock, can never
// close a channel mid-send. The sends are non-blocking, so holding the lock
// across them is bounded.
func (b *Bus) Publish(eventType EventType, payload Payload) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs[eventType] {
		select {
		case sub <- payload:
		default:
		}
	}
}

// Unsubscribe removes the subscriber.
func (b *Bus) Unsubscribe(eventType EventType, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[eventType]
	for i, candidate := range subs {
		if candidate == sub {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	b.subs[eventType] = subs
	close(sub)
}
