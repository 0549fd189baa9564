/*
Copyright (C) 2026 Capfleet Authors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package logbuffer keeps the coordinator's most recent log lines in memory
// so the fleet API can serve them without shipping logs anywhere.
package logbuffer

import (
	"encoding/json"
	"io"
	"strings"
	"sync"
	"time"
)

// LogEntry is one structured log line as served by GET /api/logs.
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Component string         `json:"component,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Buffer is a fixed-capacity ring of log entries. Writes evict the oldest
// entry once full.
type Buffer struct {
	mu   sync.RWMutex
	ring []LogEntry
	next int
	full bool
}

// New creates a buffer holding up to capacity entries.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 10000
	}
	return &Buffer{ring: make([]LogEntry, capacity)}
}

// Add appends an entry, evicting the oldest when the ring is full.
func (b *Buffer) Add(entry LogEntry) {
	b.mu.Lock()
	b.ring[b.next] = entry
	b.next++
	if b.next == len(b.ring) {
		b.next = 0
		b.full = true
	}
	b.mu.Unlock()
}

// snapshot copies the ring contents oldest-first.
func (b *Buffer) snapshot() []LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.full {
		out := make([]LogEntry, b.next)
		copy(out, b.ring[:b.next])
		return out
	}
	out := make([]LogEntry, 0, len(b.ring))
	out = append(out, b.ring[b.next:]...)
	out = append(out, b.ring[:b.next]...)
	return out
}

// QueryParams narrows a log query. Zero values mean "any".
type QueryParams struct {
	Level    string    // debug, info, warn, error
	DeviceID string    // matches the device_id structured field
	Search   string    // substring match on message and component
	Since    time.Time // entries at or after this instant
	Limit    int       // 0 means everything
}

func (p QueryParams) matches(e *LogEntry) bool {
	if p.Level != "" && e.Level != p.Level {
		return false
	}
	if p.DeviceID != "" {
		id, ok := e.Fields["device_id"].(string)
		if !ok || id != p.DeviceID {
			return false
		}
	}
	if !p.Since.IsZero() && e.Timestamp.Before(p.Since) {
		return false
	}
	if p.Search != "" {
		needle := strings.ToLower(p.Search)
		if !strings.Contains(strings.ToLower(e.Message), needle) &&
			!strings.Contains(strings.ToLower(e.Component), needle) {
			return false
		}
	}
	return true
}

// Query returns matching entries, newest first.
func (b *Buffer) Query(params QueryParams) []LogEntry {
	all := b.snapshot()

	matched := make([]LogEntry, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		if params.matches(&all[i]) {
			matched = append(matched, all[i])
			if params.Limit > 0 && len(matched) == params.Limit {
				break
			}
		}
	}
	return matched
}

// Writer feeds zerolog's JSON output into a Buffer. An optional fallback
// receives every raw line, parsed or not.
type Writer struct {
	buffer   *Buffer
	fallback io.Writer
}

// NewWriter wraps buffer as an io.Writer for zerolog.
func NewWriter(buffer *Buffer, fallback io.Writer) *Writer {
	return &Writer{buffer: buffer, fallback: fallback}
}

// Write parses one JSON log line into the buffer. Unparseable lines are
// passed through to the fallback only.
func (w *Writer) Write(p []byte) (int, error) {
	var raw map[string]any
	if err := json.Unmarshal(p, &raw); err == nil {
		entry := LogEntry{Timestamp: time.Now(), Fields: raw}
		if lvl, ok := raw["level"].(string); ok {
			entry.Level = lvl
			delete(raw, "level")
		}
		if msg, ok := raw["message"].(string); ok {
			entry.Message = msg
			delete(raw, "message")
		}
		if comp, ok := raw["component"].(string); ok {
			entry.Component = comp
			delete(raw, "component")
		}
		if ts, ok := raw["time"].(string); ok {
			if t, err := time.Parse(time.RFC3339, ts); err == nil {
				entry.Timestamp = t
			}
			delete(raw, "time")
		}
		w.buffer.Add(entry)
	}

	if w.fallback != nil {
		return w.fallback.Write(p)
	}
	return len(p), nil
}
