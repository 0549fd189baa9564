/*
Copyright (C) 2026 Capfleet Authors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	ws "nhooyr.io/websocket"

	"github.com/capfleet/capfleet/internal/events"
	"github.com/capfleet/capfleet/internal/telemetry"
)

// observerMessage frames every event pushed to an observer.
type observerMessage struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      events.Payload `json:"data,omitempty"`
}

// observerCommand is what observers may send: a subscription filter.
type observerCommand struct {
	Action string   `json:"action"`
	Events []string `json:"events,omitempty"`
}

// handleObserver streams fleet events to a dashboard client. Observers are
// read-mostly: the only inbound message is a subscription filter; everything
// else is ignored. A client that subscribes to nothing receives every event.
func (a *API) handleObserver(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.Accept(w, r, &ws.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger.Error().Err(err).Msg("observer accept failed")
		return
	}
	defer conn.Close(ws.StatusInternalError, "server error")

	telemetry.ObserverConnections.Inc()
	defer telemetry.ObserverConnections.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Fan every event type into one channel; per-client filtering happens
	// in the send loop so a filter change needs no resubscription.
	merged := make(chan observerMessage, 64)
	var unsubscribe []func()
	for _, eventType := range events.DeviceEvents {
		eventType := eventType
		sub := a.bus.Subscribe(eventType)
		unsubscribe = append(unsubscribe, func() { a.bus.Unsubscribe(eventType, sub) })
		go func() {
			for payload := range sub {
				select {
				case merged <- observerMessage{Type: string(eventType), Timestamp: time.Now(), Data: payload}:
				case <-ctx.Done():
					return
				default:
					// Slow observer; drop rather than stall the fan-in.
				}
			}
		}()
	}
	defer func() {
		for _, fn := range unsubscribe {
			fn()
		}
	}()

	filter := make(map[string]bool)
	commands := make(chan observerCommand, 4)
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			_, raw, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var cmd observerCommand
			if err := json.Unmarshal(raw, &cmd); err != nil {
				a.logger.Warn().Err(err).Msg("invalid observer message")
				continue
			}
			select {
			case commands <- cmd:
			default:
			}
		}
	}()

	a.logger.Debug().Str("peer", r.RemoteAddr).Msg("observer connected")

	pingTicker := time.NewTicker(15 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(ws.StatusNormalClosure, "server shutting down")
			return

		case <-readDone:
			conn.Close(ws.StatusNormalClosure, "client disconnected")
			return

		case <-pingTicker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				return
			}

		case cmd := <-commands:
			if cmd.Action == "subscribe" {
				filter = make(map[string]bool, len(cmd.Events))
				for _, e := range cmd.Events {
					filter[e] = true
				}
			}

		case msg := <-merged:
			if len(filter) > 0 && !filter[msg.Type] {
				continue
			}
			raw, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			if err := conn.Write(ctx, ws.MessageText, raw); err != nil {
				return
			}
		}
	}
}
