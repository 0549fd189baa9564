/*
Copyright (C) 2026 Capfleet Authors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package eventbus mirrors in-process broadcast events onto NATS so external
// observers (dashboards, analysis pipelines) can consume fleet state changes
// without holding a connection to the coordinator.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/capfleet/capfleet/internal/events"
)

const subjectPrefix = "capfleet.events."

// envelope is the wire form of a mirrored event.
type envelope struct {
	Type        events.EventType `json:"type"`
	Payload     events.Payload   `json:"payload"`
	PublishedAt time.Time        `json:"published_at"`
}

// Mirror forwards every device event published on the in-process bus to a
// NATS subject named after the event type.
type Mirror struct {
	nc     *nats.Conn
	bus    *events.Bus
	logger zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMirror connects to NATS and prepares the mirror. The in-process bus
// remains the source of truth; NATS delivery is best effort.
func NewMirror(natsURL string, bus *events.Bus, logger zerolog.Logger) (*Mirror, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("capfleet-coordinator"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	return &Mirror{
		nc:     nc,
		bus:    bus,
		logger: logger.With().Str("component", "eventbus").Logger(),
	}, nil
}

// Start subscribes to every device event type and begins forwarding.
func (m *Mirror) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	for _, eventType := range events.DeviceEvents {
		sub := m.bus.Subscribe(eventType)
		m.wg.Add(1)
		go m.forward(ctx, eventType, sub)
	}

	m.logger.Info().Str("url", m.nc.ConnectedUrl()).Msg("event mirror started")
}

func (m *Mirror) forward(ctx context.Context, eventType events.EventType, sub events.Subscriber) {
	defer m.wg.Done()

	subject := subjectPrefix + string(eventType)
	for {
		select {
		case <-ctx.Done():
			m.bus.Unsubscribe(eventType, sub)
			return
		case payload, ok := <-sub:
			if !ok {
				return
			}
			data, err := json.Marshal(envelope{
				Type:        eventType,
				Payload:     payload,
				PublishedAt: time.Now().UTC(),
			})
			if err != nil {
				m.logger.Error().Err(err).Str("subject", subject).Msg("marshal event")
				continue
			}
			if err := m.nc.Publish(subject, data); err != nil {
				m.logger.Warn().Err(err).Str("subject", subject).Msg("publish event")
			}
		}
	}
}

// Close stops forwarding and drains the NATS connection.
func (m *Mirror) Close() error {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	return m.nc.Drain()
}
