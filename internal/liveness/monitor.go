/*
Copyright (C) 2026 Capfleet Authors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package liveness demotes devices whose heartbeats stopped arriving. The
// sweep is the slow safety net; the transport layer demotes immediately on
// disconnect and the sweep only catches sessions that died silently.
package liveness

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/capfleet/capfleet/internal/models"
	"github.com/capfleet/capfleet/internal/registry"
)

// Monitor periodically marks stale devices offline.
type Monitor struct {
	registry *registry.Registry
	timeout  time.Duration
	interval time.Duration
	logger   zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a liveness monitor. timeout is how long a device may stay
// silent before it is demoted; interval is how often the sweep runs.
func New(reg *registry.Registry, timeout, interval time.Duration, logger zerolog.Logger) *Monitor {
	return &Monitor{
		registry: reg,
		timeout:  timeout,
		interval: interval,
		logger:   logger.With().Str("component", "liveness").Logger(),
	}
}

// Start launches the sweep loop.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sweep()
			}
		}
	}()
	m.logger.Info().
		Dur("timeout", m.timeout).
		Dur("interval", m.interval).
		Msg("liveness monitor started")
}

// Sweep runs one pass over the fleet and returns how many devices it
// demoted. A device that heartbeats between the staleness scan and the
// demotion survives: the transition re-checks staleness under the device
// lock.
func (m *Monitor) Sweep() int {
	demoted := 0
	for _, deviceID := range m.registry.Stale(m.timeout) {
		if m.registry.MarkOfflineIfStale(deviceID, m.timeout, models.OfflineHeartbeatTimeout) {
			demoted++
		}
	}
	if demoted > 0 {
		m.logger.Warn().Int("demoted", demoted).Msg("sweep demoted stale devices")
		m.registry.PublishStats()
	}
	return demoted
}

// Stop halts the sweep loop and waits for it to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}
