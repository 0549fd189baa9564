/*
Copyright (C) 2026 Capfleet Authors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package schedule triggers recurring recordings on devices that have a
// schedule configured. The coordinator drives the schedule so edge agents
// stay dumb: an agent only ever reacts to record commands.
package schedule

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/capfleet/capfleet/internal/clock"
	"github.com/capfleet/capfleet/internal/dispatch"
	"github.com/capfleet/capfleet/internal/models"
	"github.com/capfleet/capfleet/internal/registry"
)

// tickInterval is how often the scheduler scans the fleet. Schedules are
// second-granular at best; scanning faster buys nothing.
const tickInterval = 15 * time.Second

// Service runs the fleet recording schedule.
type Service struct {
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	clk        clock.Clock
	logger     zerolog.Logger

	mu sync.Mutex
	// last trigger time per device, memory-only: a restart simply restarts
	// each device's interval.
	lastRun map[string]time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the scheduler.
func New(reg *registry.Registry, disp *dispatch.Dispatcher, clk clock.Clock, logger zerolog.Logger) *Service {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Service{
		registry:   reg,
		dispatcher: disp,
		clk:        clk,
		logger:     logger.With().Str("component", "schedule").Logger(),
		lastRun:    make(map[string]time.Time),
	}
}

// Start launches the scan loop.
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Tick()
			}
		}
	}()
	s.logger.Info().Msg("scheduler started")
}

// Stop halts the scan loop.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Tick runs one scan over the fleet and returns how many recordings it
// triggered.
func (s *Service) Tick() int {
	now := s.clk.Now()
	triggered := 0

	for _, dev := range s.registry.List() {
		if !dev.ScheduleEnabled || dev.ScheduleInterval <= 0 {
			continue
		}

		// The success cap retires a schedule permanently; re-enabling is an
		// explicit operator action.
		if dev.ScheduleMaxSuccess > 0 && dev.SuccessCount >= int64(dev.ScheduleMaxSuccess) {
			if err := s.registry.DisableSchedule(dev.ID); err == nil {
				s.logger.Info().
					Str("device_id", dev.ID).
					Int64("success_count", dev.SuccessCount).
					Msg("schedule reached success cap, disabled")
			}
			continue
		}

		if !dev.IsOnline() || dev.Status == models.DeviceRecording {
			continue
		}
		if !inWindow(now, dev.ScheduleStart, dev.ScheduleEnd) {
			continue
		}

		s.mu.Lock()
		last, seen := s.lastRun[dev.ID]
		due := !seen || now.Sub(last) >= time.Duration(dev.ScheduleInterval)*time.Second
		if due {
			s.lastRun[dev.ID] = now
		}
		s.mu.Unlock()
		if !due {
			continue
		}

		_, err := s.dispatcher.Record(dev.ID, dispatch.RecordParams{
			Duration: dev.ScheduleDuration,
		})
		switch {
		case err == nil:
			triggered++
			s.logger.Info().Str("device_id", dev.ID).Msg("scheduled recording triggered")
		case errors.Is(err, dispatch.ErrDeviceBusy), errors.Is(err, dispatch.ErrDeviceOffline):
			// The device raced us; it gets picked up next interval.
			s.logger.Debug().Err(err).Str("device_id", dev.ID).Msg("scheduled recording skipped")
		default:
			s.logger.Warn().Err(err).Str("device_id", dev.ID).Msg("scheduled recording failed to dispatch")
		}
	}
	return triggered
}

// inWindow reports whether now falls inside the [start, end] local-time
// window. Empty bounds mean always. A window that wraps midnight (e.g.
// 22:00 to 04:00) is honored.
func inWindow(now time.Time, start, end string) bool {
	if start == "" || end == "" {
		return true
	}
	startMin, okS := parseHHMM(start)
	endMin, okE := parseHHMM(end)
	if !okS || !okE {
		return true
	}

	nowMin := now.Hour()*60 + now.Minute()
	if startMin <= endMin {
		return nowMin >= startMin && nowMin <= endMin
	}
	return nowMin >= startMin || nowMin <= endMin
}

func parseHHMM(s string) (int, bool) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, false
	}
	return t.Hour()*60 + t.Minute(), true
}
