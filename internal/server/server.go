/*
Copyright (C) 2026 Capfleet Authors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package server wires the coordinator together: database, registry,
// dispatcher, gateway, HTTP surface and background workers.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/gorm"

	"github.com/capfleet/capfleet/internal/api"
	"github.com/capfleet/capfleet/internal/audit"
	"github.com/capfleet/capfleet/internal/clock"
	"github.com/capfleet/capfleet/internal/config"
	"github.com/capfleet/capfleet/internal/db"
	"github.com/capfleet/capfleet/internal/dispatch"
	"github.com/capfleet/capfleet/internal/eventbus"
	"github.com/capfleet/capfleet/internal/events"
	"github.com/capfleet/capfleet/internal/gateway"
	"github.com/capfleet/capfleet/internal/liveness"
	"github.com/capfleet/capfleet/internal/logbuffer"
	"github.com/capfleet/capfleet/internal/registry"
	"github.com/capfleet/capfleet/internal/schedule"
	"github.com/capfleet/capfleet/internal/telemetry"
	"github.com/capfleet/capfleet/internal/version"
)

// Server bundles the HTTP server and the coordinator's services.
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger

	db         *gorm.DB
	bus        *events.Bus
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	gateway    *gateway.Gateway
	liveness   *liveness.Monitor
	scheduler  *schedule.Service
	auditor    *audit.Service
	mirror     *eventbus.Mirror
	tracer     *telemetry.TracerProvider
	logBuffer  *logbuffer.Buffer

	httpServer    *http.Server
	metricsServer *http.Server
	closers       []func() error
}

// New constructs the server and wires dependencies.
func New(cfg *config.Config, logBuf *logbuffer.Buffer, logger zerolog.Logger) (*Server, error) {
	srv := &Server{
		cfg:       cfg,
		logger:    logger,
		bus:       events.NewBus(),
		logBuffer: logBuf,
	}

	if err := srv.initDependencies(); err != nil {
		srv.Close()
		return nil, err
	}

	apiSurface := api.New(srv.registry, srv.dispatcher, srv.bus, srv.gateway, logBuf, srv.auditor, logger)
	handler := otelhttp.NewHandler(securityHeaders(apiSurface.Router()), "coordinator")
	srv.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.HTTPBind, cfg.HTTPPort),
		Handler: handler,
		// Header deadline guards against slowloris; no full-body read
		// deadline because device sessions are long-lived WebSockets.
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", telemetry.Handler())
	srv.metricsServer = &http.Server{
		Addr:              cfg.MetricsBind,
		Handler:           metricsMux,
		ReadHeaderTimeout: 15 * time.Second,
	}

	return srv, nil
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) initDependencies() error {
	database, err := db.Connect(s.cfg)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	if err := db.AutoMigrate(database); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	s.db = database
	s.deferClose(func() error { return db.Close(database) })

	clk := clock.Real{}
	s.registry = registry.New(database, s.bus, clk, s.logger)
	if err := s.registry.Load(); err != nil {
		return fmt.Errorf("load registry: %w", err)
	}

	s.dispatcher = dispatch.New(database, s.registry, s.bus, clk, s.logger)
	s.registry.SetRecordingValidator(func(deviceID, recordingUUID string) bool {
		active, ok := s.dispatcher.Active(deviceID)
		return ok && active == recordingUUID
	})
	s.gateway = gateway.New(s.registry, s.dispatcher, s.cfg.PingInterval, s.cfg.PongTimeout, s.logger)
	s.liveness = liveness.New(s.registry, s.cfg.HeartbeatTimeout, s.cfg.SweepInterval, s.logger)
	s.scheduler = schedule.New(s.registry, s.dispatcher, clk, s.logger)
	s.auditor = audit.New(database, s.bus, s.logger)

	if s.cfg.NATSURL != "" {
		mirror, err := eventbus.NewMirror(s.cfg.NATSURL, s.bus, s.logger)
		if err != nil {
			// The mirror is an external convenience; the fleet runs fine
			// without it.
			s.logger.Warn().Err(err).Msg("event mirror unavailable, continuing without NATS")
		} else {
			s.mirror = mirror
			s.deferClose(mirror.Close)
		}
	}

	tracer, err := telemetry.InitTracer(context.Background(), telemetry.TracerConfig{
		ServiceName:    "capfleet-coordinator",
		ServiceVersion: version.Version,
		OTLPEndpoint:   s.cfg.OTLPEndpoint,
		Enabled:        s.cfg.TracingEnabled,
		SampleRate:     s.cfg.TracingSampleRate,
	}, s.logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	s.tracer = tracer
	s.deferClose(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return tracer.Shutdown(ctx)
	})

	return nil
}

// Run starts background workers and serves HTTP until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.liveness.Start(ctx)
	s.scheduler.Start(ctx)
	s.auditor.Start(ctx)
	if s.mirror != nil {
		s.mirror.Start(ctx)
	}

	errCh := make(chan error, 2)
	go func() {
		s.logger.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		s.logger.Info().Str("addr", s.metricsServer.Addr).Msg("metrics server listening")
		if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info().Msg("shutdown requested")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn().Err(err).Msg("http shutdown")
	}
	if err := s.metricsServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn().Err(err).Msg("metrics shutdown")
	}

	s.liveness.Stop()
	s.scheduler.Stop()
	s.auditor.Stop()
	return nil
}

func (s *Server) deferClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

// Close releases resources in reverse registration order.
func (s *Server) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.logger.Warn().Err(err).Msg("close dependency")
		}
	}
	s.closers = nil
}
