/*
Copyright (C) 2026 Capfleet Authors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package api exposes the coordinator's HTTP surface: the fleet REST API,
// the edge device WebSocket endpoint and the observer broadcast endpoint.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/capfleet/capfleet/internal/audit"
	"github.com/capfleet/capfleet/internal/dispatch"
	"github.com/capfleet/capfleet/internal/events"
	"github.com/capfleet/capfleet/internal/logbuffer"
	"github.com/capfleet/capfleet/internal/models"
	"github.com/capfleet/capfleet/internal/protocol"
	"github.com/capfleet/capfleet/internal/registry"
	"github.com/capfleet/capfleet/internal/telemetry"
	"github.com/capfleet/capfleet/internal/version"
)

// EdgeHandler lets the gateway plug into the router without a package cycle.
type EdgeHandler interface {
	HandleEdge(w http.ResponseWriter, r *http.Request)
}

// API carries the HTTP handler dependencies.
type API struct {
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	bus        *events.Bus
	edge       EdgeHandler
	logs       *logbuffer.Buffer
	auditor    *audit.Service
	logger     zerolog.Logger
}

// New creates the API.
func New(reg *registry.Registry, disp *dispatch.Dispatcher, bus *events.Bus, edge EdgeHandler, logs *logbuffer.Buffer, auditor *audit.Service, logger zerolog.Logger) *API {
	return &API{
		registry:   reg,
		dispatcher: disp,
		bus:        bus,
		edge:       edge,
		logs:       logs,
		auditor:    auditor,
		logger:     logger.With().Str("component", "api").Logger(),
	}
}

// Router builds the chi router for the whole HTTP surface.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(telemetry.MetricsMiddleware)

	r.Get("/healthz", a.handleHealth)

	r.Route("/api", func(api chi.Router) {
		api.Get("/devices", a.handleListDevices)
		api.Get("/devices/{id}", a.handleGetDevice)
		api.Post("/devices/{id}/record", a.handleRecord)
		api.Post("/devices/{id}/stop", a.handleStop)
		api.Post("/devices/{id}/query-devices", a.handleQueryAudioDevices)
		api.Put("/devices/{id}/config", a.handleUpdateConfig)
		api.Put("/devices/{id}/schedule", a.handleUpdateSchedule)
		api.Get("/stats", a.handleStats)
		api.Get("/logs", a.handleLogs)
		api.Get("/audit", a.handleAudit)
	})

	r.Get("/ws/edge", a.edge.HandleEdge)
	r.Get("/ws/observe", a.handleObserver)
	return r
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.Version,
	})
}

func (a *API) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices := a.registry.List()
	views := make([]deviceView, 0, len(devices))
	for i := range devices {
		views = append(views, newDeviceView(&devices[i]))
	}
	respondJSON(w, http.StatusOK, map[string]any{"devices": views})
}

func (a *API) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	dev, err := a.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		a.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, newDeviceView(&dev))
}

func (a *API) handleRecord(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "id")

	var params dispatch.RecordParams
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
			respondJSON(w, http.StatusBadRequest, errorBody("invalid_request", err.Error()))
			return
		}
	}

	recordingUUID, err := a.dispatcher.Record(deviceID, params)
	if err != nil {
		a.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{
		"recording_uuid": recordingUUID,
		"device_id":      deviceID,
	})
}

func (a *API) handleStop(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "id")
	recordingUUID, err := a.dispatcher.Stop(deviceID)
	if err != nil {
		a.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{
		"recording_uuid": recordingUUID,
		"device_id":      deviceID,
	})
}

func (a *API) handleQueryAudioDevices(w http.ResponseWriter, r *http.Request) {
	requestID, err := a.dispatcher.QueryAudioDevices(chi.URLParam(r, "id"))
	if err != nil {
		a.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"request_id": requestID})
}

func (a *API) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var cfg protocol.UpdateConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		respondJSON(w, http.StatusBadRequest, errorBody("invalid_request", err.Error()))
		return
	}
	if err := a.dispatcher.PushConfig(chi.URLParam(r, "id"), cfg); err != nil {
		a.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type scheduleRequest struct {
	Enabled         bool   `json:"enabled"`
	IntervalSeconds int    `json:"interval_seconds"`
	DurationSeconds int    `json:"duration_seconds"`
	StartTime       string `json:"start_time"`
	EndTime         string `json:"end_time"`
	MaxSuccessCount int    `json:"max_success_count"`
}

func (a *API) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, errorBody("invalid_request", err.Error()))
		return
	}
	if req.Enabled && req.IntervalSeconds <= 0 {
		respondJSON(w, http.StatusBadRequest, errorBody("invalid_request", "interval_seconds must be positive"))
		return
	}
	err := a.registry.UpdateSchedule(chi.URLParam(r, "id"),
		req.Enabled, req.IntervalSeconds, req.DurationSeconds,
		req.StartTime, req.EndTime, req.MaxSuccessCount)
	if err != nil {
		a.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, a.registry.Stats())
}

func (a *API) handleLogs(w http.ResponseWriter, r *http.Request) {
	if a.logs == nil {
		respondJSON(w, http.StatusOK, map[string]any{"logs": []logbuffer.LogEntry{}})
		return
	}
	params := logbuffer.QueryParams{
		Level:    r.URL.Query().Get("level"),
		DeviceID: r.URL.Query().Get("device_id"),
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			params.Limit = n
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"logs": a.logs.Query(params)})
}

func (a *API) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := audit.QueryFilters{
		DeviceID: q.Get("device_id"),
		Action:   models.AuditAction(q.Get("action")),
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			respondJSON(w, http.StatusBadRequest, errorBody("invalid_request", "since must be RFC3339"))
			return
		}
		filters.Since = t
	}
	if limit := q.Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			filters.Limit = n
		}
	}
	if offset := q.Get("offset"); offset != "" {
		if n, err := strconv.Atoi(offset); err == nil {
			filters.Offset = n
		}
	}

	var (
		entries []models.AuditLog
		total   int64
	)
	if a.auditor != nil {
		var err error
		entries, total, err = a.auditor.Query(filters)
		if err != nil {
			a.respondError(w, err)
			return
		}
	}
	if entries == nil {
		entries = []models.AuditLog{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"entries": entries, "total": total})
}

// deviceView is the REST representation of a device. Field names follow the
// wire protocol so dashboards see one vocabulary.
type deviceView struct {
	DeviceID         string                 `json:"device_id"`
	DeviceName       string                 `json:"device_name"`
	Platform         string                 `json:"platform"`
	Status           string                 `json:"status"`
	OfflineReason    string                 `json:"offline_reason,omitempty"`
	PeerAddr         string                 `json:"peer_addr,omitempty"`
	ConnectedAt      *time.Time             `json:"connected_at,omitempty"`
	LastHeartbeat    *time.Time             `json:"last_heartbeat,omitempty"`
	CurrentRecording string                 `json:"current_recording,omitempty"`
	AudioConfig      protocol.AudioConfig   `json:"audio_config"`
	AudioDevices     []protocol.AudioDevice `json:"audio_devices,omitempty"`
	Statistics       statisticsView         `json:"statistics"`
	ScheduleConfig   scheduleView           `json:"schedule_config"`
}

type statisticsView struct {
	TotalRecordings int64      `json:"total_recordings"`
	SuccessCount    int64      `json:"success_count"`
	ErrorCount      int64      `json:"error_count"`
	LastRecordingAt *time.Time `json:"last_recording_at,omitempty"`
}

type scheduleView struct {
	Enabled         bool   `json:"enabled"`
	IntervalSeconds int    `json:"interval_seconds"`
	DurationSeconds int    `json:"duration_seconds"`
	StartTime       string `json:"start_time,omitempty"`
	EndTime         string `json:"end_time,omitempty"`
	MaxSuccessCount int    `json:"max_success_count"`
}

func newDeviceView(dev *models.Device) deviceView {
	return deviceView{
		DeviceID:         dev.ID,
		DeviceName:       dev.Name,
		Platform:         dev.Platform,
		Status:           string(dev.Status),
		OfflineReason:    string(dev.OfflineReason),
		PeerAddr:         dev.PeerAddr,
		ConnectedAt:      dev.ConnectedAt,
		LastHeartbeat:    dev.LastHeartbeat,
		CurrentRecording: dev.CurrentRecording,
		AudioConfig:      dev.AudioConfig,
		AudioDevices:     dev.AudioDevices,
		Statistics: statisticsView{
			TotalRecordings: dev.TotalRecordings,
			SuccessCount:    dev.SuccessCount,
			ErrorCount:      dev.ErrorCount,
			LastRecordingAt: dev.LastRecordingAt,
		},
		ScheduleConfig: scheduleView{
			Enabled:         dev.ScheduleEnabled,
			IntervalSeconds: dev.ScheduleInterval,
			DurationSeconds: dev.ScheduleDuration,
			StartTime:       dev.ScheduleStart,
			EndTime:         dev.ScheduleEnd,
			MaxSuccessCount: dev.ScheduleMaxSuccess,
		},
	}
}

// respondError maps domain errors to HTTP status codes. Precondition
// failures are synchronous by design: the caller learns immediately that a
// command cannot be dispatched.
func (a *API) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrDeviceNotFound):
		respondJSON(w, http.StatusNotFound, errorBody("device_not_found", err.Error()))
	case errors.Is(err, dispatch.ErrDeviceOffline), errors.Is(err, registry.ErrNotConnected):
		respondJSON(w, http.StatusConflict, errorBody("device_offline", err.Error()))
	case errors.Is(err, dispatch.ErrDeviceBusy):
		respondJSON(w, http.StatusConflict, errorBody("device_busy", err.Error()))
	case errors.Is(err, dispatch.ErrNoActiveRecording):
		respondJSON(w, http.StatusConflict, errorBody("no_active_recording", err.Error()))
	default:
		a.logger.Error().Err(err).Msg("unhandled api error")
		respondJSON(w, http.StatusInternalServerError, errorBody("internal_error", "internal error"))
	}
}

func errorBody(code, message string) map[string]string {
	return map[string]string{"error": code, "message": message}
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
