/*
Copyright (C) 2026 Capfleet Authors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package telemetry exposes Prometheus metrics and OpenTelemetry tracing for
// the coordinator.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// DevicesByStatus tracks the fleet composition (idle / recording / offline).
	DevicesByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "capfleet",
		Name:      "devices",
		Help:      "Number of devices by status.",
	}, []string{"status"})

	// HeartbeatsTotal counts accepted and rejected heartbeats.
	HeartbeatsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "capfleet",
		Name:      "heartbeats_total",
		Help:      "Heartbeats processed, by outcome.",
	}, []string{"outcome"})

	// RecordingsTotal counts finished recording sessions.
	RecordingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "capfleet",
		Name:      "recordings_total",
		Help:      "Recording sessions reaching a terminal state, by result.",
	}, []string{"result"})

	// OfflineTransitionsTotal counts device demotions by reason.
	OfflineTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "capfleet",
		Name:      "offline_transitions_total",
		Help:      "Devices marked offline, by reason.",
	}, []string{"reason"})

	// ProtocolErrorsTotal counts malformed or out-of-order wire messages.
	ProtocolErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "capfleet",
		Name:      "protocol_errors_total",
		Help:      "Dropped wire messages (malformed, unknown recording, stale).",
	})

	// EdgeConnections tracks live device gateway sessions.
	EdgeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "capfleet",
		Name:      "edge_connections",
		Help:      "Open device WebSocket sessions.",
	})

	// ObserverConnections tracks dashboard WebSocket subscribers.
	ObserverConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "capfleet",
		Name:      "observer_connections",
		Help:      "Open observer WebSocket sessions.",
	})

	// APIActiveConnections tracks in-flight HTTP requests.
	APIActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "capfleet",
		Name:      "api_active_connections",
		Help:      "HTTP requests currently being served.",
	})

	// APIRequestsTotal counts HTTP requests by method, endpoint and status.
	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "capfleet",
		Name:      "api_requests_total",
		Help:      "HTTP requests served.",
	}, []string{"method", "endpoint", "status"})

	// APIRequestDuration observes HTTP latency.
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "capfleet",
		Name:      "api_request_duration_seconds",
		Help:      "HTTP request duration.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "endpoint", "status"})
)

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
