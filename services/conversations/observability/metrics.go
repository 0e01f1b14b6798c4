// Copyright (C) 2025 Tidepool AI (oss@tidepool-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides Prometheus metrics for the conversations
// service.
//
// # Description
//
// Metrics cover the streaming send path and the read endpoints:
//   - Request counters (by endpoint, status)
//   - Token usage (prompt/completion by model)
//   - Latency histograms (time to first fragment, total stream duration)
//   - Active stream gauge, client disconnect counter
//
// Exposed via /metrics. All operations are thread-safe via Prometheus's
// internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "tidepool"

const conversationsSubsystem = "conversations"

// Metrics holds all Prometheus metrics for the service. Initialize once at
// startup via InitMetrics.
type Metrics struct {
	// RequestsTotal counts requests by endpoint and status.
	// Labels: endpoint (send_message, list_messages, ...), status (success, error)
	RequestsTotal *prometheus.CounterVec

	// TokensTotal counts tokens by direction and model.
	// Labels: direction (prompt, completion), model
	TokensTotal *prometheus.CounterVec

	// TimeToFirstFragmentSeconds measures latency to the first streamed
	// fragment of a reply.
	TimeToFirstFragmentSeconds prometheus.Histogram

	// StreamDurationSeconds measures total generation duration.
	// Labels: status (success, error, cancelled)
	StreamDurationSeconds *prometheus.HistogramVec

	// ActiveStreams tracks generations currently in flight.
	ActiveStreams prometheus.Gauge

	// ErrorsTotal counts errors by endpoint and error code.
	// Labels: endpoint, error_code (validation, not_found, model_error, ...)
	ErrorsTotal *prometheus.CounterVec

	// ClientDisconnectsTotal counts clients that dropped mid-stream.
	ClientDisconnectsTotal prometheus.Counter
}

// DefaultMetrics is the singleton instance, initialized by InitMetrics.
var DefaultMetrics *Metrics

// InitMetrics creates and registers all metrics on the default registry.
// Call once at startup; a second call panics on duplicate registration.
func InitMetrics() *Metrics {
	DefaultMetrics = &Metrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: conversationsSubsystem,
				Name:      "requests_total",
				Help:      "Total requests by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),

		TokensTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: conversationsSubsystem,
				Name:      "tokens_total",
				Help:      "Total tokens by direction and model",
			},
			[]string{"direction", "model"},
		),

		TimeToFirstFragmentSeconds: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: conversationsSubsystem,
				Name:      "time_to_first_fragment_seconds",
				Help:      "Time from request to first reply fragment in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
		),

		StreamDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: conversationsSubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Total generation duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"status"},
		),

		ActiveStreams: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: conversationsSubsystem,
				Name:      "active_streams",
				Help:      "Number of generations currently in flight",
			},
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: conversationsSubsystem,
				Name:      "errors_total",
				Help:      "Total errors by endpoint and error code",
			},
			[]string{"endpoint", "error_code"},
		),

		ClientDisconnectsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: conversationsSubsystem,
				Name:      "client_disconnects_total",
				Help:      "Total clients that disconnected mid-stream",
			},
		),
	}

	return DefaultMetrics
}

// =============================================================================
// Error Codes
// =============================================================================

// ErrorCode categorizes failures for the errors_total counter.
type ErrorCode string

const (
	// ErrorCodeValidation indicates request validation failure.
	ErrorCodeValidation ErrorCode = "validation"

	// ErrorCodeNotFound indicates a missing or unowned resource.
	ErrorCodeNotFound ErrorCode = "not_found"

	// ErrorCodeModelError indicates an upstream provider failure.
	ErrorCodeModelError ErrorCode = "model_error"

	// ErrorCodeStoreError indicates a persistence failure.
	ErrorCodeStoreError ErrorCode = "store_error"

	// ErrorCodeInternal indicates an internal server error.
	ErrorCodeInternal ErrorCode = "internal"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordRequest records a completed request.
func (m *Metrics) RecordRequest(endpoint string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.RequestsTotal.WithLabelValues(endpoint, status).Inc()
}

// RecordError records a categorized failure.
func (m *Metrics) RecordError(endpoint string, code ErrorCode) {
	m.ErrorsTotal.WithLabelValues(endpoint, string(code)).Inc()
}

// RecordTokens records provider-reported token usage for a turn.
func (m *Metrics) RecordTokens(model string, prompt, completion int) {
	if prompt > 0 {
		m.TokensTotal.WithLabelValues("prompt", model).Add(float64(prompt))
	}
	if completion > 0 {
		m.TokensTotal.WithLabelValues("completion", model).Add(float64(completion))
	}
}
