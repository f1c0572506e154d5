// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-tokenbroker.
//
// go-tokenbroker is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package metrics provides Prometheus instrumentation for the token broker:
// operation counters and latencies, consent slot gauges, and HTTP request
// metrics.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the Prometheus namespace for all broker metrics
	Namespace = "tokenbroker"

	LabelOperation  = "operation"
	LabelStatus     = "status"
	LabelErrorType  = "error_type"
	LabelKind       = "kind"
	LabelMethod     = "method"
	LabelRoute      = "route"
	LabelStatusCode = "status_code"

	StatusSuccess = "success"
	StatusError   = "error"

	OpListCertificates   = "list_certificates"
	OpRequestCertificate = "request_certificate"
	OpRequestSignature   = "request_signature"
	OpSelectCertificate  = "complete_certificate_selection"
	OpCompleteSigning    = "complete_signing"
	OpSign               = "sign"
	OpAuthenticate       = "authenticate"
	OpHealthCheck        = "health_check"
)

var (
	// OperationsTotal counts broker operations by name and status.
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "operations_total",
			Help:      "Total number of broker operations by name and status",
		},
		[]string{LabelOperation, LabelStatus},
	)

	// OperationDuration includes time spent waiting for the user, so the
	// buckets reach well past typical token latencies.
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of broker operations in seconds",
			Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300},
		},
		[]string{LabelOperation},
	)

	// ErrorsTotal counts failures by operation and error kind.
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "errors_total",
			Help:      "Total number of errors by operation and error kind",
		},
		[]string{LabelOperation, LabelErrorType},
	)

	// PendingRequests is 1 while a consent prompt of the kind is outstanding.
	PendingRequests = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "pending_requests",
			Help:      "Number of consent prompts waiting for the user by kind",
		},
		[]string{LabelKind},
	)

	// SupersededTotal counts waiters abandoned by a newer request of the same kind.
	SupersededTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "superseded_total",
			Help:      "Total number of pending requests superseded by a newer request",
		},
		[]string{LabelKind},
	)

	// ActiveConnections tracks in-flight HTTP requests.
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "active_requests",
			Help:      "Number of HTTP requests in flight",
		},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, route and status code",
		},
		[]string{LabelMethod, LabelRoute, LabelStatusCode},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{LabelMethod, LabelRoute},
	)

	// TokenPresent is 1 when the last readiness probe found a token.
	TokenPresent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "token_present",
			Help:      "Whether the last probe found a token in a slot (1) or not (0)",
		},
	)

	Goroutines = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "goroutines",
			Help:      "Current number of goroutines",
		},
	)

	MemoryAllocBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "memory_alloc_bytes",
			Help:      "Current bytes of allocated heap objects",
		},
	)

	ServerUptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "server_uptime_seconds",
			Help:      "Server uptime in seconds since startup",
		},
	)

	enabled atomic.Bool
)

func init() {
	enabled.Store(true)
}

// RecordOperation records an operation outcome and its duration.
//
//	start := time.Now()
//	sig, err := b.RequestSignature(ctx, ...)
//	metrics.RecordOperation(metrics.OpRequestSignature, metrics.Status(err), time.Since(start).Seconds())
func RecordOperation(operation, status string, duration float64) {
	if !enabled.Load() {
		return
	}
	OperationsTotal.WithLabelValues(operation, status).Inc()
	OperationDuration.WithLabelValues(operation).Observe(duration)
}

// RecordError records a failure of operation with the given error kind.
func RecordError(operation, errorType string) {
	if !enabled.Load() {
		return
	}
	ErrorsTotal.WithLabelValues(operation, errorType).Inc()
}

// Status maps err to StatusSuccess or StatusError.
func Status(err error) string {
	if err != nil {
		return StatusError
	}
	return StatusSuccess
}

// SetPending sets the pending gauge for a consent kind.
func SetPending(kind string, pending bool) {
	if !enabled.Load() {
		return
	}
	value := 0.0
	if pending {
		value = 1.0
	}
	PendingRequests.WithLabelValues(kind).Set(value)
}

// RecordSuperseded counts one abandoned waiter of kind.
func RecordSuperseded(kind string) {
	if !enabled.Load() {
		return
	}
	SupersededTotal.WithLabelValues(kind).Inc()
}

// RecordHTTPRequest records a completed HTTP request.
func RecordHTTPRequest(method, route, statusCode string, duration float64) {
	if !enabled.Load() {
		return
	}
	HTTPRequestsTotal.WithLabelValues(method, route, statusCode).Inc()
	HTTPRequestDuration.WithLabelValues(method, route).Observe(duration)
}

// SetTokenPresent records the result of a token probe.
func SetTokenPresent(present bool) {
	if !enabled.Load() {
		return
	}
	if present {
		TokenPresent.Set(1)
		return
	}
	TokenPresent.Set(0)
}

func Enable() {
	enabled.Store(true)
}

// Disable stops all recording. Useful in tests.
func Disable() {
	enabled.Store(false)
}

func IsEnabled() bool {
	return enabled.Load()
}
