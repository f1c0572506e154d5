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

package rest

import (
	"net/http"

	"github.com/jeremyhahn/go-tokenbroker/pkg/health"
)

// HealthHandler handles GET /health.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	status := health.StatusHealthy
	if s.health != nil {
		status = health.AggregateStatus(s.health.Ready(r.Context()))
	}
	s.writeJSON(w, HealthResponse{Status: status, Version: s.version}, statusCode(status))
}

// LivenessHandler handles GET /health/live.
func (s *Server) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		s.writeJSON(w, HealthCheckResponse{Status: health.StatusHealthy, Message: "Service is alive"}, http.StatusOK)
		return
	}
	result := s.health.Live(r.Context())
	s.writeJSON(w, HealthCheckResponse{Status: result.Status, Message: result.Message}, statusCode(result.Status))
}

// ReadinessHandler handles GET /health/ready. A degraded check, such as
// no token inserted, still reports ready.
func (s *Server) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		s.writeJSON(w, HealthCheckResponse{Status: health.StatusHealthy, Message: "Service is ready"}, http.StatusOK)
		return
	}
	results := s.health.Ready(r.Context())
	status := health.AggregateStatus(results)
	s.writeJSON(w, HealthCheckResponse{Status: status, Checks: results}, statusCode(status))
}

func statusCode(status health.Status) int {
	if status == health.StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}
