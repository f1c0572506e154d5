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
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/jeremyhahn/go-tokenbroker/pkg/adapters/logger"
	"github.com/jeremyhahn/go-tokenbroker/pkg/correlation"
	"github.com/jeremyhahn/go-tokenbroker/pkg/validation"
)

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// CorrelationMiddleware takes the correlation ID from the request headers,
// or generates one, stores it in the request context and echoes it in the
// response.
func (s *Server) CorrelationMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := correlation.FromHeaders(r.Header)
			if id == "" {
				id = correlation.NewID()
			}
			w.Header().Set(correlation.CorrelationIDHeader, id)
			next.ServeHTTP(w, r.WithContext(correlation.WithCorrelationID(r.Context(), id)))
		})
	}
}

// LoggingMiddleware logs every request. Consent-gated requests are logged
// when they start as well, since they may wait a long time.
func (s *Server) LoggingMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := newResponseWriter(w)
			log := logger.FromContext(r.Context(), s.logger)

			log.Debug("Request started",
				logger.String("method", r.Method),
				logger.String("path", r.URL.Path),
				logger.String("origin", validation.SanitizeForLog(r.Header.Get("Origin"))))

			next.ServeHTTP(wrapped, r)

			log.Info("Request completed",
				logger.String("method", r.Method),
				logger.String("path", r.URL.Path),
				logger.Int("status", wrapped.statusCode),
				logger.Duration("duration_ms", time.Since(start)))
		})
	}
}

// RecoveryMiddleware recovers from panics and returns a 500 error.
func (s *Server) RecoveryMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					s.logger.Error("Panic recovered",
						logger.String("method", r.Method),
						logger.String("path", r.URL.Path),
						logger.Any("error", rec))
					s.writeError(w, r, ErrInternalError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// CORSMiddleware answers preflight requests and sets CORS headers for the
// allowed origins. "*" allows every origin.
func CORSMiddleware(allowed []string) func(http.Handler) http.Handler {
	anyOrigin := false
	origins := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			anyOrigin = true
		}
		origins[strings.TrimSuffix(o, "/")] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			_, ok := origins[origin]
			switch {
			case origin == "":
			case anyOrigin:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case ok:
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			if origin != "" && (anyOrigin || ok) {
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+correlation.CorrelationIDHeader+", "+correlation.RequestIDHeader)
				w.Header().Set("Access-Control-Expose-Headers", correlation.CorrelationIDHeader)
				w.Header().Set("Access-Control-Max-Age", "3600")
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// NoBrowserMiddleware refuses requests carrying an Origin or Sec-Fetch-Site
// header. Browsers attach at least one of them to every cross-site request;
// the CLI and other local tools send neither.
func (s *Server) NoBrowserMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Origin") != "" || r.Header.Get("Sec-Fetch-Site") != "" {
				logger.FromContext(r.Context(), s.logger).Warn("Browser request refused by consent listener",
					logger.String("origin", validation.SanitizeForLog(r.Header.Get("Origin"))),
					logger.String("path", r.URL.Path))
				s.writeError(w, r, ErrBrowserRequest)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// BearerAuthMiddleware requires "Authorization: Bearer <token>".
func (s *Server) BearerAuthMiddleware(token string) func(http.Handler) http.Handler {
	want := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				w.Header().Set("WWW-Authenticate", `Bearer realm="tokenbroker-consent"`)
				s.writeError(w, r, ErrUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
