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
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jeremyhahn/go-tokenbroker/pkg/adapters/logger"
	"github.com/jeremyhahn/go-tokenbroker/pkg/broker"
	"github.com/jeremyhahn/go-tokenbroker/pkg/consent"
	"github.com/jeremyhahn/go-tokenbroker/pkg/health"
	"github.com/jeremyhahn/go-tokenbroker/pkg/metrics"
	"github.com/jeremyhahn/go-tokenbroker/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxBodyBytes = 1 << 20

// Config holds the REST server configuration.
type Config struct {
	// Addr is the listen address (default: 127.0.0.1:8811)
	Addr string

	// ConsentAddr is the consent listen address (default: 127.0.0.1:8812)
	ConsentAddr string

	// ConsentToken is the bearer token every consent request must carry.
	// Required.
	ConsentToken string

	// Broker is required.
	Broker *broker.Broker

	// Notifier feeds GET /consent/events; without it the stream is not
	// mounted.
	Notifier *consent.Notifier

	// Health serves the probes; without it every probe reports healthy.
	Health *health.Checker

	// Limiter throttles the inbound and consent API (optional)
	Limiter *ratelimit.Limiter

	// AllowedOrigins for CORS on the inbound API; empty disables CORS
	// headers. The consent listener never sends them.
	AllowedOrigins []string

	// MetricsPath mounts the Prometheus handler; empty disables it.
	MetricsPath string

	Version string
	Logger  logger.Logger

	// ReadHeaderTimeout bounds reading request headers. There is no write
	// timeout because consent-gated requests wait for the user.
	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
}

// Server is the broker's pair of HTTP listeners: the inbound API for the
// web application and the consent API for the local user's tools.
type Server struct {
	server        *http.Server
	consentServer *http.Server
	router        chi.Router
	consentRouter chi.Router
	broker        *broker.Broker
	notifier      *consent.Notifier
	health        *health.Checker
	version       string
	logger        logger.Logger

	// quit is closed by Stop to end open event streams.
	quit     chan struct{}
	quitOnce sync.Once
}

// NewServer creates a server. It does not listen until Start or Serve.
func NewServer(cfg *Config) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Broker == nil {
		return nil, fmt.Errorf("broker is required")
	}
	if cfg.ConsentToken == "" {
		return nil, fmt.Errorf("consent token is required")
	}

	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8811"
	}
	if cfg.ConsentAddr == "" {
		cfg.ConsentAddr = "127.0.0.1:8812"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.ReadHeaderTimeout == 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Discard()
	}

	s := &Server{
		broker:   cfg.Broker,
		notifier: cfg.Notifier,
		health:   cfg.Health,
		version:  cfg.Version,
		logger:   log,
		quit:     make(chan struct{}),
	}
	s.router = s.setupRouter(cfg)
	s.consentRouter = s.setupConsentRouter(cfg)
	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	s.consentServer = &http.Server{
		Addr:              cfg.ConsentAddr,
		Handler:           s.consentRouter,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	return s, nil
}

func (s *Server) commonMiddleware(r chi.Router) {
	r.Use(s.RecoveryMiddleware())
	r.Use(s.CorrelationMiddleware())
	r.Use(s.LoggingMiddleware())
	r.Use(metrics.HTTPMiddleware)
}

func (s *Server) rateLimited(cfg *Config, r chi.Router) {
	if cfg.Limiter != nil && cfg.Limiter.IsEnabled() {
		r.Use(ratelimit.Middleware(cfg.Limiter, func(w http.ResponseWriter, req *http.Request) {
			s.writeError(w, req, ErrRateLimitExceeded)
		}))
	}
}

// setupRouter builds the inbound API. It has no consent routes.
func (s *Server) setupRouter(cfg *Config) chi.Router {
	r := chi.NewRouter()

	s.commonMiddleware(r)
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(CORSMiddleware(cfg.AllowedOrigins))
	}

	r.Get("/health", s.HealthHandler)
	r.Get("/health/live", s.LivenessHandler)
	r.Get("/health/ready", s.ReadinessHandler)
	if cfg.MetricsPath != "" {
		r.Method(http.MethodGet, cfg.MetricsPath, promhttp.Handler())
	}

	r.Group(func(r chi.Router) {
		s.rateLimited(cfg, r)
		r.Get("/list-certificates", s.ListCertificatesHandler)
		r.Get("/certificate", s.CertificateHandler)
		r.Post("/sign-document", s.SignDocumentHandler)
	})

	r.NotFound(s.notFound)
	return r
}

// setupConsentRouter builds the consent API. Every route, including the
// not-found handler, sits behind the browser and bearer token checks.
func (s *Server) setupConsentRouter(cfg *Config) chi.Router {
	r := chi.NewRouter()

	s.commonMiddleware(r)
	r.Use(s.NoBrowserMiddleware())
	r.Use(s.BearerAuthMiddleware(cfg.ConsentToken))

	r.Route("/consent", func(r chi.Router) {
		if s.notifier != nil {
			r.Get("/events", s.EventsHandler)
		}
		r.Group(func(r chi.Router) {
			s.rateLimited(cfg, r)
			r.Get("/pending", s.PendingHandler)
			r.Post("/certificate", s.SelectCertificateHandler)
			r.Post("/signing", s.SigningConsentHandler)
		})
	})
	r.Group(func(r chi.Router) {
		s.rateLimited(cfg, r)
		r.Get("/audit", s.AuditHandler)
	})

	r.NotFound(s.notFound)
	return r
}

func (s *Server) notFound(w http.ResponseWriter, req *http.Request) {
	s.writeJSON(w, ErrorResponse{Error: "not found", Kind: "NotFound", Code: http.StatusNotFound}, http.StatusNotFound)
}

// Handler returns the inbound API router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ConsentHandler returns the consent API router, for tests and embedding.
func (s *Server) ConsentHandler() http.Handler {
	return s.consentRouter
}

// Addr returns the configured inbound listen address.
func (s *Server) Addr() string {
	return s.server.Addr
}

// ConsentAddr returns the configured consent listen address.
func (s *Server) ConsentAddr() string {
	return s.consentServer.Addr
}

// Start listens on both configured addresses and serves until Stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	consentLn, err := net.Listen("tcp", s.consentServer.Addr)
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("failed to listen on %s: %w", s.consentServer.Addr, err)
	}
	return s.Serve(ln, consentLn)
}

// Serve serves the inbound API on ln and the consent API on consentLn until
// Stop. If either listener fails the other is closed too.
func (s *Server) Serve(ln, consentLn net.Listener) error {
	s.logger.Info("Starting HTTP server",
		logger.String("addr", ln.Addr().String()),
		logger.String("consent_addr", consentLn.Addr().String()))
	if s.health != nil {
		s.health.MarkStarted()
	}

	errs := make(chan error, 2)
	go func() {
		errs <- serve(s.server, ln, "HTTP server")
	}()
	go func() {
		errs <- serve(s.consentServer, consentLn, "consent server")
	}()

	err := <-errs
	if err != nil {
		_ = s.server.Close()
		_ = s.consentServer.Close()
	}
	return errors.Join(err, <-errs)
}

func serve(srv *http.Server, ln net.Listener, name string) error {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start %s: %w", name, err)
	}
	return nil
}

// Stop gracefully stops both listeners. Requests still waiting for consent
// are cut off when ctx expires; event streams end immediately.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Shutting down server")
	if s.health != nil {
		s.health.MarkStopping()
	}
	s.quitOnce.Do(func() { close(s.quit) })

	var errs []error
	for _, srv := range []*http.Server{s.server, s.consentServer} {
		if err := srv.Shutdown(ctx); err != nil {
			s.logger.Warn("Graceful shutdown incomplete, closing connections",
				logger.String("addr", srv.Addr),
				logger.Error(err))
			errs = append(errs, err)
			if cerr := srv.Close(); cerr != nil {
				errs = append(errs, cerr)
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to shutdown server: %w", errors.Join(errs...))
	}

	s.logger.Info("Server stopped")
	return nil
}
