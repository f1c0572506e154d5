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

// Package server assembles the broker from configuration and runs its
// HTTP listeners.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jeremyhahn/go-tokenbroker/internal/config"
	"github.com/jeremyhahn/go-tokenbroker/internal/rest"
	"github.com/jeremyhahn/go-tokenbroker/pkg/adapters/logger"
	"github.com/jeremyhahn/go-tokenbroker/pkg/audit"
	"github.com/jeremyhahn/go-tokenbroker/pkg/broker"
	"github.com/jeremyhahn/go-tokenbroker/pkg/certdir"
	"github.com/jeremyhahn/go-tokenbroker/pkg/consent"
	"github.com/jeremyhahn/go-tokenbroker/pkg/health"
	"github.com/jeremyhahn/go-tokenbroker/pkg/metrics"
	"github.com/jeremyhahn/go-tokenbroker/pkg/ratelimit"
	"github.com/jeremyhahn/go-tokenbroker/pkg/signing"
	"github.com/jeremyhahn/go-tokenbroker/pkg/token"
	"github.com/jeremyhahn/go-tokenbroker/pkg/types"
	"github.com/jeremyhahn/go-tokenbroker/pkg/verification"
)

const resourceInterval = 15 * time.Second

// Options overrides collaborators that are normally built from the
// configuration.
type Options struct {
	// Loader opens the PKCS#11 library. Defaults to token.NativeLoader.
	Loader token.Loader

	// Logger defaults to one built from the logging configuration,
	// writing to stderr.
	Logger logger.Logger

	// Prompter receives consent prompts after the built-in notifier.
	// Defaults to a consent.LogPrompter.
	Prompter consent.Prompter

	Version string
}

// Server owns every long lived component of the broker.
type Server struct {
	config  *config.Config
	logger  logger.Logger
	gateway *token.Gateway
	journal audit.Journal
	broker  *broker.Broker
	health  *health.Checker
	limiter *ratelimit.Limiter
	rest    *rest.Server

	// consentToken authenticates the consent listener. It is written to
	// tokenPath while the listeners run.
	consentToken string
	tokenPath    string
	tokenWritten bool
}

// New builds the broker. Nothing touches the token until the first request.
func New(cfg *config.Config, opts *Options) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if opts == nil {
		opts = &Options{}
	}

	log := opts.Logger
	if log == nil {
		var err error
		if log, err = NewLogger(cfg.Logging, os.Stderr); err != nil {
			return nil, err
		}
	}

	s := &Server{config: cfg, logger: log, tokenPath: cfg.Consent.TokenPath()}
	var err error
	if s.consentToken, err = newConsentToken(); err != nil {
		return nil, err
	}

	s.gateway = token.NewGateway(&token.Config{
		Library: cfg.PKCS11.Library,
		Loader:  opts.Loader,
		Logger:  log,
	})

	authenticator, err := newAuthenticator(cfg.Auth, log)
	if err != nil {
		return nil, err
	}

	if s.journal, err = openJournal(cfg.Audit); err != nil {
		return nil, err
	}

	next := opts.Prompter
	if next == nil {
		next = &consent.LogPrompter{Logger: log}
	}
	notifier := consent.NewNotifier(next)

	s.broker, err = broker.New(broker.Options{
		Directory:     certdir.New(s.gateway, log),
		Signer:        signing.NewEngine(s.gateway, log),
		Authenticator: authenticator,
		Prompter:      notifier,
		Journal:       s.journal,
		Logger:        log,
	})
	if err != nil {
		_ = s.journal.Close()
		return nil, err
	}

	s.health = health.NewChecker()
	s.health.RegisterCheck("pkcs11", health.LibraryCheck(cfg.PKCS11.Library))
	s.health.RegisterCheck("token", health.TokenCheck(s.gateway))

	s.limiter = ratelimit.New(&ratelimit.Config{
		Enabled:           cfg.RateLimit.Enabled,
		RequestsPerMinute: cfg.RateLimit.RequestsPerMin,
		Burst:             cfg.RateLimit.Burst,
	})

	metricsPath := ""
	if cfg.Metrics.Enabled {
		metrics.Enable()
		metricsPath = cfg.Metrics.Path
	} else {
		metrics.Disable()
	}

	s.rest, err = rest.NewServer(&rest.Config{
		Addr:              cfg.Server.Addr(),
		ConsentAddr:       cfg.Consent.Addr(),
		ConsentToken:      s.consentToken,
		Broker:            s.broker,
		Notifier:          notifier,
		Health:            s.health,
		Limiter:           s.limiter,
		AllowedOrigins:    cfg.CORS.AllowedOrigins,
		MetricsPath:       metricsPath,
		Version:           opts.Version,
		Logger:            log,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	})
	if err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

// NewLogger builds the slog adapter described by cfg.
func NewLogger(cfg config.LoggingConfig, out io.Writer) (logger.Logger, error) {
	level, err := logger.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	return logger.NewSlogAdapter(&logger.SlogConfig{
		Level:  level,
		Format: logger.Format(cfg.Format),
		Output: out,
	}), nil
}

func newAuthenticator(cfg config.AuthConfig, log logger.Logger) (broker.Authenticator, error) {
	if cfg.TrustedKeyFile == "" {
		log.Warn("No trusted key configured, every signing request will be rejected")
		return denyAll{}, nil
	}
	key, err := verification.LoadTrustedKeyFile(cfg.TrustedKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load trusted key: %w", err)
	}
	if thumbprint, err := verification.Thumbprint(key); err == nil {
		log.Info("Loaded trusted key",
			logger.String("path", cfg.TrustedKeyFile),
			logger.String("thumbprint", thumbprint))
	}
	return verification.NewAuthenticator(&verification.Config{
		TrustedKey: key,
		MaxSkew:    cfg.MaxSkew,
		Logger:     log,
	})
}

// denyAll rejects every signing request when no trusted key is configured.
type denyAll struct{}

func (denyAll) Authenticate(verification.Request) error {
	return fmt.Errorf("%w: no trusted key configured", types.ErrSignatureInvalid)
}

func openJournal(cfg config.AuditConfig) (audit.Journal, error) {
	switch cfg.Backend {
	case "sqlite":
		j, err := audit.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit journal: %w", err)
		}
		return j, nil
	case "memory", "":
		return audit.NewMemoryJournal(cfg.Capacity), nil
	default:
		return nil, fmt.Errorf("unknown audit backend: %s", cfg.Backend)
	}
}

// Serve serves the inbound API on ln and the consent API on consentLn until
// ctx is cancelled or a listener fails, then shuts down within the
// configured timeout and releases every resource. The consent token file
// exists while Serve runs.
func (s *Server) Serve(ctx context.Context, ln, consentLn net.Listener) error {
	if err := writeConsentToken(s.tokenPath, s.consentToken); err != nil {
		_ = ln.Close()
		_ = consentLn.Close()
		s.close()
		return err
	}
	s.tokenWritten = true

	var collector *metrics.ResourceCollector
	if s.config.Metrics.Enabled {
		collector = metrics.StartResourceCollector(ctx, resourceInterval)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.rest.Serve(ln, consentLn)
	}()
	s.logger.Info("Token broker started",
		logger.String("addr", ln.Addr().String()),
		logger.String("consent_addr", consentLn.Addr().String()),
		logger.String("consent_token_file", s.tokenPath),
		logger.String("pkcs11_library", s.config.PKCS11.Library),
		logger.String("audit_backend", s.config.Audit.Backend))

	var serveErr error
	select {
	case <-ctx.Done():
		s.logger.Info("Shutdown signal received")
	case serveErr = <-errCh:
		if serveErr != nil {
			s.logger.Error("Server error", logger.Error(serveErr))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()
	stopErr := s.rest.Stop(shutdownCtx)

	if collector != nil {
		collector.Stop()
	}
	s.close()
	s.logger.Info("Token broker stopped")

	if serveErr != nil {
		return serveErr
	}
	return stopErr
}

// ListenAndServe listens on the configured addresses and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Server.Addr())
	if err != nil {
		s.close()
		return fmt.Errorf("failed to listen on %s: %w", s.config.Server.Addr(), err)
	}
	consentLn, err := net.Listen("tcp", s.config.Consent.Addr())
	if err != nil {
		_ = ln.Close()
		s.close()
		return fmt.Errorf("failed to listen on %s: %w", s.config.Consent.Addr(), err)
	}
	return s.Serve(ctx, ln, consentLn)
}

func (s *Server) close() {
	s.limiter.Stop()
	if err := s.journal.Close(); err != nil && !errors.Is(err, audit.ErrClosed) {
		s.logger.Error("Error closing audit journal", logger.Error(err))
	}
	if s.tokenWritten {
		if err := os.Remove(s.tokenPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("Failed to remove consent token file", logger.String("path", s.tokenPath), logger.Error(err))
		}
		s.tokenWritten = false
	}
}

// Broker returns the assembled broker.
func (s *Server) Broker() *broker.Broker {
	return s.broker
}

// SetupSignalHandler returns a context cancelled on SIGINT or SIGTERM.
func SetupSignalHandler() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
