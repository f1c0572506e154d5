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
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/jeremyhahn/go-tokenbroker/pkg/adapters/logger"
	"github.com/jeremyhahn/go-tokenbroker/pkg/consent"
	"github.com/jeremyhahn/go-tokenbroker/pkg/types"
	"github.com/jeremyhahn/go-tokenbroker/pkg/validation"
)

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000

	// eventBuffer is how many prompts a slow event stream may lag behind
	// before it starts missing them.
	eventBuffer = 8
)

// ListCertificatesHandler handles GET /list-certificates.
func (s *Server) ListCertificatesHandler(w http.ResponseWriter, r *http.Request) {
	certs, err := s.broker.ListCertificates(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, ListCertificatesResponse{Certificates: certificateInfos(certs)}, http.StatusOK)
}

// CertificateHandler handles GET /certificate. It blocks until the user
// picks a certificate.
func (s *Server) CertificateHandler(w http.ResponseWriter, r *http.Request) {
	record, err := s.broker.RequestCertificate(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, newCertificateResponse(record), http.StatusOK)
}

// SignDocumentHandler handles POST /sign-document. It blocks until the user
// approves or the request fails.
func (s *Server) SignDocumentHandler(w http.ResponseWriter, r *http.Request) {
	var req SignDocumentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := validation.ValidateTimestamp(req.Timestamp); err != nil {
		s.writeError(w, r, err)
		return
	}

	signature, err := s.broker.RequestSignature(r.Context(), req.CertHash, req.Hash, req.Timestamp, req.SignedCertificate)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, SignDocumentResponse{Signature: signature}, http.StatusOK)
}

// PendingHandler handles GET /consent/pending.
func (s *Server) PendingHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, newPendingResponse(s.broker.Status()), http.StatusOK)
}

// SelectCertificateHandler handles POST /consent/certificate.
func (s *Server) SelectCertificateHandler(w http.ResponseWriter, r *http.Request) {
	var req SelectCertificateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.broker.CompleteCertificateSelection(r.Context(), req.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SigningConsentHandler handles POST /consent/signing. A wrong PIN returns
// 403 and leaves the prompt pending.
func (s *Server) SigningConsentHandler(w http.ResponseWriter, r *http.Request) {
	var req SigningConsentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := validation.ValidatePIN(req.PIN); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.broker.CompleteSigning(r.Context(), req.PIN); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// EventsHandler handles GET /consent/events, a text/event-stream of consent
// prompts. Prompts already waiting are sent first, then each new prompt as
// an event named after its kind whose data is a PendingCertificate or
// PendingSigning. The stream ends when the client goes away or the server
// stops.
func (s *Server) EventsHandler(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context(), s.logger)
	rc := http.NewResponseController(w)

	prompts, unsubscribe := s.notifier.Subscribe(eventBuffer)
	defer unsubscribe()
	log.Debug("Consent event stream opened", logger.Int("subscribers", s.notifier.Subscribers()))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)

	status := s.broker.Status()
	if err := writePromptEvent(w, consent.Prompt{Kind: consent.KindCertificate, Certificate: status.Certificate}); err != nil {
		return
	}
	if err := writePromptEvent(w, consent.Prompt{Kind: consent.KindSigning, Signing: status.Signing}); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		log.Warn("Event stream cannot be flushed", logger.Error(err))
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.quit:
			return
		case p, ok := <-prompts:
			if !ok {
				return
			}
			if err := writePromptEvent(w, p); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

// writePromptEvent writes p as one server-sent event. A prompt without a
// payload writes nothing.
func writePromptEvent(w io.Writer, p consent.Prompt) error {
	var payload interface{}
	switch {
	case p.Certificate != nil:
		payload = newPendingCertificate(p.Certificate)
	case p.Signing != nil:
		payload = newPendingSigning(p.Signing)
	default:
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", p.Kind, data)
	return err
}

// AuditHandler handles GET /audit?limit=N.
func (s *Server) AuditHandler(w http.ResponseWriter, r *http.Request) {
	limit := defaultAuditLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.writeJSON(w, ErrorResponse{
				Error: "limit must be a positive integer",
				Kind:  types.Kind(types.ErrInvalidRequest),
				Code:  http.StatusBadRequest,
			}, http.StatusBadRequest)
			return
		}
		limit = min(n, maxAuditLimit)
	}

	events, err := s.broker.Journal().List(r.Context(), limit)
	if err != nil {
		logger.FromContext(r.Context(), s.logger).Error("Failed to read audit journal", logger.Error(err))
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, AuditResponse{Events: events}, http.StatusOK)
}
