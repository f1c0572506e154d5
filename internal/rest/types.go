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
	"encoding/hex"
	"time"

	"github.com/jeremyhahn/go-tokenbroker/pkg/audit"
	"github.com/jeremyhahn/go-tokenbroker/pkg/broker"
	"github.com/jeremyhahn/go-tokenbroker/pkg/consent"
	"github.com/jeremyhahn/go-tokenbroker/pkg/health"
	"github.com/jeremyhahn/go-tokenbroker/pkg/types"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
	Code  int    `json:"code"`
}

// CertificateInfo identifies a certificate on the token.
type CertificateInfo struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

func certificateInfos(summaries []types.CertificateSummary) []CertificateInfo {
	out := make([]CertificateInfo, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, CertificateInfo{ID: s.HexID(), Label: s.Label})
	}
	return out
}

type ListCertificatesResponse struct {
	Certificates []CertificateInfo `json:"certificates"`
}

// CertificateResponse is the certificate the user picked. Certificate is
// the hex DER.
type CertificateResponse struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Certificate string `json:"certificate"`
}

func newCertificateResponse(record *types.CertificateRecord) CertificateResponse {
	return CertificateResponse{
		ID:          hex.EncodeToString(record.ID),
		Label:       record.Label,
		Certificate: hex.EncodeToString(record.DER),
	}
}

// SignDocumentRequest asks for a signature over Hash. CertHash is the hex
// DER of the signing certificate and SignedCertificate the application's
// counter-signature over CertHash + "_" + Timestamp.
type SignDocumentRequest struct {
	CertHash          string `json:"cert_hash"`
	Hash              string `json:"hash"`
	Timestamp         string `json:"timestamp"`
	SignedCertificate string `json:"signed_certificate"`
}

type SignDocumentResponse struct {
	Signature string `json:"signature"`
}

type SelectCertificateRequest struct {
	ID string `json:"id"`
}

type SigningConsentRequest struct {
	PIN string `json:"pin"`
}

// PendingCertificate is a certificate prompt waiting for the user.
type PendingCertificate struct {
	Ticket     string            `json:"ticket"`
	Candidates []CertificateInfo `json:"candidates"`
	Requested  time.Time         `json:"requested"`
}

// PendingSigning is a signing prompt waiting for the user's PIN.
type PendingSigning struct {
	Ticket      string    `json:"ticket"`
	Fingerprint string    `json:"fingerprint"`
	Label       string    `json:"label,omitempty"`
	Subject     string    `json:"subject,omitempty"`
	Digest      string    `json:"digest"`
	Timestamp   string    `json:"timestamp"`
	Requested   time.Time `json:"requested"`
}

// PendingResponse lists the prompts currently waiting. Both fields are
// omitted when the broker is idle.
type PendingResponse struct {
	Certificate *PendingCertificate `json:"certificate,omitempty"`
	Signing     *PendingSigning     `json:"signing,omitempty"`
}

func newPendingResponse(status broker.Status) PendingResponse {
	return PendingResponse{
		Certificate: newPendingCertificate(status.Certificate),
		Signing:     newPendingSigning(status.Signing),
	}
}

func newPendingCertificate(c *consent.CertificateChoice) *PendingCertificate {
	if c == nil {
		return nil
	}
	return &PendingCertificate{
		Ticket:     string(c.Ticket),
		Candidates: certificateInfos(c.Candidates),
		Requested:  c.Requested,
	}
}

func newPendingSigning(s *consent.SigningSummary) *PendingSigning {
	if s == nil {
		return nil
	}
	return &PendingSigning{
		Ticket:      string(s.Ticket),
		Fingerprint: s.Fingerprint,
		Label:       s.Label,
		Subject:     s.Subject,
		Digest:      s.Digest,
		Timestamp:   s.Timestamp,
		Requested:   s.Requested,
	}
}

type AuditResponse struct {
	Events []audit.Event `json:"events"`
}

// HealthResponse is returned by /health.
type HealthResponse struct {
	Status  health.Status `json:"status"`
	Version string        `json:"version,omitempty"`
}

// HealthCheckResponse is returned by the liveness and readiness probes.
type HealthCheckResponse struct {
	Status  health.Status        `json:"status"`
	Message string               `json:"message,omitempty"`
	Checks  []health.CheckResult `json:"checks,omitempty"`
}
