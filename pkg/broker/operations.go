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

package broker

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jeremyhahn/go-tokenbroker/pkg/adapters/logger"
	"github.com/jeremyhahn/go-tokenbroker/pkg/consent"
	"github.com/jeremyhahn/go-tokenbroker/pkg/correlation"
	"github.com/jeremyhahn/go-tokenbroker/pkg/metrics"
	"github.com/jeremyhahn/go-tokenbroker/pkg/pending"
	"github.com/jeremyhahn/go-tokenbroker/pkg/signing"
	"github.com/jeremyhahn/go-tokenbroker/pkg/types"
	"github.com/jeremyhahn/go-tokenbroker/pkg/validation"
	"github.com/jeremyhahn/go-tokenbroker/pkg/verification"
)

// ListCertificates reads the certificates on every token. No consent is
// involved.
func (b *Broker) ListCertificates(ctx context.Context) (certs []types.CertificateSummary, err error) {
	start := time.Now()
	defer func() { b.finish(ctx, metrics.OpListCertificates, "", "", start, err) }()

	return b.directory.ListCertificates(ctx)
}

// RequestCertificate asks the user to pick one of the token certificates
// and waits for the pick. The wait is unbounded; it ends when the consent
// side completes the request, a newer certificate request supersedes it
// (types.ErrChannelClosed), or ctx is cancelled.
func (b *Broker) RequestCertificate(ctx context.Context) (record *types.CertificateRecord, err error) {
	start := time.Now()
	defer func() {
		id := ""
		if record != nil {
			id = hex.EncodeToString(record.ID)
		}
		b.finish(ctx, metrics.OpRequestCertificate, string(consent.KindCertificate), id, start, err)
	}()

	candidates, err := b.directory.ListCertificates(ctx)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: the token holds no certificates", types.ErrCertificateNotFound)
	}

	choice := consent.CertificateChoice{Candidates: candidates, Requested: b.clock()}
	ticket, ch := b.certificates.Submit(choice)
	choice.Ticket = ticket

	if err := b.prompter.PresentCertificateChoice(ctx, choice); err != nil {
		_ = b.certificates.CompleteTicket(ticket, pending.Fail[*types.CertificateRecord](err))
		return nil, fmt.Errorf("present certificate choice: %w", err)
	}

	return pending.Await(ctx, ch)
}

// RequestSignature authenticates the requesting application, then asks the
// user to approve signing digestHex with the certificate certHex and waits
// for the answer. A request that fails authentication never reaches the
// pending slot or the prompter.
func (b *Broker) RequestSignature(ctx context.Context, certHex, digestHex, timestamp, counterSignature string) (signature string, err error) {
	start := time.Now()
	certID := ""
	defer func() {
		b.finish(ctx, metrics.OpRequestSignature, string(consent.KindSigning), certID, start, err)
	}()

	err = b.authenticator.Authenticate(verification.Request{
		CertificateID:    certHex,
		Timestamp:        timestamp,
		CounterSignature: counterSignature,
	})
	if err != nil {
		metrics.RecordError(metrics.OpAuthenticate, types.Kind(err))
		return "", err
	}

	req, err := b.newSigningRequest(certHex, digestHex, timestamp)
	if err != nil {
		return "", err
	}
	certID = req.summary.Fingerprint

	ticket, ch := b.signatures.Submit(req)
	req.summary.Ticket = ticket

	if err := b.prompter.PresentSigningConsent(ctx, req.summary); err != nil {
		_ = b.signatures.CompleteTicket(ticket, pending.Fail[*signing.Result](err))
		return "", fmt.Errorf("present signing consent: %w", err)
	}

	result, err := pending.Await(ctx, ch)
	if err != nil {
		return "", err
	}
	return result.Hex(), nil
}

func (b *Broker) newSigningRequest(certHex, digestHex, timestamp string) (signingRequest, error) {
	der, err := validation.DecodeHex("cert_hash", certHex, validation.MaxCertificateBytes)
	if err != nil {
		return signingRequest{}, err
	}
	digest, err := validation.DecodeHex("hash", digestHex, validation.MaxDigestBytes)
	if err != nil {
		return signingRequest{}, err
	}

	fingerprint := sha256.Sum256(der)
	summary := consent.SigningSummary{
		Fingerprint: hex.EncodeToString(fingerprint[:]),
		Digest:      hex.EncodeToString(digest),
		Timestamp:   timestamp,
		Requested:   b.clock(),
	}
	// The summary is informational; a certificate the parser rejects is
	// still matched byte-for-byte against the token at signing time.
	if cert, err := x509.ParseCertificate(der); err == nil {
		summary.Subject = cert.Subject.String()
		summary.Label = cert.Subject.CommonName
	}
	return signingRequest{certificate: der, digest: digest, summary: summary}, nil
}

// CompleteCertificateSelection answers the pending certificate prompt with
// the certificate whose hex CKA_ID is identifier. An identifier that is
// malformed or not on the token is returned to the caller and the prompt
// stays pending so the user can pick again.
func (b *Broker) CompleteCertificateSelection(ctx context.Context, identifier string) (err error) {
	start := time.Now()
	defer func() { b.finish(ctx, metrics.OpSelectCertificate, "", "", start, err) }()

	ticket, _, ok := b.certificates.Peek()
	if !ok {
		return types.ErrNoPendingRequest
	}

	id, err := validation.DecodeHex("id", identifier, validation.MaxIdentifierBytes)
	if err != nil {
		return err
	}

	record, err := b.directory.Record(ctx, id)
	switch {
	case err == nil:
		return b.certificates.CompleteTicket(ticket, pending.Ok(record))
	case errors.Is(err, types.ErrCertificateNotFound), errors.Is(err, types.ErrInvalidRequest):
		return err
	default:
		if cerr := b.certificates.CompleteTicket(ticket, pending.Fail[*types.CertificateRecord](err)); cerr != nil {
			return cerr
		}
		return err
	}
}

// CompleteSigning answers the pending signing prompt by signing with pin.
// A rejected PIN is returned to the caller and the prompt stays pending so
// the user can retry. A locked PIN and every other outcome are delivered to
// the waiting request and the error, if any, is also returned.
//
// The hardware work runs on the caller's goroutine and no slot state is
// held while it runs. If a newer request supersedes this one meanwhile, the
// signature is discarded and types.ErrNoPendingRequest is returned.
func (b *Broker) CompleteSigning(ctx context.Context, pin string) (err error) {
	start := time.Now()
	defer func() { b.finish(ctx, metrics.OpCompleteSigning, "", "", start, err) }()

	ticket, req, ok := b.signatures.Peek()
	if !ok {
		return types.ErrNoPendingRequest
	}

	result, err := b.signer.Sign(ctx, pin, req.certificate, req.digest)
	if errors.Is(err, types.ErrAuthFailure) && !errors.Is(err, types.ErrPINLocked) {
		logger.FromContext(ctx, b.logger).Info("PIN rejected, signing prompt stays pending",
			logger.String("ticket", string(ticket)))
		return err
	}

	outcome := pending.Ok(result)
	if err != nil {
		outcome = pending.Fail[*signing.Result](err)
	}
	if cerr := b.signatures.CompleteTicket(ticket, outcome); cerr != nil {
		return cerr
	}
	return err
}

// Status reports the prompts currently waiting for the user.
type Status struct {
	Certificate *consent.CertificateChoice `json:"certificate,omitempty"`
	Signing     *consent.SigningSummary    `json:"signing,omitempty"`
}

// Idle reports whether no prompt is waiting.
func (s Status) Idle() bool {
	return s.Certificate == nil && s.Signing == nil
}

// Status returns a snapshot of both slots.
func (b *Broker) Status() Status {
	var s Status
	if ticket, choice, ok := b.certificates.Peek(); ok {
		choice.Ticket = ticket
		s.Certificate = &choice
	}
	if ticket, req, ok := b.signatures.Peek(); ok {
		summary := req.summary
		summary.Ticket = ticket
		s.Signing = &summary
	}
	return s
}

func correlationID(ctx context.Context) string {
	return correlation.GetCorrelationID(ctx)
}
