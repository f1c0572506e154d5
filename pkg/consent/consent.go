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

// Package consent defines the port through which the broker asks the user
// to pick a certificate or approve a signature. The broker never renders
// anything itself; an implementation of Prompter tells whatever user
// interface is attached that a prompt is waiting, and that interface answers
// through the broker's completion operations.
package consent

import (
	"context"
	"time"

	"github.com/jeremyhahn/go-tokenbroker/pkg/adapters/logger"
	"github.com/jeremyhahn/go-tokenbroker/pkg/pending"
	"github.com/jeremyhahn/go-tokenbroker/pkg/types"
)

// Kind names a consent prompt kind.
type Kind string

const (
	KindCertificate Kind = "certificate"
	KindSigning     Kind = "signing"
)

// CertificateChoice asks the user to pick one of Candidates.
type CertificateChoice struct {
	Ticket     pending.Ticket
	Candidates []types.CertificateSummary
	Requested  time.Time
}

// SigningSummary is what the user is shown before entering their PIN.
type SigningSummary struct {
	Ticket pending.Ticket

	// Fingerprint is the hex SHA-256 of the certificate DER.
	Fingerprint string
	Label       string
	Subject     string

	// Digest is the lowercase hex of the bytes to be signed.
	Digest    string
	Timestamp string
	Requested time.Time
}

// Prompter presents consent prompts. Implementations must not block until
// the user answers; the answer arrives later through the broker.
type Prompter interface {
	PresentCertificateChoice(ctx context.Context, choice CertificateChoice) error
	PresentSigningConsent(ctx context.Context, summary SigningSummary) error
}

// LogPrompter logs every prompt. It is the prompter of last resort for a
// headless broker whose consent actions come from the CLI.
type LogPrompter struct {
	Logger logger.Logger
}

func (p *LogPrompter) PresentCertificateChoice(ctx context.Context, choice CertificateChoice) error {
	ids := make([]string, 0, len(choice.Candidates))
	for _, c := range choice.Candidates {
		ids = append(ids, c.HexID())
	}
	p.logger(ctx).Info("Certificate selection requested",
		logger.String("ticket", string(choice.Ticket)),
		logger.Strings("candidates", ids))
	return nil
}

func (p *LogPrompter) PresentSigningConsent(ctx context.Context, summary SigningSummary) error {
	p.logger(ctx).Info("Signing consent requested",
		logger.String("ticket", string(summary.Ticket)),
		logger.String("fingerprint", summary.Fingerprint),
		logger.String("subject", summary.Subject))
	return nil
}

func (p *LogPrompter) logger(ctx context.Context) logger.Logger {
	if p.Logger == nil {
		return logger.Discard()
	}
	return logger.FromContext(ctx, p.Logger)
}
