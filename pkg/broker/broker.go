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

// Package broker implements the operations a local web application uses to
// reach the hardware token: listing certificates, asking the user to pick
// one, and asking the user to approve a signature with their PIN.
//
// A Broker is an explicit per-process context object. Each consent-gated
// request kind has its own pending slot; the inbound call registers itself
// in the slot, presents a prompt, and waits for the consent side to call
// the matching Complete operation.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jeremyhahn/go-tokenbroker/pkg/adapters/logger"
	"github.com/jeremyhahn/go-tokenbroker/pkg/audit"
	"github.com/jeremyhahn/go-tokenbroker/pkg/consent"
	"github.com/jeremyhahn/go-tokenbroker/pkg/metrics"
	"github.com/jeremyhahn/go-tokenbroker/pkg/pending"
	"github.com/jeremyhahn/go-tokenbroker/pkg/signing"
	"github.com/jeremyhahn/go-tokenbroker/pkg/types"
	"github.com/jeremyhahn/go-tokenbroker/pkg/verification"
)

var (
	// ErrMissingDependency is returned by New when a required option is nil.
	ErrMissingDependency = errors.New("broker: missing dependency")
)

// CertificateDirectory reads public certificate objects from the token.
type CertificateDirectory interface {
	ListCertificates(ctx context.Context) ([]types.CertificateSummary, error)
	Record(ctx context.Context, id []byte) (*types.CertificateRecord, error)
}

// Signer performs PIN-gated signatures.
type Signer interface {
	Sign(ctx context.Context, pin string, certDER, data []byte) (*signing.Result, error)
}

// Authenticator checks the requesting application's counter-signature.
type Authenticator interface {
	Authenticate(req verification.Request) error
}

// Options configures a Broker. Directory, Signer and Authenticator are
// required.
type Options struct {
	Directory     CertificateDirectory
	Signer        Signer
	Authenticator Authenticator

	// Prompter defaults to a consent.LogPrompter.
	Prompter consent.Prompter

	// Journal defaults to an in-memory journal.
	Journal audit.Journal

	Logger logger.Logger

	// Clock defaults to time.Now.
	Clock func() time.Time
}

type (
	certificateSlot = pending.Slot[consent.CertificateChoice, *types.CertificateRecord]
	signingSlot     = pending.Slot[signingRequest, *signing.Result]
)

// signingRequest is the data held in the signing slot while the user
// decides.
type signingRequest struct {
	certificate []byte
	digest      []byte
	summary     consent.SigningSummary
}

// Broker is the process-wide broker state.
type Broker struct {
	directory     CertificateDirectory
	signer        Signer
	authenticator Authenticator
	prompter      consent.Prompter
	journal       audit.Journal
	logger        logger.Logger
	clock         func() time.Time

	certificates *certificateSlot
	signatures   *signingSlot

	// gaugeMu orders pending gauge updates so the last one reads the
	// latest slot state.
	gaugeMu sync.Mutex
}

// New creates a broker with both slots idle.
func New(opts Options) (*Broker, error) {
	switch {
	case opts.Directory == nil:
		return nil, fmt.Errorf("%w: directory", ErrMissingDependency)
	case opts.Signer == nil:
		return nil, fmt.Errorf("%w: signer", ErrMissingDependency)
	case opts.Authenticator == nil:
		return nil, fmt.Errorf("%w: authenticator", ErrMissingDependency)
	}

	b := &Broker{
		directory:     opts.Directory,
		signer:        opts.Signer,
		authenticator: opts.Authenticator,
		prompter:      opts.Prompter,
		journal:       opts.Journal,
		logger:        opts.Logger,
		clock:         opts.Clock,
	}
	if b.logger == nil {
		b.logger = logger.Discard()
	}
	if b.prompter == nil {
		b.prompter = &consent.LogPrompter{Logger: b.logger}
	}
	if b.journal == nil {
		b.journal = audit.NewMemoryJournal(0)
	}
	if b.clock == nil {
		b.clock = time.Now
	}

	b.certificates = pending.NewSlot[consent.CertificateChoice, *types.CertificateRecord](
		string(consent.KindCertificate), b.observe)
	b.signatures = pending.NewSlot[signingRequest, *signing.Result](
		string(consent.KindSigning), b.observe)
	return b, nil
}

// Journal returns the audit journal the broker records to.
func (b *Broker) Journal() audit.Journal {
	return b.journal
}

func (b *Broker) observe(tr pending.Transition) {
	switch tr.To {
	case pending.Superseded:
		metrics.RecordSuperseded(tr.Kind)
		b.logger.Warn("Pending request superseded by a newer request",
			logger.String("kind", tr.Kind),
			logger.String("ticket", string(tr.Ticket)))
	case pending.Pending, pending.Fulfilled:
	default:
		return
	}

	// Transitions are reported after the fact and may arrive out of order,
	// so the gauge follows the slot rather than the transition.
	b.gaugeMu.Lock()
	defer b.gaugeMu.Unlock()
	switch consent.Kind(tr.Kind) {
	case consent.KindCertificate:
		metrics.SetPending(tr.Kind, b.certificates.Pending())
	case consent.KindSigning:
		metrics.SetPending(tr.Kind, b.signatures.Pending())
	}
}

// finish records metrics and the audit event for one operation.
func (b *Broker) finish(ctx context.Context, op, kind, certificateID string, start time.Time, err error) {
	metrics.RecordOperation(op, metrics.Status(err), time.Since(start).Seconds())
	if err != nil {
		metrics.RecordError(op, types.Kind(err))
	}
	if kind == "" {
		return
	}

	event := audit.NewEvent(kind, certificateID, err)
	event.CorrelationID = correlationID(ctx)
	if jerr := b.journal.Record(context.WithoutCancel(ctx), event); jerr != nil {
		logger.FromContext(ctx, b.logger).Warn("Failed to record audit event",
			logger.String("kind", kind),
			logger.Error(jerr))
	}
}
