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

// Package audit keeps a journal of consent-gated operations. Events record
// what was asked for and how it ended; they never carry PINs, digests or
// signatures.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jeremyhahn/go-tokenbroker/pkg/types"
)

var (
	// ErrClosed is returned when using a closed journal.
	ErrClosed = errors.New("audit: journal closed")

	// ErrInvalidEvent is returned for events without a kind or outcome.
	ErrInvalidEvent = errors.New("audit: invalid event")
)

// Outcome is how an audited operation ended.
type Outcome string

const (
	OutcomeSuccess    Outcome = "success"
	OutcomeFailure    Outcome = "failure"
	OutcomeSuperseded Outcome = "superseded"
	OutcomeRejected   Outcome = "rejected"
)

// Event is one journal entry.
type Event struct {
	ID            string    `json:"id"`
	Kind          string    `json:"kind"`
	CertificateID string    `json:"certificate_id,omitempty"`
	Outcome       Outcome   `json:"outcome"`
	ErrorKind     string    `json:"error_kind,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Time          time.Time `json:"time"`
}

// NewEvent builds an event for kind whose outcome is derived from err.
func NewEvent(kind, certificateID string, err error) Event {
	e := Event{
		ID:            uuid.NewString(),
		Kind:          kind,
		CertificateID: certificateID,
		Outcome:       OutcomeSuccess,
		Time:          time.Now().UTC(),
	}
	switch {
	case err == nil:
	case errors.Is(err, types.ErrChannelClosed):
		e.Outcome = OutcomeSuperseded
		e.ErrorKind = types.Kind(err)
	case errors.Is(err, types.ErrStaleRequest), errors.Is(err, types.ErrSignatureInvalid),
		errors.Is(err, types.ErrMalformedTimestamp):
		e.Outcome = OutcomeRejected
		e.ErrorKind = types.Kind(err)
	default:
		e.Outcome = OutcomeFailure
		e.ErrorKind = types.Kind(err)
	}
	return e
}

func (e *Event) validate() error {
	if e.Kind == "" || e.Outcome == "" {
		return ErrInvalidEvent
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	return nil
}

// Journal stores events. List returns the newest events first.
type Journal interface {
	Record(ctx context.Context, event Event) error
	List(ctx context.Context, limit int) ([]Event, error)
	Close() error
}
