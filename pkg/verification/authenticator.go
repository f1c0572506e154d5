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

// Package verification authenticates the application that submits a signing
// request. A request carries a timestamp and a counter-signature over
// "<certificate id>_<timestamp>" made with a key provisioned out of band;
// only requests that are fresh and correctly counter-signed may raise a
// consent prompt.
package verification

import (
	"crypto"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jeremyhahn/go-tokenbroker/pkg/adapters/logger"
	"github.com/jeremyhahn/go-tokenbroker/pkg/types"
)

// DefaultMaxSkew is the largest accepted distance between a request
// timestamp and the local clock, in either direction.
const DefaultMaxSkew = 300 * time.Second

// ErrNoTrustedKey is returned by NewAuthenticator without a trusted key.
var ErrNoTrustedKey = errors.New("verification: trusted key is required")

// Request is the authenticated part of a signing request.
type Request struct {
	// CertificateID is the value the counter-signature covers, verbatim as
	// received.
	CertificateID string

	// Timestamp is an RFC 3339 instant, verbatim as received.
	Timestamp string

	// CounterSignature is a hex or base64 raw signature, or a compact JWS.
	CounterSignature string
}

// CanonicalMessage returns the exact bytes the counter-signature covers.
func CanonicalMessage(certificateID, timestamp string) []byte {
	return []byte(certificateID + "_" + timestamp)
}

// Config configures an Authenticator.
type Config struct {
	TrustedKey crypto.PublicKey

	// MaxSkew defaults to DefaultMaxSkew.
	MaxSkew time.Duration

	// Clock defaults to time.Now.
	Clock func() time.Time

	Logger logger.Logger
}

// Authenticator gates signing requests.
type Authenticator struct {
	trustedKey crypto.PublicKey
	maxSkew    time.Duration
	clock      func() time.Time
	logger     logger.Logger
}

// NewAuthenticator creates an authenticator trusting config.TrustedKey.
func NewAuthenticator(config *Config) (*Authenticator, error) {
	if config == nil || config.TrustedKey == nil {
		return nil, ErrNoTrustedKey
	}
	if err := checkKeyType(config.TrustedKey); err != nil {
		return nil, err
	}
	a := &Authenticator{
		trustedKey: config.TrustedKey,
		maxSkew:    config.MaxSkew,
		clock:      config.Clock,
		logger:     config.Logger,
	}
	if a.maxSkew <= 0 {
		a.maxSkew = DefaultMaxSkew
	}
	if a.clock == nil {
		a.clock = time.Now
	}
	if a.logger == nil {
		a.logger = logger.Discard()
	}
	return a, nil
}

// MaxSkew returns the accepted timestamp window.
func (a *Authenticator) MaxSkew() time.Duration {
	return a.maxSkew
}

// Authenticate checks, in order, that the timestamp parses, that it lies
// within MaxSkew of now, and that the counter-signature verifies over the
// canonical message. Freshness is decided before the signature is looked at.
func (a *Authenticator) Authenticate(req Request) error {
	ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(req.Timestamp))
	if err != nil {
		return fmt.Errorf("%w: %q", types.ErrMalformedTimestamp, req.Timestamp)
	}

	skew := a.clock().Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > a.maxSkew {
		return fmt.Errorf("%w: timestamp %s is %s from now, limit %s",
			types.ErrStaleRequest, req.Timestamp, skew.Truncate(time.Second), a.maxSkew)
	}

	message := CanonicalMessage(req.CertificateID, req.Timestamp)
	if err := verifyCounterSignature(a.trustedKey, message, req.CounterSignature); err != nil {
		a.logger.Warn("Rejected request counter-signature",
			logger.String("timestamp", req.Timestamp),
			logger.Error(err))
		return err
	}
	return nil
}
