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

// Package signing performs PIN-gated signatures with the private key that
// belongs to a certificate on the token.
package signing

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/jeremyhahn/go-tokenbroker/pkg/adapters/logger"
	"github.com/jeremyhahn/go-tokenbroker/pkg/mechanism"
	"github.com/jeremyhahn/go-tokenbroker/pkg/token"
	"github.com/jeremyhahn/go-tokenbroker/pkg/types"
	"github.com/miekg/pkcs11"
)

// Result describes a completed signature.
type Result struct {
	Signature     []byte
	CertificateID []byte
	Mechanism     mechanism.Mechanism
	Duration      time.Duration
}

// Hex renders the signature as lowercase hex for transport.
func (r *Result) Hex() string {
	return hex.EncodeToString(r.Signature)
}

// Engine signs with token private keys.
type Engine struct {
	gateway *token.Gateway
	logger  logger.Logger
}

// NewEngine creates a signing engine over gateway.
func NewEngine(gateway *token.Gateway, log logger.Logger) *Engine {
	if log == nil {
		log = logger.Discard()
	}
	return &Engine{gateway: gateway, logger: log}
}

// Sign logs in to the first slot with pin, locates the certificate whose
// CKA_VALUE is byte-for-byte certDER, and signs data with the private key
// sharing its CKA_ID. The mechanism is chosen from the private key type
// alone. data is passed to the token unchanged; callers supply a digest
// when the mechanism expects one.
func (e *Engine) Sign(ctx context.Context, pin string, certDER, data []byte) (*Result, error) {
	if len(certDER) == 0 {
		return nil, fmt.Errorf("%w: empty certificate", types.ErrInvalidRequest)
	}
	start := time.Now()
	log := logger.FromContext(ctx, e.logger)

	tctx, err := e.gateway.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer tctx.Close()

	slot, err := tctx.FirstSlot()
	if err != nil {
		return nil, err
	}

	session, err := tctx.OpenSession(slot, token.ReadWrite)
	if err != nil {
		return nil, err
	}
	defer session.Close()

	if err := session.Login(pin); err != nil {
		return nil, err
	}

	id, err := matchCertificate(session, certDER)
	if err != nil {
		return nil, err
	}

	keys, err := session.FindObjects(pkcs11.CKO_PRIVATE_KEY, id)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: id %x", types.ErrPrivateKeyNotFound, id)
	}
	key := keys[0]

	attrs, err := session.ReadAttributes(key, pkcs11.CKA_KEY_TYPE)
	if err != nil {
		return nil, err
	}
	raw, ok := attrs[pkcs11.CKA_KEY_TYPE]
	if !ok {
		return nil, fmt.Errorf("%w: private key %x has no CKA_KEY_TYPE", types.ErrUnsupportedKeyType, id)
	}
	keyType, ok := token.DecodeULong(raw)
	if !ok {
		return nil, fmt.Errorf("%w: malformed CKA_KEY_TYPE", types.ErrUnsupportedKeyType)
	}

	mech, err := mechanism.FromKeyType(keyType)
	if err != nil {
		return nil, err
	}

	if declared, err := mechanism.FromCertificate(certDER); err != nil {
		log.Debug("Certificate signature algorithm not recognized", logger.Error(err))
	} else if declared != mech {
		log.Warn("Certificate was signed with a different mechanism than the key signs with",
			logger.String("declared", declared.String()),
			logger.String("signing", mech.String()))
	}

	signature, err := session.Sign(mech.CKM(), key, data)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Signature:     signature,
		CertificateID: id,
		Mechanism:     mech,
		Duration:      time.Since(start),
	}
	log.Info("Signed with token key",
		logger.Hex("cert_id", id),
		logger.String("mechanism", mech.String()),
		logger.Int("slot", int(slot)),
		logger.Duration("duration_ms", result.Duration))
	return result, nil
}

// SignHex is Sign with the signature rendered as lowercase hex.
func (e *Engine) SignHex(ctx context.Context, pin string, certDER, data []byte) (string, error) {
	result, err := e.Sign(ctx, pin, certDER, data)
	if err != nil {
		return "", err
	}
	return result.Hex(), nil
}

// matchCertificate returns the CKA_ID of the certificate object whose value
// equals certDER.
func matchCertificate(session *token.Session, certDER []byte) ([]byte, error) {
	handles, err := session.FindObjects(pkcs11.CKO_CERTIFICATE, nil)
	if err != nil {
		return nil, err
	}
	for _, h := range handles {
		attrs, err := session.ReadAttributes(h, pkcs11.CKA_VALUE, pkcs11.CKA_ID)
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(attrs[pkcs11.CKA_VALUE], certDER) {
			continue
		}
		id, ok := attrs[pkcs11.CKA_ID]
		if !ok {
			return nil, fmt.Errorf("%w: matching certificate has no CKA_ID", types.ErrCertificateMismatch)
		}
		return id, nil
	}
	return nil, fmt.Errorf("%w: searched %d certificates", types.ErrCertificateMismatch, len(handles))
}
