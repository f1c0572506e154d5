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

// Package certdir enumerates certificates on the token and pairs them with
// their public keys. Only public objects are read without a PIN.
package certdir

import (
	"context"
	"fmt"

	"github.com/jeremyhahn/go-tokenbroker/pkg/adapters/logger"
	"github.com/jeremyhahn/go-tokenbroker/pkg/token"
	"github.com/jeremyhahn/go-tokenbroker/pkg/types"
	"github.com/miekg/pkcs11"
)

// Directory reads certificate and key objects through a token gateway.
type Directory struct {
	gateway *token.Gateway
	logger  logger.Logger
}

// New creates a directory over gateway.
func New(gateway *token.Gateway, log logger.Logger) *Directory {
	if log == nil {
		log = logger.Discard()
	}
	return &Directory{gateway: gateway, logger: log}
}

// ListCertificates returns every certificate on every slot holding a token,
// in slot order and then discovery order within the slot.
func (d *Directory) ListCertificates(ctx context.Context) ([]types.CertificateSummary, error) {
	tctx, err := d.gateway.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer tctx.Close()

	slots, err := tctx.Slots()
	if err != nil {
		return nil, err
	}

	summaries := make([]types.CertificateSummary, 0)
	for _, slot := range slots {
		found, err := d.listSlot(tctx, slot)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, found...)
	}

	logger.FromContext(ctx, d.logger).Debug("Listed certificates",
		logger.Int("slots", len(slots)),
		logger.Int("certificates", len(summaries)))
	return summaries, nil
}

func (d *Directory) listSlot(tctx *token.Context, slot uint) ([]types.CertificateSummary, error) {
	session, err := tctx.OpenSession(slot, token.ReadOnly)
	if err != nil {
		return nil, err
	}
	defer session.Close()

	handles, err := session.FindObjects(pkcs11.CKO_CERTIFICATE, nil)
	if err != nil {
		return nil, err
	}

	out := make([]types.CertificateSummary, 0, len(handles))
	for _, h := range handles {
		attrs, err := session.ReadAttributes(h, pkcs11.CKA_ID, pkcs11.CKA_LABEL)
		if err != nil {
			return nil, err
		}
		out = append(out, types.CertificateSummary{
			ID:    attrs[pkcs11.CKA_ID],
			Label: label(attrs),
		})
	}
	return out, nil
}

// Record returns the certificate whose CKA_ID equals id on the first slot
// where one exists. No login is performed.
func (d *Directory) Record(ctx context.Context, id []byte) (*types.CertificateRecord, error) {
	if len(id) == 0 {
		return nil, fmt.Errorf("%w: empty certificate identifier", types.ErrInvalidRequest)
	}

	tctx, err := d.gateway.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer tctx.Close()

	slots, err := tctx.Slots()
	if err != nil {
		return nil, err
	}

	for _, slot := range slots {
		record, err := d.recordOnSlot(tctx, slot, id)
		if err != nil {
			return nil, err
		}
		if record != nil {
			return record, nil
		}
	}
	return nil, fmt.Errorf("%w: id %x", types.ErrCertificateNotFound, id)
}

func (d *Directory) recordOnSlot(tctx *token.Context, slot uint, id []byte) (*types.CertificateRecord, error) {
	session, err := tctx.OpenSession(slot, token.ReadOnly)
	if err != nil {
		return nil, err
	}
	defer session.Close()

	handles, err := session.FindObjects(pkcs11.CKO_CERTIFICATE, id)
	if err != nil {
		return nil, err
	}
	for _, h := range handles {
		attrs, err := session.ReadAttributes(h, pkcs11.CKA_VALUE, pkcs11.CKA_LABEL)
		if err != nil {
			return nil, err
		}
		der, ok := attrs[pkcs11.CKA_VALUE]
		if !ok {
			continue
		}
		return &types.CertificateRecord{ID: id, Label: label(attrs), DER: der}, nil
	}
	return nil, nil
}

// ExtractCertificateBytes returns the DER encoding of the certificate with
// the given CKA_ID.
func (d *Directory) ExtractCertificateBytes(ctx context.Context, id []byte) ([]byte, error) {
	record, err := d.Record(ctx, id)
	if err != nil {
		return nil, err
	}
	return record.DER, nil
}

// ExtractFirstCertificate logs in to the first slot and returns the DER of
// the first certificate object found.
func (d *Directory) ExtractFirstCertificate(ctx context.Context, pin string) ([]byte, error) {
	var der []byte
	err := d.withLogin(ctx, pin, func(session *token.Session) error {
		_, attrs, err := firstCertificate(session)
		if err != nil {
			return err
		}
		der = attrs[pkcs11.CKA_VALUE]
		return nil
	})
	return der, err
}

// ExtractCertifiedKey logs in to the first slot, reads the first
// certificate and the public key object that shares its CKA_ID.
func (d *Directory) ExtractCertifiedKey(ctx context.Context, pin string) (*types.CertifiedKey, error) {
	var key *types.CertifiedKey
	err := d.withLogin(ctx, pin, func(session *token.Session) error {
		id, attrs, err := firstCertificate(session)
		if err != nil {
			return err
		}

		// A certificate without CKA_ID is paired with the first public key
		pubs, err := session.FindObjects(pkcs11.CKO_PUBLIC_KEY, id)
		if err != nil {
			return err
		}
		if len(pubs) == 0 {
			return fmt.Errorf("%w: no public key object shares id %x", types.ErrUnsupportedKeyType, id)
		}

		pubAttrs, err := session.ReadAttributes(pubs[0],
			pkcs11.CKA_KEY_TYPE, pkcs11.CKA_MODULUS, pkcs11.CKA_PUBLIC_EXPONENT, pkcs11.CKA_EC_POINT)
		if err != nil {
			return err
		}
		material, err := decodePublicKey(pubAttrs)
		if err != nil {
			return err
		}
		key = &types.CertifiedKey{Certificate: attrs[pkcs11.CKA_VALUE], PublicKey: material}
		return nil
	})
	return key, err
}

func (d *Directory) withLogin(ctx context.Context, pin string, fn func(*token.Session) error) error {
	tctx, err := d.gateway.Open(ctx)
	if err != nil {
		return err
	}
	defer tctx.Close()

	slot, err := tctx.FirstSlot()
	if err != nil {
		return err
	}

	session, err := tctx.OpenSession(slot, token.ReadOnly)
	if err != nil {
		return err
	}
	defer session.Close()

	if err := session.Login(pin); err != nil {
		return err
	}
	return fn(session)
}

func firstCertificate(session *token.Session) ([]byte, map[uint][]byte, error) {
	handles, err := session.FindObjects(pkcs11.CKO_CERTIFICATE, nil)
	if err != nil {
		return nil, nil, err
	}
	if len(handles) == 0 {
		return nil, nil, fmt.Errorf("%w: no certificate objects on slot %d", types.ErrCertificateNotFound, session.Slot())
	}
	attrs, err := session.ReadAttributes(handles[0], pkcs11.CKA_VALUE, pkcs11.CKA_ID)
	if err != nil {
		return nil, nil, err
	}
	if _, ok := attrs[pkcs11.CKA_VALUE]; !ok {
		return nil, nil, fmt.Errorf("%w: certificate object has no CKA_VALUE", types.ErrCertificateNotFound)
	}
	return attrs[pkcs11.CKA_ID], attrs, nil
}

func label(attrs map[uint][]byte) string {
	if l, ok := attrs[pkcs11.CKA_LABEL]; ok {
		return string(l)
	}
	return types.DefaultCertificateLabel
}
