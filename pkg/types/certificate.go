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

// Package types holds the records shared between the token directory, the
// signing engine and the broker, along with the broker's error taxonomy.
package types

import (
	"encoding/hex"
	"fmt"
)

// DefaultCertificateLabel is reported for certificate objects that carry no
// CKA_LABEL attribute.
const DefaultCertificateLabel = "Unnamed Certificate"

// CertificateSummary is the public, consent-free view of a certificate object
// on the token.
type CertificateSummary struct {
	// ID is the token-assigned CKA_ID shared by the certificate and its
	// private key. Unique within one token only.
	ID []byte

	// Label is the CKA_LABEL, or DefaultCertificateLabel when absent.
	Label string
}

// HexID returns the identifier as lowercase hex, the form used on the wire.
func (s CertificateSummary) HexID() string {
	return hex.EncodeToString(s.ID)
}

// CertificateRecord is a certificate object together with its DER encoding.
type CertificateRecord struct {
	ID    []byte
	Label string
	DER   []byte
}

// Summary drops the DER bytes.
func (r *CertificateRecord) Summary() CertificateSummary {
	return CertificateSummary{ID: r.ID, Label: r.Label}
}

// PublicKeyMaterial is the raw public key read from a token public-key
// object. It is either *RSAPublicKey or *ECPublicKey. It is used for display
// and verification only; signing always happens on the token.
type PublicKeyMaterial interface {
	// Algorithm returns "RSA" or "EC".
	Algorithm() string
}

// RSAPublicKey holds the big-endian CKA_MODULUS and CKA_PUBLIC_EXPONENT.
type RSAPublicKey struct {
	Modulus  []byte
	Exponent []byte
}

// Algorithm implements PublicKeyMaterial.
func (k *RSAPublicKey) Algorithm() string { return "RSA" }

// ECPublicKey holds the DER-encoded CKA_EC_POINT.
type ECPublicKey struct {
	Point []byte
}

// Algorithm implements PublicKeyMaterial.
func (k *ECPublicKey) Algorithm() string { return "EC" }

// CertifiedKey pairs a certificate with the public key sharing its CKA_ID.
type CertifiedKey struct {
	Certificate []byte
	PublicKey   PublicKeyMaterial
}

func (k *CertifiedKey) String() string {
	alg := "<none>"
	if k.PublicKey != nil {
		alg = k.PublicKey.Algorithm()
	}
	return fmt.Sprintf("CertifiedKey{Certificate: %d bytes, PublicKey: %s}", len(k.Certificate), alg)
}
