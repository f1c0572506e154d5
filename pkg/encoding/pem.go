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

// Package encoding converts certificates and public keys between DER and
// PEM, the forms they take on the token and on disk.
package encoding

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// PEM block types
const (
	PEMTypePublicKey    = "PUBLIC KEY"
	PEMTypeRSAPublicKey = "RSA PUBLIC KEY"
	PEMTypeCertificate  = "CERTIFICATE"
)

// EncodeCertificatePEM wraps a DER certificate in a CERTIFICATE block.
//
// Example:
//
//	pemData, err := encoding.EncodeCertificatePEM(record.DER)
func EncodeCertificatePEM(der []byte) ([]byte, error) {
	if len(der) == 0 {
		return nil, ErrInvalidCertificate
	}
	var buf bytes.Buffer
	if err := pem.Encode(&buf, &pem.Block{Type: PEMTypeCertificate, Bytes: der}); err != nil {
		return nil, fmt.Errorf("failed to encode certificate PEM: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodePublicKeyPEM encodes a public key as a PKIX PUBLIC KEY block.
func EncodePublicKeyPEM(publicKey crypto.PublicKey) ([]byte, error) {
	if publicKey == nil {
		return nil, ErrInvalidPublicKey
	}
	der, err := x509.MarshalPKIXPublicKey(publicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	var buf bytes.Buffer
	if err := pem.Encode(&buf, &pem.Block{Type: PEMTypePublicKey, Bytes: der}); err != nil {
		return nil, fmt.Errorf("failed to encode public key PEM: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodePublicKey parses a public key from PEM or raw DER. PKIX public keys,
// PKCS#1 RSA public keys and certificates (whose subject key is returned)
// are accepted.
//
// Example:
//
//	key, err := encoding.DecodePublicKey(pemData)
//	rsaPub := key.(*rsa.PublicKey)
func DecodePublicKey(data []byte) (crypto.PublicKey, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrInvalidData
	}

	if bytes.Contains(data, []byte("-----BEGIN")) {
		block, _ := pem.Decode(data)
		if block == nil {
			return nil, ErrInvalidPEMEncoding
		}
		switch block.Type {
		case PEMTypeCertificate:
			return publicKeyFromCertificate(block.Bytes)
		case PEMTypeRSAPublicKey:
			key, err := x509.ParsePKCS1PublicKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
			}
			return key, nil
		default:
			return parseDER(block.Bytes)
		}
	}
	return parseDER(data)
}

func parseDER(der []byte) (crypto.PublicKey, error) {
	if key, err := x509.ParsePKIXPublicKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS1PublicKey(der); err == nil {
		return key, nil
	}
	return publicKeyFromCertificate(der)
}

func publicKeyFromCertificate(der []byte) (crypto.PublicKey, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return cert.PublicKey, nil
}
