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

// Package mechanism maps certificate and key metadata to PKCS#11 signing
// mechanisms.
//
// Two resolution paths exist and are deliberately kept apart:
//
//  1. FromCertificate / FromSignatureAlgorithm derive the mechanism the
//     certificate itself was signed with.
//  2. FromKeyType derives the mechanism used to sign with a private key:
//     RSA keys always use CKM_SHA256_RSA_PKCS and EC keys use plain
//     CKM_ECDSA over the caller supplied digest.
//
// The paths can disagree, for example a certificate signed with SHA-384/RSA
// whose key still signs with SHA-256/RSA. Signing uses path 2 only because
// relying parties expect the fixed mechanism.
package mechanism

import (
	"crypto/x509"
	encasn1 "encoding/asn1"
	"fmt"

	"github.com/jeremyhahn/go-tokenbroker/pkg/types"
	"github.com/miekg/pkcs11"
	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// Mechanism is a CKM_* signing mechanism.
type Mechanism uint

const (
	RSAPKCS       Mechanism = pkcs11.CKM_RSA_PKCS
	SHA1RSAPKCS   Mechanism = pkcs11.CKM_SHA1_RSA_PKCS
	SHA224RSAPKCS Mechanism = pkcs11.CKM_SHA224_RSA_PKCS
	SHA256RSAPKCS Mechanism = pkcs11.CKM_SHA256_RSA_PKCS
	SHA384RSAPKCS Mechanism = pkcs11.CKM_SHA384_RSA_PKCS
	SHA512RSAPKCS Mechanism = pkcs11.CKM_SHA512_RSA_PKCS
	ECDSA         Mechanism = pkcs11.CKM_ECDSA
	ECDSASHA1     Mechanism = pkcs11.CKM_ECDSA_SHA1
	ECDSASHA224   Mechanism = pkcs11.CKM_ECDSA_SHA224
	ECDSASHA256   Mechanism = pkcs11.CKM_ECDSA_SHA256
	ECDSASHA384   Mechanism = pkcs11.CKM_ECDSA_SHA384
	ECDSASHA512   Mechanism = pkcs11.CKM_ECDSA_SHA512
)

var names = map[Mechanism]string{
	RSAPKCS:       "CKM_RSA_PKCS",
	SHA1RSAPKCS:   "CKM_SHA1_RSA_PKCS",
	SHA224RSAPKCS: "CKM_SHA224_RSA_PKCS",
	SHA256RSAPKCS: "CKM_SHA256_RSA_PKCS",
	SHA384RSAPKCS: "CKM_SHA384_RSA_PKCS",
	SHA512RSAPKCS: "CKM_SHA512_RSA_PKCS",
	ECDSA:         "CKM_ECDSA",
	ECDSASHA1:     "CKM_ECDSA_SHA1",
	ECDSASHA224:   "CKM_ECDSA_SHA224",
	ECDSASHA256:   "CKM_ECDSA_SHA256",
	ECDSASHA384:   "CKM_ECDSA_SHA384",
	ECDSASHA512:   "CKM_ECDSA_SHA512",
}

func (m Mechanism) String() string {
	if name, ok := names[m]; ok {
		return name
	}
	return fmt.Sprintf("CKM_0x%08X", uint(m))
}

// CKM returns the raw PKCS#11 mechanism value.
func (m Mechanism) CKM() uint {
	return uint(m)
}

// Signature algorithm OIDs. crypto/x509 has no SignatureAlgorithm value for
// the SHA-224 variants or for plain rsaEncryption, so certificates are
// resolved from the raw OID.
var (
	oidRSAEncryption   = encasn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}
	oidSHA1WithRSA     = encasn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 5}
	oidSHA256WithRSA   = encasn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}
	oidSHA384WithRSA   = encasn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 12}
	oidSHA512WithRSA   = encasn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 13}
	oidSHA224WithRSA   = encasn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 14}
	oidECDSAWithSHA1   = encasn1.ObjectIdentifier{1, 2, 840, 10045, 4, 1}
	oidECDSAWithSHA224 = encasn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 1}
	oidECDSAWithSHA256 = encasn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
	oidECDSAWithSHA384 = encasn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 3}
	oidECDSAWithSHA512 = encasn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 4}
)

var byOID = []struct {
	oid       encasn1.ObjectIdentifier
	mechanism Mechanism
}{
	{oidRSAEncryption, RSAPKCS},
	{oidSHA1WithRSA, SHA1RSAPKCS},
	{oidSHA224WithRSA, SHA224RSAPKCS},
	{oidSHA256WithRSA, SHA256RSAPKCS},
	{oidSHA384WithRSA, SHA384RSAPKCS},
	{oidSHA512WithRSA, SHA512RSAPKCS},
	{oidECDSAWithSHA1, ECDSASHA1},
	{oidECDSAWithSHA224, ECDSASHA224},
	{oidECDSAWithSHA256, ECDSASHA256},
	{oidECDSAWithSHA384, ECDSASHA384},
	{oidECDSAWithSHA512, ECDSASHA512},
}

// FromSignatureAlgorithm maps a parsed certificate's signature algorithm.
func FromSignatureAlgorithm(alg x509.SignatureAlgorithm) (Mechanism, error) {
	switch alg {
	case x509.SHA1WithRSA:
		return SHA1RSAPKCS, nil
	case x509.SHA256WithRSA:
		return SHA256RSAPKCS, nil
	case x509.SHA384WithRSA:
		return SHA384RSAPKCS, nil
	case x509.SHA512WithRSA:
		return SHA512RSAPKCS, nil
	case x509.ECDSAWithSHA1:
		return ECDSASHA1, nil
	case x509.ECDSAWithSHA256:
		return ECDSASHA256, nil
	case x509.ECDSAWithSHA384:
		return ECDSASHA384, nil
	case x509.ECDSAWithSHA512:
		return ECDSASHA512, nil
	default:
		return 0, fmt.Errorf("%w: %s", types.ErrUnsupportedAlgorithm, alg)
	}
}

// FromOID maps a signatureAlgorithm object identifier.
func FromOID(oid encasn1.ObjectIdentifier) (Mechanism, error) {
	for _, entry := range byOID {
		if entry.oid.Equal(oid) {
			return entry.mechanism, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", types.ErrUnsupportedAlgorithm, oid)
}

// FromCertificate resolves the mechanism a DER certificate was signed with.
func FromCertificate(der []byte) (Mechanism, error) {
	oid, err := SignatureAlgorithmOID(der)
	if err != nil {
		return 0, err
	}
	return FromOID(oid)
}

// SignatureAlgorithmOID reads the outer signatureAlgorithm of a DER
// certificate without fully parsing it.
func SignatureAlgorithmOID(der []byte) (encasn1.ObjectIdentifier, error) {
	input := cryptobyte.String(der)
	var cert, algID cryptobyte.String
	var oid encasn1.ObjectIdentifier
	if !input.ReadASN1(&cert, cbasn1.SEQUENCE) ||
		!cert.SkipASN1(cbasn1.SEQUENCE) ||
		!cert.ReadASN1(&algID, cbasn1.SEQUENCE) ||
		!algID.ReadASN1ObjectIdentifier(&oid) {
		return nil, fmt.Errorf("%w: malformed certificate signature algorithm", types.ErrUnsupportedAlgorithm)
	}
	return oid, nil
}

// FromKeyType maps a CKA_KEY_TYPE value to the signing mechanism.
func FromKeyType(keyType uint) (Mechanism, error) {
	switch keyType {
	case pkcs11.CKK_RSA:
		return SHA256RSAPKCS, nil
	case pkcs11.CKK_EC:
		return ECDSA, nil
	default:
		return 0, fmt.Errorf("%w: CKK 0x%x", types.ErrUnsupportedKeyType, keyType)
	}
}
