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

package certdir

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"math/big"

	"github.com/jeremyhahn/go-tokenbroker/pkg/token"
	"github.com/jeremyhahn/go-tokenbroker/pkg/types"
	"github.com/miekg/pkcs11"
	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// decodePublicKey builds the public key material from a public key object's
// attributes. Without CKA_KEY_TYPE the key is taken as EC when it carries a
// point.
func decodePublicKey(attrs map[uint][]byte) (types.PublicKeyMaterial, error) {
	raw, hasType := attrs[pkcs11.CKA_KEY_TYPE]
	if !hasType {
		if point, ok := attrs[pkcs11.CKA_EC_POINT]; ok {
			return &types.ECPublicKey{Point: point}, nil
		}
		return nil, fmt.Errorf("%w: public key has no CKA_KEY_TYPE and no CKA_EC_POINT", types.ErrUnsupportedKeyType)
	}

	keyType, ok := token.DecodeULong(raw)
	if !ok {
		return nil, fmt.Errorf("%w: malformed CKA_KEY_TYPE", types.ErrUnsupportedKeyType)
	}

	switch keyType {
	case pkcs11.CKK_RSA:
		modulus, hasModulus := attrs[pkcs11.CKA_MODULUS]
		exponent, hasExponent := attrs[pkcs11.CKA_PUBLIC_EXPONENT]
		if !hasModulus || !hasExponent {
			return nil, fmt.Errorf("%w: incomplete RSA public key attributes", types.ErrUnsupportedKeyType)
		}
		return &types.RSAPublicKey{Modulus: modulus, Exponent: exponent}, nil
	case pkcs11.CKK_EC:
		point, ok := attrs[pkcs11.CKA_EC_POINT]
		if !ok {
			return nil, fmt.Errorf("%w: EC public key has no CKA_EC_POINT", types.ErrUnsupportedKeyType)
		}
		return &types.ECPublicKey{Point: point}, nil
	default:
		return nil, fmt.Errorf("%w: CKK 0x%x", types.ErrUnsupportedKeyType, keyType)
	}
}

// PublicKey converts token key material into a crypto.PublicKey. EC points
// are accepted DER wrapped in an OCTET STRING, as the PKCS#11 standard
// requires, or bare as some middleware reports them. The curve is inferred
// from the point length.
func PublicKey(material types.PublicKeyMaterial) (crypto.PublicKey, error) {
	switch k := material.(type) {
	case *types.RSAPublicKey:
		e := new(big.Int).SetBytes(k.Exponent)
		if !e.IsInt64() || e.Int64() > 1<<31-1 || e.Sign() <= 0 {
			return nil, fmt.Errorf("%w: RSA exponent out of range", types.ErrUnsupportedKeyType)
		}
		return &rsa.PublicKey{N: new(big.Int).SetBytes(k.Modulus), E: int(e.Int64())}, nil
	case *types.ECPublicKey:
		point := unwrapOctetString(k.Point)
		var curve elliptic.Curve
		switch len(point) {
		case 65:
			curve = elliptic.P256()
		case 97:
			curve = elliptic.P384()
		case 133:
			curve = elliptic.P521()
		default:
			return nil, fmt.Errorf("%w: EC point of %d bytes", types.ErrUnsupportedKeyType, len(point))
		}
		pub, err := ecdsa.ParseUncompressedPublicKey(curve, point)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrUnsupportedKeyType, err)
		}
		return pub, nil
	default:
		return nil, fmt.Errorf("%w: %T", types.ErrUnsupportedKeyType, material)
	}
}

func unwrapOctetString(b []byte) []byte {
	switch len(b) {
	case 65, 97, 133:
		if b[0] == 0x04 {
			return b
		}
	}
	input := cryptobyte.String(b)
	var inner cryptobyte.String
	if input.ReadASN1(&inner, cbasn1.OCTET_STRING) && input.Empty() {
		return inner
	}
	return b
}

// MatchesCertificate reports whether the paired public key is the subject
// key of the certificate.
func MatchesCertificate(key *types.CertifiedKey) (bool, error) {
	cert, err := x509.ParseCertificate(key.Certificate)
	if err != nil {
		return false, fmt.Errorf("%w: %v", types.ErrInvalidRequest, err)
	}
	pub, err := PublicKey(key.PublicKey)
	if err != nil {
		return false, err
	}
	eq, ok := pub.(interface{ Equal(crypto.PublicKey) bool })
	if !ok {
		return false, nil
	}
	return eq.Equal(cert.PublicKey), nil
}
