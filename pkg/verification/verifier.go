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

package verification

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/jeremyhahn/go-tokenbroker/pkg/types"
)

func checkKeyType(pub crypto.PublicKey) error {
	switch pub.(type) {
	case *rsa.PublicKey, *ecdsa.PublicKey, ed25519.PublicKey:
		return nil
	default:
		return fmt.Errorf("%w: trusted key type %T", types.ErrUnsupportedKeyType, pub)
	}
}

// verifyCounterSignature accepts a compact JWS, or a raw signature encoded
// as hex or any base64 alphabet. Every plausible decoding is tried; the
// request is accepted when one of them verifies.
func verifyCounterSignature(pub crypto.PublicKey, message []byte, encoded string) error {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return fmt.Errorf("%w: empty counter-signature", types.ErrSignatureInvalid)
	}

	if strings.Count(encoded, ".") == 2 {
		return verifyJWS(pub, message, encoded)
	}

	candidates := decodeSignature(encoded)
	if len(candidates) == 0 {
		return fmt.Errorf("%w: counter-signature is neither hex nor base64", types.ErrSignatureInvalid)
	}
	for _, sig := range candidates {
		if verifyRaw(pub, message, sig) == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: counter-signature does not verify with the trusted key", types.ErrSignatureInvalid)
}

func decodeSignature(s string) [][]byte {
	var out [][]byte
	if b, err := hex.DecodeString(s); err == nil {
		out = append(out, b)
	}
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding,
		base64.URLEncoding, base64.RawURLEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil {
			out = append(out, b)
			break
		}
	}
	return out
}

// verifyRaw checks a raw signature over message. RSA uses PKCS#1 v1.5 with
// SHA-256, ECDSA uses SHA-256 with either an ASN.1 or a fixed-width r||s
// signature (the form WebCrypto produces), Ed25519 signs the message itself.
func verifyRaw(pub crypto.PublicKey, message, signature []byte) error {
	digest := sha256.Sum256(message)

	switch key := pub.(type) {
	case *rsa.PublicKey:
		if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], signature); err != nil {
			return fmt.Errorf("%w: %v", types.ErrSignatureInvalid, err)
		}
		return nil
	case *ecdsa.PublicKey:
		if ecdsa.VerifyASN1(key, digest[:], signature) {
			return nil
		}
		size := (key.Curve.Params().BitSize + 7) / 8
		if len(signature) == 2*size {
			r := new(big.Int).SetBytes(signature[:size])
			s := new(big.Int).SetBytes(signature[size:])
			if ecdsa.Verify(key, digest[:], r, s) {
				return nil
			}
		}
		return types.ErrSignatureInvalid
	case ed25519.PublicKey:
		if ed25519.Verify(key, message, signature) {
			return nil
		}
		return types.ErrSignatureInvalid
	default:
		return fmt.Errorf("%w: unsupported trusted key %T", types.ErrSignatureInvalid, pub)
	}
}
