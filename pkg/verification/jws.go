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
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"fmt"
	"strings"

	"github.com/go-jose/go-jose/v4"
	"github.com/jeremyhahn/go-tokenbroker/pkg/types"
)

func allowedAlgorithms(pub crypto.PublicKey) []jose.SignatureAlgorithm {
	switch pub.(type) {
	case *rsa.PublicKey:
		return []jose.SignatureAlgorithm{jose.RS256, jose.PS256}
	case *ecdsa.PublicKey:
		return []jose.SignatureAlgorithm{jose.ES256, jose.ES384, jose.ES512}
	case ed25519.PublicKey:
		return []jose.SignatureAlgorithm{jose.EdDSA}
	default:
		return nil
	}
}

// verifyJWS verifies a compact JWS whose payload is the canonical message.
// The payload segment is normally detached (empty); an attached payload must
// equal the canonical message exactly.
func verifyJWS(pub crypto.PublicKey, message []byte, compact string) error {
	algs := allowedAlgorithms(pub)
	parts := strings.Split(compact, ".")

	var (
		jws *jose.JSONWebSignature
		err error
	)
	if parts[1] == "" {
		jws, err = jose.ParseDetached(compact, message, algs)
	} else {
		jws, err = jose.ParseSigned(compact, algs)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrSignatureInvalid, err)
	}

	payload, err := jws.Verify(pub)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrSignatureInvalid, err)
	}
	if !bytes.Equal(payload, message) {
		return fmt.Errorf("%w: JWS payload is not the canonical message", types.ErrSignatureInvalid)
	}
	return nil
}
