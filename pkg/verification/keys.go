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
	"encoding/base64"
	"fmt"
	"os"

	"github.com/go-jose/go-jose/v4"
	"github.com/jeremyhahn/go-tokenbroker/pkg/encoding"
)

// LoadTrustedKey parses the trusted request-signing key. PEM or DER PKIX
// keys, PKCS#1 RSA keys, certificates and JWK JSON documents are accepted.
// Private JWKs are reduced to their public half.
func LoadTrustedKey(data []byte) (crypto.PublicKey, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var jwk jose.JSONWebKey
		if err := jwk.UnmarshalJSON(trimmed); err != nil {
			return nil, fmt.Errorf("%w: %v", encoding.ErrInvalidPublicKey, err)
		}
		if !jwk.IsPublic() {
			jwk = jwk.Public()
		}
		if jwk.Key == nil {
			return nil, encoding.ErrInvalidPublicKey
		}
		return checked(jwk.Key)
	}

	key, err := encoding.DecodePublicKey(data)
	if err != nil {
		return nil, err
	}
	return checked(key)
}

func checked(key crypto.PublicKey) (crypto.PublicKey, error) {
	if err := checkKeyType(key); err != nil {
		return nil, err
	}
	return key, nil
}

// LoadTrustedKeyFile reads and parses the trusted key at path.
func LoadTrustedKeyFile(path string) (crypto.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read trusted key: %w", err)
	}
	return LoadTrustedKey(data)
}

// Thumbprint returns the RFC 7638 SHA-256 thumbprint of key, base64url
// encoded. It identifies the trusted key in logs without printing it.
func Thumbprint(key crypto.PublicKey) (string, error) {
	jwk := jose.JSONWebKey{Key: key}
	sum, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(sum), nil
}
