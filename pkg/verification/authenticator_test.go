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
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/jeremyhahn/go-tokenbroker/pkg/encoding"
	"github.com/jeremyhahn/go-tokenbroker/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedNow }

func newAuthenticator(t *testing.T, pub crypto.PublicKey) *Authenticator {
	t.Helper()
	a, err := NewAuthenticator(&Config{TrustedKey: pub, Clock: fixedClock})
	require.NoError(t, err)
	return a
}

func signRSA(t *testing.T, key *rsa.PrivateKey, msg []byte) []byte {
	t.Helper()
	digest := sha256.Sum256(msg)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	require.NoError(t, err)
	return sig
}

func stamp(offset time.Duration) string {
	return fixedNow.Add(offset).Format(time.RFC3339)
}

func TestCanonicalMessage(t *testing.T) {
	assert.Equal(t, []byte("3082abcd_2025-06-01T12:00:00Z"), CanonicalMessage("3082abcd", "2025-06-01T12:00:00Z"))
}

func TestNewAuthenticator(t *testing.T) {
	_, err := NewAuthenticator(nil)
	assert.ErrorIs(t, err, ErrNoTrustedKey)

	_, err = NewAuthenticator(&Config{})
	assert.ErrorIs(t, err, ErrNoTrustedKey)

	_, err = NewAuthenticator(&Config{TrustedKey: "not a key"})
	assert.ErrorIs(t, err, types.ErrUnsupportedKeyType)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	a, err := NewAuthenticator(&Config{TrustedKey: &key.PublicKey})
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxSkew, a.MaxSkew())
}

func TestAuthenticate_RSAEncodings(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	a := newAuthenticator(t, &key.PublicKey)

	ts := stamp(-10 * time.Second)
	sig := signRSA(t, key, CanonicalMessage("01", ts))

	for name, encoded := range map[string]string{
		"hex":           hex.EncodeToString(sig),
		"upper hex":     fmt.Sprintf("%X", sig),
		"base64":        base64.StdEncoding.EncodeToString(sig),
		"base64url":     base64.RawURLEncoding.EncodeToString(sig),
		"base64 no pad": base64.RawStdEncoding.EncodeToString(sig),
	} {
		t.Run(name, func(t *testing.T) {
			err := a.Authenticate(Request{CertificateID: "01", Timestamp: ts, CounterSignature: encoded})
			assert.NoError(t, err)
		})
	}
}

func TestAuthenticate_ECDSAAndEd25519(t *testing.T) {
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	edPub, edPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	ts := stamp(30 * time.Second)
	msg := CanonicalMessage("cafe", ts)
	digest := sha256.Sum256(msg)

	asn1Sig, err := ecdsa.SignASN1(rand.Reader, ecKey, digest[:])
	require.NoError(t, err)
	r, s, err := ecdsa.Sign(rand.Reader, ecKey, digest[:])
	require.NoError(t, err)
	raw := make([]byte, 64)
	r.FillBytes(raw[:32])
	s.FillBytes(raw[32:])

	ec := newAuthenticator(t, &ecKey.PublicKey)
	assert.NoError(t, ec.Authenticate(Request{"cafe", ts, hex.EncodeToString(asn1Sig)}))
	assert.NoError(t, ec.Authenticate(Request{"cafe", ts, base64.StdEncoding.EncodeToString(raw)}))

	ed := newAuthenticator(t, edPub)
	assert.NoError(t, ed.Authenticate(Request{"cafe", ts, hex.EncodeToString(ed25519.Sign(edPriv, msg))}))
}

func TestAuthenticate_DetachedJWS(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	a := newAuthenticator(t, &key.PublicKey)

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.ES256, Key: key}, nil)
	require.NoError(t, err)

	ts := stamp(0)
	obj, err := signer.Sign(CanonicalMessage("01", ts))
	require.NoError(t, err)

	detached, err := obj.DetachedCompactSerialize()
	require.NoError(t, err)
	assert.NoError(t, a.Authenticate(Request{"01", ts, detached}))

	attached, err := obj.CompactSerialize()
	require.NoError(t, err)
	assert.NoError(t, a.Authenticate(Request{"01", ts, attached}))

	// Same JWS presented for a different certificate
	err = a.Authenticate(Request{"02", ts, detached})
	assert.ErrorIs(t, err, types.ErrSignatureInvalid)
	err = a.Authenticate(Request{"02", ts, attached})
	assert.ErrorIs(t, err, types.ErrSignatureInvalid)
}

func TestAuthenticate_JWSWrongAlgorithmFamily(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	a := newAuthenticator(t, &rsaKey.PublicKey)

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.ES256, Key: ecKey}, nil)
	require.NoError(t, err)
	ts := stamp(0)
	obj, err := signer.Sign(CanonicalMessage("01", ts))
	require.NoError(t, err)
	compact, err := obj.DetachedCompactSerialize()
	require.NoError(t, err)

	assert.ErrorIs(t, a.Authenticate(Request{"01", ts, compact}), types.ErrSignatureInvalid)
}

func TestAuthenticate_StaleRegardlessOfSignature(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	a := newAuthenticator(t, &key.PublicKey)

	for _, offset := range []time.Duration{-400 * time.Second, 400 * time.Second, -301 * time.Second, -24 * time.Hour} {
		ts := stamp(offset)
		valid := hex.EncodeToString(signRSA(t, key, CanonicalMessage("01", ts)))

		err := a.Authenticate(Request{"01", ts, valid})
		assert.ErrorIs(t, err, types.ErrStaleRequest, offset.String())

		err = a.Authenticate(Request{"01", ts, "garbage"})
		assert.ErrorIs(t, err, types.ErrStaleRequest, offset.String())
	}
}

func TestAuthenticate_WindowBoundary(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	a := newAuthenticator(t, &key.PublicKey)

	for _, offset := range []time.Duration{-300 * time.Second, 300 * time.Second, 0} {
		ts := stamp(offset)
		sig := hex.EncodeToString(signRSA(t, key, CanonicalMessage("01", ts)))
		assert.NoError(t, a.Authenticate(Request{"01", ts, sig}), offset.String())
	}
}

func TestAuthenticate_TimestampFormats(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	a := newAuthenticator(t, &key.PublicKey)

	valid := []string{
		"2025-06-01T12:00:00Z",
		"2025-06-01T12:00:00.123Z",
		"2025-06-01T14:00:00+02:00",
		"2025-06-01T07:00:00.5-05:00",
	}
	for _, ts := range valid {
		msg := CanonicalMessage("01", ts)
		digest := sha256.Sum256(msg)
		sig, err := ecdsa.SignASN1(rand.Reader, key, digest[:])
		require.NoError(t, err)
		assert.NoError(t, a.Authenticate(Request{"01", ts, hex.EncodeToString(sig)}), ts)
	}

	malformed := []string{"", "1748779200", "2025-06-01 12:00:00", "2025-06-01T12:00:00", "2025-13-01T12:00:00Z", "yesterday"}
	for _, ts := range malformed {
		err := a.Authenticate(Request{"01", ts, "00"})
		assert.ErrorIs(t, err, types.ErrMalformedTimestamp, ts)
	}
}

func TestAuthenticate_ForeignKeyRejected(t *testing.T) {
	trusted, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	a := newAuthenticator(t, &trusted.PublicKey)

	ts := stamp(0)
	for i := 0; i < 8; i++ {
		other, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		require.NoError(t, err)
		id := fmt.Sprintf("%02x", i)
		digest := sha256.Sum256(CanonicalMessage(id, ts))
		sig, err := ecdsa.SignASN1(rand.Reader, other, digest[:])
		require.NoError(t, err)

		err = a.Authenticate(Request{id, ts, hex.EncodeToString(sig)})
		assert.ErrorIs(t, err, types.ErrSignatureInvalid)
	}
}

func TestAuthenticate_UnparsableSignature(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	a := newAuthenticator(t, &key.PublicKey)
	ts := stamp(0)

	for _, sig := range []string{"", "   ", "!!!not-encoded!!!", "a.b.c"} {
		err := a.Authenticate(Request{"01", ts, sig})
		assert.ErrorIs(t, err, types.ErrSignatureInvalid, sig)
	}
}

func TestLoadTrustedKey(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	pemData, err := encoding.EncodePublicKeyPEM(&key.PublicKey)
	require.NoError(t, err)
	got, err := LoadTrustedKey(pemData)
	require.NoError(t, err)
	assert.True(t, key.PublicKey.Equal(got))

	private, err := json.Marshal(jose.JSONWebKey{Key: key, Algorithm: string(jose.ES256)})
	require.NoError(t, err)
	got, err = LoadTrustedKey(private)
	require.NoError(t, err)
	assert.True(t, key.PublicKey.Equal(got))

	_, err = LoadTrustedKey([]byte(`{"kty":"nope"}`))
	assert.ErrorIs(t, err, encoding.ErrInvalidPublicKey)

	_, err = LoadTrustedKeyFile("/nonexistent/trusted.pem")
	assert.Error(t, err)
}

func TestThumbprint(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	a, err := Thumbprint(&key.PublicKey)
	require.NoError(t, err)
	b, err := Thumbprint(&key.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 43)
}
