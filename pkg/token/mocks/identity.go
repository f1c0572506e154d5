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

package mocks

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"
	"time"

	"github.com/miekg/pkcs11"
)

var oidNamedCurveP256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 3, 1, 7}

// Identity is a certificate and its private key as provisioned on a token.
type Identity struct {
	ID          []byte
	Label       string
	Certificate *x509.Certificate
	DER         []byte
	Key         crypto.Signer
}

// NewRSAIdentity generates a 2048-bit RSA key and a self-signed certificate
// signed with sigAlg.
func NewRSAIdentity(id []byte, label string, sigAlg x509.SignatureAlgorithm) (*Identity, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	return newIdentity(id, label, key, sigAlg)
}

// NewECIdentity generates a P-256 key and a self-signed certificate signed
// with ECDSA-SHA256.
func NewECIdentity(id []byte, label string) (*Identity, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return newIdentity(id, label, key, x509.ECDSAWithSHA256)
}

func newIdentity(id []byte, label string, key crypto.Signer, sigAlg x509.SignatureAlgorithm) (*Identity, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, err
	}
	cn := label
	if cn == "" {
		cn = fmt.Sprintf("token-%x", id)
	}
	template := &x509.Certificate{
		SerialNumber:       serial,
		Subject:            pkix.Name{CommonName: cn, Organization: []string{"Test Signing"}},
		NotBefore:          time.Now().Add(-time.Hour),
		NotAfter:           time.Now().Add(24 * time.Hour),
		KeyUsage:           x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment,
		SignatureAlgorithm: sigAlg,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &Identity{ID: id, Label: label, Certificate: cert, DER: der, Key: key}, nil
}

// AddIdentity provisions the certificate, public key and private key of
// ident under its CKA_ID.
func (t *Token) AddIdentity(ident *Identity) {
	t.AddCertificate(ident.ID, ident.Label, ident.DER)
	t.AddPublicKey(ident.ID, ident.Key.Public())
	t.AddPrivateKey(ident.ID, ident.Label, ident.Key)
}

// AddCertificate stores an X.509 certificate object. An empty label leaves
// CKA_LABEL unset.
func (t *Token) AddCertificate(id []byte, label string, der []byte) *Object {
	attrs := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_CERTIFICATE),
		pkcs11.NewAttribute(pkcs11.CKA_CERTIFICATE_TYPE, pkcs11.CKC_X_509),
		pkcs11.NewAttribute(pkcs11.CKA_ID, id),
		pkcs11.NewAttribute(pkcs11.CKA_VALUE, der),
	}
	if label != "" {
		attrs = append(attrs, pkcs11.NewAttribute(pkcs11.CKA_LABEL, label))
	}
	return t.module.newObject(t, attrs, false, nil)
}

// AddPublicKey stores a public key object for an RSA or ECDSA key.
func (t *Token) AddPublicKey(id []byte, pub crypto.PublicKey) *Object {
	attrs := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PUBLIC_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_ID, id),
	}
	switch k := pub.(type) {
	case *rsa.PublicKey:
		attrs = append(attrs,
			pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_RSA),
			pkcs11.NewAttribute(pkcs11.CKA_MODULUS, k.N.Bytes()),
			pkcs11.NewAttribute(pkcs11.CKA_PUBLIC_EXPONENT, big.NewInt(int64(k.E)).Bytes()))
	case *ecdsa.PublicKey:
		params, _ := asn1.Marshal(oidNamedCurveP256)
		attrs = append(attrs,
			pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_EC),
			pkcs11.NewAttribute(pkcs11.CKA_EC_PARAMS, params),
			pkcs11.NewAttribute(pkcs11.CKA_EC_POINT, EncodeECPoint(k)))
	}
	return t.module.newObject(t, attrs, false, nil)
}

// AddPrivateKey stores a private key object. It is only visible to
// sessions logged in with the token PIN.
func (t *Token) AddPrivateKey(id []byte, label string, signer crypto.Signer) *Object {
	keyType := uint(pkcs11.CKK_RSA)
	if _, ok := signer.(*ecdsa.PrivateKey); ok {
		keyType = pkcs11.CKK_EC
	}
	attrs := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_ID, id),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, keyType),
		pkcs11.NewAttribute(pkcs11.CKA_SIGN, true),
		pkcs11.NewAttribute(pkcs11.CKA_PRIVATE, true),
	}
	if label != "" {
		attrs = append(attrs, pkcs11.NewAttribute(pkcs11.CKA_LABEL, label))
	}
	return t.module.newObject(t, attrs, true, signer)
}

// AddObject stores an arbitrary object. Private objects are hidden from
// sessions that are not logged in.
func (t *Token) AddObject(attrs []*pkcs11.Attribute, private bool, signer crypto.Signer) *Object {
	return t.module.newObject(t, attrs, private, signer)
}

// EncodeECPoint returns the DER OCTET STRING wrapping the uncompressed point
// of pub, which is how tokens report CKA_EC_POINT.
func EncodeECPoint(pub *ecdsa.PublicKey) []byte {
	point, err := pub.ECDH()
	if err != nil {
		return nil
	}
	der, _ := asn1.Marshal(point.Bytes())
	return der
}
