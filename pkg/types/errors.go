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

package types

import (
	"errors"
	"fmt"
)

// Every hardware or library failure is converted into one of these at the
// operation boundary and wrapped with a human readable detail string.
var (
	// ErrModuleNotFound is returned when the PKCS#11 library cannot be resolved.
	ErrModuleNotFound = errors.New("pkcs11 module not found")

	// ErrNoTokenPresent is returned when no slot has a token inserted.
	ErrNoTokenPresent = errors.New("no token present")

	// ErrAuthFailure is returned when the token rejects the user PIN.
	ErrAuthFailure = errors.New("token authentication failed")

	// ErrPINLocked is the AuthFailure of a token that refuses every further
	// login attempt.
	ErrPINLocked = fmt.Errorf("%w: PIN locked", ErrAuthFailure)

	// ErrCertificateNotFound is returned when no certificate carries the requested identifier.
	ErrCertificateNotFound = errors.New("certificate not found")

	// ErrCertificateMismatch is returned when no certificate on the token matches the supplied DER.
	ErrCertificateMismatch = errors.New("certificate does not match any token certificate")

	// ErrPrivateKeyNotFound is returned when no private key shares the certificate identifier.
	ErrPrivateKeyNotFound = errors.New("private key not found")

	// ErrUnsupportedKeyType is returned for key types other than RSA and EC.
	ErrUnsupportedKeyType = errors.New("unsupported key type")

	// ErrUnsupportedAlgorithm is returned for unrecognized certificate signature algorithms.
	ErrUnsupportedAlgorithm = errors.New("unsupported signature algorithm")

	// ErrMalformedTimestamp is returned when a request timestamp cannot be parsed.
	ErrMalformedTimestamp = errors.New("malformed timestamp")

	// ErrStaleRequest is returned when a request timestamp is outside the accepted window.
	ErrStaleRequest = errors.New("stale request")

	// ErrSignatureInvalid is returned when a request counter-signature does not verify.
	ErrSignatureInvalid = errors.New("invalid request signature")

	// ErrNoPendingRequest is returned when completing a request kind with an empty slot.
	ErrNoPendingRequest = errors.New("no pending request")

	// ErrChannelClosed is returned to a waiter whose request was abandoned or superseded.
	ErrChannelClosed = errors.New("request could not be completed")

	// ErrInvalidRequest is returned for malformed request fields.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrTokenFailure wraps any other error reported by the PKCS#11 module.
	ErrTokenFailure = errors.New("token operation failed")
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrModuleNotFound, "ModuleNotFound"},
	{ErrNoTokenPresent, "NoTokenPresent"},
	{ErrPINLocked, "PINLocked"},
	{ErrAuthFailure, "AuthFailure"},
	{ErrCertificateNotFound, "CertificateNotFound"},
	{ErrCertificateMismatch, "CertificateMismatch"},
	{ErrPrivateKeyNotFound, "PrivateKeyNotFound"},
	{ErrUnsupportedKeyType, "UnsupportedKeyType"},
	{ErrUnsupportedAlgorithm, "UnsupportedAlgorithm"},
	{ErrMalformedTimestamp, "MalformedTimestamp"},
	{ErrStaleRequest, "StaleRequest"},
	{ErrSignatureInvalid, "SignatureInvalid"},
	{ErrNoPendingRequest, "NoPendingRequest"},
	{ErrChannelClosed, "ChannelClosed"},
	{ErrInvalidRequest, "InvalidRequest"},
	{ErrTokenFailure, "TokenFailure"},
}

// Kind returns the taxonomy name of err, or "Internal" when err is not part
// of the taxonomy.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "Internal"
}

// IsClientError reports whether err was caused by the caller (bad input, bad
// PIN, stale or forged request, unknown object) rather than by the module or
// token being unavailable.
func IsClientError(err error) bool {
	switch {
	case errors.Is(err, ErrModuleNotFound),
		errors.Is(err, ErrNoTokenPresent),
		errors.Is(err, ErrTokenFailure):
		return false
	case errors.Is(err, ErrAuthFailure),
		errors.Is(err, ErrCertificateNotFound),
		errors.Is(err, ErrCertificateMismatch),
		errors.Is(err, ErrPrivateKeyNotFound),
		errors.Is(err, ErrUnsupportedKeyType),
		errors.Is(err, ErrUnsupportedAlgorithm),
		errors.Is(err, ErrMalformedTimestamp),
		errors.Is(err, ErrStaleRequest),
		errors.Is(err, ErrSignatureInvalid),
		errors.Is(err, ErrNoPendingRequest),
		errors.Is(err, ErrChannelClosed),
		errors.Is(err, ErrInvalidRequest):
		return true
	default:
		return false
	}
}
