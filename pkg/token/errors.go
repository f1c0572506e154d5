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

package token

import (
	"errors"
	"fmt"

	"github.com/jeremyhahn/go-tokenbroker/pkg/types"
	"github.com/miekg/pkcs11"
)

// convertError maps a raw PKCS#11 return value onto the broker taxonomy.
// Errors already in the taxonomy pass through untouched.
func convertError(op string, err error) error {
	if err == nil {
		return nil
	}
	if types.Kind(err) != "Internal" {
		return err
	}

	var rv pkcs11.Error
	if errors.As(err, &rv) {
		switch rv {
		case pkcs11.CKR_PIN_LOCKED:
			return fmt.Errorf("%w: %s: %v", types.ErrPINLocked, op, err)
		case pkcs11.CKR_PIN_INCORRECT,
			pkcs11.CKR_PIN_INVALID,
			pkcs11.CKR_PIN_LEN_RANGE,
			pkcs11.CKR_PIN_EXPIRED,
			pkcs11.CKR_USER_PIN_NOT_INITIALIZED:
			return fmt.Errorf("%w: %s: %v", types.ErrAuthFailure, op, err)
		case pkcs11.CKR_TOKEN_NOT_PRESENT,
			pkcs11.CKR_TOKEN_NOT_RECOGNIZED,
			pkcs11.CKR_DEVICE_REMOVED,
			pkcs11.CKR_SLOT_ID_INVALID:
			return fmt.Errorf("%w: %s: %v", types.ErrNoTokenPresent, op, err)
		}
	}
	return fmt.Errorf("%w: %s: %v", types.ErrTokenFailure, op, err)
}

// isAbsent reports whether a C_GetAttributeValue failure means the object
// simply does not carry (or will not reveal) the attribute.
func isAbsent(err error) bool {
	var rv pkcs11.Error
	if !errors.As(err, &rv) {
		return false
	}
	return rv == pkcs11.CKR_ATTRIBUTE_TYPE_INVALID || rv == pkcs11.CKR_ATTRIBUTE_SENSITIVE
}
