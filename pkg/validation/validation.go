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

// Package validation checks the fields of inbound broker requests before
// they reach the token. Every failure wraps types.ErrInvalidRequest.
package validation

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/jeremyhahn/go-tokenbroker/pkg/types"
)

// Upper bounds on decoded field sizes.
const (
	MaxIdentifierBytes  = 255
	MaxCertificateBytes = 64 * 1024
	MaxDigestBytes      = 1024
	MaxPINLength        = 255
	MaxTimestampLength  = 64
)

// DecodeHex decodes the hex field name. Surrounding whitespace is ignored
// and upper case digits are accepted.
func DecodeHex(name, value string, maxBytes int) ([]byte, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("%w: %s is required", types.ErrInvalidRequest, name)
	}

	// Check length before decoding
	if maxBytes > 0 && len(value) > 2*maxBytes {
		return nil, fmt.Errorf("%w: %s too long (max %d bytes)", types.ErrInvalidRequest, name, maxBytes)
	}

	b, err := hex.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %s is not valid hex", types.ErrInvalidRequest, name)
	}
	return b, nil
}

// ValidatePIN rejects PINs no token could accept. Length and character set
// are otherwise left to the token.
func ValidatePIN(pin string) error {
	if pin == "" {
		return fmt.Errorf("%w: PIN cannot be empty", types.ErrInvalidRequest)
	}
	if len(pin) > MaxPINLength {
		return fmt.Errorf("%w: PIN too long (max %d characters)", types.ErrInvalidRequest, MaxPINLength)
	}
	if hasControl(pin) {
		return fmt.Errorf("%w: PIN contains control characters", types.ErrInvalidRequest)
	}
	return nil
}

// ValidateTimestamp checks the raw timestamp field. Parsing is left to the
// authenticator so that malformed instants report MalformedTimestamp.
func ValidateTimestamp(ts string) error {
	if ts == "" {
		return fmt.Errorf("%w: timestamp is required", types.ErrInvalidRequest)
	}
	if len(ts) > MaxTimestampLength || hasControl(ts) {
		return fmt.Errorf("%w: timestamp is not a plausible instant", types.ErrInvalidRequest)
	}
	return nil
}

// SanitizeForLog sanitizes a string for safe logging (prevents log injection).
func SanitizeForLog(s string) string {
	s = strings.Map(func(r rune) rune {
		if r < 32 || r == 127 {
			return -1
		}
		return r
	}, s)

	if len(s) > 256 {
		s = s[:256] + "...[truncated]"
	}
	return s
}

func hasControl(s string) bool {
	for _, r := range s {
		if r < 32 || r == 127 {
			return true
		}
	}
	return false
}
