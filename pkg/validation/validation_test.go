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

package validation

import (
	"errors"
	"strings"
	"testing"

	"github.com/jeremyhahn/go-tokenbroker/pkg/types"
)

func TestDecodeHex(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		max     int
		want    string
		wantErr bool
	}{
		{"lower case", "01ab", 4, "\x01\xab", false},
		{"upper case", "01AB", 4, "\x01\xab", false},
		{"surrounding whitespace", "  ff\n", 4, "\xff", false},
		{"no limit", strings.Repeat("00", 5000), 0, strings.Repeat("\x00", 5000), false},
		{"at limit", "00112233", 4, "\x00\x11\x22\x33", false},

		{"empty", "", 4, "", true},
		{"blank", "   ", 4, "", true},
		{"odd length", "abc", 4, "", true},
		{"not hex", "zz", 4, "", true},
		{"over limit", "0011223344", 4, "", true},
		{"prefixed", "0x01", 4, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeHex("field", tt.value, tt.max)
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeHex(%q) error = %v, wantErr %v", tt.value, err, tt.wantErr)
			}
			if err != nil {
				if !errors.Is(err, types.ErrInvalidRequest) {
					t.Errorf("DecodeHex(%q) error = %v, want ErrInvalidRequest", tt.value, err)
				}
				if !strings.Contains(err.Error(), "field") {
					t.Errorf("error %q does not name the field", err)
				}
				return
			}
			if string(got) != tt.want {
				t.Errorf("DecodeHex(%q) = %x, want %x", tt.value, got, tt.want)
			}
		})
	}
}

func TestValidatePIN(t *testing.T) {
	tests := []struct {
		name    string
		pin     string
		wantErr bool
	}{
		{"digits", "1234", false},
		{"passphrase", "correct horse battery", false},
		{"unicode", "pässwört", false},
		{"max length", strings.Repeat("9", MaxPINLength), false},

		{"empty", "", true},
		{"too long", strings.Repeat("9", MaxPINLength+1), true},
		{"newline", "1234\n", true},
		{"null byte", "12\x0034", true},
		{"delete", "1234\x7f", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePIN(tt.pin)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePIN() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, types.ErrInvalidRequest) {
				t.Errorf("ValidatePIN() error = %v, want ErrInvalidRequest", err)
			}
		})
	}
}

func TestValidateTimestamp(t *testing.T) {
	if err := ValidateTimestamp("2025-06-01T12:00:00.123456789+02:00"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	// Unparsable but plausible values pass; the authenticator reports them.
	if err := ValidateTimestamp("yesterday"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	for _, ts := range []string{"", strings.Repeat("1", MaxTimestampLength+1), "2025\n"} {
		if err := ValidateTimestamp(ts); !errors.Is(err, types.ErrInvalidRequest) {
			t.Errorf("ValidateTimestamp(%q) = %v, want ErrInvalidRequest", ts, err)
		}
	}
}

func TestSanitizeForLog(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"clean", "https://sign.example.com", "https://sign.example.com"},
		{"newline injection", "origin\nlevel=ERROR msg=forged", "originlevel=ERROR msg=forged"},
		{"null byte", "a\x00b", "ab"},
		{"truncated", strings.Repeat("x", 300), strings.Repeat("x", 256) + "...[truncated]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeForLog(tt.input); got != tt.want {
				t.Errorf("SanitizeForLog() = %q, want %q", got, tt.want)
			}
		})
	}
}
