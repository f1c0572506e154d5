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

package server

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// consentTokenBytes is the entropy of a consent token.
const consentTokenBytes = 32

// ErrNoConsentToken is returned by ReadConsentToken when no broker has
// written a token file.
var ErrNoConsentToken = errors.New("consent token file not found")

func newConsentToken() (string, error) {
	b := make([]byte, consentTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate consent token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// writeConsentToken writes token to path readable only by the current user.
// The file is created fresh and renamed into place so an existing file with
// looser permissions is never reused.
func writeConsentToken(path, token string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create consent token directory: %w", err)
	}
	f, err := os.CreateTemp(dir, ".consent-token-*")
	if err != nil {
		return fmt.Errorf("failed to create consent token file: %w", err)
	}
	tmp := f.Name()
	if err := f.Chmod(0o600); err == nil {
		_, err = f.WriteString(token + "\n")
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, path)
	}
	if err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write consent token file: %w", err)
	}
	return nil
}

// ReadConsentToken reads the token a running broker wrote to path. A file
// that other users can read is refused.
func ReadConsentToken(path string) (string, error) {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrNoConsentToken, path)
	}
	if err != nil {
		return "", err
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		return "", fmt.Errorf("consent token file %s has mode %04o, want 0600", path, perm)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read consent token file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("consent token file %s is empty", path)
	}
	return token, nil
}
