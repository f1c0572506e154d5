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
	"fmt"
	"os"
	"runtime"

	"github.com/jeremyhahn/go-tokenbroker/pkg/types"
	"github.com/miekg/pkcs11"
)

// Module is the subset of *pkcs11.Ctx the gateway drives. It exists so the
// gateway can run against an in-memory token in tests.
type Module interface {
	Initialize() error
	Finalize() error
	Destroy()
	GetSlotList(tokenPresent bool) ([]uint, error)
	OpenSession(slotID uint, flags uint) (pkcs11.SessionHandle, error)
	CloseSession(sh pkcs11.SessionHandle) error
	Login(sh pkcs11.SessionHandle, userType uint, pin string) error
	Logout(sh pkcs11.SessionHandle) error
	FindObjectsInit(sh pkcs11.SessionHandle, temp []*pkcs11.Attribute) error
	FindObjects(sh pkcs11.SessionHandle, max int) ([]pkcs11.ObjectHandle, bool, error)
	FindObjectsFinal(sh pkcs11.SessionHandle) error
	GetAttributeValue(sh pkcs11.SessionHandle, o pkcs11.ObjectHandle, a []*pkcs11.Attribute) ([]*pkcs11.Attribute, error)
	SignInit(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, o pkcs11.ObjectHandle) error
	Sign(sh pkcs11.SessionHandle, message []byte) ([]byte, error)
}

// Loader opens the PKCS#11 library at path.
type Loader func(path string) (Module, error)

// NativeLoader loads a shared library through miekg/pkcs11.
func NativeLoader(path string) (Module, error) {
	p := pkcs11.New(path)
	if p == nil {
		return nil, fmt.Errorf("%w: failed to load PKCS#11 library: %s", types.ErrModuleNotFound, path)
	}
	return p, nil
}

// DefaultLibraryCandidates returns the well-known smart card and token
// middleware locations for the running platform, most specific first.
func DefaultLibraryCandidates() []string {
	switch runtime.GOOS {
	case "windows":
		return []string{
			`C:\Windows\System32\eTPKCS11.dll`,
			`C:\Windows\System32\opensc-pkcs11.dll`,
			`C:\Program Files\OpenSC Project\OpenSC\pkcs11\opensc-pkcs11.dll`,
		}
	case "darwin":
		return []string{
			"/usr/local/lib/libeTPkcs11.dylib",
			"/Library/OpenSC/lib/opensc-pkcs11.so",
			"/opt/homebrew/lib/opensc-pkcs11.so",
			"/opt/homebrew/lib/softhsm/libsofthsm2.so",
		}
	default:
		return []string{
			"/usr/lib/libeTPkcs11.so",
			"/usr/lib/x86_64-linux-gnu/opensc-pkcs11.so",
			"/usr/lib/opensc-pkcs11.so",
			"/usr/lib/softhsm/libsofthsm2.so",
			"/usr/lib/x86_64-linux-gnu/softhsm/libsofthsm2.so",
		}
	}
}

// ResolveLibrary returns the PKCS#11 library path to load. A non-empty
// override is the only candidate; otherwise the platform defaults are tried
// in order. Nothing is cached: every call stats the filesystem again so a
// middleware installed while the broker runs is picked up.
func ResolveLibrary(override string) (string, error) {
	candidates := DefaultLibraryCandidates()
	if override != "" {
		candidates = []string{override}
	}
	for _, path := range candidates {
		info, err := os.Stat(path)
		if err == nil && !info.IsDir() {
			return path, nil
		}
	}
	if override != "" {
		return "", fmt.Errorf("%w: %s", types.ErrModuleNotFound, override)
	}
	return "", fmt.Errorf("%w: none of %d default locations exist for %s", types.ErrModuleNotFound, len(candidates), runtime.GOOS)
}
