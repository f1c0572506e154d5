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
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"hash"
	"os"
	"path/filepath"
	"sync"

	"github.com/jeremyhahn/go-tokenbroker/pkg/token"
	"github.com/miekg/pkcs11"
)

// SignCall represents a recorded C_Sign operation.
type SignCall struct {
	Slot      uint
	Mechanism uint
	Key       pkcs11.ObjectHandle
	Data      []byte
}

// Object is a token object. Attribute values are stored in their PKCS#11
// wire encoding as produced by pkcs11.NewAttribute.
type Object struct {
	Handle  pkcs11.ObjectHandle
	Attrs   map[uint][]byte
	Private bool
	Signer  crypto.Signer
}

// Token is the content of one slot.
type Token struct {
	Slot    uint
	PIN     string
	Objects []*Object

	// MaxPINAttempts locks the token after that many consecutive wrong
	// PINs. Zero never locks.
	MaxPINAttempts int

	module      *MockModule
	loggedIn    bool
	sessions    int
	pinFailures int
}

type mockSession struct {
	token     *Token
	rw        bool
	found     []pkcs11.ObjectHandle
	searching bool
	signMech  uint
	signKey   *Object
	signReady bool
}

// MockModule is an in-memory implementation of token.Module. It behaves like
// a PKCS#11 library with one or more inserted tokens holding real RSA and
// ECDSA keys, so signatures it produces verify with crypto/rsa and
// crypto/ecdsa.
//
// Example usage:
//
//	mod := mocks.NewMockModule()
//	tok := mod.AddToken("1234")
//	ident := mocks.NewRSAIdentity([]byte{0x01}, "Signing Cert", x509.SHA256WithRSA)
//	tok.AddIdentity(ident)
//	gw := token.NewGateway(&token.Config{Library: lib, Loader: mod.Loader()})
type MockModule struct {
	mu sync.Mutex

	tokens     []*Token
	sessions   map[pkcs11.SessionHandle]*mockSession
	nextHandle uint
	nextObject uint

	// InitializeErr is returned by Initialize when set.
	InitializeErr error

	// SignErr is returned by Sign when set.
	SignErr error

	// Call tracking
	Initialized      bool
	InitializeCalls  int
	FinalizeCalls    int
	OpenSessionCalls int
	LoginCalls       int
	LogoutCalls      int
	SignCalls        []SignCall
	LoadedPaths      []string
}

// NewMockModule creates an empty module with no tokens inserted.
func NewMockModule() *MockModule {
	return &MockModule{
		sessions:   make(map[pkcs11.SessionHandle]*mockSession),
		nextHandle: 1,
		nextObject: 100,
	}
}

// Loader returns a token.Loader that always yields this module.
func (m *MockModule) Loader() token.Loader {
	return func(path string) (token.Module, error) {
		m.mu.Lock()
		m.LoadedPaths = append(m.LoadedPaths, path)
		m.mu.Unlock()
		return m, nil
	}
}

// AddToken inserts a token protected by pin into the next slot.
func (m *MockModule) AddToken(pin string) *Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &Token{Slot: uint(len(m.tokens)), PIN: pin, module: m}
	m.tokens = append(m.tokens, t)
	return t
}

// OpenSessions returns the number of sessions that are currently open.
func (m *MockModule) OpenSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Signs returns a copy of the recorded sign calls.
func (m *MockModule) Signs() []SignCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SignCall, len(m.SignCalls))
	copy(out, m.SignCalls)
	return out
}

// newObject allocates a handle for an object on t.
func (m *MockModule) newObject(t *Token, attrs []*pkcs11.Attribute, private bool, signer crypto.Signer) *Object {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextObject++
	obj := &Object{
		Handle:  pkcs11.ObjectHandle(m.nextObject),
		Attrs:   make(map[uint][]byte, len(attrs)),
		Private: private,
		Signer:  signer,
	}
	for _, a := range attrs {
		obj.Attrs[a.Type] = a.Value
	}
	t.Objects = append(t.Objects, obj)
	return obj
}

// Initialize implements token.Module.
func (m *MockModule) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InitializeCalls++
	if m.InitializeErr != nil {
		return m.InitializeErr
	}
	if m.Initialized {
		return pkcs11.Error(pkcs11.CKR_CRYPTOKI_ALREADY_INITIALIZED)
	}
	m.Initialized = true
	return nil
}

// Finalize implements token.Module.
func (m *MockModule) Finalize() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FinalizeCalls++
	if !m.Initialized {
		return pkcs11.Error(pkcs11.CKR_CRYPTOKI_NOT_INITIALIZED)
	}
	m.Initialized = false
	for h, s := range m.sessions {
		s.token.sessions--
		delete(m.sessions, h)
	}
	for _, t := range m.tokens {
		t.loggedIn = false
	}
	return nil
}

// Destroy implements token.Module.
func (m *MockModule) Destroy() {}

// GetSlotList implements token.Module.
func (m *MockModule) GetSlotList(tokenPresent bool) ([]uint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.Initialized {
		return nil, pkcs11.Error(pkcs11.CKR_CRYPTOKI_NOT_INITIALIZED)
	}
	slots := make([]uint, 0, len(m.tokens))
	for _, t := range m.tokens {
		slots = append(slots, t.Slot)
	}
	return slots, nil
}

func (m *MockModule) tokenFor(slot uint) *Token {
	for _, t := range m.tokens {
		if t.Slot == slot {
			return t
		}
	}
	return nil
}

// OpenSession implements token.Module.
func (m *MockModule) OpenSession(slotID uint, flags uint) (pkcs11.SessionHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.OpenSessionCalls++
	if !m.Initialized {
		return 0, pkcs11.Error(pkcs11.CKR_CRYPTOKI_NOT_INITIALIZED)
	}
	t := m.tokenFor(slotID)
	if t == nil {
		return 0, pkcs11.Error(pkcs11.CKR_SLOT_ID_INVALID)
	}
	if flags&pkcs11.CKF_SERIAL_SESSION == 0 {
		return 0, pkcs11.Error(pkcs11.CKR_SESSION_PARALLEL_NOT_SUPPORTED)
	}
	h := pkcs11.SessionHandle(m.nextHandle)
	m.nextHandle++
	m.sessions[h] = &mockSession{token: t, rw: flags&pkcs11.CKF_RW_SESSION != 0}
	t.sessions++
	return h, nil
}

// CloseSession implements token.Module.
func (m *MockModule) CloseSession(sh pkcs11.SessionHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sh]
	if !ok {
		return pkcs11.Error(pkcs11.CKR_SESSION_HANDLE_INVALID)
	}
	delete(m.sessions, sh)
	s.token.sessions--
	if s.token.sessions == 0 {
		s.token.loggedIn = false
	}
	return nil
}

// Login implements token.Module.
func (m *MockModule) Login(sh pkcs11.SessionHandle, userType uint, pin string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LoginCalls++
	s, ok := m.sessions[sh]
	if !ok {
		return pkcs11.Error(pkcs11.CKR_SESSION_HANDLE_INVALID)
	}
	if s.token.loggedIn {
		return pkcs11.Error(pkcs11.CKR_USER_ALREADY_LOGGED_IN)
	}
	if s.token.MaxPINAttempts > 0 && s.token.pinFailures >= s.token.MaxPINAttempts {
		return pkcs11.Error(pkcs11.CKR_PIN_LOCKED)
	}
	if pin != s.token.PIN {
		s.token.pinFailures++
		return pkcs11.Error(pkcs11.CKR_PIN_INCORRECT)
	}
	s.token.pinFailures = 0
	s.token.loggedIn = true
	return nil
}

// Logout implements token.Module.
func (m *MockModule) Logout(sh pkcs11.SessionHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LogoutCalls++
	s, ok := m.sessions[sh]
	if !ok {
		return pkcs11.Error(pkcs11.CKR_SESSION_HANDLE_INVALID)
	}
	if !s.token.loggedIn {
		return pkcs11.Error(pkcs11.CKR_USER_NOT_LOGGED_IN)
	}
	s.token.loggedIn = false
	return nil
}

// FindObjectsInit implements token.Module.
func (m *MockModule) FindObjectsInit(sh pkcs11.SessionHandle, temp []*pkcs11.Attribute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sh]
	if !ok {
		return pkcs11.Error(pkcs11.CKR_SESSION_HANDLE_INVALID)
	}
	if s.searching {
		return pkcs11.Error(pkcs11.CKR_OPERATION_ACTIVE)
	}
	s.found = s.found[:0]
	for _, obj := range s.token.Objects {
		if obj.Private && !s.token.loggedIn {
			continue
		}
		if matches(obj, temp) {
			s.found = append(s.found, obj.Handle)
		}
	}
	s.searching = true
	return nil
}

func matches(obj *Object, temp []*pkcs11.Attribute) bool {
	for _, a := range temp {
		v, ok := obj.Attrs[a.Type]
		if !ok || !bytes.Equal(v, a.Value) {
			return false
		}
	}
	return true
}

// FindObjects implements token.Module.
func (m *MockModule) FindObjects(sh pkcs11.SessionHandle, max int) ([]pkcs11.ObjectHandle, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sh]
	if !ok {
		return nil, false, pkcs11.Error(pkcs11.CKR_SESSION_HANDLE_INVALID)
	}
	if !s.searching {
		return nil, false, pkcs11.Error(pkcs11.CKR_OPERATION_NOT_INITIALIZED)
	}
	n := max
	if n > len(s.found) {
		n = len(s.found)
	}
	out := append([]pkcs11.ObjectHandle(nil), s.found[:n]...)
	s.found = s.found[n:]
	return out, len(s.found) > 0, nil
}

// FindObjectsFinal implements token.Module.
func (m *MockModule) FindObjectsFinal(sh pkcs11.SessionHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sh]
	if !ok {
		return pkcs11.Error(pkcs11.CKR_SESSION_HANDLE_INVALID)
	}
	if !s.searching {
		return pkcs11.Error(pkcs11.CKR_OPERATION_NOT_INITIALIZED)
	}
	s.searching = false
	s.found = nil
	return nil
}

func (m *MockModule) object(s *mockSession, o pkcs11.ObjectHandle) *Object {
	for _, obj := range s.token.Objects {
		if obj.Handle == o {
			if obj.Private && !s.token.loggedIn {
				return nil
			}
			return obj
		}
	}
	return nil
}

// GetAttributeValue implements token.Module.
func (m *MockModule) GetAttributeValue(sh pkcs11.SessionHandle, o pkcs11.ObjectHandle, a []*pkcs11.Attribute) ([]*pkcs11.Attribute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sh]
	if !ok {
		return nil, pkcs11.Error(pkcs11.CKR_SESSION_HANDLE_INVALID)
	}
	obj := m.object(s, o)
	if obj == nil {
		return nil, pkcs11.Error(pkcs11.CKR_OBJECT_HANDLE_INVALID)
	}
	out := make([]*pkcs11.Attribute, 0, len(a))
	for _, req := range a {
		v, ok := obj.Attrs[req.Type]
		if !ok {
			return nil, pkcs11.Error(pkcs11.CKR_ATTRIBUTE_TYPE_INVALID)
		}
		out = append(out, &pkcs11.Attribute{Type: req.Type, Value: append([]byte(nil), v...)})
	}
	return out, nil
}

// SignInit implements token.Module.
func (m *MockModule) SignInit(sh pkcs11.SessionHandle, mechs []*pkcs11.Mechanism, o pkcs11.ObjectHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sh]
	if !ok {
		return pkcs11.Error(pkcs11.CKR_SESSION_HANDLE_INVALID)
	}
	if !s.token.loggedIn {
		return pkcs11.Error(pkcs11.CKR_USER_NOT_LOGGED_IN)
	}
	obj := m.object(s, o)
	if obj == nil || obj.Signer == nil {
		return pkcs11.Error(pkcs11.CKR_KEY_HANDLE_INVALID)
	}
	if len(mechs) != 1 {
		return pkcs11.Error(pkcs11.CKR_MECHANISM_INVALID)
	}
	s.signMech = mechs[0].Mechanism
	s.signKey = obj
	s.signReady = true
	return nil
}

// Sign implements token.Module.
func (m *MockModule) Sign(sh pkcs11.SessionHandle, message []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sh]
	if !ok {
		return nil, pkcs11.Error(pkcs11.CKR_SESSION_HANDLE_INVALID)
	}
	if !s.signReady {
		return nil, pkcs11.Error(pkcs11.CKR_OPERATION_NOT_INITIALIZED)
	}
	s.signReady = false
	m.SignCalls = append(m.SignCalls, SignCall{
		Slot:      s.token.Slot,
		Mechanism: s.signMech,
		Key:       s.signKey.Handle,
		Data:      append([]byte(nil), message...),
	})
	if m.SignErr != nil {
		return nil, m.SignErr
	}
	return sign(s.signKey.Signer, s.signMech, message)
}

func sign(signer crypto.Signer, mech uint, message []byte) ([]byte, error) {
	switch key := signer.(type) {
	case *rsa.PrivateKey:
		if mech == pkcs11.CKM_RSA_PKCS {
			return rsa.SignPKCS1v15(rand.Reader, key, 0, message)
		}
		h, hashFn := rsaHash(mech)
		if h == nil {
			return nil, pkcs11.Error(pkcs11.CKR_KEY_TYPE_INCONSISTENT)
		}
		h.Write(message)
		return rsa.SignPKCS1v15(rand.Reader, key, hashFn, h.Sum(nil))
	case *ecdsa.PrivateKey:
		if mech != pkcs11.CKM_ECDSA {
			return nil, pkcs11.Error(pkcs11.CKR_KEY_TYPE_INCONSISTENT)
		}
		r, sv, err := ecdsa.Sign(rand.Reader, key, message)
		if err != nil {
			return nil, err
		}
		size := (key.Curve.Params().BitSize + 7) / 8
		out := make([]byte, 2*size)
		r.FillBytes(out[:size])
		sv.FillBytes(out[size:])
		return out, nil
	default:
		return nil, pkcs11.Error(pkcs11.CKR_MECHANISM_INVALID)
	}
}

func rsaHash(mech uint) (hash.Hash, crypto.Hash) {
	switch mech {
	case pkcs11.CKM_SHA1_RSA_PKCS:
		return sha1.New(), crypto.SHA1
	case pkcs11.CKM_SHA224_RSA_PKCS:
		return sha256.New224(), crypto.SHA224
	case pkcs11.CKM_SHA256_RSA_PKCS:
		return sha256.New(), crypto.SHA256
	case pkcs11.CKM_SHA384_RSA_PKCS:
		return sha512.New384(), crypto.SHA384
	case pkcs11.CKM_SHA512_RSA_PKCS:
		return sha512.New(), crypto.SHA512
	default:
		return nil, 0
	}
}

// WriteFakeLibrary creates an empty file standing in for the PKCS#11 shared
// library so that path resolution succeeds.
func WriteFakeLibrary(dir string) (string, error) {
	path := filepath.Join(dir, "libmocktoken.so")
	if err := os.WriteFile(path, []byte("mock"), 0o600); err != nil {
		return "", err
	}
	return path, nil
}
