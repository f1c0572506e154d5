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
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/jeremyhahn/go-tokenbroker/pkg/types"
	"github.com/miekg/pkcs11"
)

// findBatchSize is the number of handles requested per C_FindObjects call.
const findBatchSize = 32

// Session is an open session on one slot. A session is either never logged
// in (public object reads) or logged in with the user PIN before any private
// object is touched.
type Session struct {
	mod      Module
	handle   pkcs11.SessionHandle
	slot     uint
	mode     Mode
	loggedIn bool
	closed   bool
}

// Slot returns the slot the session was opened on.
func (s *Session) Slot() uint {
	return s.slot
}

// LoggedIn reports whether Login succeeded on this session.
func (s *Session) LoggedIn() bool {
	return s.loggedIn
}

// Close closes the session. Closing the last session of the application on
// a token also ends the login state, so Logout is never called explicitly:
// it would log out every concurrent session on the token.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.mod.CloseSession(s.handle); err != nil {
		return convertError("close session", err)
	}
	return nil
}

// Login authenticates the user with pin. A rejected PIN yields
// types.ErrAuthFailure and is never retried here; re-prompting is the
// consent UI's job.
func (s *Session) Login(pin string) error {
	if s.closed {
		return fmt.Errorf("%w: session closed", types.ErrTokenFailure)
	}
	err := s.mod.Login(s.handle, pkcs11.CKU_USER, pin)
	if err != nil && !errors.Is(err, pkcs11.Error(pkcs11.CKR_USER_ALREADY_LOGGED_IN)) {
		return convertError("login", err)
	}
	s.loggedIn = true
	return nil
}

// FindObjects returns every object of class whose CKA_ID equals id. A nil id
// matches all objects of the class.
func (s *Session) FindObjects(class uint, id []byte) ([]pkcs11.ObjectHandle, error) {
	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, class),
	}
	if id != nil {
		template = append(template, pkcs11.NewAttribute(pkcs11.CKA_ID, id))
	}

	if err := s.mod.FindObjectsInit(s.handle, template); err != nil {
		return nil, convertError("find objects init", err)
	}

	var handles []pkcs11.ObjectHandle
	for {
		batch, _, err := s.mod.FindObjects(s.handle, findBatchSize)
		if err != nil {
			_ = s.mod.FindObjectsFinal(s.handle)
			return nil, convertError("find objects", err)
		}
		handles = append(handles, batch...)
		if len(batch) < findBatchSize {
			break
		}
	}

	if err := s.mod.FindObjectsFinal(s.handle); err != nil {
		return nil, convertError("find objects final", err)
	}
	return handles, nil
}

// ReadAttributes reads the requested attribute types from object. Each
// attribute is read on its own so that one attribute the object does not
// carry does not hide the others; absent attributes are missing from the
// returned map.
func (s *Session) ReadAttributes(object pkcs11.ObjectHandle, attributeTypes ...uint) (map[uint][]byte, error) {
	values := make(map[uint][]byte, len(attributeTypes))
	for _, typ := range attributeTypes {
		attrs, err := s.mod.GetAttributeValue(s.handle, object, []*pkcs11.Attribute{
			pkcs11.NewAttribute(typ, nil),
		})
		if err != nil {
			if isAbsent(err) {
				continue
			}
			return nil, convertError(fmt.Sprintf("read attribute 0x%x", typ), err)
		}
		for _, attr := range attrs {
			if attr.Type == typ && len(attr.Value) > 0 {
				values[typ] = attr.Value
			}
		}
	}
	return values, nil
}

// Sign runs C_SignInit and C_Sign with mechanism over data.
func (s *Session) Sign(mechanism uint, key pkcs11.ObjectHandle, data []byte) ([]byte, error) {
	mech := []*pkcs11.Mechanism{pkcs11.NewMechanism(mechanism, nil)}
	if err := s.mod.SignInit(s.handle, mech, key); err != nil {
		return nil, convertError("sign init", err)
	}
	signature, err := s.mod.Sign(s.handle, data)
	if err != nil {
		return nil, convertError("sign", err)
	}
	return signature, nil
}

// DecodeULong decodes a CK_ULONG attribute value in host byte order.
func DecodeULong(value []byte) (uint, bool) {
	switch len(value) {
	case 8:
		return uint(binary.NativeEndian.Uint64(value)), true
	case 4:
		return uint(binary.NativeEndian.Uint32(value)), true
	default:
		return 0, false
	}
}
