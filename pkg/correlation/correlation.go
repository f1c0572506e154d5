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

// Package correlation carries a per-request identifier through the broker so
// that an HTTP request, the consent prompt it raises, and the token session
// that finally serves it can be matched in the logs and the audit journal.
package correlation

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type contextKey struct{}

const (
	// CorrelationIDHeader is the HTTP header carrying the correlation ID.
	CorrelationIDHeader = "X-Correlation-ID"

	// RequestIDHeader is accepted as a fallback for clients that only send
	// a request ID.
	RequestIDHeader = "X-Request-ID"

	// maxIDLength bounds client supplied identifiers.
	maxIDLength = 128
)

// WithCorrelationID returns a copy of ctx carrying id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, contextKey{}, id)
}

// GetCorrelationID returns the ID stored in ctx, or "".
func GetCorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// NewID generates a random UUID v4.
func NewID() string {
	return uuid.New().String()
}

// GetOrGenerate returns the ID stored in ctx or a fresh one.
func GetOrGenerate(ctx context.Context) string {
	if id := GetCorrelationID(ctx); id != "" {
		return id
	}
	return NewID()
}

// FromHeaders picks the client supplied ID from h, preferring
// X-Correlation-ID over X-Request-ID. Values that are too long or contain
// anything but printable ASCII are ignored so they cannot forge log lines.
// A new ID is generated when nothing usable was sent.
func FromHeaders(h http.Header) string {
	for _, name := range []string{CorrelationIDHeader, RequestIDHeader} {
		if id := h.Get(name); valid(id) {
			return id
		}
	}
	return NewID()
}

func valid(id string) bool {
	if id == "" || len(id) > maxIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}
