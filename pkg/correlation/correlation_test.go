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

package correlation

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithCorrelationID(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "abc-123")
	assert.Equal(t, "abc-123", GetCorrelationID(ctx))

	//nolint:staticcheck // nil context is tolerated on purpose
	ctx = WithCorrelationID(nil, "from-nil")
	assert.Equal(t, "from-nil", GetCorrelationID(ctx))
}

func TestGetCorrelationID_Missing(t *testing.T) {
	assert.Empty(t, GetCorrelationID(context.Background()))
	//nolint:staticcheck
	assert.Empty(t, GetCorrelationID(nil))
}

func TestNewID(t *testing.T) {
	a, b := NewID(), NewID()
	_, err := uuid.Parse(a)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestGetOrGenerate(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "kept")
	assert.Equal(t, "kept", GetOrGenerate(ctx))

	generated := GetOrGenerate(context.Background())
	_, err := uuid.Parse(generated)
	assert.NoError(t, err)
}

func TestFromHeaders(t *testing.T) {
	tests := []struct {
		name     string
		headers  map[string]string
		want     string
		generate bool
	}{
		{
			name:    "correlation header wins",
			headers: map[string]string{CorrelationIDHeader: "corr", RequestIDHeader: "req"},
			want:    "corr",
		},
		{
			name:    "request header fallback",
			headers: map[string]string{RequestIDHeader: "req"},
			want:    "req",
		},
		{
			name:     "nothing sent",
			headers:  map[string]string{},
			generate: true,
		},
		{
			name:     "control characters rejected",
			headers:  map[string]string{CorrelationIDHeader: "evil\nline"},
			generate: true,
		},
		{
			name:     "oversized rejected",
			headers:  map[string]string{CorrelationIDHeader: strings.Repeat("a", maxIDLength+1)},
			generate: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			for k, v := range tt.headers {
				h.Set(k, v)
			}
			got := FromHeaders(h)
			if tt.generate {
				_, err := uuid.Parse(got)
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}
