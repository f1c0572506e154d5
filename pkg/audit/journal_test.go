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

package audit

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/jeremyhahn/go-tokenbroker/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func journals(t *testing.T) map[string]Journal {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	mem, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	return map[string]Journal{
		"memory":        NewMemoryJournal(16),
		"sqlite":        db,
		"sqlite-memory": mem,
	}
}

func TestNewEvent_Outcomes(t *testing.T) {
	tests := []struct {
		err     error
		outcome Outcome
		kind    string
	}{
		{nil, OutcomeSuccess, ""},
		{types.ErrChannelClosed, OutcomeSuperseded, "ChannelClosed"},
		{types.ErrStaleRequest, OutcomeRejected, "StaleRequest"},
		{fmt.Errorf("wrapped: %w", types.ErrSignatureInvalid), OutcomeRejected, "SignatureInvalid"},
		{types.ErrAuthFailure, OutcomeFailure, "AuthFailure"},
	}
	for _, tt := range tests {
		e := NewEvent("signing", "01", tt.err)
		assert.Equal(t, tt.outcome, e.Outcome)
		assert.Equal(t, tt.kind, e.ErrorKind)
		assert.NotEmpty(t, e.ID)
		assert.False(t, e.Time.IsZero())
	}
}

func TestJournal_RecordAndList(t *testing.T) {
	ctx := context.Background()
	for name, j := range journals(t) {
		t.Run(name, func(t *testing.T) {
			defer j.Close()
			base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
			for i := 0; i < 5; i++ {
				e := NewEvent("signing", fmt.Sprintf("%02x", i), nil)
				e.Time = base.Add(time.Duration(i) * time.Second)
				e.CorrelationID = fmt.Sprintf("req-%d", i)
				require.NoError(t, j.Record(ctx, e))
			}

			all, err := j.List(ctx, 0)
			require.NoError(t, err)
			require.Len(t, all, 5)
			assert.Equal(t, "04", all[0].CertificateID, "newest first")
			assert.Equal(t, "00", all[4].CertificateID)
			assert.Equal(t, "req-4", all[0].CorrelationID)
			assert.True(t, all[0].Time.Equal(base.Add(4*time.Second)))

			two, err := j.List(ctx, 2)
			require.NoError(t, err)
			require.Len(t, two, 2)
			assert.Equal(t, "03", two[1].CertificateID)
		})
	}
}

func TestJournal_RejectsInvalidEvent(t *testing.T) {
	for name, j := range journals(t) {
		t.Run(name, func(t *testing.T) {
			defer j.Close()
			assert.ErrorIs(t, j.Record(context.Background(), Event{Kind: "signing"}), ErrInvalidEvent)
			assert.ErrorIs(t, j.Record(context.Background(), Event{Outcome: OutcomeSuccess}), ErrInvalidEvent)
		})
	}
}

func TestJournal_Closed(t *testing.T) {
	for name, j := range journals(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, j.Close())
			assert.ErrorIs(t, j.Record(context.Background(), NewEvent("signing", "", nil)), ErrClosed)
			_, err := j.List(context.Background(), 1)
			assert.ErrorIs(t, err, ErrClosed)
		})
	}
}

func TestMemoryJournal_RingWraps(t *testing.T) {
	j := NewMemoryJournal(3)
	for i := 0; i < 7; i++ {
		require.NoError(t, j.Record(context.Background(), NewEvent("certificate", fmt.Sprint(i), nil)))
	}
	events, err := j.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "6", events[0].CertificateID)
	assert.Equal(t, "5", events[1].CertificateID)
	assert.Equal(t, "4", events[2].CertificateID)
}

func TestSQLiteJournal_Persists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	j, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, j.Record(context.Background(), NewEvent("signing", "01", types.ErrAuthFailure)))
	require.NoError(t, j.Close())

	reopened, err := OpenSQLite(path)
	require.NoError(t, err)
	defer reopened.Close()
	events, err := reopened.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, OutcomeFailure, events[0].Outcome)
	assert.Equal(t, "AuthFailure", events[0].ErrorKind)
}
