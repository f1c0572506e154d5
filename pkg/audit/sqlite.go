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
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const createEventsTable = `
	CREATE TABLE IF NOT EXISTS audit_event (
		id             TEXT PRIMARY KEY,
		kind           TEXT NOT NULL,
		certificate_id TEXT,
		outcome        TEXT NOT NULL,
		error_kind     TEXT,
		correlation_id TEXT,
		created_at     INTEGER NOT NULL
	)`

const createEventsIndex = `
	CREATE INDEX IF NOT EXISTS audit_event_created_at ON audit_event (created_at)`

const insertEventQuery = `
	INSERT INTO audit_event (id, kind, certificate_id, outcome, error_kind, correlation_id, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

const listEventsQuery = `
	SELECT id, kind, certificate_id, outcome, error_kind, correlation_id, created_at
	FROM audit_event
	ORDER BY created_at DESC, rowid DESC
	LIMIT ?`

// SQLiteJournal persists events in a SQLite database.
type SQLiteJournal struct {
	db     *sql.DB
	closed atomic.Bool
}

// OpenSQLite opens or creates the journal database at path. Use ":memory:"
// for a private in-memory database.
func OpenSQLite(path string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writers
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{createEventsTable, createEventsIndex} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("audit: init schema: %w", err)
		}
	}
	return &SQLiteJournal{db: db}, nil
}

func (j *SQLiteJournal) Record(ctx context.Context, event Event) error {
	if j.closed.Load() {
		return ErrClosed
	}
	if err := event.validate(); err != nil {
		return err
	}
	_, err := j.db.ExecContext(ctx, insertEventQuery,
		event.ID, event.Kind, event.CertificateID, string(event.Outcome),
		event.ErrorKind, event.CorrelationID, event.Time.UnixNano())
	if err != nil {
		return fmt.Errorf("audit: record: %w", err)
	}
	return nil
}

func (j *SQLiteJournal) List(ctx context.Context, limit int) ([]Event, error) {
	if j.closed.Load() {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := j.db.QueryContext(ctx, listEventsQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e                                       Event
			outcome                                 string
			certificateID, errorKind, correlationID sql.NullString
			created                                 int64
		)
		if err := rows.Scan(&e.ID, &e.Kind, &certificateID, &outcome, &errorKind, &correlationID, &created); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		e.CertificateID = certificateID.String
		e.Outcome = Outcome(outcome)
		e.ErrorKind = errorKind.String
		e.CorrelationID = correlationID.String
		e.Time = time.Unix(0, created).UTC()
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	return events, nil
}

func (j *SQLiteJournal) Close() error {
	if j.closed.Swap(true) {
		return nil
	}
	return j.db.Close()
}
