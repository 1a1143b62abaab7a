// Package store is the transactional persistence layer: calendar pairs,
// per-pair sync tokens, cross-system event mappings and the append-only
// audit of sync sessions. A single sqlite database, single writer.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("not found")

const schema = `
CREATE TABLE IF NOT EXISTS calendar_pairs (
	id                    INTEGER PRIMARY KEY AUTOINCREMENT,
	google_calendar_id    TEXT NOT NULL,
	caldav_calendar_id    TEXT NOT NULL,
	google_name           TEXT NOT NULL DEFAULT '',
	caldav_name           TEXT NOT NULL DEFAULT '',
	enabled               INTEGER NOT NULL DEFAULT 1,
	direction             TEXT NOT NULL DEFAULT 'bidirectional',
	conflict_policy       TEXT NOT NULL DEFAULT '',
	google_sync_token     TEXT NOT NULL DEFAULT '',
	caldav_sync_token     TEXT NOT NULL DEFAULT '',
	google_last_synced_at TEXT,
	caldav_last_synced_at TEXT,
	UNIQUE (google_calendar_id, caldav_calendar_id)
);

CREATE TABLE IF NOT EXISTS event_mappings (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	pair_id          INTEGER NOT NULL REFERENCES calendar_pairs(id) ON DELETE CASCADE,
	google_native_id TEXT,
	caldav_native_id TEXT,
	google_ical_uid  TEXT NOT NULL DEFAULT '',
	caldav_uid       TEXT NOT NULL DEFAULT '',
	canonical_uid    TEXT NOT NULL DEFAULT '',
	caldav_href      TEXT NOT NULL DEFAULT '',
	google_self_link TEXT NOT NULL DEFAULT '',
	google_etag      TEXT NOT NULL DEFAULT '',
	caldav_etag      TEXT NOT NULL DEFAULT '',
	google_sequence  INTEGER NOT NULL DEFAULT 0,
	caldav_sequence  INTEGER NOT NULL DEFAULT 0,
	content_hash     TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL DEFAULT 'active',
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL,
	last_synced_at   TEXT,
	last_direction   TEXT NOT NULL DEFAULT ''
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_mappings_google
	ON event_mappings (pair_id, google_native_id) WHERE google_native_id IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS idx_mappings_caldav
	ON event_mappings (pair_id, caldav_native_id) WHERE caldav_native_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_mappings_uid ON event_mappings (canonical_uid);
CREATE INDEX IF NOT EXISTS idx_mappings_status ON event_mappings (pair_id, status);

CREATE TABLE IF NOT EXISTS sync_sessions (
	id          TEXT PRIMARY KEY,
	pair_id     INTEGER NOT NULL REFERENCES calendar_pairs(id) ON DELETE CASCADE,
	status      TEXT NOT NULL DEFAULT 'running',
	error       TEXT NOT NULL DEFAULT '',
	started_at  TEXT NOT NULL,
	finished_at TEXT
);

CREATE TABLE IF NOT EXISTS sync_operations (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL REFERENCES sync_sessions(id) ON DELETE CASCADE,
	mapping_id INTEGER,
	kind       TEXT NOT NULL,
	source     TEXT NOT NULL,
	target     TEXT NOT NULL,
	native_id  TEXT NOT NULL DEFAULT '',
	summary    TEXT NOT NULL DEFAULT '',
	success    INTEGER NOT NULL DEFAULT 1,
	error      TEXT NOT NULL DEFAULT '',
	timestamp  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_operations_session ON sync_operations (session_id, timestamp);

CREATE TABLE IF NOT EXISTS conflicts (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id     TEXT NOT NULL REFERENCES sync_sessions(id) ON DELETE CASCADE,
	mapping_id     INTEGER,
	google_payload TEXT NOT NULL DEFAULT '',
	caldav_payload TEXT NOT NULL DEFAULT '',
	winner         TEXT NOT NULL,
	reason         TEXT NOT NULL DEFAULT '',
	created_at     TEXT NOT NULL
);
`

type Store struct {
	db *sql.DB
}

// Open opens (and if necessary creates) the sqlite database at path and
// applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}

	// single writer; serialize access instead of surfacing SQLITE_BUSY
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()

			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}

	return fmtTime(*t)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}

	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}

	t := parseTime(s.String)

	return &t
}
