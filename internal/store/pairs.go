package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tierklinik-dobersberg/calsync/internal/event"
)

// Direction restricts which way a pair propagates changes.
type Direction string

const (
	DirectionBidirectional  Direction = "bidirectional"
	DirectionGoogleToCalDAV Direction = "google-to-caldav"
	DirectionCalDAVToGoogle Direction = "caldav-to-google"
)

// ParseDirection validates a configured direction string, defaulting to
// bidirectional when empty.
func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case "":
		return DirectionBidirectional, nil
	case DirectionBidirectional, DirectionGoogleToCalDAV, DirectionCalDAVToGoogle:
		return Direction(s), nil
	}

	return "", fmt.Errorf("unknown sync direction %q", s)
}

// Propagates reports whether changes flow out of the given source side.
func (d Direction) Propagates(from event.Source) bool {
	switch d {
	case DirectionGoogleToCalDAV:
		return from == event.SourceGoogle
	case DirectionCalDAVToGoogle:
		return from == event.SourceCalDAV
	default:
		return true
	}
}

// Pair is a one-to-one relationship between a Google calendar and a CalDAV
// calendar. Tokens are mutated only by the engine; rows are created by the
// pair manager and removed only by an operator.
type Pair struct {
	ID int64

	GoogleCalendarID string
	CalDAVCalendarID string
	GoogleName       string
	CalDAVName       string

	Enabled        bool
	Direction      Direction
	ConflictPolicy string

	GoogleSyncToken string
	CalDAVSyncToken string

	GoogleLastSyncedAt *time.Time
	CalDAVLastSyncedAt *time.Time
}

// TokenFor returns the stored sync token of the given side.
func (p *Pair) TokenFor(src event.Source) string {
	if src == event.SourceGoogle {
		return p.GoogleSyncToken
	}

	return p.CalDAVSyncToken
}

// SetTokenFor updates the in-memory token of the given side.
func (p *Pair) SetTokenFor(src event.Source, token string) {
	if src == event.SourceGoogle {
		p.GoogleSyncToken = token
	} else {
		p.CalDAVSyncToken = token
	}
}

// CalendarIDFor returns the calendar identifier of the given side.
func (p *Pair) CalendarIDFor(src event.Source) string {
	if src == event.SourceGoogle {
		return p.GoogleCalendarID
	}

	return p.CalDAVCalendarID
}

const pairColumns = `id, google_calendar_id, caldav_calendar_id, google_name, caldav_name,
	enabled, direction, conflict_policy, google_sync_token, caldav_sync_token,
	google_last_synced_at, caldav_last_synced_at`

func scanPair(row interface{ Scan(...any) error }) (*Pair, error) {
	var (
		p            Pair
		direction    string
		gLast, cLast sql.NullString
	)

	err := row.Scan(&p.ID, &p.GoogleCalendarID, &p.CalDAVCalendarID, &p.GoogleName, &p.CalDAVName,
		&p.Enabled, &direction, &p.ConflictPolicy, &p.GoogleSyncToken, &p.CalDAVSyncToken,
		&gLast, &cLast)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}

		return nil, err
	}

	p.Direction = Direction(direction)
	p.GoogleLastSyncedAt = parseTimePtr(gLast)
	p.CalDAVLastSyncedAt = parseTimePtr(cLast)

	return &p, nil
}

// CreatePair inserts a new pair row and fills in its id. The unique
// constraint on (google_calendar_id, caldav_calendar_id) rejects duplicate
// pairings.
func (s *Store) CreatePair(ctx context.Context, p *Pair) error {
	if p.Direction == "" {
		p.Direction = DirectionBidirectional
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO calendar_pairs (google_calendar_id, caldav_calendar_id, google_name, caldav_name, enabled, direction, conflict_policy)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.GoogleCalendarID, p.CalDAVCalendarID, p.GoogleName, p.CalDAVName, p.Enabled, string(p.Direction), p.ConflictPolicy)
	if err != nil {
		return fmt.Errorf("failed to create pair: %w", err)
	}

	p.ID, err = res.LastInsertId()

	return err
}

func (s *Store) GetPair(ctx context.Context, id int64) (*Pair, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+pairColumns+` FROM calendar_pairs WHERE id = ?`, id)

	return scanPair(row)
}

func (s *Store) FindPair(ctx context.Context, googleCalID, caldavCalID string) (*Pair, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+pairColumns+` FROM calendar_pairs WHERE google_calendar_id = ? AND caldav_calendar_id = ?`,
		googleCalID, caldavCalID)

	return scanPair(row)
}

// ListPairs returns all pairs, or only the enabled ones.
func (s *Store) ListPairs(ctx context.Context, enabledOnly bool) ([]*Pair, error) {
	query := `SELECT ` + pairColumns + ` FROM calendar_pairs`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pairs []*Pair
	for rows.Next() {
		p, err := scanPair(rows)
		if err != nil {
			return nil, err
		}

		pairs = append(pairs, p)
	}

	return pairs, rows.Err()
}

// UpdatePairTokens persists both sides' tokens together with lastSyncedAt in
// a single statement. This is the last write of a pass; the token row
// establishes happens-before between passes of the same pair.
func (s *Store) UpdatePairTokens(ctx context.Context, pairID int64, googleToken, caldavToken string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE calendar_pairs
		SET google_sync_token = ?, caldav_sync_token = ?, google_last_synced_at = ?, caldav_last_synced_at = ?
		WHERE id = ?`,
		googleToken, caldavToken, fmtTime(at), fmtTime(at), pairID)

	return err
}

// ClearPairToken drops one side's token so the next pass falls back to a
// window snapshot. Used on explicit invalidation only.
func (s *Store) ClearPairToken(ctx context.Context, pairID int64, src event.Source) error {
	column := "google_sync_token"
	if src == event.SourceCalDAV {
		column = "caldav_sync_token"
	}

	_, err := s.db.ExecContext(ctx, `UPDATE calendar_pairs SET `+column+` = '' WHERE id = ?`, pairID)

	return err
}

func (s *Store) SetPairEnabled(ctx context.Context, pairID int64, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE calendar_pairs SET enabled = ? WHERE id = ?`, enabled, pairID)
	if err != nil {
		return err
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	return nil
}

func (s *Store) DeletePair(ctx context.Context, pairID int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM calendar_pairs WHERE id = ?`, pairID)
	if err != nil {
		return err
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	return nil
}
