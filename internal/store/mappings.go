package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/tierklinik-dobersberg/calsync/internal/event"
)

// MappingStatus is the lifecycle state of a cross-system event mapping.
type MappingStatus string

const (
	MappingActive   MappingStatus = "active"
	MappingDeleted  MappingStatus = "deleted"
	MappingOrphaned MappingStatus = "orphaned"
)

// Mapping links one event across both services: the per-side native ids,
// iCal UIDs, version tags and the content hash of the last propagated state.
// An active mapping in a bidirectional pair has both native ids populated
// after the first successful propagation.
type Mapping struct {
	ID     int64
	PairID int64

	GoogleNativeID string
	CalDAVNativeID string

	GoogleICalUID string
	CalDAVUID     string

	// CanonicalUID is the preferred deduplication key. It equals the
	// iCalendar UID whenever either side supplies one.
	CanonicalUID string

	CalDAVHref     string
	GoogleSelfLink string

	GoogleETag string
	CalDAVETag string

	GoogleSequence int
	CalDAVSequence int

	ContentHash string
	Status      MappingStatus

	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastSyncedAt *time.Time
	LastDirection string
}

// NativeIDFor returns the native id of the given side.
func (m *Mapping) NativeIDFor(src event.Source) string {
	if src == event.SourceGoogle {
		return m.GoogleNativeID
	}

	return m.CalDAVNativeID
}

// SequenceFor returns the stored iCalendar SEQUENCE of the given side.
func (m *Mapping) SequenceFor(src event.Source) int {
	if src == event.SourceGoogle {
		return m.GoogleSequence
	}

	return m.CalDAVSequence
}

// ApplySide records one side's identity columns from a freshly observed
// event.
func (m *Mapping) ApplySide(evt *event.Event) {
	switch evt.Source {
	case event.SourceGoogle:
		m.GoogleNativeID = evt.NativeID
		m.GoogleICalUID = evt.UID
		m.GoogleETag = evt.ETag
		m.GoogleSequence = evt.Sequence
	case event.SourceCalDAV:
		m.CalDAVNativeID = evt.NativeID
		m.CalDAVHref = evt.NativeID
		m.CalDAVUID = evt.UID
		m.CalDAVETag = evt.ETag
		m.CalDAVSequence = evt.Sequence
	}

	if evt.UID != "" || m.CanonicalUID == "" {
		m.CanonicalUID = evt.CanonicalUID()
	}
}

const mappingColumns = `id, pair_id, google_native_id, caldav_native_id, google_ical_uid, caldav_uid,
	canonical_uid, caldav_href, google_self_link, google_etag, caldav_etag,
	google_sequence, caldav_sequence, content_hash, status,
	created_at, updated_at, last_synced_at, last_direction`

func scanMapping(row interface{ Scan(...any) error }) (*Mapping, error) {
	var (
		m                  Mapping
		gNative, cNative   sql.NullString
		created, updated   string
		lastSynced         sql.NullString
		status             string
	)

	err := row.Scan(&m.ID, &m.PairID, &gNative, &cNative, &m.GoogleICalUID, &m.CalDAVUID,
		&m.CanonicalUID, &m.CalDAVHref, &m.GoogleSelfLink, &m.GoogleETag, &m.CalDAVETag,
		&m.GoogleSequence, &m.CalDAVSequence, &m.ContentHash, &status,
		&created, &updated, &lastSynced, &m.LastDirection)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}

		return nil, err
	}

	m.GoogleNativeID = gNative.String
	m.CalDAVNativeID = cNative.String
	m.Status = MappingStatus(status)
	m.CreatedAt = parseTime(created)
	m.UpdatedAt = parseTime(updated)
	m.LastSyncedAt = parseTimePtr(lastSynced)

	return &m, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}

	return s
}

// InsertMapping writes a new mapping row in a single transaction so
// observers never see an active mapping with inconsistent identity columns.
func (s *Store) InsertMapping(ctx context.Context, m *Mapping) error {
	now := time.Now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	if m.Status == "" {
		m.Status = MappingActive
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO event_mappings (pair_id, google_native_id, caldav_native_id, google_ical_uid, caldav_uid,
			canonical_uid, caldav_href, google_self_link, google_etag, caldav_etag,
			google_sequence, caldav_sequence, content_hash, status,
			created_at, updated_at, last_synced_at, last_direction)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.PairID, nullable(m.GoogleNativeID), nullable(m.CalDAVNativeID), m.GoogleICalUID, m.CalDAVUID,
		m.CanonicalUID, m.CalDAVHref, m.GoogleSelfLink, m.GoogleETag, m.CalDAVETag,
		m.GoogleSequence, m.CalDAVSequence, m.ContentHash, string(m.Status),
		fmtTime(m.CreatedAt), fmtTime(m.UpdatedAt), fmtTimePtr(m.LastSyncedAt), m.LastDirection)
	if err != nil {
		return fmt.Errorf("failed to insert mapping: %w", err)
	}

	m.ID, err = res.LastInsertId()

	return err
}

// UpdateMapping rewrites every mutable column of an existing row.
func (s *Store) UpdateMapping(ctx context.Context, m *Mapping) error {
	m.UpdatedAt = time.Now()

	res, err := s.db.ExecContext(ctx, `
		UPDATE event_mappings
		SET google_native_id = ?, caldav_native_id = ?, google_ical_uid = ?, caldav_uid = ?,
			canonical_uid = ?, caldav_href = ?, google_self_link = ?, google_etag = ?, caldav_etag = ?,
			google_sequence = ?, caldav_sequence = ?, content_hash = ?, status = ?,
			updated_at = ?, last_synced_at = ?, last_direction = ?
		WHERE id = ?`,
		nullable(m.GoogleNativeID), nullable(m.CalDAVNativeID), m.GoogleICalUID, m.CalDAVUID,
		m.CanonicalUID, m.CalDAVHref, m.GoogleSelfLink, m.GoogleETag, m.CalDAVETag,
		m.GoogleSequence, m.CalDAVSequence, m.ContentHash, string(m.Status),
		fmtTime(m.UpdatedAt), fmtTimePtr(m.LastSyncedAt), m.LastDirection,
		m.ID)
	if err != nil {
		return fmt.Errorf("failed to update mapping %d: %w", m.ID, err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	return nil
}

// GetMappingByNativeID looks up the mapping of an event by the native id of
// one side.
func (s *Store) GetMappingByNativeID(ctx context.Context, pairID int64, src event.Source, nativeID string) (*Mapping, error) {
	column := "google_native_id"
	if src == event.SourceCalDAV {
		column = "caldav_native_id"
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+mappingColumns+` FROM event_mappings WHERE pair_id = ? AND `+column+` = ?`,
		pairID, nativeID)

	return scanMapping(row)
}

// GetMappingByCanonicalUID looks up a mapping by the cross-system
// deduplication key.
func (s *Store) GetMappingByCanonicalUID(ctx context.Context, pairID int64, uid string) (*Mapping, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+mappingColumns+` FROM event_mappings WHERE pair_id = ? AND canonical_uid = ? ORDER BY id LIMIT 1`,
		pairID, uid)

	return scanMapping(row)
}

// GetMappingByHref back-maps a CalDAV deletion href to its mapping row.
// Servers are sloppy about href shapes, so lookup degrades gracefully:
// exact match on the stored href, then suffix match, then a normalized
// filename match (strip .ics, lowercase).
func (s *Store) GetMappingByHref(ctx context.Context, pairID int64, href string) (*Mapping, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+mappingColumns+` FROM event_mappings WHERE pair_id = ? AND (caldav_href = ? OR caldav_native_id = ?)`,
		pairID, href, href)

	m, err := scanMapping(row)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	mappings, err := s.ListMappings(ctx, pairID, "")
	if err != nil {
		return nil, err
	}

	for _, m := range mappings {
		if m.CalDAVHref == "" {
			continue
		}
		if strings.HasSuffix(m.CalDAVHref, href) || strings.HasSuffix(href, m.CalDAVHref) {
			return m, nil
		}
	}

	want := normalizeHrefFilename(href)
	for _, m := range mappings {
		if m.CalDAVHref != "" && normalizeHrefFilename(m.CalDAVHref) == want {
			return m, nil
		}
	}

	return nil, ErrNotFound
}

func normalizeHrefFilename(href string) string {
	name := path.Base(href)
	name = strings.TrimSuffix(name, ".ics")

	return strings.ToLower(name)
}

// ListMappings returns a pair's mappings, optionally filtered by status.
func (s *Store) ListMappings(ctx context.Context, pairID int64, status MappingStatus) ([]*Mapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM event_mappings WHERE pair_id = ?`
	args := []any{pairID}

	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var mappings []*Mapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}

		mappings = append(mappings, m)
	}

	return mappings, rows.Err()
}

// SetMappingStatus flips the lifecycle state of a mapping.
func (s *Store) SetMappingStatus(ctx context.Context, mappingID int64, status MappingStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE event_mappings SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), fmtTime(time.Now()), mappingID)
	if err != nil {
		return err
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	return nil
}
