package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/tierklinik-dobersberg/calsync/internal/event"
)

// SessionStatus is the terminal state of a sync session. A session with any
// progress is completed even when individual events failed.
type SessionStatus string

const (
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// OperationKind enumerates the audit record kinds.
type OperationKind string

const (
	OpCreate OperationKind = "create"
	OpUpdate OperationKind = "update"
	OpDelete OperationKind = "delete"
	OpSkip   OperationKind = "skip"
)

// Session is one engine pass over one pair.
type Session struct {
	ID         string
	PairID     int64
	Status     SessionStatus
	Error      string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// Operation is a single per-event audit entry. Errors from a single event
// propagate no further than this row.
type Operation struct {
	SessionID string
	MappingID int64 // zero when no mapping is involved
	Kind      OperationKind
	Source    event.Source
	Target    event.Source
	NativeID  string
	Summary   string
	Success   bool
	Error     string
	Timestamp time.Time
}

// Conflict captures both sides' serialized payloads and the resolution
// applied.
type Conflict struct {
	SessionID     string
	MappingID     int64
	GooglePayload string
	CalDAVPayload string
	Winner        event.Source
	Reason        string
}

// BeginSession opens a new audit session for a pair pass.
func (s *Store) BeginSession(ctx context.Context, pairID int64) (*Session, error) {
	sess := &Session{
		ID:        uuid.NewString(),
		PairID:    pairID,
		Status:    SessionRunning,
		StartedAt: time.Now(),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_sessions (id, pair_id, status, started_at) VALUES (?, ?, ?, ?)`,
		sess.ID, sess.PairID, string(sess.Status), fmtTime(sess.StartedAt))
	if err != nil {
		return nil, err
	}

	return sess, nil
}

// FinishSession marks a session terminal.
func (s *Store) FinishSession(ctx context.Context, sessionID string, status SessionStatus, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_sessions SET status = ?, error = ?, finished_at = ? WHERE id = ?`,
		string(status), errMsg, fmtTime(time.Now()), sessionID)

	return err
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var (
		sess     Session
		status   string
		started  string
		finished sql.NullString
	)

	err := s.db.QueryRowContext(ctx,
		`SELECT id, pair_id, status, error, started_at, finished_at FROM sync_sessions WHERE id = ?`,
		sessionID).Scan(&sess.ID, &sess.PairID, &status, &sess.Error, &started, &finished)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}

		return nil, err
	}

	sess.Status = SessionStatus(status)
	sess.StartedAt = parseTime(started)
	sess.FinishedAt = parseTimePtr(finished)

	return &sess, nil
}

// RecordOperation appends a per-event audit entry.
func (s *Store) RecordOperation(ctx context.Context, op Operation) error {
	if op.Timestamp.IsZero() {
		op.Timestamp = time.Now()
	}

	var mappingID any
	if op.MappingID != 0 {
		mappingID = op.MappingID
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_operations (session_id, mapping_id, kind, source, target, native_id, summary, success, error, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.SessionID, mappingID, string(op.Kind), string(op.Source), string(op.Target),
		op.NativeID, op.Summary, op.Success, op.Error, fmtTime(op.Timestamp))

	return err
}

// ListOperations returns a session's audit entries in timestamp order.
func (s *Store) ListOperations(ctx context.Context, sessionID string) ([]Operation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, mapping_id, kind, source, target, native_id, summary, success, error, timestamp
		FROM sync_operations WHERE session_id = ? ORDER BY timestamp, id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []Operation
	for rows.Next() {
		var (
			op        Operation
			mappingID sql.NullInt64
			kind      string
			src, tgt  string
			ts        string
		)

		if err := rows.Scan(&op.SessionID, &mappingID, &kind, &src, &tgt,
			&op.NativeID, &op.Summary, &op.Success, &op.Error, &ts); err != nil {
			return nil, err
		}

		op.MappingID = mappingID.Int64
		op.Kind = OperationKind(kind)
		op.Source = event.Source(src)
		op.Target = event.Source(tgt)
		op.Timestamp = parseTime(ts)

		ops = append(ops, op)
	}

	return ops, rows.Err()
}

// RecordConflict appends a conflict audit entry.
func (s *Store) RecordConflict(ctx context.Context, c Conflict) error {
	var mappingID any
	if c.MappingID != 0 {
		mappingID = c.MappingID
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conflicts (session_id, mapping_id, google_payload, caldav_payload, winner, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.SessionID, mappingID, c.GooglePayload, c.CalDAVPayload, string(c.Winner), c.Reason, fmtTime(time.Now()))

	return err
}

// CountConflicts reports how many conflicts a session recorded.
func (s *Store) CountConflicts(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conflicts WHERE session_id = ?`, sessionID).Scan(&n)

	return n, err
}
