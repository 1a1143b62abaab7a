// Package adapter defines the uniform capability contract both calendar
// services are wrapped behind. Adapters hide wire formats and translate
// to and from the canonical event model; the sync engine only ever talks
// to this interface.
package adapter

import (
	"context"
	"errors"
	"time"

	"github.com/tierklinik-dobersberg/calsync/internal/event"
)

// The closed error taxonomy. Adapters wrap upstream failures so the engine
// can dispatch on errors.Is without knowing wire-level details.
var (
	// ErrAuth means credentials are invalid or expired. Fatal for the
	// pair's pass.
	ErrAuth = errors.New("authentication failed")

	// ErrRateLimited is retried with backoff inside the adapter.
	ErrRateLimited = errors.New("rate limited")

	// ErrTokenInvalid means the server rejected a sync token as gone or
	// expired. The engine clears the token, downgrades to a snapshot and
	// suppresses deletions for the pass.
	ErrTokenInvalid = errors.New("sync token invalidated")

	// ErrNotFound on an event id or href. Idempotent success for deletes.
	ErrNotFound = errors.New("not found")

	// ErrConflict is a write rejected because the remote version moved.
	ErrConflict = errors.New("conflicting update")

	// ErrTransient covers network errors and 5xx responses; retried within
	// a bounded budget.
	ErrTransient = errors.New("transient upstream error")

	// ErrFatal marks schema violations and programmer errors. Aborts the
	// session.
	ErrFatal = errors.New("fatal")
)

// CalendarInfo describes a calendar as listed by a service.
type CalendarInfo struct {
	ID       string
	Name     string
	Timezone string
	Primary  bool
}

// Window bounds a snapshot fetch when no sync token is in effect.
type Window struct {
	Start time.Time
	End   time.Time
}

// DefaultWindow builds the snapshot window around now from the configured
// day spans.
func DefaultWindow(now time.Time, pastDays, futureDays int) Window {
	return Window{
		Start: now.AddDate(0, 0, -pastDays),
		End:   now.AddDate(0, 0, futureDays),
	}
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// ChangeSet is the delta a service reports since a given token, or a window
// snapshot when no token was usable.
//
// When UsedToken is true the set enumerates every event changed or deleted
// server-side since the token. When false it is a snapshot: DeletedNativeIDs
// is empty and absence from the set must never be interpreted as a deletion.
type ChangeSet struct {
	Changed          map[string]*event.Event
	DeletedNativeIDs map[string]struct{}

	// NextToken continues incremental syncing on the next pass.
	NextToken string

	UsedToken bool

	// InvalidatedToken is set to the rejected token when the server
	// declared it gone and the adapter fell back to a snapshot.
	InvalidatedToken string
}

// NewChangeSet returns an empty, initialized change set.
func NewChangeSet() *ChangeSet {
	return &ChangeSet{
		Changed:          make(map[string]*event.Event),
		DeletedNativeIDs: make(map[string]struct{}),
	}
}

// Client is the capability set both service adapters expose.
type Client interface {
	// Source identifies which side of a pair this adapter serves.
	Source() event.Source

	ListCalendars(ctx context.Context) ([]CalendarInfo, error)

	// GetSyncToken establishes an initial token for later incremental
	// calls. It may traverse all pages of a listing to reach it.
	GetSyncToken(ctx context.Context, calID string) (string, error)

	// GetChangeSet returns the delta since sinceToken, or a window
	// snapshot when sinceToken is empty or rejected by the server.
	GetChangeSet(ctx context.Context, calID, sinceToken string, window Window) (*ChangeSet, error)

	GetEvent(ctx context.Context, calID, nativeID string) (*event.Event, error)
	CreateEvent(ctx context.Context, calID string, evt *event.Event) (*event.Event, error)
	UpdateEvent(ctx context.Context, calID string, evt *event.Event) (*event.Event, error)
	DeleteEvent(ctx context.Context, calID, nativeID string) error

	// FindInstance resolves the concrete instance of a recurring master at
	// the given recurrence instant.
	FindInstance(ctx context.Context, calID, masterNativeID string, at time.Time) (*event.Event, error)
}

// ResourceOps is the additional surface of the CalDAV side, where recurrence
// exceptions must be merged into the master resource instead of creating a
// second resource with the same UID.
type ResourceOps interface {
	DeleteResourceByHref(ctx context.Context, href string) error

	// AddExdate appends an EXDATE for the given instant to the master
	// resource at href and bumps its SEQUENCE.
	AddExdate(ctx context.Context, href string, at time.Time, allDay bool) error

	// MergeRecurrenceException inserts (or replaces) a RECURRENCE-ID VEVENT
	// inside the master resource identified by its UID.
	MergeRecurrenceException(ctx context.Context, calID, masterUID string, override *event.Event) error
}
