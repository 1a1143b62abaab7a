package event

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidEvent = errors.New("invalid event")

// Source identifies which remote service an event originated from.
type Source string

const (
	// SourceGoogle is the token-API side (Google Calendar).
	SourceGoogle Source = "google"
	// SourceCalDAV is the WebDAV side (iCloud-class CalDAV server).
	SourceCalDAV Source = "caldav"
)

// Other returns the opposite side.
func (s Source) Other() Source {
	if s == SourceGoogle {
		return SourceCalDAV
	}

	return SourceGoogle
}

// OverrideKind enumerates the recurrence-deviation records an event may carry.
type OverrideKind string

const (
	OverrideRDate        OverrideKind = "RDATE"
	OverrideExDate       OverrideKind = "EXDATE"
	OverrideRecurrenceID OverrideKind = "RECURRENCE-ID"
)

// Override is a single recurrence deviation: an added date, an excluded
// date, or the instance a detached exception replaces.
type Override struct {
	Kind   OverrideKind
	Date   time.Time
	AllDay bool
}

// Event is the canonical, source-neutral calendar event record. Adapters
// translate their wire formats to and from this type; the engine and the
// mapping table only ever see this shape.
type Event struct {
	// UID is the iCalendar UID when the source supplies one. Use
	// CanonicalUID to get a value that is always populated.
	UID string

	// NativeID is the per-source opaque identifier: the server event id on
	// the Google side, the resource href on the CalDAV side.
	NativeID string

	Source Source

	Summary     string
	Description string
	Location    string

	Start  time.Time
	End    time.Time
	AllDay bool

	// Timezone holds the original IANA zone name for timed events.
	Timezone string

	Created time.Time
	Updated time.Time

	// ETag is the opaque per-source version tag, Sequence the iCalendar
	// SEQUENCE number. Both are excluded from the content hash.
	ETag     string
	Sequence int

	RRule     string
	Overrides []Override

	// MasterNativeID links a detached recurrence exception to its master
	// record on sources that expose exceptions as separate records.
	MasterNativeID string

	Organizer string
	Attendees []string

	// Raw keeps the provider payload for diagnostics only.
	Raw string
}

// CanonicalUID is the preferred cross-system deduplication key: the
// iCalendar UID when present, else a synthesized "{source}-{nativeId}".
func (e *Event) CanonicalUID() string {
	if e.UID != "" {
		return e.UID
	}

	return fmt.Sprintf("%s-%s", e.Source, e.NativeID)
}

// IsRecurring reports whether the event is a recurrence master.
func (e *Event) IsRecurring() bool {
	return e.RRule != "" && !e.IsOverride()
}

// IsOverride reports whether the event is a single-instance deviation of a
// recurring master.
func (e *Event) IsOverride() bool {
	if e.MasterNativeID != "" {
		return true
	}

	for _, o := range e.Overrides {
		if o.Kind == OverrideRecurrenceID {
			return true
		}
	}

	return false
}

// RecurrenceID returns the instant of the instance an override replaces.
func (e *Event) RecurrenceID() (time.Time, bool) {
	for _, o := range e.Overrides {
		if o.Kind == OverrideRecurrenceID {
			return o.Date, true
		}
	}

	return time.Time{}, false
}

// IsCancelled reports whether an override represents a cancelled instance
// rather than a rescheduled one. Adapters mark cancellations by setting the
// summary empty and Start to the recurrence instant with a zero duration.
func (e *Event) IsCancelled() bool {
	return e.Summary == "" && e.End.Equal(e.Start)
}

// Validate checks the timing invariants: timed events must end after they
// start, all-day events carry an exclusive end date.
func (e *Event) Validate() error {
	if e.Start.IsZero() {
		return fmt.Errorf("%w: missing start time", ErrInvalidEvent)
	}

	if e.AllDay {
		if !e.End.IsZero() && e.End.Before(e.Start) {
			return fmt.Errorf("%w: all-day end before start", ErrInvalidEvent)
		}

		return nil
	}

	if !e.End.After(e.Start) && !e.IsCancelled() {
		return fmt.Errorf("%w: end must be after start", ErrInvalidEvent)
	}

	return nil
}

// Less orders events deterministically by (start, nativeId).
func Less(a, b *Event) bool {
	if !a.Start.Equal(b.Start) {
		return a.Start.Before(b.Start)
	}

	return a.NativeID < b.NativeID
}
