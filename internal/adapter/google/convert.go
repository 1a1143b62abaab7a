package google

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"google.golang.org/api/calendar/v3"

	"github.com/tierklinik-dobersberg/calsync/internal/event"
)

const (
	allDayLayout   = "2006-01-02"
	icalUTCLayout  = "20060102T150405Z"
	icalDateLayout = "20060102"
)

// toModel converts a Google calendar event to the canonical model.
func toModel(item *calendar.Event) (*event.Event, error) {
	if item == nil {
		return nil, fmt.Errorf("%w: received nil item", event.ErrInvalidEvent)
	}

	if item.Start == nil {
		return nil, fmt.Errorf("%w: event %s has no start time", event.ErrInvalidEvent, item.Id)
	}

	evt := &event.Event{
		NativeID:    item.Id,
		Source:      event.SourceGoogle,
		UID:         item.ICalUID,
		Summary:     strings.TrimSpace(item.Summary),
		Description: strings.TrimSpace(item.Description),
		Location:    strings.TrimSpace(item.Location),
		ETag:        item.Etag,
		Sequence:    int(item.Sequence),
	}

	var err error

	evt.Start, evt.AllDay, err = parseEventTime(item.Start)
	if err != nil {
		return nil, fmt.Errorf("failed to parse event start time: %w", err)
	}

	if item.End != nil && !item.EndTimeUnspecified {
		evt.End, _, err = parseEventTime(item.End)
		if err != nil {
			return nil, fmt.Errorf("failed to parse event end time: %w", err)
		}
	}

	evt.Timezone = item.Start.TimeZone

	if item.Created != "" {
		// not critical when missing
		evt.Created, _ = time.Parse(time.RFC3339, item.Created)
	}
	if item.Updated != "" {
		evt.Updated, _ = time.Parse(time.RFC3339, item.Updated)
	}

	evt.RRule, evt.Overrides = parseRecurrenceLines(item.Recurrence)

	if item.RecurringEventId != "" {
		evt.MasterNativeID = item.RecurringEventId

		if item.OriginalStartTime != nil {
			rid, allDay, rerr := parseEventTime(item.OriginalStartTime)
			if rerr == nil {
				evt.Overrides = append(evt.Overrides, event.Override{
					Kind:   event.OverrideRecurrenceID,
					Date:   rid,
					AllDay: allDay,
				})
			}
		}
	}

	if item.Organizer != nil {
		evt.Organizer = item.Organizer.Email
	}

	for _, a := range item.Attendees {
		if a.Email != "" {
			evt.Attendees = append(evt.Attendees, a.Email)
		}
	}

	return evt, nil
}

// cancelledInstanceToModel builds the cancellation marker for a cancelled
// exception record: empty summary, zero duration at the recurrence instant.
func cancelledInstanceToModel(item *calendar.Event) (*event.Event, error) {
	if item.OriginalStartTime == nil {
		return nil, fmt.Errorf("%w: cancelled instance %s has no original start time", event.ErrInvalidEvent, item.Id)
	}

	rid, allDay, err := parseEventTime(item.OriginalStartTime)
	if err != nil {
		return nil, fmt.Errorf("failed to parse original start time: %w", err)
	}

	return &event.Event{
		NativeID:       item.Id,
		Source:         event.SourceGoogle,
		UID:            item.ICalUID,
		MasterNativeID: item.RecurringEventId,
		Start:          rid,
		End:            rid,
		AllDay:         allDay,
		ETag:           item.Etag,
		Sequence:       int(item.Sequence),
		Overrides: []event.Override{{
			Kind:   event.OverrideRecurrenceID,
			Date:   rid,
			AllDay: allDay,
		}},
	}, nil
}

// fromModel converts a canonical event to the Google wire shape.
func fromModel(evt *event.Event) *calendar.Event {
	item := &calendar.Event{
		ICalUID:     evt.UID,
		Summary:     evt.Summary,
		Description: evt.Description,
		Location:    evt.Location,
		Sequence:    int64(evt.Sequence),
		Status:      "confirmed",
		Start:       formatEventTime(evt.Start, evt.AllDay, evt.Timezone),
		End:         formatEventTime(evt.End, evt.AllDay, evt.Timezone),
		Recurrence:  formatRecurrenceLines(evt),
	}

	if evt.Organizer != "" {
		item.Organizer = &calendar.EventOrganizer{Email: evt.Organizer}
	}

	for _, a := range evt.Attendees {
		item.Attendees = append(item.Attendees, &calendar.EventAttendee{Email: a})
	}

	return item
}

func parseEventTime(t *calendar.EventDateTime) (time.Time, bool, error) {
	if t.DateTime != "" {
		parsed, err := time.Parse(time.RFC3339, t.DateTime)

		return parsed, false, err
	}

	parsed, err := time.Parse(allDayLayout, t.Date)

	return parsed, true, err
}

func formatEventTime(t time.Time, allDay bool, timezone string) *calendar.EventDateTime {
	if allDay {
		return &calendar.EventDateTime{Date: t.Format(allDayLayout)}
	}

	out := &calendar.EventDateTime{DateTime: t.Format(time.RFC3339)}
	if timezone != "" {
		out.TimeZone = timezone
	}

	return out
}

// parseRecurrenceLines splits the Google recurrence property list into the
// RRULE and the date-list deviations.
func parseRecurrenceLines(lines []string) (string, []event.Override) {
	var (
		rrule     string
		overrides []event.Override
	)

	for _, line := range lines {
		upper := strings.ToUpper(line)

		switch {
		case strings.HasPrefix(upper, "RRULE"):
			rrule = line
		case strings.HasPrefix(upper, "EXDATE"):
			overrides = append(overrides, parseDateListLine(line, event.OverrideExDate)...)
		case strings.HasPrefix(upper, "RDATE"):
			overrides = append(overrides, parseDateListLine(line, event.OverrideRDate)...)
		}
	}

	return rrule, overrides
}

func parseDateListLine(line string, kind event.OverrideKind) []event.Override {
	idx := strings.LastIndex(line, ":")
	if idx < 0 {
		return nil
	}

	loc := time.UTC
	if tzIdx := strings.Index(line, "TZID="); tzIdx >= 0 {
		name := line[tzIdx+len("TZID="):]
		if end := strings.IndexAny(name, ";:"); end >= 0 {
			name = name[:end]
		}
		if parsed, err := time.LoadLocation(name); err == nil {
			loc = parsed
		}
	}

	var out []event.Override

	for _, value := range strings.Split(line[idx+1:], ",") {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}

		switch {
		case strings.HasSuffix(value, "Z"):
			if t, err := time.Parse(icalUTCLayout, value); err == nil {
				out = append(out, event.Override{Kind: kind, Date: t})
			}
		case len(value) == len(icalDateLayout):
			if t, err := time.ParseInLocation(icalDateLayout, value, loc); err == nil {
				out = append(out, event.Override{Kind: kind, Date: t, AllDay: true})
			}
		default:
			if t, err := time.ParseInLocation("20060102T150405", value, loc); err == nil {
				out = append(out, event.Override{Kind: kind, Date: t})
			}
		}
	}

	return out
}

func formatRecurrenceLines(evt *event.Event) []string {
	if evt.RRule == "" && len(evt.Overrides) == 0 {
		return nil
	}

	var lines []string

	if evt.RRule != "" {
		rule := evt.RRule
		if !strings.HasPrefix(strings.ToUpper(rule), "RRULE") {
			rule = "RRULE:" + rule
		}

		lines = append(lines, rule)
	}

	lines = append(lines, dateListLines("EXDATE", evt.Overrides, event.OverrideExDate)...)
	lines = append(lines, dateListLines("RDATE", evt.Overrides, event.OverrideRDate)...)

	return lines
}

// dateListLines renders the EXDATE or RDATE values of an event. Date-only
// values carry the VALUE=DATE parameter and go on their own line, since a
// bare yyyymmdd is not a valid DATE-TIME.
func dateListLines(name string, overrides []event.Override, kind event.OverrideKind) []string {
	var timed, dated []string

	for _, o := range overrides {
		if o.Kind != kind {
			continue
		}

		if o.AllDay {
			dated = append(dated, o.Date.Format(icalDateLayout))
		} else {
			timed = append(timed, o.Date.UTC().Format(icalUTCLayout))
		}
	}

	sort.Strings(timed)
	sort.Strings(dated)

	var lines []string

	if len(dated) > 0 {
		lines = append(lines, name+";VALUE=DATE:"+strings.Join(dated, ","))
	}
	if len(timed) > 0 {
		lines = append(lines, name+":"+strings.Join(timed, ","))
	}

	return lines
}
