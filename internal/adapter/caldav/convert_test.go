package caldav

import (
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-ical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tierklinik-dobersberg/calsync/internal/event"
)

func parseCalendar(t *testing.T, lines ...string) *ical.Calendar {
	t.Helper()

	raw := strings.Join(lines, "\r\n") + "\r\n"

	cal, err := ical.NewDecoder(strings.NewReader(raw)).Decode()
	require.NoError(t, err)

	return cal
}

func recurringFixture(t *testing.T) *ical.Calendar {
	t.Helper()

	return parseCalendar(t,
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//test//EN",
		"BEGIN:VEVENT",
		"UID:series-1",
		"SUMMARY:Weekly standup",
		"DTSTART:20260406T090000Z",
		"DTEND:20260406T093000Z",
		"RRULE:FREQ=WEEKLY;BYDAY=MO",
		"EXDATE:20260420T090000Z",
		"SEQUENCE:2",
		"LAST-MODIFIED:20260401T120000Z",
		"ORGANIZER:mailto:boss@example.com",
		"ATTENDEE:mailto:dev@example.com",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:series-1",
		"RECURRENCE-ID:20260413T090000Z",
		"SUMMARY:Standup (moved)",
		"DTSTART:20260413T110000Z",
		"DTEND:20260413T113000Z",
		"END:VEVENT",
		"END:VCALENDAR",
	)
}

func Test_EventsFromCalendar_RecurringResource(t *testing.T) {
	const href = "/calendars/test/series-1.ics"

	events, err := eventsFromCalendar(href, recurringFixture(t), `"e1"`)
	require.NoError(t, err)
	require.Len(t, events, 2)

	master := events[0]
	assert.Equal(t, href, master.NativeID)
	assert.Equal(t, "series-1", master.UID)
	assert.Equal(t, event.SourceCalDAV, master.Source)
	assert.Equal(t, "Weekly standup", master.Summary)
	assert.Equal(t, "RRULE:FREQ=WEEKLY;BYDAY=MO", master.RRule)
	assert.Equal(t, 2, master.Sequence)
	assert.Equal(t, `"e1"`, master.ETag)
	assert.Equal(t, "boss@example.com", master.Organizer)
	assert.Equal(t, []string{"dev@example.com"}, master.Attendees)
	assert.Equal(t, time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC), master.Updated)
	assert.True(t, master.IsRecurring())

	require.Len(t, master.Overrides, 1)
	assert.Equal(t, event.OverrideExDate, master.Overrides[0].Kind)
	assert.Equal(t, time.Date(2026, 4, 20, 9, 0, 0, 0, time.UTC), master.Overrides[0].Date)

	override := events[1]
	assert.Equal(t, href+"#20260413T090000Z", override.NativeID)
	assert.Equal(t, href, override.MasterNativeID)
	assert.True(t, override.IsOverride())
	assert.Equal(t, "Standup (moved)", override.Summary)

	rid, ok := override.RecurrenceID()
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 4, 13, 9, 0, 0, 0, time.UTC), rid)
}

func Test_EventsFromCalendar_CancelledException(t *testing.T) {
	cal := parseCalendar(t,
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"BEGIN:VEVENT",
		"UID:series-2",
		"SUMMARY:Gone",
		"RECURRENCE-ID:20260420T090000Z",
		"DTSTART:20260420T090000Z",
		"DTEND:20260420T093000Z",
		"STATUS:CANCELLED",
		"END:VEVENT",
		"END:VCALENDAR",
	)

	events, err := eventsFromCalendar("/calendars/test/series-2.ics", cal, "")
	require.NoError(t, err)
	require.Len(t, events, 1)

	evt := events[0]
	assert.True(t, evt.IsCancelled())
	assert.True(t, evt.IsOverride())
	assert.Equal(t, evt.Start, evt.End)
	assert.Equal(t, time.Date(2026, 4, 20, 9, 0, 0, 0, time.UTC), evt.Start)
}

func Test_EventFromComponent_AllDay(t *testing.T) {
	cal := parseCalendar(t,
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"BEGIN:VEVENT",
		"UID:holiday-1",
		"SUMMARY:Public holiday",
		"DTSTART;VALUE=DATE:20260501",
		"END:VEVENT",
		"END:VCALENDAR",
	)

	events, err := eventsFromCalendar("/calendars/test/holiday-1.ics", cal, "")
	require.NoError(t, err)
	require.Len(t, events, 1)

	evt := events[0]
	assert.True(t, evt.AllDay)
	assert.Equal(t, time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), evt.Start)
	// missing DTEND on an all-day event spans one day
	assert.Equal(t, time.Date(2026, 5, 2, 0, 0, 0, 0, time.UTC), evt.End)
}

func Test_EventFromComponent_MissingStart(t *testing.T) {
	cal := parseCalendar(t,
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"BEGIN:VEVENT",
		"UID:broken-1",
		"SUMMARY:No start",
		"END:VEVENT",
		"END:VCALENDAR",
	)

	_, err := eventsFromCalendar("/calendars/test/broken-1.ics", cal, "")
	assert.ErrorIs(t, err, event.ErrInvalidEvent)
}

func Test_ToComponent_RoundTrip(t *testing.T) {
	evt := &event.Event{
		UID:      "uid-7",
		Source:   event.SourceGoogle,
		Summary:  "Vaccination",
		Location: "Treatment room 2",
		Start:    time.Date(2026, 4, 10, 8, 0, 0, 0, time.UTC),
		End:      time.Date(2026, 4, 10, 8, 30, 0, 0, time.UTC),
		RRule:    "RRULE:FREQ=MONTHLY",
		Overrides: []event.Override{
			{Kind: event.OverrideExDate, Date: time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC)},
		},
		Organizer: "boss@example.com",
		Attendees: []string{"dev@example.com"},
	}

	comp := toComponent(evt, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))
	back, err := eventFromComponent(comp)
	require.NoError(t, err)

	back.Source = evt.Source

	assert.Equal(t, evt.ContentHash(), back.ContentHash())
	require.Len(t, back.Overrides, 1)
	assert.Equal(t, evt.Overrides[0].Date, back.Overrides[0].Date)
}

func Test_ToComponent_CancelledOverride(t *testing.T) {
	rid := time.Date(2026, 4, 20, 9, 0, 0, 0, time.UTC)

	evt := &event.Event{
		UID:   "series-1",
		Start: rid,
		End:   rid,
		Overrides: []event.Override{
			{Kind: event.OverrideRecurrenceID, Date: rid},
		},
	}

	comp := toComponent(evt, time.Now())

	status := comp.Props.Get(ical.PropStatus)
	require.NotNil(t, status)
	assert.Equal(t, "CANCELLED", status.Value)
	assert.NotNil(t, comp.Props.Get(ical.PropRecurrenceID))
	assert.Nil(t, comp.Props.Get(ical.PropDateTimeEnd))
}

func Test_SplitHref(t *testing.T) {
	href, frag := splitHref("/cal/a.ics#20260413T090000Z")
	assert.Equal(t, "/cal/a.ics", href)
	assert.Equal(t, "20260413T090000Z", frag)

	href, frag = splitHref("/cal/a.ics")
	assert.Equal(t, "/cal/a.ics", href)
	assert.Empty(t, frag)
}
