package caldav

import (
	"testing"
	"time"

	"github.com/emersion/go-ical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tierklinik-dobersberg/calsync/internal/event"
)

func Test_ReplaceException(t *testing.T) {
	cal := recurringFixture(t)
	rid := time.Date(2026, 4, 13, 9, 0, 0, 0, time.UTC)

	replacement := toComponent(&event.Event{
		UID:     "series-1",
		Summary: "Standup (moved again)",
		Start:   time.Date(2026, 4, 13, 14, 0, 0, 0, time.UTC),
		End:     time.Date(2026, 4, 13, 14, 30, 0, 0, time.UTC),
		Overrides: []event.Override{
			{Kind: event.OverrideRecurrenceID, Date: rid},
		},
	}, time.Now())

	replaceException(cal, rid, replacement)

	var exceptions []*ical.Component

	for _, child := range cal.Children {
		if child.Name == ical.CompEvent && child.Props.Get(ical.PropRecurrenceID) != nil {
			exceptions = append(exceptions, child)
		}
	}

	// replaced, not duplicated
	require.Len(t, exceptions, 1)
	assert.Equal(t, "Standup (moved again)", exceptions[0].Props.Get(ical.PropSummary).Value)
}

func Test_RemoveException(t *testing.T) {
	cal := recurringFixture(t)
	rid := time.Date(2026, 4, 13, 9, 0, 0, 0, time.UTC)

	assert.True(t, removeException(cal, rid))
	assert.False(t, removeException(cal, rid))

	require.NotNil(t, masterComponent(cal))
	assert.Len(t, cal.Children, 1)
}

func Test_BumpSequence(t *testing.T) {
	cal := recurringFixture(t)
	master := masterComponent(cal)
	require.NotNil(t, master)

	bumpSequence(master)
	assert.Equal(t, "3", master.Props.Get(ical.PropSequence).Value)

	fresh := toComponent(&event.Event{
		UID:   "new",
		Start: time.Now(),
		End:   time.Now().Add(time.Hour),
	}, time.Now())

	bumpSequence(fresh)
	assert.Equal(t, "1", fresh.Props.Get(ical.PropSequence).Value)
}

func Test_HasExdate(t *testing.T) {
	cal := recurringFixture(t)
	master := masterComponent(cal)
	require.NotNil(t, master)

	assert.True(t, hasExdate(master, time.Date(2026, 4, 20, 9, 0, 0, 0, time.UTC), false))
	assert.False(t, hasExdate(master, time.Date(2026, 4, 27, 9, 0, 0, 0, time.UTC), false))
}

func Test_MasterComponent_OnlyExceptions(t *testing.T) {
	cal := parseCalendar(t,
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"BEGIN:VEVENT",
		"UID:series-3",
		"RECURRENCE-ID:20260413T090000Z",
		"SUMMARY:Orphan exception",
		"DTSTART:20260413T110000Z",
		"DTEND:20260413T113000Z",
		"END:VEVENT",
		"END:VCALENDAR",
	)

	assert.Nil(t, masterComponent(cal))
}

func Test_ResourceHasUID(t *testing.T) {
	cal := recurringFixture(t)

	assert.True(t, resourceHasUID(cal, "series-1"))
	assert.False(t, resourceHasUID(cal, "series-2"))
}
