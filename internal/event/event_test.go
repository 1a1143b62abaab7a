package event

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeEvent(uid, nativeID string, start time.Time) *Event {
	return &Event{
		UID:      uid,
		NativeID: nativeID,
		Source:   SourceGoogle,
		Summary:  "checkup",
		Start:    start,
		End:      start.Add(time.Hour),
		Timezone: "Europe/Vienna",
	}
}

func Test_CanonicalUID(t *testing.T) {
	evt := makeEvent("uid-1", "native-1", time.Now())
	assert.Equal(t, "uid-1", evt.CanonicalUID())

	evt.UID = ""
	assert.Equal(t, "google-native-1", evt.CanonicalUID())

	evt.Source = SourceCalDAV
	assert.Equal(t, "caldav-native-1", evt.CanonicalUID())
}

func Test_Validate(t *testing.T) {
	start := time.Date(2024, time.March, 4, 10, 0, 0, 0, time.UTC)

	evt := makeEvent("u", "n", start)
	require.NoError(t, evt.Validate())

	evt.End = start
	assert.Error(t, evt.Validate())

	evt.End = start.Add(-time.Minute)
	assert.Error(t, evt.Validate())

	allDay := &Event{
		NativeID: "n",
		Source:   SourceGoogle,
		Summary:  "holiday",
		Start:    time.Date(2024, time.March, 4, 0, 0, 0, 0, time.UTC),
		End:      time.Date(2024, time.March, 5, 0, 0, 0, 0, time.UTC),
		AllDay:   true,
	}
	assert.NoError(t, allDay.Validate())
}

func Test_ContentHash(t *testing.T) {
	start := time.Date(2024, time.March, 4, 10, 0, 0, 0, time.UTC)

	a := makeEvent("uid-1", "google-id", start)
	b := makeEvent("uid-1", "completely-different-native-id", start)
	b.Source = SourceCalDAV
	b.NativeID = "/calendars/home/uid-1.ics"

	// identity columns, etags and sequences must not influence the hash
	a.ETag = `"etag-a"`
	b.ETag = `"etag-b"`
	a.Sequence = 0
	b.Sequence = 3

	assert.Equal(t, a.ContentHash(), b.ContentHash())

	b.Summary = "changed"
	assert.NotEqual(t, a.ContentHash(), b.ContentHash())
}

func Test_ContentHash_TimezoneNormalization(t *testing.T) {
	vienna, err := time.LoadLocation("Europe/Vienna")
	require.NoError(t, err)

	start := time.Date(2024, time.March, 4, 10, 0, 0, 0, vienna)

	a := makeEvent("u", "n1", start)
	b := makeEvent("u", "n2", start.UTC())

	// same instant expressed in different zones hashes identically
	assert.Equal(t, a.ContentHash(), b.ContentHash())
}

func Test_ContentHash_AttendeeOrder(t *testing.T) {
	start := time.Now()

	a := makeEvent("u", "n1", start)
	a.Attendees = []string{"bob@example.com", "alice@example.com"}

	b := makeEvent("u", "n2", start)
	b.Attendees = []string{"Alice@example.com", "bob@example.com"}

	assert.Equal(t, a.ContentHash(), b.ContentHash())
}

func Test_ContentHash_RRulePrefix(t *testing.T) {
	start := time.Now()

	a := makeEvent("u", "n1", start)
	a.RRule = "RRULE:FREQ=WEEKLY;BYDAY=MO"

	b := makeEvent("u", "n2", start)
	b.RRule = "FREQ=WEEKLY;BYDAY=MO"

	assert.Equal(t, a.ContentHash(), b.ContentHash())
}

func Test_DeterministicEventID(t *testing.T) {
	id := DeterministicEventID("some-uid@example.com")

	assert.Equal(t, DeterministicEventID("some-uid@example.com"), id)
	assert.NotEqual(t, DeterministicEventID("other-uid@example.com"), id)
	assert.Len(t, id, 32)

	// the full output space must stay inside base32hex
	for _, uid := range []string{"a", "b", "c", "x@y", "1234", strings.Repeat("z", 300)} {
		id := DeterministicEventID(uid)

		for _, r := range id {
			ok := (r >= '0' && r <= '9') || (r >= 'a' && r <= 'v')
			require.True(t, ok, "character %q outside [0-9a-v] in %q", r, id)
		}

		first := id[0]
		require.True(t, first >= 'a' && first <= 'v', "leading character %q must be alphabetic", first)
	}
}

func Test_GroupRecurrences(t *testing.T) {
	start := time.Date(2024, time.June, 3, 9, 0, 0, 0, time.UTC)

	master := makeEvent("uid-rec", "master-1", start)
	master.RRule = "FREQ=WEEKLY"

	override := makeEvent("uid-rec", "override-1", start.AddDate(0, 0, 7))
	override.MasterNativeID = "master-1"
	override.Overrides = []Override{{Kind: OverrideRecurrenceID, Date: start.AddDate(0, 0, 7)}}

	standalone := makeEvent("uid-plain", "plain-1", start.Add(-time.Hour))

	groups := GroupRecurrences([]*Event{override, master, standalone}, nil)
	require.Len(t, groups, 2)

	// deterministic order: by (start, nativeId); standalone starts earlier
	assert.Equal(t, "plain-1", groups[0].Master.NativeID)
	assert.Equal(t, "master-1", groups[1].Master.NativeID)
	require.Len(t, groups[1].Overrides, 1)
	assert.Equal(t, "override-1", groups[1].Overrides[0].NativeID)
}

func Test_GroupRecurrences_OrphanDemotion(t *testing.T) {
	start := time.Date(2024, time.June, 3, 9, 0, 0, 0, time.UTC)

	orphan := makeEvent("uid-gone", "override-9", start)
	orphan.MasterNativeID = "missing-master"
	orphan.Overrides = []Override{{Kind: OverrideRecurrenceID, Date: start}}

	groups := GroupRecurrences([]*Event{orphan}, func(masterNativeID, uid string) bool { return false })
	require.Len(t, groups, 1)

	demoted := groups[0].Master
	require.NotNil(t, demoted)
	assert.Empty(t, demoted.MasterNativeID)
	assert.False(t, demoted.IsOverride())
	assert.Empty(t, demoted.Overrides)
}

func Test_GroupRecurrences_MasterInStore(t *testing.T) {
	start := time.Date(2024, time.June, 3, 9, 0, 0, 0, time.UTC)

	override := makeEvent("uid-rec", "override-2", start)
	override.MasterNativeID = "master-known"
	override.Overrides = []Override{{Kind: OverrideRecurrenceID, Date: start}}

	groups := GroupRecurrences([]*Event{override}, func(masterNativeID, uid string) bool {
		return masterNativeID == "master-known"
	})
	require.Len(t, groups, 1)

	// master lives in the store, not the change set: override stays an
	// exception instead of being demoted
	assert.Nil(t, groups[0].Master)
	require.Len(t, groups[0].Overrides, 1)
	assert.True(t, groups[0].Overrides[0].IsOverride())
}
