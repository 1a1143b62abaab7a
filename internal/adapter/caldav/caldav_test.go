package caldav

import (
	"encoding/xml"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tierklinik-dobersberg/calsync/internal/adapter"
	"github.com/tierklinik-dobersberg/calsync/internal/event"
)

func Test_ParseCollectionState(t *testing.T) {
	body := []byte(`<?xml version="1.0" encoding="UTF-8"?>
<D:multistatus xmlns:D="DAV:" xmlns:CS="http://calendarserver.org/ns/">
  <D:response>
    <D:href>/123456/calendars/home/</D:href>
    <D:propstat>
      <D:prop>
        <D:sync-token>https://caldav.example.com/sync/42</D:sync-token>
        <CS:getctag>ctag-42</CS:getctag>
      </D:prop>
      <D:status>HTTP/1.1 200 OK</D:status>
    </D:propstat>
  </D:response>
</D:multistatus>`)

	state, err := parseCollectionState(body)
	require.NoError(t, err)

	assert.Equal(t, "https://caldav.example.com/sync/42", state.SyncToken)
	assert.Equal(t, "ctag-42", state.CTag)

	// the real sync token outranks the ctag
	assert.Equal(t, "https://caldav.example.com/sync/42", state.token())

	state.SyncToken = ""
	assert.Equal(t, "ctag:ctag-42", state.token())

	state.CTag = ""
	assert.Empty(t, state.token())
}

func Test_ParseCollectionState_IgnoresFailedPropstat(t *testing.T) {
	body := []byte(`<?xml version="1.0" encoding="UTF-8"?>
<D:multistatus xmlns:D="DAV:" xmlns:CS="http://calendarserver.org/ns/">
  <D:response>
    <D:href>/123456/calendars/home/</D:href>
    <D:propstat>
      <D:prop><D:sync-token/></D:prop>
      <D:status>HTTP/1.1 404 Not Found</D:status>
    </D:propstat>
    <D:propstat>
      <D:prop><CS:getctag>ctag-7</CS:getctag></D:prop>
      <D:status>HTTP/1.1 200 OK</D:status>
    </D:propstat>
  </D:response>
</D:multistatus>`)

	state, err := parseCollectionState(body)
	require.NoError(t, err)

	assert.Empty(t, state.SyncToken)
	assert.Equal(t, "ctag:ctag-7", state.token())
}

func Test_ParseSyncReport(t *testing.T) {
	body := []byte(`<?xml version="1.0" encoding="UTF-8"?>
<D:multistatus xmlns:D="DAV:">
  <D:response>
    <D:href>/123456/calendars/work/one.ics</D:href>
    <D:propstat>
      <D:prop><D:getetag>"etag-1"</D:getetag></D:prop>
      <D:status>HTTP/1.1 200 OK</D:status>
    </D:propstat>
  </D:response>
  <D:response>
    <D:href>https://p42-caldav.example.com/123456/calendars/work/two.ics</D:href>
    <D:status>HTTP/1.1 404 Not Found</D:status>
  </D:response>
  <D:response>
    <D:href>/123456/calendars/work/</D:href>
    <D:propstat>
      <D:prop/>
      <D:status>HTTP/1.1 403 Forbidden</D:status>
    </D:propstat>
  </D:response>
  <D:sync-token>https://caldav.example.com/sync/43</D:sync-token>
</D:multistatus>`)

	report, err := parseSyncReport(body)
	require.NoError(t, err)

	assert.Equal(t, "https://caldav.example.com/sync/43", report.SyncToken)
	assert.Equal(t, []string{"/123456/calendars/work/one.ics"}, report.Updated)
	// absolute hrefs reduce to their path
	assert.Equal(t, []string{"/123456/calendars/work/two.ics"}, report.Deleted)
}

func Test_SyncCollectionQueryBody(t *testing.T) {
	body, err := xml.Marshal(syncCollectionQuery{
		SyncToken: "https://caldav.example.com/sync/42&x",
		SyncLevel: "1",
	})
	require.NoError(t, err)

	// the token is element content and has to survive escaping
	assert.Contains(t, string(body), "<sync-token>https://caldav.example.com/sync/42&amp;x</sync-token>")
	assert.Contains(t, string(body), "<sync-level>1</sync-level>")
	assert.Contains(t, string(body), "<getetag>")
}

func Test_HrefPath(t *testing.T) {
	assert.Equal(t, "/cal/one.ics", hrefPath("/cal/one.ics"))
	assert.Equal(t, "/cal/one.ics", hrefPath("https://p42-caldav.example.com/cal/one.ics"))
	assert.Equal(t, "/cal/one.ics", hrefPath(" /cal/one.ics\n"))
}

func Test_MapStatus(t *testing.T) {
	cases := []struct {
		code int
		want error
	}{
		{code: 401, want: adapter.ErrAuth},
		{code: 403, want: adapter.ErrAuth},
		{code: 404, want: adapter.ErrNotFound},
		{code: 409, want: adapter.ErrConflict},
		{code: 412, want: adapter.ErrConflict},
		{code: 429, want: adapter.ErrRateLimited},
		{code: 500, want: adapter.ErrTransient},
		{code: 507, want: adapter.ErrTransient},
		{code: 400, want: adapter.ErrFatal},
		{code: 0, want: adapter.ErrTransient},
	}

	for _, tc := range cases {
		err := mapStatus(tc.code, fmt.Errorf("upstream says no"))
		assert.ErrorIs(t, err, tc.want, "code %d", tc.code)
	}
}

func Test_StatusFromError(t *testing.T) {
	assert.Equal(t, 404, statusFromError(fmt.Errorf("404 Not Found")))
	assert.Equal(t, 507, statusFromError(fmt.Errorf("PROPFIND /cal/: 507 Insufficient Storage")))
	assert.Zero(t, statusFromError(fmt.Errorf("connection refused")))
}

func Test_TokenRejected(t *testing.T) {
	assert.True(t, tokenRejected(fmt.Errorf("403 Forbidden: valid-sync-token")))
	assert.True(t, tokenRejected(fmt.Errorf("507 Insufficient Storage")))
	assert.False(t, tokenRejected(fmt.Errorf("500 Internal Server Error")))
	assert.False(t, tokenRejected(fmt.Errorf("connection reset")))
}

func Test_OccursAt(t *testing.T) {
	master := &event.Event{
		UID:   "series-1",
		Start: time.Date(2026, 4, 6, 9, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 4, 6, 9, 30, 0, 0, time.UTC),
		RRule: "RRULE:FREQ=WEEKLY;BYDAY=MO",
		Overrides: []event.Override{
			{Kind: event.OverrideExDate, Date: time.Date(2026, 4, 20, 9, 0, 0, 0, time.UTC)},
			{Kind: event.OverrideRDate, Date: time.Date(2026, 4, 18, 15, 0, 0, 0, time.UTC)},
		},
	}

	assert.True(t, occursAt(master, time.Date(2026, 4, 13, 9, 0, 0, 0, time.UTC)))
	// excluded by EXDATE
	assert.False(t, occursAt(master, time.Date(2026, 4, 20, 9, 0, 0, 0, time.UTC)))
	// added by RDATE
	assert.True(t, occursAt(master, time.Date(2026, 4, 18, 15, 0, 0, 0, time.UTC)))
	// tuesday never matches BYDAY=MO
	assert.False(t, occursAt(master, time.Date(2026, 4, 14, 9, 0, 0, 0, time.UTC)))

	single := &event.Event{
		Start: time.Date(2026, 4, 6, 9, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 4, 6, 10, 0, 0, 0, time.UTC),
	}

	assert.True(t, occursAt(single, single.Start))
	assert.False(t, occursAt(single, single.Start.Add(time.Hour)))
}

func Test_EventHref(t *testing.T) {
	assert.Equal(t, "/cal/home/uid-1.ics", eventHref("/cal/home/", "uid-1"))
	assert.Equal(t, "/cal/home/uid-2@calsync.ics", eventHref("/cal/home", "uid-2@calsync"))
	assert.Equal(t, "/cal/home/a-b.ics", eventHref("/cal/home/", "a/b"))
}
