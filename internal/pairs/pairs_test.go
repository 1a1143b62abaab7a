package pairs

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tierklinik-dobersberg/calsync/internal/adapter"
	"github.com/tierklinik-dobersberg/calsync/internal/config"
	"github.com/tierklinik-dobersberg/calsync/internal/store"
)

type staticLister []adapter.CalendarInfo

func (l staticLister) ListCalendars(context.Context) ([]adapter.CalendarInfo, error) {
	return l, nil
}

func newManager(t *testing.T, google, caldav staticLister, opts Options) (*Manager, *store.Store) {
	t.Helper()

	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "pairs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	return New(st, google, caldav, opts, log), st
}

func pairKeys(pairs []*store.Pair) map[string]string {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		out[p.GoogleCalendarID] = p.CalDAVCalendarID
	}

	return out
}

func Test_Setup_ExactNameMatch(t *testing.T) {
	google := staticLister{
		{ID: "g-work", Name: "Work", Primary: true},
		{ID: "g-family", Name: "Family"},
	}
	caldav := staticLister{
		{ID: "/cal/work/", Name: "work"},
		{ID: "/cal/private/", Name: "Private"},
	}

	m, _ := newManager(t, google, caldav, Options{})

	pairs, err := m.Setup(context.Background())
	require.NoError(t, err)
	require.Len(t, pairs, 1)

	assert.Equal(t, "g-work", pairs[0].GoogleCalendarID)
	assert.Equal(t, "/cal/work/", pairs[0].CalDAVCalendarID)
	assert.True(t, pairs[0].Enabled)
	assert.Empty(t, pairs[0].GoogleSyncToken)
	assert.Empty(t, pairs[0].CalDAVSyncToken)
}

func Test_Setup_ConfiguredPairsComeFirst(t *testing.T) {
	google := staticLister{
		{ID: "g-work", Name: "Work"},
		{ID: "g-shared", Name: "Shared"},
	}
	caldav := staticLister{
		{ID: "/cal/work/", Name: "Work"},
		{ID: "/cal/team/", Name: "Team"},
	}

	m, _ := newManager(t, google, caldav, Options{
		Pairs: []config.PairConfig{
			// pins by name across differing names, with a direction
			{Google: "work", CalDAV: "team", Direction: "google-to-caldav"},
		},
	})

	pairs, err := m.Setup(context.Background())
	require.NoError(t, err)
	require.Len(t, pairs, 1)

	assert.Equal(t, map[string]string{"g-work": "/cal/team/"}, pairKeys(pairs))
	assert.Equal(t, store.DirectionGoogleToCalDAV, pairs[0].Direction)
}

func Test_Setup_ConfiguredPairByID(t *testing.T) {
	google := staticLister{{ID: "g-1", Name: "Calendar A"}}
	caldav := staticLister{{ID: "/cal/b/", Name: "Calendar B"}}

	m, _ := newManager(t, google, caldav, Options{
		Pairs: []config.PairConfig{{Google: "g-1", CalDAV: "/cal/b/"}},
	})

	pairs, err := m.Setup(context.Background())
	require.NoError(t, err)
	require.Len(t, pairs, 1)
}

func Test_Setup_UnknownConfiguredCalendar(t *testing.T) {
	m, _ := newManager(t, staticLister{{ID: "g-1", Name: "A"}}, staticLister{}, Options{
		Pairs: []config.PairConfig{{Google: "A", CalDAV: "nope"}},
	})

	_, err := m.Setup(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown caldav calendar")
}

func Test_Setup_DuplicatePinRejected(t *testing.T) {
	google := staticLister{{ID: "g-1", Name: "A"}}
	caldav := staticLister{
		{ID: "/cal/b/", Name: "B"},
		{ID: "/cal/c/", Name: "C"},
	}

	m, _ := newManager(t, google, caldav, Options{
		Pairs: []config.PairConfig{
			{Google: "g-1", CalDAV: "/cal/b/"},
			{Google: "g-1", CalDAV: "/cal/c/"},
		},
	})

	_, err := m.Setup(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "more than one pair")
}

func Test_Setup_SimilarityMatching(t *testing.T) {
	google := staticLister{{ID: "g-clinic", Name: "Clinic Appointments"}}
	caldav := staticLister{{ID: "/cal/clinic/", Name: "clinic appointment"}}

	withoutKnob, _ := newManager(t, google, caldav, Options{})
	pairs, err := withoutKnob.Setup(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pairs)

	withKnob, _ := newManager(t, google, caldav, Options{MatchBySimilarity: true})
	pairs, err = withKnob.Setup(context.Background())
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, "g-clinic", pairs[0].GoogleCalendarID)
}

func Test_Setup_LeftoverToPrimary(t *testing.T) {
	google := staticLister{
		{ID: "g-primary", Name: "Personal", Primary: true},
		{ID: "g-work", Name: "Work"},
	}
	caldav := staticLister{
		{ID: "/cal/work/", Name: "Work"},
		{ID: "/cal/misc/", Name: "Misc"},
		{ID: "/cal/other/", Name: "Other"},
	}

	m, _ := newManager(t, google, caldav, Options{MapLeftoverToPrimary: true})

	pairs, err := m.Setup(context.Background())
	require.NoError(t, err)
	require.Len(t, pairs, 3)

	keys := make(map[string]int)
	for _, p := range pairs {
		keys[p.GoogleCalendarID]++
	}

	assert.Equal(t, 1, keys["g-work"])
	// both leftovers land on the primary
	assert.Equal(t, 2, keys["g-primary"])
}

func Test_Setup_IsIdempotent(t *testing.T) {
	google := staticLister{{ID: "g-1", Name: "Work"}}
	caldav := staticLister{{ID: "/cal/1/", Name: "Work"}}

	m, st := newManager(t, google, caldav, Options{})

	_, err := m.Setup(context.Background())
	require.NoError(t, err)

	pairs, err := m.Setup(context.Background())
	require.NoError(t, err)
	require.Len(t, pairs, 1)

	all, err := st.ListPairs(context.Background(), false)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func Test_Similarity(t *testing.T) {
	cases := []struct {
		a, b  string
		above bool
	}{
		{"Work", "work", true},
		{"Clinic Appointments", "clinic appointment", true},
		{"Family", "Work", false},
		{"", "Work", false},
	}

	for _, tc := range cases {
		score := similarity(tc.a, tc.b)
		if tc.above {
			assert.GreaterOrEqual(t, score, similarityThreshold, "%q vs %q", tc.a, tc.b)
		} else {
			assert.Less(t, score, similarityThreshold, "%q vs %q", tc.a, tc.b)
		}
	}
}
