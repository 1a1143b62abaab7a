package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tierklinik-dobersberg/calsync/internal/event"
	"github.com/tierklinik-dobersberg/calsync/internal/store"
)

func resolveFixture(t *testing.T) (*event.Event, *event.Event, *store.Mapping) {
	t.Helper()

	base := time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC)
	synced := base.Add(-time.Hour)

	g := testEvent("uid", "Google version", base)
	g.Source = event.SourceGoogle
	g.Updated = base

	c := testEvent("uid", "CalDAV version", base)
	c.Source = event.SourceCalDAV
	c.Updated = base

	return g, c, &store.Mapping{LastSyncedAt: &synced}
}

func Test_ParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyLatestWins, p)

	for _, valid := range []string{"manual", "latest-wins", "google-wins", "caldav-wins"} {
		_, err := ParsePolicy(valid)
		assert.NoError(t, err, valid)
	}

	_, err = ParsePolicy("coin-flip")
	assert.Error(t, err)
}

func Test_IsConflict(t *testing.T) {
	g, c, m := resolveFixture(t)

	assert.True(t, IsConflict(g, c, m))

	t.Run("equal content never conflicts", func(t *testing.T) {
		g2, c2, m2 := resolveFixture(t)
		c2.Summary = g2.Summary
		assert.False(t, IsConflict(g2, c2, m2))
	})

	t.Run("one-sided edit is not a conflict", func(t *testing.T) {
		g2, c2, m2 := resolveFixture(t)
		c2.Updated = m2.LastSyncedAt.Add(-time.Minute)
		assert.False(t, IsConflict(g2, c2, m2))
	})

	t.Run("never synced means no conflict", func(t *testing.T) {
		g2, c2, m2 := resolveFixture(t)
		m2.LastSyncedAt = nil
		assert.False(t, IsConflict(g2, c2, m2))
	})
}

func Test_Resolve_SequencePrecedence(t *testing.T) {
	g, c, m := resolveFixture(t)

	// sequence outranks every policy
	c.Sequence = 3
	g.Updated = c.Updated.Add(time.Hour)

	for _, policy := range []Policy{PolicyLatestWins, PolicyGoogleWins, PolicyCalDAVWins, PolicyManual} {
		d := Resolve(g, c, m, policy)
		assert.Equal(t, event.SourceCalDAV, d.Winner, policy)
		assert.Equal(t, "higher sequence", d.Reason)
	}
}

func Test_Resolve_LatestWins(t *testing.T) {
	g, c, m := resolveFixture(t)

	c.Updated = g.Updated.Add(time.Minute)
	assert.Equal(t, event.SourceCalDAV, Resolve(g, c, m, PolicyLatestWins).Winner)

	g.Updated = c.Updated.Add(time.Minute)
	assert.Equal(t, event.SourceGoogle, Resolve(g, c, m, PolicyLatestWins).Winner)

	// exact tie breaks towards the token-API side
	c.Updated = g.Updated
	assert.Equal(t, event.SourceGoogle, Resolve(g, c, m, PolicyLatestWins).Winner)
}

func Test_Resolve_FixedPolicies(t *testing.T) {
	g, c, m := resolveFixture(t)
	c.Updated = g.Updated.Add(time.Hour)

	assert.Equal(t, event.SourceGoogle, Resolve(g, c, m, PolicyGoogleWins).Winner)
	assert.Equal(t, event.SourceCalDAV, Resolve(g, c, m, PolicyCalDAVWins).Winner)
}

func Test_Resolve_ManualPromotesToLatestWins(t *testing.T) {
	g, c, m := resolveFixture(t)
	c.Updated = g.Updated.Add(time.Minute)

	d := Resolve(g, c, m, PolicyManual)
	assert.Equal(t, event.SourceCalDAV, d.Winner)
}
