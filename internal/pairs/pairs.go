// Package pairs discovers the calendars on both services and decides which
// ones belong together. Matching is layered: explicitly configured pairs
// first, then exact name matches, then (optionally) fuzzy name matches and
// a leftover-to-primary fallback. Pair rows are created with empty tokens
// so the first engine pass arms them.
package pairs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/tierklinik-dobersberg/calsync/internal/adapter"
	"github.com/tierklinik-dobersberg/calsync/internal/config"
	"github.com/tierklinik-dobersberg/calsync/internal/store"
)

// similarityThreshold is the minimum fuzzy-match score when
// matchBySimilarity is enabled.
const similarityThreshold = 0.8

// CalendarLister is the discovery surface the manager needs from an adapter.
type CalendarLister interface {
	ListCalendars(ctx context.Context) ([]adapter.CalendarInfo, error)
}

// Options carries the matching knobs from the configuration.
type Options struct {
	Pairs                []config.PairConfig
	MatchBySimilarity    bool
	MapLeftoverToPrimary bool
	AutoCreateCalendars  bool
}

// Manager matches discovered calendars into persisted pairs.
type Manager struct {
	store  *store.Store
	google CalendarLister
	caldav CalendarLister
	opts   Options
	log    *slog.Logger

	group singleflight.Group
}

func New(st *store.Store, google, caldav CalendarLister, opts Options, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}

	return &Manager{
		store:  st,
		google: google,
		caldav: caldav,
		opts:   opts,
		log:    log,
	}
}

// Discovery is the calendar inventory of both services.
type Discovery struct {
	Google []adapter.CalendarInfo
	CalDAV []adapter.CalendarInfo
}

// Discover lists both services in parallel. Concurrent callers share one
// in-flight discovery.
func (m *Manager) Discover(ctx context.Context) (*Discovery, error) {
	v, err, _ := m.group.Do("discover", func() (any, error) {
		var d Discovery

		grp, grpCtx := errgroup.WithContext(ctx)

		grp.Go(func() error {
			var err error
			d.Google, err = m.google.ListCalendars(grpCtx)

			return err
		})
		grp.Go(func() error {
			var err error
			d.CalDAV, err = m.caldav.ListCalendars(grpCtx)

			return err
		})

		if err := grp.Wait(); err != nil {
			return nil, err
		}

		return &d, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(*Discovery), nil
}

// Match is one decided pairing before persistence.
type Match struct {
	Google adapter.CalendarInfo
	CalDAV adapter.CalendarInfo

	// Rule names the matching layer that produced the pairing.
	Rule string

	Direction      store.Direction
	ConflictPolicy string
}

// Setup discovers, matches and persists pairs, returning every pair known
// afterwards. Existing rows are left untouched; only missing pairings are
// created.
func (m *Manager) Setup(ctx context.Context) ([]*store.Pair, error) {
	if m.opts.AutoCreateCalendars {
		m.log.Warn("autoCreateCalendars is set but calendar creation is not supported; matching existing calendars only")
	}

	discovery, err := m.Discover(ctx)
	if err != nil {
		return nil, fmt.Errorf("calendar discovery failed: %w", err)
	}

	matches, err := m.match(discovery)
	if err != nil {
		return nil, err
	}

	for _, match := range matches {
		if err := m.ensurePair(ctx, match); err != nil {
			return nil, err
		}
	}

	return m.store.ListPairs(ctx, false)
}

// match applies the matching layers in order.
func (m *Manager) match(d *Discovery) ([]Match, error) {
	var (
		matches    []Match
		usedGoogle = make(map[string]bool)
		usedCalDAV = make(map[string]bool)
	)

	take := func(match Match) error {
		if usedGoogle[match.Google.ID] {
			return fmt.Errorf("google calendar %q is pinned to more than one pair", match.Google.Name)
		}
		if usedCalDAV[match.CalDAV.ID] {
			return fmt.Errorf("caldav calendar %q is pinned to more than one pair", match.CalDAV.Name)
		}

		usedGoogle[match.Google.ID] = true
		usedCalDAV[match.CalDAV.ID] = true
		matches = append(matches, match)

		return nil
	}

	// layer a: explicit configuration, by id then by name
	for _, pc := range m.opts.Pairs {
		g, ok := findCalendar(d.Google, pc.Google)
		if !ok {
			return nil, fmt.Errorf("configured pair references unknown google calendar %q", pc.Google)
		}

		c, ok := findCalendar(d.CalDAV, pc.CalDAV)
		if !ok {
			return nil, fmt.Errorf("configured pair references unknown caldav calendar %q", pc.CalDAV)
		}

		direction, err := store.ParseDirection(pc.Direction)
		if err != nil {
			return nil, err
		}

		if err := take(Match{
			Google:         g,
			CalDAV:         c,
			Rule:           "configured",
			Direction:      direction,
			ConflictPolicy: pc.ConflictPolicy,
		}); err != nil {
			return nil, err
		}
	}

	// layer b: exact case-insensitive name match
	for _, c := range d.CalDAV {
		if usedCalDAV[c.ID] {
			continue
		}

		for _, g := range d.Google {
			if usedGoogle[g.ID] || !strings.EqualFold(normalizeName(g.Name), normalizeName(c.Name)) {
				continue
			}

			if err := take(Match{Google: g, CalDAV: c, Rule: "exact-name"}); err != nil {
				return nil, err
			}

			break
		}
	}

	// layer c: fuzzy name match
	if m.opts.MatchBySimilarity {
		if err := m.matchBySimilarity(d, usedGoogle, usedCalDAV, take); err != nil {
			return nil, err
		}
	}

	// layer d: leftover caldav calendars onto the google primary
	if m.opts.MapLeftoverToPrimary {
		primary, ok := primaryCalendar(d.Google)
		if !ok {
			m.log.Warn("mapLeftoverToPrimary is set but no primary google calendar was found")
		} else {
			for _, c := range d.CalDAV {
				if usedCalDAV[c.ID] {
					continue
				}

				usedCalDAV[c.ID] = true
				matches = append(matches, Match{Google: primary, CalDAV: c, Rule: "leftover-to-primary"})
			}
		}
	}

	for _, match := range matches {
		m.log.Info("matched calendar pair",
			"google", match.Google.Name,
			"caldav", match.CalDAV.Name,
			"rule", match.Rule)
	}

	return matches, nil
}

// matchBySimilarity pairs the best-scoring remaining combinations above the
// threshold, highest score first so a calendar ends up with its closest
// counterpart.
func (m *Manager) matchBySimilarity(d *Discovery, usedGoogle, usedCalDAV map[string]bool, take func(Match) error) error {
	type candidate struct {
		g, c  adapter.CalendarInfo
		score float64
	}

	var candidates []candidate

	for _, g := range d.Google {
		if usedGoogle[g.ID] {
			continue
		}

		for _, c := range d.CalDAV {
			if usedCalDAV[c.ID] {
				continue
			}

			if score := similarity(g.Name, c.Name); score >= similarityThreshold {
				candidates = append(candidates, candidate{g: g, c: c, score: score})
			}
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })

	for _, cand := range candidates {
		if usedGoogle[cand.g.ID] || usedCalDAV[cand.c.ID] {
			continue
		}

		if err := take(Match{Google: cand.g, CalDAV: cand.c, Rule: "similar-name"}); err != nil {
			return err
		}
	}

	return nil
}

// ensurePair persists a match unless the pairing already exists.
func (m *Manager) ensurePair(ctx context.Context, match Match) error {
	_, err := m.store.FindPair(ctx, match.Google.ID, match.CalDAV.ID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	pair := &store.Pair{
		GoogleCalendarID: match.Google.ID,
		CalDAVCalendarID: match.CalDAV.ID,
		GoogleName:       match.Google.Name,
		CalDAVName:       match.CalDAV.Name,
		Enabled:          true,
		Direction:        match.Direction,
		ConflictPolicy:   match.ConflictPolicy,
	}

	if err := m.store.CreatePair(ctx, pair); err != nil {
		return err
	}

	m.log.Info("created calendar pair", "id", pair.ID, "google", pair.GoogleName, "caldav", pair.CalDAVName)

	return nil
}

// findCalendar resolves a configured reference, by id first and then by
// case-insensitive name.
func findCalendar(cals []adapter.CalendarInfo, ref string) (adapter.CalendarInfo, bool) {
	for _, cal := range cals {
		if cal.ID == ref {
			return cal, true
		}
	}

	for _, cal := range cals {
		if strings.EqualFold(normalizeName(cal.Name), normalizeName(ref)) {
			return cal, true
		}
	}

	return adapter.CalendarInfo{}, false
}

func primaryCalendar(cals []adapter.CalendarInfo) (adapter.CalendarInfo, bool) {
	for _, cal := range cals {
		if cal.Primary {
			return cal, true
		}
	}

	return adapter.CalendarInfo{}, false
}

func normalizeName(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(s))), " ")
}

// similarity scores two calendar names by the share of the longer name
// covered by their longest common substring.
func similarity(a, b string) float64 {
	a, b = normalizeName(a), normalizeName(b)

	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}

	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}

	return float64(longestCommonSubstring(a, b)) / float64(longest)
}

func longestCommonSubstring(a, b string) int {
	prev := make([]int, len(b)+1)
	best := 0

	for i := 1; i <= len(a); i++ {
		cur := make([]int, len(b)+1)

		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				cur[j] = prev[j-1] + 1
				if cur[j] > best {
					best = cur[j]
				}
			}
		}

		prev = cur
	}

	return best
}
