package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/sync/errgroup"

	"github.com/tierklinik-dobersberg/calsync/internal/adapter"
	"github.com/tierklinik-dobersberg/calsync/internal/event"
	"github.com/tierklinik-dobersberg/calsync/internal/store"
)

// raceProbeGrace pads the processing interval when probing for foreign
// activity after a pass, absorbing clock skew between us and the servers.
const raceProbeGrace = 2 * time.Second

// sideState is the per-side working state of one pass.
type sideState struct {
	src    event.Source
	client adapter.Client
	calID  string

	// startToken is the token the pass fetched its delta with; empty means
	// the side ran in snapshot mode.
	startToken string

	// baselineToken was acquired before the pass wrote anything; it is the
	// fallback continuation point when no better token can be read at the
	// end of the pass.
	baselineToken string

	// truncated marks that part of this side's change set was dropped to
	// honor the per-pass cap; the side must not advance past its start
	// token or the remainder is lost.
	truncated bool

	cs *adapter.ChangeSet
}

// passState accumulates what both directions of a pass have touched, so the
// second direction does not re-process (or worse, revert) mappings the first
// one already settled.
type passState struct {
	pair    *store.Pair
	session *store.Session
	report  *Report
	window  adapter.Window

	sides map[event.Source]*sideState

	handled map[int64]struct{}
}

func (p *passState) side(src event.Source) *sideState { return p.sides[src] }

func (p *passState) markHandled(mappingID int64) {
	if mappingID != 0 {
		p.handled[mappingID] = struct{}{}
	}
}

func (p *passState) isHandled(mappingID int64) bool {
	_, ok := p.handled[mappingID]

	return ok
}

// runPass executes one full reconciliation pass over a pair:
//
//  1. make sure both sides carry a sync token before any writes happen
//  2. fetch both change sets concurrently, downgrading to a snapshot when a
//     token is rejected
//  3. group recurrence masters with their overrides
//  4. reconcile google -> caldav, then caldav -> google
//  5. apply token-gated deletions
//  6. re-read fresh tokens, probe for races, persist
func (e *Engine) runPass(ctx context.Context, pair *store.Pair) (*Report, error) {
	sess, err := e.store.BeginSession(ctx, pair.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to begin session: %w", err)
	}

	start := e.opts.Now()

	pass := &passState{
		pair:    pair,
		session: sess,
		report:  &Report{PairID: pair.ID, SessionID: sess.ID, StartedAt: start},
		window:  adapter.DefaultWindow(start, e.opts.PastDays, e.opts.FutureDays),
		handled: make(map[int64]struct{}),
		sides: map[event.Source]*sideState{
			event.SourceGoogle: {src: event.SourceGoogle, client: e.google, calID: pair.GoogleCalendarID},
			event.SourceCalDAV: {src: event.SourceCalDAV, client: e.caldav, calID: pair.CalDAVCalendarID},
		},
	}

	if err := e.executePass(ctx, pass); err != nil {
		if ferr := e.store.FinishSession(ctx, sess.ID, store.SessionFailed, err.Error()); ferr != nil {
			e.opts.Logger.ErrorContext(ctx, "failed to finish session", "session", sess.ID, "error", ferr)
		}

		return nil, err
	}

	pass.report.Duration = e.opts.Now().Sub(start)

	if err := e.store.FinishSession(ctx, sess.ID, store.SessionCompleted, ""); err != nil {
		return nil, err
	}

	e.opts.Logger.InfoContext(ctx, "pair pass completed",
		"pair", pair.ID,
		"session", sess.ID,
		"created", pass.report.Created,
		"updated", pass.report.Updated,
		"deleted", pass.report.Deleted,
		"skipped", pass.report.Skipped,
		"failed", pass.report.Failed,
		"conflicts", pass.report.Conflicts,
		"duration", pass.report.Duration)

	return pass.report, nil
}

func (e *Engine) executePass(ctx context.Context, pass *passState) error {
	if err := e.preflightTokens(ctx, pass); err != nil {
		return err
	}

	if err := e.fetchChangeSets(ctx, pass); err != nil {
		return err
	}

	e.reconcileDirection(ctx, pass, event.SourceGoogle)
	e.reconcileDirection(ctx, pass, event.SourceCalDAV)

	e.applyDeletions(ctx, pass, event.SourceGoogle)
	e.applyDeletions(ctx, pass, event.SourceCalDAV)

	return e.captureTokens(ctx, pass)
}

// preflightTokens establishes a baseline token for any side that does not
// carry one yet, before the pass writes anything. The new token is NOT used
// for this pass's fetch (the side still snapshots); it only guarantees a
// continuation point from before our own writes in case none can be read at
// the end of the pass.
func (e *Engine) preflightTokens(ctx context.Context, pass *passState) error {
	for _, side := range orderedSides(pass) {
		side.startToken = pass.pair.TokenFor(side.src)
		if side.startToken != "" {
			side.baselineToken = side.startToken

			continue
		}

		token, err := side.client.GetSyncToken(ctx, side.calID)
		if err != nil {
			if errors.Is(err, adapter.ErrAuth) || errors.Is(err, adapter.ErrFatal) {
				return fmt.Errorf("failed to acquire %s sync token: %w", side.src, err)
			}

			// the side simply stays in snapshot mode for this pass
			e.opts.Logger.WarnContext(ctx, "could not acquire sync token",
				"pair", pass.pair.ID, "side", side.src, "error", err)

			continue
		}

		side.baselineToken = token
	}

	return nil
}

// fetchChangeSets pulls both sides' deltas concurrently. A rejected token
// clears the stored one and downgrades that side to a window snapshot, which
// in turn suppresses deletion handling for the side.
func (e *Engine) fetchChangeSets(ctx context.Context, pass *passState) error {
	grp, grpCtx := errgroup.WithContext(ctx)

	for _, side := range orderedSides(pass) {
		side := side

		grp.Go(func() error {
			cs, err := side.client.GetChangeSet(grpCtx, side.calID, side.startToken, pass.window)

			if errors.Is(err, adapter.ErrTokenInvalid) {
				e.opts.Logger.InfoContext(grpCtx, "sync token rejected, falling back to snapshot",
					"pair", pass.pair.ID, "side", side.src)

				if cerr := e.store.ClearPairToken(grpCtx, pass.pair.ID, side.src); cerr != nil {
					return cerr
				}

				side.startToken = ""
				cs, err = side.client.GetChangeSet(grpCtx, side.calID, "", pass.window)
			}

			if err != nil {
				return fmt.Errorf("failed to fetch %s change set: %w", side.src, err)
			}

			if cs.InvalidatedToken != "" {
				// the adapter already fell back to a snapshot internally
				if cerr := e.store.ClearPairToken(grpCtx, pass.pair.ID, side.src); cerr != nil {
					return cerr
				}
			}

			side.cs = cs

			return nil
		})
	}

	if err := grp.Wait(); err != nil {
		return err
	}

	for _, side := range orderedSides(pass) {
		e.capChangeSet(ctx, pass, side)
	}

	return nil
}

// capChangeSet bounds per-pass work. When a side's change set exceeds the
// cap, a deterministic subset is processed and the side's token is held back
// so the remainder arrives with the next pass. The budget only counts events
// that still need real work; already-synced ones cost a hash compare each,
// and spending cap slots on them would starve the remainder behind a wall of
// no-ops, because the held-back token re-delivers the same set every pass.
func (e *Engine) capChangeSet(ctx context.Context, pass *passState, side *sideState) {
	if len(side.cs.Changed) <= e.opts.MaxEventsPerPass {
		return
	}

	ids := maps.Keys(side.cs.Changed)
	sort.Strings(ids)

	pending := make([]string, 0, len(ids))
	for _, id := range ids {
		if !e.isSettled(ctx, pass.pair.ID, side.src, side.cs.Changed[id]) {
			pending = append(pending, id)
		}
	}

	if len(pending) <= e.opts.MaxEventsPerPass {
		return
	}

	kept := make(map[string]*event.Event, e.opts.MaxEventsPerPass)
	for _, id := range pending[:e.opts.MaxEventsPerPass] {
		kept[id] = side.cs.Changed[id]
	}

	e.opts.Logger.Warn("change set truncated",
		"pair", pass.pair.ID, "side", side.src,
		"total", len(side.cs.Changed), "kept", len(kept))

	side.cs.Changed = kept
	side.cs.NextToken = side.startToken
	side.truncated = true
	pass.report.Truncated = true
}

// isSettled reports whether an event is already reflected by an active
// mapping with matching content, so reconciling it again would be a no-op.
func (e *Engine) isSettled(ctx context.Context, pairID int64, src event.Source, evt *event.Event) bool {
	m, err := e.store.GetMappingByNativeID(ctx, pairID, src, evt.NativeID)
	if err != nil {
		return false
	}

	return m.Status == store.MappingActive && m.ContentHash == evt.ContentHash()
}

// captureTokens is the final step of a pass: re-read fresh tokens from both
// sides so our own writes do not echo back next pass, probe for foreign
// activity that raced the pass, and persist both tokens atomically. A
// truncated side is exempt: it keeps its held-back token and skips the
// probe, since its remainder must arrive again. On a detected race both
// tokens are dropped instead, forcing the next pass into a full snapshot
// that acts on no deletions.
func (e *Engine) captureTokens(ctx context.Context, pass *passState) error {
	fresh := make(map[event.Source]string, 2)
	raced := false

	for _, side := range orderedSides(pass) {
		if side.truncated {
			// the held-back token re-delivers the dropped remainder next
			// pass; a freshly read token would skip past it for good
			fresh[side.src] = side.cs.NextToken

			continue
		}

		token, err := side.client.GetSyncToken(ctx, side.calID)
		if err != nil {
			e.opts.Logger.WarnContext(ctx, "could not re-read sync token",
				"pair", pass.pair.ID, "side", side.src, "error", err)

			token = side.cs.NextToken
			if token == "" {
				token = side.baselineToken
			}
		}

		fresh[side.src] = token

		if token != "" && token != side.cs.NextToken {
			// someone moved the calendar while we were processing; decide
			// whether it was us or a third party
			if e.probeForeignActivity(ctx, pass, side) {
				raced = true
			}
		}
	}

	now := e.opts.Now()

	if raced {
		pass.report.TokensCleared = true

		e.opts.Logger.InfoContext(ctx, "foreign activity during pass, clearing tokens",
			"pair", pass.pair.ID)

		return e.store.UpdatePairTokens(ctx, pass.pair.ID, "", "", now)
	}

	return e.store.UpdatePairTokens(ctx, pass.pair.ID, fresh[event.SourceGoogle], fresh[event.SourceCalDAV], now)
}

// probeForeignActivity lists the side again and looks for events we do not
// know: no mapping row, not part of the processed change set, and touched
// within the processing interval. Our own writes all have mapping rows by
// now, so they never count.
func (e *Engine) probeForeignActivity(ctx context.Context, pass *passState, side *sideState) bool {
	probe, err := side.client.GetChangeSet(ctx, side.calID, "", pass.window)
	if err != nil {
		e.opts.Logger.WarnContext(ctx, "race probe failed",
			"pair", pass.pair.ID, "side", side.src, "error", err)

		// cannot tell; assume a race so no change is lost
		return true
	}

	lower := pass.report.StartedAt.Add(-raceProbeGrace)

	for id, evt := range probe.Changed {
		if _, seen := side.cs.Changed[id]; seen {
			continue
		}
		if !evt.Updated.IsZero() && evt.Updated.Before(lower) {
			continue
		}
		if _, err := e.store.GetMappingByNativeID(ctx, pass.pair.ID, side.src, id); err == nil {
			continue
		}

		// merged recurrence exceptions have no native id of their own on the
		// resource side; they are known by their instance key instead
		if rid, ok := evt.RecurrenceID(); ok {
			if _, err := e.store.GetMappingByCanonicalUID(ctx, pass.pair.ID, overrideKey(evt.CanonicalUID(), rid)); err == nil {
				continue
			}
		}

		e.opts.Logger.InfoContext(ctx, "unmapped event appeared during pass",
			"pair", pass.pair.ID, "side", side.src, "nativeId", id)

		return true
	}

	return false
}

func orderedSides(pass *passState) []*sideState {
	return []*sideState{
		pass.sides[event.SourceGoogle],
		pass.sides[event.SourceCalDAV],
	}
}
