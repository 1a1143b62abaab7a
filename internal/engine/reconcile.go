package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/exp/maps"

	"github.com/tierklinik-dobersberg/calsync/internal/adapter"
	"github.com/tierklinik-dobersberg/calsync/internal/event"
	"github.com/tierklinik-dobersberg/calsync/internal/store"
)

// reconcileDirection propagates one side's change set to the other. Both
// directions run through this single path; the from/to roles are the only
// difference between them.
func (e *Engine) reconcileDirection(ctx context.Context, pass *passState, from event.Source) {
	if !pass.pair.Direction.Propagates(from) {
		return
	}

	src := pass.side(from)
	dst := pass.side(from.Other())

	if len(src.cs.Changed) == 0 {
		return
	}

	events := make([]*event.Event, 0, len(src.cs.Changed))
	for _, evt := range src.cs.Changed {
		events = append(events, evt)
	}

	peers := peerIndex(dst)

	knownMaster := func(masterNativeID, uid string) bool {
		if masterNativeID != "" {
			if _, err := e.store.GetMappingByNativeID(ctx, pass.pair.ID, from, masterNativeID); err == nil {
				return true
			}
		}
		if uid != "" {
			if _, err := e.store.GetMappingByCanonicalUID(ctx, pass.pair.ID, uid); err == nil {
				return true
			}
		}

		return false
	}

	for _, group := range event.GroupRecurrences(events, knownMaster) {
		if group.Master != nil {
			e.runStep(ctx, pass, src, dst, group.Master, func() error {
				return e.reconcileEvent(ctx, pass, src, dst, group.Master, peers[group.Master.CanonicalUID()])
			})
		}

		for _, o := range group.Overrides {
			o := o

			e.runStep(ctx, pass, src, dst, o, func() error {
				return e.reconcileOverride(ctx, pass, src, dst, group.Master, o)
			})
		}
	}
}

// runStep isolates a single event's outcome: an error is recorded in the
// audit trail and counted, never propagated into the pass.
func (e *Engine) runStep(ctx context.Context, pass *passState, src, dst *sideState, evt *event.Event, fn func() error) {
	err := fn()
	if err == nil {
		return
	}

	pass.report.Failed++

	e.opts.Logger.ErrorContext(ctx, "failed to reconcile event",
		"pair", pass.pair.ID,
		"from", src.src,
		"nativeId", evt.NativeID,
		"summary", evt.Summary,
		"error", err)

	e.recordOp(ctx, pass, store.Operation{
		Kind:     store.OpUpdate,
		Source:   src.src,
		Target:   dst.src,
		NativeID: evt.NativeID,
		Summary:  evt.Summary,
		Success:  false,
		Error:    err.Error(),
	})
}

func (e *Engine) reconcileEvent(ctx context.Context, pass *passState, src, dst *sideState, evt *event.Event, peer *event.Event) error {
	m, err := e.mappingFor(ctx, pass.pair.ID, src.src, evt)
	if err != nil {
		return err
	}

	if m != nil && pass.isHandled(m.ID) {
		return nil
	}

	if m == nil {
		if peer != nil {
			return e.convergeDoubleCreate(ctx, pass, src, dst, evt, peer)
		}

		return e.createOnTarget(ctx, pass, src, dst, evt, nil)
	}

	if m.Status != store.MappingActive {
		// a change arriving for a dead mapping means the event came back
		return e.createOnTarget(ctx, pass, src, dst, evt, m)
	}

	if m.ContentHash == evt.ContentHash() {
		pass.report.Skipped++
		e.recordOp(ctx, pass, store.Operation{
			MappingID: m.ID,
			Kind:      store.OpSkip,
			Source:    src.src,
			Target:    dst.src,
			NativeID:  evt.NativeID,
			Summary:   evt.Summary,
			Success:   true,
		})

		return nil
	}

	current := peer
	if current == nil {
		targetID := m.NativeIDFor(dst.src)
		if targetID == "" {
			return e.createOnTarget(ctx, pass, src, dst, evt, m)
		}

		current, err = dst.client.GetEvent(ctx, dst.calID, targetID)
		if errors.Is(err, adapter.ErrNotFound) {
			// target vanished outside a tokened delta; recreate rather than
			// guess at a deletion
			return e.createOnTarget(ctx, pass, src, dst, evt, m)
		}
		if err != nil {
			return fmt.Errorf("failed to fetch target version: %w", err)
		}
	}

	winner := evt

	google, caldav := orient(evt, current)
	if IsConflict(google, caldav, m) {
		decision := Resolve(google, caldav, m, e.policyFor(pass.pair))
		if decision.Winner != src.src {
			winner = current
		}

		pass.report.Conflicts++

		e.recordConflict(ctx, pass, m, google, caldav, decision)
	} else if current.ContentHash() != m.ContentHash && current.ContentHash() != evt.ContentHash() {
		// both sides drifted but only one after the last sync; the resolver
		// still picks a deterministic winner
		decision := Resolve(google, caldav, m, e.policyFor(pass.pair))
		if decision.Winner != src.src {
			winner = current
		}
	}

	if winner.ContentHash() == current.ContentHash() {
		// the target already holds the winning content; write it back to the
		// source side instead
		return e.pushUpdate(ctx, pass, m, dst, src, current, evt)
	}

	return e.pushUpdate(ctx, pass, m, src, dst, evt, current)
}

// pushUpdate writes the winning version from one side onto the other and
// refreshes the mapping to the new common state.
func (e *Engine) pushUpdate(ctx context.Context, pass *passState, m *store.Mapping, from, to *sideState, winning, losing *event.Event) error {
	push := cloneForTarget(winning, to.src, m.NativeIDFor(to.src))

	updated, err := to.client.UpdateEvent(ctx, to.calID, push)
	if err != nil {
		return fmt.Errorf("failed to update %s event: %w", to.src, err)
	}

	now := e.opts.Now()

	m.ApplySide(winning)
	if updated != nil {
		m.ApplySide(updated)
	}
	m.ContentHash = winning.ContentHash()
	m.Status = store.MappingActive
	m.LastSyncedAt = &now
	m.LastDirection = string(from.src)

	if err := e.store.UpdateMapping(ctx, m); err != nil {
		return err
	}

	pass.markHandled(m.ID)
	pass.report.Updated++

	e.recordOp(ctx, pass, store.Operation{
		MappingID: m.ID,
		Kind:      store.OpUpdate,
		Source:    from.src,
		Target:    to.src,
		NativeID:  winning.NativeID,
		Summary:   winning.Summary,
		Success:   true,
	})

	return nil
}

// createOnTarget creates the event on the target side and writes (or
// revives) the mapping row.
func (e *Engine) createOnTarget(ctx context.Context, pass *passState, src, dst *sideState, evt *event.Event, m *store.Mapping) error {
	created, err := dst.client.CreateEvent(ctx, dst.calID, evt)
	if err != nil {
		return fmt.Errorf("failed to create %s event: %w", dst.src, err)
	}

	now := e.opts.Now()

	fresh := m == nil
	if fresh {
		m = &store.Mapping{PairID: pass.pair.ID}
	}

	m.ApplySide(evt)
	if created != nil {
		m.ApplySide(created)
	}
	m.ContentHash = evt.ContentHash()
	m.Status = store.MappingActive
	m.LastSyncedAt = &now
	m.LastDirection = string(src.src)

	if fresh {
		err = e.store.InsertMapping(ctx, m)
	} else {
		err = e.store.UpdateMapping(ctx, m)
	}
	if err != nil {
		return err
	}

	pass.markHandled(m.ID)
	pass.report.Created++

	e.recordOp(ctx, pass, store.Operation{
		MappingID: m.ID,
		Kind:      store.OpCreate,
		Source:    src.src,
		Target:    dst.src,
		NativeID:  evt.NativeID,
		Summary:   evt.Summary,
		Success:   true,
	})

	return nil
}

// convergeDoubleCreate links two events that were created independently on
// both sides with the same canonical UID. No new event is created; the two
// records are adopted into one mapping and, if their content diverged, the
// losing side is overwritten with the winner's version.
func (e *Engine) convergeDoubleCreate(ctx context.Context, pass *passState, src, dst *sideState, evt, peer *event.Event) error {
	m := &store.Mapping{PairID: pass.pair.ID}
	m.ApplySide(evt)
	m.ApplySide(peer)

	winner := evt

	if evt.ContentHash() != peer.ContentHash() {
		google, caldav := orient(evt, peer)

		decision := Resolve(google, caldav, m, e.policyFor(pass.pair))
		if decision.Winner != src.src {
			winner = peer
		}

		loserSide := pass.side(winner.Source.Other())

		push := cloneForTarget(winner, loserSide.src, m.NativeIDFor(loserSide.src))

		updated, err := loserSide.client.UpdateEvent(ctx, loserSide.calID, push)
		if err != nil {
			return fmt.Errorf("failed to converge double-create: %w", err)
		}
		if updated != nil {
			m.ApplySide(updated)
		}
	}

	now := e.opts.Now()

	m.ContentHash = winner.ContentHash()
	m.Status = store.MappingActive
	m.LastSyncedAt = &now
	m.LastDirection = string(winner.Source)

	if err := e.store.InsertMapping(ctx, m); err != nil {
		return err
	}

	pass.markHandled(m.ID)
	pass.report.Updated++

	e.recordOp(ctx, pass, store.Operation{
		MappingID: m.ID,
		Kind:      store.OpUpdate,
		Source:    src.src,
		Target:    dst.src,
		NativeID:  evt.NativeID,
		Summary:   evt.Summary,
		Success:   true,
	})

	return nil
}

// mappingFor resolves the mapping of a master or standalone event: first by
// the source-native id, then by the canonical UID. A missing mapping is not
// an error.
func (e *Engine) mappingFor(ctx context.Context, pairID int64, src event.Source, evt *event.Event) (*store.Mapping, error) {
	m, err := e.store.GetMappingByNativeID(ctx, pairID, src, evt.NativeID)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	m, err = e.store.GetMappingByCanonicalUID(ctx, pairID, evt.CanonicalUID())
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	return nil, nil
}

func (e *Engine) recordOp(ctx context.Context, pass *passState, op store.Operation) {
	op.SessionID = pass.session.ID

	if err := e.store.RecordOperation(ctx, op); err != nil {
		e.opts.Logger.ErrorContext(ctx, "failed to record operation",
			"session", pass.session.ID, "error", err)
	}
}

func (e *Engine) recordConflict(ctx context.Context, pass *passState, m *store.Mapping, google, caldav *event.Event, decision Decision) {
	c := store.Conflict{
		SessionID: pass.session.ID,
		MappingID: m.ID,
		Winner:    decision.Winner,
		Reason:    decision.Reason,
	}

	if blob, err := json.Marshal(google); err == nil {
		c.GooglePayload = string(blob)
	}
	if blob, err := json.Marshal(caldav); err == nil {
		c.CalDAVPayload = string(blob)
	}

	if err := e.store.RecordConflict(ctx, c); err != nil {
		e.opts.Logger.ErrorContext(ctx, "failed to record conflict",
			"session", pass.session.ID, "error", err)
	}
}

// peerIndex indexes the target side's change set by canonical UID (masters
// and standalones) or by the override instance key. Collisions keep the
// lexically smallest native id so matching stays deterministic.
func peerIndex(dst *sideState) map[string]*event.Event {
	idx := make(map[string]*event.Event, len(dst.cs.Changed))

	ids := maps.Keys(dst.cs.Changed)
	sort.Strings(ids)

	for _, id := range ids {
		evt := dst.cs.Changed[id]

		key := evt.CanonicalUID()
		if rid, ok := evt.RecurrenceID(); ok {
			key = overrideKey(evt.CanonicalUID(), rid)
		}

		if _, taken := idx[key]; !taken {
			idx[key] = evt
		}
	}

	return idx
}

// overrideKey is the mapping identity of a single recurrence exception: the
// series UID qualified by the instant the exception replaces.
func overrideKey(uid string, recurrenceID time.Time) string {
	return uid + "#" + recurrenceID.UTC().Format(time.RFC3339)
}

// orient sorts a pair of candidate events into (google, caldav) order.
func orient(a, b *event.Event) (*event.Event, *event.Event) {
	if a.Source == event.SourceGoogle {
		return a, b
	}

	return b, a
}

// cloneForTarget copies an event's content onto the target side's identity
// so UpdateEvent addresses the right record.
func cloneForTarget(evt *event.Event, target event.Source, targetNativeID string) *event.Event {
	clone := *evt
	clone.Source = target
	clone.NativeID = targetNativeID
	clone.ETag = ""

	return &clone
}
