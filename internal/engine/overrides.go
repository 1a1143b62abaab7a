package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tierklinik-dobersberg/calsync/internal/adapter"
	"github.com/tierklinik-dobersberg/calsync/internal/event"
	"github.com/tierklinik-dobersberg/calsync/internal/store"
)

// reconcileOverride propagates a single recurrence exception. The two sides
// model exceptions differently: Google exposes them as separate instance
// records, CalDAV embeds them in the master resource as RECURRENCE-ID
// subcomponents (or EXDATE entries for cancellations). The override gets its
// own mapping row keyed by series UID plus recurrence instant so repeated
// passes stay idempotent.
func (e *Engine) reconcileOverride(ctx context.Context, pass *passState, src, dst *sideState, master, o *event.Event) error {
	rid, ok := o.RecurrenceID()
	if !ok {
		// sources that only hand us the master reference leave the instant
		// in the start time
		rid = o.Start
	}

	mm, err := e.masterMapping(ctx, pass, src, master, o)
	if err != nil {
		return err
	}
	if mm == nil {
		return fmt.Errorf("recurrence master of %s is not mapped", o.NativeID)
	}

	key := overrideKey(seriesUID(mm, o), rid)

	om, err := e.store.GetMappingByCanonicalUID(ctx, pass.pair.ID, key)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	if om != nil && om.Status == store.MappingActive && om.ContentHash == o.ContentHash() {
		pass.report.Skipped++
		e.recordOp(ctx, pass, store.Operation{
			MappingID: om.ID,
			Kind:      store.OpSkip,
			Source:    src.src,
			Target:    dst.src,
			NativeID:  o.NativeID,
			Summary:   o.Summary,
			Success:   true,
		})

		return nil
	}

	var counterpart *event.Event

	if dst.src == event.SourceCalDAV {
		counterpart, err = e.mergeIntoResource(ctx, pass, dst, mm, o, rid)
	} else {
		counterpart, err = e.applyInstanceException(ctx, dst, mm, o, rid)
	}
	if err != nil {
		return err
	}

	if err := e.upsertOverrideMapping(ctx, pass, om, key, o, counterpart); err != nil {
		return err
	}

	pass.report.Updated++

	e.recordOp(ctx, pass, store.Operation{
		MappingID: mm.ID,
		Kind:      store.OpUpdate,
		Source:    src.src,
		Target:    dst.src,
		NativeID:  o.NativeID,
		Summary:   o.Summary,
		Success:   true,
	})

	return nil
}

// mergeIntoResource rewrites the CalDAV master resource: an EXDATE for a
// cancelled instance, a RECURRENCE-ID subcomponent for a rescheduled one.
// The single-resource invariant holds because no new resource is ever PUT
// for an exception.
func (e *Engine) mergeIntoResource(ctx context.Context, pass *passState, dst *sideState, mm *store.Mapping, o *event.Event, rid time.Time) (*event.Event, error) {
	if e.caldavOps == nil {
		return nil, fmt.Errorf("caldav adapter does not support resource merges")
	}

	href := mm.CalDAVHref
	if href == "" {
		href = mm.CalDAVNativeID
	}
	if href == "" {
		return nil, fmt.Errorf("recurrence master %s has no caldav resource", mm.CanonicalUID)
	}

	if o.IsCancelled() {
		if err := e.caldavOps.AddExdate(ctx, href, rid, o.AllDay); err != nil {
			return nil, fmt.Errorf("failed to add exdate: %w", err)
		}
	} else {
		uid := mm.CalDAVUID
		if uid == "" {
			uid = seriesUID(mm, o)
		}

		if err := e.caldavOps.MergeRecurrenceException(ctx, dst.calID, uid, o); err != nil {
			return nil, fmt.Errorf("failed to merge recurrence exception: %w", err)
		}
	}

	// the resource got a new etag and sequence; refresh the master mapping
	// so the rewrite does not echo back as a change next pass
	if cur, err := dst.client.GetEvent(ctx, dst.calID, href); err == nil {
		now := e.opts.Now()

		mm.ApplySide(cur)
		mm.LastSyncedAt = &now

		if uerr := e.store.UpdateMapping(ctx, mm); uerr != nil {
			return nil, uerr
		}

		pass.markHandled(mm.ID)
	}

	return nil, nil
}

// applyInstanceException materializes an exception on the Google side, where
// every instance of a series is addressable as its own record.
func (e *Engine) applyInstanceException(ctx context.Context, dst *sideState, mm *store.Mapping, o *event.Event, rid time.Time) (*event.Event, error) {
	masterID := mm.NativeIDFor(dst.src)
	if masterID == "" {
		return nil, fmt.Errorf("recurrence master %s has no %s record", mm.CanonicalUID, dst.src)
	}

	inst, err := dst.client.FindInstance(ctx, dst.calID, masterID, rid)

	if o.IsCancelled() {
		if errors.Is(err, adapter.ErrNotFound) {
			// instance already gone
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		if derr := dst.client.DeleteEvent(ctx, dst.calID, inst.NativeID); derr != nil && !errors.Is(derr, adapter.ErrNotFound) {
			return nil, derr
		}

		return inst, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to locate instance at %s: %w", rid.Format(time.RFC3339), err)
	}

	push := cloneForTarget(o, dst.src, inst.NativeID)
	push.MasterNativeID = masterID

	updated, err := dst.client.UpdateEvent(ctx, dst.calID, push)
	if err != nil {
		return nil, fmt.Errorf("failed to update instance: %w", err)
	}

	if updated == nil {
		updated = push
	}

	return updated, nil
}

// masterMapping resolves the mapping of the series an override belongs to:
// the explicit master reference first, then the master from the same change
// set, then the shared series UID.
func (e *Engine) masterMapping(ctx context.Context, pass *passState, src *sideState, master, o *event.Event) (*store.Mapping, error) {
	if o.MasterNativeID != "" {
		m, err := e.store.GetMappingByNativeID(ctx, pass.pair.ID, src.src, o.MasterNativeID)
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	if master != nil {
		m, err := e.store.GetMappingByNativeID(ctx, pass.pair.ID, src.src, master.NativeID)
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	if o.UID != "" {
		m, err := e.store.GetMappingByCanonicalUID(ctx, pass.pair.ID, o.UID)
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	return nil, nil
}

// upsertOverrideMapping records the exception's own mapping row so the next
// pass recognizes it as already propagated.
func (e *Engine) upsertOverrideMapping(ctx context.Context, pass *passState, om *store.Mapping, key string, o, counterpart *event.Event) error {
	fresh := om == nil
	if fresh {
		om = &store.Mapping{PairID: pass.pair.ID}
	}

	om.ApplySide(o)
	if counterpart != nil {
		om.ApplySide(counterpart)
	}

	// ApplySide derives the canonical uid from the event; overrides are
	// keyed by the instance-qualified key instead
	om.CanonicalUID = key

	now := e.opts.Now()

	om.ContentHash = o.ContentHash()
	om.Status = store.MappingActive
	om.LastSyncedAt = &now
	om.LastDirection = string(o.Source)

	var err error
	if fresh {
		err = e.store.InsertMapping(ctx, om)
	} else {
		err = e.store.UpdateMapping(ctx, om)
	}
	if err != nil {
		return err
	}

	pass.markHandled(om.ID)

	return nil
}

// seriesUID names the series an override belongs to.
func seriesUID(mm *store.Mapping, o *event.Event) string {
	if o.UID != "" {
		return o.UID
	}

	return mm.CanonicalUID
}
