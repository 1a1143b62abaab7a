package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/exp/maps"

	"github.com/tierklinik-dobersberg/calsync/internal/adapter"
	"github.com/tierklinik-dobersberg/calsync/internal/event"
	"github.com/tierklinik-dobersberg/calsync/internal/store"
)

// applyDeletions propagates one side's deletions to the other. Deletions are
// acted on only when the side's change set was produced from an accepted
// sync token; a snapshot's silence about an event means nothing.
func (e *Engine) applyDeletions(ctx context.Context, pass *passState, from event.Source) {
	src := pass.side(from)
	dst := pass.side(from.Other())

	if !src.cs.UsedToken || len(src.cs.DeletedNativeIDs) == 0 {
		return
	}

	if !pass.pair.Direction.Propagates(from) {
		return
	}

	ids := maps.Keys(src.cs.DeletedNativeIDs)
	sort.Strings(ids)

	for _, nativeID := range ids {
		if err := e.applyDeletion(ctx, pass, src, dst, nativeID); err != nil {
			pass.report.Failed++

			e.opts.Logger.ErrorContext(ctx, "failed to propagate deletion",
				"pair", pass.pair.ID, "from", src.src, "nativeId", nativeID, "error", err)

			e.recordOp(ctx, pass, store.Operation{
				Kind:     store.OpDelete,
				Source:   src.src,
				Target:   dst.src,
				NativeID: nativeID,
				Success:  false,
				Error:    err.Error(),
			})
		}
	}
}

func (e *Engine) applyDeletion(ctx context.Context, pass *passState, src, dst *sideState, nativeID string) error {
	var (
		m   *store.Mapping
		err error
	)

	// deletion reports carry no event payload; the mapping table is the only
	// way back to the counterpart. CalDAV reports hrefs, which need the
	// degrading lookup chain.
	if src.src == event.SourceCalDAV {
		m, err = e.store.GetMappingByHref(ctx, pass.pair.ID, nativeID)
	} else {
		m, err = e.store.GetMappingByNativeID(ctx, pass.pair.ID, src.src, nativeID)
	}

	if errors.Is(err, store.ErrNotFound) {
		// never synced; nothing to tear down
		e.opts.Logger.DebugContext(ctx, "deletion of unmapped event ignored",
			"pair", pass.pair.ID, "from", src.src, "nativeId", nativeID)

		return nil
	}
	if err != nil {
		return err
	}

	if m.Status != store.MappingActive {
		return nil
	}

	if !e.deletedOnOtherSide(dst, m) {
		targetID := m.NativeIDFor(dst.src)
		if targetID != "" {
			err := dst.client.DeleteEvent(ctx, dst.calID, targetID)
			if err != nil && !errors.Is(err, adapter.ErrNotFound) {
				return fmt.Errorf("failed to delete %s event: %w", dst.src, err)
			}
		}
	}

	if err := e.store.SetMappingStatus(ctx, m.ID, store.MappingDeleted); err != nil {
		return err
	}

	pass.markHandled(m.ID)
	pass.report.Deleted++

	e.recordOp(ctx, pass, store.Operation{
		MappingID: m.ID,
		Kind:      store.OpDelete,
		Source:    src.src,
		Target:    dst.src,
		NativeID:  nativeID,
		Success:   true,
	})

	return nil
}

// deletedOnOtherSide reports whether the counterpart is already part of the
// other side's deletion set, in which case no remote call is needed.
func (e *Engine) deletedOnOtherSide(dst *sideState, m *store.Mapping) bool {
	if !dst.cs.UsedToken {
		return false
	}

	if _, ok := dst.cs.DeletedNativeIDs[m.NativeIDFor(dst.src)]; ok {
		return true
	}

	if dst.src == event.SourceCalDAV && m.CalDAVHref != "" {
		if _, ok := dst.cs.DeletedNativeIDs[m.CalDAVHref]; ok {
			return true
		}
	}

	return false
}
