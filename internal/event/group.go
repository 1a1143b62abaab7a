package event

import (
	"sort"
)

// Group collects a recurrence master (or a standalone event) together with
// the overrides that deviate from it. The engine always processes the master
// before its overrides.
type Group struct {
	Master    *Event
	Overrides []*Event
}

// Key returns the identity the group was built under.
func (g *Group) Key() string {
	if g.Master.MasterNativeID != "" {
		return g.Master.MasterNativeID
	}

	return g.Master.CanonicalUID()
}

// GroupRecurrences partitions a change set into master/standalone groups
// with their overrides attached. Overrides are keyed by MasterNativeID when
// the source supplies one, else by UID. knownMaster reports whether a master
// exists outside the change set (typically in the mapping table); overrides
// whose master is nowhere to be found are demoted to standalone events with
// their master-reference fields cleared, so they do not synthesize broken
// exceptions on the target side.
func GroupRecurrences(events []*Event, knownMaster func(masterNativeID, uid string) bool) []Group {
	byNativeID := make(map[string]*Event, len(events))
	byUID := make(map[string]*Event)

	var masters, overrides []*Event

	for _, evt := range events {
		if evt.IsOverride() {
			overrides = append(overrides, evt)

			continue
		}

		masters = append(masters, evt)
		byNativeID[evt.NativeID] = evt
		if evt.UID != "" {
			byUID[evt.UID] = evt
		}
	}

	groups := make(map[string]*Group, len(masters))
	order := make([]*Event, 0, len(masters))

	for _, m := range masters {
		groups[m.NativeID] = &Group{Master: m}
		order = append(order, m)
	}

	orphanKey := func(o *Event) string { return "orphan:" + o.NativeID }

	for _, o := range overrides {
		var master *Event
		if o.MasterNativeID != "" {
			master = byNativeID[o.MasterNativeID]
		}
		if master == nil && o.UID != "" {
			master = byUID[o.UID]
		}

		if master != nil {
			groups[master.NativeID].Overrides = append(groups[master.NativeID].Overrides, o)

			continue
		}

		if knownMaster != nil && knownMaster(o.MasterNativeID, o.UID) {
			// master exists in the store but not in this change set; keep
			// the override attached to its own synthetic group so it is
			// still merged as an exception.
			groups[orphanKey(o)] = &Group{Master: nil, Overrides: []*Event{o}}
			order = append(order, o)

			continue
		}

		// no master anywhere: demote to a standalone event to preserve the
		// user's data instead of dropping it.
		demoted := *o
		demoted.MasterNativeID = ""
		demoted.Overrides = stripRecurrenceIDs(demoted.Overrides)

		groups[demoted.NativeID] = &Group{Master: &demoted}
		order = append(order, &demoted)
	}

	result := make([]Group, 0, len(order))
	seen := make(map[string]struct{}, len(order))

	for _, anchor := range order {
		key := anchor.NativeID
		g, ok := groups[key]
		if !ok {
			key = orphanKey(anchor)
			g = groups[key]
		}
		if g == nil {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		sort.Slice(g.Overrides, func(i, j int) bool {
			return Less(g.Overrides[i], g.Overrides[j])
		})

		result = append(result, *g)
	}

	sort.Slice(result, func(i, j int) bool {
		return Less(anchorOf(&result[i]), anchorOf(&result[j]))
	})

	return result
}

func anchorOf(g *Group) *Event {
	if g.Master != nil {
		return g.Master
	}

	return g.Overrides[0]
}

func stripRecurrenceIDs(overrides []Override) []Override {
	kept := overrides[:0:0]
	for _, o := range overrides {
		if o.Kind == OverrideRecurrenceID {
			continue
		}

		kept = append(kept, o)
	}

	return kept
}
