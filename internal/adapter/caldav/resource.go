package caldav

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"

	"github.com/tierklinik-dobersberg/calsync/internal/adapter"
	"github.com/tierklinik-dobersberg/calsync/internal/event"
)

// The resource surface: recurrence exceptions never get a resource of their
// own. They are folded into the master resource so the collection keeps one
// resource per UID, which iCloud enforces.

func (c *Client) DeleteResourceByHref(ctx context.Context, href string) error {
	return c.retry.Do(ctx, "caldav.RemoveAll", func() error {
		return mapError(c.dav.RemoveAll(ctx, href))
	})
}

// AddExdate excludes one instance from the series at href and bumps the
// master SEQUENCE so other clients pick up the change.
func (c *Client) AddExdate(ctx context.Context, href string, at time.Time, allDay bool) error {
	_, cal, err := c.getResource(ctx, href)
	if err != nil {
		return err
	}

	master := masterComponent(cal)
	if master == nil {
		return fmt.Errorf("%w: %s has no master component", adapter.ErrNotFound, href)
	}

	if hasExdate(master, at, allDay) {
		return nil
	}

	master.Props.Add(dateListProp(ical.PropExceptionDates, event.Override{
		Kind:   event.OverrideExDate,
		Date:   at,
		AllDay: allDay,
	}))
	bumpSequence(master)

	// an exception for the now-excluded instance would contradict the
	// EXDATE, drop it
	removeException(cal, at)

	_, err = c.putResource(ctx, href, cal)

	return err
}

// MergeRecurrenceException inserts or replaces the RECURRENCE-ID component
// for the override's instance inside the master resource identified by the
// series UID.
func (c *Client) MergeRecurrenceException(ctx context.Context, calID, masterUID string, override *event.Event) error {
	rid, ok := override.RecurrenceID()
	if !ok {
		return fmt.Errorf("%w: override without recurrence id", adapter.ErrFatal)
	}

	href, cal, err := c.findResourceByUID(ctx, calID, masterUID)
	if err != nil {
		return err
	}

	exc := *override
	exc.UID = masterUID

	replaceException(cal, rid, toComponent(&exc, time.Now()))

	if master := masterComponent(cal); master != nil {
		bumpSequence(master)
	}

	_, err = c.putResource(ctx, href, cal)

	return err
}

// findResourceByUID locates the resource carrying a series. The deterministic
// href used at creation time is tried first; resources created by other
// clients need a UID property search.
func (c *Client) findResourceByUID(ctx context.Context, calID, uid string) (string, *ical.Calendar, error) {
	guess := eventHref(calID, uid)

	_, cal, err := c.getResource(ctx, guess)
	if err == nil && resourceHasUID(cal, uid) {
		return guess, cal, nil
	}
	if err != nil && !errors.Is(err, adapter.ErrNotFound) {
		return "", nil, err
	}

	query := &caldav.CalendarQuery{
		CompRequest: fullCompRequest(),
		CompFilter: caldav.CompFilter{
			Name: ical.CompCalendar,
			Comps: []caldav.CompFilter{{
				Name: ical.CompEvent,
				Props: []caldav.PropFilter{{
					Name:      ical.PropUID,
					TextMatch: &caldav.TextMatch{Text: uid},
				}},
			}},
		},
	}

	var objects []caldav.CalendarObject

	err = c.retry.Do(ctx, "caldav.QueryCalendarByUID", func() error {
		var err error
		objects, err = c.dav.QueryCalendar(ctx, calID, query)

		return mapError(err)
	})
	if err != nil {
		return "", nil, err
	}

	for _, obj := range objects {
		if obj.Data != nil && resourceHasUID(obj.Data, uid) {
			return obj.Path, obj.Data, nil
		}
	}

	return "", nil, fmt.Errorf("%w: no resource with uid %s", adapter.ErrNotFound, uid)
}

func masterComponent(cal *ical.Calendar) *ical.Component {
	for _, child := range cal.Children {
		if child.Name == ical.CompEvent && child.Props.Get(ical.PropRecurrenceID) == nil {
			return child
		}
	}

	return nil
}

func resourceHasUID(cal *ical.Calendar, uid string) bool {
	for _, child := range cal.Children {
		if child.Name != ical.CompEvent {
			continue
		}

		if p := child.Props.Get(ical.PropUID); p != nil && p.Value == uid {
			return true
		}
	}

	return false
}

// componentRecurrenceID parses the instance instant of an exception
// component.
func componentRecurrenceID(comp *ical.Component) (time.Time, bool) {
	p := comp.Props.Get(ical.PropRecurrenceID)
	if p == nil {
		return time.Time{}, false
	}

	rid, _, err := parseDateTimeProp(p)
	if err != nil {
		return time.Time{}, false
	}

	return rid, true
}

// replaceException swaps in the component for the instance at rid, dropping
// any previous exception for the same instant.
func replaceException(cal *ical.Calendar, rid time.Time, comp *ical.Component) {
	removeException(cal, rid)
	cal.Children = append(cal.Children, comp)
}

// removeException deletes the exception component at rid, reporting whether
// one was present.
func removeException(cal *ical.Calendar, rid time.Time) bool {
	kept := cal.Children[:0]
	removed := false

	for _, child := range cal.Children {
		if child.Name == ical.CompEvent {
			if at, ok := componentRecurrenceID(child); ok && at.Equal(rid) {
				removed = true

				continue
			}
		}

		kept = append(kept, child)
	}

	cal.Children = kept

	return removed
}

func hasExdate(comp *ical.Component, at time.Time, allDay bool) bool {
	for _, p := range comp.Props[ical.PropExceptionDates] {
		for _, o := range parseDateList(&p, event.OverrideExDate) {
			if o.Date.Equal(at) && o.AllDay == allDay {
				return true
			}
		}
	}

	return false
}

func bumpSequence(comp *ical.Component) {
	seq := 0
	if p := comp.Props.Get(ical.PropSequence); p != nil {
		seq, _ = strconv.Atoi(strings.TrimSpace(p.Value))
	}

	comp.Props.SetText(ical.PropSequence, strconv.Itoa(seq+1))
}
