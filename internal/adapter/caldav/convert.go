package caldav

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"github.com/tierklinik-dobersberg/calsync/internal/event"
)

const (
	icalUTCLayout   = "20060102T150405Z"
	icalLocalLayout = "20060102T150405"
	icalDateLayout  = "20060102"

	prodID = "-//tierklinik-dobersberg//calsync//EN"
)

// eventsFromCalendar decodes every VEVENT of a resource into canonical
// events. The component without a RECURRENCE-ID is the master and gets the
// href as its native id; embedded exceptions get "href#recurrence-instant"
// so they stay addressable without owning a resource of their own.
func eventsFromCalendar(href string, cal *ical.Calendar, etag string) ([]*event.Event, error) {
	var (
		out       []*event.Event
		masterUID string
	)

	for _, comp := range cal.Children {
		if comp.Name != ical.CompEvent {
			continue
		}

		evt, err := eventFromComponent(comp)
		if err != nil {
			return nil, fmt.Errorf("failed to decode component of %s: %w", href, err)
		}

		evt.ETag = etag

		if rid, ok := evt.RecurrenceID(); ok {
			evt.NativeID = overrideHref(href, rid)
			evt.MasterNativeID = href
		} else {
			evt.NativeID = href
			masterUID = evt.UID
		}

		out = append(out, evt)
	}

	// exceptions inherit the series UID when theirs is blank
	for _, evt := range out {
		if evt.UID == "" && evt.MasterNativeID != "" {
			evt.UID = masterUID
		}
	}

	return out, nil
}

// eventFromComponent maps a single VEVENT to the canonical model.
func eventFromComponent(comp *ical.Component) (*event.Event, error) {
	evt := &event.Event{Source: event.SourceCalDAV}

	if p := comp.Props.Get(ical.PropUID); p != nil {
		evt.UID = p.Value
	}
	if p := comp.Props.Get(ical.PropSummary); p != nil {
		evt.Summary = strings.TrimSpace(p.Value)
	}
	if p := comp.Props.Get(ical.PropDescription); p != nil {
		evt.Description = strings.TrimSpace(p.Value)
	}
	if p := comp.Props.Get(ical.PropLocation); p != nil {
		evt.Location = strings.TrimSpace(p.Value)
	}

	dtstart := comp.Props.Get(ical.PropDateTimeStart)
	if dtstart == nil {
		return nil, fmt.Errorf("%w: VEVENT without DTSTART", event.ErrInvalidEvent)
	}

	var err error

	evt.Start, evt.AllDay, err = parseDateTimeProp(dtstart)
	if err != nil {
		return nil, fmt.Errorf("invalid DTSTART: %w", err)
	}

	evt.Timezone = dtstart.Params.Get(ical.ParamTimezoneID)

	if dtend := comp.Props.Get(ical.PropDateTimeEnd); dtend != nil {
		evt.End, _, err = parseDateTimeProp(dtend)
		if err != nil {
			return nil, fmt.Errorf("invalid DTEND: %w", err)
		}
	} else if evt.AllDay {
		evt.End = evt.Start.AddDate(0, 0, 1)
	} else {
		evt.End = evt.Start
	}

	if p := comp.Props.Get(ical.PropSequence); p != nil {
		if seq, serr := strconv.Atoi(strings.TrimSpace(p.Value)); serr == nil {
			evt.Sequence = seq
		}
	}

	if p := comp.Props.Get(ical.PropCreated); p != nil {
		evt.Created, _ = p.DateTime(time.UTC)
	}

	if p := comp.Props.Get(ical.PropLastModified); p != nil {
		evt.Updated, _ = p.DateTime(time.UTC)
	} else if p := comp.Props.Get(ical.PropDateTimeStamp); p != nil {
		evt.Updated, _ = p.DateTime(time.UTC)
	}

	if p := comp.Props.Get(ical.PropRecurrenceRule); p != nil {
		evt.RRule = "RRULE:" + p.Value
	}

	for _, p := range comp.Props[ical.PropExceptionDates] {
		evt.Overrides = append(evt.Overrides, parseDateList(&p, event.OverrideExDate)...)
	}
	for _, p := range comp.Props[ical.PropRecurrenceDates] {
		evt.Overrides = append(evt.Overrides, parseDateList(&p, event.OverrideRDate)...)
	}

	if p := comp.Props.Get(ical.PropRecurrenceID); p != nil {
		rid, allDay, rerr := parseDateTimeProp(p)
		if rerr != nil {
			return nil, fmt.Errorf("invalid RECURRENCE-ID: %w", rerr)
		}

		evt.Overrides = append(evt.Overrides, event.Override{
			Kind:   event.OverrideRecurrenceID,
			Date:   rid,
			AllDay: allDay,
		})

		// a cancelled exception becomes the zero-duration marker the
		// rest of the pipeline understands
		if p := comp.Props.Get(ical.PropStatus); p != nil && strings.EqualFold(p.Value, "CANCELLED") {
			evt.Summary = ""
			evt.Start = rid
			evt.End = rid
		}
	}

	if p := comp.Props.Get(ical.PropOrganizer); p != nil {
		evt.Organizer = stripMailto(p.Value)
	}

	for _, p := range comp.Props[ical.PropAttendee] {
		if addr := stripMailto(p.Value); addr != "" {
			evt.Attendees = append(evt.Attendees, addr)
		}
	}

	return evt, nil
}

// toComponent maps a canonical event back to a VEVENT.
func toComponent(evt *event.Event, now time.Time) *ical.Component {
	e := ical.NewEvent()

	e.Props.SetText(ical.PropUID, evt.CanonicalUID())
	e.Props.SetDateTime(ical.PropDateTimeStamp, now.UTC())

	rid, isOverride := evt.RecurrenceID()
	cancelled := isOverride && evt.IsCancelled()

	if evt.Summary != "" {
		e.Props.SetText(ical.PropSummary, evt.Summary)
	}
	if evt.Description != "" {
		e.Props.SetText(ical.PropDescription, evt.Description)
	}
	if evt.Location != "" {
		e.Props.SetText(ical.PropLocation, evt.Location)
	}

	setDateTimeProp(e.Props, ical.PropDateTimeStart, evt.Start, evt.AllDay, evt.Timezone)
	if !cancelled {
		setDateTimeProp(e.Props, ical.PropDateTimeEnd, evt.End, evt.AllDay, evt.Timezone)
	}

	if evt.RRule != "" {
		e.Props.SetText(ical.PropRecurrenceRule, strings.TrimPrefix(evt.RRule, "RRULE:"))
	}

	for _, o := range evt.Overrides {
		switch o.Kind {
		case event.OverrideExDate:
			e.Props.Add(dateListProp(ical.PropExceptionDates, o))
		case event.OverrideRDate:
			e.Props.Add(dateListProp(ical.PropRecurrenceDates, o))
		}
	}

	if isOverride {
		p := ical.NewProp(ical.PropRecurrenceID)
		setDateTimeValue(p, rid, evt.AllDay, evt.Timezone)
		e.Props.Set(p)
	}

	if cancelled {
		e.Props.SetText(ical.PropStatus, "CANCELLED")
	} else {
		e.Props.SetText(ical.PropStatus, "CONFIRMED")
	}

	if evt.Sequence > 0 {
		e.Props.SetText(ical.PropSequence, strconv.Itoa(evt.Sequence))
	}

	if !evt.Updated.IsZero() {
		e.Props.SetDateTime(ical.PropLastModified, evt.Updated.UTC())
	}

	if evt.Organizer != "" {
		e.Props.SetText(ical.PropOrganizer, "mailto:"+evt.Organizer)
	}
	for _, a := range evt.Attendees {
		p := ical.NewProp(ical.PropAttendee)
		p.Value = "mailto:" + a
		e.Props.Add(p)
	}

	return e.Component
}

// newCalendar wraps VEVENT components into a resource body.
func newCalendar(comps ...*ical.Component) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, prodID)
	cal.Children = append(cal.Children, comps...)

	return cal
}

// overrideHref addresses an exception embedded inside a master resource.
func overrideHref(href string, rid time.Time) string {
	return href + "#" + rid.UTC().Format(icalUTCLayout)
}

// splitHref separates a resource path from an embedded-exception fragment.
func splitHref(nativeID string) (href, fragment string) {
	if idx := strings.IndexByte(nativeID, '#'); idx >= 0 {
		return nativeID[:idx], nativeID[idx+1:]
	}

	return nativeID, ""
}

func parseDateTimeProp(p *ical.Prop) (time.Time, bool, error) {
	if p.Params.Get(ical.ParamValue) == string(ical.ValueDate) || len(p.Value) == len(icalDateLayout) {
		t, err := time.Parse(icalDateLayout, p.Value)

		return t, true, err
	}

	t, err := p.DateTime(time.UTC)

	return t, false, err
}

func setDateTimeProp(props ical.Props, name string, t time.Time, allDay bool, tz string) {
	p := ical.NewProp(name)
	setDateTimeValue(p, t, allDay, tz)
	props.Set(p)
}

func setDateTimeValue(p *ical.Prop, t time.Time, allDay bool, tz string) {
	if allDay {
		p.SetDate(t)

		return
	}

	if tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			p.SetDateTime(t.In(loc))

			return
		}
	}

	p.SetDateTime(t.UTC())
}

// parseDateList decodes a (possibly comma-joined) EXDATE or RDATE property.
func parseDateList(p *ical.Prop, kind event.OverrideKind) []event.Override {
	loc := time.UTC
	if name := p.Params.Get(ical.ParamTimezoneID); name != "" {
		if parsed, err := time.LoadLocation(name); err == nil {
			loc = parsed
		}
	}

	var out []event.Override

	for _, value := range strings.Split(p.Value, ",") {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}

		switch {
		case strings.HasSuffix(value, "Z"):
			if t, err := time.Parse(icalUTCLayout, value); err == nil {
				out = append(out, event.Override{Kind: kind, Date: t})
			}
		case len(value) == len(icalDateLayout):
			if t, err := time.ParseInLocation(icalDateLayout, value, loc); err == nil {
				out = append(out, event.Override{Kind: kind, Date: t, AllDay: true})
			}
		default:
			if t, err := time.ParseInLocation(icalLocalLayout, value, loc); err == nil {
				out = append(out, event.Override{Kind: kind, Date: t})
			}
		}
	}

	return out
}

func dateListProp(name string, o event.Override) *ical.Prop {
	p := ical.NewProp(name)

	if o.AllDay {
		p.SetValueType(ical.ValueDate)
		p.Value = o.Date.Format(icalDateLayout)
	} else {
		p.Value = o.Date.UTC().Format(icalUTCLayout)
	}

	return p
}

func stripMailto(value string) string {
	return strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(value), "mailto:"))
}
