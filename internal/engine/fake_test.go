package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tierklinik-dobersberg/calsync/internal/adapter"
	"github.com/tierklinik-dobersberg/calsync/internal/event"
)

// fakeClient is an in-memory calendar service with a versioned change log,
// so sync tokens behave like the real ones: a token names a version, a delta
// enumerates everything touched or removed after it.
type fakeClient struct {
	src   event.Source
	calID string

	// newNativeID assigns a service-shaped identifier on create.
	newNativeID func(f *fakeClient, evt *event.Event) string

	mu      sync.Mutex
	version int
	nextID  int
	events  map[string]*event.Event
	touched map[string]int
	removed map[string]int

	// rejectToken makes the next tokened fetch fail like an expired token.
	rejectToken bool

	// afterChangeSet fires once after the next GetChangeSet call, letting
	// tests inject activity that races a running pass.
	afterChangeSet func(f *fakeClient)
}

func newFakeGoogle() *fakeClient {
	return &fakeClient{
		src:   event.SourceGoogle,
		calID: "primary",
		newNativeID: func(f *fakeClient, _ *event.Event) string {
			f.nextID++

			return fmt.Sprintf("g-%d", f.nextID)
		},
		events:  make(map[string]*event.Event),
		touched: make(map[string]int),
		removed: make(map[string]int),
	}
}

// fakeCalDAV adds the resource surface on top of the generic fake.
type fakeCalDAV struct {
	*fakeClient
}

func newFakeCalDAV() *fakeCalDAV {
	return &fakeCalDAV{
		fakeClient: &fakeClient{
			src:   event.SourceCalDAV,
			calID: "/calendars/test/",
			newNativeID: func(f *fakeClient, evt *event.Event) string {
				return "/calendars/test/" + evt.CanonicalUID() + ".ics"
			},
			events:  make(map[string]*event.Event),
			touched: make(map[string]int),
			removed: make(map[string]int),
		},
	}
}

func cloneEvent(evt *event.Event) *event.Event {
	c := *evt
	c.Overrides = append([]event.Override(nil), evt.Overrides...)
	c.Attendees = append([]string(nil), evt.Attendees...)

	return &c
}

func (f *fakeClient) token() string { return "v" + strconv.Itoa(f.version) }

func parseToken(s string) int {
	v, _ := strconv.Atoi(strings.TrimPrefix(s, "v"))

	return v
}

// put inserts or replaces an event as if a user edited it on the service.
func (f *fakeClient) put(evt *event.Event) *event.Event {
	f.mu.Lock()
	defer f.mu.Unlock()

	evt = cloneEvent(evt)
	evt.Source = f.src

	if evt.NativeID == "" {
		evt.NativeID = f.newNativeID(f, evt)
	}
	if evt.Updated.IsZero() {
		evt.Updated = time.Now()
	}

	f.version++
	evt.ETag = fmt.Sprintf("etag-%d", f.version)
	f.events[evt.NativeID] = evt
	f.touched[evt.NativeID] = f.version
	delete(f.removed, evt.NativeID)

	return cloneEvent(evt)
}

// remove deletes an event with a tombstone, the way the service reports it
// in later deltas.
func (f *fakeClient) remove(nativeID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.version++
	delete(f.events, nativeID)
	delete(f.touched, nativeID)
	f.removed[nativeID] = f.version
}

// vanish drops an event without leaving a tombstone, simulating a gap that
// only a snapshot would reveal.
func (f *fakeClient) vanish(nativeID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.events, nativeID)
	delete(f.touched, nativeID)
}

func (f *fakeClient) get(nativeID string) *event.Event {
	f.mu.Lock()
	defer f.mu.Unlock()

	evt, ok := f.events[nativeID]
	if !ok {
		return nil
	}

	return cloneEvent(evt)
}

func (f *fakeClient) all() []*event.Event {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]*event.Event, 0, len(f.events))
	for _, evt := range f.events {
		out = append(out, cloneEvent(evt))
	}

	return out
}

func (f *fakeClient) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.events)
}

func (f *fakeClient) Source() event.Source { return f.src }

func (f *fakeClient) ListCalendars(context.Context) ([]adapter.CalendarInfo, error) {
	return []adapter.CalendarInfo{{ID: f.calID, Name: "Test", Primary: true}}, nil
}

func (f *fakeClient) GetSyncToken(context.Context, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.token(), nil
}

func (f *fakeClient) GetChangeSet(_ context.Context, _ string, sinceToken string, window adapter.Window) (*adapter.ChangeSet, error) {
	f.mu.Lock()

	hook := f.afterChangeSet
	f.afterChangeSet = nil

	defer func() {
		f.mu.Unlock()

		if hook != nil {
			hook(f)
		}
	}()

	cs := adapter.NewChangeSet()
	cs.NextToken = f.token()

	if sinceToken != "" {
		if f.rejectToken {
			return nil, adapter.ErrTokenInvalid
		}

		since := parseToken(sinceToken)
		cs.UsedToken = true

		for id, ver := range f.touched {
			if ver > since {
				cs.Changed[id] = cloneEvent(f.events[id])
			}
		}
		for id, ver := range f.removed {
			if ver > since {
				cs.DeletedNativeIDs[id] = struct{}{}
			}
		}

		return cs, nil
	}

	for id, evt := range f.events {
		if window.Contains(evt.Start) {
			cs.Changed[id] = cloneEvent(evt)
		}
	}

	return cs, nil
}

func (f *fakeClient) GetEvent(_ context.Context, _ string, nativeID string) (*event.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	evt, ok := f.events[nativeID]
	if !ok {
		return nil, adapter.ErrNotFound
	}

	return cloneEvent(evt), nil
}

func (f *fakeClient) CreateEvent(_ context.Context, _ string, evt *event.Event) (*event.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	created := cloneEvent(evt)
	created.Source = f.src
	created.NativeID = f.newNativeID(f, evt)

	f.version++
	created.ETag = fmt.Sprintf("etag-%d", f.version)
	f.events[created.NativeID] = created
	f.touched[created.NativeID] = f.version

	return cloneEvent(created), nil
}

func (f *fakeClient) UpdateEvent(_ context.Context, _ string, evt *event.Event) (*event.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.events[evt.NativeID]; !ok {
		return nil, adapter.ErrNotFound
	}

	updated := cloneEvent(evt)
	updated.Source = f.src

	f.version++
	updated.ETag = fmt.Sprintf("etag-%d", f.version)
	f.events[updated.NativeID] = updated
	f.touched[updated.NativeID] = f.version

	return cloneEvent(updated), nil
}

func (f *fakeClient) DeleteEvent(_ context.Context, _ string, nativeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.events[nativeID]; !ok {
		return adapter.ErrNotFound
	}

	f.version++
	delete(f.events, nativeID)
	delete(f.touched, nativeID)
	f.removed[nativeID] = f.version

	return nil
}

// FindInstance resolves a concrete instance of a series, materializing one
// from the master when no detached record exists yet. This mirrors how the
// Google instances listing behaves.
func (f *fakeClient) FindInstance(_ context.Context, _ string, masterNativeID string, at time.Time) (*event.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, evt := range f.events {
		if evt.MasterNativeID != masterNativeID {
			continue
		}
		if rid, ok := evt.RecurrenceID(); ok && rid.Equal(at) {
			return cloneEvent(evt), nil
		}
	}

	master, ok := f.events[masterNativeID]
	if !ok {
		return nil, adapter.ErrNotFound
	}

	inst := cloneEvent(master)
	inst.NativeID = masterNativeID + "_" + at.UTC().Format("20060102T150405Z")
	inst.MasterNativeID = masterNativeID
	inst.RRule = ""
	inst.Start = at
	inst.End = at.Add(master.End.Sub(master.Start))
	inst.Overrides = []event.Override{{Kind: event.OverrideRecurrenceID, Date: at}}

	f.version++
	f.events[inst.NativeID] = inst
	f.touched[inst.NativeID] = f.version

	return cloneEvent(inst), nil
}

func (f *fakeCalDAV) DeleteResourceByHref(ctx context.Context, href string) error {
	return f.DeleteEvent(ctx, f.calID, href)
}

func (f *fakeCalDAV) AddExdate(_ context.Context, href string, at time.Time, allDay bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	master, ok := f.events[href]
	if !ok {
		return adapter.ErrNotFound
	}

	master.Overrides = append(master.Overrides, event.Override{
		Kind:   event.OverrideExDate,
		Date:   at,
		AllDay: allDay,
	})
	master.Sequence++

	f.version++
	master.ETag = fmt.Sprintf("etag-%d", f.version)
	f.touched[href] = f.version

	return nil
}

func (f *fakeCalDAV) MergeRecurrenceException(_ context.Context, _ string, masterUID string, override *event.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var master *event.Event
	for _, evt := range f.events {
		if evt.UID == masterUID && !evt.IsOverride() {
			master = evt

			break
		}
	}
	if master == nil {
		return adapter.ErrNotFound
	}

	rid, _ := override.RecurrenceID()

	exc := cloneEvent(override)
	exc.Source = f.src
	exc.NativeID = master.NativeID + "#" + rid.UTC().Format("20060102T150405Z")
	exc.MasterNativeID = master.NativeID

	f.version++
	f.events[exc.NativeID] = exc
	f.touched[exc.NativeID] = f.version

	master.Sequence++
	master.ETag = fmt.Sprintf("etag-%d", f.version)
	f.touched[master.NativeID] = f.version

	return nil
}

// exceptionsOf lists the merged exceptions of a master resource.
func (f *fakeCalDAV) exceptionsOf(href string) []*event.Event {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*event.Event
	for _, evt := range f.events {
		if evt.MasterNativeID == href {
			out = append(out, cloneEvent(evt))
		}
	}

	return out
}

// resourcesWithUID counts distinct non-exception resources carrying a UID.
// The single-resource invariant of CalDAV recurrences keeps this at one.
func (f *fakeCalDAV) resourcesWithUID(uid string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, evt := range f.events {
		if evt.UID == uid && !evt.IsOverride() {
			n++
		}
	}

	return n
}
