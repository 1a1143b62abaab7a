// Package caldav adapts an iCloud-class CalDAV server to the uniform
// adapter contract. Incremental syncing uses the RFC 6578 sync-collection
// report when the server offers it and degrades to CTag-gated snapshots
// when it does not. Recurrence exceptions live inside their master
// resource, addressed as "href#recurrence-instant".
package caldav

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/teambition/rrule-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tierklinik-dobersberg/calsync/internal/adapter"
	"github.com/tierklinik-dobersberg/calsync/internal/event"
)

const (
	// ctagPrefix marks a token derived from getctag rather than a real
	// sync token. CTag tokens only gate snapshot refreshes and never
	// authorize deletion propagation.
	ctagPrefix = "ctag:"

	requestTimeout = 45 * time.Second
)

// Client wraps the go-webdav CalDAV client behind the adapter contract.
type Client struct {
	dav  *caldav.Client
	http *http.Client
	base *url.URL

	username string
	password string

	retry *adapter.Retryer
	log   *slog.Logger

	mu      sync.Mutex
	homeSet string
}

// New builds a client against the discovery entry point, e.g.
// https://caldav.icloud.com/ with an app-specific password.
func New(baseURL, username, password string, retry *adapter.Retryer, log *slog.Logger) (*Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid caldav url: %w", err)
	}

	if log == nil {
		log = slog.Default()
	}

	httpClient := &http.Client{
		Timeout: requestTimeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
		},
	}

	dav, err := caldav.NewClient(webdav.HTTPClientWithBasicAuth(httpClient, username, password), baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create caldav client: %w", err)
	}

	return &Client{
		dav:      dav,
		http:     httpClient,
		base:     base,
		username: username,
		password: password,
		retry:    retry,
		log:      log,
	}, nil
}

func (c *Client) Source() event.Source { return event.SourceCalDAV }

// rebind follows an absolute reference onto a different host. iCloud hands
// out principal and home-set URLs on per-partition hosts, so the client has
// to move along with them.
func (c *Client) rebind(ref string) (string, error) {
	if !strings.HasPrefix(ref, "http://") && !strings.HasPrefix(ref, "https://") {
		return ref, nil
	}

	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("invalid reference %q: %w", ref, err)
	}

	if u.Host != c.base.Host {
		root := &url.URL{Scheme: u.Scheme, Host: u.Host}

		dav, err := caldav.NewClient(webdav.HTTPClientWithBasicAuth(c.http, c.username, c.password), root.String())
		if err != nil {
			return "", err
		}

		c.log.Debug("following caldav partition redirect", "host", u.Host)

		c.dav = dav
		c.base = root
	}

	return u.Path, nil
}

// discoverHomeSet walks current-user-principal to the calendar home set and
// caches the result.
func (c *Client) discoverHomeSet(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.homeSet != "" {
		return c.homeSet, nil
	}

	var principal string

	err := c.retry.Do(ctx, "caldav.FindCurrentUserPrincipal", func() error {
		var err error
		principal, err = c.dav.FindCurrentUserPrincipal(ctx)

		return mapError(err)
	})
	if err != nil {
		return "", fmt.Errorf("principal discovery failed: %w", err)
	}

	principal, err = c.rebind(principal)
	if err != nil {
		return "", err
	}

	var homeSet string

	err = c.retry.Do(ctx, "caldav.FindCalendarHomeSet", func() error {
		var err error
		homeSet, err = c.dav.FindCalendarHomeSet(ctx, principal)

		return mapError(err)
	})
	if err != nil {
		return "", fmt.Errorf("calendar home set discovery failed: %w", err)
	}

	homeSet, err = c.rebind(homeSet)
	if err != nil {
		return "", err
	}

	c.homeSet = homeSet

	return homeSet, nil
}

func (c *Client) ListCalendars(ctx context.Context) ([]adapter.CalendarInfo, error) {
	homeSet, err := c.discoverHomeSet(ctx)
	if err != nil {
		return nil, err
	}

	var cals []caldav.Calendar

	err = c.retry.Do(ctx, "caldav.FindCalendars", func() error {
		var err error
		cals, err = c.dav.FindCalendars(ctx, homeSet)

		return mapError(err)
	})
	if err != nil {
		return nil, err
	}

	var out []adapter.CalendarInfo

	for _, cal := range cals {
		if !supportsEvents(cal) {
			continue
		}

		out = append(out, adapter.CalendarInfo{
			ID:   cal.Path,
			Name: cal.Name,
		})
	}

	return out, nil
}

// supportsEvents filters out VTODO-only collections (reminders, inbox).
func supportsEvents(cal caldav.Calendar) bool {
	if len(cal.SupportedComponentSet) == 0 {
		return true
	}

	for _, comp := range cal.SupportedComponentSet {
		if strings.EqualFold(comp, ical.CompEvent) {
			return true
		}
	}

	return false
}

func (c *Client) GetSyncToken(ctx context.Context, calID string) (string, error) {
	var state *collectionState

	err := c.retry.Do(ctx, "caldav.GetCollectionState", func() error {
		var err error
		state, err = c.getCollectionState(ctx, calID)

		return err
	})
	if err != nil {
		return "", err
	}

	return state.token(), nil
}

func (c *Client) GetChangeSet(ctx context.Context, calID, sinceToken string, window adapter.Window) (*adapter.ChangeSet, error) {
	ctx, span := otel.Tracer("").Start(ctx, "caldav.client#GetChangeSet")
	defer span.End()

	span.SetAttributes(
		attribute.String("calendar.path", calID),
		attribute.Bool("tokened", sinceToken != ""),
	)

	switch {
	case sinceToken == "":
		return c.snapshotChangeSet(ctx, calID, window)

	case strings.HasPrefix(sinceToken, ctagPrefix):
		return c.ctagChangeSet(ctx, calID, sinceToken, window)

	default:
		return c.syncCollectionChangeSet(ctx, calID, sinceToken)
	}
}

// snapshotChangeSet lists the window via calendar-query. The token for the
// next pass is read before the listing so concurrent edits surface again
// rather than slipping between token and listing.
func (c *Client) snapshotChangeSet(ctx context.Context, calID string, window adapter.Window) (*adapter.ChangeSet, error) {
	nextToken, err := c.GetSyncToken(ctx, calID)
	if err != nil {
		c.log.Warn("collection state unavailable, continuing without token", "calendar", calID, "error", err)

		nextToken = ""
	}

	cs := adapter.NewChangeSet()
	cs.NextToken = nextToken

	objects, err := c.queryWindow(ctx, calID, window)
	if err != nil {
		return nil, err
	}

	for _, obj := range objects {
		if err := c.collectObject(cs, &obj); err != nil {
			return nil, err
		}
	}

	return cs, nil
}

// ctagChangeSet serves servers without sync-collection: an unchanged CTag
// means an empty pass, anything else is a fresh snapshot. Deletions are
// never derived from it.
func (c *Client) ctagChangeSet(ctx context.Context, calID, sinceToken string, window adapter.Window) (*adapter.ChangeSet, error) {
	state, err := c.getCollectionState(ctx, calID)
	if err != nil {
		return nil, err
	}

	if ctagPrefix+state.CTag == sinceToken && state.SyncToken == "" {
		cs := adapter.NewChangeSet()
		cs.NextToken = sinceToken

		return cs, nil
	}

	cs, err := c.snapshotChangeSet(ctx, calID, window)
	if err != nil {
		return nil, err
	}

	// a server that started advertising real sync tokens upgrades the
	// pair transparently on the next pass
	if tok := state.token(); tok != "" && cs.NextToken == "" {
		cs.NextToken = tok
	}

	return cs, nil
}

// syncCollectionChangeSet runs the RFC 6578 report and hydrates the changed
// resources with a follow-up multiget, since the report itself only names
// paths and etags.
func (c *Client) syncCollectionChangeSet(ctx context.Context, calID, sinceToken string) (*adapter.ChangeSet, error) {
	var report *syncReport

	err := c.retry.Do(ctx, "caldav.SyncCollection", func() error {
		var err error
		report, err = c.syncCollectionReport(ctx, calID, sinceToken)

		return err
	})
	if err != nil {
		if tokenRejected(err) {
			return nil, fmt.Errorf("%w: %v", adapter.ErrTokenInvalid, err)
		}

		return nil, err
	}

	cs := adapter.NewChangeSet()
	cs.UsedToken = true
	cs.NextToken = report.SyncToken

	for _, path := range report.Deleted {
		if isResourcePath(path) {
			cs.DeletedNativeIDs[path] = struct{}{}
		}
	}

	var paths []string

	for _, path := range report.Updated {
		if isResourcePath(path) {
			paths = append(paths, path)
		}
	}

	objects, err := c.multiGet(ctx, calID, paths)
	if err != nil {
		return nil, err
	}

	for _, obj := range objects {
		if err := c.collectObject(cs, &obj); err != nil {
			return nil, err
		}
	}

	return cs, nil
}

const multiGetChunkSize = 20

func (c *Client) multiGet(ctx context.Context, calID string, paths []string) ([]caldav.CalendarObject, error) {
	var out []caldav.CalendarObject

	for len(paths) > 0 {
		chunk := paths
		if len(chunk) > multiGetChunkSize {
			chunk = chunk[:multiGetChunkSize]
		}
		paths = paths[len(chunk):]

		var objects []caldav.CalendarObject

		err := c.retry.Do(ctx, "caldav.MultiGetCalendar", func() error {
			var err error
			objects, err = c.dav.MultiGetCalendar(ctx, calID, &caldav.CalendarMultiGet{
				Paths:       chunk,
				CompRequest: fullCompRequest(),
			})

			return mapError(err)
		})
		if err != nil {
			return nil, err
		}

		out = append(out, objects...)
	}

	return out, nil
}

func (c *Client) queryWindow(ctx context.Context, calID string, window adapter.Window) ([]caldav.CalendarObject, error) {
	query := &caldav.CalendarQuery{
		CompRequest: fullCompRequest(),
		CompFilter: caldav.CompFilter{
			Name: ical.CompCalendar,
			Comps: []caldav.CompFilter{{
				Name:  ical.CompEvent,
				Start: window.Start,
				End:   window.End,
			}},
		},
	}

	var objects []caldav.CalendarObject

	err := c.retry.Do(ctx, "caldav.QueryCalendar", func() error {
		var err error
		objects, err = c.dav.QueryCalendar(ctx, calID, query)

		return mapError(err)
	})
	if err != nil {
		return nil, err
	}

	return objects, nil
}

// collectObject fans the VEVENTs of one resource into the change set.
func (c *Client) collectObject(cs *adapter.ChangeSet, obj *caldav.CalendarObject) error {
	if obj.Data == nil {
		// a resource deleted between report and multiget
		return nil
	}

	events, err := eventsFromCalendar(obj.Path, obj.Data, obj.ETag)
	if err != nil {
		c.log.Warn("skipping undecodable resource", "path", obj.Path, "error", err)

		return nil
	}

	for _, evt := range events {
		cs.Changed[evt.NativeID] = evt
	}

	return nil
}

func (c *Client) GetEvent(ctx context.Context, _ string, nativeID string) (*event.Event, error) {
	href, fragment := splitHref(nativeID)

	events, _, err := c.getResource(ctx, href)
	if err != nil {
		return nil, err
	}

	for _, evt := range events {
		if evt.NativeID == nativeID {
			return evt, nil
		}
	}

	if fragment == "" && len(events) > 0 {
		return events[0], nil
	}

	return nil, fmt.Errorf("%w: no VEVENT at %s", adapter.ErrNotFound, nativeID)
}

// getResource fetches and decodes a resource, returning its events and the
// raw calendar for in-place modification.
func (c *Client) getResource(ctx context.Context, href string) ([]*event.Event, *ical.Calendar, error) {
	var obj *caldav.CalendarObject

	err := c.retry.Do(ctx, "caldav.GetCalendarObject", func() error {
		var err error
		obj, err = c.dav.GetCalendarObject(ctx, href)

		return mapError(err)
	})
	if err != nil {
		return nil, nil, err
	}

	events, err := eventsFromCalendar(href, obj.Data, obj.ETag)
	if err != nil {
		return nil, nil, err
	}

	return events, obj.Data, nil
}

func (c *Client) CreateEvent(ctx context.Context, calID string, evt *event.Event) (*event.Event, error) {
	href := eventHref(calID, evt.CanonicalUID())

	cal := newCalendar(toComponent(evt, time.Now()))

	etag, err := c.putResource(ctx, href, cal)
	if err != nil {
		return nil, err
	}

	created := *evt
	created.Source = event.SourceCalDAV
	created.NativeID = href
	created.ETag = etag

	return &created, nil
}

func (c *Client) UpdateEvent(ctx context.Context, calID string, evt *event.Event) (*event.Event, error) {
	href, fragment := splitHref(evt.NativeID)
	if href == "" {
		return nil, fmt.Errorf("%w: update without native id", adapter.ErrFatal)
	}

	if fragment != "" {
		return c.updateEmbeddedException(ctx, href, evt)
	}

	_, existing, err := c.getResource(ctx, href)
	if err != nil && !errors.Is(err, adapter.ErrNotFound) {
		return nil, err
	}

	// keep embedded exceptions; only the master component is replaced
	comps := []*ical.Component{toComponent(evt, time.Now())}
	if existing != nil {
		for _, child := range existing.Children {
			if child.Name == ical.CompEvent && child.Props.Get(ical.PropRecurrenceID) != nil {
				comps = append(comps, child)
			}
		}
	}

	etag, err := c.putResource(ctx, href, newCalendar(comps...))
	if err != nil {
		return nil, err
	}

	updated := *evt
	updated.Source = event.SourceCalDAV
	updated.ETag = etag

	return &updated, nil
}

// updateEmbeddedException rewrites a single RECURRENCE-ID component inside
// its master resource.
func (c *Client) updateEmbeddedException(ctx context.Context, href string, evt *event.Event) (*event.Event, error) {
	rid, ok := evt.RecurrenceID()
	if !ok {
		return nil, fmt.Errorf("%w: fragment href on a non-override event", adapter.ErrFatal)
	}

	_, existing, err := c.getResource(ctx, href)
	if err != nil {
		return nil, err
	}

	replaceException(existing, rid, toComponent(evt, time.Now()))

	etag, err := c.putResource(ctx, href, existing)
	if err != nil {
		return nil, err
	}

	updated := *evt
	updated.Source = event.SourceCalDAV
	updated.MasterNativeID = href
	updated.ETag = etag

	return &updated, nil
}

func (c *Client) DeleteEvent(ctx context.Context, _ string, nativeID string) error {
	href, fragment := splitHref(nativeID)

	if fragment == "" {
		return c.DeleteResourceByHref(ctx, href)
	}

	// deleting an embedded exception restores the regular instance
	_, existing, err := c.getResource(ctx, href)
	if err != nil {
		return err
	}

	rid, err := time.Parse(icalUTCLayout, fragment)
	if err != nil {
		return fmt.Errorf("%w: malformed exception href %q", adapter.ErrFatal, nativeID)
	}

	if !removeException(existing, rid) {
		return fmt.Errorf("%w: no exception at %s", adapter.ErrNotFound, nativeID)
	}

	_, err = c.putResource(ctx, href, existing)

	return err
}

// FindInstance resolves the instance of a recurring master at the given
// instant: the embedded exception when one exists, else a synthesized
// occurrence validated against the recurrence rule.
func (c *Client) FindInstance(ctx context.Context, _ string, masterNativeID string, at time.Time) (*event.Event, error) {
	href, _ := splitHref(masterNativeID)

	events, _, err := c.getResource(ctx, href)
	if err != nil {
		return nil, err
	}

	var master *event.Event

	for _, evt := range events {
		if rid, ok := evt.RecurrenceID(); ok {
			if rid.Equal(at) {
				return evt, nil
			}

			continue
		}

		master = evt
	}

	if master == nil {
		return nil, fmt.Errorf("%w: %s has no master component", adapter.ErrNotFound, href)
	}

	if !occursAt(master, at) {
		return nil, fmt.Errorf("%w: %s has no occurrence at %s", adapter.ErrNotFound, href, at.Format(time.RFC3339))
	}

	inst := *master
	inst.NativeID = overrideHref(href, at)
	inst.MasterNativeID = href
	inst.RRule = ""
	inst.Start = at
	inst.End = at.Add(master.End.Sub(master.Start))
	inst.Overrides = []event.Override{{Kind: event.OverrideRecurrenceID, Date: at, AllDay: master.AllDay}}

	return &inst, nil
}

// occursAt checks the recurrence rule, RDATEs and EXDATEs of a master for
// an occurrence at the given instant.
func occursAt(master *event.Event, at time.Time) bool {
	for _, o := range master.Overrides {
		switch o.Kind {
		case event.OverrideExDate:
			if o.Date.Equal(at) {
				return false
			}
		case event.OverrideRDate:
			if o.Date.Equal(at) {
				return true
			}
		}
	}

	if master.RRule == "" {
		return master.Start.Equal(at)
	}

	src := "DTSTART:" + master.Start.UTC().Format(icalUTCLayout) + "\n" +
		"RRULE:" + strings.TrimPrefix(master.RRule, "RRULE:")

	rule, err := rrule.StrToRRule(src)
	if err != nil {
		return false
	}

	for _, occ := range rule.Between(at.Add(-time.Second), at.Add(time.Second), true) {
		if occ.Equal(at) {
			return true
		}
	}

	return false
}

func (c *Client) putResource(ctx context.Context, href string, cal *ical.Calendar) (string, error) {
	var etag string

	err := c.retry.Do(ctx, "caldav.PutCalendarObject", func() error {
		obj, err := c.dav.PutCalendarObject(ctx, href, cal)
		if err != nil {
			return mapError(err)
		}

		etag = obj.ETag

		return nil
	})

	return etag, err
}

func fullCompRequest() caldav.CalendarCompRequest {
	return caldav.CalendarCompRequest{
		Name:     ical.CompCalendar,
		AllProps: true,
		AllComps: true,
	}
}

// eventHref derives the resource path for a newly created event.
func eventHref(calID, uid string) string {
	return strings.TrimSuffix(calID, "/") + "/" + sanitizeHrefSegment(uid) + ".ics"
}

var hrefSegmentRe = regexp.MustCompile(`[^A-Za-z0-9@._-]+`)

func sanitizeHrefSegment(s string) string {
	s = hrefSegmentRe.ReplaceAllString(s, "-")

	if s == "" {
		s = strconv.FormatInt(time.Now().UnixNano(), 36)
	}

	return s
}

// isResourcePath filters collection members out of report responses.
func isResourcePath(path string) bool {
	return strings.HasSuffix(path, ".ics")
}

var statusCodeRe = regexp.MustCompile(`\b([45]\d\d)\b`)

// statusFromError digs the HTTP status out of a go-webdav error. The client
// wraps statuses in an internal error type, so the text is all there is.
func statusFromError(err error) int {
	match := statusCodeRe.FindStringSubmatch(err.Error())
	if match == nil {
		return 0
	}

	code, _ := strconv.Atoi(match[1])

	return code
}

func mapError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	return mapStatus(statusFromError(err), err)
}

func mapStatus(code int, err error) error {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: %v", adapter.ErrAuth, err)
	case code == http.StatusNotFound:
		return fmt.Errorf("%w: %v", adapter.ErrNotFound, err)
	case code == http.StatusConflict || code == http.StatusPreconditionFailed:
		return fmt.Errorf("%w: %v", adapter.ErrConflict, err)
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %v", adapter.ErrRateLimited, err)
	case code >= 500:
		return fmt.Errorf("%w: %v", adapter.ErrTransient, err)
	case code >= 400:
		return fmt.Errorf("%w: %v", adapter.ErrFatal, err)
	default:
		return fmt.Errorf("%w: %v", adapter.ErrTransient, err)
	}
}

// tokenRejected recognizes the ways servers refuse a stale sync token:
// RFC 6578 prescribes 403 valid-sync-token and 507, some servers answer
// 400 or 409 instead.
func tokenRejected(err error) bool {
	switch statusFromError(err) {
	case http.StatusBadRequest, http.StatusForbidden, http.StatusConflict, http.StatusInsufficientStorage:
		return true
	}

	return false
}
