// Package google adapts the Google Calendar API to the uniform adapter
// contract: token-based incremental listings, deterministic event ids on
// insert and webhook watch channels.
package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/oauth2"
	googleauth "golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/tierklinik-dobersberg/calsync/internal/adapter"
	"github.com/tierklinik-dobersberg/calsync/internal/event"
)

// Client implements adapter.Client on top of the Google Calendar API.
type Client struct {
	svc   *calendar.Service
	retry *adapter.Retryer
	log   *slog.Logger
}

// New builds a client from a stored OAuth credentials file and token file.
func New(ctx context.Context, credentialsFile, tokenFile string, retry *adapter.Retryer, log *slog.Logger) (*Client, error) {
	creds, err := credsFromFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials file %s: %w", credentialsFile, err)
	}

	token, err := tokenFromFile(tokenFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read token from %s: %w", tokenFile, err)
	}

	httpClient := creds.Client(ctx, token)

	svc, err := calendar.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar client: %w", err)
	}

	if log == nil {
		log = slog.Default()
	}
	if retry == nil {
		retry = adapter.NewRetryer(0, 0, log)
	}

	return &Client{svc: svc, retry: retry, log: log}, nil
}

// Authenticate runs the interactive OAuth flow and saves the token under
// tokenFile.
func Authenticate(credentialsFile, tokenFile string) error {
	creds, err := credsFromFile(credentialsFile)
	if err != nil {
		return fmt.Errorf("failed reading %s: %w", credentialsFile, err)
	}

	token, err := getTokenFromWeb(creds)
	if err != nil {
		return err
	}

	return saveTokenFile(token, tokenFile)
}

func (c *Client) Source() event.Source { return event.SourceGoogle }

func (c *Client) ListCalendars(ctx context.Context) ([]adapter.CalendarInfo, error) {
	var res *calendar.CalendarList

	err := c.retry.Do(ctx, "google.ListCalendars", func() error {
		var err error
		res, err = c.svc.CalendarList.List().ShowHidden(true).Context(ctx).Do()

		return mapError(err)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve list of calendars: %w", err)
	}

	list := make([]adapter.CalendarInfo, 0, len(res.Items))
	for _, item := range res.Items {
		list = append(list, adapter.CalendarInfo{
			ID:       item.Id,
			Name:     item.Summary,
			Timezone: item.TimeZone,
			Primary:  item.Primary,
		})
	}

	return list, nil
}

// GetSyncToken walks a minimal listing to its end just to obtain the
// NextSyncToken. Deleted events are included so the token arms deletion
// reporting.
func (c *Client) GetSyncToken(ctx context.Context, calID string) (string, error) {
	pageToken := ""

	for {
		call := c.svc.Events.List(calID).
			ShowDeleted(true).
			SingleEvents(false).
			MaxResults(2500).
			Fields("nextPageToken", "nextSyncToken")

		if pageToken != "" {
			call.PageToken(pageToken)
		}

		var res *calendar.Events

		err := c.retry.Do(ctx, "google.GetSyncToken", func() error {
			var err error
			res, err = call.Context(ctx).Do()

			return mapError(err)
		})
		if err != nil {
			return "", fmt.Errorf("failed to establish sync token: %w", err)
		}

		if res.NextPageToken != "" {
			pageToken = res.NextPageToken

			continue
		}

		return res.NextSyncToken, nil
	}
}

func (c *Client) GetChangeSet(ctx context.Context, calID, sinceToken string, window adapter.Window) (*adapter.ChangeSet, error) {
	ctx, span := otel.Tracer("").Start(ctx, "google.client#GetChangeSet")
	defer span.End()

	span.SetAttributes(
		attribute.String("calendar.id", calID),
		attribute.Bool("sync.incremental", sinceToken != ""),
	)

	cs := adapter.NewChangeSet()
	cs.UsedToken = sinceToken != ""

	pageToken := ""

	for {
		call := c.svc.Events.List(calID).SingleEvents(false)

		if sinceToken != "" {
			call.SyncToken(sinceToken).ShowDeleted(true)
		} else {
			call.ShowDeleted(false).
				TimeMin(window.Start.Format(time.RFC3339)).
				TimeMax(window.End.Format(time.RFC3339))
		}
		if pageToken != "" {
			call.PageToken(pageToken)
		}

		var res *calendar.Events

		err := c.retry.Do(ctx, "google.GetChangeSet", func() error {
			var err error
			res, err = call.Context(ctx).Do()

			return mapError(err)
		})
		if err != nil {
			if errors.Is(err, adapter.ErrTokenInvalid) {
				return nil, fmt.Errorf("sync token rejected: %w", err)
			}

			return nil, fmt.Errorf("failed to list events: %w", err)
		}

		for _, item := range res.Items {
			c.collectItem(cs, item)
		}

		if res.NextPageToken != "" {
			pageToken = res.NextPageToken

			continue
		}

		cs.NextToken = res.NextSyncToken

		return cs, nil
	}
}

// collectItem sorts one listing item into the change set. Cancelled events
// are deletions, except cancelled instances of a recurring series, which
// surface as cancellation override markers so the counterpart can record an
// EXDATE instead of deleting the whole series.
func (c *Client) collectItem(cs *adapter.ChangeSet, item *calendar.Event) {
	if item.Status == "cancelled" {
		if item.RecurringEventId != "" {
			evt, err := cancelledInstanceToModel(item)
			if err != nil {
				c.log.Error("failed to convert cancelled instance", "event-id", item.Id, "error", err)

				return
			}

			cs.Changed[evt.NativeID] = evt

			return
		}

		cs.DeletedNativeIDs[item.Id] = struct{}{}

		return
	}

	evt, err := toModel(item)
	if err != nil {
		c.log.Error("failed to convert event", "event-id", item.Id, "error", err)

		return
	}

	cs.Changed[evt.NativeID] = evt
}

func (c *Client) GetEvent(ctx context.Context, calID, nativeID string) (*event.Event, error) {
	var res *calendar.Event

	err := c.retry.Do(ctx, "google.GetEvent", func() error {
		var err error
		res, err = c.svc.Events.Get(calID, nativeID).Context(ctx).Do()

		return mapError(err)
	})
	if err != nil {
		return nil, err
	}

	if res.Status == "cancelled" {
		return nil, adapter.ErrNotFound
	}

	return toModel(res)
}

// CreateEvent inserts with a deterministic, UID-derived event id so a retry
// after a lost response cannot create a duplicate. An id collision means the
// event already exists and degrades into an update.
func (c *Client) CreateEvent(ctx context.Context, calID string, evt *event.Event) (*event.Event, error) {
	ctx, span := otel.Tracer("").Start(ctx, "google.client#CreateEvent")
	defer span.End()

	span.SetAttributes(
		attribute.String("calendar.id", calID),
		attribute.String("event.summary", evt.Summary),
	)

	item := fromModel(evt)
	item.Id = event.DeterministicEventID(evt.CanonicalUID())

	var res *calendar.Event

	err := c.retry.Do(ctx, "google.CreateEvent", func() error {
		var err error
		res, err = c.svc.Events.Insert(calID, item).Context(ctx).Do()

		return mapError(err)
	})

	if errors.Is(err, adapter.ErrConflict) {
		// the id is taken: either by a previous attempt of ours or by a
		// cancelled tombstone; updating converges both cases
		item.Status = "confirmed"

		uerr := c.retry.Do(ctx, "google.CreateEvent.update", func() error {
			var uerr error
			res, uerr = c.svc.Events.Update(calID, item.Id, item).Context(ctx).Do()

			return mapError(uerr)
		})
		if uerr != nil {
			return nil, fmt.Errorf("failed to revive event %s: %w", item.Id, uerr)
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to insert event upstream: %w", err)
	}

	return toModel(res)
}

func (c *Client) UpdateEvent(ctx context.Context, calID string, evt *event.Event) (*event.Event, error) {
	item := fromModel(evt)

	var res *calendar.Event

	err := c.retry.Do(ctx, "google.UpdateEvent", func() error {
		var err error
		res, err = c.svc.Events.Update(calID, evt.NativeID, item).Context(ctx).Do()

		return mapError(err)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update event %s: %w", evt.NativeID, err)
	}

	return toModel(res)
}

func (c *Client) DeleteEvent(ctx context.Context, calID, nativeID string) error {
	err := c.retry.Do(ctx, "google.DeleteEvent", func() error {
		return mapError(c.svc.Events.Delete(calID, nativeID).Context(ctx).Do())
	})
	if err != nil && !errors.Is(err, adapter.ErrNotFound) {
		return fmt.Errorf("failed to delete event upstream: %w", err)
	}

	return err
}

// FindInstance resolves the instance record of a recurring series at the
// given original start time.
func (c *Client) FindInstance(ctx context.Context, calID, masterNativeID string, at time.Time) (*event.Event, error) {
	var res *calendar.Events

	err := c.retry.Do(ctx, "google.FindInstance", func() error {
		var err error
		res, err = c.svc.Events.Instances(calID, masterNativeID).
			OriginalStart(at.Format(time.RFC3339)).
			Context(ctx).
			Do()

		return mapError(err)
	})
	if err != nil {
		return nil, err
	}

	if len(res.Items) == 0 {
		return nil, adapter.ErrNotFound
	}

	item := res.Items[0]
	if item.Status == "cancelled" {
		return nil, adapter.ErrNotFound
	}

	return toModel(item)
}

// Watch registers a webhook channel for a calendar and returns the server
// side resource id plus expiry.
func (c *Client) Watch(ctx context.Context, calID, channelID, address string, ttl time.Duration) (string, time.Time, error) {
	var res *calendar.Channel

	err := c.retry.Do(ctx, "google.Watch", func() error {
		var err error
		res, err = c.svc.Events.Watch(calID, &calendar.Channel{
			Id:         channelID,
			Type:       "web_hook",
			Address:    address,
			Expiration: time.Now().Add(ttl).UnixMilli(),
		}).Context(ctx).Do()

		return mapError(err)
	})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to register watch channel: %w", err)
	}

	return res.ResourceId, time.UnixMilli(res.Expiration), nil
}

// StopWatch tears a webhook channel down.
func (c *Client) StopWatch(ctx context.Context, channelID, resourceID string) error {
	err := c.retry.Do(ctx, "google.StopWatch", func() error {
		return mapError(c.svc.Channels.Stop(&calendar.Channel{
			Id:         channelID,
			ResourceId: resourceID,
		}).Context(ctx).Do())
	})
	if err != nil && !errors.Is(err, adapter.ErrNotFound) {
		return fmt.Errorf("failed to stop watch channel: %w", err)
	}

	return nil
}

// mapError folds googleapi failures into the adapter taxonomy.
func mapError(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %v", adapter.ErrTransient, err)
	}

	switch apiErr.Code {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %v", adapter.ErrAuth, err)
	case http.StatusForbidden:
		if isRateLimitReason(apiErr) {
			return fmt.Errorf("%w: %v", adapter.ErrRateLimited, err)
		}

		return fmt.Errorf("%w: %v", adapter.ErrAuth, err)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %v", adapter.ErrNotFound, err)
	case http.StatusConflict, http.StatusPreconditionFailed:
		return fmt.Errorf("%w: %v", adapter.ErrConflict, err)
	case http.StatusGone:
		return fmt.Errorf("%w: %v", adapter.ErrTokenInvalid, err)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %v", adapter.ErrRateLimited, err)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %v", adapter.ErrFatal, err)
	}

	if apiErr.Code >= 500 {
		return fmt.Errorf("%w: %v", adapter.ErrTransient, err)
	}

	return err
}

func isRateLimitReason(apiErr *googleapi.Error) bool {
	for _, e := range apiErr.Errors {
		switch e.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded":
			return true
		}
	}

	return false
}

func tokenFromFile(path string) (*oauth2.Token, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var token oauth2.Token
	if err := json.Unmarshal(content, &token); err != nil {
		return nil, fmt.Errorf("failed to unmarshal JSON token: %w", err)
	}

	return &token, nil
}

func saveTokenFile(token *oauth2.Token, path string) error {
	blob, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON token: %w", err)
	}

	return os.WriteFile(path, blob, 0600)
}

func credsFromFile(path string) (*oauth2.Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	config, err := googleauth.ConfigFromJSON(content, calendar.CalendarScope)
	if err != nil {
		return nil, fmt.Errorf("failed to get configuration from JSON: %w", err)
	}

	return config, nil
}

func getTokenFromWeb(config *oauth2.Config) (*oauth2.Token, error) {
	authURL := config.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
	fmt.Printf("Go to the following link in your browser then type the "+ //nolint:forbidigo
		"authorization code: \n%v\n", authURL)

	var authCode string
	if _, err := fmt.Scan(&authCode); err != nil {
		return nil, fmt.Errorf("unable to read authorization code: %w", err)
	}

	tok, err := config.Exchange(context.TODO(), authCode)
	if err != nil {
		return nil, fmt.Errorf("unable to retrieve token: %w", err)
	}

	return tok, nil
}
