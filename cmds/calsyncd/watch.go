package main

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tierklinik-dobersberg/calsync/internal/adapter/google"
	"github.com/tierklinik-dobersberg/calsync/internal/config"
	"github.com/tierklinik-dobersberg/calsync/internal/engine"
	"github.com/tierklinik-dobersberg/calsync/internal/store"
)

// watcher keeps one Google push channel alive per synced calendar and turns
// incoming notifications into engine triggers. Push delivery only advances
// the schedule; the periodic poll guarantees progress without it.
type watcher struct {
	cfg    config.Config
	google *google.Client
	eng    *engine.Engine
	log    *slog.Logger

	mu       sync.Mutex
	channels []store.PushChannel
}

func newWatcher(cfg config.Config, g *google.Client, eng *engine.Engine, log *slog.Logger) *watcher {
	return &watcher{
		cfg:    cfg,
		google: g,
		eng:    eng,
		log:    log,
	}
}

func (w *watcher) run(ctx context.Context, allPairs []*store.Pair) {
	if w.cfg.WebhookPublicURL == "" {
		w.log.Info("no webhook public url configured, relying on polling only")

		return
	}

	channels, err := store.LoadPushChannels(w.cfg.PushChannelsFile())
	if err != nil {
		w.log.Error("failed to load push channel state", "error", err)
	}

	w.mu.Lock()
	w.channels = channels
	w.mu.Unlock()

	w.ensureChannels(ctx, allPairs)

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.ensureChannels(ctx, allPairs)
		}
	}
}

// ensureChannels registers channels for calendars without one and renews
// channels close to expiry.
func (w *watcher) ensureChannels(ctx context.Context, allPairs []*store.Pair) {
	renewBefore := time.Duration(w.cfg.WebhookRenewBeforeMinutes) * time.Minute

	seen := make(map[string]bool)

	for _, pair := range allPairs {
		if !pair.Enabled || seen[pair.GoogleCalendarID] {
			continue
		}
		seen[pair.GoogleCalendarID] = true

		current, ok := w.channelFor(pair.GoogleCalendarID)
		if ok && time.Until(current.Expiration) > renewBefore {
			continue
		}

		if ok {
			if err := w.google.StopWatch(ctx, current.ChannelID, current.ResourceID); err != nil {
				w.log.Warn("failed to stop expiring channel", "calendar", current.CalendarID, "error", err)
			}

			w.dropChannel(current.ChannelID)
		}

		w.register(ctx, pair.GoogleCalendarID)
	}

	w.persist()
}

func (w *watcher) register(ctx context.Context, calID string) {
	channelID := uuid.NewString()
	ttl := time.Duration(w.cfg.WebhookRenewMinutes) * time.Minute

	resourceID, expiry, err := w.google.Watch(ctx, calID, channelID, w.cfg.WebhookPublicURL, ttl)
	if err != nil {
		w.log.Error("failed to register watch channel", "calendar", calID, "error", err)

		return
	}

	w.mu.Lock()
	w.channels = append(w.channels, store.PushChannel{
		CalendarID: calID,
		ChannelID:  channelID,
		ResourceID: resourceID,
		Expiration: expiry,
		Address:    w.cfg.WebhookPublicURL,
	})
	w.mu.Unlock()

	w.log.Info("registered watch channel", "calendar", calID, "expires", expiry)
}

func (w *watcher) channelFor(calID string) (store.PushChannel, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, ch := range w.channels {
		if ch.CalendarID == calID {
			return ch, true
		}
	}

	return store.PushChannel{}, false
}

func (w *watcher) dropChannel(channelID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	kept := w.channels[:0]
	for _, ch := range w.channels {
		if ch.ChannelID != channelID {
			kept = append(kept, ch)
		}
	}

	w.channels = kept
}

func (w *watcher) persist() {
	w.mu.Lock()
	channels := make([]store.PushChannel, len(w.channels))
	copy(channels, w.channels)
	w.mu.Unlock()

	if err := store.SavePushChannels(w.cfg.PushChannelsFile(), channels); err != nil {
		w.log.Error("failed to persist push channel state", "error", err)
	}
}

// handleNotification receives Google push callbacks. The payload carries no
// event data; any known channel simply schedules a pass.
func (w *watcher) handleNotification(rw http.ResponseWriter, r *http.Request) {
	channelID := r.Header.Get("X-Goog-Channel-Id")
	state := r.Header.Get("X-Goog-Resource-State")

	if channelID == "" {
		http.Error(rw, "missing channel id", http.StatusBadRequest)

		return
	}

	if _, known := w.knownChannel(channelID); !known {
		w.log.Debug("notification for unknown channel", "channel", channelID)
		rw.WriteHeader(http.StatusNotFound)

		return
	}

	// the initial "sync" message only confirms the channel
	if state != "sync" {
		w.eng.Trigger()
	}

	rw.WriteHeader(http.StatusOK)
}

func (w *watcher) knownChannel(channelID string) (store.PushChannel, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, ch := range w.channels {
		if ch.ChannelID == channelID {
			return ch, true
		}
	}

	return store.PushChannel{}, false
}
