// Package engine implements the bidirectional reconciliation between a
// Google calendar and a CalDAV collection. It consumes change sets from the
// adapters, drives the mapping table and resolves conflicts; it never
// touches wire formats itself.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/tierklinik-dobersberg/calsync/internal/adapter"
	"github.com/tierklinik-dobersberg/calsync/internal/store"
)

// Options carries the tunables of the engine. Zero values fall back to
// sensible defaults.
type Options struct {
	Policy           Policy
	PastDays         int
	FutureDays       int
	MaxEventsPerPass int

	Logger *slog.Logger

	// Now is replaceable for tests.
	Now func() time.Time
}

// Engine reconciles all configured calendar pairs. One engine instance
// serves the whole process; passes for different pairs run concurrently,
// passes for the same pair are serialized.
type Engine struct {
	store  *store.Store
	google adapter.Client
	caldav adapter.Client

	// caldavOps is the resource surface of the CalDAV adapter, used to merge
	// recurrence exceptions into master resources. It is nil in tests that
	// only exercise standalone events.
	caldavOps adapter.ResourceOps

	opts Options

	trigger chan struct{}

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// New builds an engine on top of the store and the two service adapters.
// If the CalDAV client also implements adapter.ResourceOps, recurrence
// exceptions are merged into master resources instead of being created as
// standalone events.
func New(st *store.Store, google, caldav adapter.Client, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Policy == "" {
		opts.Policy = PolicyLatestWins
	}
	if opts.PastDays <= 0 {
		opts.PastDays = 30
	}
	if opts.FutureDays <= 0 {
		opts.FutureDays = 90
	}
	if opts.MaxEventsPerPass <= 0 {
		opts.MaxEventsPerPass = 2500
	}

	e := &Engine{
		store:   st,
		google:  google,
		caldav:  caldav,
		opts:    opts,
		trigger: make(chan struct{}, 1),
		locks:   make(map[int64]*sync.Mutex),
	}

	if ops, ok := caldav.(adapter.ResourceOps); ok {
		e.caldavOps = ops
	}

	return e
}

// Trigger requests a sync pass over all pairs. Triggers arriving while a
// pass is pending coalesce into one.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Run drives the engine until the context is cancelled: one pass at
// startup, then on every poll tick and on every Trigger call.
func (e *Engine) Run(ctx context.Context, pollInterval time.Duration) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if _, err := e.SyncAll(ctx); err != nil {
			e.opts.Logger.ErrorContext(ctx, "sync pass failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-e.trigger:
		}
	}
}

// SyncAll runs a pass over every enabled pair. Pair passes run concurrently;
// a failing pair does not stop the others.
func (e *Engine) SyncAll(ctx context.Context) ([]*Report, error) {
	pairs, err := e.store.ListPairs(ctx, true)
	if err != nil {
		return nil, err
	}

	var (
		resMu   sync.Mutex
		reports []*Report
	)

	grp, grpCtx := errgroup.WithContext(ctx)
	grp.SetLimit(4)

	for _, pair := range pairs {
		pair := pair

		grp.Go(func() error {
			rep, err := e.syncPair(grpCtx, pair)
			if err != nil {
				e.opts.Logger.ErrorContext(grpCtx, "pair pass failed",
					"pair", pair.ID,
					"google", pair.GoogleCalendarID,
					"caldav", pair.CalDAVCalendarID,
					"error", err)

				return nil
			}

			resMu.Lock()
			reports = append(reports, rep)
			resMu.Unlock()

			return nil
		})
	}

	if err := grp.Wait(); err != nil {
		return reports, err
	}

	return reports, nil
}

// SyncPair runs a single pass over one pair, blocking until any in-flight
// pass for the same pair has finished.
func (e *Engine) SyncPair(ctx context.Context, pairID int64) (*Report, error) {
	pair, err := e.store.GetPair(ctx, pairID)
	if err != nil {
		return nil, err
	}

	return e.syncPair(ctx, pair)
}

func (e *Engine) syncPair(ctx context.Context, pair *store.Pair) (*Report, error) {
	lock := e.lockFor(pair.ID)
	lock.Lock()
	defer lock.Unlock()

	ctx, span := otel.Tracer("").Start(ctx, "engine#syncPair", trace.WithAttributes(
		attribute.Int64("pair.id", pair.ID),
		attribute.String("pair.google", pair.GoogleCalendarID),
		attribute.String("pair.caldav", pair.CalDAVCalendarID),
	))
	defer span.End()

	return e.runPass(ctx, pair)
}

func (e *Engine) lockFor(pairID int64) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()

	lock, ok := e.locks[pairID]
	if !ok {
		lock = new(sync.Mutex)
		e.locks[pairID] = lock
	}

	return lock
}

// policyFor resolves the effective conflict policy of a pair: the per-pair
// override when set, the engine default otherwise.
func (e *Engine) policyFor(pair *store.Pair) Policy {
	if pair.ConflictPolicy != "" {
		if p, err := ParsePolicy(pair.ConflictPolicy); err == nil {
			return p
		}

		e.opts.Logger.Warn("ignoring invalid per-pair conflict policy",
			"pair", pair.ID, "policy", pair.ConflictPolicy)
	}

	return e.opts.Policy
}
