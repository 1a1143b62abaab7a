package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tierklinik-dobersberg/calsync/internal/adapter"
	"github.com/tierklinik-dobersberg/calsync/internal/adapter/caldav"
	"github.com/tierklinik-dobersberg/calsync/internal/adapter/google"
	"github.com/tierklinik-dobersberg/calsync/internal/config"
	"github.com/tierklinik-dobersberg/calsync/internal/engine"
	"github.com/tierklinik-dobersberg/calsync/internal/pairs"
	"github.com/tierklinik-dobersberg/calsync/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	configPath := os.Getenv("CONFIG_FILE")

	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	if configPath == "" {
		workdir, err := os.Getwd()
		if err != nil {
			logrus.Fatalf("failed to get working directory: %s", err.Error())
		}

		configPath = filepath.Join(workdir, "config.yml")
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logrus.Fatalf("failed to load configuration: %s", err)
	}

	st, err := store.Open(ctx, cfg.DatabasePath)
	if err != nil {
		logrus.Fatalf("failed to open state store: %s", err)
	}
	defer st.Close()

	log := slog.Default()
	retry := adapter.NewRetryer(cfg.RetryAttempts, cfg.RetryBackoff(), log)

	googleClient, err := google.New(ctx, cfg.GoogleCredentialsFile, cfg.GoogleTokenFile, retry, log.With("adapter", "google"))
	if err != nil {
		logrus.Fatalf("failed to prepare google client: %s", err)
	}

	caldavPassword, err := cfg.CalDAVPassword()
	if err != nil {
		logrus.Fatalf("failed to read caldav password: %s", err)
	}

	caldavClient, err := caldav.New(cfg.CalDAVURL, cfg.CalDAVUsername, caldavPassword, retry, log.With("adapter", "caldav"))
	if err != nil {
		logrus.Fatalf("failed to prepare caldav client: %s", err)
	}

	manager := pairs.New(st, googleClient, caldavClient, pairs.Options{
		Pairs:                cfg.Pairs,
		MatchBySimilarity:    cfg.MatchBySimilarity,
		MapLeftoverToPrimary: cfg.MapLeftoverToPrimary,
		AutoCreateCalendars:  cfg.AutoCreateCalendars,
	}, log.With("component", "pairs"))

	allPairs, err := manager.Setup(ctx)
	if err != nil {
		logrus.Fatalf("failed to set up calendar pairs: %s", err)
	}

	log.Info("calendar pairs ready", "count", len(allPairs))

	policy, err := engine.ParsePolicy(cfg.ConflictPolicy)
	if err != nil {
		logrus.Fatalf("invalid conflict policy: %s", err)
	}

	eng := engine.New(st, googleClient, caldavClient, engine.Options{
		Policy:           policy,
		PastDays:         cfg.PastDays,
		FutureDays:       cfg.FutureDays,
		MaxEventsPerPass: cfg.MaxEventsPerPass,
		Logger:           log.With("component", "engine"),
	})

	w := newWatcher(cfg, googleClient, eng, log.With("component", "watcher"))
	go w.run(ctx, allPairs)

	serveMux := http.NewServeMux()
	serveMux.HandleFunc("/notifications", w.handleNotification)
	serveMux.HandleFunc("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusOK)
	})

	httpServer := &http.Server{
		Addr:    cfg.WebhookListenAddress,
		Handler: serveMux,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Fatalf("failed to listen and serve: %s", err)
		}
	}()

	if err := eng.Run(ctx, cfg.PollInterval()); err != nil && !errors.Is(err, context.Canceled) {
		logrus.Errorf("engine stopped: %s", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("failed to shut down webhook server: %s", err)
	}
}
