package cmds

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tierklinik-dobersberg/calsync/internal/adapter"
	"github.com/tierklinik-dobersberg/calsync/internal/adapter/caldav"
	"github.com/tierklinik-dobersberg/calsync/internal/adapter/google"
	"github.com/tierklinik-dobersberg/calsync/internal/config"
	"github.com/tierklinik-dobersberg/calsync/internal/store"
)

var configPath string

func PrepareRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "calsyncctl",
		Short:         "Manage and run calendar synchronization",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the configuration file")

	root.AddCommand(
		GetAuthCommand(),
		GetPairsCommand(),
		GetSyncCommand(),
		GetStatusCommand(),
	)

	return root
}

func loadConfig() config.Config {
	path := configPath

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}

	if path == "" {
		workdir, err := os.Getwd()
		if err != nil {
			logrus.Fatalf("failed to get working directory: %s", err.Error())
		}

		path = filepath.Join(workdir, "config.yml")
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		logrus.Fatalf("failed to load configuration: %s", err)
	}

	return cfg
}

func openStore(ctx context.Context, cfg config.Config) *store.Store {
	st, err := store.Open(ctx, cfg.DatabasePath)
	if err != nil {
		logrus.Fatalf("failed to open state store: %s", err)
	}

	return st
}

func buildClients(ctx context.Context, cfg config.Config) (*google.Client, *caldav.Client) {
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

	return googleClient, caldavClient
}
