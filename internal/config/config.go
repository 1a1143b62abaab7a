package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"sigs.k8s.io/yaml"
)

// Config holds the configuration for the calendar sync service.
type Config struct {
	// GoogleCredentialsFile holds the path to the OAuth client credentials
	// file required to access the Google Calendar API.
	GoogleCredentialsFile string `json:"googleCredentialsFile"`

	// GoogleTokenFile holds the path to the stored OAuth token.
	GoogleTokenFile string `json:"googleTokenFile"`

	// CalDAVURL is the discovery entry point of the CalDAV service
	// (for iCloud this is https://caldav.icloud.com/).
	CalDAVURL string `json:"caldavUrl"`

	// CalDAVUsername is the account name for HTTP basic auth.
	CalDAVUsername string `json:"caldavUsername"`

	// CalDAVPasswordFile points to a file holding the app-specific
	// password. Referenced by path so the config itself stays free of
	// secrets.
	CalDAVPasswordFile string `json:"caldavPasswordFile"`

	// DatabasePath is the sqlite database holding pairs, mappings and the
	// sync audit.
	DatabasePath string `json:"databasePath"`

	// StateDir holds auxiliary state files such as push_channels.json.
	StateDir string `json:"stateDir"`

	// PastDays/FutureDays bound the snapshot window used whenever no sync
	// token is in effect.
	PastDays   int `json:"pastDays"`
	FutureDays int `json:"futureDays"`

	// MaxEventsPerPass caps how many changed events a single pass
	// processes per side.
	MaxEventsPerPass int `json:"maxEventsPerPass"`

	// RetryAttempts and RetryBackoffSeconds tune the adapter retry loops.
	RetryAttempts       int `json:"retryAttempts"`
	RetryBackoffSeconds int `json:"retryBackoffSeconds"`

	// ConflictPolicy is one of "manual", "latest-wins", "google-wins",
	// "caldav-wins". "manual" is promoted to "latest-wins" in headless
	// operation.
	ConflictPolicy string `json:"conflictPolicy"`

	// AutoCreateCalendars is accepted for compatibility but calendar
	// creation is not supported; the pair manager logs a warning when set.
	AutoCreateCalendars bool `json:"autoCreateCalendars"`

	// PollIntervalSeconds is the periodic trigger for the daemon loop.
	PollIntervalSeconds int `json:"pollIntervalSeconds"`

	// WebhookListenAddress is the address ([host]:port) the daemon's push
	// notification receiver listens on. WebhookPublicURL is the externally
	// reachable address registered with the watch channel.
	WebhookListenAddress string `json:"webhookListen"`
	WebhookPublicURL     string `json:"webhookPublicUrl"`

	// WebhookRenewMinutes is the lifetime requested for watch channels,
	// WebhookRenewBeforeMinutes how long before expiry they are renewed.
	WebhookRenewMinutes       int `json:"webhookRenewMinutes"`
	WebhookRenewBeforeMinutes int `json:"webhookRenewBeforeMinutes"`

	// Pairs lists explicitly configured calendar pairings, matched before
	// any name-based auto-matching.
	Pairs []PairConfig `json:"pairs"`

	// MatchBySimilarity enables fuzzy name matching (similarity >= 0.8)
	// for calendars without an exact name match.
	MatchBySimilarity bool `json:"matchBySimilarity"`

	// MapLeftoverToPrimary pairs remaining CalDAV calendars with the
	// primary Google calendar.
	MapLeftoverToPrimary bool `json:"mapLeftoverToPrimary"`
}

// PairConfig explicitly pins a Google calendar to a CalDAV calendar, by id
// (path) or by case-insensitive name.
type PairConfig struct {
	Google         string `json:"google"`
	CalDAV         string `json:"caldav"`
	Direction      string `json:"direction"`
	ConflictPolicy string `json:"conflictPolicy"`
}

func (c Config) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffSeconds) * time.Second
}

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

func (c Config) PushChannelsFile() string {
	return filepath.Join(c.StateDir, "push_channels.json")
}

// CalDAVPassword reads the app-specific password from the referenced file.
func (c Config) CalDAVPassword() (string, error) {
	content, err := os.ReadFile(c.CalDAVPasswordFile)
	if err != nil {
		return "", fmt.Errorf("failed to read caldav password file: %w", err)
	}

	return strings.TrimSpace(string(content)), nil
}

// LoadConfig loads the configuration file from cfgPath.
func LoadConfig(cfgPath string) (Config, error) {
	content, err := os.ReadFile(cfgPath)
	if err != nil {
		return Config{}, err
	}

	switch filepath.Ext(cfgPath) {
	case ".yml", ".yaml":
		content, err = yaml.YAMLToJSON(content)
		if err != nil {
			return Config{}, err
		}

	case ".json":
		// nothing to do here
	default:
		return Config{}, fmt.Errorf("unsupported file format %q", filepath.Ext(cfgPath))
	}

	dec := json.NewDecoder(bytes.NewReader(content))
	dec.DisallowUnknownFields()

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return cfg, err
	}

	applyDefaults(&cfg)

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.StateDir == "" {
		cfg.StateDir = "."
	}

	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(cfg.StateDir, "calsync.db")
	}

	if cfg.PastDays <= 0 {
		cfg.PastDays = 30
	}

	if cfg.FutureDays <= 0 {
		cfg.FutureDays = 90
	}

	if cfg.MaxEventsPerPass <= 0 {
		cfg.MaxEventsPerPass = 2500
	}

	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}

	if cfg.RetryBackoffSeconds <= 0 {
		cfg.RetryBackoffSeconds = 2
	}

	if cfg.ConflictPolicy == "" {
		cfg.ConflictPolicy = "latest-wins"
	}

	if cfg.PollIntervalSeconds <= 0 {
		cfg.PollIntervalSeconds = 300
	}

	if cfg.WebhookListenAddress == "" {
		cfg.WebhookListenAddress = ":8080"
	}

	if cfg.WebhookRenewMinutes <= 0 {
		cfg.WebhookRenewMinutes = 24 * 60
	}

	if cfg.WebhookRenewBeforeMinutes <= 0 {
		cfg.WebhookRenewBeforeMinutes = 60
	}
}
