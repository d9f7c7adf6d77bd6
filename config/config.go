// Package config reads process settings from the environment and the broker
// roster from YAML.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Defaults applied when the variable is unset.
const (
	DefaultPort             = "8080"
	DefaultLocalStorage     = "./data"
	DefaultDatabaseDriver   = "postgres"
	DefaultBrokersFile      = "brokers.yaml"
	DefaultFromEmail        = "alerts@broker-monitoring-system.com"
	DefaultFromName         = "Broker Monitor"
	DefaultScheduleFull     = "0 9 * * 1-5"
	DefaultSchedulePriority = "0 14 * * 1-5"
	DefaultPriorityBrokers  = "SMERGERS,Benchmark International"
)

// Config holds every setting the process reads at startup.
type Config struct {
	Location *time.Location

	Port     string
	LogLevel slog.Level

	LocalStorage   string
	Bucket         string
	DatabaseURL    string
	DatabaseDriver string
	BrokersFile    string

	ChromePath string
	Headless   bool

	HubSpotToken    string
	HubSpotPipeline string
	HubSpotStage    string
	HubSpotBaseURL  string

	BrevoAPIKey           string
	GoogleCredentialsJSON string
	AlertEmail            string
	FromEmail             string
	FromName              string

	ScheduleFull     string
	SchedulePriority string
	PriorityBrokers  []string
	SchedulerEnabled bool

	CRMFailureHoldsNotify bool
}

// Load reads .env when present, then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return fromEnv(os.Getenv)
}

func fromEnv(getenv func(string) string) (*Config, error) {
	get := func(key, def string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return def
	}

	cfg := &Config{
		Port:                  get("PORT", DefaultPort),
		Bucket:                get("STORAGE_BUCKET", ""),
		DatabaseURL:           get("DATABASE_URL", ""),
		DatabaseDriver:        get("DATABASE_DRIVER", DefaultDatabaseDriver),
		BrokersFile:           get("BROKERS_FILE", DefaultBrokersFile),
		ChromePath:            get("CHROME_PATH", ""),
		HubSpotToken:          get("HUBSPOT_ACCESS_TOKEN", ""),
		HubSpotPipeline:       get("HUBSPOT_PIPELINE_ID", ""),
		HubSpotStage:          get("HUBSPOT_DEALSTAGE_ID", ""),
		HubSpotBaseURL:        get("HUBSPOT_BASE_URL", ""),
		BrevoAPIKey:           get("BREVO_API_KEY", ""),
		GoogleCredentialsJSON: getenv("GOOGLE_CREDENTIALS_JSON"),
		AlertEmail:            get("ALERT_EMAIL", ""),
		FromEmail:             get("FROM_EMAIL", DefaultFromEmail),
		FromName:              get("FROM_NAME", DefaultFromName),
		ScheduleFull:          get("SCHEDULE_FULL", DefaultScheduleFull),
		SchedulePriority:      get("SCHEDULE_PRIORITY", DefaultSchedulePriority),
		PriorityBrokers:       splitList(get("PRIORITY_BROKERS", DefaultPriorityBrokers)),
	}

	// A bucket or database takes over from the local directory unless one is named.
	def := DefaultLocalStorage
	if cfg.Bucket != "" || cfg.DatabaseURL != "" {
		def = ""
	}
	cfg.LocalStorage = get("LOCAL_STORAGE", def)

	if err := cfg.LogLevel.UnmarshalText([]byte(get("LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("parse LOG_LEVEL: %w", err)
	}

	var err error
	if cfg.Headless, err = parseBool(get("BROWSER_HEADLESS", ""), true); err != nil {
		return nil, fmt.Errorf("parse BROWSER_HEADLESS: %w", err)
	}
	if cfg.SchedulerEnabled, err = parseBool(get("SCHEDULER_ENABLED", ""), true); err != nil {
		return nil, fmt.Errorf("parse SCHEDULER_ENABLED: %w", err)
	}
	if cfg.CRMFailureHoldsNotify, err = parseBool(get("CRM_FAILURE_HOLDS_NOTIFY", ""), false); err != nil {
		return nil, fmt.Errorf("parse CRM_FAILURE_HOLDS_NOTIFY: %w", err)
	}

	cfg.Location = time.Local
	if tz := get("SCHEDULE_TZ", ""); tz != "" {
		if cfg.Location, err = time.LoadLocation(tz); err != nil {
			return nil, fmt.Errorf("parse SCHEDULE_TZ: %w", err)
		}
	}

	return cfg, nil
}

func parseBool(s string, def bool) (bool, error) {
	if s == "" {
		return def, nil
	}
	return strconv.ParseBool(s)
}

func splitList(s string) []string {
	var out []string
	for part := range strings.SplitSeq(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
