// Package main runs the broker monitor: it scrapes broker listing sites on a
// schedule or on demand, records each listing once, and forwards new ones to
// the CRM and the email digest.
package main

import (
	"broker-monitor/browser"
	"broker-monitor/config"
	"broker-monitor/crm"
	"broker-monitor/email"
	"broker-monitor/notify"
	"broker-monitor/scan"
	"broker-monitor/schedule"
	"broker-monitor/scraper"
	"broker-monitor/server"
	"broker-monitor/storage"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Broker monitor failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("Failed to close store", "error", err)
		}
	}()

	roster, err := config.LoadRoster(cfg.BrokersFile)
	if err != nil {
		return err
	}
	if roster == nil {
		logger.Info("No broker roster file, using stored brokers", "path", cfg.BrokersFile)
	} else if err := storage.Seed(ctx, store, roster, logger); err != nil {
		return err
	}

	deals := crm.New(crm.Config{
		Token:      cfg.HubSpotToken,
		PipelineID: cfg.HubSpotPipeline,
		DealStage:  cfg.HubSpotStage,
		BaseURL:    cfg.HubSpotBaseURL,
	}, logger)
	if !deals.Enabled() {
		logger.Info("HubSpot not configured (no HUBSPOT_ACCESS_TOKEN), deals will be skipped")
	}

	mail := email.New(newMailProvider(ctx, cfg, logger), logger, cfg.AlertEmail)
	if !mail.Enabled() {
		logger.Info("No ALERT_EMAIL set, digests will be skipped")
	}

	runner := scan.New(
		store,
		browser.NewLauncher(browser.Config{ExecPath: cfg.ChromePath, Headless: cfg.Headless}, logger),
		scraper.NewExecutor(logger),
		notify.New(deals, mail, logger),
		scan.Config{HoldOnCRMFailure: cfg.CRMFailureHoldsNotify},
		logger,
	)

	if cfg.SchedulerEnabled {
		sched, err := schedule.New(runner, store, schedule.Config{
			Location:        cfg.Location,
			Full:            cfg.ScheduleFull,
			Priority:        cfg.SchedulePriority,
			PriorityBrokers: cfg.PriorityBrokers,
		}, logger)
		if err != nil {
			return err
		}
		sched.Start()
		defer sched.Stop()
	} else {
		logger.Info("Scheduler disabled, scans run on demand only")
	}

	srv := server.New(&server.Config{
		Scanner: runner,
		Roster:  store,
		Prober:  scraper.NewProber(&http.Client{Timeout: 15 * time.Second}, logger),
		Logger:  logger,
	})
	if err := srv.ListenAndServe(ctx, cfg.Port); err != nil {
		return err
	}

	if runner.Running() {
		logger.Info("Scan still running at shutdown, it will be abandoned", "status", runner.Status())
	}
	return nil
}

// openStore picks the SQL store when a database is configured, otherwise
// the blob store on Cloud Storage or the local filesystem.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	if cfg.DatabaseURL != "" {
		return storage.OpenSQL(ctx, cfg.DatabaseDriver, cfg.DatabaseURL, logger)
	}

	if cfg.LocalStorage != "" {
		logger.Info("Running with local storage", "storage_path", cfg.LocalStorage)
		if err := os.MkdirAll(cfg.LocalStorage, 0o755); err != nil {
			return nil, err
		}
		return storage.NewBlob(nil, "", cfg.LocalStorage, logger), nil
	}

	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	logger.Info("Using Cloud Storage", "bucket", cfg.Bucket)
	return storage.NewBlob(client, cfg.Bucket, "", logger), nil
}

// newMailProvider prefers Gmail, then Brevo, and falls back to logging the
// digest.
func newMailProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger) email.Provider {
	svc, err := initGmailService(ctx, cfg.GoogleCredentialsJSON)
	if err == nil {
		logger.Info("Using Gmail for digests")
		return email.NewGmailProvider(svc, cfg.FromEmail, cfg.FromName, logger)
	}
	if cfg.GoogleCredentialsJSON != "" {
		logger.Warn("Failed to initialize Gmail service", "error", err)
	}

	if cfg.BrevoAPIKey != "" {
		logger.Info("Using Brevo for digests")
		return email.NewBrevoProvider(cfg.BrevoAPIKey, cfg.FromEmail, cfg.FromName, logger)
	}

	logger.Info("Mock email mode enabled (no GOOGLE_CREDENTIALS_JSON or BREVO_API_KEY)")
	return email.NewLogProvider(logger)
}

func initGmailService(ctx context.Context, credsJSON string) (*gmail.Service, error) {
	if credsJSON != "" {
		return gmail.NewService(ctx, option.WithCredentialsJSON([]byte(credsJSON)))
	}

	// On Cloud Run the service account supplies Application Default Credentials
	if isCloudRun(ctx) {
		return gmail.NewService(ctx)
	}

	return nil, errors.New("GOOGLE_CREDENTIALS_JSON required when not running in Cloud Run")
}

// isCloudRun checks if we're running in a GCP environment by querying the metadata server.
func isCloudRun(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metadataURL, nil)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	return resp.StatusCode == http.StatusOK
}

var metadataURL = "http://metadata.google.internal/computeMetadata/v1/project/project-id"
