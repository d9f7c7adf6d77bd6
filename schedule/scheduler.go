// Package schedule triggers scans on two weekday calendars.
package schedule

import (
	"broker-monitor/pkg/broker"
	"broker-monitor/scan"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// IssueScheduledFailure is the issue type recorded when a scheduled run fails.
const IssueScheduledFailure = "Scheduled Scraping Failure"

// Trigger runs a scan to completion.
type Trigger interface {
	Run(ctx context.Context, sel scan.Selection) (*scan.Summary, error)
}

// IssueStore records incidents against the roster.
type IssueStore interface {
	Brokers(ctx context.Context) ([]*broker.Target, error)
	CreateIssue(ctx context.Context, issue *broker.Issue) error
}

// Config holds the two calendars.
type Config struct {
	Location        *time.Location
	Full            string   // Cron spec for the full-roster scan
	Priority        string   // Cron spec for the priority scan
	PriorityBrokers []string // Broker names scanned by the priority job
}

type job struct {
	name     string
	sel      scan.Selection
	spec     string
	lostMins int
}

// Scheduler owns the cron entries. Start and Stop are idempotent.
type Scheduler struct {
	cron    *cron.Cron
	trigger Trigger
	store   IssueStore
	logger  *slog.Logger
	jobs    []job
	mu      sync.Mutex
	started bool
}

// New validates both specs and registers the jobs without starting them.
func New(trigger Trigger, store IssueStore, cfg Config, logger *slog.Logger) (*Scheduler, error) {
	// An empty Names selection means the whole roster.
	if len(cfg.PriorityBrokers) == 0 {
		return nil, errors.New("schedule priority scan: no priority brokers named")
	}

	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}

	s := &Scheduler{
		trigger: trigger,
		store:   store,
		logger:  logger,
		jobs: []job{
			{name: "full", spec: cfg.Full, lostMins: 30},
			{name: "priority", spec: cfg.Priority, sel: scan.Selection{Names: cfg.PriorityBrokers}, lostMins: 15},
		},
	}

	cl := cronLogger{logger: logger}
	s.cron = cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl)),
	)
	for _, j := range s.jobs {
		if _, err := s.cron.AddFunc(j.spec, func() { s.fire(context.Background(), j) }); err != nil {
			return nil, fmt.Errorf("schedule %s scan %q: %w", j.name, j.spec, err)
		}
	}
	return s, nil
}

// Start begins firing the jobs.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.cron.Start()
	s.started = true
	for _, e := range s.cron.Entries() {
		s.logger.Info("Scan scheduled", "next_run", e.Next)
	}
	s.logger.Info("Scraping scheduler started", "full", s.jobs[0].spec, "priority", s.jobs[1].spec)
}

// Stop prevents further jobs from firing. A job already running drains in
// the background.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.cron.Stop()
	s.started = false
	s.logger.Info("Scraping scheduler stopped")
}

// fire runs j and records an issue when the run cannot complete,
// including when another run is already active.
func (s *Scheduler) fire(ctx context.Context, j job) {
	s.logger.Info("Starting scheduled scan", "job", j.name)
	sum, err := s.trigger.Run(ctx, j.sel)
	if err == nil {
		s.logger.Info("Scheduled scan completed", "job", j.name, "new_listings", sum.New, "notified", sum.Notified)
		return
	}

	s.logger.Error("Scheduled scan failed", "job", j.name, "error", err)

	brokers, lerr := s.store.Brokers(ctx)
	if lerr != nil {
		s.logger.Warn("Failed to load brokers for issue", "error", lerr)
		return
	}
	if len(brokers) == 0 {
		return
	}
	issue := &broker.Issue{
		BrokerID:    brokers[0].ID,
		Date:        time.Now(),
		IssueType:   IssueScheduledFailure,
		Description: fmt.Sprintf("Scheduled %s scan failed: %v", j.name, err),
		TimeLostMin: j.lostMins,
	}
	if err := s.store.CreateIssue(ctx, issue); err != nil {
		s.logger.Warn("Failed to record issue", "error", err)
	}
}

// cronLogger routes cron's own logging through slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
