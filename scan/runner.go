// Package scan runs broker scrapes: one browser per run, brokers in
// sequence, new listings deduplicated against the store and fanned out once.
package scan

import (
	"broker-monitor/notify"
	"broker-monitor/pkg/broker"
	"broker-monitor/scraper"
	"broker-monitor/storage"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ErrScanInProgress is returned when a run is triggered while another is active.
var ErrScanInProgress = errors.New("scraping already in progress")

const (
	// NavigationTimeout bounds loading a broker's entry page, starting the
	// browser and opening a tab.
	NavigationTimeout = 60 * time.Second

	// IssueScrapingError is the issue type recorded for a failed broker.
	IssueScrapingError = "Scraping Error"
	scrapeErrorMinutes = 5
)

// Launcher starts a browser for one run.
type Launcher interface {
	Launch(ctx context.Context) (scraper.Browser, error)
}

// Notifier fans a run's queued listings out to the sinks.
type Notifier interface {
	NotifyAll(ctx context.Context, queue []notify.Pending) notify.Report
}

// Config tunes a Runner.
type Config struct {
	NavigationTimeout time.Duration
	// HoldOnCRMFailure leaves listings whose CRM push failed unstamped, so
	// the next run retries them.
	HoldOnCRMFailure bool
}

// Selection picks the brokers for a run. The zero value is the active roster.
type Selection struct {
	BrokerID string   // One broker, regardless of its active flag
	Names    []string // Active brokers with these names, case-insensitive
}

func (s Selection) String() string {
	switch {
	case s.BrokerID != "":
		return "broker " + s.BrokerID
	case len(s.Names) > 0:
		return "names " + strings.Join(s.Names, ",")
	default:
		return "active roster"
	}
}

// Runner executes scans. At most one run is active per Runner.
type Runner struct {
	store    storage.Store
	launcher Launcher
	executor *scraper.Executor
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
	status   atomic.Pointer[broker.Status]
	cfg      Config
	mu       sync.Mutex // Orders flag changes against the final status
	running  atomic.Bool
}

// New creates a runner.
func New(store storage.Store, launcher Launcher, executor *scraper.Executor, notifier Notifier, cfg Config, logger *slog.Logger) *Runner {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = NavigationTimeout
	}
	r := &Runner{
		store:    store,
		launcher: launcher,
		executor: executor,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
		cfg:      cfg,
	}
	r.status.Store(&broker.Status{})
	return r
}

// Status returns the latest published snapshot.
func (r *Runner) Status() broker.Status {
	return *r.status.Load()
}

// Running reports whether a run holds the single-flight flag.
func (r *Runner) Running() bool {
	return r.running.Load()
}

// Logs returns run logs newest first, optionally for one broker.
func (r *Runner) Logs(ctx context.Context, brokerID string, limit int) ([]*broker.RunLog, error) {
	return r.store.Logs(ctx, brokerID, limit)
}

// Run scans the selected brokers and returns when the run has drained.
func (r *Runner) Run(ctx context.Context, sel Selection) (*Summary, error) {
	if !r.acquire() {
		return nil, ErrScanInProgress
	}

	targets, err := r.targets(ctx, sel)
	if err != nil {
		r.release(nil)
		return nil, err
	}
	return r.run(ctx, r.begin(targets, sel))
}

// Start begins a run in the background. Target resolution errors and
// ErrScanInProgress are returned; a later failure is logged and shown as
// LastError in the final status.
func (r *Runner) Start(ctx context.Context, sel Selection) error {
	if !r.acquire() {
		return ErrScanInProgress
	}

	targets, err := r.targets(ctx, sel)
	if err != nil {
		r.release(nil)
		return err
	}
	sess := r.begin(targets, sel)

	// The run outlives the triggering request.
	ctx = context.WithoutCancel(ctx)
	go func() {
		if _, err := r.run(ctx, sess); err != nil {
			r.logger.Error("Scan failed", "selection", sel.String(), "error", err)
		}
	}()
	return nil
}

func (r *Runner) begin(targets []*broker.Target, sel Selection) *Session {
	r.logger.Info("Scan starting", "selection", sel.String(), "brokers", len(targets))
	return newSession(targets, r.now(), r.Status().LastRun, func(st *broker.Status) {
		r.status.Store(st)
	}, r.release)
}

func (r *Runner) acquire() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running.Load() {
		return false
	}
	r.running.Store(true)
	return true
}

// release clears the single-flight flag, publishing final first when set.
// A caller that observes final can trigger the next run immediately.
func (r *Runner) release(final *broker.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if final != nil {
		r.status.Store(final)
	}
	r.running.Store(false)
}

// targets resolves sel against the roster.
func (r *Runner) targets(ctx context.Context, sel Selection) ([]*broker.Target, error) {
	if sel.BrokerID != "" {
		t, err := r.store.Broker(ctx, sel.BrokerID)
		if err != nil {
			return nil, fmt.Errorf("load broker %s: %w", sel.BrokerID, err)
		}
		return []*broker.Target{t}, nil
	}

	all, err := r.store.Brokers(ctx)
	if err != nil {
		return nil, fmt.Errorf("load brokers: %w", err)
	}
	var out []*broker.Target
	for _, t := range all {
		if !t.Active {
			continue
		}
		if len(sel.Names) > 0 && !slices.ContainsFunc(sel.Names, func(n string) bool {
			return strings.EqualFold(n, t.Name)
		}) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (r *Runner) run(ctx context.Context, sess *Session) (sum *Summary, err error) {
	defer func() { sess.finish(err) }()
	start := time.Now()

	if len(sess.targets) == 0 {
		r.logger.Info("Scan finished: no brokers selected")
		return sess.summary, nil
	}

	lctx, cancel := context.WithTimeout(ctx, r.cfg.NavigationTimeout)
	b, err := r.launcher.Launch(lctx)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	defer func() {
		if closeErr := b.Close(); closeErr != nil {
			r.logger.Warn("Failed to close browser", "error", closeErr)
		}
	}()

	for _, t := range sess.targets {
		sess.enter(t)
		if err := r.scrapeBroker(ctx, b, t, sess); err != nil {
			return nil, err
		}
		sess.advance()
	}

	r.notify(ctx, sess)

	sum = sess.summary
	r.logger.Info("Scan finished",
		"brokers", sum.Brokers,
		"failed", len(sum.Failed),
		"new_listings", sum.New,
		"notified", sum.Notified,
		"duration_ms", time.Since(start).Milliseconds())
	return sum, nil
}

// result is what one broker contributed to the run.
type result struct {
	pending []notify.Pending
	note    string // Recoverable problem worth keeping in the run log
	found   int
	created int
}

// scrapeBroker scrapes t and records the outcome. Only store failures on
// the run log itself are returned; everything else is confined to t.
func (r *Runner) scrapeBroker(ctx context.Context, b scraper.Browser, t *broker.Target, sess *Session) error {
	rl, err := r.store.StartRun(ctx, t.ID, r.now())
	if err != nil {
		return fmt.Errorf("start run log for %s: %w", t.Name, err)
	}

	start := time.Now()
	res, scrapeErr := r.visit(ctx, b, t)
	sess.enqueue(res.pending)
	sess.summary.Found[t.Name] = res.found
	sess.summary.New += res.created

	done := r.now()
	rl.CompletedAt = &done
	rl.ListingsFound = res.found
	rl.NewListings = res.created
	rl.Error = res.note

	if scrapeErr != nil {
		rl.Status = broker.RunFailed
		rl.Error = scrapeErr.Error()
		sess.summary.Failed = append(sess.summary.Failed, t.Name)
		r.logger.Warn("Broker scrape failed",
			"broker", t.Name,
			"broker_id", t.ID,
			"action_error", scraper.IsActionError(scrapeErr),
			"duration_ms", time.Since(start).Milliseconds(),
			"error", scrapeErr)
		r.recordIssue(ctx, t, scrapeErr)
	} else {
		rl.Status = broker.RunCompleted
		if err := r.store.TouchBroker(ctx, t.ID, done); err != nil {
			r.logger.Warn("Failed to stamp last scrape", "broker_id", t.ID, "error", err)
		}
		r.logger.Info("Broker scraped",
			"broker", t.Name,
			"listings_found", res.found,
			"new_listings", res.created,
			"duration_ms", time.Since(start).Milliseconds())
	}

	if err := r.store.FinishRun(ctx, rl); err != nil {
		r.logger.Error("Failed to finish run log", "broker_id", t.ID, "run_id", rl.ID, "error", err)
	}
	return nil
}

// visit drives one page through t's script and stages what it finds.
func (r *Runner) visit(ctx context.Context, b scraper.Browser, t *broker.Target) (result, error) {
	var res result
	ex := t.Path.Extraction

	filter, err := scraper.NewFilter(ex.Include, ex.Exclude)
	if err != nil {
		return res, err
	}

	pctx, cancel := context.WithTimeout(ctx, r.cfg.NavigationTimeout)
	page, err := b.NewPage(pctx)
	cancel()
	if err != nil {
		return res, fmt.Errorf("open page: %w", err)
	}
	defer func() {
		if closeErr := page.Close(); closeErr != nil {
			r.logger.Warn("Failed to close page", "broker", t.Name, "error", closeErr)
		}
	}()

	navCtx, cancel := context.WithTimeout(ctx, r.cfg.NavigationTimeout)
	err = page.Navigate(navCtx, t.Website)
	cancel()
	if err != nil {
		return res, fmt.Errorf("navigate to %s: %w", t.Website, err)
	}

	if err := r.executor.Run(ctx, page, t.Path.Script); err != nil {
		return res, err
	}

	htmlCtx, cancel := context.WithTimeout(ctx, r.cfg.NavigationTimeout)
	html, err := page.HTML(htmlCtx)
	cancel()
	if err != nil {
		return res, fmt.Errorf("read page: %w", err)
	}

	cands, err := scraper.ExtractHTML(html, t.Website, ex)
	if errors.Is(err, scraper.ErrExtraction) {
		r.logger.Warn("Extraction failed, treating page as empty", "broker", t.Name, "error", err)
		res.note = err.Error()
		cands = nil
	} else if err != nil {
		return res, err
	}

	kept := filter.Apply(cands)
	res.found = len(kept)
	if len(cands) == 0 && res.note == "" {
		r.logger.Warn("No listings extracted", "broker", t.Name, "mode", ex.Mode.String())
	}
	r.logger.Debug("Candidates filtered", "broker", t.Name, "extracted", len(cands), "kept", len(kept))

	for _, c := range kept {
		l, created, err := r.stage(ctx, c, t.ID)
		if err != nil {
			return res, fmt.Errorf("store listing %s: %w", c.URL, err)
		}
		if l == nil {
			continue
		}
		if created {
			res.created++
		}
		res.pending = append(res.pending, notify.Pending{Listing: l, Broker: t.Name})
	}
	return res, nil
}

// stage returns the listing for c if it still needs notifying, creating it
// when the URL is unseen. A nil listing means nothing to do.
func (r *Runner) stage(ctx context.Context, c broker.Candidate, brokerID string) (*broker.Listing, bool, error) {
	l, err := r.store.FindByURL(ctx, c.URL)
	switch {
	case err == nil:
		if l.Notified() {
			return nil, false, nil
		}
		r.logger.Debug("Listing still pending notification", "listing_id", l.ID, "url", c.URL)
		return l, false, nil
	case !storage.IsNotFound(err):
		return nil, false, err
	}

	l, err = r.store.CreateListing(ctx, c, brokerID, r.now())
	if errors.Is(err, storage.ErrDuplicateURL) {
		r.logger.Debug("Listing created concurrently, skipping", "url", c.URL)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	r.logger.Info("New listing", "listing_id", l.ID, "broker_id", brokerID, "url", c.URL)
	return l, true, nil
}

// notify fans out the queue and stamps every listing it covered.
func (r *Runner) notify(ctx context.Context, sess *Session) {
	if len(sess.queue) == 0 {
		return
	}

	rep := r.notifier.NotifyAll(ctx, sess.queue)
	at := r.now()
	for _, p := range sess.queue {
		if r.cfg.HoldOnCRMFailure && rep.CRMFailed(p.Listing.ID) {
			r.logger.Info("Listing held for retry after CRM failure", "listing_id", p.Listing.ID)
			continue
		}
		if err := r.store.MarkNotified(ctx, p.Listing.ID, at); err != nil {
			r.logger.Error("Failed to mark listing notified", "listing_id", p.Listing.ID, "error", err)
			continue
		}
		sess.summary.Notified++
	}
}

func (r *Runner) recordIssue(ctx context.Context, t *broker.Target, cause error) {
	issue := &broker.Issue{
		BrokerID:    t.ID,
		Date:        r.now(),
		IssueType:   IssueScrapingError,
		Description: fmt.Sprintf("Failed to scrape %s: %v", t.Name, cause),
		TimeLostMin: scrapeErrorMinutes,
	}
	if err := r.store.CreateIssue(ctx, issue); err != nil {
		r.logger.Warn("Failed to record issue", "broker_id", t.ID, "error", err)
	}
}
