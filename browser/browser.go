// Package browser runs broker scripts in headless Chrome via the DevTools protocol.
package browser

import (
	"broker-monitor/scraper"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// Config controls how Chrome is started.
type Config struct {
	ExecPath string // Empty lets chromedp locate Chrome
	Headless bool
}

// Launcher starts one Chrome process per scan run.
type Launcher struct {
	logger *slog.Logger
	opts   []chromedp.ExecAllocatorOption
}

// NewLauncher creates a launcher for cfg.
func NewLauncher(cfg Config, logger *slog.Logger) *Launcher {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("blink-settings", "imagesEnabled=false"),
		chromedp.UserAgent(scraper.UserAgent),
		chromedp.WindowSize(1280, 800),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	return &Launcher{logger: logger, opts: opts}
}

// Launch starts Chrome. The process lives until the session is closed,
// independent of ctx, which only bounds startup.
func (l *Launcher) Launch(ctx context.Context) (scraper.Browser, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.WithoutCancel(ctx), l.opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithErrorf(func(format string, args ...any) {
			l.logger.Debug("chromedp error", "message", fmt.Sprintf(format, args...))
		}),
	)

	start := time.Now()
	started := make(chan error, 1)
	go func() { started <- chromedp.Run(browserCtx) }()

	select {
	case err := <-started:
		if err != nil {
			browserCancel()
			allocCancel()
			return nil, fmt.Errorf("start chrome: %w", err)
		}
	case <-ctx.Done():
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start chrome: %w", ctx.Err())
	}

	l.logger.Info("Browser started", "duration_ms", time.Since(start).Milliseconds())
	return &Session{
		ctx:         browserCtx,
		cancel:      browserCancel,
		allocCancel: allocCancel,
		logger:      l.logger,
	}, nil
}

// Session is a running Chrome process. Pages are opened as tabs.
type Session struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	logger      *slog.Logger
	closeOnce   sync.Once
}

// NewPage opens a new tab.
func (s *Session) NewPage(ctx context.Context) (scraper.Page, error) {
	tabCtx, cancel := chromedp.NewContext(s.ctx)
	p := &Page{ctx: tabCtx, cancel: cancel}

	chromedp.ListenTarget(tabCtx, func(ev any) {
		if _, ok := ev.(*page.EventDomContentEventFired); ok {
			p.fireNav()
		}
	})

	// The first Run on a tab context creates the target; it must not be a
	// derived context or the tab would close with it.
	created := make(chan error, 1)
	go func() { created <- chromedp.Run(tabCtx) }()
	select {
	case err := <-created:
		if err != nil {
			cancel()
			return nil, fmt.Errorf("open tab: %w", err)
		}
	case <-ctx.Done():
		cancel()
		return nil, fmt.Errorf("open tab: %w", ctx.Err())
	}
	return p, nil
}

// Close shuts Chrome down. Safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = chromedp.Cancel(s.ctx)
		s.cancel()
		s.allocCancel()
		if err != nil {
			s.logger.Warn("Browser did not close gracefully", "error", err)
		}
	})
	return err
}

// Page is a single Chrome tab.
type Page struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	navWatch []chan struct{}
}

// Navigate loads url and waits for the load event.
func (p *Page) Navigate(ctx context.Context, url string) error {
	return p.run(ctx, chromedp.Navigate(url))
}

// WaitVisible waits until selector matches a visible element.
func (p *Page) WaitVisible(ctx context.Context, selector string) error {
	return p.run(ctx, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

// Click clicks the first visible element matching selector.
func (p *Page) Click(ctx context.Context, selector string) error {
	return p.run(ctx, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible))
}

// SetValue assigns value to the control matching selector and dispatches
// input and change events so page scripts react.
func (p *Page) SetValue(ctx context.Context, selector, value string) error {
	sel, err := json.Marshal(selector)
	if err != nil {
		return err
	}
	val, err := json.Marshal(value)
	if err != nil {
		return err
	}
	script := fmt.Sprintf(`(() => {
		const el = document.querySelector(%s);
		if (!el) return false;
		el.value = %s;
		el.dispatchEvent(new Event("input", { bubbles: true }));
		el.dispatchEvent(new Event("change", { bubbles: true }));
		return true;
	})()`, sel, val)

	var ok bool
	if err := p.run(ctx, chromedp.Evaluate(script, &ok)); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no node matches %s", selector)
	}
	return nil
}

// ScrollBy scrolls the window by fraction of the viewport height.
func (p *Page) ScrollBy(ctx context.Context, fraction float64) error {
	script := fmt.Sprintf("window.scrollBy(0, Math.round(window.innerHeight * %.3f))", fraction)
	return p.run(ctx, chromedp.Evaluate(script, nil))
}

// HTML returns the serialised document.
func (p *Page) HTML(ctx context.Context) (string, error) {
	var html string
	if err := p.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return html, nil
}

// Navigated returns a channel closed on the next DOMContentLoaded.
func (p *Page) Navigated() <-chan struct{} {
	ch := make(chan struct{})
	p.mu.Lock()
	p.navWatch = append(p.navWatch, ch)
	p.mu.Unlock()
	return ch
}

// Close closes the tab.
func (p *Page) Close() error {
	err := chromedp.Cancel(p.ctx)
	p.cancel()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Page) fireNav() {
	p.mu.Lock()
	watch := p.navWatch
	p.navWatch = nil
	p.mu.Unlock()
	for _, ch := range watch {
		close(ch)
	}
}

// run executes actions on the tab, bounded by both the tab's lifetime and ctx.
func (p *Page) run(ctx context.Context, actions ...chromedp.Action) error {
	rctx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	if d, ok := ctx.Deadline(); ok {
		var dcancel context.CancelFunc
		rctx, dcancel = context.WithDeadline(rctx, d)
		defer dcancel()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(rctx, actions...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	return nil
}
