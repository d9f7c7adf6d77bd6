// Package scraper drives broker pages through their scripts and reads listings from them.
package scraper

import (
	"broker-monitor/pkg/broker"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Page is a single browser tab. Implementations must honour ctx deadlines.
type Page interface {
	Navigate(ctx context.Context, url string) error
	WaitVisible(ctx context.Context, selector string) error
	Click(ctx context.Context, selector string) error
	// SetValue sets a form control's value and dispatches a bubbling change event.
	SetValue(ctx context.Context, selector, value string) error
	// ScrollBy scrolls the window by fraction of the viewport height.
	ScrollBy(ctx context.Context, fraction float64) error
	HTML(ctx context.Context) (string, error)
	// Navigated returns a channel closed on the next DOMContentLoaded after the call.
	Navigated() <-chan struct{}
	Close() error
}

// Browser is a running browser session that hands out pages.
type Browser interface {
	NewPage(ctx context.Context) (Page, error)
	Close() error
}

const (
	// StepTimeout bounds every selector-based step.
	StepTimeout = 15 * time.Second

	settleDelay    = 400 * time.Millisecond
	scrollFraction = 0.9
	scrollPause    = 600 * time.Millisecond
	pollInterval   = 250 * time.Millisecond
)

// ActionError reports a script step that could not complete.
type ActionError struct {
	Err   error
	Kind  broker.ActionKind
	Index int
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("step %d (%s): %v", e.Index+1, e.Kind, e.Err)
}

func (e *ActionError) Unwrap() error {
	return e.Err
}

// IsActionError checks if an error came from a failed script step.
func IsActionError(err error) bool {
	var ae *ActionError
	return errors.As(err, &ae)
}

// Executor runs action scripts against a page.
type Executor struct {
	logger       *slog.Logger
	stepTimeout  time.Duration
	settle       time.Duration
	scrollPause  time.Duration
	pollInterval time.Duration
}

// NewExecutor creates an executor with the standard step timings.
func NewExecutor(logger *slog.Logger) *Executor {
	return &Executor{
		logger:       logger,
		stepTimeout:  StepTimeout,
		settle:       settleDelay,
		scrollPause:  scrollPause,
		pollInterval: pollInterval,
	}
}

// Run executes script in order. The first step that fails aborts the rest
// and is returned as an *ActionError.
func (e *Executor) Run(ctx context.Context, page Page, script []broker.Action) error {
	for i, a := range script {
		start := time.Now()
		if err := e.step(ctx, page, a); err != nil {
			e.logger.Warn("Script step failed",
				"step", i+1,
				"action", a.Kind.String(),
				"duration_ms", time.Since(start).Milliseconds(),
				"error", err)
			return &ActionError{Index: i, Kind: a.Kind, Err: err}
		}
		e.logger.Debug("Script step completed",
			"step", i+1,
			"action", a.Kind.String(),
			"duration_ms", time.Since(start).Milliseconds())
	}
	return nil
}

func (e *Executor) step(ctx context.Context, page Page, a broker.Action) error {
	switch a.Kind {
	case broker.ClickSelector:
		if err := e.waitVisible(ctx, page, a.Selector); err != nil {
			return err
		}
		if err := e.clickAndSettle(ctx, page, a.Selector); err != nil {
			return err
		}
		return e.waitFor(ctx, page, a.WaitFor)

	case broker.ClickText:
		path, err := e.findText(ctx, page, a.Text, a.Scope)
		if err != nil {
			return err
		}
		if err := e.clickAndSettle(ctx, page, path); err != nil {
			return err
		}
		return e.waitFor(ctx, page, a.WaitFor)

	case broker.SelectOption:
		if err := e.waitVisible(ctx, page, a.Selector); err != nil {
			return err
		}
		value := a.Value
		if value == "" {
			html, err := e.snapshot(ctx, page)
			if err != nil {
				return err
			}
			v, ok, err := optionValueByText(html, a.Selector, a.OptionText)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("select text not found: %q", a.OptionText)
			}
			value = v
		}
		sctx, cancel := context.WithTimeout(ctx, e.stepTimeout)
		defer cancel()
		if err := page.SetValue(sctx, a.Selector, value); err != nil {
			return fmt.Errorf("set %s: %w", a.Selector, err)
		}
		return e.waitFor(ctx, page, a.WaitFor)

	case broker.ScrollUntilText:
		return e.scrollUntil(ctx, page, a.Text, a.MaxScrolls)

	case broker.WaitFor:
		return e.waitVisible(ctx, page, a.Selector)

	case broker.Sleep:
		return sleep(ctx, a.Duration)

	default:
		return fmt.Errorf("unsupported action %s", a.Kind)
	}
}

func (e *Executor) waitVisible(ctx context.Context, page Page, selector string) error {
	wctx, cancel := context.WithTimeout(ctx, e.stepTimeout)
	defer cancel()
	if err := page.WaitVisible(wctx, selector); err != nil {
		return fmt.Errorf("wait for %s: %w", selector, err)
	}
	return nil
}

func (e *Executor) waitFor(ctx context.Context, page Page, selector string) error {
	if selector == "" {
		return nil
	}
	return e.waitVisible(ctx, page, selector)
}

// clickAndSettle clicks and then waits for whichever comes first: a
// DOMContentLoaded from a navigation the click caused, or the settle delay.
func (e *Executor) clickAndSettle(ctx context.Context, page Page, selector string) error {
	nav := page.Navigated()

	cctx, cancel := context.WithTimeout(ctx, e.stepTimeout)
	defer cancel()
	if err := page.Click(cctx, selector); err != nil {
		return fmt.Errorf("click %s: %w", selector, err)
	}

	timer := time.NewTimer(e.settle)
	defer timer.Stop()
	select {
	case <-nav:
	case <-timer.C:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// findText polls the page until an interactive element whose text contains
// text appears, returning a selector that addresses it.
func (e *Executor) findText(ctx context.Context, page Page, text, scope string) (string, error) {
	fctx, cancel := context.WithTimeout(ctx, e.stepTimeout)
	defer cancel()

	for {
		html, err := page.HTML(fctx)
		if err == nil {
			path, ok, ferr := FindByText(html, text, scope)
			if ferr != nil {
				return "", ferr
			}
			if ok {
				return path, nil
			}
		}
		if werr := sleep(fctx, e.pollInterval); werr != nil {
			if err != nil {
				return "", fmt.Errorf("read page: %w", err)
			}
			return "", fmt.Errorf("clickText not found: %q", text)
		}
	}
}

// scrollUntil scrolls until text is present. A miss is logged, not returned.
func (e *Executor) scrollUntil(ctx context.Context, page Page, text string, maxScrolls int) error {
	if maxScrolls <= 0 {
		maxScrolls = broker.DefaultMaxScrolls
	}
	needle := normalizeSpace(strings.ToLower(text))

	for i := 0; i < maxScrolls; i++ {
		html, err := e.snapshot(ctx, page)
		if err != nil {
			return err
		}
		if strings.Contains(strings.ToLower(VisibleText(html)), needle) {
			e.logger.Debug("Scroll target visible", "text", text, "scrolls", i)
			return nil
		}
		sctx, cancel := context.WithTimeout(ctx, e.stepTimeout)
		err = page.ScrollBy(sctx, scrollFraction)
		cancel()
		if err != nil {
			return fmt.Errorf("scroll: %w", err)
		}
		if err := sleep(ctx, e.scrollPause); err != nil {
			return err
		}
	}

	e.logger.Warn("Scroll target not found, continuing script", "text", text, "max_scrolls", maxScrolls)
	return nil
}

// snapshot reads the document within one step timeout.
func (e *Executor) snapshot(ctx context.Context, page Page) (string, error) {
	hctx, cancel := context.WithTimeout(ctx, e.stepTimeout)
	defer cancel()
	html, err := page.HTML(hctx)
	if err != nil {
		return "", fmt.Errorf("read page: %w", err)
	}
	return html, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
