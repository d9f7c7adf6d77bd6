// Package scrapertest provides an in-memory page for exercising scripts and
// extraction without a browser.
package scrapertest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
)

// Page serves static HTML. Clicks and scrolls can swap the document to
// simulate navigation and lazy loading.
type Page struct {
	// OnClick maps a clicked selector to the document shown afterwards.
	// A click with an entry counts as a navigation.
	OnClick map[string]string
	// OnScroll maps a scroll count to the document shown once it is reached.
	OnScroll map[int]string
	// FailNavigate makes Navigate return this error.
	FailNavigate error

	mu       sync.Mutex
	html     string
	url      string
	clicks   []string
	values   map[string]string
	scrolls  int
	closed   bool
	navWatch []chan struct{}
}

// NewPage returns a page showing html.
func NewPage(html string) *Page {
	return &Page{html: html, values: map[string]string{}}
}

// Navigate records url. The document is left unchanged.
func (p *Page) Navigate(ctx context.Context, url string) error {
	if p.FailNavigate != nil {
		return p.FailNavigate
	}
	p.mu.Lock()
	p.url = url
	p.mu.Unlock()
	p.fireNav()
	return ctx.Err()
}

// WaitVisible returns once selector matches the document, or ctx.Err() when
// it does not. The document only changes between script steps.
func (p *Page) WaitVisible(ctx context.Context, selector string) error {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(p.current()))
	if err != nil {
		return err
	}
	if doc.Find(selector).Length() > 0 {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

// Click records selector and applies any OnClick transition.
func (p *Page) Click(ctx context.Context, selector string) error {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(p.current()))
	if err != nil {
		return err
	}
	if doc.Find(selector).Length() == 0 {
		return fmt.Errorf("no node matches %s", selector)
	}

	p.mu.Lock()
	p.clicks = append(p.clicks, selector)
	next, ok := p.OnClick[selector]
	if ok {
		p.html = next
	}
	p.mu.Unlock()
	if ok {
		p.fireNav()
	}
	return ctx.Err()
}

// SetValue records the value set on selector.
func (p *Page) SetValue(ctx context.Context, selector, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values[selector] = value
	return ctx.Err()
}

// ScrollBy counts scrolls and applies any OnScroll transition.
func (p *Page) ScrollBy(ctx context.Context, _ float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scrolls++
	if next, ok := p.OnScroll[p.scrolls]; ok {
		p.html = next
	}
	return ctx.Err()
}

// HTML returns the current document.
func (p *Page) HTML(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return p.current(), nil
}

// Navigated returns a channel closed by the next navigating click or Navigate.
func (p *Page) Navigated() <-chan struct{} {
	ch := make(chan struct{})
	p.mu.Lock()
	p.navWatch = append(p.navWatch, ch)
	p.mu.Unlock()
	return ch
}

// Close marks the page closed. Closing twice is an error.
func (p *Page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("page already closed")
	}
	p.closed = true
	return nil
}

// SetHTML replaces the document.
func (p *Page) SetHTML(html string) {
	p.mu.Lock()
	p.html = html
	p.mu.Unlock()
}

// Clicks returns the selectors clicked so far.
func (p *Page) Clicks() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.clicks...)
}

// Value returns the last value set on selector.
func (p *Page) Value(selector string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.values[selector]
}

// Scrolls returns the number of ScrollBy calls.
func (p *Page) Scrolls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.scrolls
}

// URL returns the last navigated URL.
func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

// Closed reports whether Close was called.
func (p *Page) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Page) current() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.html
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
