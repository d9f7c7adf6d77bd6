package scraper

import (
	"broker-monitor/pkg/broker"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
)

// ErrExtraction is wrapped by errors caused by malformed pages or selectors.
var ErrExtraction = errors.New("extraction failed")

// fallbackSelectors are tried when a broker has no list selector.
var fallbackSelectors = []string{
	"a[href*='/listing']",
	"a[href*='/listings/']",
	"a[href*='/business']",
	"a[href*='for-sale']",
	"a[href*='/opportunity']",
	"article a[href]",
	".listing a[href]",
	".result a[href]",
	"h2 a[href]",
	"h3 a[href]",
}

// Anchors in the fallback scan pointing at these are site furniture, not listings.
var blockedHref = regexp.MustCompile(`(?i)login|signup|privacy|terms|contact|cookie`)

const minFallbackTitle = 8

// ExtractHTML parses page and extracts candidates from it.
func ExtractHTML(page, baseURL string, ex broker.Extraction) ([]broker.Candidate, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("%w: parse page: %v", ErrExtraction, err)
	}
	return Extract(doc, baseURL, ex)
}

// Extract reads listing candidates from doc according to ex. Hrefs are
// resolved against baseURL; those that do not resolve to http(s) URLs are
// dropped. The result holds each URL at most once, in page order.
func Extract(doc *goquery.Document, baseURL string, ex broker.Extraction) ([]broker.Candidate, error) {
	var (
		out []broker.Candidate
		err error
	)
	switch ex.Mode {
	case broker.Structured:
		out, err = extractStructured(doc, baseURL, ex)
	case broker.Legacy:
		out, err = extractLegacy(doc, baseURL, ex)
	default:
		out, err = extractFallback(doc, baseURL)
	}
	if err != nil {
		return nil, err
	}
	return dedupe(out), nil
}

func extractStructured(doc *goquery.Document, baseURL string, ex broker.Extraction) ([]broker.Candidate, error) {
	list, err := compile(ex.List)
	if err != nil {
		return nil, err
	}
	link, err := compileOptional(ex.Link)
	if err != nil {
		return nil, err
	}
	title, err := compileOptional(ex.Title)
	if err != nil {
		return nil, err
	}
	price, err := compileOptional(ex.Price)
	if err != nil {
		return nil, err
	}
	location, err := compileOptional(ex.Location)
	if err != nil {
		return nil, err
	}

	var out []broker.Candidate
	doc.FindMatcher(list).Each(func(_ int, el *goquery.Selection) {
		var a *goquery.Selection
		if link != nil {
			a = el.FindMatcher(link).First()
		}
		if a == nil || a.Length() == 0 {
			a = anchorOf(el)
		}
		href, ok := a.Attr("href")
		if !ok || strings.TrimSpace(href) == "" {
			return
		}
		u, ok := Canonicalize(baseURL, href)
		if !ok {
			return
		}

		var t string
		if title != nil {
			t = normalizeSpace(el.FindMatcher(title).First().Text())
		} else {
			t = normalizeSpace(a.Text())
			if t == "" {
				t = normalizeSpace(el.Text())
			}
		}
		if t == "" {
			t = u
		}

		c := broker.Candidate{URL: u, Title: t}
		if price != nil {
			c.Price = normalizeSpace(el.FindMatcher(price).First().Text())
		}
		if location != nil {
			c.Location = normalizeSpace(el.FindMatcher(location).First().Text())
		}
		out = append(out, c)
	})
	return out, nil
}

func extractLegacy(doc *goquery.Document, baseURL string, ex broker.Extraction) ([]broker.Candidate, error) {
	list, err := compile(ex.List)
	if err != nil {
		return nil, err
	}
	link, err := compileOptional(ex.Link)
	if err != nil {
		return nil, err
	}

	var out []broker.Candidate
	doc.FindMatcher(list).Each(func(_ int, el *goquery.Selection) {
		var a *goquery.Selection
		if link != nil {
			a = el.FindMatcher(link).First()
		} else {
			a = anchorOf(el)
		}
		href, ok := a.Attr("href")
		if !ok || href == "" {
			return
		}
		u, ok := Canonicalize(baseURL, href)
		if !ok {
			return
		}
		t := normalizeSpace(a.Text())
		if t == "" {
			t = normalizeSpace(el.Text())
		}
		if t == "" {
			t = u
		}
		out = append(out, broker.Candidate{URL: u, Title: t})
	})
	return out, nil
}

func extractFallback(doc *goquery.Document, baseURL string) ([]broker.Candidate, error) {
	var out []broker.Candidate
	doc.Find(strings.Join(fallbackSelectors, ", ")).Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		if href == "" || blockedHref.MatchString(href) {
			return
		}
		t := normalizeSpace(a.Text())
		if len([]rune(t)) < minFallbackTitle {
			return
		}
		u, ok := Canonicalize(baseURL, href)
		if !ok {
			return
		}
		out = append(out, broker.Candidate{URL: u, Title: t})
	})
	return out, nil
}

// anchorOf returns el when it is an anchor, otherwise its first descendant anchor.
func anchorOf(el *goquery.Selection) *goquery.Selection {
	if goquery.NodeName(el) == "a" {
		return el
	}
	return el.Find("a").First()
}

func compile(sel string) (cascadia.Selector, error) {
	m, err := cascadia.Compile(sel)
	if err != nil {
		return nil, fmt.Errorf("%w: selector %q: %v", ErrExtraction, sel, err)
	}
	return m, nil
}

func compileOptional(sel string) (cascadia.Selector, error) {
	if sel == "" {
		return nil, nil
	}
	return compile(sel)
}

func dedupe(in []broker.Candidate) []broker.Candidate {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, c := range in {
		if seen[c.URL] {
			continue
		}
		seen[c.URL] = true
		out = append(out, c)
	}
	return out
}
