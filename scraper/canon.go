package scraper

import (
	"net/url"
	"strings"
)

// Canonicalize resolves href against base and returns the absolute URL
// without its fragment. It reports false for hrefs that do not resolve to
// an http or https URL.
func Canonicalize(base, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" {
		return "", false
	}
	b, err := url.Parse(base)
	if err != nil {
		return "", false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	u := b.ResolveReference(ref)
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", false
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u.String(), true
}
