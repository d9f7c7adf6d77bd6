package scraper

import (
	"broker-monitor/pkg/broker"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const listingsPage = `<html><body>
<ul id="results">
  <li class="card">
    <h3 class="name">Managed IT Services Provider, Kent</h3>
    <a class="more" href="/listing/42?ref=search#top">View</a>
    <span class="price">£1,250,000</span>
    <span class="loc"> Kent,
      UK </span>
  </li>
  <li class="card">
    <a href="https://other.example.org/biz/7">Cloud hosting business</a>
    <span class="price">£300k</span>
  </li>
  <li class="card"><span>No link here</span></li>
  <li class="card"><a href="javascript:void(0)">Broken</a></li>
  <li class="card">
    <h3 class="name">Managed IT Services Provider, Kent</h3>
    <a class="more" href="/listing/42?ref=search">Duplicate via cross-link</a>
  </li>
</ul>
<footer><a href="/privacy-policy">Privacy policy and terms</a></footer>
</body></html>`

func TestExtractStructured(t *testing.T) {
	got, err := ExtractHTML(listingsPage, "https://broker.example.com/search?page=1", broker.Extraction{
		Mode:     broker.Structured,
		List:     "li.card",
		Link:     "a.more",
		Title:    "h3.name",
		Price:    ".price",
		Location: ".loc",
	})
	require.NoError(t, err)

	want := []broker.Candidate{
		{
			URL:      "https://broker.example.com/listing/42?ref=search",
			Title:    "Managed IT Services Provider, Kent",
			Price:    "£1,250,000",
			Location: "Kent, UK",
		},
		{
			// No a.more: first anchor. Title selector matches nothing: URL stands in.
			URL:   "https://other.example.org/biz/7",
			Title: "https://other.example.org/biz/7",
			Price: "£300k",
		},
	}
	assert.Equal(t, want, got)
}

func TestExtractStructuredDefaults(t *testing.T) {
	got, err := ExtractHTML(listingsPage, "https://broker.example.com/search", broker.Extraction{
		Mode: broker.Structured,
		List: "li.card",
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "View", got[0].Title)
	assert.Equal(t, "Cloud hosting business", got[1].Title)
	assert.Empty(t, got[0].Price)
}

func TestExtractLegacy(t *testing.T) {
	got, err := ExtractHTML(listingsPage, "https://broker.example.com/search", broker.Extraction{
		Mode: broker.Legacy,
		List: "li.card",
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, broker.Candidate{URL: "https://broker.example.com/listing/42?ref=search", Title: "View"}, got[0])

	got, err = ExtractHTML(listingsPage, "https://broker.example.com/search", broker.Extraction{
		Mode: broker.Legacy,
		List: "li.card a",
	})
	require.NoError(t, err)
	assert.Len(t, got, 2, "anchors matched by the list selector are used directly")
}

func TestExtractFallback(t *testing.T) {
	page := `<html><body>
<article><a href="/listings/msp-north">Established MSP in the North West</a></article>
<article><a href="/listings/short">Short</a></article>
<h2><a href="/contact-us/business-sale">Contact our business sale team</a></h2>
<div class="result"><a href="/opportunity/99#details">IT support company, 40 clients</a></div>
<a href="/about">About us and our long history</a>
</body></html>`

	got, err := ExtractHTML(page, "https://broker.example.com/", broker.Extraction{})
	require.NoError(t, err)

	want := []broker.Candidate{
		{URL: "https://broker.example.com/listings/msp-north", Title: "Established MSP in the North West"},
		{URL: "https://broker.example.com/opportunity/99", Title: "IT support company, 40 clients"},
	}
	assert.Equal(t, want, got)
}

func TestExtractInvalidSelector(t *testing.T) {
	_, err := ExtractHTML(listingsPage, "https://broker.example.com/", broker.Extraction{
		Mode: broker.Structured,
		List: "li.card[",
	})
	assert.ErrorIs(t, err, ErrExtraction)

	_, err = ExtractHTML(listingsPage, "https://broker.example.com/", broker.Extraction{
		Mode: broker.Legacy,
		List: "Sector = Technology",
	})
	assert.ErrorIs(t, err, ErrExtraction)
}

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		base, href string
		want       string
		ok         bool
	}{
		{"https://example.com/search", "/listing/42", "https://example.com/listing/42", true},
		{"https://example.com/search/", "listing/42", "https://example.com/search/listing/42", true},
		{"https://example.com/a", "//cdn.example.com/x#frag", "https://cdn.example.com/x", true},
		{"https://example.com/a", "http://other.example.com/?q=1#top", "http://other.example.com/?q=1", true},
		{"https://example.com/a", "http://%zz", "", false},
		{"https://example.com/a", "mailto:sales@example.com", "", false},
		{"https://example.com/a", "javascript:void(0)", "", false},
		{"https://example.com/a", "   ", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.href, func(t *testing.T) {
			got, ok := Canonicalize(tt.base, tt.href)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
