package scraper

import (
	"broker-monitor/pkg/broker"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilter(t *testing.T) {
	furniture := broker.Candidate{Title: "Office Furniture For Sale", URL: "https://b.example.com/l/1"}
	msp := broker.Candidate{Title: "Growing MSP for sale in Kent", URL: "https://b.example.com/l/2"}
	franchise := broker.Candidate{Title: "IT Services franchise", URL: "https://b.example.com/franchise/3"}
	byURL := broker.Candidate{Title: "Opportunity", URL: "https://b.example.com/msp/4"}

	tests := []struct {
		name             string
		include, exclude string
		want             []broker.Candidate
	}{
		{name: "no patterns", want: []broker.Candidate{furniture, msp, franchise, byURL}},
		{name: "literal with flags", include: "/msp|it services/i", want: []broker.Candidate{msp, franchise, byURL}},
		{name: "case sensitive without flag", include: "MSP", want: []broker.Candidate{msp}},
		{name: "inline flag", include: "(?i)msp", want: []broker.Candidate{msp, byURL}},
		{name: "exclude matches url", include: "/msp|it services/i", exclude: "franchise", want: []broker.Candidate{msp, byURL}},
		{name: "exclude only", exclude: "(?i)furniture", want: []broker.Candidate{msp, franchise, byURL}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := NewFilter(tt.include, tt.exclude)
			require.NoError(t, err)
			assert.Equal(t, tt.want, f.Apply([]broker.Candidate{furniture, msp, franchise, byURL}))
		})
	}
}

func TestFilterIncludeDropsUnrelated(t *testing.T) {
	f, err := NewFilter("/msp|it services/i", "")
	require.NoError(t, err)
	assert.False(t, f.Match(broker.Candidate{Title: "Office Furniture For Sale"}))
	assert.True(t, f.Match(broker.Candidate{Title: "Growing MSP for sale in Kent"}))
}

func TestNewFilterInvalid(t *testing.T) {
	_, err := NewFilter("(unclosed", "")
	assert.ErrorContains(t, err, "include pattern")
	_, err = NewFilter("", "/a(/i")
	assert.ErrorContains(t, err, "exclude pattern")
}

func TestSplitLiteral(t *testing.T) {
	body, flags, ok := splitLiteral("/a/b/gi")
	assert.True(t, ok)
	assert.Equal(t, "a/b", body)
	assert.Equal(t, "gi", flags)

	_, _, ok = splitLiteral("/path/to/listing")
	assert.False(t, ok, "trailing segment is not a flag set")

	_, _, ok = splitLiteral("/")
	assert.False(t, ok)

	body, flags, ok = splitLiteral("/msp|it services/")
	assert.True(t, ok)
	assert.Equal(t, "msp|it services", body)
	assert.Empty(t, flags)

	_, _, ok = splitLiteral("/business/")
	assert.False(t, ok, "a plain path is not a literal")
}

func TestFilterPlainPathPattern(t *testing.T) {
	f, err := NewFilter("/business/", "")
	require.NoError(t, err)
	assert.True(t, f.Match(broker.Candidate{Title: "Listing", URL: "https://b.example.com/business/9"}))
	assert.False(t, f.Match(broker.Candidate{Title: "Small business for sale", URL: "https://b.example.com/l/9"}))
}
