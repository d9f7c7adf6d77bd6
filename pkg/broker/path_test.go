package broker

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseScrapingPath(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want ScrapingPath
	}{
		{name: "null", in: "null", want: ScrapingPath{}},
		{name: "empty", in: "", want: ScrapingPath{}},
		{name: "bare string", in: `"/businesses-for-sale"`, want: ScrapingPath{}},
		{
			name: "legacy list only",
			in:   `[".result"]`,
			want: ScrapingPath{Extraction: Extraction{Mode: Legacy, List: ".result"}},
		},
		{
			name: "legacy list and link",
			in:   `[".result", "a.title"]`,
			want: ScrapingPath{Extraction: Extraction{Mode: Legacy, List: ".result", Link: "a.title"}},
		},
		{name: "legacy empty", in: `[]`, want: ScrapingPath{}},
		{
			name: "structured",
			in:   `{"list":".card","link":"a","title":"h3","price":".price","location":".loc","include":"msp","exclude":"franchise"}`,
			want: ScrapingPath{Extraction: Extraction{
				Mode: Structured, List: ".card", Link: "a", Title: "h3",
				Price: ".price", Location: ".loc", Include: "msp", Exclude: "franchise",
			}},
		},
		{
			name: "object without list keeps actions and filters",
			in:   `{"actions":[{"waitFor":"#results"}],"include":"msp"}`,
			want: ScrapingPath{
				Script:     []Action{{Kind: WaitFor, Selector: "#results"}},
				Extraction: Extraction{Mode: Fallback, Include: "msp"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseScrapingPath([]byte(tt.in))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseScrapingPathErrors(t *testing.T) {
	for _, in := range []string{`42`, `{"actions":[{"bogus":1}]}`, `[1,2]`, `{"actions":[{"type":"sleep"}]}`} {
		_, err := ParseScrapingPath([]byte(in))
		assert.Error(t, err, in)
	}
}

func TestActionShapes(t *testing.T) {
	in := `{"list":".card","actions":[
		{"click":"#newest","waitFor":".card"},
		{"clickText":"Technology","within":"nav"},
		{"select":{"selector":"#sort","text":"Newest first"}},
		{"select":{"selector":"#region","value":"uk"},"waitFor":".card"},
		{"scrollUntilText":"Yesterday"},
		{"scrollUntilText":"Last week","maxScrolls":5},
		{"waitFor":".results"},
		{"type":"sleep","ms":1500}
	]}`

	p, err := ParseScrapingPath([]byte(in))
	require.NoError(t, err)
	require.Len(t, p.Script, 8)

	want := []Action{
		{Kind: ClickSelector, Selector: "#newest", WaitFor: ".card"},
		{Kind: ClickText, Text: "Technology", Scope: "nav"},
		{Kind: SelectOption, Selector: "#sort", OptionText: "Newest first"},
		{Kind: SelectOption, Selector: "#region", Value: "uk", WaitFor: ".card"},
		{Kind: ScrollUntilText, Text: "Yesterday", MaxScrolls: DefaultMaxScrolls},
		{Kind: ScrollUntilText, Text: "Last week", MaxScrolls: 5},
		{Kind: WaitFor, Selector: ".results"},
		{Kind: Sleep, Duration: 1500 * time.Millisecond},
	}
	assert.Equal(t, want, p.Script)

	// Writing the path back and reading it again yields the same variants.
	out, err := json.Marshal(p)
	require.NoError(t, err)
	again, err := ParseScrapingPath(out)
	require.NoError(t, err)
	assert.Equal(t, p, again)
}

func TestSelectRequiresValueOrText(t *testing.T) {
	var a Action
	err := json.Unmarshal([]byte(`{"select":{"selector":"#sort"}}`), &a)
	assert.ErrorContains(t, err, "provide value or text")
}

func TestMarshalScrapingPath(t *testing.T) {
	legacy := ScrapingPath{Extraction: Extraction{Mode: Legacy, List: ".row", Link: "a"}}
	b, err := json.Marshal(legacy)
	require.NoError(t, err)
	assert.JSONEq(t, `[".row","a"]`, string(b))

	b, err = json.Marshal(ScrapingPath{})
	require.NoError(t, err)
	assert.Equal(t, "null", string(b))
}

func TestTargetJSON(t *testing.T) {
	in := `{"id":"b1","name":"RightBiz","website":"https://example.com","tier":2,"is_active":true,"scraping_path":[".listing"]}`
	var tg Target
	require.NoError(t, json.Unmarshal([]byte(in), &tg))
	assert.Equal(t, "RightBiz", tg.Name)
	assert.True(t, tg.Active)
	assert.Equal(t, Legacy, tg.Path.Extraction.Mode)
	assert.Equal(t, ".listing", tg.Path.Extraction.List)
}
