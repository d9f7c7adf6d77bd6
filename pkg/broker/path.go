package broker

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ExtractionMode selects how listings are read from a loaded page.
type ExtractionMode int

// Extraction modes.
const (
	// Fallback scans generic listing-like anchors.
	Fallback ExtractionMode = iota
	// Legacy reads [list, link?] selectors; titles come from anchor text.
	Legacy
	// Structured reads nested link/title/price/location selectors per container.
	Structured
)

func (m ExtractionMode) String() string {
	switch m {
	case Legacy:
		return "legacy"
	case Structured:
		return "structured"
	default:
		return "fallback"
	}
}

// Extraction is the normalised extraction config of a broker.
type Extraction struct {
	List     string
	Link     string
	Title    string
	Price    string
	Location string
	Include  string // Regexp over "title url"
	Exclude  string
	Mode     ExtractionMode
}

// ScrapingPath is a broker's action script plus its extraction config.
type ScrapingPath struct {
	Script     []Action
	Extraction Extraction
}

type rawPath struct {
	List     string   `json:"list,omitempty"`
	Link     string   `json:"link,omitempty"`
	Title    string   `json:"title,omitempty"`
	Price    string   `json:"price,omitempty"`
	Location string   `json:"location,omitempty"`
	Actions  []Action `json:"actions,omitempty"`
	Include  string   `json:"include,omitempty"`
	Exclude  string   `json:"exclude,omitempty"`
}

// ParseScrapingPath normalises the persisted scraping_path value.
// An object is Structured, an array is Legacy, null or absent is Fallback.
// Objects without a list selector and arrays without a first element fall
// back too, keeping any actions and filters.
func ParseScrapingPath(data []byte) (ScrapingPath, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return ScrapingPath{}, nil
	}

	switch data[0] {
	case '[':
		var sels []string
		if err := json.Unmarshal(data, &sels); err != nil {
			return ScrapingPath{}, fmt.Errorf("decode legacy scraping path: %w", err)
		}
		if len(sels) == 0 || sels[0] == "" {
			return ScrapingPath{}, nil
		}
		ex := Extraction{Mode: Legacy, List: sels[0]}
		if len(sels) > 1 {
			ex.Link = sels[1]
		}
		return ScrapingPath{Extraction: ex}, nil
	case '{':
		var raw rawPath
		if err := json.Unmarshal(data, &raw); err != nil {
			return ScrapingPath{}, fmt.Errorf("decode scraping path: %w", err)
		}
		p := ScrapingPath{
			Script: raw.Actions,
			Extraction: Extraction{
				List:     raw.List,
				Link:     raw.Link,
				Title:    raw.Title,
				Price:    raw.Price,
				Location: raw.Location,
				Include:  raw.Include,
				Exclude:  raw.Exclude,
			},
		}
		if raw.List != "" {
			p.Extraction.Mode = Structured
		}
		return p, nil
	case '"':
		// Some rosters stored a bare entry path here; it carries no selectors.
		return ScrapingPath{}, nil
	default:
		return ScrapingPath{}, fmt.Errorf("unsupported scraping path: %.40s", data)
	}
}

// UnmarshalJSON implements json.Unmarshaler via ParseScrapingPath.
func (p *ScrapingPath) UnmarshalJSON(data []byte) error {
	parsed, err := ParseScrapingPath(data)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// MarshalJSON writes the legacy array for Legacy paths and an object otherwise.
// A path with nothing set marshals to null.
func (p ScrapingPath) MarshalJSON() ([]byte, error) {
	ex := p.Extraction
	if ex.Mode == Legacy && len(p.Script) == 0 && ex.Include == "" && ex.Exclude == "" {
		sels := []string{ex.List}
		if ex.Link != "" {
			sels = append(sels, ex.Link)
		}
		return json.Marshal(sels)
	}
	if p.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(rawPath{
		List:     ex.List,
		Link:     ex.Link,
		Title:    ex.Title,
		Price:    ex.Price,
		Location: ex.Location,
		Actions:  p.Script,
		Include:  ex.Include,
		Exclude:  ex.Exclude,
	})
}

// IsZero reports whether the path has no script, selectors or filters.
func (p ScrapingPath) IsZero() bool {
	return len(p.Script) == 0 && p.Extraction == Extraction{}
}
