package config

import (
	"broker-monitor/pkg/broker"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const defaultTier = 3

// rosterEntry is one broker as written in the roster file.
type rosterEntry struct {
	ScrapingPath any    `yaml:"scraping_path"`
	Active       *bool  `yaml:"active"`
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	Website      string `yaml:"website"`
	Tier         int    `yaml:"tier"`
}

// LoadRoster reads the broker roster from path. Returns nil if the file
// doesn't exist. Entries default to active and tier 3.
func LoadRoster(path string) ([]*broker.Target, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read roster file: %w", err)
	}
	return parseRoster(data)
}

func parseRoster(data []byte) ([]*broker.Target, error) {
	var entries []rosterEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse roster file: %w", err)
	}

	seen := make(map[string]bool, len(entries))
	targets := make([]*broker.Target, 0, len(entries))
	for i, e := range entries {
		t, err := e.target()
		if err != nil {
			return nil, fmt.Errorf("roster entry %d: %w", i+1, err)
		}
		key := strings.ToLower(t.Name)
		if seen[key] {
			return nil, fmt.Errorf("roster entry %d: duplicate broker name %q", i+1, t.Name)
		}
		seen[key] = true
		targets = append(targets, t)
	}
	return targets, nil
}

func (e rosterEntry) target() (*broker.Target, error) {
	name := strings.TrimSpace(e.Name)
	if name == "" {
		return nil, errors.New("missing name")
	}
	if strings.TrimSpace(e.Website) == "" {
		return nil, fmt.Errorf("broker %s: missing website", name)
	}

	tier := e.Tier
	if tier == 0 {
		tier = defaultTier
	}
	if tier < 1 || tier > 5 {
		return nil, fmt.Errorf("broker %s: tier %d out of range 1-5", name, tier)
	}

	// The path is stored as JSON; go through it so YAML and database rosters
	// share one decoder.
	raw, err := json.Marshal(e.ScrapingPath)
	if err != nil {
		return nil, fmt.Errorf("broker %s: encode scraping path: %w", name, err)
	}
	path, err := broker.ParseScrapingPath(raw)
	if err != nil {
		return nil, fmt.Errorf("broker %s: %w", name, err)
	}

	return &broker.Target{
		ID:      strings.TrimSpace(e.ID),
		Name:    name,
		Website: strings.TrimSpace(e.Website),
		Tier:    tier,
		Active:  e.Active == nil || *e.Active,
		Path:    path,
	}, nil
}
