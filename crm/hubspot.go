// Package crm pushes new listings into HubSpot as deals.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// DefaultBaseURL is the HubSpot API root.
const DefaultBaseURL = "https://api.hubapi.com"

const (
	maxDealName  = 250
	maxErrorBody = 1000
)

// ErrNotConfigured is returned when no access token is set.
var ErrNotConfigured = errors.New("hubspot: no access token")

var amountRE = regexp.MustCompile(`[\d,.]+`)

// Config holds HubSpot credentials and deal placement.
type Config struct {
	Token      string
	PipelineID string
	DealStage  string
	BaseURL    string
}

// Deal is one listing to be created as a HubSpot deal.
type Deal struct {
	FirstSeen time.Time
	Title     string
	URL       string
	Price     string
	Location  string
	Broker    string
}

// Client creates deals through the HubSpot CRM v3 API.
type Client struct {
	client *http.Client
	logger *slog.Logger
	cfg    Config
}

// New creates a HubSpot client. Empty pipeline, stage and base URL fall back
// to HubSpot's defaults.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.PipelineID == "" {
		cfg.PipelineID = "default"
	}
	if cfg.DealStage == "" {
		cfg.DealStage = "appointmentscheduled"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger,
		cfg:    cfg,
	}
}

// Enabled reports whether an access token is configured.
func (c *Client) Enabled() bool {
	return c.cfg.Token != ""
}

type dealProperties struct {
	Amount      *float64 `json:"amount,omitempty"`
	DealName    string   `json:"dealname"`
	Pipeline    string   `json:"pipeline"`
	DealStage   string   `json:"dealstage"`
	Description string   `json:"description"`
}

type dealRequest struct {
	Properties dealProperties `json:"properties"`
}

type dealResponse struct {
	ID string `json:"id"`
}

// CreateDeal creates a deal for d and returns its HubSpot id. Failures are
// not retried.
func (c *Client) CreateDeal(ctx context.Context, d Deal) (string, error) {
	if !c.Enabled() {
		return "", ErrNotConfigured
	}

	payload, err := json.Marshal(dealRequest{Properties: dealProperties{
		Amount:      parseAmount(d.Price),
		DealName:    dealName(d),
		Pipeline:    c.cfg.PipelineID,
		DealStage:   c.cfg.DealStage,
		Description: describe(d),
	}})
	if err != nil {
		return "", fmt.Errorf("marshal deal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/crm/v3/objects/deals", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Warn("HubSpot request failed", "url", d.URL, "error", err)
		return "", fmt.Errorf("post deal: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		text := truncate(string(body), maxErrorBody)
		c.logger.Warn("HubSpot create deal failed",
			"status_code", resp.StatusCode,
			"url", d.URL,
			"body", text)
		return "", fmt.Errorf("create deal: HTTP %d: %s", resp.StatusCode, text)
	}

	var out dealResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode deal response: %w", err)
	}

	c.logger.Info("HubSpot deal created",
		"deal_id", out.ID,
		"broker", d.Broker,
		"duration_ms", time.Since(start).Milliseconds())
	return out.ID, nil
}

func dealName(d Deal) string {
	title := d.Title
	if title == "" {
		title = d.URL
	}
	return truncate(d.Broker+": "+title, maxDealName)
}

func describe(d Deal) string {
	parts := []string{"URL: " + d.URL}
	if d.Price != "" {
		parts = append(parts, "Price: "+d.Price)
	}
	if d.Location != "" {
		parts = append(parts, "Location: "+d.Location)
	}
	parts = append(parts,
		"Broker: "+d.Broker,
		"First seen: "+d.FirstSeen.UTC().Format(time.RFC3339))
	return strings.Join(parts, " | ")
}

// parseAmount joins every run of digits, commas and dots in price and reads
// the result as a number. Currency symbols and words are dropped.
func parseAmount(price string) *float64 {
	runs := amountRE.FindAllString(price, -1)
	if len(runs) == 0 {
		return nil
	}
	raw := strings.ReplaceAll(strings.Join(runs, ""), ",", "")
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil
	}
	return &n
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
