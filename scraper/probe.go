package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

// UserAgent is the desktop Chrome identity used for probes and browser sessions.
const UserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// Prober checks whether broker websites answer at all.
type Prober struct {
	client *http.Client
	logger *slog.Logger
}

// NewProber creates a prober using client.
func NewProber(client *http.Client, logger *slog.Logger) *Prober {
	return &Prober{client: client, logger: logger}
}

// Probe sends a HEAD request to pageURL and returns the final status code.
// Network errors are retried once; any HTTP status is a result, not an error.
func (p *Prober) Probe(ctx context.Context, pageURL string) (int, error) {
	var status int

	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodHead, pageURL, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}

			// Chrome-like headers; several brokers reject bare clients.
			req.Header.Set("User-Agent", UserAgent)
			req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
			req.Header.Set("Accept-Language", "en-GB,en;q=0.9")
			req.Header.Set("Sec-Fetch-Dest", "document")
			req.Header.Set("Sec-Fetch-Mode", "navigate")
			req.Header.Set("Upgrade-Insecure-Requests", "1")

			start := time.Now()
			resp, err := p.client.Do(req)
			duration := time.Since(start)
			if err != nil {
				p.logger.Warn("Probe failed",
					"url", pageURL,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					p.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			p.logger.Info("Probe completed",
				"url", pageURL,
				"status_code", resp.StatusCode,
				"duration_ms", duration.Milliseconds())
			status = resp.StatusCode
			return nil
		},
		retry.Attempts(2),
		retry.Delay(500*time.Millisecond),
		retry.MaxJitter(250*time.Millisecond),
		retry.Context(ctx),
	)
	if err != nil {
		return 0, err
	}
	return status, nil
}
