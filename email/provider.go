// Package email sends the new-listing digest via pluggable providers.
package email

import (
	"context"
	"fmt"
	"log/slog"
)

// Provider defines the interface for email sending implementations.
type Provider interface {
	// Send sends an email with the given parameters.
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// Item is one row of the digest.
type Item struct {
	Broker   string
	Title    string
	Price    string
	Location string
	URL      string
}

// Sender composes the digest and hands it to a provider.
type Sender struct {
	provider Provider
	logger   *slog.Logger
	to       string // Digest recipient
}

// New creates a digest sender. A nil provider or empty recipient makes every
// send a logged no-op.
func New(provider Provider, logger *slog.Logger, to string) *Sender {
	return &Sender{
		provider: provider,
		logger:   logger,
		to:       to,
	}
}

// Enabled reports whether digests will actually be sent.
func (s *Sender) Enabled() bool {
	return s.provider != nil && s.to != ""
}

// SendDigest sends one email listing every item. Nothing is sent for an
// empty slice.
func (s *Sender) SendDigest(ctx context.Context, items []Item) error {
	if len(items) == 0 {
		return nil
	}
	if !s.Enabled() {
		s.logger.Warn("Email digest skipped: no recipient or transport configured", "listing_count", len(items))
		return nil
	}

	subject := digestSubject(len(items))
	body := formatDigest(items)

	s.logger.Info("Sending digest email",
		"to", s.to,
		"subject", subject,
		"listing_count", len(items))

	if err := s.provider.Send(ctx, s.to, subject, body); err != nil {
		return fmt.Errorf("send digest: %w", err)
	}
	return nil
}

func digestSubject(n int) string {
	return fmt.Sprintf("New MSP/IT-services listings (%d)", n)
}
