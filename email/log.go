package email

import (
	"context"
	"log/slog"
)

// LogProvider writes digests to the log instead of sending them. It is used
// for local development when no transport is configured.
type LogProvider struct {
	logger *slog.Logger
}

// NewLogProvider creates a log-only provider.
func NewLogProvider(logger *slog.Logger) *LogProvider {
	return &LogProvider{
		logger: logger,
	}
}

// Send logs the email instead of sending it.
func (m *LogProvider) Send(_ context.Context, to, subject, htmlBody string) error {
	m.logger.Info("Email not sent: log-only transport",
		"to", to,
		"subject", subject,
		"body_length", len(htmlBody))
	m.logger.Debug("Email body", "body", htmlBody)
	return nil
}
