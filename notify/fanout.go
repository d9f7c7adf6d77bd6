// Package notify fans a run's new listings out to the CRM and the email digest.
package notify

import (
	"broker-monitor/crm"
	"broker-monitor/email"
	"broker-monitor/pkg/broker"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrSinkUnavailable wraps every CRM or email failure.
var ErrSinkUnavailable = errors.New("notification sink unavailable")

// DealCreator creates CRM deals.
type DealCreator interface {
	Enabled() bool
	CreateDeal(ctx context.Context, d crm.Deal) (string, error)
}

// DigestSender sends the per-run digest.
type DigestSender interface {
	Enabled() bool
	SendDigest(ctx context.Context, items []email.Item) error
}

// Pending is a stored listing awaiting fan-out.
type Pending struct {
	Listing *broker.Listing
	Broker  string
}

// Report summarises one fan-out.
type Report struct {
	CRMErrors map[string]error // Keyed by listing id
	DigestErr error
	Deals     int
	Digested  int
}

// CRMFailed reports whether the CRM push for the listing failed.
func (r Report) CRMFailed(id string) bool {
	_, ok := r.CRMErrors[id]
	return ok
}

// Fanout delivers queued listings to every configured sink.
type Fanout struct {
	crm    DealCreator
	mail   DigestSender
	logger *slog.Logger
}

// New creates a fan-out over the given sinks.
func New(deals DealCreator, mail DigestSender, logger *slog.Logger) *Fanout {
	return &Fanout{crm: deals, mail: mail, logger: logger}
}

// NotifyAll pushes each listing to the CRM, then sends a single digest
// covering the whole queue. A failing sink never stops the others.
func (f *Fanout) NotifyAll(ctx context.Context, queue []Pending) Report {
	rep := Report{CRMErrors: make(map[string]error)}
	if len(queue) == 0 {
		return rep
	}

	if f.crm.Enabled() {
		for _, p := range queue {
			_, err := f.crm.CreateDeal(ctx, crm.Deal{
				FirstSeen: p.Listing.FirstSeenAt,
				Title:     p.Listing.Title,
				URL:       p.Listing.URL,
				Price:     p.Listing.Price,
				Location:  p.Listing.Location,
				Broker:    p.Broker,
			})
			if err != nil {
				rep.CRMErrors[p.Listing.ID] = fmt.Errorf("%w: %w", ErrSinkUnavailable, err)
				f.logger.Warn("CRM push failed", "listing_id", p.Listing.ID, "url", p.Listing.URL, "error", err)
				continue
			}
			rep.Deals++
		}
	} else {
		f.logger.Warn("CRM push skipped: HUBSPOT_ACCESS_TOKEN not set", "listing_count", len(queue))
	}

	if !f.mail.Enabled() {
		f.logger.Warn("Email digest skipped: no recipient or transport configured", "listing_count", len(queue))
		return rep
	}

	items := make([]email.Item, 0, len(queue))
	for _, p := range queue {
		items = append(items, email.Item{
			Broker:   p.Broker,
			Title:    p.Listing.Title,
			Price:    p.Listing.Price,
			Location: p.Listing.Location,
			URL:      p.Listing.URL,
		})
	}
	start := time.Now()
	if err := f.mail.SendDigest(ctx, items); err != nil {
		rep.DigestErr = fmt.Errorf("%w: %w", ErrSinkUnavailable, err)
		f.logger.Warn("Email digest failed", "listing_count", len(items), "error", err)
		return rep
	}
	rep.Digested = len(items)
	f.logger.Info("Notifications sent",
		"deals", rep.Deals,
		"crm_failures", len(rep.CRMErrors),
		"digest_rows", rep.Digested,
		"duration_ms", time.Since(start).Milliseconds())
	return rep
}
