// Package storage persists the broker roster, listings, run logs and issues.
package storage

import (
	"broker-monitor/pkg/broker"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("storage: object doesn't exist")
	// ErrDuplicateURL is returned by CreateListing when the URL is already stored.
	ErrDuplicateURL = errors.New("storage: listing url already exists")
)

// Store is implemented by every backend.
type Store interface {
	Brokers(ctx context.Context) ([]*broker.Target, error)
	Broker(ctx context.Context, id string) (*broker.Target, error)
	SaveBroker(ctx context.Context, t *broker.Target) error
	TouchBroker(ctx context.Context, id string, at time.Time) error

	FindByURL(ctx context.Context, url string) (*broker.Listing, error)
	CreateListing(ctx context.Context, c broker.Candidate, brokerID string, at time.Time) (*broker.Listing, error)
	MarkNotified(ctx context.Context, id string, at time.Time) error

	StartRun(ctx context.Context, brokerID string, at time.Time) (*broker.RunLog, error)
	FinishRun(ctx context.Context, log *broker.RunLog) error
	Logs(ctx context.Context, brokerID string, limit int) ([]*broker.RunLog, error)

	CreateIssue(ctx context.Context, issue *broker.Issue) error
	Issues(ctx context.Context, limit int) ([]*broker.Issue, error)

	Close() error
}

// IsNotFound checks if an error indicates a record was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// ListingKey derives a stable, path-safe key from a canonical listing URL.
func ListingKey(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])
}

// validID reports whether id is safe to use as an object name.
func validID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	return !strings.ContainsAny(id, `/\.`) && !strings.ContainsFunc(id, func(r rune) bool { return r < 0x20 })
}

func newListing(c broker.Candidate, brokerID string, at time.Time) *broker.Listing {
	title := c.Title
	if title == "" {
		title = c.URL
	}
	return &broker.Listing{
		URL:         c.URL,
		BrokerID:    brokerID,
		Title:       title,
		Price:       c.Price,
		Location:    c.Location,
		FirstSeenAt: at.UTC(),
	}
}
