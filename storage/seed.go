package storage

import (
	"broker-monitor/pkg/broker"
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Seed upserts roster entries by case-insensitive name. Existing brokers keep
// their id, creation time and last scrape stamp.
func Seed(ctx context.Context, store Store, roster []*broker.Target, logger *slog.Logger) error {
	existing, err := store.Brokers(ctx)
	if err != nil {
		return fmt.Errorf("list brokers: %w", err)
	}
	byName := make(map[string]*broker.Target, len(existing))
	for _, t := range existing {
		byName[strings.ToLower(t.Name)] = t
	}

	var created, updated int
	for _, t := range roster {
		if cur, ok := byName[strings.ToLower(t.Name)]; ok {
			t.ID = cur.ID
			t.CreatedAt = cur.CreatedAt
			if t.LastScrapedAt == nil {
				t.LastScrapedAt = cur.LastScrapedAt
			}
			updated++
		} else {
			created++
		}
		if err := store.SaveBroker(ctx, t); err != nil {
			return fmt.Errorf("save broker %s: %w", t.Name, err)
		}
	}

	logger.Info("Broker roster seeded", "created", created, "updated", updated)
	return nil
}
