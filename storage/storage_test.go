package storage

import (
	"broker-monitor/pkg/broker"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// backends returns every store implementation backed by t.TempDir().
func backends(t *testing.T) map[string]Store {
	t.Helper()

	sqlStore, err := OpenSQL(context.Background(), DriverSQLite, filepath.Join(t.TempDir(), "monitor.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlStore.Close() })

	return map[string]Store{
		"blob": NewBlob(nil, "", t.TempDir(), testLogger()),
		"sql":  sqlStore,
	}
}

func seedBroker(t *testing.T, s Store, name string, tier int, active bool) *broker.Target {
	t.Helper()
	b := &broker.Target{
		Name:    name,
		Website: "https://" + name + ".example.com/",
		Tier:    tier,
		Active:  active,
		Path: broker.ScrapingPath{
			Script:     []broker.Action{{Kind: broker.WaitFor, Selector: ".card"}},
			Extraction: broker.Extraction{Mode: broker.Structured, List: ".card", Include: "(?i)msp"},
		},
	}
	require.NoError(t, s.SaveBroker(context.Background(), b))
	require.NotEmpty(t, b.ID)
	return b
}

func TestBrokers(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := seedBroker(t, s, "smergers", 2, true)
			seedBroker(t, s, "benchmark", 2, true)
			seedBroker(t, s, "rightbiz", 1, false)

			all, err := s.Brokers(ctx)
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, []string{"rightbiz", "benchmark", "smergers"},
				[]string{all[0].Name, all[1].Name, all[2].Name})

			got, err := s.Broker(ctx, b.ID)
			require.NoError(t, err)
			assert.Equal(t, b.Path, got.Path)
			assert.True(t, got.Active)
			assert.Nil(t, got.LastScrapedAt)

			at := time.Date(2025, 3, 4, 9, 0, 0, 0, time.UTC)
			require.NoError(t, s.TouchBroker(ctx, b.ID, at))
			got, err = s.Broker(ctx, b.ID)
			require.NoError(t, err)
			require.NotNil(t, got.LastScrapedAt)
			assert.True(t, at.Equal(*got.LastScrapedAt))

			_, err = s.Broker(ctx, "missing")
			assert.True(t, IsNotFound(err))
		})
	}
}

func TestListingLifecycle(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := seedBroker(t, s, "daltons", 1, true)
			url := "https://daltons.example.com/listing/42"

			_, err := s.FindByURL(ctx, url)
			require.ErrorIs(t, err, ErrNotFound)

			seen := time.Date(2025, 3, 4, 9, 1, 0, 0, time.UTC)
			l, err := s.CreateListing(ctx, broker.Candidate{URL: url, Title: "MSP for sale", Price: "£1m"}, b.ID, seen)
			require.NoError(t, err)
			assert.False(t, l.Notified())

			_, err = s.CreateListing(ctx, broker.Candidate{URL: url, Title: "again"}, b.ID, seen)
			assert.ErrorIs(t, err, ErrDuplicateURL)

			found, err := s.FindByURL(ctx, url)
			require.NoError(t, err)
			assert.Equal(t, l.ID, found.ID)
			assert.Equal(t, "MSP for sale", found.Title)
			assert.Equal(t, "£1m", found.Price)
			assert.True(t, seen.Equal(found.FirstSeenAt))
			assert.Nil(t, found.NotifiedAt)

			first := seen.Add(time.Hour)
			require.NoError(t, s.MarkNotified(ctx, l.ID, first))
			// A second stamp never moves the first.
			require.NoError(t, s.MarkNotified(ctx, l.ID, first.Add(time.Hour)))

			found, err = s.FindByURL(ctx, url)
			require.NoError(t, err)
			require.NotNil(t, found.NotifiedAt)
			assert.True(t, first.Equal(*found.NotifiedAt))

			assert.ErrorIs(t, s.MarkNotified(ctx, ListingKey("https://nowhere.example.com"), first), ErrNotFound)
		})
	}
}

func TestCreateListingAfterInterruptedWrite(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := NewBlob(nil, "", dir, testLogger())
	url := "https://daltons.example.com/listing/7"

	// What a crash between create and write leaves behind.
	listings := filepath.Join(dir, "listings")
	require.NoError(t, os.MkdirAll(listings, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(listings, ListingKey(url)+".json"), nil, 0o600))

	_, err := s.FindByURL(ctx, url)
	require.ErrorIs(t, err, ErrNotFound)

	l, err := s.CreateListing(ctx, broker.Candidate{URL: url, Title: "IT support firm"}, "b-1", time.Now())
	require.NoError(t, err)

	found, err := s.FindByURL(ctx, url)
	require.NoError(t, err)
	assert.Equal(t, l.ID, found.ID)
	assert.Equal(t, "IT support firm", found.Title)

	_, err = s.CreateListing(ctx, broker.Candidate{URL: url}, "b-1", time.Now())
	assert.ErrorIs(t, err, ErrDuplicateURL)

	entries, err := os.ReadDir(listings)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestCreateListingConcurrent(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := seedBroker(t, s, "race", 1, true)

			const workers = 8
			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				created int
				dupes   int
			)
			for range workers {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := s.CreateListing(ctx, broker.Candidate{URL: "https://race.example.com/1", Title: "x"}, b.ID, time.Now())
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						created++
					case assert.ErrorIs(t, err, ErrDuplicateURL):
						dupes++
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, 1, created)
			assert.Equal(t, workers-1, dupes)
		})
	}
}

func TestRunLogs(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a := seedBroker(t, s, "alpha", 1, true)
			b := seedBroker(t, s, "beta", 1, true)
			base := time.Date(2025, 3, 4, 9, 0, 0, 0, time.UTC)

			for i, id := range []string{a.ID, b.ID, a.ID} {
				rl, err := s.StartRun(ctx, id, base.Add(time.Duration(i)*time.Minute))
				require.NoError(t, err)
				assert.Equal(t, broker.RunRunning, rl.Status)

				done := rl.StartedAt.Add(30 * time.Second)
				rl.CompletedAt = &done
				rl.Status = broker.RunCompleted
				rl.ListingsFound = 3
				rl.NewListings = i
				if i == 1 {
					rl.Status = broker.RunFailed
					rl.Error = "step 2 (click): timeout"
				}
				require.NoError(t, s.FinishRun(ctx, rl))
			}

			all, err := s.Logs(ctx, "", 0)
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.True(t, all[0].StartedAt.After(all[1].StartedAt), "newest first")
			assert.Equal(t, broker.RunFailed, all[1].Status)
			assert.Equal(t, "step 2 (click): timeout", all[1].Error)

			onlyA, err := s.Logs(ctx, a.ID, 1)
			require.NoError(t, err)
			require.Len(t, onlyA, 1)
			assert.Equal(t, 2, onlyA[0].NewListings)
			require.NotNil(t, onlyA[0].CompletedAt)
		})
	}
}

func TestIssues(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			older := &broker.Issue{BrokerID: "b1", IssueType: "Scraping Error", Description: "timeout", TimeLostMin: 5,
				Date: time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)}
			newer := &broker.Issue{BrokerID: "b1", IssueType: "Scheduled Scraping Failure", Description: "busy", TimeLostMin: 30,
				Date: time.Date(2025, 3, 4, 9, 0, 0, 0, time.UTC)}
			require.NoError(t, s.CreateIssue(ctx, older))
			require.NoError(t, s.CreateIssue(ctx, newer))

			got, err := s.Issues(ctx, 0)
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, "Scheduled Scraping Failure", got[0].IssueType)
			assert.Equal(t, 5, got[1].TimeLostMin)
		})
	}
}

func TestSeed(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			existing := seedBroker(t, s, "SMERGERS", 3, true)

			roster := []*broker.Target{
				{Name: "smergers", Website: "https://www.smergers.com/businesses-for-sale/", Tier: 1, Active: true},
				{Name: "Benchmark International", Website: "https://www.benchmarkintl.com/", Tier: 1, Active: true},
			}
			require.NoError(t, Seed(ctx, s, roster, testLogger()))
			require.NoError(t, Seed(ctx, s, roster, testLogger()), "seeding is repeatable")

			all, err := s.Brokers(ctx)
			require.NoError(t, err)
			require.Len(t, all, 2)

			got, err := s.Broker(ctx, existing.ID)
			require.NoError(t, err)
			assert.Equal(t, 1, got.Tier)
			assert.Equal(t, "https://www.smergers.com/businesses-for-sale/", got.Website)
		})
	}
}

func TestValidID(t *testing.T) {
	assert.True(t, validID(ListingKey("https://example.com")))
	assert.True(t, validID("5b0e3f5e-8d0c-4a0e-9d6c-1c3c0b1f2a11"))
	assert.False(t, validID(""))
	assert.False(t, validID("../etc/passwd"))
	assert.False(t, validID("a/b"))
}
