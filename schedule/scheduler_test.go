package schedule

import (
	"broker-monitor/pkg/broker"
	"broker-monitor/scan"
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeTrigger struct {
	err  error
	mu   sync.Mutex
	sels []scan.Selection
}

func (f *fakeTrigger) Run(_ context.Context, sel scan.Selection) (*scan.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sels = append(f.sels, sel)
	if f.err != nil {
		return nil, f.err
	}
	return &scan.Summary{}, nil
}

type fakeStore struct {
	brokers []*broker.Target
	issues  []*broker.Issue
}

func (f *fakeStore) Brokers(context.Context) ([]*broker.Target, error) {
	return f.brokers, nil
}

func (f *fakeStore) CreateIssue(_ context.Context, issue *broker.Issue) error {
	f.issues = append(f.issues, issue)
	return nil
}

func testConfig() Config {
	return Config{
		Location:        time.UTC,
		Full:            "0 9 * * 1-5",
		Priority:        "0 14 * * 1-5",
		PriorityBrokers: []string{"SMERGERS", "Benchmark International"},
	}
}

func TestNewRejectsBadSpec(t *testing.T) {
	cfg := testConfig()
	cfg.Priority = "every afternoon"
	_, err := New(&fakeTrigger{}, &fakeStore{}, cfg, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "priority")
}

func TestNewRejectsEmptyPriorityList(t *testing.T) {
	cfg := testConfig()
	cfg.PriorityBrokers = nil
	_, err := New(&fakeTrigger{}, &fakeStore{}, cfg, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "priority")
}

func TestStartStopIdempotent(t *testing.T) {
	s, err := New(&fakeTrigger{}, &fakeStore{}, testConfig(), testLogger())
	require.NoError(t, err)

	s.Stop()
	s.Start()
	s.Start()
	assert.Len(t, s.cron.Entries(), 2)
	s.Stop()
	s.Stop()
	s.Start()
	s.Stop()
	assert.False(t, s.started)
}

func TestFireRecordsIssueOnFailure(t *testing.T) {
	trig := &fakeTrigger{err: scan.ErrScanInProgress}
	store := &fakeStore{brokers: []*broker.Target{{ID: "b-1", Name: "SMERGERS"}, {ID: "b-2", Name: "Daltons"}}}
	s, err := New(trig, store, testConfig(), testLogger())
	require.NoError(t, err)

	s.fire(context.Background(), s.jobs[0])
	s.fire(context.Background(), s.jobs[1])

	require.Len(t, store.issues, 2)
	assert.Equal(t, IssueScheduledFailure, store.issues[0].IssueType)
	assert.Equal(t, "b-1", store.issues[0].BrokerID)
	assert.Equal(t, 30, store.issues[0].TimeLostMin)
	assert.Contains(t, store.issues[0].Description, "scraping already in progress")
	assert.Equal(t, 15, store.issues[1].TimeLostMin)

	require.Len(t, trig.sels, 2)
	assert.Equal(t, scan.Selection{}, trig.sels[0])
	assert.Equal(t, []string{"SMERGERS", "Benchmark International"}, trig.sels[1].Names)
}

func TestFireSuccessRecordsNothing(t *testing.T) {
	store := &fakeStore{brokers: []*broker.Target{{ID: "b-1"}}}
	s, err := New(&fakeTrigger{}, store, testConfig(), testLogger())
	require.NoError(t, err)

	s.fire(context.Background(), s.jobs[0])
	assert.Empty(t, store.issues)
}

func TestFireWithEmptyRoster(t *testing.T) {
	store := &fakeStore{}
	s, err := New(&fakeTrigger{err: scan.ErrScanInProgress}, store, testConfig(), testLogger())
	require.NoError(t, err)

	s.fire(context.Background(), s.jobs[0])
	assert.Empty(t, store.issues)
}
