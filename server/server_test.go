package server

import (
	"broker-monitor/pkg/broker"
	"broker-monitor/scan"
	"broker-monitor/storage"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeScanner struct {
	startErr error
	status   broker.Status
	logs     []*broker.RunLog
	started  []scan.Selection
	logsFor  string
	limit    int
}

func (f *fakeScanner) Start(_ context.Context, sel scan.Selection) error {
	f.started = append(f.started, sel)
	return f.startErr
}

func (f *fakeScanner) Status() broker.Status { return f.status }

func (f *fakeScanner) Logs(_ context.Context, brokerID string, limit int) ([]*broker.RunLog, error) {
	f.logsFor, f.limit = brokerID, limit
	return f.logs, nil
}

type fakeRoster struct {
	brokers []*broker.Target
	issues  []*broker.Issue
}

func (f *fakeRoster) Brokers(context.Context) ([]*broker.Target, error) { return f.brokers, nil }

func (f *fakeRoster) Issues(context.Context, int) ([]*broker.Issue, error) { return f.issues, nil }

type fakeProber map[string]int

func (f fakeProber) Probe(_ context.Context, url string) (int, error) {
	if code, ok := f[url]; ok {
		return code, nil
	}
	return 0, fmt.Errorf("dial %s: connection refused", url)
}

func newTestServer(sc *fakeScanner, ro *fakeRoster, pr Prober) http.Handler {
	return New(&Config{
		Scanner: sc,
		Roster:  ro,
		Prober:  pr,
		Logger:  slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError})),
	}).Handler()
}

func do(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestHealth(t *testing.T) {
	rec := do(t, newTestServer(&fakeScanner{}, &fakeRoster{}, fakeProber{}), http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
}

func TestStartScan(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		target   string
		wantCode int
		wantSel  scan.Selection
	}{
		{"all", nil, "/api/scan", http.StatusAccepted, scan.Selection{}},
		{"one broker", nil, "/api/scan?broker=b-1", http.StatusAccepted, scan.Selection{BrokerID: "b-1"}},
		{"busy", scan.ErrScanInProgress, "/api/scan", http.StatusConflict, scan.Selection{}},
		{"unknown broker", fmt.Errorf("load broker x: %w", storage.ErrNotFound), "/api/scan?broker=x", http.StatusNotFound, scan.Selection{BrokerID: "x"}},
		{"store down", errors.New("connection refused"), "/api/scan", http.StatusInternalServerError, scan.Selection{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc := &fakeScanner{startErr: tt.err}
			rec := do(t, newTestServer(sc, &fakeRoster{}, fakeProber{}), http.MethodPost, tt.target)

			assert.Equal(t, tt.wantCode, rec.Code)
			require.Len(t, sc.started, 1)
			assert.Equal(t, tt.wantSel, sc.started[0])

			var body map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.err == nil, body["ok"])
		})
	}
}

func TestStartScanWrongMethod(t *testing.T) {
	rec := do(t, newTestServer(&fakeScanner{}, &fakeRoster{}, fakeProber{}), http.MethodGet, "/api/scan")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestStatus(t *testing.T) {
	last := time.Date(2025, 3, 4, 9, 0, 0, 0, time.UTC)
	sc := &fakeScanner{status: broker.Status{
		IsRunning:     true,
		CurrentBroker: "SMERGERS",
		Progress:      broker.Progress{Completed: 2, Total: 5},
		LastRun:       &last,
	}}
	rec := do(t, newTestServer(sc, &fakeRoster{}, fakeProber{}), http.MethodGet, "/api/scan/status")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"is_running":true,"current_broker":"SMERGERS","progress":{"completed":2,"total":5},"last_run":"2025-03-04T09:00:00Z"}`, rec.Body.String())
}

func TestLogs(t *testing.T) {
	sc := &fakeScanner{logs: []*broker.RunLog{{ID: "r1", BrokerID: "b-1", Status: broker.RunCompleted}}}
	h := newTestServer(sc, &fakeRoster{}, fakeProber{})

	rec := do(t, h, http.MethodGet, "/api/scan/logs?broker=b-1&limit=10")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "b-1", sc.logsFor)
	assert.Equal(t, 10, sc.limit)

	var logs []broker.RunLog
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &logs))
	require.Len(t, logs, 1)
	assert.Equal(t, broker.RunCompleted, logs[0].Status)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/scan/logs?limit=-1").Code)

	sc.logs = nil
	rec = do(t, h, http.MethodGet, "/api/scan/logs")
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestIssues(t *testing.T) {
	ro := &fakeRoster{issues: []*broker.Issue{{ID: "i1", IssueType: "Scraping Error", TimeLostMin: 5}}}
	rec := do(t, newTestServer(&fakeScanner{}, ro, fakeProber{}), http.MethodGet, "/api/issues")

	assert.Equal(t, http.StatusOK, rec.Code)
	var issues []broker.Issue
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &issues))
	require.Len(t, issues, 1)
	assert.Equal(t, "Scraping Error", issues[0].IssueType)
}

func TestPing(t *testing.T) {
	ro := &fakeRoster{brokers: []*broker.Target{
		{Name: "Up", Website: "https://up.example.com/"},
		{Name: "Down", Website: "https://down.example.com/"},
	}}
	pr := fakeProber{"https://up.example.com/": http.StatusOK}
	rec := do(t, newTestServer(&fakeScanner{}, ro, pr), http.MethodGet, "/api/scan/ping")

	assert.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		OK      bool          `json:"ok"`
		Results []probeResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.OK)
	require.Len(t, body.Results, 2)
	assert.Equal(t, probeResult{Name: "Up", URL: "https://up.example.com/", Status: 200}, body.Results[0])
	assert.Equal(t, "Down", body.Results[1].Name)
	assert.Contains(t, body.Results[1].Error, "connection refused")
}
