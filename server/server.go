// Package server exposes the scan trigger, status and logs over HTTP.
package server

import (
	"broker-monitor/pkg/broker"
	"broker-monitor/scan"
	"broker-monitor/storage"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
)

const probeTimeout = 15 * time.Second

// Scanner starts scans and reports on them.
type Scanner interface {
	Start(ctx context.Context, sel scan.Selection) error
	Status() broker.Status
	Logs(ctx context.Context, brokerID string, limit int) ([]*broker.RunLog, error)
}

// Roster reads brokers and recorded issues.
type Roster interface {
	Brokers(ctx context.Context) ([]*broker.Target, error)
	Issues(ctx context.Context, limit int) ([]*broker.Issue, error)
}

// Prober checks that a URL answers.
type Prober interface {
	Probe(ctx context.Context, url string) (int, error)
}

// Server handles HTTP requests.
type Server struct {
	scanner Scanner
	roster  Roster
	prober  Prober
	logger  *slog.Logger
}

// Config holds server configuration.
type Config struct {
	Scanner Scanner
	Roster  Roster
	Prober  Prober
	Logger  *slog.Logger
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	return &Server{
		scanner: cfg.Scanner,
		roster:  cfg.Roster,
		prober:  cfg.Prober,
		logger:  cfg.Logger,
	}
}

// Handler returns the router with every route registered.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/scan", s.handleStartScan).Methods(http.MethodPost)
	api.HandleFunc("/scan/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/scan/logs", s.handleLogs).Methods(http.MethodGet)
	api.HandleFunc("/scan/ping", s.handlePing).Methods(http.MethodGet)
	api.HandleFunc("/issues", s.handleIssues).Methods(http.MethodGet)
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      90 * time.Second, // Ping probes every broker
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleStartScan(w http.ResponseWriter, r *http.Request) {
	sel := scan.Selection{BrokerID: r.URL.Query().Get("broker")}

	err := s.scanner.Start(r.Context(), sel)
	switch {
	case err == nil:
		s.logger.Info("Scan triggered", "selection", sel.String(), "remote_addr", r.RemoteAddr)
		s.writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
	case errors.Is(err, scan.ErrScanInProgress):
		s.writeError(w, http.StatusConflict, err.Error())
	case storage.IsNotFound(err):
		s.writeError(w, http.StatusNotFound, "broker not found")
	default:
		s.logger.Error("Failed to start scan", "selection", sel.String(), "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to start scan")
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.scanner.Status())
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.limit(w, r)
	if !ok {
		return
	}
	logs, err := s.scanner.Logs(r.Context(), r.URL.Query().Get("broker"), limit)
	if err != nil {
		s.logger.Error("Failed to load run logs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load logs")
		return
	}
	if logs == nil {
		logs = []*broker.RunLog{}
	}
	s.writeJSON(w, http.StatusOK, logs)
}

func (s *Server) handleIssues(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.limit(w, r)
	if !ok {
		return
	}
	issues, err := s.roster.Issues(r.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to load issues", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load issues")
		return
	}
	if issues == nil {
		issues = []*broker.Issue{}
	}
	s.writeJSON(w, http.StatusOK, issues)
}

type probeResult struct {
	Name   string `json:"name"`
	URL    string `json:"url"`
	Error  string `json:"error,omitempty"`
	Status int    `json:"status,omitempty"`
}

// handlePing sends a HEAD to every roster website concurrently.
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	brokers, err := s.roster.Brokers(r.Context())
	if err != nil {
		s.logger.Error("Failed to load brokers", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load brokers")
		return
	}

	results := make([]probeResult, len(brokers))
	var wg sync.WaitGroup
	for i, b := range brokers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
			defer cancel()

			res := probeResult{Name: b.Name, URL: b.Website}
			status, err := s.prober.Probe(ctx, b.Website)
			if err != nil {
				res.Error = err.Error()
			} else {
				res.Status = status
			}
			results[i] = res
		}()
	}
	wg.Wait()

	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "results": results})
}

// limit parses the optional limit query parameter. Zero means no limit.
func (s *Server) limit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		s.writeError(w, http.StatusBadRequest, "invalid limit")
		return 0, false
	}
	return n, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]any{"ok": false, "error": msg})
}
