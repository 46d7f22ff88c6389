package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/levenlabs/go-lflag"

	"github.com/gkmanev/BatteryBackend/pkg/cache"
	"github.com/gkmanev/BatteryBackend/pkg/dispatch"
	"github.com/gkmanev/BatteryBackend/pkg/log"
	"github.com/gkmanev/BatteryBackend/pkg/reconcile"
	"github.com/gkmanev/BatteryBackend/pkg/revenue"
	"github.com/gkmanev/BatteryBackend/pkg/storage"
	"github.com/gkmanev/BatteryBackend/pkg/types"
)

// DevIDFleet identifies the fleet-wide revenue generation.
const DevIDFleet = "all"

// Server exposes the battery backend over HTTP: price and telemetry
// ingestion, reconciled schedule and state reads, revenue reads and the
// optimizer trigger.
type Server struct {
	storage    storage.Database
	cache      *cache.Cache
	engine     *reconcile.Engine
	optimizer  *dispatch.Optimizer
	calculator *revenue.Calculator
	presets    types.Presets

	listenAddr string
	httpServer *http.Server

	// horizonMu serializes optimizer runs per device+horizon; the store
	// itself does not lock.
	mu        sync.Mutex
	horizonMu map[string]*sync.Mutex
}

// Configured initializes the Server with dependencies.
// It uses lflag to register command-line flags for configuration.
func Configured(db storage.Database, c *cache.Cache) *Server {
	srv := &Server{
		storage:    db,
		cache:      c,
		engine:     reconcile.NewEngine(),
		optimizer:  dispatch.NewOptimizer(),
		calculator: revenue.NewCalculator(),
		horizonMu:  make(map[string]*sync.Mutex),
	}

	listenAddr := lflag.String("http-listen", ":8080", "HTTP server listen address")
	presetsPath := lflag.String("battery-presets", "", "Path to a YAML file of named battery parameter presets")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
		presets, err := types.LoadPresets(*presetsPath)
		if err != nil {
			panic(fmt.Sprintf("failed to load battery presets: %v", err))
		}
		srv.presets = presets
	})

	return srv
}

func (s *Server) setupHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/state", s.handleGetState)
	mux.HandleFunc("POST /api/state", s.handleIngestState)
	mux.HandleFunc("GET /api/schedule", s.handleGetSchedule)
	mux.HandleFunc("POST /api/schedule", s.handleIngestSchedule)
	mux.HandleFunc("GET /api/revenue", s.handleGetRevenue)
	mux.HandleFunc("POST /api/prices", s.handleIngestPrices)
	mux.HandleFunc("GET /api/prices", s.handleGetPrices)
	mux.HandleFunc("POST /api/optimize", s.handleOptimize)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return gziphandler.GzipHandler(mux)
}

// Run starts the HTTP server and blocks until the context is canceled or an error occurs.
// It also handles graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

// lockHorizon returns the mutex guarding one device+horizon pair.
func (s *Server) lockHorizon(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.horizonMu[key]
	if !ok {
		m = &sync.Mutex{}
		s.horizonMu[key] = m
	}
	return m
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

// parseWindow resolves the query window. Relative ranges ("today",
// "day_ahead") are resolved against the wall clock here at the HTTP edge
// only; everything below the handlers takes explicit windows.
func parseWindow(r *http.Request) (time.Time, time.Time, error) {
	q := r.URL.Query()

	switch q.Get("date_range") {
	case "":
	case "today":
		start := time.Now().UTC().Truncate(24 * time.Hour)
		return start, start.Add(24 * time.Hour), nil
	case "day_ahead", "dam":
		start := time.Now().UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
		return start, start.Add(24 * time.Hour), nil
	default:
		return time.Time{}, time.Time{}, fmt.Errorf("unknown date_range %q", q.Get("date_range"))
	}

	startStr := q.Get("start")
	endStr := q.Get("end")
	if startStr == "" || endStr == "" {
		// Default to the last 24 hours if not specified
		end := time.Now().UTC()
		return end.Add(-24 * time.Hour), end, nil
	}

	start, err := time.Parse(time.RFC3339, startStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start time: %w", err)
	}
	end, err := time.Parse(time.RFC3339, endStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid end time: %w", err)
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("start time must be before end time")
	}
	return start, end, nil
}

func wantsCumulative(r *http.Request) bool {
	return r.URL.Query().Has("cumulative")
}
