package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gkmanev/BatteryBackend/pkg/dispatch"
	"github.com/gkmanev/BatteryBackend/pkg/log"
	"github.com/gkmanev/BatteryBackend/pkg/storage"
	"github.com/gkmanev/BatteryBackend/pkg/types"
)

// handleGetSchedule serves the reconciled day-ahead schedule: one row per
// device per minute, or one fleet-wide row per minute in cumulative mode.
func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start, end, err := parseWindow(r)
	if err != nil {
		writeJSONError(w, "invalid time range: "+err.Error(), http.StatusBadRequest)
		return
	}
	devID := r.URL.Query().Get("devId")

	if wantsCumulative(r) {
		key := fmt.Sprintf("schedule:cum:%d:%d", start.Unix(), end.Unix())
		var cached []types.CumulativeScheduleRow
		if s.cache.GetJSON(ctx, key, &cached) {
			writeJSON(w, cached)
			return
		}

		entries, err := s.storage.GetSchedule(ctx, storage.DevIDAll, start, end)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to get schedule", slog.Any("error", err))
			writeJSONError(w, "failed to get schedule", http.StatusInternalServerError)
			return
		}
		rows := s.engine.CumulativeSchedule(entries)
		if rows == nil {
			rows = []types.CumulativeScheduleRow{}
		}
		s.cache.SetJSON(ctx, key, rows)
		writeJSON(w, rows)
		return
	}

	entries, err := s.storage.GetSchedule(ctx, devID, start, end)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get schedule", slog.String("devId", devID), slog.Any("error", err))
		writeJSONError(w, "failed to get schedule", http.StatusInternalServerError)
		return
	}
	rows := s.engine.Schedule(entries)
	if rows == nil {
		rows = []types.ScheduleEntry{}
	}
	writeJSON(w, rows)
}

// handleIngestSchedule accepts schedule rows computed elsewhere, upserted by
// (devId, timestamp) with last write wins. Malformed rows are dropped and
// counted, matching the other ingestion endpoints.
func (s *Server) handleIngestSchedule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var raw []json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeJSONError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	entries := make([]types.ScheduleEntry, 0, len(raw))
	skipped := 0
	for _, msg := range raw {
		var e types.ScheduleEntry
		if err := json.Unmarshal(msg, &e); err != nil || e.DevID == "" || e.Timestamp.IsZero() {
			skipped++
			continue
		}
		entries = append(entries, e)
	}
	if skipped > 0 {
		log.Ctx(ctx).WarnContext(ctx, "skipped malformed schedule rows", slog.Int("skipped", skipped))
	}

	if len(entries) > 0 {
		if err := s.storage.UpsertScheduleEntries(ctx, entries); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to upsert schedule rows", slog.Any("error", err))
			writeJSONError(w, "failed to store schedule", http.StatusInternalServerError)
			return
		}
		s.cache.Invalidate(ctx, "schedule:")
	}

	writeJSON(w, struct {
		Accepted int `json:"accepted"`
		Skipped  int `json:"skipped"`
	}{Accepted: len(entries), Skipped: skipped})
}

type optimizeRequest struct {
	DevID  string    `json:"devId"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	Preset string    `json:"preset,omitempty"`
}

type optimizeResponse struct {
	DevID     string `json:"devId"`
	Intervals int    `json:"intervals"`
	Message   string `json:"message,omitempty"`
}

// handleOptimize runs the dispatch optimizer for an explicit device and
// horizon, overwrites the stored schedule for that horizon and refreshes the
// revenue generations. Runs for the same device+horizon are serialized; the
// write is a wholesale replace, so a re-run supersedes the prior result.
func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req optimizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.DevID == "" {
		writeJSONError(w, "devId is required", http.StatusBadRequest)
		return
	}
	if req.Start.IsZero() || req.End.IsZero() || !req.End.After(req.Start) {
		writeJSONError(w, "start and end must describe a non-empty horizon", http.StatusBadRequest)
		return
	}
	preset := req.Preset
	if preset == "" {
		preset = "default"
	}
	params, ok := s.presets[preset]
	if !ok {
		writeJSONError(w, fmt.Sprintf("unknown preset %q", preset), http.StatusBadRequest)
		return
	}

	ctx = log.WithDevice(ctx, req.DevID)

	lockKey := fmt.Sprintf("%s|%d|%d", req.DevID, req.Start.Unix(), req.End.Unix())
	mu := s.lockHorizon(lockKey)
	mu.Lock()
	defer mu.Unlock()

	prices, err := s.storage.GetPrices(ctx, req.Start, req.End)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get prices for horizon", slog.Any("error", err))
		writeJSONError(w, "failed to get prices", http.StatusInternalServerError)
		return
	}

	entries, err := s.optimizer.Solve(ctx, req.DevID, prices, params)
	if errors.Is(err, dispatch.ErrNoPrices) {
		// Missing data is "no schedule yet", not a failure.
		writeJSON(w, optimizeResponse{DevID: req.DevID, Intervals: 0, Message: "no price data for horizon"})
		return
	}
	if errors.Is(err, dispatch.ErrInfeasible) {
		log.Ctx(ctx).ErrorContext(ctx, "dispatch model infeasible", slog.Any("error", err))
		writeJSONError(w, "dispatch model is infeasible", http.StatusUnprocessableEntity)
		return
	}
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "optimizer failed", slog.Any("error", err))
		writeJSONError(w, "optimizer failed: "+err.Error(), http.StatusInternalServerError)
		return
	}

	if err := s.storage.ReplaceSchedule(ctx, req.DevID, req.Start, req.End, entries); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to store schedule", slog.Any("error", err))
		writeJSONError(w, "failed to store schedule", http.StatusInternalServerError)
		return
	}
	s.cache.Invalidate(ctx, "schedule:")

	if err := s.refreshRevenue(ctx, req.DevID, req.Start, req.End, prices); err != nil {
		// The schedule is already stored; revenue is refreshed best-effort.
		log.Ctx(ctx).WarnContext(ctx, "failed to refresh revenue", slog.Any("error", err))
	}

	writeJSON(w, optimizeResponse{DevID: req.DevID, Intervals: len(entries)})
}

// refreshRevenue recomputes and persists the device and fleet revenue
// generations for the horizon that was just rescheduled.
func (s *Server) refreshRevenue(ctx context.Context, devID string, start, end time.Time, prices []types.PricePoint) error {
	flows, err := s.storage.GetSchedule(ctx, storage.DevIDAll, start, end)
	if err != nil {
		return fmt.Errorf("failed to load schedule for revenue: %w", err)
	}

	generatedAt := time.Now().UTC()
	for _, id := range []string{devID, DevIDFleet} {
		filter := id
		if id == DevIDFleet {
			filter = ""
		}
		points := s.calculator.Calculate(flows, prices, filter)
		series := types.RevenueSeries{DevID: id, GeneratedAt: generatedAt, Points: points}
		if err := s.storage.InsertRevenueSeries(ctx, series); err != nil {
			return fmt.Errorf("failed to persist revenue series for %s: %w", id, err)
		}
	}
	s.cache.Invalidate(ctx, "revenue:")
	return nil
}
