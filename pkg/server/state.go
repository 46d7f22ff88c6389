package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gkmanev/BatteryBackend/pkg/log"
	"github.com/gkmanev/BatteryBackend/pkg/storage"
	"github.com/gkmanev/BatteryBackend/pkg/types"
)

// handleGetState serves reconciled live telemetry: one row per device per
// minute, or one fleet-wide row per minute in cumulative mode.
func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// Month and year windows are served as coarse averages rather than the
	// full 1-minute series.
	if start, end, bucket, ok := averagedWindow(r); ok {
		s.serveAveragedState(w, r, start, end, bucket)
		return
	}

	start, end, err := parseWindow(r)
	if err != nil {
		writeJSONError(w, "invalid time range: "+err.Error(), http.StatusBadRequest)
		return
	}
	devID := r.URL.Query().Get("devId")

	if wantsCumulative(r) {
		key := fmt.Sprintf("state:cum:%d:%d", start.Unix(), end.Unix())
		var cached []types.CumulativeLiveRow
		if s.cache.GetJSON(ctx, key, &cached) {
			writeJSON(w, cached)
			return
		}

		entries, err := s.storage.GetLiveStatus(ctx, storage.DevIDAll, start, end)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to get live status", slog.Any("error", err))
			writeJSONError(w, "failed to get live status", http.StatusInternalServerError)
			return
		}
		rows := s.engine.CumulativeLiveStatus(entries)
		if rows == nil {
			rows = []types.CumulativeLiveRow{}
		}
		s.cache.SetJSON(ctx, key, rows)
		writeJSON(w, rows)
		return
	}

	entries, err := s.storage.GetLiveStatus(ctx, devID, start, end)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get live status", slog.String("devId", devID), slog.Any("error", err))
		writeJSONError(w, "failed to get live status", http.StatusInternalServerError)
		return
	}
	rows := s.engine.LiveStatus(entries)
	if rows == nil {
		rows = []types.LiveStatusEntry{}
	}
	writeJSON(w, rows)
}

// averagedWindow resolves the coarse date_range values. A month window serves
// hourly averages and a year window daily averages; anything else falls
// through to the 1-minute reconciled read. Now is truncated to the minute so
// repeated requests within it share a cache key.
func averagedWindow(r *http.Request) (time.Time, time.Time, time.Duration, bool) {
	now := time.Now().UTC().Truncate(time.Minute)
	switch r.URL.Query().Get("date_range") {
	case "month":
		return now.AddDate(0, -1, 0), now, time.Hour, true
	case "year":
		return now.AddDate(-1, 0, 0), now, 24 * time.Hour, true
	}
	return time.Time{}, time.Time{}, 0, false
}

func (s *Server) serveAveragedState(w http.ResponseWriter, r *http.Request, start, end time.Time, bucket time.Duration) {
	ctx := r.Context()

	if wantsCumulative(r) {
		key := fmt.Sprintf("state:cumavg:%d:%d:%d", int64(bucket/time.Minute), start.Unix(), end.Unix())
		var cached []types.CumulativeLiveRow
		if s.cache.GetJSON(ctx, key, &cached) {
			writeJSON(w, cached)
			return
		}

		entries, err := s.storage.GetLiveStatus(ctx, storage.DevIDAll, start, end)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to get live status", slog.Any("error", err))
			writeJSONError(w, "failed to get live status", http.StatusInternalServerError)
			return
		}
		rows := s.engine.CumulativeAverageLiveStatus(entries, bucket)
		if rows == nil {
			rows = []types.CumulativeLiveRow{}
		}
		s.cache.SetJSON(ctx, key, rows)
		writeJSON(w, rows)
		return
	}

	devID := r.URL.Query().Get("devId")
	entries, err := s.storage.GetLiveStatus(ctx, devID, start, end)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get live status", slog.String("devId", devID), slog.Any("error", err))
		writeJSONError(w, "failed to get live status", http.StatusInternalServerError)
		return
	}
	rows := s.engine.AverageLiveStatus(entries, bucket)
	if rows == nil {
		rows = []types.LiveStatusEntry{}
	}
	writeJSON(w, rows)
}

// handleIngestState accepts a batch of live telemetry rows. Malformed rows
// are dropped and counted rather than failing the batch; the upstream plant
// feed is not reliable enough to reject wholesale.
func (s *Server) handleIngestState(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var raw []json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeJSONError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	entries := make([]types.LiveStatusEntry, 0, len(raw))
	skipped := 0
	for _, msg := range raw {
		var e types.LiveStatusEntry
		if err := json.Unmarshal(msg, &e); err != nil || e.DevID == "" || e.Timestamp.IsZero() {
			skipped++
			continue
		}
		entries = append(entries, e)
	}
	if skipped > 0 {
		log.Ctx(ctx).WarnContext(ctx, "skipped malformed telemetry rows", slog.Int("skipped", skipped))
	}

	if len(entries) > 0 {
		if err := s.storage.UpsertLiveStatus(ctx, entries); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to upsert live status", slog.Any("error", err))
			writeJSONError(w, "failed to store telemetry", http.StatusInternalServerError)
			return
		}
		s.cache.Invalidate(ctx, "state:")
	}

	writeJSON(w, struct {
		Accepted int `json:"accepted"`
		Skipped  int `json:"skipped"`
	}{Accepted: len(entries), Skipped: skipped})
}

// handleIngestPrices accepts a batch of day-ahead market prices, upserted by
// timestamp so a feed resend overwrites the prior rows.
func (s *Server) handleIngestPrices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var raw []json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeJSONError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	prices := make([]types.PricePoint, 0, len(raw))
	skipped := 0
	for _, msg := range raw {
		var p types.PricePoint
		if err := json.Unmarshal(msg, &p); err != nil || p.Timestamp.IsZero() {
			skipped++
			continue
		}
		prices = append(prices, p)
	}
	if skipped > 0 {
		log.Ctx(ctx).WarnContext(ctx, "skipped malformed price rows", slog.Int("skipped", skipped))
	}

	if len(prices) > 0 {
		if err := s.storage.UpsertPrices(ctx, prices); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to upsert prices", slog.Any("error", err))
			writeJSONError(w, "failed to store prices", http.StatusInternalServerError)
			return
		}
	}

	writeJSON(w, struct {
		Accepted int `json:"accepted"`
		Skipped  int `json:"skipped"`
	}{Accepted: len(prices), Skipped: skipped})
}

// handleGetPrices serves the stored price curve for a window.
func (s *Server) handleGetPrices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start, end, err := parseWindow(r)
	if err != nil {
		writeJSONError(w, "invalid time range: "+err.Error(), http.StatusBadRequest)
		return
	}

	prices, err := s.storage.GetPrices(ctx, start, end)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get prices", slog.Any("error", err))
		writeJSONError(w, "failed to get prices", http.StatusInternalServerError)
		return
	}
	if prices == nil {
		prices = []types.PricePoint{}
	}

	w.Header().Set("Content-Type", "application/json")
	// Past days never change; live days may still receive resends.
	today := time.Now().UTC().Truncate(24 * time.Hour)
	if end.Before(today) {
		w.Header().Set("Cache-Control", "private, max-age=86400")
	} else {
		w.Header().Set("Cache-Control", "private, max-age=60")
	}
	if err := json.NewEncoder(w).Encode(prices); err != nil {
		panic(http.ErrAbortHandler)
	}
}
