package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gkmanev/BatteryBackend/pkg/log"
	"github.com/gkmanev/BatteryBackend/pkg/storage"
	"github.com/gkmanev/BatteryBackend/pkg/types"
)

// handleGetRevenue serves the latest persisted revenue generation for a
// device, or the fleet-wide generation when no devId is given. "No data yet"
// is an empty series, never an error.
func (s *Server) handleGetRevenue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	devID := r.URL.Query().Get("devId")
	if devID == "" {
		devID = DevIDFleet
	}

	// Memoized until a new generation lands; refreshRevenue invalidates the
	// "revenue:" prefix after every write.
	key := "revenue:" + devID
	var cached types.RevenueSeries
	if s.cache.GetJSON(ctx, key, &cached) {
		writeJSON(w, cached)
		return
	}

	series, err := s.storage.GetLatestRevenueSeries(ctx, devID)
	if errors.Is(err, storage.ErrRevenueNotFound) {
		writeJSON(w, types.RevenueSeries{DevID: devID, Points: []types.RevenuePoint{}})
		return
	}
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get revenue series", slog.String("devId", devID), slog.Any("error", err))
		writeJSONError(w, "failed to get revenue", http.StatusInternalServerError)
		return
	}
	if series.Points == nil {
		series.Points = []types.RevenuePoint{}
	}
	s.cache.SetJSON(ctx, key, series)
	writeJSON(w, series)
}
