package main

import (
	"context"
	"math/rand"
	"os"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/gkmanev/BatteryBackend/pkg/dispatch"
	"github.com/gkmanev/BatteryBackend/pkg/log"
	"github.com/gkmanev/BatteryBackend/pkg/storage"
	"github.com/gkmanev/BatteryBackend/pkg/types"
)

// Seeds a local emulator with a day of 15-minute prices, per-minute telemetry
// for two batteries and one solved schedule, so the API has data to serve.
func main() {
	os.Setenv("FIRESTORE_EMULATOR_HOST", "127.0.0.1:8087")
	db := storage.Configured()
	lflag.Configure()

	ctx := context.Background()
	log.Ctx(ctx).InfoContext(ctx, "seeding demo data")

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	now := time.Now().UTC()
	dayStart := now.Truncate(24 * time.Hour)

	// Day-ahead prices at 15-minute resolution: cheap overnight and midday,
	// expensive morning and evening.
	var prices []types.PricePoint
	for t := dayStart; t.Before(dayStart.Add(24 * time.Hour)); t = t.Add(15 * time.Minute) {
		base := 45.0
		switch hour := t.Hour(); {
		case hour >= 6 && hour < 9:
			base = 110.0
		case hour >= 10 && hour < 15:
			base = 25.0
		case hour >= 17 && hour < 21:
			base = 140.0
		case hour >= 21:
			base = 60.0
		}
		base += rng.Float64()*6 - 3
		prices = append(prices, types.PricePoint{Timestamp: t, Price: base, Currency: "EUR"})
	}
	if err := db.UpsertPrices(ctx, prices); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to seed prices", "error", err)
		os.Exit(1)
	}

	// Per-minute live telemetry for two batteries, midnight to now.
	devices := []string{"batt-0001", "batt-0002"}
	for _, devID := range devices {
		soc := 20.0 + rng.Float64()*30
		var entries []types.LiveStatusEntry
		for t := dayStart; t.Before(now); t = t.Add(time.Minute) {
			power := 10.0 // MW, charge overnight
			if h := t.Hour(); h >= 6 && h < 9 || h >= 17 && h < 21 {
				power = -20.0
			} else if h >= 9 && h < 17 {
				power = 0
			}
			flow := power / 60.0
			soc += flow
			if soc < 0 {
				soc = 0
				flow = 0
				power = 0
			}
			if soc > 100 {
				soc = 100
				flow = 0
				power = 0
			}
			entries = append(entries, types.LiveStatusEntry{
				DevID:         devID,
				Timestamp:     t,
				StateOfCharge: soc,
				FlowLastMin:   flow,
				InvertorPower: power,
			})
		}
		if err := db.UpsertLiveStatus(ctx, entries); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to seed telemetry", "devId", devID, "error", err)
			os.Exit(1)
		}
	}

	// One solved day-ahead schedule for the first battery.
	opt := dispatch.NewOptimizer()
	entries, err := opt.Solve(ctx, devices[0], prices, types.DefaultParameters())
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to solve seed schedule", "error", err)
		os.Exit(1)
	}
	if err := db.ReplaceSchedule(ctx, devices[0], dayStart, dayStart.Add(24*time.Hour), entries); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to seed schedule", "error", err)
		os.Exit(1)
	}

	log.Ctx(ctx).InfoContext(ctx, "seed complete",
		"prices", len(prices), "devices", len(devices), "schedule", len(entries))
}
