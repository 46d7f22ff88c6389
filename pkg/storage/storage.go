package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/gkmanev/BatteryBackend/pkg/types"
)

// ErrRevenueNotFound is returned when no revenue generation has been persisted
// yet for the requested device.
var ErrRevenueNotFound = errors.New("no revenue series stored")

// DevIDAll selects every device in read methods that filter by device.
const DevIDAll = ""

// Database persists market prices, dispatch schedules, live telemetry and
// computed revenue generations.
//
// Every write is idempotent: prices upsert by timestamp, schedule and live
// status rows upsert by (devID, timestamp), last write wins. ReplaceSchedule
// overwrites a device's horizon wholesale, which is how an optimizer re-run
// for the same device and horizon supersedes its previous result. Callers
// must serialize concurrent optimizer runs per device+horizon; the store
// itself does not lock.
type Database interface {
	// Prices
	UpsertPrices(ctx context.Context, prices []types.PricePoint) error
	GetPrices(ctx context.Context, start, end time.Time) ([]types.PricePoint, error)

	// Schedule
	ReplaceSchedule(ctx context.Context, devID string, start, end time.Time, entries []types.ScheduleEntry) error
	UpsertScheduleEntries(ctx context.Context, entries []types.ScheduleEntry) error
	GetSchedule(ctx context.Context, devID string, start, end time.Time) ([]types.ScheduleEntry, error)

	// Live telemetry
	UpsertLiveStatus(ctx context.Context, entries []types.LiveStatusEntry) error
	GetLiveStatus(ctx context.Context, devID string, start, end time.Time) ([]types.LiveStatusEntry, error)

	// Revenue generations
	InsertRevenueSeries(ctx context.Context, series types.RevenueSeries) error
	GetLatestRevenueSeries(ctx context.Context, devID string) (types.RevenueSeries, error)

	// Lifecycle
	Close() error
}

// Configured sets up the storage backend based on flags.
func Configured() Database {
	provider := lflag.String("storage-provider", "firestore", "Storage provider to use (available: firestore, postgres)")

	var p struct{ Database }

	fs := configuredFirestore()
	pg := configuredPostgres()

	lflag.Do(func() {
		switch *provider {
		case "firestore":
			p.Database = fs
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
		case "postgres":
			p.Database = pg
			if err := pg.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("postgres init failed: %v", err))
			}
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}
