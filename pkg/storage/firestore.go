package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/gkmanev/BatteryBackend/pkg/log"
	"github.com/gkmanev/BatteryBackend/pkg/types"
)

const (
	pricesCollection   = "prices"
	scheduleCollection = "schedule"
	liveCollection     = "live_status"
	revenueCollection  = "revenue"
)

// FirestoreProvider implements Database using Google Cloud Firestore. Rows are
// stored as JSON blobs with a timestamp field; document IDs embed the device
// and RFC3339 timestamp so that range reads are lexicographic ID scans.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database

		// set this because that's how the firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func deviceDocID(devID string, ts time.Time) string {
	return devID + "|" + ts.UTC().Format(time.RFC3339)
}

// awaitJobs waits on queued bulk writes and surfaces the first per-write
// failure. BulkWriter's Set/Delete errors only cover queueing; the actual
// write result lands on the job.
func awaitJobs(jobs []*firestore.BulkWriterJob) error {
	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			return fmt.Errorf("bulk write failed: %w", err)
		}
	}
	return nil
}

// UpsertPrices writes price rows keyed by timestamp; a feed resend for the
// same timestamp overwrites the previous row.
func (f *FirestoreProvider) UpsertPrices(ctx context.Context, prices []types.PricePoint) error {
	coll := f.client.Collection(pricesCollection)
	bw := f.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(prices))
	for _, p := range prices {
		jsonBytes, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("failed to marshal price: %w", err)
		}
		docID := p.Timestamp.UTC().Format(time.RFC3339)
		job, err := bw.Set(coll.Doc(docID), map[string]interface{}{
			"json":      string(jsonBytes),
			"timestamp": p.Timestamp,
		})
		if err != nil {
			return fmt.Errorf("failed to queue price upsert: %w", err)
		}
		jobs = append(jobs, job)
	}
	bw.End()
	return awaitJobs(jobs)
}

// GetPrices retrieves price rows in [start, end), ordered by timestamp.
func (f *FirestoreProvider) GetPrices(ctx context.Context, start, end time.Time) ([]types.PricePoint, error) {
	coll := f.client.Collection(pricesCollection)
	iter := coll.
		Where(firestore.DocumentID, ">=", coll.Doc(start.UTC().Format(time.RFC3339))).
		Where(firestore.DocumentID, "<", coll.Doc(end.UTC().Format(time.RFC3339))).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var prices []types.PricePoint
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating prices: %w", err)
		}
		var p types.PricePoint
		if err := unmarshalDoc(ctx, doc, &p); err != nil {
			// Upstream feeds are unreliable; skip the row and keep going.
			continue
		}
		prices = append(prices, p)
	}
	return prices, nil
}

// ReplaceSchedule deletes the device's schedule rows in [start, end) and
// writes the new horizon in their place. Re-running for the same horizon is
// idempotent.
func (f *FirestoreProvider) ReplaceSchedule(ctx context.Context, devID string, start, end time.Time, entries []types.ScheduleEntry) error {
	if devID == "" {
		return fmt.Errorf("devID cannot be empty")
	}
	coll := f.client.Collection(scheduleCollection)

	iter := coll.
		Where(firestore.DocumentID, ">=", coll.Doc(deviceDocID(devID, start))).
		Where(firestore.DocumentID, "<", coll.Doc(deviceDocID(devID, end))).
		Documents(ctx)
	defer iter.Stop()

	bw := f.client.BulkWriter(ctx)
	var deletes []*firestore.BulkWriterJob
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return fmt.Errorf("error iterating schedule window: %w", err)
		}
		job, err := bw.Delete(doc.Ref)
		if err != nil {
			return fmt.Errorf("failed to queue schedule delete: %w", err)
		}
		deletes = append(deletes, job)
	}
	bw.Flush()
	// Verify the old horizon is actually gone before writing the new one.
	if err := awaitJobs(deletes); err != nil {
		return err
	}

	sets, err := f.queueScheduleSets(bw, entries)
	if err != nil {
		return err
	}
	bw.End()
	return awaitJobs(sets)
}

// UpsertScheduleEntries writes schedule rows keyed by (devID, timestamp),
// last write wins.
func (f *FirestoreProvider) UpsertScheduleEntries(ctx context.Context, entries []types.ScheduleEntry) error {
	bw := f.client.BulkWriter(ctx)
	jobs, err := f.queueScheduleSets(bw, entries)
	if err != nil {
		return err
	}
	bw.End()
	return awaitJobs(jobs)
}

func (f *FirestoreProvider) queueScheduleSets(bw *firestore.BulkWriter, entries []types.ScheduleEntry) ([]*firestore.BulkWriterJob, error) {
	coll := f.client.Collection(scheduleCollection)
	jobs := make([]*firestore.BulkWriterJob, 0, len(entries))
	for _, e := range entries {
		jsonBytes, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal schedule entry: %w", err)
		}
		job, err := bw.Set(coll.Doc(deviceDocID(e.DevID, e.Timestamp)), map[string]interface{}{
			"json":      string(jsonBytes),
			"timestamp": e.Timestamp,
			"devId":     e.DevID,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to queue schedule upsert: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// GetSchedule retrieves schedule rows in [start, end), ordered by timestamp.
// An empty devID selects every device.
func (f *FirestoreProvider) GetSchedule(ctx context.Context, devID string, start, end time.Time) ([]types.ScheduleEntry, error) {
	coll := f.client.Collection(scheduleCollection)
	var q firestore.Query
	if devID == DevIDAll {
		q = coll.
			Where("timestamp", ">=", start).
			Where("timestamp", "<", end).
			OrderBy("timestamp", firestore.Asc)
	} else {
		q = coll.
			Where(firestore.DocumentID, ">=", coll.Doc(deviceDocID(devID, start))).
			Where(firestore.DocumentID, "<", coll.Doc(deviceDocID(devID, end))).
			OrderBy(firestore.DocumentID, firestore.Asc)
	}
	iter := q.Documents(ctx)
	defer iter.Stop()

	var entries []types.ScheduleEntry
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating schedule: %w", err)
		}
		var e types.ScheduleEntry
		if err := unmarshalDoc(ctx, doc, &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// UpsertLiveStatus writes telemetry rows keyed by (devID, timestamp), last
// write wins.
func (f *FirestoreProvider) UpsertLiveStatus(ctx context.Context, entries []types.LiveStatusEntry) error {
	coll := f.client.Collection(liveCollection)
	bw := f.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(entries))
	for _, e := range entries {
		jsonBytes, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to marshal live status: %w", err)
		}
		job, err := bw.Set(coll.Doc(deviceDocID(e.DevID, e.Timestamp)), map[string]interface{}{
			"json":      string(jsonBytes),
			"timestamp": e.Timestamp,
			"devId":     e.DevID,
		})
		if err != nil {
			return fmt.Errorf("failed to queue live status upsert: %w", err)
		}
		jobs = append(jobs, job)
	}
	bw.End()
	return awaitJobs(jobs)
}

// GetLiveStatus retrieves telemetry rows in [start, end), ordered by
// timestamp. An empty devID selects every device.
func (f *FirestoreProvider) GetLiveStatus(ctx context.Context, devID string, start, end time.Time) ([]types.LiveStatusEntry, error) {
	coll := f.client.Collection(liveCollection)
	var q firestore.Query
	if devID == DevIDAll {
		q = coll.
			Where("timestamp", ">=", start).
			Where("timestamp", "<", end).
			OrderBy("timestamp", firestore.Asc)
	} else {
		q = coll.
			Where(firestore.DocumentID, ">=", coll.Doc(deviceDocID(devID, start))).
			Where(firestore.DocumentID, "<", coll.Doc(deviceDocID(devID, end))).
			OrderBy(firestore.DocumentID, firestore.Asc)
	}
	iter := q.Documents(ctx)
	defer iter.Stop()

	var entries []types.LiveStatusEntry
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating live status: %w", err)
		}
		var e types.LiveStatusEntry
		if err := unmarshalDoc(ctx, doc, &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// InsertRevenueSeries stores a complete revenue generation. Generations are
// append-only; readers take the latest.
func (f *FirestoreProvider) InsertRevenueSeries(ctx context.Context, series types.RevenueSeries) error {
	if series.DevID == "" {
		return fmt.Errorf("revenue series missing devID")
	}
	jsonBytes, err := json.Marshal(series)
	if err != nil {
		return fmt.Errorf("failed to marshal revenue series: %w", err)
	}
	coll := f.client.Collection(revenueCollection)
	_, err = coll.Doc(deviceDocID(series.DevID, series.GeneratedAt)).Set(ctx, map[string]interface{}{
		"json":        string(jsonBytes),
		"devId":       series.DevID,
		"generatedAt": series.GeneratedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to insert revenue series: %w", err)
	}
	return nil
}

// GetLatestRevenueSeries retrieves the most recent revenue generation for the
// device.
func (f *FirestoreProvider) GetLatestRevenueSeries(ctx context.Context, devID string) (types.RevenueSeries, error) {
	iter := f.client.Collection(revenueCollection).
		Where("devId", "==", devID).
		OrderBy("generatedAt", firestore.Desc).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	doc, err := iter.Next()
	if err == iterator.Done {
		return types.RevenueSeries{}, ErrRevenueNotFound
	}
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.RevenueSeries{}, ErrRevenueNotFound
		}
		return types.RevenueSeries{}, fmt.Errorf("failed to get latest revenue series: %w", err)
	}

	var series types.RevenueSeries
	if err := unmarshalDoc(ctx, doc, &series); err != nil {
		return types.RevenueSeries{}, fmt.Errorf("failed to decode revenue series %s: %w", doc.Ref.ID, err)
	}
	return series, nil
}

// unmarshalDoc decodes the JSON blob field of a row document.
func unmarshalDoc(ctx context.Context, doc *firestore.DocumentSnapshot, dst interface{}) error {
	val, err := doc.DataAt("json")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "doc missing json", slog.String("docID", doc.Ref.ID), slog.Any("err", err))
		return fmt.Errorf("document %s missing 'json' field: %w", doc.Ref.ID, err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, "doc json not string", slog.String("docID", doc.Ref.ID))
		return fmt.Errorf("document %s 'json' field is not a string", doc.Ref.ID)
	}
	if err := json.Unmarshal([]byte(jsonStr), dst); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal doc", slog.String("docID", doc.Ref.ID), slog.Any("err", err))
		return fmt.Errorf("failed to unmarshal document %s: %w", doc.Ref.ID, err)
	}
	return nil
}
