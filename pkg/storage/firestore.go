package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"github.com/prabucki/energa-sync/pkg/log"
	"github.com/prabucki/energa-sync/pkg/types"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreProvider implements Database on Google Cloud Firestore. Statistic
// points live under meters/<meterPointID>/statistics_<direction>/ with the
// point's RFC3339 start time as the document ID, so range reads are document
// ID range queries.
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

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	// Project ID verification could be here, but we allow empty if inferred.
	return nil
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

func (f *FirestoreProvider) statisticsCollection(key types.ChannelKey) *firestore.CollectionRef {
	meterDoc := strconv.FormatInt(key.MeterPointID, 10)
	return f.client.Collection("meters").Doc(meterDoc).Collection("statistics_" + string(key.Direction))
}

// UpsertStatistics writes points to a channel's history. Each point becomes
// one document keyed by its RFC3339 start time, so re-running an import over
// the same days replaces the old points instead of duplicating them.
func (f *FirestoreProvider) UpsertStatistics(ctx context.Context, key types.ChannelKey, points []types.StatisticPoint, version int) error {
	coll := f.statisticsCollection(key)
	for _, p := range points {
		if p.Start.IsZero() {
			return fmt.Errorf("statistic point missing start time")
		}
		jsonBytes, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("failed to marshal statistic point: %w", err)
		}
		docID := p.Start.UTC().Format(time.RFC3339)
		_, err = coll.Doc(docID).Set(ctx, map[string]interface{}{
			"json":      string(jsonBytes),
			"timestamp": p.Start,
			"version":   version,
		})
		if err != nil {
			return fmt.Errorf("failed to upsert statistic point %s/%s: %w", key, docID, err)
		}
	}
	return nil
}

// GetLatestStatistic retrieves the most recent point of a channel's history.
func (f *FirestoreProvider) GetLatestStatistic(ctx context.Context, key types.ChannelKey) (types.StatisticPoint, error) {
	iter := f.statisticsCollection(key).
		OrderBy("timestamp", firestore.Desc).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	doc, err := iter.Next()
	if err == iterator.Done {
		return types.StatisticPoint{}, fmt.Errorf("%w: no statistics for %s", ErrNotFound, key)
	}
	if err != nil {
		return types.StatisticPoint{}, fmt.Errorf("failed to get latest statistic for %s: %w", key, err)
	}
	return decodeStatisticDoc(ctx, doc, key)
}

// GetStatistics retrieves a channel's points within [start, end).
// Uses document ID range queries for efficient filtering.
func (f *FirestoreProvider) GetStatistics(ctx context.Context, key types.ChannelKey, start, end time.Time) ([]types.StatisticPoint, error) {
	coll := f.statisticsCollection(key)
	startDocID := start.UTC().Format(time.RFC3339)
	endDocID := end.UTC().Format(time.RFC3339)

	iter := coll.
		Where(firestore.DocumentID, ">=", coll.Doc(startDocID)).
		Where(firestore.DocumentID, "<", coll.Doc(endDocID)).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var points []types.StatisticPoint
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating statistics for %s: %w", key, err)
		}
		p, err := decodeStatisticDoc(ctx, doc, key)
		if err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, nil
}

func decodeStatisticDoc(ctx context.Context, doc *firestore.DocumentSnapshot, key types.ChannelKey) (types.StatisticPoint, error) {
	val, err := doc.DataAt("json")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "statistic doc missing json", slog.String("docID", doc.Ref.ID), slog.String("channel", key.String()))
		return types.StatisticPoint{}, fmt.Errorf("statistic doc %s missing 'json' field: %w", doc.Ref.ID, err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, "statistic doc json not string", slog.String("docID", doc.Ref.ID), slog.String("channel", key.String()))
		return types.StatisticPoint{}, fmt.Errorf("statistic doc %s 'json' field is not string", doc.Ref.ID)
	}

	var p types.StatisticPoint
	if err := json.Unmarshal([]byte(jsonStr), &p); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal statistic point", slog.String("docID", doc.Ref.ID), slog.String("channel", key.String()), slog.Any("err", err))
		return types.StatisticPoint{}, fmt.Errorf("failed to unmarshal statistic point (id=%s): %w", doc.Ref.ID, err)
	}
	return p, nil
}

// UpsertSnapshot stores one live sync result in the "snapshots" collection.
func (f *FirestoreProvider) UpsertSnapshot(ctx context.Context, snap types.Snapshot) error {
	if snap.At.IsZero() {
		return fmt.Errorf("snapshot missing timestamp")
	}
	jsonBytes, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	docID := snap.At.UTC().Format(time.RFC3339)
	_, err = f.client.Collection("snapshots").Doc(docID).Set(ctx, map[string]interface{}{
		"json":      string(jsonBytes),
		"timestamp": snap.At,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert snapshot: %w", err)
	}
	return nil
}

// GetLatestSnapshot retrieves the last stored snapshot.
func (f *FirestoreProvider) GetLatestSnapshot(ctx context.Context) (types.Snapshot, error) {
	iter := f.client.Collection("snapshots").
		OrderBy("timestamp", firestore.Desc).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	doc, err := iter.Next()
	if err == iterator.Done {
		return types.Snapshot{}, fmt.Errorf("%w: no snapshots", ErrNotFound)
	}
	if err != nil {
		// A missing collection surfaces the same as a missing doc.
		if status.Code(err) == codes.NotFound {
			return types.Snapshot{}, fmt.Errorf("%w: no snapshots", ErrNotFound)
		}
		return types.Snapshot{}, fmt.Errorf("failed to get latest snapshot: %w", err)
	}

	val, err := doc.DataAt("json")
	if err != nil {
		return types.Snapshot{}, fmt.Errorf("snapshot doc %s missing 'json' field: %w", doc.Ref.ID, err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		return types.Snapshot{}, fmt.Errorf("snapshot doc %s 'json' field is not string", doc.Ref.ID)
	}

	var snap types.Snapshot
	if err := json.Unmarshal([]byte(jsonStr), &snap); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal snapshot", slog.String("docID", doc.Ref.ID), slog.Any("err", err))
		return types.Snapshot{}, fmt.Errorf("failed to unmarshal snapshot (id=%s): %w", doc.Ref.ID, err)
	}
	return snap, nil
}
