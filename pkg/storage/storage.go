package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/prabucki/energa-sync/pkg/types"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Database persists statistic histories and live snapshots.
type Database interface {
	// Statistics
	// UpsertStatistics adds or updates points in a channel's history. Points
	// are keyed by their start time; re-imports overwrite in place.
	UpsertStatistics(ctx context.Context, key types.ChannelKey, points []types.StatisticPoint, version int) error
	// GetLatestStatistic returns the most recent point of a channel's
	// history, or ErrNotFound when the channel has none.
	GetLatestStatistic(ctx context.Context, key types.ChannelKey) (types.StatisticPoint, error)
	GetStatistics(ctx context.Context, key types.ChannelKey, start, end time.Time) ([]types.StatisticPoint, error)

	// Snapshots
	UpsertSnapshot(ctx context.Context, snap types.Snapshot) error
	// GetLatestSnapshot returns the last stored snapshot, or ErrNotFound.
	GetLatestSnapshot(ctx context.Context) (types.Snapshot, error)

	// Lifecycle
	Close() error
}

// Configured sets up the storage provider based on flags.
func Configured() Database {
	provider := lflag.String("storage-provider", "firestore", "Storage provider to use (available: firestore)")

	var p struct{ Database }

	fs := configuredFirestore()

	lflag.Do(func() {
		switch *provider {
		case "firestore":
			if err := fs.Validate(); err != nil {
				panic(fmt.Sprintf("firestore validation failed: %v", err))
			}
			p.Database = fs
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}
