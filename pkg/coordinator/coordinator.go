// Package coordinator drives the live sync loop: one provider round per
// interval that refreshes the current-day snapshot for every discovered meter
// point.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/prabucki/energa-sync/pkg/energa"
	"github.com/prabucki/energa-sync/pkg/ledger"
	"github.com/prabucki/energa-sync/pkg/log"
	"github.com/prabucki/energa-sync/pkg/storage"
	"github.com/prabucki/energa-sync/pkg/types"
)

// backoffTiers replace the base interval after consecutive failed rounds.
// Consecutive failures walk the tiers; any success resets to the base
// interval.
var backoffTiers = []time.Duration{2 * time.Minute, 5 * time.Minute, 15 * time.Minute}

// Client is the provider surface the coordinator drives. *energa.Client
// satisfies it.
type Client interface {
	Login(ctx context.Context) error
	Relogin(ctx context.Context, observed int) error
	Epoch() int
	Discover(ctx context.Context) ([]types.MeterChannels, error)
	FetchDay(ctx context.Context, meterPointID int64, code string, day time.Time) (types.HourlyVector, error)
}

// Coordinator owns the periodic sync and the latest snapshot.
type Coordinator struct {
	client   Client
	db       storage.Database
	ledger   *ledger.Ledger
	interval time.Duration
	now      func() time.Time

	mu       sync.RWMutex
	snapshot *types.Snapshot
	errCount int
}

// New creates a coordinator with a fixed interval. db may be nil when
// snapshot persistence is not wanted.
func New(client Client, db storage.Database, l *ledger.Ledger, interval time.Duration) *Coordinator {
	return &Coordinator{
		client:   client,
		db:       db,
		ledger:   l,
		interval: interval,
		now:      time.Now,
	}
}

// Configured creates a coordinator with the interval taken from flags.
func Configured(client Client, db storage.Database, l *ledger.Ledger) *Coordinator {
	c := New(client, db, l, time.Hour)
	interval := lflag.Duration("sync-interval", time.Hour, "Interval between provider sync rounds")
	lflag.Do(func() {
		c.interval = *interval
	})
	return c
}

// Snapshot returns the result of the last successful round, if any.
func (c *Coordinator) Snapshot() (types.Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.snapshot == nil {
		return types.Snapshot{}, false
	}
	return *c.snapshot, true
}

// Run logs in and syncs until the context is canceled. The only error return
// is a credential rejection; everything transient is logged and retried with
// the backoff tiers.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.client.Login(ctx); err != nil {
		var authErr *energa.AuthError
		if errors.As(err, &authErr) {
			return err
		}
		// A transient login failure is handled like a failed round: the
		// first sync below re-attempts via the expired-session path.
		log.Ctx(ctx).WarnContext(ctx, "initial login failed, will retry", slog.Any("error", err))
	}

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		err := c.syncOnce(ctx)
		if err != nil {
			var authErr *energa.AuthError
			if errors.As(err, &authErr) {
				log.Ctx(ctx).ErrorContext(ctx, "credentials rejected, stopping sync", slog.Any("error", err))
				return err
			}
			c.errCount++
			delay := backoffTiers[min(c.errCount, len(backoffTiers))-1]
			log.Ctx(ctx).WarnContext(ctx, "sync round failed",
				slog.Any("error", err), slog.Int("consecutiveErrors", c.errCount), slog.Duration("retryIn", delay))
			timer.Reset(delay)
			continue
		}

		c.errCount = 0
		timer.Reset(c.interval)
	}
}

// syncOnce performs a round, allowing exactly one re-login when the session
// expired mid-round.
func (c *Coordinator) syncOnce(ctx context.Context) error {
	observed := c.client.Epoch()
	err := c.tick(ctx)
	if errors.Is(err, energa.ErrSessionExpired) {
		if err := c.client.Relogin(ctx, observed); err != nil {
			return err
		}
		err = c.tick(ctx)
	}
	return err
}

func (c *Coordinator) tick(ctx context.Context) error {
	meters, err := c.client.Discover(ctx)
	if err != nil {
		return err
	}

	now := c.now()
	snap := &types.Snapshot{At: now, Meters: make([]types.MeterSnapshot, 0, len(meters))}
	for _, m := range meters {
		ms := types.MeterSnapshot{MeterPoint: m.MeterPoint}

		if ch, ok := m.Channel(types.DirectionImport); ok {
			vec, err := c.client.FetchDay(ctx, ch.MeterPointID, ch.Code, now)
			if err != nil {
				return err
			}
			ms.DailyImport = vec.Sum()
			ms.HasImport = true
			// The register total anchors an empty channel so a later
			// backfill carries forward from reality instead of zero.
			c.ledger.Handle(types.ChannelKey{MeterPointID: ch.MeterPointID, Direction: ch.Direction}).
				SeedIfEmpty(m.MeterPoint.TotalImport)
		}
		if ch, ok := m.Channel(types.DirectionExport); ok {
			vec, err := c.client.FetchDay(ctx, ch.MeterPointID, ch.Code, now)
			if err != nil {
				return err
			}
			ms.DailyExport = vec.Sum()
			ms.HasExport = true
			c.ledger.Handle(types.ChannelKey{MeterPointID: ch.MeterPointID, Direction: ch.Direction}).
				SeedIfEmpty(m.MeterPoint.TotalExport)
		}

		snap.Meters = append(snap.Meters, ms)
	}

	c.mu.Lock()
	c.snapshot = snap
	c.mu.Unlock()

	if c.db != nil {
		if err := c.db.UpsertSnapshot(ctx, *snap); err != nil {
			// Persistence is best effort; the in-memory snapshot already
			// serves reads.
			log.Ctx(ctx).WarnContext(ctx, "failed to persist snapshot", slog.Any("error", err))
		}
	}

	log.Ctx(ctx).DebugContext(ctx, "sync round complete", slog.Int("meters", len(snap.Meters)))
	return nil
}
