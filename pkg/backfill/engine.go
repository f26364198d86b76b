// Package backfill imports historical days of consumption into statistic
// histories. Every provider request is paced, because bulk chart fetching is
// exactly the traffic pattern the provider throttles accounts for.
package backfill

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/prabucki/energa-sync/pkg/ledger"
	"github.com/prabucki/energa-sync/pkg/storage"
	"github.com/prabucki/energa-sync/pkg/types"
)

const dateFormat = "2006-01-02"

// Client is the provider surface the engine drives. *energa.Client satisfies
// it.
type Client interface {
	Relogin(ctx context.Context, observed int) error
	Epoch() int
	Discover(ctx context.Context) ([]types.MeterChannels, error)
	FetchDay(ctx context.Context, meterPointID int64, code string, day time.Time) (types.HourlyVector, error)
	DayStart(t time.Time) time.Time
	Location() *time.Location
}

// Engine starts and tracks import runs. One run covers one meter point; a
// request spanning several meter points fans out into several runs.
type Engine struct {
	client    Client
	db        storage.Database
	ledger    *ledger.Ledger
	paceDelay time.Duration
	now       func() time.Time

	stop     chan struct{}
	stopOnce sync.Once

	mu   sync.Mutex
	seq  int
	runs map[string]*Run
}

// New creates an engine with a fixed pace delay. db may be nil in tests.
func New(client Client, db storage.Database, l *ledger.Ledger, pace time.Duration) *Engine {
	return &Engine{
		client:    client,
		db:        db,
		ledger:    l,
		paceDelay: pace,
		now:       time.Now,
		stop:      make(chan struct{}),
		runs:      make(map[string]*Run),
	}
}

// Configured creates an engine with the pace delay taken from flags.
func Configured(client Client, db storage.Database, l *ledger.Ledger) *Engine {
	e := New(client, db, l, 1500*time.Millisecond)
	pace := lflag.Duration("backfill-pace", 1500*time.Millisecond, "Minimum delay before each provider request during history import")
	lflag.Do(func() {
		e.paceDelay = *pace
	})
	return e
}

// Start validates the request and launches one run per discovered meter
// point. The runs outlive the caller's request; only validation and discovery
// honor ctx cancellation. The current day is always excluded: it is still
// accumulating and belongs to the live sync.
func (e *Engine) Start(ctx context.Context, req types.BackfillRequest) ([]types.RunStatus, error) {
	if req.Days < 1 {
		return nil, fmt.Errorf("days must be at least 1")
	}
	start, err := time.ParseInLocation(dateFormat, req.StartDate, e.client.Location())
	if err != nil {
		return nil, fmt.Errorf("invalid startDate %q: %w", req.StartDate, err)
	}

	startDay := e.client.DayStart(start)
	today := e.client.DayStart(e.now())
	var days []time.Time
	for i := 0; i < req.Days; i++ {
		d := startDay.AddDate(0, 0, i)
		if !d.Before(today) {
			break
		}
		days = append(days, d)
	}
	if len(days) == 0 {
		return nil, fmt.Errorf("no completed days to import before %s", today.Format(dateFormat))
	}

	meters, err := e.client.Discover(ctx)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	var statuses []types.RunStatus
	for _, m := range meters {
		if len(m.Channels) == 0 {
			continue
		}
		e.seq++
		r := &Run{
			engine: e,
			id:     fmt.Sprintf("import-%d-%d", e.seq, m.MeterPoint.ID),
			meter:  m,
			days:   days,
			state:  types.RunStateIdle,
		}
		e.runs[r.id] = r
		statuses = append(statuses, r.Status())
		// Detach from the request context so the run survives the caller,
		// keeping its values for logging.
		go r.run(context.WithoutCancel(ctx))
	}
	if len(statuses) == 0 {
		return nil, fmt.Errorf("no meter points with channels to import")
	}
	return statuses, nil
}

// Runs returns the status of every known run, oldest first.
func (e *Engine) Runs() []types.RunStatus {
	e.mu.Lock()
	runs := make([]*Run, 0, len(e.runs))
	for _, r := range e.runs {
		runs = append(runs, r)
	}
	e.mu.Unlock()

	statuses := make([]types.RunStatus, 0, len(runs))
	for _, r := range runs {
		statuses = append(statuses, r.Status())
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].ID < statuses[j].ID })
	return statuses
}

// Run returns the status of a single run.
func (e *Engine) Run(id string) (types.RunStatus, bool) {
	e.mu.Lock()
	r, ok := e.runs[id]
	e.mu.Unlock()
	if !ok {
		return types.RunStatus{}, false
	}
	return r.Status(), true
}

// Stop cancels every in-flight run at its next pacing step. Already emitted
// days stay intact.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
}

// pace blocks for the configured delay or until the run is canceled.
func (e *Engine) pace(ctx context.Context) error {
	t := time.NewTimer(e.paceDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stop:
		return context.Canceled
	case <-t.C:
		return nil
	}
}
