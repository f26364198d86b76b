package backfill

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prabucki/energa-sync/pkg/energa"
	"github.com/prabucki/energa-sync/pkg/log"
	"github.com/prabucki/energa-sync/pkg/storage"
	"github.com/prabucki/energa-sync/pkg/types"
)

// Run imports a contiguous range of days for one meter point, oldest day
// first. Days are independent: a failed day is recorded and skipped, the
// cursor moves on.
type Run struct {
	engine *Engine
	id     string
	meter  types.MeterChannels
	days   []time.Time

	mu            sync.Mutex
	state         types.RunState
	daysCompleted int
	daysFailed    int
	errMsg        string
}

// Status returns a point-in-time view of the run.
func (r *Run) Status() types.RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return types.RunStatus{
		ID:            r.id,
		MeterPointID:  r.meter.MeterPoint.ID,
		State:         r.state,
		StartDate:     r.days[0],
		Days:          len(r.days),
		DaysCompleted: r.daysCompleted,
		DaysFailed:    r.daysFailed,
		Error:         r.errMsg,
	}
}

func (r *Run) setState(s types.RunState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *Run) finish(err error) {
	r.mu.Lock()
	r.state = types.RunStateDone
	if err != nil {
		r.errMsg = err.Error()
	}
	r.mu.Unlock()
}

func (r *Run) run(ctx context.Context) {
	ctx = log.With(ctx, log.Ctx(ctx).With(
		slog.String("runID", r.id), slog.Int64("meterPointID", r.meter.MeterPoint.ID)))

	for _, day := range r.days {
		select {
		case <-r.engine.stop:
			r.finish(context.Canceled)
			return
		default:
		}
		if err := ctx.Err(); err != nil {
			r.finish(err)
			return
		}
		err := r.importDay(ctx, day)
		if err == nil {
			r.mu.Lock()
			r.daysCompleted++
			r.mu.Unlock()
			continue
		}

		var authErr *energa.AuthError
		if errors.As(err, &authErr) || errors.Is(err, context.Canceled) || ctx.Err() != nil {
			// Credentials are gone or we are shutting down; nothing further
			// in this run can succeed.
			log.Ctx(ctx).ErrorContext(ctx, "history import aborted",
				slog.String("day", day.Format(dateFormat)), slog.Any("error", err))
			r.finish(err)
			return
		}

		log.Ctx(ctx).WarnContext(ctx, "history import day failed",
			slog.String("day", day.Format(dateFormat)), slog.Any("error", err))
		r.mu.Lock()
		r.daysFailed++
		r.mu.Unlock()
	}

	r.finish(nil)
	log.Ctx(ctx).InfoContext(ctx, "history import finished",
		slog.Int("days", len(r.days)), slog.Int("failed", r.Status().DaysFailed))
}

func (r *Run) importDay(ctx context.Context, day time.Time) error {
	for _, ch := range r.meter.Channels {
		if err := r.importChannelDay(ctx, ch, day); err != nil {
			return err
		}
	}
	return nil
}

func (r *Run) importChannelDay(ctx context.Context, ch types.Channel, day time.Time) error {
	key := types.ChannelKey{MeterPointID: ch.MeterPointID, Direction: ch.Direction}
	h := r.engine.ledger.Handle(key)
	// The handle is held per day, not per run, so concurrent writers wait at
	// most one day's worth of work.
	h.Lock()
	defer h.Unlock()

	// The sink's last emitted Sum wins over anything the live sync seeded
	// from the register: the series must continue from its own last point.
	// The register seed survives only when the sink has no history at all.
	if _, known := h.Value(); (!known || h.Seeded()) && r.engine.db != nil {
		latest, err := r.engine.db.GetLatestStatistic(ctx, key)
		if err == nil {
			h.Reseed(latest.Sum)
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
	}

	vec, err := r.fetchPaced(ctx, ch, day)
	if err != nil {
		return err
	}

	r.setState(types.RunStateAggregating)
	carried, _ := h.Value()
	points := buildDayPoints(day, vec, carried)

	r.setState(types.RunStateEmitting)
	if r.engine.db != nil {
		if err := r.engine.db.UpsertStatistics(ctx, key, points, types.CurrentStatisticsVersion); err != nil {
			return err
		}
	}
	h.Extend(carried + vec.Sum())
	return nil
}

// fetchPaced retrieves one day's vector, sleeping the pace delay first. An
// expired session gets one re-login and the same day is fetched again; the
// cursor never skips a day because of expiry.
func (r *Run) fetchPaced(ctx context.Context, ch types.Channel, day time.Time) (types.HourlyVector, error) {
	r.setState(types.RunStatePaced)
	if err := r.engine.pace(ctx); err != nil {
		return nil, err
	}

	r.setState(types.RunStateFetching)
	observed := r.engine.client.Epoch()
	vec, err := r.engine.client.FetchDay(ctx, ch.MeterPointID, ch.Code, day)
	if !errors.Is(err, energa.ErrSessionExpired) {
		return vec, err
	}

	if err := r.engine.pace(ctx); err != nil {
		return nil, err
	}
	if err := r.engine.client.Relogin(ctx, observed); err != nil {
		return nil, err
	}
	r.setState(types.RunStatePaced)
	if err := r.engine.pace(ctx); err != nil {
		return nil, err
	}
	r.setState(types.RunStateFetching)
	return r.engine.client.FetchDay(ctx, ch.MeterPointID, ch.Code, day)
}

// buildDayPoints turns a day's hourly vector into statistic points. The
// anchor point one second past midnight resets the intra-day state to zero
// while carrying the cumulative sum; each readable hour then lands at the end
// of its bucket. Hours without a reading get no point at all.
func buildDayPoints(day time.Time, vec types.HourlyVector, carried float64) []types.StatisticPoint {
	points := make([]types.StatisticPoint, 0, len(vec)+1)
	points = append(points, types.StatisticPoint{
		Start: day.Add(time.Second),
		State: 0,
		Sum:   carried,
	})
	var running float64
	for h, reading := range vec {
		if reading == nil || *reading < 0 {
			continue
		}
		running += *reading
		points = append(points, types.StatisticPoint{
			Start: day.Add(time.Duration(h+1) * time.Hour),
			State: running,
			Sum:   carried + running,
		})
	}
	return points
}
