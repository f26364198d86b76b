package backfill

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prabucki/energa-sync/pkg/energa"
	"github.com/prabucki/energa-sync/pkg/ledger"
	"github.com/prabucki/energa-sync/pkg/storage"
	"github.com/prabucki/energa-sync/pkg/storage/storagemock"
	"github.com/prabucki/energa-sync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fetchResult struct {
	vec types.HourlyVector
	err error
}

type fakeClient struct {
	mu         sync.Mutex
	epoch      int
	relogins   int
	reloginErr error
	meters     []types.MeterChannels
	results    map[string][]fetchResult
	defaultVec types.HourlyVector
	fetches    []time.Time
}

func (f *fakeClient) Relogin(ctx context.Context, observed int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.epoch != observed {
		return nil
	}
	f.relogins++
	if f.reloginErr != nil {
		return f.reloginErr
	}
	f.epoch++
	return nil
}

func (f *fakeClient) Epoch() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.epoch
}

func (f *fakeClient) Discover(ctx context.Context) ([]types.MeterChannels, error) {
	return f.meters, nil
}

func (f *fakeClient) FetchDay(ctx context.Context, meterPointID int64, code string, day time.Time) (types.HourlyVector, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches = append(f.fetches, day)
	key := day.Format(dateFormat)
	if q := f.results[key]; len(q) > 0 {
		f.results[key] = q[1:]
		return q[0].vec, q[0].err
	}
	return f.defaultVec, nil
}

func (f *fakeClient) DayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func (f *fakeClient) Location() *time.Location { return time.UTC }

func fptr(v float64) *float64 { return &v }

// flatVec returns a day where the first n hours read v each.
func flatVec(n int, v float64) types.HourlyVector {
	vec := make(types.HourlyVector, types.HoursPerDay)
	for i := 0; i < n; i++ {
		vec[i] = fptr(v)
	}
	return vec
}

func singleImportMeter() []types.MeterChannels {
	return []types.MeterChannels{{
		MeterPoint: types.MeterPoint{ID: 7, PPE: "PL003700001"},
		Channels: []types.Channel{
			{MeterPointID: 7, Direction: types.DirectionImport, Code: "1-0:1.8.0*255"},
		},
	}}
}

func waitDone(t *testing.T, e *Engine, id string) types.RunStatus {
	t.Helper()
	require.Eventually(t, func() bool {
		st, ok := e.Run(id)
		return ok && st.State == types.RunStateDone
	}, 5*time.Second, 5*time.Millisecond)
	st, _ := e.Run(id)
	return st
}

func TestBuildDayPoints(t *testing.T) {
	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	vec := make(types.HourlyVector, types.HoursPerDay)
	vec[0] = fptr(1.5)
	vec[1] = nil
	vec[2] = fptr(-2) // provider glitch, excluded
	vec[3] = fptr(0.5)

	points := buildDayPoints(day, vec, 100)
	require.Len(t, points, 3, "anchor plus one point per readable hour")

	anchor := points[0]
	assert.Equal(t, day.Add(time.Second), anchor.Start, "anchor must not collide with an hour bucket")
	assert.Zero(t, anchor.State)
	assert.Equal(t, 100.0, anchor.Sum)

	assert.Equal(t, day.Add(time.Hour), points[1].Start)
	assert.Equal(t, 1.5, points[1].State)
	assert.Equal(t, 101.5, points[1].Sum)

	assert.Equal(t, day.Add(4*time.Hour), points[2].Start)
	assert.Equal(t, 2.0, points[2].State)
	assert.Equal(t, 102.0, points[2].Sum)
}

func TestEngineStart(t *testing.T) {
	day := func(s string) time.Time {
		d, err := time.Parse(dateFormat, s)
		require.NoError(t, err)
		return d
	}
	now := day("2024-03-10").Add(15 * time.Hour)

	t.Run("Excludes Current And Future Days", func(t *testing.T) {
		client := &fakeClient{meters: singleImportMeter(), defaultVec: flatVec(24, 1)}
		e := New(client, nil, ledger.New(), time.Millisecond)
		e.now = func() time.Time { return now }

		statuses, err := e.Start(context.Background(), types.BackfillRequest{StartDate: "2024-03-08", Days: 5})
		require.NoError(t, err)
		require.Len(t, statuses, 1)
		assert.Equal(t, 2, statuses[0].Days, "only the 8th and 9th are completed days")

		st := waitDone(t, e, statuses[0].ID)
		assert.Equal(t, 2, st.DaysCompleted)
	})

	t.Run("Rejects Range With No Completed Days", func(t *testing.T) {
		client := &fakeClient{meters: singleImportMeter()}
		e := New(client, nil, ledger.New(), time.Millisecond)
		e.now = func() time.Time { return now }

		_, err := e.Start(context.Background(), types.BackfillRequest{StartDate: "2024-03-10", Days: 3})
		assert.Error(t, err)
	})

	t.Run("Rejects Bad Input", func(t *testing.T) {
		client := &fakeClient{meters: singleImportMeter()}
		e := New(client, nil, ledger.New(), time.Millisecond)
		e.now = func() time.Time { return now }

		_, err := e.Start(context.Background(), types.BackfillRequest{StartDate: "03/08/2024", Days: 2})
		assert.Error(t, err)
		_, err = e.Start(context.Background(), types.BackfillRequest{StartDate: "2024-03-08", Days: 0})
		assert.Error(t, err)
	})
}

func TestRunImport(t *testing.T) {
	key := types.ChannelKey{MeterPointID: 7, Direction: types.DirectionImport}
	now := time.Date(2024, 3, 10, 15, 0, 0, 0, time.UTC)

	start := func(t *testing.T, client *fakeClient, db storage.Database, req types.BackfillRequest) (*Engine, types.RunStatus) {
		t.Helper()
		e := New(client, db, ledger.New(), time.Millisecond)
		e.now = func() time.Time { return now }
		statuses, err := e.Start(context.Background(), req)
		require.NoError(t, err)
		require.Len(t, statuses, 1)
		return e, waitDone(t, e, statuses[0].ID)
	}

	t.Run("Carries Totals Across Days", func(t *testing.T) {
		client := &fakeClient{
			meters: singleImportMeter(),
			results: map[string][]fetchResult{
				"2024-03-08": {{vec: flatVec(24, 1)}}, // 24 kWh
				"2024-03-09": {{vec: flatVec(10, 1)}}, // 10 kWh
			},
		}
		db := &storagemock.MockDatabase{}
		db.On("GetLatestStatistic", mock.Anything, key).
			Return(types.StatisticPoint{Start: now.AddDate(0, 0, -30), Sum: 100}, nil)
		var upserts [][]types.StatisticPoint
		var upsertMu sync.Mutex
		db.On("UpsertStatistics", mock.Anything, key, mock.Anything, types.CurrentStatisticsVersion).
			Run(func(args mock.Arguments) {
				upsertMu.Lock()
				upserts = append(upserts, args.Get(2).([]types.StatisticPoint))
				upsertMu.Unlock()
			}).Return(nil)

		_, st := start(t, client, db, types.BackfillRequest{StartDate: "2024-03-08", Days: 2})
		assert.Equal(t, 2, st.DaysCompleted)
		assert.Zero(t, st.DaysFailed)

		upsertMu.Lock()
		defer upsertMu.Unlock()
		require.Len(t, upserts, 2)

		day1 := upserts[0]
		assert.Equal(t, 100.0, day1[0].Sum, "anchor carries the stored total")
		assert.Equal(t, 124.0, day1[len(day1)-1].Sum)

		day2 := upserts[1]
		assert.Equal(t, 124.0, day2[0].Sum, "second day carries the first day's total")
		assert.Equal(t, 134.0, day2[len(day2)-1].Sum)
	})

	t.Run("Sink Total Wins Over Register Seed", func(t *testing.T) {
		client := &fakeClient{
			meters:     singleImportMeter(),
			defaultVec: flatVec(10, 1),
		}
		db := &storagemock.MockDatabase{}
		db.On("GetLatestStatistic", mock.Anything, key).
			Return(types.StatisticPoint{Start: now.AddDate(0, 0, -30), Sum: 134}, nil)
		var upserts [][]types.StatisticPoint
		var upsertMu sync.Mutex
		db.On("UpsertStatistics", mock.Anything, key, mock.Anything, types.CurrentStatisticsVersion).
			Run(func(args mock.Arguments) {
				upsertMu.Lock()
				upserts = append(upserts, args.Get(2).([]types.StatisticPoint))
				upsertMu.Unlock()
			}).Return(nil)

		e := New(client, db, ledger.New(), time.Millisecond)
		e.now = func() time.Time { return now }
		// A live sync round already seeded the channel from the register.
		require.True(t, e.ledger.Handle(key).SeedIfEmpty(500))

		statuses, err := e.Start(context.Background(), types.BackfillRequest{StartDate: "2024-03-09", Days: 1})
		require.NoError(t, err)
		st := waitDone(t, e, statuses[0].ID)
		assert.Equal(t, 1, st.DaysCompleted)

		upsertMu.Lock()
		defer upsertMu.Unlock()
		require.Len(t, upserts, 1)
		day := upserts[0]
		assert.Equal(t, 134.0, day[0].Sum, "anchor must carry the sink's last Sum, not the register seed")
		assert.Equal(t, 144.0, day[len(day)-1].Sum)
	})

	t.Run("Register Seed Survives Empty Sink", func(t *testing.T) {
		client := &fakeClient{
			meters:     singleImportMeter(),
			defaultVec: flatVec(10, 1),
		}
		db := &storagemock.MockDatabase{}
		db.On("GetLatestStatistic", mock.Anything, key).
			Return(types.StatisticPoint{}, storage.ErrNotFound)
		var upserts [][]types.StatisticPoint
		var upsertMu sync.Mutex
		db.On("UpsertStatistics", mock.Anything, key, mock.Anything, types.CurrentStatisticsVersion).
			Run(func(args mock.Arguments) {
				upsertMu.Lock()
				upserts = append(upserts, args.Get(2).([]types.StatisticPoint))
				upsertMu.Unlock()
			}).Return(nil)

		e := New(client, db, ledger.New(), time.Millisecond)
		e.now = func() time.Time { return now }
		require.True(t, e.ledger.Handle(key).SeedIfEmpty(500))

		statuses, err := e.Start(context.Background(), types.BackfillRequest{StartDate: "2024-03-09", Days: 1})
		require.NoError(t, err)
		waitDone(t, e, statuses[0].ID)

		upsertMu.Lock()
		defer upsertMu.Unlock()
		require.Len(t, upserts, 1)
		assert.Equal(t, 500.0, upserts[0][0].Sum, "with no sink history the register seed carries forward")
	})

	t.Run("Failed Day Is Isolated", func(t *testing.T) {
		client := &fakeClient{
			meters:     singleImportMeter(),
			defaultVec: flatVec(24, 1),
			results: map[string][]fetchResult{
				"2024-03-08": {{err: &energa.ConnectionError{Err: context.DeadlineExceeded}}},
			},
		}
		db := &storagemock.MockDatabase{}
		db.On("GetLatestStatistic", mock.Anything, key).
			Return(types.StatisticPoint{}, storage.ErrNotFound)
		var upserts [][]types.StatisticPoint
		var upsertMu sync.Mutex
		db.On("UpsertStatistics", mock.Anything, key, mock.Anything, types.CurrentStatisticsVersion).
			Run(func(args mock.Arguments) {
				upsertMu.Lock()
				upserts = append(upserts, args.Get(2).([]types.StatisticPoint))
				upsertMu.Unlock()
			}).Return(nil)

		_, st := start(t, client, db, types.BackfillRequest{StartDate: "2024-03-07", Days: 3})
		assert.Equal(t, 2, st.DaysCompleted)
		assert.Equal(t, 1, st.DaysFailed)

		upsertMu.Lock()
		defer upsertMu.Unlock()
		require.Len(t, upserts, 2, "the failed middle day emits nothing")
		// The failed day contributes nothing to the carried total.
		assert.Equal(t, 24.0, upserts[1][0].Sum)
	})

	t.Run("Session Expiry Resumes The Same Day", func(t *testing.T) {
		client := &fakeClient{
			meters:     singleImportMeter(),
			defaultVec: flatVec(24, 1),
			results: map[string][]fetchResult{
				"2024-03-09": {{err: energa.ErrSessionExpired}},
			},
		}

		_, st := start(t, client, nil, types.BackfillRequest{StartDate: "2024-03-08", Days: 2})
		assert.Equal(t, 2, st.DaysCompleted)
		assert.Zero(t, st.DaysFailed)
		assert.Equal(t, 1, client.relogins)

		// Day 9 was fetched twice: once expired, once after re-login.
		var fetches9 int
		for _, d := range client.fetches {
			if d.Format(dateFormat) == "2024-03-09" {
				fetches9++
			}
		}
		assert.Equal(t, 2, fetches9)
	})

	t.Run("Credential Rejection Aborts The Run", func(t *testing.T) {
		client := &fakeClient{
			meters:     singleImportMeter(),
			reloginErr: &energa.AuthError{Message: "bad password"},
			results: map[string][]fetchResult{
				"2024-03-08": {{err: energa.ErrSessionExpired}},
			},
		}

		_, st := start(t, client, nil, types.BackfillRequest{StartDate: "2024-03-08", Days: 2})
		assert.Zero(t, st.DaysCompleted)
		assert.NotEmpty(t, st.Error)

		for _, d := range client.fetches {
			assert.NotEqual(t, "2024-03-09", d.Format(dateFormat), "no day after the abort should be fetched")
		}
	})

	t.Run("Stop Leaves Emitted Days Intact", func(t *testing.T) {
		client := &fakeClient{meters: singleImportMeter(), defaultVec: flatVec(24, 1)}
		e := New(client, nil, ledger.New(), 100*time.Millisecond)
		e.now = func() time.Time { return now }

		statuses, err := e.Start(context.Background(), types.BackfillRequest{StartDate: "2024-03-01", Days: 9})
		require.NoError(t, err)
		e.Stop()

		st := waitDone(t, e, statuses[0].ID)
		assert.NotEmpty(t, st.Error)
		assert.Less(t, st.DaysCompleted, 9, "stop must interrupt the run")
	})

	t.Run("Every Fetch Is Paced", func(t *testing.T) {
		client := &fakeClient{meters: singleImportMeter(), defaultVec: flatVec(24, 1)}
		e := New(client, nil, ledger.New(), 30*time.Millisecond)
		e.now = func() time.Time { return now }

		began := time.Now()
		statuses, err := e.Start(context.Background(), types.BackfillRequest{StartDate: "2024-03-08", Days: 2})
		require.NoError(t, err)
		waitDone(t, e, statuses[0].ID)

		assert.GreaterOrEqual(t, time.Since(began), 60*time.Millisecond,
			"two fetches must sleep the pace delay twice")
	})
}
