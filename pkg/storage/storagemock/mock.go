package storagemock

import (
	"context"
	"time"

	"github.com/prabucki/energa-sync/pkg/storage"
	"github.com/prabucki/energa-sync/pkg/types"
	"github.com/stretchr/testify/mock"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) UpsertStatistics(ctx context.Context, key types.ChannelKey, points []types.StatisticPoint, version int) error {
	args := m.Called(ctx, key, points, version)
	return args.Error(0)
}

func (m *MockDatabase) GetLatestStatistic(ctx context.Context, key types.ChannelKey) (types.StatisticPoint, error) {
	args := m.Called(ctx, key)
	if len(args) > 0 {
		return args.Get(0).(types.StatisticPoint), args.Error(1)
	}
	return types.StatisticPoint{}, nil
}

func (m *MockDatabase) GetStatistics(ctx context.Context, key types.ChannelKey, start, end time.Time) ([]types.StatisticPoint, error) {
	args := m.Called(ctx, key, start, end)
	if len(args) > 0 {
		return args.Get(0).([]types.StatisticPoint), args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) UpsertSnapshot(ctx context.Context, snap types.Snapshot) error {
	args := m.Called(ctx, snap)
	return args.Error(0)
}

func (m *MockDatabase) GetLatestSnapshot(ctx context.Context) (types.Snapshot, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		return args.Get(0).(types.Snapshot), args.Error(1)
	}
	return types.Snapshot{}, nil
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
