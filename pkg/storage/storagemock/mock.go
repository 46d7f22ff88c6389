package storagemock

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/gkmanev/BatteryBackend/pkg/storage"
	"github.com/gkmanev/BatteryBackend/pkg/types"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) UpsertPrices(ctx context.Context, prices []types.PricePoint) error {
	args := m.Called(ctx, prices)
	return args.Error(0)
}

func (m *MockDatabase) GetPrices(ctx context.Context, start, end time.Time) ([]types.PricePoint, error) {
	args := m.Called(ctx, start, end)
	if v, ok := args.Get(0).([]types.PricePoint); ok {
		return v, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDatabase) ReplaceSchedule(ctx context.Context, devID string, start, end time.Time, entries []types.ScheduleEntry) error {
	args := m.Called(ctx, devID, start, end, entries)
	return args.Error(0)
}

func (m *MockDatabase) UpsertScheduleEntries(ctx context.Context, entries []types.ScheduleEntry) error {
	args := m.Called(ctx, entries)
	return args.Error(0)
}

func (m *MockDatabase) GetSchedule(ctx context.Context, devID string, start, end time.Time) ([]types.ScheduleEntry, error) {
	args := m.Called(ctx, devID, start, end)
	if v, ok := args.Get(0).([]types.ScheduleEntry); ok {
		return v, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDatabase) UpsertLiveStatus(ctx context.Context, entries []types.LiveStatusEntry) error {
	args := m.Called(ctx, entries)
	return args.Error(0)
}

func (m *MockDatabase) GetLiveStatus(ctx context.Context, devID string, start, end time.Time) ([]types.LiveStatusEntry, error) {
	args := m.Called(ctx, devID, start, end)
	if v, ok := args.Get(0).([]types.LiveStatusEntry); ok {
		return v, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDatabase) InsertRevenueSeries(ctx context.Context, series types.RevenueSeries) error {
	args := m.Called(ctx, series)
	return args.Error(0)
}

func (m *MockDatabase) GetLatestRevenueSeries(ctx context.Context, devID string) (types.RevenueSeries, error) {
	args := m.Called(ctx, devID)
	if v, ok := args.Get(0).(types.RevenueSeries); ok {
		return v, args.Error(1)
	}
	return types.RevenueSeries{}, args.Error(1)
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
