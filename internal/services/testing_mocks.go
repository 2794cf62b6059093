package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/irfndi/kfold-ensemble-go/internal/models"
	"github.com/stretchr/testify/mock"
)

// MockPeriodStore implements PeriodStore for testing within the services package
type MockPeriodStore struct {
	mock.Mock
}

func (m *MockPeriodStore) DistinctPeriodEndDates(ctx context.Context) ([]time.Time, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]time.Time), args.Error(1)
}

func (m *MockPeriodStore) SnapshotsForPeriod(ctx context.Context, period time.Time) ([]models.FinancialSnapshot, error) {
	args := m.Called(ctx, period)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.FinancialSnapshot), args.Error(1)
}

func (m *MockPeriodStore) SaveSnapshots(ctx context.Context, snapshots []models.FinancialSnapshot) (int64, error) {
	args := m.Called(ctx, snapshots)
	return args.Get(0).(int64), args.Error(1)
}

// MockFoldSnapshotStore implements FoldSnapshotStore for testing
type MockFoldSnapshotStore struct {
	mock.Mock
}

func (m *MockFoldSnapshotStore) LoadSnapshot(ctx context.Context, runID uuid.UUID) (*models.FoldSnapshot, error) {
	args := m.Called(ctx, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.FoldSnapshot), args.Error(1)
}

func (m *MockFoldSnapshotStore) LatestSnapshot(ctx context.Context) (*models.FoldSnapshot, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.FoldSnapshot), args.Error(1)
}

// MockScoreStore implements ScoreStore for testing
type MockScoreStore struct {
	mock.Mock
}

func (m *MockScoreStore) MemberScores(ctx context.Context, period time.Time, kind models.ModelKind) ([]models.MemberScore, error) {
	args := m.Called(ctx, period, kind)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.MemberScore), args.Error(1)
}

func (m *MockScoreStore) SaveMemberScores(ctx context.Context, scores []models.MemberScore) (int64, error) {
	args := m.Called(ctx, scores)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockScoreStore) EnsembleScores(ctx context.Context, period time.Time, kind models.ModelKind) ([]models.EnsembleScore, error) {
	args := m.Called(ctx, period, kind)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.EnsembleScore), args.Error(1)
}

func (m *MockScoreStore) Recommendations(ctx context.Context, runID uuid.UUID) ([]models.Recommendation, error) {
	args := m.Called(ctx, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Recommendation), args.Error(1)
}

// MockRunStore implements RunStore for testing
type MockRunStore struct {
	mock.Mock
}

func (m *MockRunStore) SaveRun(ctx context.Context, snapshot *models.FoldSnapshot, scores []models.EnsembleScore, recs []models.Recommendation) error {
	args := m.Called(ctx, snapshot, scores, recs)
	return args.Error(0)
}
