package services

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/irfndi/kfold-ensemble-go/internal/cache"
	"github.com/irfndi/kfold-ensemble-go/internal/database"
	"github.com/irfndi/kfold-ensemble-go/internal/logging"
	"github.com/irfndi/kfold-ensemble-go/internal/models"
	"github.com/irfndi/kfold-ensemble-go/internal/utils"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type refreshFixture struct {
	periods *MockPeriodStore
	folds   *MockFoldSnapshotStore
	scores  *MockScoreStore
	runs    *MockRunStore
	cache   *cache.InMemoryFoldCache
	service *RefreshService
	runID   uuid.UUID
}

func newRefreshFixture(t *testing.T) *refreshFixture {
	t.Helper()
	f := &refreshFixture{
		periods: &MockPeriodStore{},
		folds:   &MockFoldSnapshotStore{},
		scores:  &MockScoreStore{},
		runs:    &MockRunStore{},
		cache:   cache.NewInMemoryFoldCache(time.Hour),
		runID:   uuid.MustParse("0b7e2a4c-1f6d-4c7a-8d8b-5a1e2f3c4d5e"),
	}

	svc, err := NewRefreshService(RefreshConfig{
		FoldCount:    models.DefaultFoldCount,
		Policy:       DefaultExclusionPolicy(),
		PurgePeriods: 0,
		Selection: SelectionConfig{
			TopN:                      5,
			MaxUnderperformPercentile: 0.5,
			MinMarketCap:              decimal.NewFromInt(300_000_000),
		},
	}, f.periods, f.folds, f.scores, f.runs, f.cache, logging.NewNopLogger())
	require.NoError(t, err)

	fixed := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return fixed }
	svc.assigner.now = svc.now
	svc.newRunID = func() uuid.UUID { return f.runID }
	f.service = svc
	return f
}

func memberSet(company string, period time.Time, kind models.ModelKind, scores ...float64) []models.MemberScore {
	out := make([]models.MemberScore, len(scores))
	for i, s := range scores {
		out[i] = models.MemberScore{CompanyID: company, PeriodEndDate: period, Kind: kind, HeldOut: models.Fold(i + 1), Score: s}
	}
	return out
}

func TestNewRefreshService_InvalidConfig(t *testing.T) {
	valid := RefreshConfig{
		FoldCount: 6,
		Policy:    DefaultExclusionPolicy(),
		Selection: SelectionConfig{TopN: 1, MaxUnderperformPercentile: 0.5},
	}
	_, err := NewRefreshService(valid, nil, nil, nil, nil, nil, logging.NewNopLogger())
	require.NoError(t, err)

	bad := valid
	bad.FoldCount = 1
	_, err = NewRefreshService(bad, nil, nil, nil, nil, nil, logging.NewNopLogger())
	assert.Error(t, err)

	bad = valid
	bad.Policy = ExclusionPolicy{Excluded: []models.Fold{1, 2, 3, 4, 5}, MinMembers: 2}
	_, err = NewRefreshService(bad, nil, nil, nil, nil, nil, logging.NewNopLogger())
	assert.Error(t, err)

	bad = valid
	bad.PurgePeriods = -1
	_, err = NewRefreshService(bad, nil, nil, nil, nil, nil, logging.NewNopLogger())
	assert.Error(t, err)

	bad = valid
	bad.Selection.TopN = 0
	_, err = NewRefreshService(bad, nil, nil, nil, nil, nil, logging.NewNopLogger())
	assert.Error(t, err)
}

func TestRefreshService_Refresh(t *testing.T) {
	f := newRefreshFixture(t)
	ctx := context.Background()

	dates := quarterEnds(13)
	latest := dates[len(dates)-1]

	previous, err := f.service.Assigner().Assign(dates[:12])
	require.NoError(t, err)

	f.periods.On("DistinctPeriodEndDates", mock.Anything).Return(dates, nil)
	f.folds.On("LatestSnapshot", mock.Anything).Return(&models.FoldSnapshot{RunID: uuid.New(), Assignment: *previous}, nil)

	var investment, underperform []models.MemberScore
	investment = append(investment, memberSet("alpha", latest, models.ModelKindInvestmentGrade, 0.99, 0.8, 0.8, 0.8, 0.8, 0.8)...)
	investment = append(investment, memberSet("beta", latest, models.ModelKindInvestmentGrade, 0.1, 0.6, 0.6)...)
	investment = append(investment, memberSet("gamma", latest, models.ModelKindInvestmentGrade, 0.5, 0.9)...)
	underperform = append(underperform, memberSet("alpha", latest, models.ModelKindUnderperform, 0.9, 0.1, 0.1)...)
	underperform = append(underperform, memberSet("beta", latest, models.ModelKindUnderperform, 0.0, 0.7, 0.7)...)

	f.scores.On("MemberScores", mock.Anything, latest, models.ModelKindInvestmentGrade).Return(investment, nil)
	f.scores.On("MemberScores", mock.Anything, latest, models.ModelKindUnderperform).Return(underperform, nil)
	f.periods.On("SnapshotsForPeriod", mock.Anything, latest).Return([]models.FinancialSnapshot{
		{CompanyID: "alpha", Symbol: "ALP", PeriodEndDate: latest, MarketCap: decimal.NewFromInt(2_000_000_000)},
		{CompanyID: "beta", Symbol: "BET", PeriodEndDate: latest, MarketCap: decimal.NewFromInt(500_000_000)},
	}, nil)
	f.runs.On("SaveRun", mock.Anything,
		mock.MatchedBy(func(s *models.FoldSnapshot) bool {
			return s.RunID == f.runID && len(s.Assignment.Dates) == 13
		}),
		mock.MatchedBy(func(scores []models.EnsembleScore) bool { return len(scores) == 4 }),
		mock.MatchedBy(func(recs []models.Recommendation) bool { return len(recs) == 1 }),
	).Return(nil)

	result, err := f.service.Refresh(ctx)
	require.NoError(t, err)

	assert.Equal(t, f.runID, result.RunID)
	assert.Equal(t, latest, result.Period)
	assert.NotEmpty(t, result.Shifts)
	require.Len(t, result.Plan, 6)
	assert.True(t, result.Plan[0].Excluded)

	require.Len(t, result.Summaries, 2)
	assert.Equal(t, models.ModelKindInvestmentGrade, result.Summaries[0].Kind)
	assert.Equal(t, 2, result.Summaries[0].Combined)
	assert.Equal(t, 1, result.Summaries[0].Degenerate)
	assert.InDelta(t, 0.7, result.Summaries[0].MeanScore, 1e-12)

	require.Len(t, result.Failures, 1)
	assert.Equal(t, "gamma", result.Failures[0].CompanyID)

	// alpha has the lowest risk and passes; beta sits at the 100th risk percentile.
	require.Len(t, result.Recommendations, 1)
	assert.Equal(t, "alpha", result.Recommendations[0].CompanyID)
	assert.Equal(t, "ALP", result.Recommendations[0].Symbol)
	assert.InDelta(t, 0.8, result.Recommendations[0].InvestmentGradeScore, 1e-12)

	cached, ok := f.cache.Latest(ctx)
	require.True(t, ok)
	assert.Equal(t, result.Assignment.Fingerprint, cached.Fingerprint)

	f.periods.AssertExpectations(t)
	f.folds.AssertExpectations(t)
	f.scores.AssertExpectations(t)
	f.runs.AssertExpectations(t)
}

func TestRefreshService_FirstRunHasNoShifts(t *testing.T) {
	f := newRefreshFixture(t)
	dates := quarterEnds(6)
	latest := dates[5]

	f.periods.On("DistinctPeriodEndDates", mock.Anything).Return(dates, nil)
	f.folds.On("LatestSnapshot", mock.Anything).Return(nil, database.ErrNotFound)
	f.scores.On("MemberScores", mock.Anything, latest, mock.Anything).Return([]models.MemberScore{}, nil)
	f.periods.On("SnapshotsForPeriod", mock.Anything, latest).Return([]models.FinancialSnapshot{}, nil)
	f.runs.On("SaveRun", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	result, err := f.service.Refresh(context.Background())
	require.NoError(t, err)
	assert.Empty(t, result.Shifts)
	assert.Empty(t, result.Recommendations)
	assert.Empty(t, result.Failures)
}

func TestRefreshService_EmptyDates(t *testing.T) {
	f := newRefreshFixture(t)
	f.periods.On("DistinctPeriodEndDates", mock.Anything).Return([]time.Time{}, nil)

	_, err := f.service.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrEmptyDateSet)
	f.runs.AssertNotCalled(t, "SaveRun", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRefreshService_StoreErrors(t *testing.T) {
	f := newRefreshFixture(t)
	f.periods.On("DistinctPeriodEndDates", mock.Anything).Return(quarterEnds(6), nil)
	f.folds.On("LatestSnapshot", mock.Anything).Return(nil, errors.New("db down"))

	_, err := f.service.Refresh(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "previous fold snapshot")
}

func TestRefreshService_RejectsOverlappingRuns(t *testing.T) {
	f := newRefreshFixture(t)
	f.service.running.Lock()
	defer f.service.running.Unlock()

	_, err := f.service.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrRefreshInProgress)
}

func TestRefreshService_CurrentAssignmentUsesCache(t *testing.T) {
	f := newRefreshFixture(t)
	ctx := context.Background()
	f.periods.On("DistinctPeriodEndDates", mock.Anything).Return(quarterEnds(8), nil)

	first, err := f.service.CurrentAssignment(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), f.cache.Stats().Sets)

	second, err := f.service.CurrentAssignment(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), f.cache.Stats().Hits)
	assert.Equal(t, int64(1), f.cache.Stats().Sets)
}

func TestRefreshService_PlanUsesConfiguredPurge(t *testing.T) {
	f := newRefreshFixture(t)
	f.service.purge = 1
	f.periods.On("DistinctPeriodEndDates", mock.Anything).Return(quarterEnds(12), nil)

	plan, err := f.service.Plan(context.Background(), -1)
	require.NoError(t, err)
	assert.Len(t, plan[0].PurgedDates, 1)

	plan, err = f.service.Plan(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, plan[0].PurgedDates)
}

func TestRefreshService_StartStop(t *testing.T) {
	f := newRefreshFixture(t)
	called := make(chan struct{}, 1)
	f.periods.On("DistinctPeriodEndDates", mock.Anything).
		Run(func(mock.Arguments) {
			select {
			case called <- struct{}{}:
			default:
			}
		}).
		Return(nil, errors.New("not ready"))

	f.service.Start(time.Hour, true)
	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("refresh did not run on start")
	}
	f.service.Stop()
}

func TestRefreshService_SchedulerSkipsWhileBreakerOpen(t *testing.T) {
	f := newRefreshFixture(t)
	f.service.breaker = NewCircuitBreaker("refresh_store", CircuitBreakerConfig{
		FailureThreshold: 1,
		Timeout:          time.Hour,
		IsFailure:        isStoreFailure,
	}, nil)
	f.periods.On("DistinctPeriodEndDates", mock.Anything).Return(nil, errors.New("db down"))

	f.service.Start(10*time.Millisecond, true)
	assert.Eventually(t, func() bool {
		return f.service.breaker.Stats().RejectedRequests >= 2
	}, 2*time.Second, 10*time.Millisecond)
	f.service.Stop()

	assert.Equal(t, Open, f.service.BreakerState())
	f.periods.AssertNumberOfCalls(t, "DistinctPeriodEndDates", 1)
}

func TestIsStoreFailure(t *testing.T) {
	assert.True(t, isStoreFailure(errors.New("db down")))
	assert.False(t, isStoreFailure(ErrEmptyDateSet))
	assert.False(t, isStoreFailure(ErrRefreshInProgress))
	assert.False(t, isStoreFailure(context.Canceled))
}

func TestRefreshService_SaveRunFailureLeavesCacheUntouched(t *testing.T) {
	f := newRefreshFixture(t)
	dates := quarterEnds(6)
	latest := dates[5]

	f.periods.On("DistinctPeriodEndDates", mock.Anything).Return(dates, nil)
	f.folds.On("LatestSnapshot", mock.Anything).Return(nil, database.ErrNotFound)
	f.scores.On("MemberScores", mock.Anything, latest, mock.Anything).Return([]models.MemberScore{}, nil)
	f.periods.On("SnapshotsForPeriod", mock.Anything, latest).Return([]models.FinancialSnapshot{}, nil)
	f.runs.On("SaveRun", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("conn reset"))

	_, err := f.service.Refresh(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to save run")
	assert.Contains(t, err.Error(), "conn reset")

	_, ok := f.cache.Latest(context.Background())
	assert.False(t, ok)
	assert.Equal(t, int64(0), f.cache.Stats().Sets)
}

func TestRefreshService_ManualRefreshRejectedWhileBreakerOpen(t *testing.T) {
	f := newRefreshFixture(t)
	f.service.breaker = NewCircuitBreaker("refresh_store", CircuitBreakerConfig{
		FailureThreshold: 1,
		Timeout:          time.Hour,
		IsFailure:        isStoreFailure,
	}, nil)
	f.periods.On("DistinctPeriodEndDates", mock.Anything).Return(nil, errors.New("db down")).Once()

	_, err := f.service.Refresh(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
	assert.Equal(t, Open, f.service.BreakerState())

	_, err = f.service.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrCircuitOpen)
	f.periods.AssertNumberOfCalls(t, "DistinctPeriodEndDates", 1)
}

func TestRefreshService_CurrentAssignmentFallsBackToCache(t *testing.T) {
	f := newRefreshFixture(t)
	ctx := context.Background()
	f.periods.On("DistinctPeriodEndDates", mock.Anything).Return(quarterEnds(8), nil).Once()
	f.periods.On("DistinctPeriodEndDates", mock.Anything).Return(nil, errors.New("db down"))

	fresh, err := f.service.CurrentAssignment(ctx)
	require.NoError(t, err)

	stale, err := f.service.CurrentAssignment(ctx)
	require.NoError(t, err)
	assert.Equal(t, fresh.Fingerprint, stale.Fingerprint)
	assert.Equal(t, int64(1), f.service.CacheStats().Sets)
}

func TestRefreshService_CurrentAssignmentStoreDownColdCache(t *testing.T) {
	f := newRefreshFixture(t)
	f.periods.On("DistinctPeriodEndDates", mock.Anything).Return(nil, errors.New("db down"))

	_, err := f.service.CurrentAssignment(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load period-end dates")
}

func TestRefreshService_IngestMemberScores(t *testing.T) {
	f := newRefreshFixture(t)
	period := quarterEnds(1)[0]
	valid := memberSet("alpha", period, models.ModelKindInvestmentGrade, 0.1, 0.2)

	f.scores.On("SaveMemberScores", mock.Anything, valid).Return(int64(2), nil)
	n, err := f.service.IngestMemberScores(context.Background(), valid)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	invalid := []struct {
		name   string
		mutate func(*models.MemberScore)
	}{
		{"missing company", func(m *models.MemberScore) { m.CompanyID = "" }},
		{"missing period", func(m *models.MemberScore) { m.PeriodEndDate = time.Time{} }},
		{"fold beyond scheme", func(m *models.MemberScore) { m.HeldOut = 7 }},
		{"unknown kind", func(m *models.MemberScore) { m.Kind = "momentum" }},
		{"nan score", func(m *models.MemberScore) { m.Score = math.NaN() }},
	}
	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			scores := memberSet("alpha", period, models.ModelKindInvestmentGrade, 0.1)
			tt.mutate(&scores[0])
			_, err := f.service.IngestMemberScores(context.Background(), scores)
			require.Error(t, err)
			assert.True(t, utils.IsValidationError(err))
		})
	}

	_, err = f.service.IngestMemberScores(context.Background(), nil)
	assert.True(t, utils.IsValidationError(err))
	f.scores.AssertNumberOfCalls(t, "SaveMemberScores", 1)
}

func TestRefreshService_IngestSnapshots(t *testing.T) {
	f := newRefreshFixture(t)
	period := quarterEnds(1)[0]
	snaps := []models.FinancialSnapshot{
		{CompanyID: "alpha", Symbol: "ALP", PeriodEndDate: period, MarketCap: decimal.NewFromInt(1_000_000)},
	}

	f.periods.On("SaveSnapshots", mock.Anything, snaps).Return(int64(1), nil)
	n, err := f.service.IngestSnapshots(context.Background(), snaps)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	negative := []models.FinancialSnapshot{{CompanyID: "beta", PeriodEndDate: period, MarketCap: decimal.NewFromInt(-1)}}
	_, err = f.service.IngestSnapshots(context.Background(), negative)
	assert.True(t, utils.IsValidationError(err))

	_, err = f.service.IngestSnapshots(context.Background(), []models.FinancialSnapshot{{CompanyID: "gamma"}})
	assert.True(t, utils.IsValidationError(err))

	f.periods.On("SaveSnapshots", mock.Anything, mock.Anything).Return(int64(0), errors.New("db down"))
	_, err = f.service.IngestSnapshots(context.Background(), []models.FinancialSnapshot{
		{CompanyID: "delta", PeriodEndDate: period},
	})
	require.Error(t, err)
	assert.False(t, utils.IsValidationError(err))
}
