package services

import (
	"testing"

	"github.com/google/uuid"
	"github.com/irfndi/kfold-ensemble-go/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ensemble(kind models.ModelKind, scores map[string]float64) []models.EnsembleScore {
	out := make([]models.EnsembleScore, 0, len(scores))
	for company, s := range scores {
		out = append(out, models.EnsembleScore{
			CompanyID:     company,
			PeriodEndDate: mustDate("2024-03-31"),
			Kind:          kind,
			Score:         s,
		})
	}
	return out
}

func snapshotsWithCap(caps map[string]int64) map[string]models.FinancialSnapshot {
	out := make(map[string]models.FinancialSnapshot, len(caps))
	for company, c := range caps {
		out[company] = models.FinancialSnapshot{
			CompanyID: company,
			Symbol:    "SYM-" + company,
			MarketCap: decimal.NewFromInt(c),
		}
	}
	return out
}

func TestNewSelector_Validation(t *testing.T) {
	_, err := NewSelector(SelectionConfig{TopN: 0, MaxUnderperformPercentile: 0.5})
	assert.Error(t, err)
	_, err = NewSelector(SelectionConfig{TopN: 5, MaxUnderperformPercentile: 0})
	assert.Error(t, err)
	_, err = NewSelector(SelectionConfig{TopN: 5, MaxUnderperformPercentile: 1.5})
	assert.Error(t, err)
	_, err = NewSelector(SelectionConfig{TopN: 5, MaxUnderperformPercentile: 0.5, MinMarketCap: decimal.NewFromInt(-1)})
	assert.Error(t, err)
}

func TestSelector_DualModelScreen(t *testing.T) {
	s, err := NewSelector(SelectionConfig{
		TopN:                      2,
		MaxUnderperformPercentile: 0.5,
		MinMarketCap:              decimal.NewFromInt(300_000_000),
	})
	require.NoError(t, err)

	runID := uuid.New()
	investment := ensemble(models.ModelKindInvestmentGrade, map[string]float64{
		"a": 0.9, "b": 0.8, "c": 0.7, "d": 0.6, "e": 0.95,
	})
	// percentiles: a 0, b 0.25, c 0.5, d 0.75, e 1
	underperform := ensemble(models.ModelKindUnderperform, map[string]float64{
		"a": 0.1, "b": 0.2, "c": 0.3, "d": 0.4, "e": 0.5,
	})
	snaps := snapshotsWithCap(map[string]int64{
		"a": 500_000_000, "b": 1_000_000_000, "c": 2_000_000_000, "d": 100, "e": 900_000_000,
	})

	recs := s.Select(runID, investment, underperform, snaps)
	require.Len(t, recs, 2)
	assert.Equal(t, "a", recs[0].CompanyID)
	assert.Equal(t, 1, recs[0].Rank)
	assert.Equal(t, "SYM-a", recs[0].Symbol)
	assert.Equal(t, 0.0, recs[0].UnderperformPercentile)
	assert.Equal(t, "b", recs[1].CompanyID)
	assert.Equal(t, 2, recs[1].Rank)
	assert.InDelta(t, 0.25, recs[1].UnderperformPercentile, 1e-12)
	for _, r := range recs {
		assert.Equal(t, runID, r.RunID)
	}
}

func TestSelector_MarketCapFloor(t *testing.T) {
	s, err := NewSelector(SelectionConfig{TopN: 10, MaxUnderperformPercentile: 1, MinMarketCap: decimal.NewFromInt(1000)})
	require.NoError(t, err)

	investment := ensemble(models.ModelKindInvestmentGrade, map[string]float64{"small": 0.9, "big": 0.5, "unknown": 0.7})
	underperform := ensemble(models.ModelKindUnderperform, map[string]float64{"small": 0.1, "big": 0.2, "unknown": 0.3})
	snaps := snapshotsWithCap(map[string]int64{"small": 999, "big": 1000})

	recs := s.Select(uuid.New(), investment, underperform, snaps)
	// percentile 1 is not strictly below the threshold, so "unknown" would drop anyway
	require.Len(t, recs, 1)
	assert.Equal(t, "big", recs[0].CompanyID)
}

func TestSelector_NoFloorAcceptsMissingSnapshot(t *testing.T) {
	s, err := NewSelector(SelectionConfig{TopN: 10, MaxUnderperformPercentile: 0.9})
	require.NoError(t, err)

	recs := s.Select(uuid.New(),
		ensemble(models.ModelKindInvestmentGrade, map[string]float64{"x": 0.4, "y": 0.4}),
		ensemble(models.ModelKindUnderperform, map[string]float64{"x": 0.1, "y": 0.1}),
		nil)
	require.Len(t, recs, 2)
	assert.Equal(t, "x", recs[0].CompanyID, "ties break on company id")
	assert.Equal(t, 0.0, recs[1].UnderperformPercentile, "tied risk scores share the lowest rank")
}

func TestSelector_RequiresBothScores(t *testing.T) {
	s, err := NewSelector(SelectionConfig{TopN: 10, MaxUnderperformPercentile: 1})
	require.NoError(t, err)

	recs := s.Select(uuid.New(),
		ensemble(models.ModelKindInvestmentGrade, map[string]float64{"x": 0.4, "only-inv": 0.9}),
		ensemble(models.ModelKindUnderperform, map[string]float64{"x": 0.1, "only-risk": 0.0}),
		nil)
	require.Len(t, recs, 1)
	assert.Equal(t, "x", recs[0].CompanyID)
}
