package services

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/irfndi/kfold-ensemble-go/internal/models"
	"github.com/shopspring/decimal"
)

// SelectionConfig controls the dual-model screen.
type SelectionConfig struct {
	TopN                      int
	MaxUnderperformPercentile float64
	MinMarketCap              decimal.Decimal
}

// Selector ranks companies by investment-grade ensemble score after removing
// those the underperform ensemble flags and micro-caps.
type Selector struct {
	config SelectionConfig
}

// NewSelector validates the screen parameters.
func NewSelector(config SelectionConfig) (*Selector, error) {
	if config.TopN <= 0 {
		return nil, fmt.Errorf("top n must be positive, got %d", config.TopN)
	}
	if config.MaxUnderperformPercentile <= 0 || config.MaxUnderperformPercentile > 1 {
		return nil, fmt.Errorf("max underperform percentile must be in (0, 1], got %v", config.MaxUnderperformPercentile)
	}
	if config.MinMarketCap.IsNegative() {
		return nil, fmt.Errorf("min market cap must not be negative")
	}
	return &Selector{config: config}, nil
}

// Select builds the ranked recommendation list for one run.
// Companies need both ensemble scores to be considered. When a market-cap floor is set,
// companies without a financial snapshot are skipped.
func (s *Selector) Select(
	runID uuid.UUID,
	investment []models.EnsembleScore,
	underperform []models.EnsembleScore,
	snapshots map[string]models.FinancialSnapshot,
) []models.Recommendation {
	values := make([]float64, len(underperform))
	for i, u := range underperform {
		values[i] = u.Score
	}
	ranks := percentRanks(values)

	type risk struct {
		score      float64
		percentile float64
	}
	risks := make(map[string]risk, len(underperform))
	for i, u := range underperform {
		risks[u.CompanyID] = risk{score: u.Score, percentile: ranks[i]}
	}

	checkCap := s.config.MinMarketCap.IsPositive()
	candidates := make([]models.Recommendation, 0, len(investment))
	for _, inv := range investment {
		r, ok := risks[inv.CompanyID]
		if !ok || r.percentile >= s.config.MaxUnderperformPercentile {
			continue
		}
		snap, hasSnap := snapshots[inv.CompanyID]
		if checkCap && (!hasSnap || snap.MarketCap.LessThan(s.config.MinMarketCap)) {
			continue
		}
		candidates = append(candidates, models.Recommendation{
			RunID:                  runID,
			CompanyID:              inv.CompanyID,
			Symbol:                 snap.Symbol,
			PeriodEndDate:          inv.PeriodEndDate,
			InvestmentGradeScore:   inv.Score,
			UnderperformScore:      r.score,
			UnderperformPercentile: r.percentile,
			MarketCap:              snap.MarketCap,
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].InvestmentGradeScore != candidates[j].InvestmentGradeScore {
			return candidates[i].InvestmentGradeScore > candidates[j].InvestmentGradeScore
		}
		return candidates[i].CompanyID < candidates[j].CompanyID
	})

	if len(candidates) > s.config.TopN {
		candidates = candidates[:s.config.TopN]
	}
	for i := range candidates {
		candidates[i].Rank = i + 1
	}
	return candidates
}
