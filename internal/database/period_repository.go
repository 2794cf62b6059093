package database

import (
	"context"
	"fmt"
	"time"

	"github.com/irfndi/kfold-ensemble-go/internal/models"
	"github.com/shopspring/decimal"
)

// PeriodRepository reads financial-statement snapshots keyed by period-end date.
type PeriodRepository struct {
	pool DatabasePool
}

// NewPeriodRepository creates a new period repository.
func NewPeriodRepository(pool DatabasePool) *PeriodRepository {
	return &PeriodRepository{pool: pool}
}

// DistinctPeriodEndDates returns every period-end date with at least one snapshot,
// most recent first.
func (r *PeriodRepository) DistinctPeriodEndDates(ctx context.Context) ([]time.Time, error) {
	query := `
		SELECT DISTINCT period_end_date
		FROM financial_snapshots
		ORDER BY period_end_date DESC
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query period-end dates: %w", err)
	}
	defer rows.Close()

	var dates []time.Time
	for rows.Next() {
		var d time.Time
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("failed to scan period-end date: %w", err)
		}
		dates = append(dates, models.NormalizePeriodEnd(d))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating period-end dates: %w", err)
	}
	return dates, nil
}

// SnapshotsForPeriod returns the snapshots of every company at one period-end date.
func (r *PeriodRepository) SnapshotsForPeriod(ctx context.Context, period time.Time) ([]models.FinancialSnapshot, error) {
	query := `
		SELECT company_id, symbol, industry, period_end_date,
			revenue::text, net_income::text, total_assets::text, total_equity::text, market_cap::text
		FROM financial_snapshots
		WHERE period_end_date = $1
		ORDER BY company_id
	`

	rows, err := r.pool.Query(ctx, query, models.NormalizePeriodEnd(period))
	if err != nil {
		return nil, fmt.Errorf("failed to query financial snapshots: %w", err)
	}
	defer rows.Close()

	var out []models.FinancialSnapshot
	for rows.Next() {
		var s models.FinancialSnapshot
		var revenue, netIncome, assets, equity, marketCap string
		if err := rows.Scan(&s.CompanyID, &s.Symbol, &s.Industry, &s.PeriodEndDate,
			&revenue, &netIncome, &assets, &equity, &marketCap); err != nil {
			return nil, fmt.Errorf("failed to scan financial snapshot: %w", err)
		}
		fields := []struct {
			raw string
			dst *decimal.Decimal
		}{
			{revenue, &s.Revenue},
			{netIncome, &s.NetIncome},
			{assets, &s.TotalAssets},
			{equity, &s.TotalEquity},
			{marketCap, &s.MarketCap},
		}
		for _, f := range fields {
			v, err := decimal.NewFromString(f.raw)
			if err != nil {
				return nil, fmt.Errorf("invalid numeric value %q for %s: %w", f.raw, s.CompanyID, err)
			}
			*f.dst = v
		}
		s.PeriodEndDate = models.NormalizePeriodEnd(s.PeriodEndDate)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating financial snapshots: %w", err)
	}
	return out, nil
}

// SaveSnapshots upserts financial snapshots.
func (r *PeriodRepository) SaveSnapshots(ctx context.Context, snapshots []models.FinancialSnapshot) (int64, error) {
	if len(snapshots) == 0 {
		return 0, nil
	}

	query := `
		INSERT INTO financial_snapshots (company_id, symbol, industry, period_end_date,
			revenue, net_income, total_assets, total_equity, market_cap)
		SELECT c, s, i, d, rev::numeric, ni::numeric, ta::numeric, te::numeric, mc::numeric
		FROM unnest($1::text[], $2::text[], $3::text[], $4::date[],
			$5::text[], $6::text[], $7::text[], $8::text[], $9::text[])
			AS t(c, s, i, d, rev, ni, ta, te, mc)
		ON CONFLICT (company_id, period_end_date) DO UPDATE SET
			symbol = EXCLUDED.symbol,
			industry = EXCLUDED.industry,
			revenue = EXCLUDED.revenue,
			net_income = EXCLUDED.net_income,
			total_assets = EXCLUDED.total_assets,
			total_equity = EXCLUDED.total_equity,
			market_cap = EXCLUDED.market_cap
	`

	n := len(snapshots)
	companies := make([]string, n)
	symbols := make([]string, n)
	industries := make([]string, n)
	dates := make([]time.Time, n)
	revenue := make([]string, n)
	netIncome := make([]string, n)
	assets := make([]string, n)
	equity := make([]string, n)
	marketCap := make([]string, n)
	for i, s := range snapshots {
		companies[i] = s.CompanyID
		symbols[i] = s.Symbol
		industries[i] = s.Industry
		dates[i] = models.NormalizePeriodEnd(s.PeriodEndDate)
		revenue[i] = s.Revenue.String()
		netIncome[i] = s.NetIncome.String()
		assets[i] = s.TotalAssets.String()
		equity[i] = s.TotalEquity.String()
		marketCap[i] = s.MarketCap.String()
	}

	tag, err := r.pool.Exec(ctx, query, companies, symbols, industries, dates,
		revenue, netIncome, assets, equity, marketCap)
	if err != nil {
		return 0, fmt.Errorf("failed to save financial snapshots: %w", err)
	}
	return tag.RowsAffected(), nil
}
