package database

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a lookup matches no rows.
var ErrNotFound = errors.New("not found")

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS financial_snapshots (
		company_id      TEXT NOT NULL,
		symbol          TEXT NOT NULL,
		industry        TEXT NOT NULL DEFAULT '',
		period_end_date DATE NOT NULL,
		revenue         NUMERIC NOT NULL DEFAULT 0,
		net_income      NUMERIC NOT NULL DEFAULT 0,
		total_assets    NUMERIC NOT NULL DEFAULT 0,
		total_equity    NUMERIC NOT NULL DEFAULT 0,
		market_cap      NUMERIC NOT NULL DEFAULT 0,
		PRIMARY KEY (company_id, period_end_date)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_financial_snapshots_period ON financial_snapshots (period_end_date)`,
	`CREATE TABLE IF NOT EXISTS fold_snapshots (
		run_id          UUID NOT NULL,
		fingerprint     TEXT NOT NULL,
		fold_count      INTEGER NOT NULL,
		period_end_date DATE NOT NULL,
		fold            TEXT NOT NULL,
		percent_rank    DOUBLE PRECISION NOT NULL,
		computed_at     TIMESTAMPTZ NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (run_id, period_end_date)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_fold_snapshots_created ON fold_snapshots (created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS member_scores (
		company_id      TEXT NOT NULL,
		period_end_date DATE NOT NULL,
		model_kind      TEXT NOT NULL,
		held_out_fold   TEXT NOT NULL,
		score           DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (company_id, period_end_date, model_kind, held_out_fold)
	)`,
	`CREATE TABLE IF NOT EXISTS ensemble_scores (
		run_id           UUID NOT NULL,
		company_id       TEXT NOT NULL,
		period_end_date  DATE NOT NULL,
		model_kind       TEXT NOT NULL,
		score            DOUBLE PRECISION NOT NULL,
		members_used     TEXT[] NOT NULL,
		members_excluded TEXT[] NOT NULL,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (run_id, company_id, period_end_date, model_kind)
	)`,
	`CREATE TABLE IF NOT EXISTS recommendations (
		run_id                  UUID NOT NULL,
		rank                    INTEGER NOT NULL,
		company_id              TEXT NOT NULL,
		symbol                  TEXT NOT NULL,
		period_end_date         DATE NOT NULL,
		investment_grade_score  DOUBLE PRECISION NOT NULL,
		underperform_score      DOUBLE PRECISION NOT NULL,
		underperform_percentile DOUBLE PRECISION NOT NULL,
		market_cap              NUMERIC NOT NULL,
		PRIMARY KEY (run_id, rank)
	)`,
}

// EnsureSchema creates the service tables when they do not exist.
func EnsureSchema(ctx context.Context, pool DatabasePool) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
