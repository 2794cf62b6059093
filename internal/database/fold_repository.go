package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/irfndi/kfold-ensemble-go/internal/models"
	"github.com/jackc/pgx/v5"
)

// FoldRepository persists fold assignments per refresh run so historical labels stay
// auditable after new quarters shift the live boundaries.
type FoldRepository struct {
	pool DatabasePool
}

// NewFoldRepository creates a new fold snapshot repository.
//
// Parameters:
//
//	pool: The database connection pool.
//
// Returns:
//
//	*FoldRepository: The initialized repository.
func NewFoldRepository(pool DatabasePool) *FoldRepository {
	return &FoldRepository{pool: pool}
}

// SaveSnapshot stores every date of the assignment under the snapshot's run id.
//
// Parameters:
//
//	ctx: Context.
//	snapshot: The fold snapshot to persist.
//
// Returns:
//
//	error: Error if the insert fails or the assignment is empty.
func (r *FoldRepository) SaveSnapshot(ctx context.Context, snapshot *models.FoldSnapshot) error {
	a := snapshot.Assignment
	if len(a.Dates) == 0 {
		return fmt.Errorf("refusing to save empty fold snapshot for run %s", snapshot.RunID)
	}

	query := `
		INSERT INTO fold_snapshots (run_id, fingerprint, fold_count, period_end_date, fold, percent_rank, computed_at)
		SELECT $1, $2, $3, d, f, r, $4
		FROM unnest($5::date[], $6::text[], $7::double precision[]) AS t(d, f, r)
	`

	dates := make([]time.Time, len(a.Dates))
	folds := make([]string, len(a.Dates))
	ranks := make([]float64, len(a.Dates))
	for i, df := range a.Dates {
		dates[i] = df.Date
		folds[i] = df.Fold.String()
		ranks[i] = df.PercentRank
	}

	tag, err := r.pool.Exec(ctx, query, snapshot.RunID, a.Fingerprint, a.FoldCount, a.ComputedAt, dates, folds, ranks)
	if err != nil {
		return fmt.Errorf("failed to save fold snapshot: %w", err)
	}
	if tag.RowsAffected() != int64(len(a.Dates)) {
		return fmt.Errorf("fold snapshot for run %s stored %d of %d dates", snapshot.RunID, tag.RowsAffected(), len(a.Dates))
	}
	return nil
}

// LoadSnapshot returns the fold snapshot persisted for runID.
//
// Parameters:
//
//	ctx: Context.
//	runID: Refresh run identifier.
//
// Returns:
//
//	*models.FoldSnapshot: The snapshot, dates most recent first.
//	error: ErrNotFound when the run has no snapshot.
func (r *FoldRepository) LoadSnapshot(ctx context.Context, runID uuid.UUID) (*models.FoldSnapshot, error) {
	query := `
		SELECT fingerprint, fold_count, period_end_date, fold, percent_rank, computed_at, created_at
		FROM fold_snapshots
		WHERE run_id = $1
		ORDER BY period_end_date DESC
	`

	rows, err := r.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query fold snapshot: %w", err)
	}
	defer rows.Close()

	snapshot := &models.FoldSnapshot{RunID: runID}
	for rows.Next() {
		var (
			df    models.DateFold
			label string
		)
		if err := rows.Scan(
			&snapshot.Assignment.Fingerprint,
			&snapshot.Assignment.FoldCount,
			&df.Date,
			&label,
			&df.PercentRank,
			&snapshot.Assignment.ComputedAt,
			&snapshot.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan fold snapshot row: %w", err)
		}
		fold, err := models.ParseFold(label)
		if err != nil {
			return nil, fmt.Errorf("corrupt fold label in run %s: %w", runID, err)
		}
		df.Fold = fold
		df.Date = models.NormalizePeriodEnd(df.Date)
		snapshot.Assignment.Dates = append(snapshot.Assignment.Dates, df)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating fold snapshot: %w", err)
	}
	if len(snapshot.Assignment.Dates) == 0 {
		return nil, fmt.Errorf("fold snapshot for run %s: %w", runID, ErrNotFound)
	}
	return snapshot, nil
}

// LatestSnapshot returns the most recently created fold snapshot.
func (r *FoldRepository) LatestSnapshot(ctx context.Context) (*models.FoldSnapshot, error) {
	query := `
		SELECT run_id::text
		FROM fold_snapshots
		ORDER BY created_at DESC
		LIMIT 1
	`

	var raw string
	if err := r.pool.QueryRow(ctx, query).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("latest fold snapshot: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query latest fold snapshot: %w", err)
	}
	runID, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid run id %q: %w", raw, err)
	}
	return r.LoadSnapshot(ctx, runID)
}
