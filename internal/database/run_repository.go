package database

import (
	"context"
	"fmt"

	"github.com/irfndi/kfold-ensemble-go/internal/models"
)

// RunRepository writes everything a refresh run produces in one transaction, so a
// failed run leaves no fold snapshot or scores behind for readers to pick up.
type RunRepository struct {
	pool DatabasePool
}

// NewRunRepository creates a new refresh run repository.
func NewRunRepository(pool DatabasePool) *RunRepository {
	return &RunRepository{pool: pool}
}

// SaveRun stores the fold snapshot, ensemble scores and recommendations of one run.
func (r *RunRepository) SaveRun(
	ctx context.Context,
	snapshot *models.FoldSnapshot,
	scores []models.EnsembleScore,
	recs []models.Recommendation,
) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin run transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if err := NewFoldRepository(tx).SaveSnapshot(ctx, snapshot); err != nil {
		return err
	}
	scoreRepo := NewScoreRepository(tx)
	if err := scoreRepo.SaveEnsembleScores(ctx, snapshot.RunID, scores); err != nil {
		return err
	}
	if err := scoreRepo.SaveRecommendations(ctx, recs); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit run %s: %w", snapshot.RunID, err)
	}
	return nil
}
