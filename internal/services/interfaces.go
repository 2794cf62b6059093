package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/irfndi/kfold-ensemble-go/internal/models"
)

// PeriodStore reads and ingests the financial snapshots the folds are built from.
type PeriodStore interface {
	DistinctPeriodEndDates(ctx context.Context) ([]time.Time, error)
	SnapshotsForPeriod(ctx context.Context, period time.Time) ([]models.FinancialSnapshot, error)
	SaveSnapshots(ctx context.Context, snapshots []models.FinancialSnapshot) (int64, error)
}

// FoldSnapshotStore reads the fold assignments persisted by past refresh runs.
type FoldSnapshotStore interface {
	LoadSnapshot(ctx context.Context, runID uuid.UUID) (*models.FoldSnapshot, error)
	LatestSnapshot(ctx context.Context) (*models.FoldSnapshot, error)
}

// ScoreStore ingests member scores and reads combined scores and recommendations.
type ScoreStore interface {
	MemberScores(ctx context.Context, period time.Time, kind models.ModelKind) ([]models.MemberScore, error)
	SaveMemberScores(ctx context.Context, scores []models.MemberScore) (int64, error)
	EnsembleScores(ctx context.Context, period time.Time, kind models.ModelKind) ([]models.EnsembleScore, error)
	Recommendations(ctx context.Context, runID uuid.UUID) ([]models.Recommendation, error)
}

// RunStore persists the outputs of one refresh run atomically.
type RunStore interface {
	SaveRun(ctx context.Context, snapshot *models.FoldSnapshot, scores []models.EnsembleScore, recs []models.Recommendation) error
}
