package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/irfndi/kfold-ensemble-go/internal/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// ScoreRepository stores member model scores, combined ensemble scores and the
// recommendations derived from them.
type ScoreRepository struct {
	pool DatabasePool
}

// NewScoreRepository creates a new score repository.
func NewScoreRepository(pool DatabasePool) *ScoreRepository {
	return &ScoreRepository{pool: pool}
}

// MemberScores returns every member score of kind at period.
func (r *ScoreRepository) MemberScores(ctx context.Context, period time.Time, kind models.ModelKind) ([]models.MemberScore, error) {
	query := `
		SELECT company_id, period_end_date, held_out_fold, score
		FROM member_scores
		WHERE period_end_date = $1 AND model_kind = $2
		ORDER BY company_id, held_out_fold
	`

	rows, err := r.pool.Query(ctx, query, models.NormalizePeriodEnd(period), string(kind))
	if err != nil {
		return nil, fmt.Errorf("failed to query member scores: %w", err)
	}
	defer rows.Close()

	var out []models.MemberScore
	for rows.Next() {
		var (
			m     models.MemberScore
			label string
		)
		if err := rows.Scan(&m.CompanyID, &m.PeriodEndDate, &label, &m.Score); err != nil {
			return nil, fmt.Errorf("failed to scan member score: %w", err)
		}
		fold, err := models.ParseFold(label)
		if err != nil {
			return nil, fmt.Errorf("member score for %s: %w", m.CompanyID, err)
		}
		m.HeldOut = fold
		m.Kind = kind
		m.PeriodEndDate = models.NormalizePeriodEnd(m.PeriodEndDate)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating member scores: %w", err)
	}
	return out, nil
}

// SaveMemberScores upserts member model outputs.
func (r *ScoreRepository) SaveMemberScores(ctx context.Context, scores []models.MemberScore) (int64, error) {
	if len(scores) == 0 {
		return 0, nil
	}

	query := `
		INSERT INTO member_scores (company_id, period_end_date, model_kind, held_out_fold, score)
		SELECT * FROM unnest($1::text[], $2::date[], $3::text[], $4::text[], $5::double precision[])
		ON CONFLICT (company_id, period_end_date, model_kind, held_out_fold)
		DO UPDATE SET score = EXCLUDED.score
	`

	n := len(scores)
	companies := make([]string, n)
	dates := make([]time.Time, n)
	kinds := make([]string, n)
	folds := make([]string, n)
	values := make([]float64, n)
	for i, m := range scores {
		companies[i] = m.CompanyID
		dates[i] = models.NormalizePeriodEnd(m.PeriodEndDate)
		kinds[i] = string(m.Kind)
		folds[i] = m.HeldOut.String()
		values[i] = m.Score
	}

	tag, err := r.pool.Exec(ctx, query, companies, dates, kinds, folds, values)
	if err != nil {
		return 0, fmt.Errorf("failed to save member scores: %w", err)
	}
	return tag.RowsAffected(), nil
}

// SaveEnsembleScores stores the combined scores of one refresh run in a single statement.
func (r *ScoreRepository) SaveEnsembleScores(ctx context.Context, runID uuid.UUID, scores []models.EnsembleScore) error {
	if len(scores) == 0 {
		return nil
	}

	query := `
		INSERT INTO ensemble_scores (run_id, company_id, period_end_date, model_kind, score, members_used, members_excluded)
		SELECT $1, c, d, k, s, string_to_array(u, ','), string_to_array(e, ',')
		FROM unnest($2::text[], $3::date[], $4::text[], $5::double precision[], $6::text[], $7::text[])
			AS t(c, d, k, s, u, e)
	`

	n := len(scores)
	companies := make([]string, n)
	dates := make([]time.Time, n)
	kinds := make([]string, n)
	values := make([]float64, n)
	used := make([]string, n)
	excluded := make([]string, n)
	for i, s := range scores {
		companies[i] = s.CompanyID
		dates[i] = models.NormalizePeriodEnd(s.PeriodEndDate)
		kinds[i] = string(s.Kind)
		values[i] = s.Score
		used[i] = strings.Join(foldLabels(s.MembersUsed), ",")
		excluded[i] = strings.Join(foldLabels(s.Excluded), ",")
	}

	tag, err := r.pool.Exec(ctx, query, runID, companies, dates, kinds, values, used, excluded)
	if err != nil {
		return fmt.Errorf("failed to save ensemble scores for run %s: %w", runID, err)
	}
	if tag.RowsAffected() != int64(n) {
		return fmt.Errorf("ensemble scores for run %s stored %d of %d rows", runID, tag.RowsAffected(), n)
	}

	logrus.WithFields(logrus.Fields{
		"run_id": runID.String(),
		"count":  n,
	}).Debug("Saved ensemble scores")
	return nil
}

// EnsembleScores returns the latest run's combined scores of kind at period.
func (r *ScoreRepository) EnsembleScores(ctx context.Context, period time.Time, kind models.ModelKind) ([]models.EnsembleScore, error) {
	query := `
		SELECT company_id, period_end_date, score, members_used, members_excluded
		FROM ensemble_scores
		WHERE period_end_date = $1 AND model_kind = $2
			AND run_id = (
				SELECT run_id FROM ensemble_scores
				WHERE period_end_date = $1 AND model_kind = $2
				ORDER BY created_at DESC
				LIMIT 1
			)
		ORDER BY score DESC, company_id
	`

	rows, err := r.pool.Query(ctx, query, models.NormalizePeriodEnd(period), string(kind))
	if err != nil {
		return nil, fmt.Errorf("failed to query ensemble scores: %w", err)
	}
	defer rows.Close()

	var out []models.EnsembleScore
	for rows.Next() {
		var (
			s              models.EnsembleScore
			used, excluded []string
		)
		if err := rows.Scan(&s.CompanyID, &s.PeriodEndDate, &s.Score, &used, &excluded); err != nil {
			return nil, fmt.Errorf("failed to scan ensemble score: %w", err)
		}
		if s.MembersUsed, err = parseFoldLabels(used); err != nil {
			return nil, fmt.Errorf("ensemble score for %s: %w", s.CompanyID, err)
		}
		if s.Excluded, err = parseFoldLabels(excluded); err != nil {
			return nil, fmt.Errorf("ensemble score for %s: %w", s.CompanyID, err)
		}
		s.Kind = kind
		s.PeriodEndDate = models.NormalizePeriodEnd(s.PeriodEndDate)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ensemble scores: %w", err)
	}
	return out, nil
}

// SaveRecommendations stores the ranked recommendations of one refresh run in a single statement.
func (r *ScoreRepository) SaveRecommendations(ctx context.Context, recs []models.Recommendation) error {
	if len(recs) == 0 {
		return nil
	}

	query := `
		INSERT INTO recommendations (run_id, rank, company_id, symbol, period_end_date,
			investment_grade_score, underperform_score, underperform_percentile, market_cap)
		SELECT run::uuid, rk, c, sym, d, ig, up, pct, mc::numeric
		FROM unnest($1::text[], $2::int[], $3::text[], $4::text[], $5::date[],
			$6::double precision[], $7::double precision[], $8::double precision[], $9::text[])
			AS t(run, rk, c, sym, d, ig, up, pct, mc)
	`

	n := len(recs)
	runIDs := make([]string, n)
	ranks := make([]int, n)
	companies := make([]string, n)
	symbols := make([]string, n)
	dates := make([]time.Time, n)
	investment := make([]float64, n)
	underperform := make([]float64, n)
	percentiles := make([]float64, n)
	marketCaps := make([]string, n)
	for i, rec := range recs {
		runIDs[i] = rec.RunID.String()
		ranks[i] = rec.Rank
		companies[i] = rec.CompanyID
		symbols[i] = rec.Symbol
		dates[i] = models.NormalizePeriodEnd(rec.PeriodEndDate)
		investment[i] = rec.InvestmentGradeScore
		underperform[i] = rec.UnderperformScore
		percentiles[i] = rec.UnderperformPercentile
		marketCaps[i] = rec.MarketCap.String()
	}

	tag, err := r.pool.Exec(ctx, query, runIDs, ranks, companies, symbols, dates,
		investment, underperform, percentiles, marketCaps)
	if err != nil {
		return fmt.Errorf("failed to save recommendations: %w", err)
	}
	if tag.RowsAffected() != int64(n) {
		return fmt.Errorf("recommendations stored %d of %d rows", tag.RowsAffected(), n)
	}
	return nil
}

// Recommendations returns the recommendations of runID ordered by rank.
func (r *ScoreRepository) Recommendations(ctx context.Context, runID uuid.UUID) ([]models.Recommendation, error) {
	query := `
		SELECT rank, company_id, symbol, period_end_date,
			investment_grade_score, underperform_score, underperform_percentile, market_cap::text
		FROM recommendations
		WHERE run_id = $1
		ORDER BY rank
	`

	rows, err := r.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query recommendations: %w", err)
	}
	defer rows.Close()

	var out []models.Recommendation
	for rows.Next() {
		rec := models.Recommendation{RunID: runID}
		var marketCap string
		if err := rows.Scan(&rec.Rank, &rec.CompanyID, &rec.Symbol, &rec.PeriodEndDate,
			&rec.InvestmentGradeScore, &rec.UnderperformScore, &rec.UnderperformPercentile, &marketCap); err != nil {
			return nil, fmt.Errorf("failed to scan recommendation: %w", err)
		}
		if rec.MarketCap, err = decimal.NewFromString(marketCap); err != nil {
			return nil, fmt.Errorf("invalid market cap %q: %w", marketCap, err)
		}
		rec.PeriodEndDate = models.NormalizePeriodEnd(rec.PeriodEndDate)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating recommendations: %w", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("recommendations for run %s: %w", runID, ErrNotFound)
	}
	return out, nil
}

func foldLabels(folds []models.Fold) []string {
	out := make([]string, len(folds))
	for i, f := range folds {
		out[i] = f.String()
	}
	return out
}

func parseFoldLabels(labels []string) ([]models.Fold, error) {
	out := make([]models.Fold, 0, len(labels))
	for _, l := range labels {
		f, err := models.ParseFold(l)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}
