package services

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/irfndi/kfold-ensemble-go/internal/models"
	"github.com/irfndi/kfold-ensemble-go/internal/utils"
)

// ErrDegenerateEnsemble is returned when too few members survive the exclusion policy.
var ErrDegenerateEnsemble = errors.New("degenerate ensemble")

// ExclusionPolicy names the held-out folds whose member models are left out of the
// ensemble average, and the minimum number of members that must remain.
type ExclusionPolicy struct {
	Excluded   []models.Fold
	MinMembers int
}

// DefaultExclusionPolicy drops the member validated on the most recent fold.
func DefaultExclusionPolicy() ExclusionPolicy {
	return ExclusionPolicy{
		Excluded:   []models.Fold{models.FoldK1},
		MinMembers: 2,
	}
}

// Excludes reports whether the member held out on fold is dropped.
func (p ExclusionPolicy) Excludes(fold models.Fold) bool {
	for _, f := range p.Excluded {
		if f == fold {
			return true
		}
	}
	return false
}

// Validate checks the policy against a fold scheme.
func (p ExclusionPolicy) Validate(foldCount int) error {
	if p.MinMembers < 2 {
		return fmt.Errorf("minimum ensemble members must be at least 2, got %d", p.MinMembers)
	}
	seen := make(map[models.Fold]bool, len(p.Excluded))
	for _, f := range p.Excluded {
		if !f.Valid(foldCount) {
			return fmt.Errorf("excluded fold %s is outside the %d-fold scheme", f, foldCount)
		}
		if seen[f] {
			return fmt.Errorf("excluded fold %s listed twice", f)
		}
		seen[f] = true
	}
	if foldCount-len(p.Excluded) < p.MinMembers {
		return fmt.Errorf("excluding %d of %d folds leaves fewer than %d members",
			len(p.Excluded), foldCount, p.MinMembers)
	}
	return nil
}

// EnsembleScorer combines member model scores under an ExclusionPolicy.
type EnsembleScorer struct {
	policy    ExclusionPolicy
	foldCount int
}

// NewEnsembleScorer validates the policy for foldCount folds.
func NewEnsembleScorer(policy ExclusionPolicy, foldCount int) (*EnsembleScorer, error) {
	if err := policy.Validate(foldCount); err != nil {
		return nil, err
	}
	return &EnsembleScorer{policy: policy, foldCount: foldCount}, nil
}

// FoldCount returns the number of folds members may be held out on.
func (s *EnsembleScorer) FoldCount() int {
	return s.foldCount
}

// Policy returns the scorer's exclusion policy.
func (s *EnsembleScorer) Policy() ExclusionPolicy {
	return s.policy
}

// Combine averages the non-excluded member scores of one company, period and model kind.
// Members are summed in fold order so the result does not depend on input order.
func (s *EnsembleScorer) Combine(scores []models.MemberScore) (models.EnsembleScore, error) {
	if len(scores) == 0 {
		return models.EnsembleScore{}, utils.NewFieldError("scores", "no member scores to combine")
	}

	first := scores[0]
	period := models.NormalizePeriodEnd(first.PeriodEndDate)
	seen := make(map[models.Fold]bool, len(scores))
	for _, m := range scores {
		if m.CompanyID != first.CompanyID || m.Kind != first.Kind || !models.NormalizePeriodEnd(m.PeriodEndDate).Equal(period) {
			return models.EnsembleScore{}, utils.NewFieldError("scores",
				"members belong to different company, period or model kind")
		}
		if !m.HeldOut.Valid(s.foldCount) {
			return models.EnsembleScore{}, utils.NewFieldError("held_out",
				"fold %d is outside the %d-fold scheme", int(m.HeldOut), s.foldCount)
		}
		if seen[m.HeldOut] {
			return models.EnsembleScore{}, utils.NewFieldError("held_out", "duplicate member for fold %s", m.HeldOut)
		}
		seen[m.HeldOut] = true
		if !isFinite(m.Score) {
			return models.EnsembleScore{}, utils.NewFieldError("score", "non-finite score for member %s", m.HeldOut)
		}
	}

	ordered := make([]models.MemberScore, len(scores))
	copy(ordered, scores)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].HeldOut < ordered[j].HeldOut })

	result := models.EnsembleScore{
		CompanyID:     first.CompanyID,
		PeriodEndDate: period,
		Kind:          first.Kind,
		MembersUsed:   []models.Fold{},
		Excluded:      []models.Fold{},
	}

	var sum float64
	for _, m := range ordered {
		if s.policy.Excludes(m.HeldOut) {
			result.Excluded = append(result.Excluded, m.HeldOut)
			continue
		}
		result.MembersUsed = append(result.MembersUsed, m.HeldOut)
		sum += m.Score
	}

	if len(result.MembersUsed) < s.policy.MinMembers {
		return models.EnsembleScore{}, fmt.Errorf("%w: %d member(s) remain for %s after excluding %v, need %d",
			ErrDegenerateEnsemble, len(result.MembersUsed), first.CompanyID, result.Excluded, s.policy.MinMembers)
	}

	result.Score = sum / float64(len(result.MembersUsed))
	return result, nil
}

// GroupFailure records an entity whose member scores could not be combined.
type GroupFailure struct {
	CompanyID     string           `json:"company_id"`
	PeriodEndDate time.Time        `json:"period_end_date"`
	Kind          models.ModelKind `json:"kind"`
	Degenerate    bool             `json:"degenerate"`
	Reason        string           `json:"reason"`
}

// EnsembleBatch is the outcome of combining many entities at once.
type EnsembleBatch struct {
	Scores   []models.EnsembleScore `json:"scores"`
	Failures []GroupFailure         `json:"failures"`
}

type ensembleKey struct {
	company string
	period  time.Time
	kind    models.ModelKind
}

// CombineAll groups member scores by company, period and kind and combines each group.
// A failing group is reported in Failures; the rest of the batch still completes.
func (s *EnsembleScorer) CombineAll(scores []models.MemberScore) EnsembleBatch {
	groups := make(map[ensembleKey][]models.MemberScore)
	var keys []ensembleKey
	for _, m := range scores {
		k := ensembleKey{company: m.CompanyID, period: models.NormalizePeriodEnd(m.PeriodEndDate), kind: m.Kind}
		if _, ok := groups[k]; !ok {
			keys = append(keys, k)
		}
		groups[k] = append(groups[k], m)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].kind != keys[j].kind {
			return keys[i].kind < keys[j].kind
		}
		if !keys[i].period.Equal(keys[j].period) {
			return keys[i].period.Before(keys[j].period)
		}
		return keys[i].company < keys[j].company
	})

	batch := EnsembleBatch{
		Scores:   make([]models.EnsembleScore, 0, len(keys)),
		Failures: []GroupFailure{},
	}
	for _, k := range keys {
		combined, err := s.Combine(groups[k])
		if err != nil {
			batch.Failures = append(batch.Failures, GroupFailure{
				CompanyID:     k.company,
				PeriodEndDate: k.period,
				Kind:          k.kind,
				Degenerate:    errors.Is(err, ErrDegenerateEnsemble),
				Reason:        err.Error(),
			})
			continue
		}
		batch.Scores = append(batch.Scores, combined)
	}
	return batch
}
