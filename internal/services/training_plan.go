package services

import (
	"fmt"
	"time"

	"github.com/irfndi/kfold-ensemble-go/internal/models"
	"github.com/irfndi/kfold-ensemble-go/internal/utils"
)

// BuildTrainingPlan emits one leave-one-fold-out split per non-empty fold.
//
// Each split validates on the dates of its held-out fold and trains on every other date,
// except purgePeriods dates on each side of the held-out block, which are embargoed to
// keep adjacent quarters from leaking across the split. Folds left empty because there
// are fewer dates than folds get no split.
func BuildTrainingPlan(assignment *models.FoldAssignment, policy ExclusionPolicy, purgePeriods int) ([]models.TrainingSplit, error) {
	if assignment == nil || len(assignment.Dates) == 0 {
		return nil, ErrEmptyDateSet
	}
	if purgePeriods < 0 {
		return nil, utils.NewFieldError("purge_periods", "must not be negative, got %d", purgePeriods)
	}

	dates := assignment.Dates
	splits := make([]models.TrainingSplit, 0, assignment.FoldCount)

	for f := 1; f <= assignment.FoldCount; f++ {
		fold := models.Fold(f)

		lo, hi := -1, -1
		for i, df := range dates {
			if df.Fold != fold {
				continue
			}
			if lo < 0 {
				lo = i
			}
			hi = i
		}
		if lo < 0 {
			continue
		}

		split := models.TrainingSplit{
			HeldOut:         fold,
			TrainingDates:   []time.Time{},
			ValidationDates: make([]time.Time, 0, hi-lo+1),
			Excluded:        policy.Excludes(fold),
		}
		for i, df := range dates {
			switch {
			case i >= lo && i <= hi:
				split.ValidationDates = append(split.ValidationDates, df.Date)
			case i >= lo-purgePeriods && i <= hi+purgePeriods:
				split.PurgedDates = append(split.PurgedDates, df.Date)
			default:
				split.TrainingDates = append(split.TrainingDates, df.Date)
			}
		}

		if len(split.TrainingDates) == 0 {
			return nil, fmt.Errorf("split holding out %s leaves no training dates (%d dates, purge %d)",
				fold, len(dates), purgePeriods)
		}
		splits = append(splits, split)
	}

	return splits, nil
}
