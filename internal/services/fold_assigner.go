package services

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/irfndi/kfold-ensemble-go/internal/models"
)

// ErrEmptyDateSet is returned when fold assignment is asked to rank no dates.
var ErrEmptyDateSet = errors.New("fold assignment requires at least one period-end date")

// FoldAssigner partitions distinct period-end dates into contiguous reverse-chronological
// folds by percentile rank. K1 holds the most recent dates, K<n> the oldest.
type FoldAssigner struct {
	foldCount int
	now       func() time.Time
}

// NewFoldAssigner creates an assigner for foldCount folds.
func NewFoldAssigner(foldCount int) (*FoldAssigner, error) {
	if foldCount < 2 {
		return nil, fmt.Errorf("fold count must be at least 2, got %d", foldCount)
	}
	return &FoldAssigner{foldCount: foldCount, now: time.Now}, nil
}

// FoldCount returns the number of folds produced.
func (a *FoldAssigner) FoldCount() int {
	return a.foldCount
}

// Assign ranks the distinct dates in descending order and maps each to a fold.
//
// The percentile rank of the i-th most recent of n dates is i/(n-1). Band k covers
// [k/F, (k+1)/F) and the last band also includes 1. The band index is computed as
// floor(F*i/(n-1)) in integer arithmetic, so a rank sitting exactly on a threshold
// always lands in the band whose lower bound it equals.
func (a *FoldAssigner) Assign(dates []time.Time) (*models.FoldAssignment, error) {
	distinct := DistinctPeriodEnds(dates)
	if len(distinct) == 0 {
		return nil, ErrEmptyDateSet
	}

	n := len(distinct)
	out := make([]models.DateFold, n)
	for i, d := range distinct {
		out[i] = models.DateFold{
			Date:        d,
			Fold:        foldForRank(i, n, a.foldCount),
			PercentRank: percentRankDesc(i, n),
		}
	}

	return &models.FoldAssignment{
		FoldCount:   a.foldCount,
		Fingerprint: Fingerprint(distinct, a.foldCount),
		Dates:       out,
		ComputedAt:  a.now().UTC(),
	}, nil
}

func foldForRank(i, n, foldCount int) models.Fold {
	if n == 1 {
		return models.FoldK1
	}
	k := (foldCount * i) / (n - 1)
	if k >= foldCount {
		k = foldCount - 1
	}
	return models.Fold(k + 1)
}

func percentRankDesc(i, n int) float64 {
	if n == 1 {
		return 0
	}
	return float64(i) / float64(n-1)
}

// DistinctPeriodEnds collapses dates to distinct UTC calendar days, most recent first.
func DistinctPeriodEnds(dates []time.Time) []time.Time {
	seen := make(map[time.Time]struct{}, len(dates))
	out := make([]time.Time, 0, len(dates))
	for _, d := range dates {
		day := models.NormalizePeriodEnd(d)
		if _, ok := seen[day]; ok {
			continue
		}
		seen[day] = struct{}{}
		out = append(out, day)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].After(out[j]) })
	return out
}

// Fingerprint identifies a distinct date set under a fold scheme. Equal sets give equal
// fingerprints regardless of input order.
func Fingerprint(distinctDesc []time.Time, foldCount int) string {
	var b strings.Builder
	b.WriteString("folds=")
	b.WriteString(strconv.Itoa(foldCount))
	for _, d := range distinctDesc {
		b.WriteByte(',')
		b.WriteString(d.Format(models.PeriodDateLayout))
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// FoldShift records a date whose fold label changed between two assignments.
type FoldShift struct {
	Date time.Time   `json:"date"`
	From models.Fold `json:"from"`
	To   models.Fold `json:"to"`
}

// CompareAssignments lists dates present in both assignments whose fold changed.
// New quarters push older dates toward higher folds; this makes that drift visible.
func CompareAssignments(prev, next *models.FoldAssignment) []FoldShift {
	if prev == nil || next == nil {
		return nil
	}
	before := make(map[time.Time]models.Fold, len(prev.Dates))
	for _, df := range prev.Dates {
		before[df.Date] = df.Fold
	}
	var shifts []FoldShift
	for _, df := range next.Dates {
		if from, ok := before[df.Date]; ok && from != df.Fold {
			shifts = append(shifts, FoldShift{Date: df.Date, From: from, To: df.Fold})
		}
	}
	return shifts
}
