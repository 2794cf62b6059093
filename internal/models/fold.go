package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultFoldCount is the number of temporal folds used for out-of-time validation.
const DefaultFoldCount = 6

// Fold is a 1-based temporal fold label. K1 holds the most recent periods.
type Fold int

// Fold labels for the default six-fold scheme.
const (
	FoldK1 Fold = iota + 1
	FoldK2
	FoldK3
	FoldK4
	FoldK5
	FoldK6
)

// String renders the fold as K<n>.
func (f Fold) String() string {
	return "K" + strconv.Itoa(int(f))
}

// Valid reports whether the fold fits in a scheme with foldCount folds.
func (f Fold) Valid(foldCount int) bool {
	return f >= 1 && int(f) <= foldCount
}

// MarshalText implements encoding.TextMarshaler.
func (f Fold) MarshalText() ([]byte, error) {
	if f < 1 {
		return nil, fmt.Errorf("invalid fold %d", int(f))
	}
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *Fold) UnmarshalText(text []byte) error {
	parsed, err := ParseFold(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// ParseFold parses a label such as "K3" (case-insensitive).
func ParseFold(label string) (Fold, error) {
	s := strings.TrimSpace(label)
	if len(s) < 2 || (s[0] != 'K' && s[0] != 'k') {
		return 0, fmt.Errorf("invalid fold label %q", label)
	}
	n, err := strconv.Atoi(s[1:])
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid fold label %q", label)
	}
	return Fold(n), nil
}

// DateFold is the fold assigned to one distinct period-end date.
type DateFold struct {
	Date        time.Time `json:"date" db:"period_end_date"`
	Fold        Fold      `json:"fold" db:"fold"`
	PercentRank float64   `json:"percent_rank" db:"percent_rank"`
}

// FoldAssignment maps every distinct period-end date to exactly one fold.
// Dates are ordered most recent first.
type FoldAssignment struct {
	FoldCount   int        `json:"fold_count"`
	Fingerprint string     `json:"fingerprint"`
	Dates       []DateFold `json:"dates"`
	ComputedAt  time.Time  `json:"computed_at"`
}

// FoldOf returns the fold of the given date.
func (a *FoldAssignment) FoldOf(date time.Time) (Fold, bool) {
	day := NormalizePeriodEnd(date)
	for _, df := range a.Dates {
		if df.Date.Equal(day) {
			return df.Fold, true
		}
	}
	return 0, false
}

// DatesIn returns the dates assigned to fold, most recent first.
func (a *FoldAssignment) DatesIn(fold Fold) []time.Time {
	var out []time.Time
	for _, df := range a.Dates {
		if df.Fold == fold {
			out = append(out, df.Date)
		}
	}
	return out
}

// Counts returns the number of dates per fold, including empty folds.
func (a *FoldAssignment) Counts() map[Fold]int {
	counts := make(map[Fold]int, a.FoldCount)
	for i := 1; i <= a.FoldCount; i++ {
		counts[Fold(i)] = 0
	}
	for _, df := range a.Dates {
		counts[df.Fold]++
	}
	return counts
}

// FoldSnapshot is a fold assignment persisted for one refresh run.
type FoldSnapshot struct {
	RunID      uuid.UUID      `json:"run_id" db:"run_id"`
	Assignment FoldAssignment `json:"assignment"`
	CreatedAt  time.Time      `json:"created_at" db:"created_at"`
}

// TrainingSplit describes one leave-one-fold-out member model.
type TrainingSplit struct {
	HeldOut         Fold        `json:"held_out"`
	TrainingDates   []time.Time `json:"training_dates"`
	ValidationDates []time.Time `json:"validation_dates"`
	PurgedDates     []time.Time `json:"purged_dates,omitempty"`
	Excluded        bool        `json:"excluded_from_ensemble"`
}
