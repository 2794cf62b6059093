package services

import (
	"math/rand"
	"testing"
	"time"

	"github.com/irfndi/kfold-ensemble-go/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustDate(s string) time.Time {
	d, err := time.Parse(models.PeriodDateLayout, s)
	if err != nil {
		panic(err)
	}
	return d
}

func quarterEnds(n int) []time.Time {
	out := make([]time.Time, n)
	start := time.Date(2000, time.March, 31, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		// first day of the following month minus one day
		out[i] = time.Date(start.Year(), start.Month()+time.Month(3*i)+1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)
	}
	return out
}

func newAssigner(t *testing.T) *FoldAssigner {
	t.Helper()
	a, err := NewFoldAssigner(models.DefaultFoldCount)
	require.NoError(t, err)
	a.now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return a
}

func TestNewFoldAssigner_RejectsSmallFoldCount(t *testing.T) {
	_, err := NewFoldAssigner(1)
	assert.Error(t, err)

	a, err := NewFoldAssigner(2)
	require.NoError(t, err)
	assert.Equal(t, 2, a.FoldCount())
}

func TestFoldAssigner_SixQuarters(t *testing.T) {
	a := newAssigner(t)
	dates := []time.Time{
		mustDate("2020-03-31"), mustDate("2020-06-30"), mustDate("2020-09-30"),
		mustDate("2020-12-31"), mustDate("2021-03-31"), mustDate("2021-06-30"),
	}

	got, err := a.Assign(dates)
	require.NoError(t, err)

	expected := map[string]models.Fold{
		"2021-06-30": models.FoldK1,
		"2021-03-31": models.FoldK2,
		"2020-12-31": models.FoldK3,
		"2020-09-30": models.FoldK4,
		"2020-06-30": models.FoldK5,
		"2020-03-31": models.FoldK6,
	}
	require.Len(t, got.Dates, 6)
	for day, fold := range expected {
		f, ok := got.FoldOf(mustDate(day))
		require.True(t, ok, day)
		assert.Equal(t, fold, f, day)
	}
	assert.Equal(t, 0.0, got.Dates[0].PercentRank)
	assert.Equal(t, 1.0, got.Dates[5].PercentRank)
}

func TestFoldAssigner_EveryDateGetsExactlyOneFold(t *testing.T) {
	a := newAssigner(t)
	for n := 1; n <= 40; n++ {
		got, err := a.Assign(quarterEnds(n))
		require.NoError(t, err)
		require.Len(t, got.Dates, n)

		total := 0
		for _, c := range got.Counts() {
			total += c
		}
		assert.Equal(t, n, total, "n=%d", n)

		for i := 1; i < n; i++ {
			assert.True(t, got.Dates[i-1].Date.After(got.Dates[i].Date))
			assert.LessOrEqual(t, got.Dates[i-1].Fold, got.Dates[i].Fold, "folds must be contiguous and reverse-chronological")
		}
	}
}

func TestFoldAssigner_BalancedWhenDivisibleBySix(t *testing.T) {
	a := newAssigner(t)
	for _, n := range []int{6, 12, 18, 24, 60, 120} {
		got, err := a.Assign(quarterEnds(n))
		require.NoError(t, err)
		for fold, count := range got.Counts() {
			assert.Equal(t, n/6, count, "n=%d fold=%s", n, fold)
		}
	}
}

func TestFoldAssigner_ExactThresholdUsesLowerClosedBand(t *testing.T) {
	a := newAssigner(t)
	// With 7 dates the ranks are 0, 1/6, 2/6, ..., 1 and sit exactly on every threshold.
	got, err := a.Assign(quarterEnds(7))
	require.NoError(t, err)

	want := []models.Fold{models.FoldK1, models.FoldK2, models.FoldK3, models.FoldK4, models.FoldK5, models.FoldK6, models.FoldK6}
	for i, df := range got.Dates {
		assert.Equal(t, want[i], df.Fold, "index %d rank %v", i, df.PercentRank)
	}
}

func TestFoldAssigner_SingleDate(t *testing.T) {
	a := newAssigner(t)
	got, err := a.Assign([]time.Time{mustDate("2022-12-31")})
	require.NoError(t, err)
	require.Len(t, got.Dates, 1)
	assert.Equal(t, models.FoldK1, got.Dates[0].Fold)
	assert.Equal(t, 0.0, got.Dates[0].PercentRank)
	assert.Equal(t, 0, got.Counts()[models.FoldK6])
}

func TestFoldAssigner_EmptyInput(t *testing.T) {
	a := newAssigner(t)
	_, err := a.Assign(nil)
	assert.ErrorIs(t, err, ErrEmptyDateSet)

	_, err = a.Assign([]time.Time{})
	assert.ErrorIs(t, err, ErrEmptyDateSet)
}

func TestFoldAssigner_IdempotentAndOrderIndependent(t *testing.T) {
	a := newAssigner(t)
	dates := quarterEnds(23)

	first, err := a.Assign(dates)
	require.NoError(t, err)

	shuffled := append([]time.Time(nil), dates...)
	rand.New(rand.NewSource(42)).Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	// duplicates and intraday timestamps collapse to the same calendar day
	shuffled = append(shuffled, dates[3].Add(15*time.Hour), dates[10])

	second, err := a.Assign(shuffled)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestFoldAssigner_NewQuarterShiftsBoundaries(t *testing.T) {
	a := newAssigner(t)
	dates := quarterEnds(12)

	before, err := a.Assign(dates)
	require.NoError(t, err)

	next := time.Date(2003, time.March, 31, 0, 0, 0, 0, time.UTC)
	require.True(t, next.After(dates[len(dates)-1]))
	after, err := a.Assign(append(dates, next))
	require.NoError(t, err)

	assert.NotEqual(t, before.Fingerprint, after.Fingerprint)
	f, ok := after.FoldOf(next)
	require.True(t, ok)
	assert.Equal(t, models.FoldK1, f)

	shifts := CompareAssignments(before, after)
	require.NotEmpty(t, shifts)
	for _, s := range shifts {
		assert.Greater(t, s.To, s.From, "adding a newer date only pushes older dates toward higher folds")
	}
}

func TestDistinctPeriodEnds(t *testing.T) {
	got := DistinctPeriodEnds([]time.Time{
		mustDate("2020-03-31"),
		mustDate("2021-03-31").Add(3 * time.Hour),
		mustDate("2020-03-31"),
	})
	require.Len(t, got, 2)
	assert.Equal(t, mustDate("2021-03-31"), got[0])
	assert.Equal(t, mustDate("2020-03-31"), got[1])
}

func TestFingerprint(t *testing.T) {
	dates := DistinctPeriodEnds(quarterEnds(5))
	assert.Equal(t, Fingerprint(dates, 6), Fingerprint(dates, 6))
	assert.NotEqual(t, Fingerprint(dates, 6), Fingerprint(dates, 5))
	assert.NotEqual(t, Fingerprint(dates, 6), Fingerprint(dates[1:], 6))
	assert.Len(t, Fingerprint(dates, 6), 64)
}

func TestCompareAssignments_NilInputs(t *testing.T) {
	assert.Nil(t, CompareAssignments(nil, &models.FoldAssignment{}))
	assert.Nil(t, CompareAssignments(&models.FoldAssignment{}, nil))
}
