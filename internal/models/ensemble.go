package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ModelKind identifies which ensemble a member model belongs to.
type ModelKind string

const (
	// ModelKindInvestmentGrade predicts a company reaching the investment-grade return target.
	ModelKindInvestmentGrade ModelKind = "investment_grade"
	// ModelKindUnderperform predicts severe underperformance over the next twelve months.
	ModelKindUnderperform ModelKind = "underperform"
)

// ModelKinds lists every known kind in scoring order.
var ModelKinds = []ModelKind{ModelKindInvestmentGrade, ModelKindUnderperform}

// ParseModelKind validates a kind string.
func ParseModelKind(s string) (ModelKind, error) {
	switch ModelKind(s) {
	case ModelKindInvestmentGrade, ModelKindUnderperform:
		return ModelKind(s), nil
	}
	return "", fmt.Errorf("unknown model kind %q", s)
}

// MemberScore is one member model's output for a company at a period.
type MemberScore struct {
	CompanyID     string    `json:"company_id" db:"company_id"`
	PeriodEndDate time.Time `json:"period_end_date" db:"period_end_date"`
	Kind          ModelKind `json:"kind" db:"model_kind"`
	HeldOut       Fold      `json:"held_out" db:"held_out_fold"`
	Score         float64   `json:"score" db:"score"`
}

// EnsembleScore is the combined score of the non-excluded member models.
type EnsembleScore struct {
	CompanyID     string    `json:"company_id" db:"company_id"`
	PeriodEndDate time.Time `json:"period_end_date" db:"period_end_date"`
	Kind          ModelKind `json:"kind" db:"model_kind"`
	Score         float64   `json:"score" db:"score"`
	MembersUsed   []Fold    `json:"members_used" db:"members_used"`
	Excluded      []Fold    `json:"members_excluded" db:"members_excluded"`
}

// Recommendation is a company that passed the dual-model screen.
type Recommendation struct {
	RunID                  uuid.UUID       `json:"run_id" db:"run_id"`
	Rank                   int             `json:"rank" db:"rank"`
	CompanyID              string          `json:"company_id" db:"company_id"`
	Symbol                 string          `json:"symbol" db:"symbol"`
	PeriodEndDate          time.Time       `json:"period_end_date" db:"period_end_date"`
	InvestmentGradeScore   float64         `json:"investment_grade_score" db:"investment_grade_score"`
	UnderperformScore      float64         `json:"underperform_score" db:"underperform_score"`
	UnderperformPercentile float64         `json:"underperform_percentile" db:"underperform_percentile"`
	MarketCap              decimal.Decimal `json:"market_cap" db:"market_cap"`
}
