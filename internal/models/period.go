package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PeriodDateLayout is the wire format of period-end dates.
const PeriodDateLayout = "2006-01-02"

// NormalizePeriodEnd truncates t to its UTC calendar day.
func NormalizePeriodEnd(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// FinancialSnapshot is one company's financial statement as of a quarter end.
type FinancialSnapshot struct {
	CompanyID     string          `json:"company_id" db:"company_id"`
	Symbol        string          `json:"symbol" db:"symbol"`
	Industry      string          `json:"industry" db:"industry"`
	PeriodEndDate time.Time       `json:"period_end_date" db:"period_end_date"`
	Revenue       decimal.Decimal `json:"revenue" db:"revenue"`
	NetIncome     decimal.Decimal `json:"net_income" db:"net_income"`
	TotalAssets   decimal.Decimal `json:"total_assets" db:"total_assets"`
	TotalEquity   decimal.Decimal `json:"total_equity" db:"total_equity"`
	MarketCap     decimal.Decimal `json:"market_cap" db:"market_cap"`
}

// ReturnOnEquity returns net income over total equity, or zero when equity is not positive.
func (s FinancialSnapshot) ReturnOnEquity() decimal.Decimal {
	if !s.TotalEquity.IsPositive() {
		return decimal.Zero
	}
	return s.NetIncome.Div(s.TotalEquity)
}
