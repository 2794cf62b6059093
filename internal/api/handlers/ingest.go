package handlers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/irfndi/kfold-ensemble-go/internal/middleware"
	"github.com/irfndi/kfold-ensemble-go/internal/models"
	"github.com/shopspring/decimal"
)

// Ingestor stores the inputs a refresh consumes.
type Ingestor interface {
	IngestMemberScores(ctx context.Context, scores []models.MemberScore) (int64, error)
	IngestSnapshots(ctx context.Context, snapshots []models.FinancialSnapshot) (int64, error)
}

// IngestHandler accepts member model outputs and financial snapshots.
type IngestHandler struct {
	ingestor Ingestor
}

// NewIngestHandler creates a new ingestion handler.
func NewIngestHandler(ingestor Ingestor) *IngestHandler {
	return &IngestHandler{ingestor: ingestor}
}

// MemberScoresRequest is the body of POST /admin/member-scores.
type MemberScoresRequest struct {
	Scores []MemberScoreInput `json:"scores" binding:"required,min=1,dive"`
}

// SnapshotInput is one financial snapshot in an ingestion request.
type SnapshotInput struct {
	CompanyID     string          `json:"company_id" binding:"required"`
	Symbol        string          `json:"symbol"`
	Industry      string          `json:"industry"`
	PeriodEndDate string          `json:"period_end_date" binding:"required"`
	Revenue       decimal.Decimal `json:"revenue"`
	NetIncome     decimal.Decimal `json:"net_income"`
	TotalAssets   decimal.Decimal `json:"total_assets"`
	TotalEquity   decimal.Decimal `json:"total_equity"`
	MarketCap     decimal.Decimal `json:"market_cap"`
}

// SnapshotsRequest is the body of POST /admin/snapshots.
type SnapshotsRequest struct {
	Snapshots []SnapshotInput `json:"snapshots" binding:"required,min=1,dive"`
}

// IngestResponse reports how many rows were received and written.
type IngestResponse struct {
	Received int   `json:"received"`
	Stored   int64 `json:"stored"`
}

// MemberScores upserts member model outputs.
func (h *IngestHandler) MemberScores(c *gin.Context) {
	var req MemberScoresRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body: "+err.Error())
		return
	}

	scores, err := memberScores(req.Scores)
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	n, err := h.ingestor.IngestMemberScores(c.Request.Context(), scores)
	if err != nil {
		respondError(c, err)
		return
	}
	middleware.AddSpanAttribute(c, "ingest.member_scores", n)
	c.JSON(http.StatusOK, IngestResponse{Received: len(scores), Stored: n})
}

// Snapshots upserts financial snapshots.
func (h *IngestHandler) Snapshots(c *gin.Context) {
	var req SnapshotsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body: "+err.Error())
		return
	}

	snapshots := make([]models.FinancialSnapshot, 0, len(req.Snapshots))
	for _, in := range req.Snapshots {
		period, err := time.Parse(models.PeriodDateLayout, in.PeriodEndDate)
		if err != nil {
			badRequest(c, fmt.Sprintf("invalid period_end_date %s", in.PeriodEndDate))
			return
		}
		snapshots = append(snapshots, models.FinancialSnapshot{
			CompanyID:     in.CompanyID,
			Symbol:        in.Symbol,
			Industry:      in.Industry,
			PeriodEndDate: period,
			Revenue:       in.Revenue,
			NetIncome:     in.NetIncome,
			TotalAssets:   in.TotalAssets,
			TotalEquity:   in.TotalEquity,
			MarketCap:     in.MarketCap,
		})
	}

	n, err := h.ingestor.IngestSnapshots(c.Request.Context(), snapshots)
	if err != nil {
		respondError(c, err)
		return
	}
	middleware.AddSpanAttribute(c, "ingest.snapshots", n)
	c.JSON(http.StatusOK, IngestResponse{Received: len(snapshots), Stored: n})
}
