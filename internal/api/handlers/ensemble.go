package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/irfndi/kfold-ensemble-go/internal/models"
	"github.com/irfndi/kfold-ensemble-go/internal/services"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// ScoreService is the part of the refresh service the ensemble endpoints need.
type ScoreService interface {
	EnsembleScores(ctx context.Context, period time.Time, kind models.ModelKind) ([]models.EnsembleScore, error)
	Recommendations(ctx context.Context, runID uuid.UUID) ([]models.Recommendation, error)
}

// EnsembleHandler serves ensemble scores and recommendations.
type EnsembleHandler struct {
	service ScoreService
	scorer  *services.EnsembleScorer
}

// NewEnsembleHandler creates a new ensemble handler.
func NewEnsembleHandler(service ScoreService, scorer *services.EnsembleScorer) *EnsembleHandler {
	return &EnsembleHandler{service: service, scorer: scorer}
}

// MemberScoreInput is one member output in a combine request.
type MemberScoreInput struct {
	CompanyID     string      `json:"company_id" binding:"required"`
	PeriodEndDate string      `json:"period_end_date" binding:"required"`
	Kind          string      `json:"kind" binding:"required"`
	HeldOut       models.Fold `json:"held_out"`
	Score         *float64    `json:"score" binding:"required"`
}

func memberScores(inputs []MemberScoreInput) ([]models.MemberScore, error) {
	scores := make([]models.MemberScore, 0, len(inputs))
	for _, in := range inputs {
		period, err := time.Parse(models.PeriodDateLayout, in.PeriodEndDate)
		if err != nil {
			return nil, fmt.Errorf("invalid period_end_date %s", in.PeriodEndDate)
		}
		kind, err := models.ParseModelKind(in.Kind)
		if err != nil {
			return nil, err
		}
		scores = append(scores, models.MemberScore{
			CompanyID:     in.CompanyID,
			PeriodEndDate: period,
			Kind:          kind,
			HeldOut:       in.HeldOut,
			Score:         *in.Score,
		})
	}
	return scores, nil
}

// CombineRequest is the body of POST /ensemble/combine.
type CombineRequest struct {
	Scores []MemberScoreInput `json:"scores" binding:"required,dive"`
}

// EnsembleListResponse is the body of GET /ensemble/:period.
type EnsembleListResponse struct {
	Period string                 `json:"period"`
	Kind   models.ModelKind       `json:"kind"`
	Label  string                 `json:"label"`
	Scores []models.EnsembleScore `json:"scores"`
}

// Combine averages the posted member scores under the configured exclusion policy.
func (h *EnsembleHandler) Combine(c *gin.Context) {
	var req CombineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body: "+err.Error())
		return
	}

	scores, err := memberScores(req.Scores)
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	result, err := h.scorer.Combine(scores)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// List returns the stored ensemble scores of one period and kind.
func (h *EnsembleHandler) List(c *gin.Context) {
	period, err := time.Parse(models.PeriodDateLayout, c.Param("period"))
	if err != nil {
		badRequest(c, "Invalid period, expected YYYY-MM-DD")
		return
	}
	kind, err := models.ParseModelKind(c.DefaultQuery("kind", string(models.ModelKindInvestmentGrade)))
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	scores, err := h.service.EnsembleScores(c.Request.Context(), period, kind)
	if err != nil {
		respondError(c, err)
		return
	}
	if scores == nil {
		scores = []models.EnsembleScore{}
	}
	c.JSON(http.StatusOK, EnsembleListResponse{
		Period: period.Format(models.PeriodDateLayout),
		Kind:   kind,
		Label:  kindLabel(kind),
		Scores: scores,
	})
}

// Recommendations returns the ranked recommendations of a refresh run.
func (h *EnsembleHandler) Recommendations(c *gin.Context) {
	runID, err := uuid.Parse(c.Param("run_id"))
	if err != nil {
		badRequest(c, "Invalid run id")
		return
	}

	recs, err := h.service.Recommendations(c.Request.Context(), runID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"run_id": runID, "recommendations": recs})
}

func kindLabel(kind models.ModelKind) string {
	return cases.Title(language.English).String(strings.ReplaceAll(string(kind), "_", " "))
}
