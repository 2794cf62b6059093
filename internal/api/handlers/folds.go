package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/irfndi/kfold-ensemble-go/internal/middleware"
	"github.com/irfndi/kfold-ensemble-go/internal/models"
	"github.com/irfndi/kfold-ensemble-go/internal/services"
)

// FoldService is the part of the refresh service the fold endpoints need.
type FoldService interface {
	CurrentAssignment(ctx context.Context) (*models.FoldAssignment, error)
	Snapshot(ctx context.Context, runID uuid.UUID) (*models.FoldSnapshot, error)
	Plan(ctx context.Context, purge int) ([]models.TrainingSplit, error)
}

// FoldHandler serves fold assignments and training plans.
type FoldHandler struct {
	service  FoldService
	assigner *services.FoldAssigner
}

// NewFoldHandler creates a new fold handler.
func NewFoldHandler(service FoldService, assigner *services.FoldAssigner) *FoldHandler {
	return &FoldHandler{service: service, assigner: assigner}
}

// AssignRequest is the body of POST /folds/assign.
type AssignRequest struct {
	Dates     []string `json:"dates" binding:"required"`
	FoldCount int      `json:"fold_count"`
}

// AssignmentResponse adds per-fold counts to an assignment.
type AssignmentResponse struct {
	*models.FoldAssignment
	Counts map[string]int `json:"counts"`
}

func newAssignmentResponse(a *models.FoldAssignment) AssignmentResponse {
	counts := make(map[string]int, a.FoldCount)
	for f, n := range a.Counts() {
		counts[f.String()] = n
	}
	return AssignmentResponse{FoldAssignment: a, Counts: counts}
}

// Assign computes folds for the posted dates without touching storage.
func (h *FoldHandler) Assign(c *gin.Context) {
	var req AssignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body: "+err.Error())
		return
	}

	dates, err := parseDates(req.Dates)
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	assigner := h.assigner
	if req.FoldCount != 0 && req.FoldCount != assigner.FoldCount() {
		if assigner, err = services.NewFoldAssigner(req.FoldCount); err != nil {
			badRequest(c, err.Error())
			return
		}
	}

	assignment, err := assigner.Assign(dates)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newAssignmentResponse(assignment))
}

// Current returns the assignment of the stored period-end dates.
func (h *FoldHandler) Current(c *gin.Context) {
	assignment, err := h.service.CurrentAssignment(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	middleware.AddSpanAttribute(c, "fold.fingerprint", assignment.Fingerprint)
	c.JSON(http.StatusOK, newAssignmentResponse(assignment))
}

// Run returns the fold snapshot persisted by a refresh run.
func (h *FoldHandler) Run(c *gin.Context) {
	runID, err := uuid.Parse(c.Param("run_id"))
	if err != nil {
		badRequest(c, "Invalid run id")
		return
	}

	snapshot, err := h.service.Snapshot(c.Request.Context(), runID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

// Plan returns the leave-one-fold-out training plan of the current assignment.
func (h *FoldHandler) Plan(c *gin.Context) {
	purge := -1
	if raw := c.Query("purge"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			badRequest(c, "purge must be a non-negative integer")
			return
		}
		purge = n
	}

	plan, err := h.service.Plan(c.Request.Context(), purge)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"splits": plan})
}

func parseDates(raw []string) ([]time.Time, error) {
	out := make([]time.Time, 0, len(raw))
	for _, s := range raw {
		d, err := time.Parse(models.PeriodDateLayout, s)
		if err != nil {
			return nil, fmt.Errorf("invalid date %q, expected YYYY-MM-DD", s)
		}
		out = append(out, d)
	}
	return out, nil
}
