package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/irfndi/kfold-ensemble-go/internal/middleware"
	"github.com/irfndi/kfold-ensemble-go/internal/services"
)

// RefreshRunner runs one refresh of folds, ensembles and recommendations.
type RefreshRunner interface {
	Refresh(ctx context.Context) (*services.RefreshResult, error)
}

// RefreshHandler exposes a manual refresh trigger.
type RefreshHandler struct {
	runner RefreshRunner
}

// NewRefreshHandler creates a new refresh handler.
func NewRefreshHandler(runner RefreshRunner) *RefreshHandler {
	return &RefreshHandler{runner: runner}
}

// Refresh runs the pipeline synchronously and returns its result.
func (h *RefreshHandler) Refresh(c *gin.Context) {
	result, err := h.runner.Refresh(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	middleware.AddSpanAttribute(c, "run.id", result.RunID.String())
	c.JSON(http.StatusOK, result)
}
