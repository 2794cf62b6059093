package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/irfndi/kfold-ensemble-go/internal/database"
	"github.com/irfndi/kfold-ensemble-go/internal/middleware"
	"github.com/irfndi/kfold-ensemble-go/internal/services"
	"github.com/irfndi/kfold-ensemble-go/internal/utils"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case utils.IsValidationError(err), errors.Is(err, services.ErrEmptyDateSet):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrDegenerateEnsemble):
		return http.StatusUnprocessableEntity
	case errors.Is(err, database.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrRefreshInProgress):
		return http.StatusConflict
	case errors.Is(err, services.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		middleware.RecordError(c, err, http.StatusText(status))
	}
	c.JSON(status, ErrorResponse{
		Error:   http.StatusText(status),
		Message: err.Error(),
	})
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error:   http.StatusText(http.StatusBadRequest),
		Message: message,
	})
}
