package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-enrollment-builder/internal/models"
	appErrors "github.com/noah-isme/sma-enrollment-builder/pkg/errors"
	"github.com/noah-isme/sma-enrollment-builder/pkg/response"
)

const maxHistoryLimit = 100

type submissionHistory interface {
	ListByStudent(ctx context.Context, studentID string, limit int) ([]models.SubmissionLog, error)
}

// SubmissionHandler serves the student's own submission history.
type SubmissionHandler struct {
	history submissionHistory
}

// NewSubmissionHandler constructs the handler.
func NewSubmissionHandler(history submissionHistory) *SubmissionHandler {
	return &SubmissionHandler{history: history}
}

// List godoc
// @Summary Past submission attempts
// @Tags Builder
// @Produce json
// @Param limit query int false "Maximum entries (default 20, max 100)"
// @Success 200 {object} response.Envelope
// @Router /builder/submissions [get]
func (h *SubmissionHandler) List(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "limit must be a positive integer"))
			return
		}
		limit = parsed
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	entries, err := h.history.ListByStudent(c.Request.Context(), claims.UserID, limit)
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load submission history"))
		return
	}
	if entries == nil {
		entries = []models.SubmissionLog{}
	}
	response.JSON(c, http.StatusOK, entries, map[string]interface{}{"count": len(entries)})
}
