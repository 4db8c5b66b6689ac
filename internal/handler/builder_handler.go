package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/noah-isme/sma-enrollment-builder/internal/dto"
	appErrors "github.com/noah-isme/sma-enrollment-builder/pkg/errors"
	"github.com/noah-isme/sma-enrollment-builder/pkg/response"
)

type builderService interface {
	View(ctx context.Context, studentID string) (*dto.BuilderView, error)
	Reload(ctx context.Context, studentID string) (*dto.BuilderView, error)
	AddItem(ctx context.Context, studentID string, req dto.AddCartItemRequest) (*dto.BuilderView, error)
	RemoveItem(ctx context.Context, studentID, subjectID string) (*dto.BuilderView, error)
	ClearCart(ctx context.Context, studentID string) (*dto.BuilderView, error)
	SelectTab(ctx context.Context, studentID string, year, term int) (*dto.BuilderView, error)
	Submit(ctx context.Context, studentID string) (*dto.SubmissionResult, error)
}

// BuilderHandler exposes the enrollment builder to the student portal UI.
type BuilderHandler struct {
	service   builderService
	validator *validator.Validate
}

// NewBuilderHandler constructs the handler.
func NewBuilderHandler(service builderService, validate *validator.Validate) *BuilderHandler {
	if validate == nil {
		validate = validator.New()
	}
	return &BuilderHandler{service: service, validator: validate}
}

// View godoc
// @Summary Current builder state
// @Description Loads the catalog on first access and returns the grouped subjects, cart and submission state.
// @Tags Builder
// @Produce json
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /builder [get]
func (h *BuilderHandler) View(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	view, err := h.service.View(portalContext(c), claims.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, view)
}

// Reload godoc
// @Summary Reload the catalog
// @Description Refetches profile, term, subjects, enrollments and fees, then reconciles the cart. On failure the error view is returned with the error.
// @Tags Builder
// @Produce json
// @Success 200 {object} response.Envelope
// @Failure 502 {object} response.Envelope
// @Router /builder/reload [post]
func (h *BuilderHandler) Reload(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	view, err := h.service.Reload(portalContext(c), claims.UserID)
	if err != nil {
		if view != nil {
			response.ErrorWithData(c, err, view)
			return
		}
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, view)
}

// AddItem godoc
// @Summary Add a subject to the cart
// @Tags Builder
// @Accept json
// @Produce json
// @Param payload body dto.AddCartItemRequest true "Subject and section"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Router /builder/cart/items [post]
func (h *BuilderHandler) AddItem(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.AddCartItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid request body"))
		return
	}
	req.SubjectID = strings.TrimSpace(req.SubjectID)
	req.SectionID = strings.TrimSpace(req.SectionID)
	if err := h.validator.Struct(req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "subjectId and sectionId are required"))
		return
	}
	view, err := h.service.AddItem(portalContext(c), claims.UserID, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, view)
}

// RemoveItem godoc
// @Summary Remove a subject from the cart
// @Tags Builder
// @Produce json
// @Param subjectId path string true "Subject ID"
// @Success 200 {object} response.Envelope
// @Router /builder/cart/items/{subjectId} [delete]
func (h *BuilderHandler) RemoveItem(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	view, err := h.service.RemoveItem(portalContext(c), claims.UserID, c.Param("subjectId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, view)
}

// ClearCart godoc
// @Summary Empty the cart
// @Tags Builder
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /builder/cart [delete]
func (h *BuilderHandler) ClearCart(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	view, err := h.service.ClearCart(portalContext(c), claims.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, view)
}

// SelectTab godoc
// @Summary Select the term tab of a year group
// @Tags Builder
// @Accept json
// @Produce json
// @Param year path int true "Year level (0 = unspecified)"
// @Param payload body dto.SelectTabRequest true "Term number"
// @Success 200 {object} response.Envelope
// @Router /builder/tabs/{year} [put]
func (h *BuilderHandler) SelectTab(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	year, err := strconv.Atoi(c.Param("year"))
	if err != nil || year < 0 {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "year must be a non-negative integer"))
		return
	}
	var req dto.SelectTabRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid request body"))
		return
	}
	if err := h.validator.Struct(req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "term must be between 0 and 3"))
		return
	}
	view, err := h.service.SelectTab(portalContext(c), claims.UserID, year, *req.Term)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, view)
}

// Submit godoc
// @Summary Submit the cart as one bulk enrollment
// @Description On success the cart is cleared and the catalog reloaded; on failure the cart is kept and the error carries the server's reason.
// @Tags Builder
// @Produce json
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Failure 503 {object} response.Envelope
// @Router /builder/submit [post]
func (h *BuilderHandler) Submit(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	result, err := h.service.Submit(portalContext(c), claims.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, map[string]interface{}{"enrolled": len(result.Records)})
}
