package handler

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/noah-isme/sma-enrollment-builder/internal/dto"
	"github.com/noah-isme/sma-enrollment-builder/internal/models"
	"github.com/noah-isme/sma-enrollment-builder/internal/service"
	appErrors "github.com/noah-isme/sma-enrollment-builder/pkg/errors"
	"github.com/noah-isme/sma-enrollment-builder/pkg/response"
)

type slipService interface {
	CreateJob(ctx context.Context, studentID string, req dto.SlipRequest) (*dto.SlipJobResponse, error)
	GetStatus(ctx context.Context, studentID, id string) (*dto.SlipStatusResponse, error)
	ResolveDownload(ctx context.Context, token string) (*service.SlipDownload, error)
}

// SlipHandler exposes enrollment slip export.
type SlipHandler struct {
	service   slipService
	validator *validator.Validate
}

// NewSlipHandler constructs the handler.
func NewSlipHandler(service slipService, validate *validator.Validate) *SlipHandler {
	if validate == nil {
		validate = validator.New()
	}
	return &SlipHandler{service: service, validator: validate}
}

// Create godoc
// @Summary Request an enrollment slip
// @Tags Slips
// @Accept json
// @Produce json
// @Param payload body dto.SlipRequest true "Slip format"
// @Success 202 {object} response.Envelope
// @Failure 412 {object} response.Envelope
// @Router /builder/slips [post]
func (h *SlipHandler) Create(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.SlipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid request body"))
		return
	}
	req.Format = models.SlipFormat(strings.ToLower(string(req.Format)))
	if err := h.validator.Struct(req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "format must be csv or pdf"))
		return
	}
	job, err := h.service.CreateJob(portalContext(c), claims.UserID, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, job)
}

// Status godoc
// @Summary Enrollment slip status
// @Tags Slips
// @Produce json
// @Param id path string true "Slip job ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /builder/slips/{id} [get]
func (h *SlipHandler) Status(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	status, err := h.service.GetStatus(c.Request.Context(), claims.UserID, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, status)
}

// Download godoc
// @Summary Download an enrollment slip
// @Tags Slips
// @Produce octet-stream
// @Param token query string true "Signed download token"
// @Success 200 {file} binary
// @Failure 403 {object} response.Envelope
// @Router /slips/download [get]
func (h *SlipHandler) Download(c *gin.Context) {
	token := strings.TrimSpace(c.Query("token"))
	if token == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "token is required"))
		return
	}
	result, err := h.service.ResolveDownload(c.Request.Context(), token)
	if err != nil {
		response.Error(c, err)
		return
	}
	defer result.File.Close() //nolint:errcheck

	info, err := result.File.Stat()
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to read slip file"))
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", result.Filename))
	c.Header("Cache-Control", "no-store")
	c.DataFromReader(http.StatusOK, info.Size(), slipContentType(result.Format), result.File, nil)
}

func slipContentType(format models.SlipFormat) string {
	if format == models.SlipFormatPDF {
		return "application/pdf"
	}
	return "text/csv; charset=utf-8"
}
