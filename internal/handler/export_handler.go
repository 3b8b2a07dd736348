package handler

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/lyceum-overseas/visa-ops-api/internal/dto"
	"github.com/lyceum-overseas/visa-ops-api/internal/models"
	"github.com/lyceum-overseas/visa-ops-api/internal/service"
	appErrors "github.com/lyceum-overseas/visa-ops-api/pkg/errors"
	"github.com/lyceum-overseas/visa-ops-api/pkg/response"
)

type exportJobService interface {
	CreateRegisterExport(ctx context.Context, req dto.CreateRegisterExportRequest, actor *models.JWTClaims) (*dto.ExportJobResponse, error)
	CreateCaseExport(ctx context.Context, caseID string, req dto.CreateCaseExportRequest, actor *models.JWTClaims) (*dto.ExportJobResponse, error)
	GetStatus(ctx context.Context, id string, actor *models.JWTClaims) (*dto.ExportJobResponse, error)
	ResolveDownload(ctx context.Context, token string) (*service.ExportDownload, error)
}

// ExportHandler serves asynchronous export endpoints.
type ExportHandler struct {
	service exportJobService
}

// NewExportHandler constructs the handler.
func NewExportHandler(service exportJobService) *ExportHandler {
	return &ExportHandler{service: service}
}

// CreateRegisterExport godoc
// @Summary Queue a CSV export of the case register
// @Tags Exports
// @Accept json
// @Produce json
// @Param payload body dto.CreateRegisterExportRequest true "Filter payload"
// @Success 202 {object} response.Envelope
// @Router /exports/register [post]
func (h *ExportHandler) CreateRegisterExport(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.CreateRegisterExportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid export payload"))
		return
	}
	job, err := h.service.CreateRegisterExport(c.Request.Context(), req, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusAccepted, job, nil)
}

// CreateCaseExport godoc
// @Summary Queue a single-case summary export
// @Tags Exports
// @Accept json
// @Produce json
// @Param id path string true "Case ID"
// @Param payload body dto.CreateCaseExportRequest false "Format payload"
// @Success 202 {object} response.Envelope
// @Router /cases/{id}/export [post]
func (h *ExportHandler) CreateCaseExport(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.CreateCaseExportRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid export payload"))
			return
		}
	}
	job, err := h.service.CreateCaseExport(c.Request.Context(), c.Param("id"), req, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusAccepted, job, nil)
}

// GetStatus godoc
// @Summary Poll an export job
// @Tags Exports
// @Produce json
// @Param id path string true "Job ID"
// @Success 200 {object} response.Envelope
// @Router /exports/{id} [get]
func (h *ExportHandler) GetStatus(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	job, err := h.service.GetStatus(c.Request.Context(), c.Param("id"), claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, job, nil)
}

// Download godoc
// @Summary Download a finished export via signed token
// @Tags Exports
// @Produce octet-stream
// @Param token path string true "Signed token"
// @Success 200 {file} binary
// @Router /exports/download/{token} [get]
func (h *ExportHandler) Download(c *gin.Context) {
	token := strings.TrimSpace(c.Param("token"))
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
	contentType := "text/csv"
	if result.Format == models.ExportFormatPDF {
		contentType = "application/pdf"
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", result.Filename))
	c.Header("Cache-Control", "no-store")
	c.DataFromReader(http.StatusOK, -1, contentType, result.File, nil)
}
