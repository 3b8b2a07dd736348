package handler

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/lyceum-overseas/visa-ops-api/internal/dto"
	"github.com/lyceum-overseas/visa-ops-api/internal/models"
	"github.com/lyceum-overseas/visa-ops-api/internal/service"
	appErrors "github.com/lyceum-overseas/visa-ops-api/pkg/errors"
	"github.com/lyceum-overseas/visa-ops-api/pkg/response"
)

type dsService interface {
	SetDsData(ctx context.Context, caseID string, req dto.DsDataRequest, actor *models.JWTClaims) (*models.VisaOperation, error)
	SetStartDate(ctx context.Context, caseID string, req dto.StartDateRequest, actor *models.JWTClaims) (*models.VisaOperation, error)
	StudentAccept(ctx context.Context, caseID string, actor *models.JWTClaims) (*models.VisaOperation, error)
	StudentReject(ctx context.Context, caseID string, req dto.RejectRequest, actor *models.JWTClaims) (*models.VisaOperation, error)
	StaffAcceptOnBehalf(ctx context.Context, caseID string, actor *models.JWTClaims) (*models.VisaOperation, error)
	AdminAccept(ctx context.Context, caseID string, actor *models.JWTClaims) (*models.VisaOperation, error)
	AdminReject(ctx context.Context, caseID string, req dto.RejectRequest, actor *models.JWTClaims) (*models.VisaOperation, error)
	AttachFillingDocument(ctx context.Context, caseID string, upload service.DocumentUpload, actor *models.JWTClaims) (*models.VisaOperation, error)
	AttachInternalDocument(ctx context.Context, caseID string, upload service.DocumentUpload, actor *models.JWTClaims) (*models.VisaOperation, error)
	AttachConfirmationDocument(ctx context.Context, caseID string, upload service.DocumentUpload, actor *models.JWTClaims) (*models.VisaOperation, error)
	DeleteDocument(ctx context.Context, caseID, docID string, actor *models.JWTClaims) (*models.VisaOperation, error)
	GetDownloadURL(ctx context.Context, docID string, actor *models.JWTClaims) (string, error)
	Download(ctx context.Context, docID, token string, actor *models.JWTClaims) (*service.DocumentDownload, error)
}

// DsHandler serves the DS-160 sub-record endpoints. Download URLs are built
// under apiPrefix so they match wherever the router group is mounted.
type DsHandler struct {
	service   dsService
	apiPrefix string
}

// NewDsHandler constructs the handler.
func NewDsHandler(service dsService, apiPrefix string) *DsHandler {
	return &DsHandler{service: service, apiPrefix: strings.TrimRight(apiPrefix, "/")}
}

// SetData godoc
// @Summary Overwrite DS-160 form metadata
// @Tags DS-160
// @Accept json
// @Produce json
// @Param id path string true "Case ID"
// @Param payload body dto.DsDataRequest true "DS-160 payload"
// @Success 200 {object} response.Envelope
// @Router /cases/{id}/ds [put]
func (h *DsHandler) SetData(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.DsDataRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid ds payload"))
		return
	}
	op, err := h.service.SetDsData(c.Request.Context(), c.Param("id"), req, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, op, nil)
}

// SetStartDate godoc
// @Summary Set the DS-160 session start date
// @Tags DS-160
// @Accept json
// @Produce json
// @Param id path string true "Case ID"
// @Param payload body dto.StartDateRequest true "Start date payload"
// @Success 200 {object} response.Envelope
// @Router /cases/{id}/ds/start-date [put]
func (h *DsHandler) SetStartDate(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.StartDateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid start date payload"))
		return
	}
	op, err := h.service.SetStartDate(c.Request.Context(), c.Param("id"), req, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, op, nil)
}

// StudentAccept godoc
// @Summary Applicant accepts the filling documents
// @Tags DS-160
// @Produce json
// @Param id path string true "Case ID"
// @Success 200 {object} response.Envelope
// @Router /cases/{id}/ds/student-accept [post]
func (h *DsHandler) StudentAccept(c *gin.Context) {
	h.transition(c, h.service.StudentAccept)
}

// StaffAccept godoc
// @Summary Staff records applicant acceptance on their behalf
// @Tags DS-160
// @Produce json
// @Param id path string true "Case ID"
// @Success 200 {object} response.Envelope
// @Router /cases/{id}/ds/staff-accept [post]
func (h *DsHandler) StaffAccept(c *gin.Context) {
	h.transition(c, h.service.StaffAcceptOnBehalf)
}

// AdminAccept godoc
// @Summary Administrator accepts the filling documents
// @Tags DS-160
// @Produce json
// @Param id path string true "Case ID"
// @Success 200 {object} response.Envelope
// @Router /cases/{id}/ds/admin-accept [post]
func (h *DsHandler) AdminAccept(c *gin.Context) {
	h.transition(c, h.service.AdminAccept)
}

func (h *DsHandler) transition(c *gin.Context, apply func(context.Context, string, *models.JWTClaims) (*models.VisaOperation, error)) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	op, err := apply(c.Request.Context(), c.Param("id"), claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, op, nil)
}

// StudentReject godoc
// @Summary Applicant rejects the filling documents
// @Tags DS-160
// @Accept json
// @Produce json
// @Param id path string true "Case ID"
// @Param payload body dto.RejectRequest true "Rejection payload"
// @Success 200 {object} response.Envelope
// @Router /cases/{id}/ds/student-reject [post]
func (h *DsHandler) StudentReject(c *gin.Context) {
	h.reject(c, h.service.StudentReject)
}

// AdminReject godoc
// @Summary Administrator rejects the filling documents
// @Tags DS-160
// @Accept json
// @Produce json
// @Param id path string true "Case ID"
// @Param payload body dto.RejectRequest true "Rejection payload"
// @Success 200 {object} response.Envelope
// @Router /cases/{id}/ds/admin-reject [post]
func (h *DsHandler) AdminReject(c *gin.Context) {
	h.reject(c, h.service.AdminReject)
}

func (h *DsHandler) reject(c *gin.Context, apply func(context.Context, string, dto.RejectRequest, *models.JWTClaims) (*models.VisaOperation, error)) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.RejectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "rejection reason is required"))
		return
	}
	op, err := apply(c.Request.Context(), c.Param("id"), req, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, op, nil)
}

// AttachDocument godoc
// @Summary Attach a DS-160 document
// @Tags DS-160
// @Accept multipart/form-data
// @Produce json
// @Param id path string true "Case ID"
// @Param kind formData string true "Document kind (FILLING, INTERNAL, CONFIRMATION)"
// @Param file formData file true "Document"
// @Success 201 {object} response.Envelope
// @Router /cases/{id}/ds/documents [post]
func (h *DsHandler) AttachDocument(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	kind := models.DocumentKind(strings.ToUpper(strings.TrimSpace(c.PostForm("kind"))))
	fileHeader, err := c.FormFile("file")
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "file is required"))
		return
	}
	src, err := fileHeader.Open()
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to open file"))
		return
	}
	defer src.Close()

	reader, ok := src.(io.ReadSeeker)
	if !ok {
		buf, readErr := io.ReadAll(src)
		if readErr != nil {
			response.Error(c, appErrors.Wrap(readErr, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to buffer file"))
			return
		}
		reader = bytes.NewReader(buf)
	}
	upload := service.DocumentUpload{
		Filename: fileHeader.Filename,
		Size:     fileHeader.Size,
		MimeType: fileHeader.Header.Get("Content-Type"),
		Content:  reader,
	}

	var op *models.VisaOperation
	switch kind {
	case models.DocumentKindFilling:
		op, err = h.service.AttachFillingDocument(c.Request.Context(), c.Param("id"), upload, claims)
	case models.DocumentKindInternal:
		op, err = h.service.AttachInternalDocument(c.Request.Context(), c.Param("id"), upload, claims)
	case models.DocumentKindConfirmation:
		op, err = h.service.AttachConfirmationDocument(c.Request.Context(), c.Param("id"), upload, claims)
	default:
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "unsupported document kind"))
		return
	}
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusCreated, op, nil)
}

// DeleteDocument godoc
// @Summary Delete a DS-160 document
// @Tags DS-160
// @Produce json
// @Param id path string true "Case ID"
// @Param docId path string true "Document ID"
// @Success 200 {object} response.Envelope
// @Router /cases/{id}/ds/documents/{docId} [delete]
func (h *DsHandler) DeleteDocument(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	op, err := h.service.DeleteDocument(c.Request.Context(), c.Param("id"), c.Param("docId"), claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, op, nil)
}

// DocumentURL godoc
// @Summary Issue a signed download URL for a document
// @Tags DS-160
// @Produce json
// @Param docId path string true "Document ID"
// @Success 200 {object} response.Envelope
// @Router /documents/{docId}/url [get]
func (h *DsHandler) DocumentURL(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	docID := c.Param("docId")
	token, err := h.service.GetDownloadURL(c.Request.Context(), docID, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, gin.H{
		"documentId": docID,
		"url":        fmt.Sprintf("%s/documents/%s/download?token=%s", h.apiPrefix, docID, token),
	}, nil)
}

// DownloadDocument godoc
// @Summary Download a document blob
// @Tags DS-160
// @Produce octet-stream
// @Param docId path string true "Document ID"
// @Param token query string false "Signed token"
// @Success 200 {file} binary
// @Router /documents/{docId}/download [get]
func (h *DsHandler) DownloadDocument(c *gin.Context) {
	claims := claimsFromContext(c)
	token := strings.TrimSpace(c.Query("token"))
	if claims == nil && token == "" {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	result, err := h.service.Download(c.Request.Context(), c.Param("docId"), token, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	defer result.File.Close() //nolint:errcheck
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", result.Filename))
	c.Header("Cache-Control", "no-store")
	c.DataFromReader(http.StatusOK, result.SizeBytes, result.ContentType, result.File, nil)
}
