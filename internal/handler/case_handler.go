package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lyceum-overseas/visa-ops-api/internal/dto"
	"github.com/lyceum-overseas/visa-ops-api/internal/models"
	appErrors "github.com/lyceum-overseas/visa-ops-api/pkg/errors"
	"github.com/lyceum-overseas/visa-ops-api/pkg/response"
)

type caseService interface {
	CreateCase(ctx context.Context, req dto.CreateCaseRequest, actor *models.JWTClaims) (*models.VisaOperation, error)
	GetCase(ctx context.Context, caseID string, actor *models.JWTClaims) (*models.VisaOperation, error)
	ListCases(ctx context.Context, query dto.CaseQuery, actor *models.JWTClaims) ([]models.CaseSummary, error)
	CasesForContact(ctx context.Context, contactID, excludeCaseID string, actor *models.JWTClaims) ([]models.CaseSummary, error)
	SetCgiData(ctx context.Context, caseID string, req dto.CgiDataRequest, actor *models.JWTClaims) (*models.VisaOperation, error)
	SetSlotBooking(ctx context.Context, caseID string, req dto.SlotBookingRequest, actor *models.JWTClaims) (*models.VisaOperation, error)
	SubmitSlotPreferences(ctx context.Context, caseID string, vacPreferred, viPreferred []string, actor *models.JWTClaims) (*models.VisaOperation, error)
	SetInterviewOutcome(ctx context.Context, caseID string, req dto.InterviewOutcomeRequest, actor *models.JWTClaims) (*models.VisaOperation, error)
	Consulates() []string
}

// CaseHandler serves the visa case registry endpoints.
type CaseHandler struct {
	service caseService
}

// NewCaseHandler constructs the handler.
func NewCaseHandler(service caseService) *CaseHandler {
	return &CaseHandler{service: service}
}

// Create godoc
// @Summary Open a new visa case for a contact
// @Tags Cases
// @Accept json
// @Produce json
// @Param payload body dto.CreateCaseRequest true "Case payload"
// @Success 201 {object} response.Envelope
// @Router /cases [post]
func (h *CaseHandler) Create(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.CreateCaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid case payload"))
		return
	}
	op, err := h.service.CreateCase(c.Request.Context(), req, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusCreated, op, nil)
}

// List godoc
// @Summary List register entries
// @Tags Cases
// @Produce json
// @Param text query string false "Free-text filter"
// @Param dateFrom query string false "Creation date lower bound (YYYY-MM-DD)"
// @Param dateTo query string false "Creation date upper bound (YYYY-MM-DD)"
// @Param limit query int false "Page size"
// @Param offset query int false "Page offset"
// @Success 200 {object} response.Envelope
// @Router /cases [get]
func (h *CaseHandler) List(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var query dto.CaseQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid list query"))
		return
	}
	summaries, err := h.service.ListCases(c.Request.Context(), query, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, summaries, nil)
}

// Get godoc
// @Summary Fetch a full case aggregate
// @Tags Cases
// @Produce json
// @Param id path string true "Case ID"
// @Success 200 {object} response.Envelope
// @Router /cases/{id} [get]
func (h *CaseHandler) Get(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	op, err := h.service.GetCase(c.Request.Context(), c.Param("id"), claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, op, nil)
}

// Related godoc
// @Summary List other cases of the same contact
// @Tags Cases
// @Produce json
// @Param id path string true "Case ID"
// @Success 200 {object} response.Envelope
// @Router /cases/{id}/related [get]
func (h *CaseHandler) Related(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	caseID := c.Param("id")
	op, err := h.service.GetCase(c.Request.Context(), caseID, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	summaries, err := h.service.CasesForContact(c.Request.Context(), op.ContactID, caseID, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, summaries, nil)
}

// SetCgi godoc
// @Summary Overwrite CGI credentials for a case
// @Tags Cases
// @Accept json
// @Produce json
// @Param id path string true "Case ID"
// @Param payload body dto.CgiDataRequest true "CGI payload"
// @Success 200 {object} response.Envelope
// @Router /cases/{id}/cgi [put]
func (h *CaseHandler) SetCgi(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.CgiDataRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid cgi payload"))
		return
	}
	op, err := h.service.SetCgiData(c.Request.Context(), c.Param("id"), req, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, op, nil)
}

// SetSlotBooking godoc
// @Summary Overwrite slot booking data for a case
// @Tags Cases
// @Accept json
// @Produce json
// @Param id path string true "Case ID"
// @Param payload body dto.SlotBookingRequest true "Slot booking payload"
// @Success 200 {object} response.Envelope
// @Router /cases/{id}/slot-booking [put]
func (h *CaseHandler) SetSlotBooking(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.SlotBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid slot booking payload"))
		return
	}
	op, err := h.service.SetSlotBooking(c.Request.Context(), c.Param("id"), req, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, op, nil)
}

// SubmitSlotPreferences godoc
// @Summary Submit applicant appointment location preferences
// @Tags Cases
// @Accept json
// @Produce json
// @Param id path string true "Case ID"
// @Param payload body dto.SlotPreferencesRequest true "Preference payload"
// @Success 200 {object} response.Envelope
// @Router /cases/{id}/slot-booking/preferences [post]
func (h *CaseHandler) SubmitSlotPreferences(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.SlotPreferencesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid preferences payload"))
		return
	}
	op, err := h.service.SubmitSlotPreferences(c.Request.Context(), c.Param("id"), req.VacPreferred, req.ViPreferred, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, op, nil)
}

// SetInterviewOutcome godoc
// @Summary Record the visa interview outcome
// @Tags Cases
// @Accept json
// @Produce json
// @Param id path string true "Case ID"
// @Param payload body dto.InterviewOutcomeRequest true "Outcome payload"
// @Success 200 {object} response.Envelope
// @Router /cases/{id}/interview-outcome [put]
func (h *CaseHandler) SetInterviewOutcome(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.InterviewOutcomeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid outcome payload"))
		return
	}
	op, err := h.service.SetInterviewOutcome(c.Request.Context(), c.Param("id"), req, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, op, nil)
}

// Consulates godoc
// @Summary List configured consulate locations
// @Tags Cases
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /consulates [get]
func (h *CaseHandler) Consulates(c *gin.Context) {
	response.JSON(c, http.StatusOK, h.service.Consulates(), nil)
}
