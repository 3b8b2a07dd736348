package handler

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lyceum-overseas/visa-ops-api/internal/middleware"
	"github.com/lyceum-overseas/visa-ops-api/internal/models"
	"github.com/lyceum-overseas/visa-ops-api/internal/service"
	appErrors "github.com/lyceum-overseas/visa-ops-api/pkg/errors"
	"github.com/lyceum-overseas/visa-ops-api/pkg/response"
)

// AnalyticsHandler serves workflow analytics endpoints.
type AnalyticsHandler struct {
	service *service.AnalyticsService
}

// NewAnalyticsHandler constructs the handler.
func NewAnalyticsHandler(service *service.AnalyticsService) *AnalyticsHandler {
	return &AnalyticsHandler{service: service}
}

// Pipeline godoc
// @Summary Case counts per workflow stage
// @Tags Analytics
// @Produce json
// @Param country query string false "Country filter"
// @Param dateFrom query string false "Creation date lower bound (YYYY-MM-DD)"
// @Param dateTo query string false "Creation date upper bound (YYYY-MM-DD)"
// @Success 200 {object} response.Envelope
// @Router /analytics/pipeline [get]
func (h *AnalyticsHandler) Pipeline(c *gin.Context) {
	filter := models.PipelineFilter{Country: strings.TrimSpace(c.Query("country"))}
	var err error
	if filter.DateFrom, err = parseQueryDate(c.Query("dateFrom")); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "dateFrom must be YYYY-MM-DD"))
		return
	}
	if filter.DateTo, err = parseQueryDate(c.Query("dateTo")); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "dateTo must be YYYY-MM-DD"))
		return
	}
	summaries, cached, err := h.service.Pipeline(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetCacheHit(c, cached)
	response.JSON(c, http.StatusOK, summaries, nil, middleware.ExtractMeta(c))
}

// Outcomes godoc
// @Summary Interview outcome counts per consulate
// @Tags Analytics
// @Produce json
// @Param consulate query string false "Consulate filter"
// @Param dateFrom query string false "Interview date lower bound (YYYY-MM-DD)"
// @Param dateTo query string false "Interview date upper bound (YYYY-MM-DD)"
// @Success 200 {object} response.Envelope
// @Router /analytics/outcomes [get]
func (h *AnalyticsHandler) Outcomes(c *gin.Context) {
	filter := models.OutcomeFilter{Consulate: strings.TrimSpace(c.Query("consulate"))}
	var err error
	if filter.DateFrom, err = parseQueryDate(c.Query("dateFrom")); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "dateFrom must be YYYY-MM-DD"))
		return
	}
	if filter.DateTo, err = parseQueryDate(c.Query("dateTo")); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "dateTo must be YYYY-MM-DD"))
		return
	}
	summaries, cached, err := h.service.Outcomes(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetCacheHit(c, cached)
	response.JSON(c, http.StatusOK, summaries, nil, middleware.ExtractMeta(c))
}

// ExpiringForms godoc
// @Summary DS-160 sessions expiring soon without a confirmation document
// @Tags Analytics
// @Produce json
// @Param withinDays query int false "Window in days (default 3)"
// @Success 200 {object} response.Envelope
// @Router /analytics/expiring [get]
func (h *AnalyticsHandler) ExpiringForms(c *gin.Context) {
	within := 72 * time.Hour
	if raw := c.Query("withinDays"); raw != "" {
		days, err := strconv.Atoi(raw)
		if err != nil || days <= 0 {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "withinDays must be a positive integer"))
			return
		}
		within = time.Duration(days) * 24 * time.Hour
	}
	forms, err := h.service.ExpiringForms(c.Request.Context(), within)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, forms, nil)
}

// SystemMetrics godoc
// @Summary Instrumentation snapshot
// @Tags Analytics
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /analytics/system [get]
func (h *AnalyticsHandler) SystemMetrics(c *gin.Context) {
	response.JSON(c, http.StatusOK, h.service.SystemMetrics(), nil)
}

func parseQueryDate(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
