package handlers

import (
	"slices"

	"github.com/gin-gonic/gin"

	"meditrack-server/internal/adherence"
	"meditrack-server/internal/middleware"
	"meditrack-server/internal/utils"
)

// AnalyticsHandler serves fleet-wide adherence analytics (admin).
type AnalyticsHandler struct {
	Adherence *adherence.Service
}

// NewAnalyticsHandler creates a new AnalyticsHandler.
func NewAnalyticsHandler(svc *adherence.Service) *AnalyticsHandler {
	return &AnalyticsHandler{Adherence: svc}
}

// GetOverview handles GET /analytics/adherence/overview.
func (h *AnalyticsHandler) GetOverview(c *gin.Context) {
	scope, ok := middleware.Scope(c)
	if !ok {
		return
	}
	start, end, err := dateWindow(c, h.Adherence.Today(), defaultWindowDays)
	if err != nil {
		utils.RespondError(c, err)
		return
	}
	ov, err := h.Adherence.Overview(c.Request.Context(), scope, start, end)
	if err != nil {
		utils.RespondError(c, err)
		return
	}
	utils.Success(c, "Adherence overview fetched successfully", ov)
}

// GetTrends handles GET /analytics/adherence/trends.
func (h *AnalyticsHandler) GetTrends(c *gin.Context) {
	scope, ok := middleware.Scope(c)
	if !ok {
		return
	}
	start, end, err := dateWindow(c, h.Adherence.Today(), defaultWindowDays)
	if err != nil {
		utils.RespondError(c, err)
		return
	}
	seq, err := h.Adherence.Trends(c.Request.Context(), scope, start, end, utils.QueryString(c, "patientId"))
	if err != nil {
		utils.RespondError(c, err)
		return
	}
	utils.Success(c, "Adherence trends fetched successfully", slices.Collect(seq))
}

// summaryQuery reads the ranking parameters. The window is optional; without
// it the whole history is ranked.
func summaryQuery(c *gin.Context) (adherence.SummaryQuery, error) {
	var q adherence.SummaryQuery
	var err error
	if q.Limit, err = utils.QueryInt(c, "limit", adherence.DefaultSummaryLimit); err != nil {
		return q, err
	}
	if q.MinAdherence, err = utils.QueryFloat(c, "minAdherence"); err != nil {
		return q, err
	}
	if q.Start, err = utils.QueryDate(c, "startDate"); err != nil {
		return q, err
	}
	if q.End, err = utils.QueryDate(c, "endDate"); err != nil {
		return q, err
	}
	q.MedicationID = utils.QueryString(c, "medicationId")
	return q, nil
}

// GetPatients handles GET /analytics/adherence/patients.
func (h *AnalyticsHandler) GetPatients(c *gin.Context) {
	scope, ok := middleware.Scope(c)
	if !ok {
		return
	}
	q, err := summaryQuery(c)
	if err != nil {
		utils.RespondError(c, err)
		return
	}
	rows, err := h.Adherence.PatientSummary(c.Request.Context(), scope, q)
	if err != nil {
		utils.RespondError(c, err)
		return
	}
	utils.Success(c, "Patient adherence fetched successfully", rows)
}

// GetMedications handles GET /analytics/adherence/medications.
func (h *AnalyticsHandler) GetMedications(c *gin.Context) {
	scope, ok := middleware.Scope(c)
	if !ok {
		return
	}
	q, err := summaryQuery(c)
	if err != nil {
		utils.RespondError(c, err)
		return
	}
	rows, err := h.Adherence.MedicationDetail(c.Request.Context(), scope, q)
	if err != nil {
		utils.RespondError(c, err)
		return
	}
	utils.Success(c, "Medication adherence fetched successfully", rows)
}

// GetStats handles GET /analytics/adherence/stats.
func (h *AnalyticsHandler) GetStats(c *gin.Context) {
	scope, ok := middleware.Scope(c)
	if !ok {
		return
	}
	start, end, err := dateWindow(c, h.Adherence.Today(), defaultWindowDays)
	if err != nil {
		utils.RespondError(c, err)
		return
	}
	st, err := h.Adherence.Stats(c.Request.Context(), scope, start, end, utils.QueryString(c, "patientId"))
	if err != nil {
		utils.RespondError(c, err)
		return
	}
	utils.Success(c, "Adherence stats fetched successfully", st)
}
