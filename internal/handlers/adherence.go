package handlers

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"

	"meditrack-server/internal/adherence"
	"meditrack-server/internal/apperr"
	"meditrack-server/internal/middleware"
	"meditrack-server/internal/models"
	"meditrack-server/internal/utils"
)

const defaultWindowDays = 30

// AdherenceHandler exposes dose logging and patient-facing statistics.
type AdherenceHandler struct {
	Adherence *adherence.Service
}

// NewAdherenceHandler creates a new AdherenceHandler.
func NewAdherenceHandler(svc *adherence.Service) *AdherenceHandler {
	return &AdherenceHandler{Adherence: svc}
}

// dateWindow reads startDate and endDate, defaulting to the days ending today.
// Ranges the engine would refuse are rejected here.
func dateWindow(c *gin.Context, today time.Time, days int) (time.Time, time.Time, error) {
	start, err := utils.QueryDate(c, "startDate")
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := utils.QueryDate(c, "endDate")
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if end == nil {
		end = &today
	}
	if start == nil {
		s := end.AddDate(0, 0, -(days - 1))
		start = &s
	}
	if _, err := adherence.NewWindow(*start, *end); err != nil {
		return time.Time{}, time.Time{}, err
	}
	return *start, *end, nil
}

func queryDoseStatus(c *gin.Context) (*models.DoseStatus, error) {
	raw := utils.QueryString(c, "status")
	if raw == nil {
		return nil, nil
	}
	st, err := models.ParseDoseStatus(*raw)
	if err != nil {
		return nil, apperr.Validation(err.Error())
	}
	return &st, nil
}

func parseLoggedVia(s string) (models.LoggedVia, error) {
	switch v := models.LoggedVia(s); v {
	case "":
		return models.LoggedManual, nil
	case models.LoggedManual, models.LoggedReminder, models.LoggedBackfill:
		return v, nil
	default:
		return "", apperr.Validation(fmt.Sprintf("unknown loggedVia %q", s))
	}
}

// LogDoseRequest represents the request body for recording a dose.
type LogDoseRequest struct {
	PatientMedicationID string            `json:"patientMedicationId" binding:"required"`
	ScheduledDate       string            `json:"scheduledDate" binding:"required"`
	ScheduledTime       string            `json:"scheduledTime" binding:"required" validate:"clock"`
	Status              models.DoseStatus `json:"status" binding:"required"`
	ActualTime          *time.Time        `json:"actualTime"`
	Notes               string            `json:"notes"`
	SkippedReason       string            `json:"skippedReason"`
	LoggedVia           string            `json:"loggedVia"`
	ReminderID          *string           `json:"reminderId"`
}

// LogDose records a taken, skipped or missed dose.
func (h *AdherenceHandler) LogDose(c *gin.Context) {
	scope, ok := middleware.Scope(c)
	if !ok {
		return
	}
	var req LogDoseRequest
	if !utils.BindAndValidate(c, &req) {
		return
	}
	date, err := adherence.ParseDate(req.ScheduledDate)
	if err != nil {
		utils.RespondError(c, err)
		return
	}
	via, err := parseLoggedVia(req.LoggedVia)
	if err != nil {
		utils.RespondError(c, err)
		return
	}

	l, err := h.Adherence.RecordDose(c.Request.Context(), scope, adherence.RecordInput{
		PatientMedicationID: req.PatientMedicationID,
		ScheduledDate:       date,
		ScheduledTime:       req.ScheduledTime,
		Status:              req.Status,
		ActualTime:          req.ActualTime,
		Notes:               req.Notes,
		SkippedReason:       req.SkippedReason,
		LoggedVia:           via,
		ReminderID:          req.ReminderID,
	})
	if err != nil {
		utils.RespondError(c, err)
		return
	}
	utils.Created(c, "Dose logged successfully", l)
}

// GetDoseLogs lists dose logs. Patients only ever see their own.
func (h *AdherenceHandler) GetDoseLogs(c *gin.Context) {
	scope, ok := middleware.Scope(c)
	if !ok {
		return
	}
	f := adherence.DoseFilter{
		PatientID:           utils.QueryString(c, "patientId"),
		PatientMedicationID: utils.QueryString(c, "patientMedicationId"),
		MedicationID:        utils.QueryString(c, "medicationId"),
	}
	var err error
	if f.Status, err = queryDoseStatus(c); err != nil {
		utils.RespondError(c, err)
		return
	}
	if f.From, err = utils.QueryDate(c, "startDate"); err != nil {
		utils.RespondError(c, err)
		return
	}
	if f.To, err = utils.QueryDate(c, "endDate"); err != nil {
		utils.RespondError(c, err)
		return
	}
	if f.Limit, err = utils.QueryInt(c, "limit", adherence.DefaultSummaryLimit); err != nil {
		utils.RespondError(c, err)
		return
	}
	if f.Offset, err = utils.QueryInt(c, "offset", 0); err != nil {
		utils.RespondError(c, err)
		return
	}
	if f.Limit < 1 || f.Limit > adherence.MaxSummaryLimit || f.Offset < 0 {
		utils.BadRequest(c, fmt.Sprintf("limit must be between 1 and %d and offset must not be negative", adherence.MaxSummaryLimit))
		return
	}

	page, err := h.Adherence.ListDoses(c.Request.Context(), scope, f)
	if err != nil {
		utils.RespondError(c, err)
		return
	}
	utils.Success(c, "Dose logs fetched successfully", page)
}

// UpdateDoseRequest represents a correction to an existing dose log.
type UpdateDoseRequest struct {
	Status        *models.DoseStatus `json:"status"`
	ActualTime    *time.Time         `json:"actualTime"`
	Notes         *string            `json:"notes"`
	SkippedReason *string            `json:"skippedReason"`
}

// UpdateDoseLog corrects a dose log.
func (h *AdherenceHandler) UpdateDoseLog(c *gin.Context) {
	scope, ok := middleware.Scope(c)
	if !ok {
		return
	}
	var req UpdateDoseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequest(c, "Invalid request payload: "+err.Error())
		return
	}
	l, err := h.Adherence.UpdateDose(c.Request.Context(), scope, c.Param("id"), adherence.UpdateInput{
		Status:        req.Status,
		ActualTime:    req.ActualTime,
		Notes:         req.Notes,
		SkippedReason: req.SkippedReason,
	})
	if err != nil {
		utils.RespondError(c, err)
		return
	}
	utils.Success(c, "Dose log updated successfully", l)
}

// DeleteDoseLog removes a dose log.
func (h *AdherenceHandler) DeleteDoseLog(c *gin.Context) {
	scope, ok := middleware.Scope(c)
	if !ok {
		return
	}
	if err := h.Adherence.DeleteDose(c.Request.Context(), scope, c.Param("id")); err != nil {
		utils.RespondError(c, err)
		return
	}
	utils.Success(c, "Dose log deleted successfully", nil)
}

// GetStats returns adherence statistics over startDate..endDate (last 30
// days by default). Admins may pass patientId or omit it for the fleet.
func (h *AdherenceHandler) GetStats(c *gin.Context) {
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

// GetDashboard returns the caller's own dashboard.
func (h *AdherenceHandler) GetDashboard(c *gin.Context) {
	scope, ok := middleware.Scope(c)
	if !ok {
		return
	}
	h.dashboard(c, scope.UserID)
}

// GetPatientDashboard returns any patient's dashboard (admin).
func (h *AdherenceHandler) GetPatientDashboard(c *gin.Context) {
	h.dashboard(c, c.Param("id"))
}

func (h *AdherenceHandler) dashboard(c *gin.Context, patientID string) {
	scope, ok := middleware.Scope(c)
	if !ok {
		return
	}
	d, err := h.Adherence.Dashboard(c.Request.Context(), scope, patientID)
	if err != nil {
		utils.RespondError(c, err)
		return
	}
	utils.Success(c, "Dashboard fetched successfully", d)
}

// GetHistory lists materialized stats, newest period first.
func (h *AdherenceHandler) GetHistory(c *gin.Context) {
	scope, ok := middleware.Scope(c)
	if !ok {
		return
	}
	patientID := scope.UserID
	if requested := utils.QueryString(c, "patientId"); requested != nil {
		patientID = *requested
	}
	period := models.PeriodWeekly
	if raw := utils.QueryString(c, "period"); raw != nil {
		p, err := models.ParsePeriodType(*raw)
		if err != nil {
			utils.BadRequest(c, err.Error())
			return
		}
		period = p
	}
	limit, err := utils.QueryInt(c, "limit", 12)
	if err != nil {
		utils.RespondError(c, err)
		return
	}
	if limit < 1 || limit > adherence.MaxSummaryLimit {
		utils.BadRequest(c, fmt.Sprintf("limit must be between 1 and %d", adherence.MaxSummaryLimit))
		return
	}

	rows, err := h.Adherence.History(c.Request.Context(), scope, patientID, period, limit)
	if err != nil {
		utils.RespondError(c, err)
		return
	}
	utils.Success(c, "Adherence history fetched successfully", rows)
}
