package handlers

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"

	"meditrack-server/internal/adherence"
	"meditrack-server/internal/apperr"
	"meditrack-server/internal/middleware"
	"meditrack-server/internal/models"
	"meditrack-server/internal/reminder"
	"meditrack-server/internal/utils"
)

const (
	defaultReminderPage = 50
	maxReminderPage     = 500
)

// ReminderHandler exposes reminder schedules and reminder instances.
type ReminderHandler struct {
	Reminders *reminder.Service
	DaysAhead int
}

// NewReminderHandler creates a new ReminderHandler. daysAhead is used by
// generate when the request does not name a horizon.
func NewReminderHandler(svc *reminder.Service, daysAhead int) *ReminderHandler {
	if daysAhead <= 0 {
		daysAhead = reminder.DefaultDaysAhead
	}
	return &ReminderHandler{Reminders: svc, DaysAhead: daysAhead}
}

// ScheduleRequest is the body of schedule create and update. On update,
// omitted fields keep their current value.
type ScheduleRequest struct {
	PatientMedicationID  string   `json:"patientMedicationId"`
	Frequency            *string  `json:"frequency"`
	ReminderTimes        []string `json:"reminderTimes" validate:"omitempty,max=24,dive,clock"`
	AdvanceMinutes       *int     `json:"advanceMinutes"`
	ChannelPush          *bool    `json:"channelPush"`
	ChannelEmail         *bool    `json:"channelEmail"`
	ChannelSMS           *bool    `json:"channelSMS"`
	ChannelWhatsApp      *bool    `json:"channelWhatsApp"`
	AutoSkipIfTaken      *bool    `json:"autoSkipIfTaken"`
	EscalateIfMissed     *bool    `json:"escalateIfMissed"`
	EscalateDelayMinutes *int     `json:"escalateDelayMinutes"`
	QuietHoursEnabled    *bool    `json:"quietHoursEnabled"`
	QuietStart           *string  `json:"quietHoursStart" validate:"omitempty,clock"`
	QuietEnd             *string  `json:"quietHoursEnd" validate:"omitempty,clock"`
	StartDate            *string  `json:"startDate"`
	EndDate              *string  `json:"endDate"`
}

func optionalDate(s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	d, err := adherence.ParseDate(*s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r ScheduleRequest) input() (reminder.ScheduleInput, error) {
	in := reminder.ScheduleInput{
		PatientMedicationID:  r.PatientMedicationID,
		ReminderTimes:        r.ReminderTimes,
		AdvanceMinutes:       r.AdvanceMinutes,
		ChannelPush:          r.ChannelPush,
		ChannelEmail:         r.ChannelEmail,
		ChannelSMS:           r.ChannelSMS,
		ChannelWhatsApp:      r.ChannelWhatsApp,
		AutoSkipIfTaken:      r.AutoSkipIfTaken,
		EscalateIfMissed:     r.EscalateIfMissed,
		EscalateDelayMinutes: r.EscalateDelayMinutes,
		QuietHoursEnabled:    r.QuietHoursEnabled,
		QuietStart:           r.QuietStart,
		QuietEnd:             r.QuietEnd,
	}
	if r.Frequency != nil {
		f, err := models.ParseFrequency(*r.Frequency)
		if err != nil {
			return in, apperr.Validation(err.Error())
		}
		in.Frequency = &f
	}
	var err error
	if in.StartDate, err = optionalDate(r.StartDate); err != nil {
		return in, err
	}
	if in.EndDate, err = optionalDate(r.EndDate); err != nil {
		return in, err
	}
	return in, nil
}

// bindSchedule binds and validates a ScheduleRequest, writing a 400 on failure.
func bindSchedule(c *gin.Context) (reminder.ScheduleInput, bool) {
	var req ScheduleRequest
	if !utils.BindAndValidate(c, &req) {
		return reminder.ScheduleInput{}, false
	}
	in, err := req.input()
	if err != nil {
		utils.RespondError(c, err)
		return reminder.ScheduleInput{}, false
	}
	return in, true
}

// CreateSchedule handles POST /reminders/schedules.
func (h *ReminderHandler) CreateSchedule(c *gin.Context) {
	scope, ok := middleware.Scope(c)
	if !ok {
		return
	}
	in, ok := bindSchedule(c)
	if !ok {
		return
	}
	if in.PatientMedicationID == "" {
		utils.BadRequest(c, "patientMedicationId is required")
		return
	}
	sch, err := h.Reminders.CreateSchedule(c.Request.Context(), scope, in)
	if err != nil {
		utils.RespondError(c, err)
		return
	}
	utils.Created(c, "Reminder schedule created successfully", sch)
}

// GetSchedules lists schedules. Admins may filter by ?patientId=.
func (h *ReminderHandler) GetSchedules(c *gin.Context) {
	scope, ok := middleware.Scope(c)
	if !ok {
		return
	}
	f := reminder.ScheduleFilter{
		PatientID:  utils.QueryString(c, "patientId"),
		ActiveOnly: c.Query("active") == "true",
	}
	list, err := h.Reminders.ListSchedules(c.Request.Context(), scope, f)
	if err != nil {
		utils.RespondError(c, err)
		return
	}
	utils.Success(c, "Reminder schedules fetched successfully", list)
}

// GetSchedule handles GET /reminders/schedules/:id.
func (h *ReminderHandler) GetSchedule(c *gin.Context) {
	scope, ok := middleware.Scope(c)
	if !ok {
		return
	}
	sch, err := h.Reminders.GetSchedule(c.Request.Context(), scope, c.Param("id"))
	if err != nil {
		utils.RespondError(c, err)
		return
	}
	utils.Success(c, "Reminder schedule fetched successfully", sch)
}

// GetScheduleByMedication handles GET /reminders/schedules/medication/:pmId.
func (h *ReminderHandler) GetScheduleByMedication(c *gin.Context) {
	scope, ok := middleware.Scope(c)
	if !ok {
		return
	}
	sch, err := h.Reminders.GetScheduleByMedication(c.Request.Context(), scope, c.Param("pmId"))
	if err != nil {
		utils.RespondError(c, err)
		return
	}
	utils.Success(c, "Reminder schedule fetched successfully", sch)
}

// UpdateSchedule handles PUT /reminders/schedules/:id. Reminders already
// generated keep their original times.
func (h *ReminderHandler) UpdateSchedule(c *gin.Context) {
	scope, ok := middleware.Scope(c)
	if !ok {
		return
	}
	in, ok := bindSchedule(c)
	if !ok {
		return
	}
	sch, err := h.Reminders.UpdateSchedule(c.Request.Context(), scope, c.Param("id"), in)
	if err != nil {
		utils.RespondError(c, err)
		return
	}
	utils.Success(c, "Reminder schedule updated successfully", sch)
}

// ToggleRequest represents the request body for activating a schedule.
type ToggleRequest struct {
	IsActive *bool `json:"isActive" binding:"required"`
}

// ToggleSchedule handles PATCH /reminders/schedules/:id/toggle.
func (h *ReminderHandler) ToggleSchedule(c *gin.Context) {
	scope, ok := middleware.Scope(c)
	if !ok {
		return
	}
	var req ToggleRequest
	if !utils.BindAndValidate(c, &req) {
		return
	}
	sch, err := h.Reminders.Toggle(c.Request.Context(), scope, c.Param("id"), *req.IsActive)
	if err != nil {
		utils.RespondError(c, err)
		return
	}
	utils.Success(c, "Reminder schedule toggled successfully", sch)
}

// DeleteSchedule handles DELETE /reminders/schedules/:id.
func (h *ReminderHandler) DeleteSchedule(c *gin.Context) {
	scope, ok := middleware.Scope(c)
	if !ok {
		return
	}
	if err := h.Reminders.DeleteSchedule(c.Request.Context(), scope, c.Param("id")); err != nil {
		utils.RespondError(c, err)
		return
	}
	utils.Success(c, "Reminder schedule deleted successfully", nil)
}

// GenerateReminders handles POST /reminders/schedules/:id/generate?days=N.
func (h *ReminderHandler) GenerateReminders(c *gin.Context) {
	scope, ok := middleware.Scope(c)
	if !ok {
		return
	}
	days, err := utils.QueryInt(c, "days", h.DaysAhead)
	if err != nil {
		utils.RespondError(c, err)
		return
	}
	res, err := h.Reminders.Generate(c.Request.Context(), scope, c.Param("id"), days)
	if err != nil {
		utils.RespondError(c, err)
		return
	}
	utils.Created(c, fmt.Sprintf("Generated %d reminders", res.Count), res)
}

// GetReminders handles GET /reminders with patientId, status (repeatable),
// from, to, limit and offset filters.
func (h *ReminderHandler) GetReminders(c *gin.Context) {
	scope, ok := middleware.Scope(c)
	if !ok {
		return
	}
	f := reminder.ReminderFilter{
		PatientID:           utils.QueryString(c, "patientId"),
		PatientMedicationID: utils.QueryString(c, "patientMedicationId"),
	}
	for _, raw := range c.QueryArray("status") {
		st, err := models.ParseReminderStatus(raw)
		if err != nil {
			utils.BadRequest(c, err.Error())
			return
		}
		f.Statuses = append(f.Statuses, st)
	}
	var err error
	if f.From, err = utils.QueryTime(c, "from"); err != nil {
		utils.RespondError(c, err)
		return
	}
	if f.To, err = utils.QueryTime(c, "to"); err != nil {
		utils.RespondError(c, err)
		return
	}
	if f.Limit, err = utils.QueryInt(c, "limit", defaultReminderPage); err != nil {
		utils.RespondError(c, err)
		return
	}
	if f.Offset, err = utils.QueryInt(c, "offset", 0); err != nil {
		utils.RespondError(c, err)
		return
	}
	if f.Limit < 1 || f.Limit > maxReminderPage || f.Offset < 0 {
		utils.BadRequest(c, fmt.Sprintf("limit must be between 1 and %d and offset must not be negative", maxReminderPage))
		return
	}

	page, err := h.Reminders.ListReminders(c.Request.Context(), scope, f)
	if err != nil {
		utils.RespondError(c, err)
		return
	}
	utils.Success(c, "Reminders fetched successfully", page)
}

// CancelRequest represents the optional body of a cancellation.
type CancelRequest struct {
	Reason string `json:"reason" binding:"max=255"`
}

// CancelReminder handles POST /reminders/:id/cancel.
func (h *ReminderHandler) CancelReminder(c *gin.Context) {
	scope, ok := middleware.Scope(c)
	if !ok {
		return
	}
	var req CancelRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.BadRequest(c, "Invalid request payload: "+err.Error())
			return
		}
	}
	r, err := h.Reminders.Cancel(c.Request.Context(), scope, c.Param("id"), req.Reason)
	if err != nil {
		utils.RespondError(c, err)
		return
	}
	utils.Success(c, "Reminder cancelled", r)
}

// AcknowledgeReminder handles POST /reminders/:id/acknowledge.
func (h *ReminderHandler) AcknowledgeReminder(c *gin.Context) {
	scope, ok := middleware.Scope(c)
	if !ok {
		return
	}
	r, err := h.Reminders.Acknowledge(c.Request.Context(), scope, c.Param("id"))
	if err != nil {
		utils.RespondError(c, err)
		return
	}
	utils.Success(c, "Reminder acknowledged", r)
}

// GetReminderStats handles GET /reminders/stats?days=N.
func (h *ReminderHandler) GetReminderStats(c *gin.Context) {
	scope, ok := middleware.Scope(c)
	if !ok {
		return
	}
	days, err := utils.QueryInt(c, "days", reminder.DefaultStatsDays)
	if err != nil {
		utils.RespondError(c, err)
		return
	}
	sum, err := h.Reminders.StatsSummary(c.Request.Context(), scope, days, utils.QueryString(c, "patientId"))
	if err != nil {
		utils.RespondError(c, err)
		return
	}
	utils.Success(c, "Reminder stats fetched successfully", sum)
}
