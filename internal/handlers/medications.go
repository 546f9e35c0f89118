package handlers

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"meditrack-server/internal/adherence"
	"meditrack-server/internal/middleware"
	"meditrack-server/internal/models"
	"meditrack-server/internal/reminder"
	"meditrack-server/internal/utils"
)

// MedicationHandler handles the medication catalog and prescriptions.
type MedicationHandler struct {
	DB        *gorm.DB
	Reminders *reminder.Service
}

// NewMedicationHandler creates a new MedicationHandler.
func NewMedicationHandler(db *gorm.DB, reminders *reminder.Service) *MedicationHandler {
	return &MedicationHandler{DB: db, Reminders: reminders}
}

// CreateMedicationRequest represents the request body for a catalog entry.
type CreateMedicationRequest struct {
	Name          string `json:"name" binding:"required"`
	Form          string `json:"form" binding:"required"`
	DefaultDosage string `json:"defaultDosage"`
	SideEffects   string `json:"sideEffects"`
	Warnings      string `json:"warnings"`
}

// CreateMedication adds a medication to the catalog (admin).
func (h *MedicationHandler) CreateMedication(c *gin.Context) {
	var req CreateMedicationRequest
	if !utils.BindAndValidate(c, &req) {
		return
	}
	form, err := models.ParseMedicationForm(req.Form)
	if err != nil {
		utils.BadRequest(c, err.Error())
		return
	}
	adminID, _ := middleware.GetUserIDFromContext(c)

	med := models.Medication{
		Name:          strings.TrimSpace(req.Name),
		Form:          form,
		DefaultDosage: req.DefaultDosage,
		SideEffects:   req.SideEffects,
		Warnings:      req.Warnings,
		CreatedByID:   adminID,
	}
	if err := h.DB.Create(&med).Error; err != nil {
		utils.RespondError(c, err)
		return
	}
	utils.Created(c, "Medication created successfully", med)
}

// GetMedications lists the catalog, optionally matching ?search= by name.
func (h *MedicationHandler) GetMedications(c *gin.Context) {
	q := h.DB.Order("name")
	if search := strings.TrimSpace(c.Query("search")); search != "" {
		q = q.Where("LOWER(name) LIKE ?", "%"+strings.ToLower(search)+"%")
	}
	var meds []models.Medication
	if err := q.Find(&meds).Error; err != nil {
		utils.RespondError(c, err)
		return
	}
	utils.Success(c, "Medications fetched successfully", meds)
}

// PrescribeRequest represents the request body for assigning a medication to a patient.
type PrescribeRequest struct {
	MedicationID string `json:"medicationId" binding:"required"`
	Dosage       string `json:"dosage"`
	Instructions string `json:"instructions"`
	TimesPerDay  int    `json:"timesPerDay" binding:"omitempty,min=1,max=24"`
	StartDate    string `json:"startDate" binding:"required"`
	EndDate      string `json:"endDate"`
}

// Prescribe assigns a catalog medication to a patient (admin). The
// prescription stays pending until the patient confirms it.
func (h *MedicationHandler) Prescribe(c *gin.Context) {
	var req PrescribeRequest
	if !utils.BindAndValidate(c, &req) {
		return
	}
	patientID := c.Param("id")

	start, err := adherence.ParseDate(req.StartDate)
	if err != nil {
		utils.RespondError(c, err)
		return
	}
	pm := models.PatientMedication{
		PatientID:    patientID,
		MedicationID: req.MedicationID,
		Dosage:       req.Dosage,
		Instructions: req.Instructions,
		TimesPerDay:  max(req.TimesPerDay, 1),
		StartDate:    start,
		Status:       models.PrescriptionPending,
	}
	pm.PrescribedByID, _ = middleware.GetUserIDFromContext(c)
	if req.EndDate != "" {
		end, err := adherence.ParseDate(req.EndDate)
		if err != nil {
			utils.RespondError(c, err)
			return
		}
		if end.Before(start) {
			utils.BadRequest(c, "endDate must not be before startDate")
			return
		}
		pm.EndDate = &end
	}

	var patient models.User
	if err := h.DB.First(&patient, "id = ? AND role = ?", patientID, models.RolePatient).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			utils.NotFound(c, "Patient not found")
		} else {
			utils.RespondError(c, err)
		}
		return
	}
	if err := h.DB.First(&pm.Medication, "id = ?", req.MedicationID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			utils.NotFound(c, "Medication not found")
		} else {
			utils.RespondError(c, err)
		}
		return
	}
	if pm.Dosage == "" {
		pm.Dosage = pm.Medication.DefaultDosage
	}

	if err := h.DB.Omit("Medication").Create(&pm).Error; err != nil {
		utils.RespondError(c, err)
		return
	}
	utils.Created(c, "Medication prescribed successfully", pm)
}

// GetPatientMedications lists a patient's prescriptions, optionally by ?status=.
func (h *MedicationHandler) GetPatientMedications(c *gin.Context) {
	scope, ok := middleware.Scope(c)
	if !ok {
		return
	}
	patientID := c.Param("id")
	if err := scope.Authorize(patientID); err != nil {
		utils.RespondError(c, err)
		return
	}

	q := h.DB.Preload("Medication").Where("patient_id = ?", patientID).Order("created_at DESC")
	if raw := c.Query("status"); raw != "" {
		status, err := models.ParsePrescriptionStatus(raw)
		if err != nil {
			utils.BadRequest(c, err.Error())
			return
		}
		q = q.Where("status = ?", status)
	}
	var pms []models.PatientMedication
	if err := q.Find(&pms).Error; err != nil {
		utils.RespondError(c, err)
		return
	}
	utils.Success(c, "Prescriptions fetched successfully", pms)
}

// ConfirmPrescription lets a patient accept a pending prescription, making it active.
func (h *MedicationHandler) ConfirmPrescription(c *gin.Context) {
	userID, _ := middleware.GetUserIDFromContext(c)

	var pm models.PatientMedication
	if err := h.DB.Preload("Medication").First(&pm, "id = ?", c.Param("id")).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			utils.NotFound(c, "Prescription not found")
		} else {
			utils.RespondError(c, err)
		}
		return
	}
	if pm.PatientID != userID {
		utils.Forbidden(c, "Only the patient can confirm this prescription")
		return
	}
	if pm.Status != models.PrescriptionPending {
		utils.Conflict(c, "Only pending prescriptions can be confirmed")
		return
	}

	pm.Status = models.PrescriptionActive
	pm.ConfirmedByPatient = true
	if err := h.DB.Model(&pm).Updates(map[string]any{
		"status":               pm.Status,
		"confirmed_by_patient": true,
	}).Error; err != nil {
		utils.RespondError(c, err)
		return
	}
	utils.Success(c, "Prescription confirmed", pm)
}

// StopPrescription stops a prescription and cascades to its reminders (admin).
func (h *MedicationHandler) StopPrescription(c *gin.Context) {
	scope, ok := middleware.Scope(c)
	if !ok {
		return
	}
	res, err := h.Reminders.StopPrescription(c.Request.Context(), scope, c.Param("id"))
	if err != nil {
		utils.RespondError(c, err)
		return
	}
	utils.Success(c, "Prescription stopped", res)
}
