package models

import (
	"fmt"
	"strings"
	"time"
)

// MedicationForm represents the physical form of a catalog medication
type MedicationForm string

const (
	FormTablet    MedicationForm = "tablet"
	FormCapsule   MedicationForm = "capsule"
	FormLiquid    MedicationForm = "liquid"
	FormInjection MedicationForm = "injection"
	FormInhaler   MedicationForm = "inhaler"
	FormTopical   MedicationForm = "topical"
	FormOther     MedicationForm = "other"
)

// ParseMedicationForm normalizes casing and rejects unknown forms.
func ParseMedicationForm(s string) (MedicationForm, error) {
	switch f := MedicationForm(strings.ToLower(strings.TrimSpace(s))); f {
	case FormTablet, FormCapsule, FormLiquid, FormInjection, FormInhaler, FormTopical, FormOther:
		return f, nil
	default:
		return "", fmt.Errorf("unknown medication form %q", s)
	}
}

// Medication is a catalog entry that can be prescribed to many patients.
type Medication struct {
	BaseModel
	Name          string         `gorm:"size:255;not null;index" json:"name"`
	Form          MedicationForm `gorm:"size:20;not null" json:"form"`
	DefaultDosage string         `gorm:"size:100" json:"defaultDosage"`
	SideEffects   string         `gorm:"type:text" json:"sideEffects,omitempty"`
	Warnings      string         `gorm:"type:text" json:"warnings,omitempty"`
	CreatedByID   string         `gorm:"size:36" json:"createdById"`
}

// PrescriptionStatus represents the lifecycle of a patient medication
type PrescriptionStatus string

const (
	PrescriptionPending PrescriptionStatus = "pending"
	PrescriptionActive  PrescriptionStatus = "active"
	PrescriptionStopped PrescriptionStatus = "stopped"
)

// ParsePrescriptionStatus normalizes casing and rejects unknown statuses.
func ParsePrescriptionStatus(s string) (PrescriptionStatus, error) {
	switch p := PrescriptionStatus(strings.ToLower(strings.TrimSpace(s))); p {
	case PrescriptionPending, PrescriptionActive, PrescriptionStopped:
		return p, nil
	default:
		return "", fmt.Errorf("unknown prescription status %q", s)
	}
}

// PatientMedication is a prescription: one catalog medication assigned to one patient.
type PatientMedication struct {
	BaseModel
	PatientID          string             `gorm:"size:36;index;not null" json:"patientId"`
	MedicationID       string             `gorm:"size:36;index;not null" json:"medicationId"`
	Dosage             string             `gorm:"size:100" json:"dosage"`
	Instructions       string             `gorm:"type:text" json:"instructions,omitempty"`
	TimesPerDay        int                `gorm:"default:1" json:"timesPerDay"`
	StartDate          time.Time          `gorm:"type:date" json:"startDate"`
	EndDate            *time.Time         `gorm:"type:date" json:"endDate,omitempty"`
	Status             PrescriptionStatus `gorm:"size:20;default:'pending'" json:"status"`
	ConfirmedByPatient bool               `gorm:"default:false" json:"confirmedByPatient"`
	PrescribedByID     string             `gorm:"size:36" json:"prescribedById"`

	Medication Medication `gorm:"foreignKey:MedicationID" json:"medication,omitempty"`
}

// IsActive reports whether the prescription still produces doses.
func (pm *PatientMedication) IsActive() bool {
	return pm.Status != PrescriptionStopped
}
