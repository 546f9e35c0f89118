package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DoseStatus is the outcome of one scheduled dose.
type DoseStatus string

const (
	DoseTaken   DoseStatus = "taken"
	DoseSkipped DoseStatus = "skipped"
	DoseMissed  DoseStatus = "missed"
)

// ParseDoseStatus normalizes casing and rejects unknown statuses.
func ParseDoseStatus(s string) (DoseStatus, error) {
	switch d := DoseStatus(strings.ToLower(strings.TrimSpace(s))); d {
	case DoseTaken, DoseSkipped, DoseMissed:
		return d, nil
	default:
		return "", fmt.Errorf("unknown dose status %q", s)
	}
}

// UnmarshalJSON validates the status while binding request bodies.
func (d *DoseStatus) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseDoseStatus(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// LoggedVia records how a dose log was created.
type LoggedVia string

const (
	LoggedManual   LoggedVia = "manual"
	LoggedReminder LoggedVia = "reminder"
	LoggedBackfill LoggedVia = "backfill"
)

// DoseLog records whether one scheduled dose was taken, skipped or missed.
type DoseLog struct {
	BaseModel
	PatientID           string     `gorm:"size:36;index;not null" json:"patientId"`
	PatientMedicationID string     `gorm:"size:36;not null;uniqueIndex:uq_dose_slot,priority:1" json:"patientMedicationId"`
	ScheduledDate       time.Time  `gorm:"type:date;not null;index;uniqueIndex:uq_dose_slot,priority:2" json:"scheduledDate"`
	ScheduledTime       string     `gorm:"size:5;not null;uniqueIndex:uq_dose_slot,priority:3" json:"scheduledTime"`
	ActualTime          *time.Time `json:"actualTime,omitempty"`
	Status              DoseStatus `gorm:"size:10;not null;index" json:"status"`
	OnTime              *bool      `json:"onTime,omitempty"`
	MinutesLate         *int       `json:"minutesLate,omitempty"`
	Notes               string     `gorm:"type:text" json:"notes,omitempty"`
	SkippedReason       string     `gorm:"size:255" json:"skippedReason,omitempty"`
	LoggedVia           LoggedVia  `gorm:"size:20;default:'manual'" json:"loggedVia"`
	ReminderID          *string    `gorm:"size:36" json:"reminderId,omitempty"`
}
