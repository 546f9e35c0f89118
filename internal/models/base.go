package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// BaseModel contains common columns for all tables
type BaseModel struct {
	ID        string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// BeforeCreate will set a UUID rather than numeric ID
func (base *BaseModel) BeforeCreate(tx *gorm.DB) error {
	if base.ID == "" {
		base.ID = uuid.New().String()
	}
	return nil
}

// All returns every persisted model, in migration order.
func All() []any {
	return []any{
		&User{},
		&RefreshToken{},
		&Medication{},
		&PatientMedication{},
		&DoseLog{},
		&AdherenceStats{},
		&ReminderSchedule{},
		&Reminder{},
	}
}
