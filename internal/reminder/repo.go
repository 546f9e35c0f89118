package reminder

import (
	"context"
	"fmt"
	"time"

	"meditrack-server/internal/apperr"
	"meditrack-server/internal/models"
)

var (
	ErrScheduleNotFound     = fmt.Errorf("reminder schedule %w", apperr.ErrNotFound)
	ErrReminderNotFound     = fmt.Errorf("reminder %w", apperr.ErrNotFound)
	ErrPrescriptionNotFound = fmt.Errorf("prescription %w", apperr.ErrNotFound)
	ErrScheduleExists       = fmt.Errorf("reminder schedule already exists for this medication: %w", apperr.ErrConflict)
	ErrPrescriptionStopped  = fmt.Errorf("prescription is stopped: %w", apperr.ErrConflict)
)

// ScheduleFilter narrows ListSchedules.
type ScheduleFilter struct {
	PatientID  *string
	ActiveOnly bool
}

// ReminderFilter narrows ListReminders. From and To bound scheduled_time
// inclusively.
type ReminderFilter struct {
	PatientID           *string
	PatientMedicationID *string
	ScheduleID          *string
	Statuses            []models.ReminderStatus
	From                *time.Time
	To                  *time.Time
	DoseTime            *time.Time
	SentBefore          *time.Time
	ExcludeDeadLetters  bool
	Limit               int
	Offset              int
}

// Repository is the persistence the scheduler depends on.
type Repository interface {
	// Transaction runs fn against a repository bound to one transaction.
	Transaction(ctx context.Context, fn func(tx Repository) error) error

	CreateSchedule(ctx context.Context, s *models.ReminderSchedule) error
	GetSchedule(ctx context.Context, id string) (*models.ReminderSchedule, error)
	GetScheduleByMedication(ctx context.Context, patientMedicationID string) (*models.ReminderSchedule, error)
	ListSchedules(ctx context.Context, f ScheduleFilter) ([]models.ReminderSchedule, error)
	UpdateSchedule(ctx context.Context, s *models.ReminderSchedule) error
	DeleteSchedule(ctx context.Context, id string) error

	GetPrescription(ctx context.Context, id string) (*models.PatientMedication, error)
	UpdatePrescription(ctx context.Context, pm *models.PatientMedication) error

	// CreateReminder inserts r unless a reminder already exists for the same
	// prescription and dose time. It reports whether a row was inserted.
	CreateReminder(ctx context.Context, r *models.Reminder) (bool, error)
	GetReminder(ctx context.Context, id string) (*models.Reminder, error)
	UpdateReminder(ctx context.Context, r *models.Reminder) error
	// ListReminders returns a page ordered by scheduled_time and the total count.
	ListReminders(ctx context.Context, f ReminderFilter) ([]models.Reminder, int64, error)
}
