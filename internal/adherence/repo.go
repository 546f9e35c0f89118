package adherence

import (
	"context"
	"fmt"
	"time"

	"meditrack-server/internal/apperr"
	"meditrack-server/internal/models"
)

var (
	ErrDoseLogNotFound     = fmt.Errorf("dose log %w", apperr.ErrNotFound)
	ErrPrescriptionMissing = fmt.Errorf("prescription %w", apperr.ErrNotFound)
	ErrDuplicateDose       = fmt.Errorf("dose already recorded for this slot: %w", apperr.ErrConflict)
	ErrPrescriptionStopped = fmt.Errorf("prescription is stopped: %w", apperr.ErrConflict)
)

// DoseFilter narrows dose log queries. Dates are inclusive civil dates.
type DoseFilter struct {
	PatientID           *string
	PatientMedicationID *string
	MedicationID        *string
	Status              *models.DoseStatus
	From                *time.Time
	To                  *time.Time
	Limit               int
	Offset              int
}

// Repository is the persistence the adherence service depends on.
type Repository interface {
	CreateLog(ctx context.Context, l *models.DoseLog) error
	GetLog(ctx context.Context, id string) (*models.DoseLog, error)
	FindLog(ctx context.Context, patientMedicationID string, date time.Time, clock string) (*models.DoseLog, error)
	UpdateLog(ctx context.Context, l *models.DoseLog) error
	DeleteLog(ctx context.Context, id string) error
	// ListLogs returns a page of logs, newest scheduled first, and the total count.
	ListLogs(ctx context.Context, f DoseFilter) ([]models.DoseLog, int64, error)
	// Doses returns the aggregation projection. Limit and Offset are ignored.
	Doses(ctx context.Context, f DoseFilter) ([]Dose, error)

	GetPrescription(ctx context.Context, id string) (*models.PatientMedication, error)

	UpsertStats(ctx context.Context, s *models.AdherenceStats) error
	ListStats(ctx context.Context, patientID string, period models.PeriodType, limit int) ([]models.AdherenceStats, error)
}
