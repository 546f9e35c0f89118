package adherence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"meditrack-server/internal/models"
)

// GormRepository is the Repository backed by the application database.
type GormRepository struct {
	DB *gorm.DB
}

func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{DB: db}
}

func (r *GormRepository) CreateLog(ctx context.Context, l *models.DoseLog) error {
	err := r.DB.WithContext(ctx).Create(l).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateDose
	}
	return err
}

func (r *GormRepository) GetLog(ctx context.Context, id string) (*models.DoseLog, error) {
	var l models.DoseLog
	if err := r.DB.WithContext(ctx).First(&l, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDoseLogNotFound
		}
		return nil, err
	}
	return &l, nil
}

func (r *GormRepository) FindLog(ctx context.Context, patientMedicationID string, date time.Time, clock string) (*models.DoseLog, error) {
	var l models.DoseLog
	err := r.DB.WithContext(ctx).
		Where("patient_medication_id = ? AND scheduled_date = ? AND scheduled_time = ?",
			patientMedicationID, date.Format(time.DateOnly), clock).
		First(&l).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDoseLogNotFound
		}
		return nil, err
	}
	return &l, nil
}

func (r *GormRepository) UpdateLog(ctx context.Context, l *models.DoseLog) error {
	err := r.DB.WithContext(ctx).Save(l).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateDose
	}
	return err
}

func (r *GormRepository) DeleteLog(ctx context.Context, id string) error {
	res := r.DB.WithContext(ctx).Delete(&models.DoseLog{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrDoseLogNotFound
	}
	return nil
}

// filtered applies f to a query over dose_logs aliased as dl.
func filtered(q *gorm.DB, f DoseFilter) *gorm.DB {
	if f.PatientID != nil {
		q = q.Where("dl.patient_id = ?", *f.PatientID)
	}
	if f.PatientMedicationID != nil {
		q = q.Where("dl.patient_medication_id = ?", *f.PatientMedicationID)
	}
	if f.MedicationID != nil {
		q = q.Where("pm.medication_id = ?", *f.MedicationID)
	}
	if f.Status != nil {
		q = q.Where("dl.status = ?", *f.Status)
	}
	if f.From != nil {
		q = q.Where("dl.scheduled_date >= ?", f.From.Format(time.DateOnly))
	}
	if f.To != nil {
		q = q.Where("dl.scheduled_date <= ?", f.To.Format(time.DateOnly))
	}
	return q
}

func (r *GormRepository) ListLogs(ctx context.Context, f DoseFilter) ([]models.DoseLog, int64, error) {
	q := filtered(r.DB.WithContext(ctx).
		Table("dose_logs AS dl").
		Joins("JOIN patient_medications pm ON pm.id = dl.patient_medication_id"), f)

	var total int64
	if err := q.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count dose logs: %w", err)
	}

	var logs []models.DoseLog
	q = q.Select("dl.*").Order("dl.scheduled_date DESC, dl.scheduled_time DESC")
	if f.Limit > 0 {
		q = q.Limit(f.Limit).Offset(f.Offset)
	}
	if err := q.Find(&logs).Error; err != nil {
		return nil, 0, fmt.Errorf("list dose logs: %w", err)
	}
	return logs, total, nil
}

type doseRow struct {
	LogID               string
	PatientID           string
	FirstName           string
	LastName            string
	PatientMedicationID string
	MedicationID        string
	MedicationName      string
	ScheduledDate       time.Time
	ScheduledTime       string
	Status              models.DoseStatus
	OnTime              *bool
	UpdatedAt           time.Time
}

func (r *GormRepository) Doses(ctx context.Context, f DoseFilter) ([]Dose, error) {
	var rows []doseRow
	err := filtered(r.DB.WithContext(ctx).
		Table("dose_logs AS dl").
		Select(`dl.id AS log_id, dl.patient_id, u.first_name, u.last_name,
			dl.patient_medication_id, pm.medication_id, m.name AS medication_name,
			dl.scheduled_date, dl.scheduled_time, dl.status, dl.on_time, dl.updated_at`).
		Joins("JOIN patient_medications pm ON pm.id = dl.patient_medication_id").
		Joins("JOIN medications m ON m.id = pm.medication_id").
		Joins("LEFT JOIN users u ON u.id = dl.patient_id"), f).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load doses: %w", err)
	}

	doses := make([]Dose, len(rows))
	for i, row := range rows {
		doses[i] = Dose{
			LogID:               row.LogID,
			PatientID:           row.PatientID,
			PatientName:         strings.TrimSpace(row.FirstName + " " + row.LastName),
			PatientMedicationID: row.PatientMedicationID,
			MedicationID:        row.MedicationID,
			MedicationName:      row.MedicationName,
			Date:                CivilDate(row.ScheduledDate),
			Time:                row.ScheduledTime,
			Status:              row.Status,
			OnTime:              row.OnTime,
			UpdatedAt:           row.UpdatedAt,
		}
	}
	return doses, nil
}

func (r *GormRepository) GetPrescription(ctx context.Context, id string) (*models.PatientMedication, error) {
	var pm models.PatientMedication
	if err := r.DB.WithContext(ctx).Preload("Medication").First(&pm, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPrescriptionMissing
		}
		return nil, err
	}
	return &pm, nil
}

// UpsertStats replaces the row for the same patient, period type and start.
func (r *GormRepository) UpsertStats(ctx context.Context, s *models.AdherenceStats) error {
	return r.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "patient_id"}, {Name: "period_type"}, {Name: "period_start"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"period_end", "doses_scheduled", "doses_taken", "doses_skipped", "doses_missed",
			"adherence_score", "on_time_score", "current_streak", "longest_streak",
			"calculated_at", "updated_at",
		}),
	}).Create(s).Error
}

func (r *GormRepository) ListStats(ctx context.Context, patientID string, period models.PeriodType, limit int) ([]models.AdherenceStats, error) {
	var stats []models.AdherenceStats
	q := r.DB.WithContext(ctx).
		Where("patient_id = ? AND period_type = ?", patientID, period).
		Order("period_start DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&stats).Error; err != nil {
		return nil, err
	}
	return stats, nil
}
