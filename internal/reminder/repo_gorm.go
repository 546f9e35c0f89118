package reminder

import (
	"context"
	"errors"
	"fmt"

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

func (r *GormRepository) Transaction(ctx context.Context, fn func(tx Repository) error) error {
	return r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormRepository{DB: tx})
	})
}

func (r *GormRepository) CreateSchedule(ctx context.Context, s *models.ReminderSchedule) error {
	err := r.DB.WithContext(ctx).Create(s).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrScheduleExists
	}
	return err
}

func (r *GormRepository) GetSchedule(ctx context.Context, id string) (*models.ReminderSchedule, error) {
	var s models.ReminderSchedule
	if err := r.DB.WithContext(ctx).First(&s, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrScheduleNotFound
		}
		return nil, err
	}
	return &s, nil
}

func (r *GormRepository) GetScheduleByMedication(ctx context.Context, patientMedicationID string) (*models.ReminderSchedule, error) {
	var s models.ReminderSchedule
	if err := r.DB.WithContext(ctx).First(&s, "patient_medication_id = ?", patientMedicationID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrScheduleNotFound
		}
		return nil, err
	}
	return &s, nil
}

func (r *GormRepository) ListSchedules(ctx context.Context, f ScheduleFilter) ([]models.ReminderSchedule, error) {
	q := r.DB.WithContext(ctx).Order("created_at ASC")
	if f.PatientID != nil {
		q = q.Where("patient_id = ?", *f.PatientID)
	}
	if f.ActiveOnly {
		q = q.Where("is_active = ?", true)
	}
	var schedules []models.ReminderSchedule
	if err := q.Find(&schedules).Error; err != nil {
		return nil, fmt.Errorf("list reminder schedules: %w", err)
	}
	return schedules, nil
}

func (r *GormRepository) UpdateSchedule(ctx context.Context, s *models.ReminderSchedule) error {
	return r.DB.WithContext(ctx).Save(s).Error
}

func (r *GormRepository) DeleteSchedule(ctx context.Context, id string) error {
	res := r.DB.WithContext(ctx).Delete(&models.ReminderSchedule{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

func (r *GormRepository) GetPrescription(ctx context.Context, id string) (*models.PatientMedication, error) {
	var pm models.PatientMedication
	if err := r.DB.WithContext(ctx).Preload("Medication").First(&pm, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPrescriptionNotFound
		}
		return nil, err
	}
	return &pm, nil
}

func (r *GormRepository) UpdatePrescription(ctx context.Context, pm *models.PatientMedication) error {
	return r.DB.WithContext(ctx).Omit(clause.Associations).Save(pm).Error
}

func (r *GormRepository) CreateReminder(ctx context.Context, rem *models.Reminder) (bool, error) {
	var existing int64
	err := r.DB.WithContext(ctx).Model(&models.Reminder{}).
		Where("patient_medication_id = ? AND actual_dose_time = ?", rem.PatientMedicationID, rem.ActualDoseTime).
		Count(&existing).Error
	if err != nil {
		return false, err
	}
	if existing > 0 {
		return false, nil
	}
	// A concurrent generate can still win the race; the unique index turns
	// that into a no-op insert.
	res := r.DB.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(rem)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *GormRepository) GetReminder(ctx context.Context, id string) (*models.Reminder, error) {
	var rem models.Reminder
	if err := r.DB.WithContext(ctx).First(&rem, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrReminderNotFound
		}
		return nil, err
	}
	return &rem, nil
}

func (r *GormRepository) UpdateReminder(ctx context.Context, rem *models.Reminder) error {
	return r.DB.WithContext(ctx).Save(rem).Error
}

func (r *GormRepository) ListReminders(ctx context.Context, f ReminderFilter) ([]models.Reminder, int64, error) {
	q := r.DB.WithContext(ctx).Model(&models.Reminder{})
	if f.PatientID != nil {
		q = q.Where("patient_id = ?", *f.PatientID)
	}
	if f.PatientMedicationID != nil {
		q = q.Where("patient_medication_id = ?", *f.PatientMedicationID)
	}
	if f.ScheduleID != nil {
		q = q.Where("schedule_id = ?", *f.ScheduleID)
	}
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", f.Statuses)
	}
	if f.From != nil {
		q = q.Where("scheduled_time >= ?", *f.From)
	}
	if f.To != nil {
		q = q.Where("scheduled_time <= ?", *f.To)
	}
	if f.DoseTime != nil {
		q = q.Where("actual_dose_time = ?", *f.DoseTime)
	}
	if f.SentBefore != nil {
		q = q.Where("sent_at < ?", *f.SentBefore)
	}
	if f.ExcludeDeadLetters {
		q = q.Where("dead_letter = ?", false)
	}

	var total int64
	if err := q.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count reminders: %w", err)
	}
	q = q.Order("scheduled_time ASC")
	if f.Limit > 0 {
		q = q.Limit(f.Limit).Offset(f.Offset)
	}
	var reminders []models.Reminder
	if err := q.Find(&reminders).Error; err != nil {
		return nil, 0, fmt.Errorf("list reminders: %w", err)
	}
	return reminders, total, nil
}
