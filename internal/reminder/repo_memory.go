package reminder

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"meditrack-server/internal/models"
)

// MemoryRepository keeps everything in maps. Transactions are serialized
// and roll back by restoring a snapshot.
type MemoryRepository struct {
	txMu          sync.Mutex
	mu            sync.RWMutex
	schedules     map[string]*models.ReminderSchedule
	reminders     map[string]*models.Reminder
	prescriptions map[string]*models.PatientMedication
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		schedules:     make(map[string]*models.ReminderSchedule),
		reminders:     make(map[string]*models.Reminder),
		prescriptions: make(map[string]*models.PatientMedication),
	}
}

func (m *MemoryRepository) AddPrescription(pm models.PatientMedication) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pm.ID == "" {
		pm.ID = uuid.New().String()
	}
	m.prescriptions[pm.ID] = &pm
}

func cloneMap[V any](src map[string]*V) map[string]*V {
	out := make(map[string]*V, len(src))
	for k, v := range src {
		cp := *v
		out[k] = &cp
	}
	return out
}

func (m *MemoryRepository) Transaction(_ context.Context, fn func(tx Repository) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.RLock()
	schedules, reminders, prescriptions := cloneMap(m.schedules), cloneMap(m.reminders), cloneMap(m.prescriptions)
	m.mu.RUnlock()

	if err := fn(m); err != nil {
		m.mu.Lock()
		m.schedules, m.reminders, m.prescriptions = schedules, reminders, prescriptions
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *MemoryRepository) CreateSchedule(_ context.Context, s *models.ReminderSchedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.schedules {
		if existing.PatientMedicationID == s.PatientMedicationID {
			return ErrScheduleExists
		}
	}
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	now := time.Now()
	s.CreatedAt, s.UpdatedAt = now, now
	cp := *s
	m.schedules[s.ID] = &cp
	return nil
}

func (m *MemoryRepository) GetSchedule(_ context.Context, id string) (*models.ReminderSchedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.schedules[id]
	if !ok {
		return nil, ErrScheduleNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryRepository) GetScheduleByMedication(_ context.Context, patientMedicationID string) (*models.ReminderSchedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.schedules {
		if s.PatientMedicationID == patientMedicationID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, ErrScheduleNotFound
}

func (m *MemoryRepository) ListSchedules(_ context.Context, f ScheduleFilter) ([]models.ReminderSchedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.ReminderSchedule
	for _, s := range m.schedules {
		if f.PatientID != nil && s.PatientID != *f.PatientID {
			continue
		}
		if f.ActiveOnly && !s.IsActive {
			continue
		}
		out = append(out, *s)
	}
	slices.SortFunc(out, func(a, b models.ReminderSchedule) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (m *MemoryRepository) UpdateSchedule(_ context.Context, s *models.ReminderSchedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[s.ID]; !ok {
		return ErrScheduleNotFound
	}
	s.UpdatedAt = time.Now()
	cp := *s
	m.schedules[s.ID] = &cp
	return nil
}

func (m *MemoryRepository) DeleteSchedule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[id]; !ok {
		return ErrScheduleNotFound
	}
	delete(m.schedules, id)
	return nil
}

func (m *MemoryRepository) GetPrescription(_ context.Context, id string) (*models.PatientMedication, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pm, ok := m.prescriptions[id]
	if !ok {
		return nil, ErrPrescriptionNotFound
	}
	cp := *pm
	return &cp, nil
}

func (m *MemoryRepository) UpdatePrescription(_ context.Context, pm *models.PatientMedication) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.prescriptions[pm.ID]; !ok {
		return ErrPrescriptionNotFound
	}
	cp := *pm
	m.prescriptions[pm.ID] = &cp
	return nil
}

func (m *MemoryRepository) CreateReminder(_ context.Context, r *models.Reminder) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.reminders {
		if existing.PatientMedicationID == r.PatientMedicationID && existing.ActualDoseTime.Equal(r.ActualDoseTime) {
			return false, nil
		}
	}
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	now := time.Now()
	r.CreatedAt, r.UpdatedAt = now, now
	cp := *r
	m.reminders[r.ID] = &cp
	return true, nil
}

func (m *MemoryRepository) GetReminder(_ context.Context, id string) (*models.Reminder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reminders[id]
	if !ok {
		return nil, ErrReminderNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryRepository) UpdateReminder(_ context.Context, r *models.Reminder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reminders[r.ID]; !ok {
		return ErrReminderNotFound
	}
	r.UpdatedAt = time.Now()
	cp := *r
	m.reminders[r.ID] = &cp
	return nil
}

func matchesReminder(r *models.Reminder, f ReminderFilter) bool {
	switch {
	case f.PatientID != nil && r.PatientID != *f.PatientID,
		f.PatientMedicationID != nil && r.PatientMedicationID != *f.PatientMedicationID,
		f.ScheduleID != nil && r.ScheduleID != *f.ScheduleID,
		len(f.Statuses) > 0 && !slices.Contains(f.Statuses, r.Status),
		f.From != nil && r.ScheduledTime.Before(*f.From),
		f.To != nil && r.ScheduledTime.After(*f.To),
		f.DoseTime != nil && !r.ActualDoseTime.Equal(*f.DoseTime),
		f.SentBefore != nil && (r.SentAt == nil || !r.SentAt.Before(*f.SentBefore)),
		f.ExcludeDeadLetters && r.DeadLetter:
		return false
	}
	return true
}

func (m *MemoryRepository) ListReminders(_ context.Context, f ReminderFilter) ([]models.Reminder, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Reminder
	for _, id := range slices.Sorted(maps.Keys(m.reminders)) {
		if r := m.reminders[id]; matchesReminder(r, f) {
			out = append(out, *r)
		}
	}
	slices.SortStableFunc(out, func(a, b models.Reminder) int { return a.ScheduledTime.Compare(b.ScheduledTime) })
	total := int64(len(out))
	if f.Offset > 0 {
		out = out[min(f.Offset, len(out)):]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, total, nil
}
