package adherence

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"meditrack-server/internal/models"
)

// MemoryRepository keeps everything in maps. It backs tests and local runs
// without a database.
type MemoryRepository struct {
	mu            sync.RWMutex
	logs          map[string]*models.DoseLog
	prescriptions map[string]*models.PatientMedication
	patientNames  map[string]string
	stats         map[string]*models.AdherenceStats
	now           func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		logs:          make(map[string]*models.DoseLog),
		prescriptions: make(map[string]*models.PatientMedication),
		patientNames:  make(map[string]string),
		stats:         make(map[string]*models.AdherenceStats),
		now:           time.Now,
	}
}

// AddPrescription registers a prescription, its medication and the patient's display name.
func (m *MemoryRepository) AddPrescription(pm models.PatientMedication, patientName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pm.ID == "" {
		pm.ID = uuid.New().String()
	}
	m.prescriptions[pm.ID] = &pm
	m.patientNames[pm.PatientID] = patientName
}

func (m *MemoryRepository) CreateLog(_ context.Context, l *models.DoseLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.logs {
		if sameSlot(existing, l) {
			return ErrDuplicateDose
		}
	}
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	now := m.now()
	l.CreatedAt, l.UpdatedAt = now, now
	cp := *l
	m.logs[l.ID] = &cp
	return nil
}

func sameSlot(a, b *models.DoseLog) bool {
	return a.ID != b.ID &&
		a.PatientMedicationID == b.PatientMedicationID &&
		CivilDate(a.ScheduledDate).Equal(CivilDate(b.ScheduledDate)) &&
		a.ScheduledTime == b.ScheduledTime
}

func (m *MemoryRepository) GetLog(_ context.Context, id string) (*models.DoseLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.logs[id]
	if !ok {
		return nil, ErrDoseLogNotFound
	}
	cp := *l
	return &cp, nil
}

func (m *MemoryRepository) FindLog(_ context.Context, patientMedicationID string, date time.Time, clock string) (*models.DoseLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, l := range m.logs {
		if l.PatientMedicationID == patientMedicationID &&
			CivilDate(l.ScheduledDate).Equal(CivilDate(date)) && l.ScheduledTime == clock {
			cp := *l
			return &cp, nil
		}
	}
	return nil, ErrDoseLogNotFound
}

func (m *MemoryRepository) UpdateLog(_ context.Context, l *models.DoseLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.logs[l.ID]; !ok {
		return ErrDoseLogNotFound
	}
	for _, existing := range m.logs {
		if sameSlot(existing, l) {
			return ErrDuplicateDose
		}
	}
	l.UpdatedAt = m.now()
	cp := *l
	m.logs[l.ID] = &cp
	return nil
}

func (m *MemoryRepository) DeleteLog(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.logs[id]; !ok {
		return ErrDoseLogNotFound
	}
	delete(m.logs, id)
	return nil
}

func (m *MemoryRepository) matches(l *models.DoseLog, f DoseFilter) bool {
	day := CivilDate(l.ScheduledDate)
	switch {
	case f.PatientID != nil && l.PatientID != *f.PatientID,
		f.PatientMedicationID != nil && l.PatientMedicationID != *f.PatientMedicationID,
		f.Status != nil && l.Status != *f.Status,
		f.From != nil && day.Before(CivilDate(*f.From)),
		f.To != nil && day.After(CivilDate(*f.To)):
		return false
	}
	if f.MedicationID != nil {
		pm, ok := m.prescriptions[l.PatientMedicationID]
		if !ok || pm.MedicationID != *f.MedicationID {
			return false
		}
	}
	return true
}

func (m *MemoryRepository) ListLogs(_ context.Context, f DoseFilter) ([]models.DoseLog, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.DoseLog
	for _, l := range m.logs {
		if m.matches(l, f) {
			out = append(out, *l)
		}
	}
	slices.SortFunc(out, func(a, b models.DoseLog) int {
		return cmp.Or(b.ScheduledDate.Compare(a.ScheduledDate), cmp.Compare(b.ScheduledTime, a.ScheduledTime))
	})
	total := int64(len(out))
	if f.Offset > 0 {
		out = out[min(f.Offset, len(out)):]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, total, nil
}

func (m *MemoryRepository) Doses(_ context.Context, f DoseFilter) ([]Dose, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Dose
	for _, l := range m.logs {
		if !m.matches(l, f) {
			continue
		}
		d := Dose{
			LogID:               l.ID,
			PatientID:           l.PatientID,
			PatientName:         m.patientNames[l.PatientID],
			PatientMedicationID: l.PatientMedicationID,
			Date:                CivilDate(l.ScheduledDate),
			Time:                l.ScheduledTime,
			Status:              l.Status,
			OnTime:              l.OnTime,
			UpdatedAt:           l.UpdatedAt,
		}
		if pm, ok := m.prescriptions[l.PatientMedicationID]; ok {
			d.MedicationID = pm.MedicationID
			d.MedicationName = pm.Medication.Name
		}
		out = append(out, d)
	}
	return out, nil
}

func (m *MemoryRepository) GetPrescription(_ context.Context, id string) (*models.PatientMedication, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pm, ok := m.prescriptions[id]
	if !ok {
		return nil, ErrPrescriptionMissing
	}
	cp := *pm
	return &cp, nil
}

func statsKey(patientID string, period models.PeriodType, start time.Time) string {
	return patientID + "|" + string(period) + "|" + CivilDate(start).Format(time.DateOnly)
}

func (m *MemoryRepository) UpsertStats(_ context.Context, s *models.AdherenceStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := statsKey(s.PatientID, s.PeriodType, s.PeriodStart)
	if existing, ok := m.stats[k]; ok {
		s.ID = existing.ID
		s.CreatedAt = existing.CreatedAt
	} else if s.ID == "" {
		s.ID = uuid.New().String()
		s.CreatedAt = m.now()
	}
	s.UpdatedAt = m.now()
	cp := *s
	m.stats[k] = &cp
	return nil
}

func (m *MemoryRepository) ListStats(_ context.Context, patientID string, period models.PeriodType, limit int) ([]models.AdherenceStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.AdherenceStats
	for _, s := range m.stats {
		if s.PatientID == patientID && s.PeriodType == period {
			out = append(out, *s)
		}
	}
	slices.SortFunc(out, func(a, b models.AdherenceStats) int { return b.PeriodStart.Compare(a.PeriodStart) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
