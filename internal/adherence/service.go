package adherence

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"meditrack-server/internal/access"
	"meditrack-server/internal/apperr"
	"meditrack-server/internal/cache"
	"meditrack-server/internal/metrics"
	"meditrack-server/internal/models"
)

const (
	DefaultSummaryLimit = 50
	MaxSummaryLimit     = 1000
	recentLogsLimit     = 10
)

// DoseObserver is told about doses recorded as taken.
type DoseObserver interface {
	DoseTaken(ctx context.Context, l *models.DoseLog) error
}

// Service exposes the adherence engine over stored dose logs.
type Service struct {
	repo      Repository
	cache     cache.Cache
	tolerance time.Duration
	loc       *time.Location
	log       zerolog.Logger
	now       func() time.Time
	observer  DoseObserver
}

func NewService(repo Repository, c cache.Cache, tolerance time.Duration, loc *time.Location, logger zerolog.Logger) *Service {
	if c == nil {
		c = cache.Noop{}
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Service{
		repo:      repo,
		cache:     c,
		tolerance: tolerance,
		loc:       loc,
		log:       logger.With().Str("component", "adherence").Logger(),
		now:       time.Now,
	}
}

// SetClock replaces the time source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// SetObserver attaches a DoseObserver.
func (s *Service) SetObserver(o DoseObserver) {
	s.observer = o
}

// Today is the current civil date in the service location.
func (s *Service) Today() time.Time {
	return CivilDate(s.now().In(s.loc))
}

func (s *Service) invalidate(ctx context.Context) {
	if err := s.cache.Invalidate(ctx); err != nil {
		s.log.Warn().Err(err).Msg("adherence cache invalidation failed")
	}
}

// cached serves key from the cache or computes and stores it. The value is
// stored under the version read before compute, so a write that invalidates
// meanwhile keeps it from being served. Cache failures only cost a
// recomputation.
func cached[T any](ctx context.Context, s *Service, key string, compute func() (T, error)) (T, error) {
	var v T
	version, err := s.cache.Version(ctx)
	if err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("adherence cache read failed")
		return compute()
	}
	if ok, err := s.cache.Get(ctx, version, key, &v); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("adherence cache read failed")
	} else if ok {
		return v, nil
	}
	v, err = compute()
	if err != nil {
		return v, err
	}
	if err := s.cache.Set(ctx, version, key, v); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("adherence cache write failed")
	}
	return v, nil
}

// -- Dose logs --

// RecordInput is a new dose event.
type RecordInput struct {
	PatientMedicationID string
	ScheduledDate       time.Time
	ScheduledTime       string
	Status              models.DoseStatus
	ActualTime          *time.Time
	Notes               string
	SkippedReason       string
	LoggedVia           models.LoggedVia
	ReminderID          *string
}

// applyOutcome fills the derived punctuality fields of l.
func (s *Service) applyOutcome(l *models.DoseLog) error {
	slot, err := SlotTime(l.ScheduledDate, l.ScheduledTime, s.loc)
	if err != nil {
		return err
	}
	if l.Status != models.DoseTaken {
		l.ActualTime, l.OnTime, l.MinutesLate = nil, nil, nil
		return nil
	}
	if l.ActualTime == nil {
		now := s.now()
		l.ActualTime = &now
	}
	onTime, late := Punctuality(slot, *l.ActualTime, s.tolerance)
	l.OnTime, l.MinutesLate = &onTime, &late
	l.SkippedReason = ""
	return nil
}

func (s *Service) RecordDose(ctx context.Context, scope access.Scope, in RecordInput) (*models.DoseLog, error) {
	pm, err := s.repo.GetPrescription(ctx, in.PatientMedicationID)
	if err != nil {
		return nil, err
	}
	if err := scope.Authorize(pm.PatientID); err != nil {
		return nil, err
	}
	if !pm.IsActive() {
		return nil, ErrPrescriptionStopped
	}
	if in.ScheduledDate.IsZero() {
		return nil, apperr.Validation("scheduledDate is required")
	}
	if CivilDate(in.ScheduledDate).After(s.Today()) && in.Status != models.DoseSkipped {
		return nil, apperr.Validation("only skipped doses can be recorded ahead of their date")
	}

	via := in.LoggedVia
	if via == "" {
		via = models.LoggedManual
	}
	l := &models.DoseLog{
		PatientID:           pm.PatientID,
		PatientMedicationID: pm.ID,
		ScheduledDate:       CivilDate(in.ScheduledDate),
		ScheduledTime:       in.ScheduledTime,
		Status:              in.Status,
		ActualTime:          in.ActualTime,
		Notes:               in.Notes,
		SkippedReason:       in.SkippedReason,
		LoggedVia:           via,
		ReminderID:          in.ReminderID,
	}
	if err := s.applyOutcome(l); err != nil {
		return nil, err
	}

	if _, err := s.repo.FindLog(ctx, l.PatientMedicationID, l.ScheduledDate, l.ScheduledTime); err == nil {
		return nil, ErrDuplicateDose
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}
	if err := s.repo.CreateLog(ctx, l); err != nil {
		return nil, err
	}

	metrics.DoseLogsRecorded.WithLabelValues(string(l.Status)).Inc()
	s.invalidate(ctx)
	s.notifyTaken(ctx, l)
	return l, nil
}

func (s *Service) notifyTaken(ctx context.Context, l *models.DoseLog) {
	if s.observer == nil || l.Status != models.DoseTaken {
		return
	}
	if err := s.observer.DoseTaken(ctx, l); err != nil {
		s.log.Warn().Err(err).Str("dose_log_id", l.ID).Msg("dose observer failed")
	}
}

// UpdateInput corrects an existing log. Nil fields are left alone.
type UpdateInput struct {
	Status        *models.DoseStatus
	ActualTime    *time.Time
	Notes         *string
	SkippedReason *string
}

func (s *Service) UpdateDose(ctx context.Context, scope access.Scope, id string, in UpdateInput) (*models.DoseLog, error) {
	l, err := s.repo.GetLog(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := scope.Authorize(l.PatientID); err != nil {
		return nil, err
	}
	wasTaken := l.Status == models.DoseTaken
	if in.Status != nil {
		l.Status = *in.Status
	}
	if in.ActualTime != nil {
		l.ActualTime = in.ActualTime
	}
	if in.Notes != nil {
		l.Notes = *in.Notes
	}
	if in.SkippedReason != nil {
		l.SkippedReason = *in.SkippedReason
	}
	if err := s.applyOutcome(l); err != nil {
		return nil, err
	}
	if err := s.repo.UpdateLog(ctx, l); err != nil {
		return nil, err
	}
	s.invalidate(ctx)
	if !wasTaken {
		s.notifyTaken(ctx, l)
	}
	return l, nil
}

func (s *Service) DeleteDose(ctx context.Context, scope access.Scope, id string) error {
	l, err := s.repo.GetLog(ctx, id)
	if err != nil {
		return err
	}
	if err := scope.Authorize(l.PatientID); err != nil {
		return err
	}
	if err := s.repo.DeleteLog(ctx, id); err != nil {
		return err
	}
	s.invalidate(ctx)
	return nil
}

// LogPage is one page of dose logs.
type LogPage struct {
	Logs   []models.DoseLog `json:"logs"`
	Total  int64            `json:"total"`
	Limit  int              `json:"limit"`
	Offset int              `json:"offset"`
}

func (s *Service) ListDoses(ctx context.Context, scope access.Scope, f DoseFilter) (LogPage, error) {
	patient, err := scope.PatientFilter(f.PatientID)
	if err != nil {
		return LogPage{}, err
	}
	f.PatientID = patient
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return LogPage{}, fmt.Errorf("list dose logs: %w", apperr.ErrInvalidRange)
	}
	if f.Limit <= 0 {
		f.Limit = DefaultSummaryLimit
	}
	logs, total, err := s.repo.ListLogs(ctx, f)
	if err != nil {
		return LogPage{}, err
	}
	if logs == nil {
		logs = []models.DoseLog{}
	}
	return LogPage{Logs: logs, Total: total, Limit: f.Limit, Offset: f.Offset}, nil
}

// -- Analytics --

func (s *Service) load(ctx context.Context, w Window, f DoseFilter) ([]Dose, error) {
	f.From, f.To = &w.Start, &w.End
	return s.repo.Doses(ctx, f)
}

// Overview aggregates every patient's doses in [start, end].
func (s *Service) Overview(ctx context.Context, scope access.Scope, start, end time.Time) (Overview, error) {
	if err := scope.RequireAdmin(); err != nil {
		return Overview{}, err
	}
	w, err := NewWindow(start, end)
	if err != nil {
		return Overview{}, err
	}
	key := fmt.Sprintf("overview:%s:%s", w.Start.Format(time.DateOnly), w.End.Format(time.DateOnly))
	return cached(ctx, s, key, func() (Overview, error) {
		doses, err := s.load(ctx, w, DoseFilter{})
		if err != nil {
			return Overview{}, err
		}
		return ComputeOverview(w, doses), nil
	})
}

// Trends returns the daily sequence for one patient, or the fleet when
// patientID is nil and the caller is an admin.
func (s *Service) Trends(ctx context.Context, scope access.Scope, start, end time.Time, patientID *string) (iter.Seq[TrendPoint], error) {
	patient, err := scope.PatientFilter(patientID)
	if err != nil {
		return nil, err
	}
	w, err := NewWindow(start, end)
	if err != nil {
		return nil, err
	}
	doses, err := s.load(ctx, w, DoseFilter{PatientID: patient})
	if err != nil {
		return nil, err
	}
	return Trends(w, doses), nil
}

// SummaryQuery parameterizes the ranked patient and medication views.
// Without Start and End the whole history is ranked.
type SummaryQuery struct {
	Limit        int
	MinAdherence *float64
	MedicationID *string
	Start        *time.Time
	End          *time.Time
}

func (q *SummaryQuery) normalize() error {
	if q.Limit == 0 {
		q.Limit = DefaultSummaryLimit
	}
	if q.Limit < 1 || q.Limit > MaxSummaryLimit {
		return apperr.Validation(fmt.Sprintf("limit must be between 1 and %d", MaxSummaryLimit))
	}
	if q.MinAdherence != nil && (*q.MinAdherence < 0 || *q.MinAdherence > 100) {
		return apperr.Validation("minAdherence must be between 0 and 100")
	}
	if q.Start != nil && q.End != nil {
		if _, err := NewWindow(*q.Start, *q.End); err != nil {
			return err
		}
	}
	return nil
}

func (q SummaryQuery) filter() DoseFilter {
	var f DoseFilter
	if q.Start != nil {
		from := CivilDate(*q.Start)
		f.From = &from
	}
	if q.End != nil {
		to := CivilDate(*q.End)
		f.To = &to
	}
	f.MedicationID = q.MedicationID
	return f
}

func (q SummaryQuery) key(kind string) string {
	k := fmt.Sprintf("%s:limit=%d", kind, q.Limit)
	if q.MinAdherence != nil {
		k += fmt.Sprintf(":min=%.2f", *q.MinAdherence)
	}
	if q.MedicationID != nil {
		k += ":med=" + *q.MedicationID
	}
	if q.Start != nil {
		k += ":from=" + q.Start.Format(time.DateOnly)
	}
	if q.End != nil {
		k += ":to=" + q.End.Format(time.DateOnly)
	}
	return k
}

func (s *Service) PatientSummary(ctx context.Context, scope access.Scope, q SummaryQuery) ([]PatientSummary, error) {
	if err := scope.RequireAdmin(); err != nil {
		return nil, err
	}
	if err := q.normalize(); err != nil {
		return nil, err
	}
	return cached(ctx, s, q.key("patients"), func() ([]PatientSummary, error) {
		doses, err := s.repo.Doses(ctx, q.filter())
		if err != nil {
			return nil, err
		}
		return SummarizePatients(doses, q.Limit, q.MinAdherence), nil
	})
}

func (s *Service) MedicationDetail(ctx context.Context, scope access.Scope, q SummaryQuery) ([]MedicationSummary, error) {
	if err := scope.RequireAdmin(); err != nil {
		return nil, err
	}
	if err := q.normalize(); err != nil {
		return nil, err
	}
	return cached(ctx, s, q.key("medications"), func() ([]MedicationSummary, error) {
		doses, err := s.repo.Doses(ctx, q.filter())
		if err != nil {
			return nil, err
		}
		return SummarizeMedications(doses, q.MedicationID, q.Limit), nil
	})
}

func (s *Service) Stats(ctx context.Context, scope access.Scope, start, end time.Time, patientID *string) (Stats, error) {
	patient, err := scope.PatientFilter(patientID)
	if err != nil {
		return Stats{}, err
	}
	w, err := NewWindow(start, end)
	if err != nil {
		return Stats{}, err
	}
	doses, err := s.load(ctx, w, DoseFilter{PatientID: patient})
	if err != nil {
		return Stats{}, err
	}
	return ComputeStats(w, doses, patient), nil
}

// Dashboard is the patient home screen.
type Dashboard struct {
	PatientID  string           `json:"patientId"`
	Overall    Stats            `json:"overall"`
	Weekly     Stats            `json:"weekly"`
	Daily      Stats            `json:"daily"`
	Chart      []TrendPoint     `json:"chart"`
	RecentLogs []models.DoseLog `json:"recentLogs"`
}

func (s *Service) Dashboard(ctx context.Context, scope access.Scope, patientID string) (Dashboard, error) {
	if err := scope.Authorize(patientID); err != nil {
		return Dashboard{}, err
	}
	now := s.now().In(s.loc)
	month := LastDays(now, 30)
	doses, err := s.load(ctx, month, DoseFilter{PatientID: &patientID})
	if err != nil {
		return Dashboard{}, err
	}
	week := LastDays(now, 7)
	recent, _, err := s.repo.ListLogs(ctx, DoseFilter{PatientID: &patientID, Limit: recentLogsLimit})
	if err != nil {
		return Dashboard{}, err
	}
	if recent == nil {
		recent = []models.DoseLog{}
	}
	return Dashboard{
		PatientID:  patientID,
		Overall:    ComputeStats(month, doses, &patientID),
		Weekly:     ComputeStats(week, doses, &patientID),
		Daily:      ComputeStats(LastDays(now, 1), doses, &patientID),
		Chart:      slices.Collect(Trends(week, doses)),
		RecentLogs: recent,
	}, nil
}

// -- Materialized stats --

// Materialize recomputes the AdherenceStats rows of every patient with
// doses in the period containing asOf. It returns the number of rows written.
func (s *Service) Materialize(ctx context.Context, scope access.Scope, period models.PeriodType, asOf time.Time) (int, error) {
	if err := scope.RequireAdmin(); err != nil {
		return 0, err
	}
	start, end := period.Bounds(CivilDate(asOf))
	w := Window{Start: start, End: end}
	doses, err := s.load(ctx, w, DoseFilter{})
	if err != nil {
		return 0, err
	}

	byPatient := make(map[string][]Dose)
	for _, d := range doses {
		byPatient[d.PatientID] = append(byPatient[d.PatientID], d)
	}
	calculated := s.now()
	written := 0
	for patientID, pd := range byPatient {
		st := ComputeStats(w, pd, &patientID)
		row := &models.AdherenceStats{
			PatientID:      patientID,
			PeriodType:     period,
			PeriodStart:    w.Start,
			PeriodEnd:      w.End,
			DosesScheduled: st.DosesScheduled,
			DosesTaken:     st.DosesTaken,
			DosesSkipped:   st.DosesSkipped,
			DosesMissed:    st.DosesMissed,
			AdherenceScore: st.AdherenceScore,
			OnTimeScore:    st.OnTimeRate,
			CurrentStreak:  st.CurrentStreak,
			LongestStreak:  st.LongestStreak,
			CalculatedAt:   calculated,
		}
		if err := s.repo.UpsertStats(ctx, row); err != nil {
			return written, fmt.Errorf("upsert stats for patient %s: %w", patientID, err)
		}
		written++
	}
	s.log.Info().Str("period", string(period)).
		Str("start", w.Start.Format(time.DateOnly)).
		Int("rows", written).
		Msg("adherence stats materialized")
	return written, nil
}

// History lists materialized stats for a patient, newest period first.
func (s *Service) History(ctx context.Context, scope access.Scope, patientID string, period models.PeriodType, limit int) ([]models.AdherenceStats, error) {
	if err := scope.Authorize(patientID); err != nil {
		return nil, err
	}
	rows, err := s.repo.ListStats(ctx, patientID, period, limit)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []models.AdherenceStats{}
	}
	return rows, nil
}
