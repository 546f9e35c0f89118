package reminder

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"meditrack-server/internal/access"
	"meditrack-server/internal/apperr"
	"meditrack-server/internal/metrics"
	"meditrack-server/internal/models"
)

const (
	DefaultAdvanceMinutes       = 15
	DefaultEscalateDelayMinutes = 30
	DefaultDaysAhead            = 2
	DefaultStatsDays            = 7
	maxStatsDays                = 365
	maxOffsetMinutes            = 24 * 60
)

// Service materializes reminders from schedules and drives their lifecycle.
type Service struct {
	repo         Repository
	loc          *time.Location
	maxDaysAhead int
	log          zerolog.Logger
	now          func() time.Time
}

func NewService(repo Repository, loc *time.Location, maxDaysAhead int, logger zerolog.Logger) *Service {
	if loc == nil {
		loc = time.UTC
	}
	if maxDaysAhead <= 0 {
		maxDaysAhead = 30
	}
	return &Service{
		repo:         repo,
		loc:          loc,
		maxDaysAhead: maxDaysAhead,
		log:          logger.With().Str("component", "reminder").Logger(),
		now:          time.Now,
	}
}

// SetClock replaces the time source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Service) Now() time.Time {
	return s.now()
}

// Location is the zone reminder times are interpreted in.
func (s *Service) Location() *time.Location {
	return s.loc
}

// -- Schedules --

// ScheduleInput creates or patches a schedule. On update nil fields are
// left unchanged.
type ScheduleInput struct {
	PatientMedicationID  string
	Frequency            *models.Frequency
	ReminderTimes        []string
	AdvanceMinutes       *int
	ChannelPush          *bool
	ChannelEmail         *bool
	ChannelSMS           *bool
	ChannelWhatsApp      *bool
	AutoSkipIfTaken      *bool
	EscalateIfMissed     *bool
	EscalateDelayMinutes *int
	QuietHoursEnabled    *bool
	QuietStart           *string
	QuietEnd             *string
	StartDate            *time.Time
	EndDate              *time.Time
}

func (in ScheduleInput) anyChannel() bool {
	return in.ChannelPush != nil || in.ChannelEmail != nil || in.ChannelSMS != nil || in.ChannelWhatsApp != nil
}

func setIf[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func (in ScheduleInput) apply(sch *models.ReminderSchedule) {
	setIf(&sch.Frequency, in.Frequency)
	if in.ReminderTimes != nil {
		sch.ReminderTimes = in.ReminderTimes
	}
	setIf(&sch.AdvanceMinutes, in.AdvanceMinutes)
	setIf(&sch.ChannelPush, in.ChannelPush)
	setIf(&sch.ChannelEmail, in.ChannelEmail)
	setIf(&sch.ChannelSMS, in.ChannelSMS)
	setIf(&sch.ChannelWhatsApp, in.ChannelWhatsApp)
	setIf(&sch.AutoSkipIfTaken, in.AutoSkipIfTaken)
	setIf(&sch.EscalateIfMissed, in.EscalateIfMissed)
	setIf(&sch.EscalateDelayMinutes, in.EscalateDelayMinutes)
	setIf(&sch.QuietHoursEnabled, in.QuietHoursEnabled)
	setIf(&sch.QuietStart, in.QuietStart)
	setIf(&sch.QuietEnd, in.QuietEnd)
	setIf(&sch.StartDate, in.StartDate)
	if in.EndDate != nil {
		end := *in.EndDate
		sch.EndDate = &end
	}
}

// normalize fills frequency defaults and validates the schedule.
func normalize(sch *models.ReminderSchedule) error {
	if _, err := models.ParseFrequency(string(sch.Frequency)); err != nil {
		return apperr.Validation(err.Error())
	}
	if len(sch.ReminderTimes) == 0 {
		sch.ReminderTimes = sch.Frequency.DefaultTimes()
	}
	if len(sch.ReminderTimes) == 0 {
		return apperr.Validation("reminderTimes is required for custom frequency")
	}
	times, err := NormalizeTimes(sch.ReminderTimes)
	if err != nil {
		return err
	}
	sch.ReminderTimes = times

	if sch.AdvanceMinutes < 0 || sch.AdvanceMinutes > maxOffsetMinutes {
		return apperr.Validation("advanceMinutes must be between 0 and 1440")
	}
	if sch.EscalateDelayMinutes < 1 || sch.EscalateDelayMinutes > maxOffsetMinutes {
		return apperr.Validation("escalateDelayMinutes must be between 1 and 1440")
	}
	if sch.QuietHoursEnabled {
		if _, err := ParseClock(sch.QuietStart); err != nil {
			return err
		}
		if _, err := ParseClock(sch.QuietEnd); err != nil {
			return err
		}
	}
	if sch.EndDate != nil && beforeDay(*sch.EndDate, sch.StartDate) {
		return fmt.Errorf("schedule ends before it starts: %w", apperr.ErrInvalidRange)
	}
	return nil
}

func (s *Service) CreateSchedule(ctx context.Context, scope access.Scope, in ScheduleInput) (*models.ReminderSchedule, error) {
	if in.Frequency == nil {
		return nil, apperr.Validation("frequency is required")
	}
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
	if _, err := s.repo.GetScheduleByMedication(ctx, pm.ID); err == nil {
		return nil, ErrScheduleExists
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}

	sch := &models.ReminderSchedule{
		PatientMedicationID:  pm.ID,
		PatientID:            pm.PatientID,
		AdvanceMinutes:       DefaultAdvanceMinutes,
		EscalateDelayMinutes: DefaultEscalateDelayMinutes,
		IsActive:             true,
		StartDate:            pm.StartDate,
		EndDate:              pm.EndDate,
	}
	if sch.StartDate.IsZero() {
		sch.StartDate = s.now().In(s.loc)
	}
	in.apply(sch)
	if !in.anyChannel() {
		sch.ChannelPush = true
	}
	if err := normalize(sch); err != nil {
		return nil, err
	}
	if err := s.repo.CreateSchedule(ctx, sch); err != nil {
		return nil, err
	}
	s.log.Info().Str("schedule_id", sch.ID).Str("patient_medication_id", pm.ID).Msg("reminder schedule created")
	return sch, nil
}

func (s *Service) GetSchedule(ctx context.Context, scope access.Scope, id string) (*models.ReminderSchedule, error) {
	sch, err := s.repo.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := scope.Authorize(sch.PatientID); err != nil {
		return nil, err
	}
	return sch, nil
}

func (s *Service) GetScheduleByMedication(ctx context.Context, scope access.Scope, patientMedicationID string) (*models.ReminderSchedule, error) {
	sch, err := s.repo.GetScheduleByMedication(ctx, patientMedicationID)
	if err != nil {
		return nil, err
	}
	if err := scope.Authorize(sch.PatientID); err != nil {
		return nil, err
	}
	return sch, nil
}

func (s *Service) ListSchedules(ctx context.Context, scope access.Scope, f ScheduleFilter) ([]models.ReminderSchedule, error) {
	patient, err := scope.PatientFilter(f.PatientID)
	if err != nil {
		return nil, err
	}
	f.PatientID = patient
	schedules, err := s.repo.ListSchedules(ctx, f)
	if err != nil {
		return nil, err
	}
	if schedules == nil {
		schedules = []models.ReminderSchedule{}
	}
	return schedules, nil
}

// UpdateSchedule patches a schedule. Reminders already materialized keep
// their original times and channel.
func (s *Service) UpdateSchedule(ctx context.Context, scope access.Scope, id string, in ScheduleInput) (*models.ReminderSchedule, error) {
	sch, err := s.GetSchedule(ctx, scope, id)
	if err != nil {
		return nil, err
	}
	in.apply(sch)
	if err := normalize(sch); err != nil {
		return nil, err
	}
	if err := s.repo.UpdateSchedule(ctx, sch); err != nil {
		return nil, err
	}
	return sch, nil
}

// Toggle flips the active flag only. Pending reminders still fire.
func (s *Service) Toggle(ctx context.Context, scope access.Scope, id string, active bool) (*models.ReminderSchedule, error) {
	sch, err := s.GetSchedule(ctx, scope, id)
	if err != nil {
		return nil, err
	}
	sch.IsActive = active
	if err := s.repo.UpdateSchedule(ctx, sch); err != nil {
		return nil, err
	}
	s.log.Info().Str("schedule_id", id).Bool("active", active).Msg("reminder schedule toggled")
	return sch, nil
}

// DeleteSchedule removes a schedule and cancels its open reminders.
func (s *Service) DeleteSchedule(ctx context.Context, scope access.Scope, id string) error {
	return s.repo.Transaction(ctx, func(tx Repository) error {
		sch, err := tx.GetSchedule(ctx, id)
		if err != nil {
			return err
		}
		if err := scope.Authorize(sch.PatientID); err != nil {
			return err
		}
		if _, err := s.cancelOpen(ctx, tx, ReminderFilter{ScheduleID: &sch.ID}, "schedule deleted"); err != nil {
			return err
		}
		return tx.DeleteSchedule(ctx, id)
	})
}

// -- Generation --

// GenerateResult reports the reminders a Generate call inserted.
type GenerateResult struct {
	Count     int               `json:"count"`
	Reminders []models.Reminder `json:"reminders"`
}

func messageText(pm *models.PatientMedication, dose time.Time) string {
	name := pm.Medication.Name
	if name == "" {
		name = "your medication"
	}
	if pm.Dosage != "" {
		name = fmt.Sprintf("%s (%s)", name, pm.Dosage)
	}
	return fmt.Sprintf("Reminder: time to take %s at %s", name, dose.Format("15:04"))
}

// Generate materializes the schedule's reminders for the next daysAhead
// days. Re-running it only inserts what is missing.
func (s *Service) Generate(ctx context.Context, scope access.Scope, scheduleID string, daysAhead int) (GenerateResult, error) {
	if daysAhead < 1 || daysAhead > s.maxDaysAhead {
		return GenerateResult{}, apperr.Validation(fmt.Sprintf("daysAhead must be between 1 and %d", s.maxDaysAhead))
	}
	now := s.now()
	result := GenerateResult{Reminders: []models.Reminder{}}

	err := s.repo.Transaction(ctx, func(tx Repository) error {
		sch, err := tx.GetSchedule(ctx, scheduleID)
		if err != nil {
			return err
		}
		if err := scope.Authorize(sch.PatientID); err != nil {
			return err
		}
		if !sch.IsActive {
			return nil
		}
		pm, err := tx.GetPrescription(ctx, sch.PatientMedicationID)
		if err != nil {
			return err
		}
		if !pm.IsActive() {
			return nil
		}

		planned, err := Expand(sch, now, daysAhead, s.loc)
		if err != nil {
			return err
		}
		for _, inst := range planned {
			r := models.Reminder{
				ScheduleID:          sch.ID,
				PatientMedicationID: sch.PatientMedicationID,
				PatientID:           sch.PatientID,
				ScheduledTime:       inst.SendTime,
				ActualDoseTime:      inst.DoseTime,
				Channel:             inst.Channel,
				Status:              models.ReminderPending,
				MessageText:         messageText(pm, inst.DoseTime),
				Deferred:            inst.Deferred,
			}
			inserted, err := tx.CreateReminder(ctx, &r)
			if err != nil {
				return fmt.Errorf("insert reminder for %s: %w", inst.DoseTime.Format(time.RFC3339), err)
			}
			if inserted {
				result.Reminders = append(result.Reminders, r)
			}
		}
		return nil
	})
	if err != nil {
		return GenerateResult{}, err
	}

	result.Count = len(result.Reminders)
	metrics.RemindersGenerated.Add(float64(result.Count))
	if result.Count > 0 {
		s.log.Debug().Str("schedule_id", scheduleID).Int("count", result.Count).Msg("reminders generated")
	}
	return result, nil
}

// GenerateAll runs Generate for every active schedule. A failing schedule
// does not stop the others; their errors are joined.
func (s *Service) GenerateAll(ctx context.Context, daysAhead int) (int, error) {
	schedules, err := s.repo.ListSchedules(ctx, ScheduleFilter{ActiveOnly: true})
	if err != nil {
		return 0, err
	}
	total := 0
	var errs []error
	for _, sch := range schedules {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		res, err := s.Generate(ctx, access.System, sch.ID, daysAhead)
		if err != nil {
			s.log.Error().Err(err).Str("schedule_id", sch.ID).Msg("reminder generation failed")
			errs = append(errs, fmt.Errorf("schedule %s: %w", sch.ID, err))
			continue
		}
		total += res.Count
	}
	return total, errors.Join(errs...)
}

// -- Lifecycle --

func (s *Service) mutate(ctx context.Context, scope access.Scope, id string, fn func(tx Repository, r *models.Reminder, at time.Time) error) (*models.Reminder, error) {
	var out *models.Reminder
	err := s.repo.Transaction(ctx, func(tx Repository) error {
		r, err := tx.GetReminder(ctx, id)
		if err != nil {
			return err
		}
		if err := scope.Authorize(r.PatientID); err != nil {
			return err
		}
		before := r.Status
		if err := fn(tx, r, s.now()); err != nil {
			return err
		}
		if err := tx.UpdateReminder(ctx, r); err != nil {
			return err
		}
		if r.Status != before {
			metrics.ReminderTransitions.WithLabelValues(string(r.Status)).Inc()
		}
		out = r
		return nil
	})
	return out, err
}

func (s *Service) move(ctx context.Context, scope access.Scope, id string, to models.ReminderStatus) (*models.Reminder, error) {
	return s.mutate(ctx, scope, id, func(_ Repository, r *models.Reminder, at time.Time) error {
		return Transition(r, to, at)
	})
}

// Cancel is valid from pending and sent only.
func (s *Service) Cancel(ctx context.Context, scope access.Scope, id, reason string) (*models.Reminder, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "cancelled by user"
	}
	return s.mutate(ctx, scope, id, func(_ Repository, r *models.Reminder, at time.Time) error {
		return Cancel(r, reason, at)
	})
}

func (s *Service) MarkSent(ctx context.Context, scope access.Scope, id string) (*models.Reminder, error) {
	return s.move(ctx, scope, id, models.ReminderSent)
}

func (s *Service) MarkDelivered(ctx context.Context, scope access.Scope, id string) (*models.Reminder, error) {
	return s.move(ctx, scope, id, models.ReminderDelivered)
}

// Acknowledge records that the patient saw a delivered reminder. A sent
// reminder is taken as delivered first.
func (s *Service) Acknowledge(ctx context.Context, scope access.Scope, id string) (*models.Reminder, error) {
	return s.mutate(ctx, scope, id, func(_ Repository, r *models.Reminder, at time.Time) error {
		if r.Status == models.ReminderSent {
			if err := Transition(r, models.ReminderDelivered, at); err != nil {
				return err
			}
		}
		return Transition(r, models.ReminderAcknowledged, at)
	})
}

func (s *Service) MarkMissed(ctx context.Context, scope access.Scope, id string) (*models.Reminder, error) {
	return s.move(ctx, scope, id, models.ReminderMissed)
}

// Escalate re-targets a missed reminder at the next channel. When that is
// impossible the reminder is kept as a dead letter and the error returned.
func (s *Service) Escalate(ctx context.Context, scope access.Scope, id string) (*models.Reminder, error) {
	var deadLetter *models.Reminder
	r, err := s.mutate(ctx, scope, id, func(tx Repository, r *models.Reminder, at time.Time) error {
		sch, err := tx.GetSchedule(ctx, r.ScheduleID)
		if err != nil && !errors.Is(err, apperr.ErrNotFound) {
			return err
		}
		err = Escalate(r, sch, at)
		if r.DeadLetter {
			deadLetter = r
		}
		return err
	})
	if deadLetter != nil {
		if uerr := s.repo.UpdateReminder(ctx, deadLetter); uerr != nil {
			return nil, uerr
		}
		s.log.Warn().Str("reminder_id", id).Err(err).Msg("reminder dead-lettered")
	}
	return r, err
}

// RecordFailure notes a failed delivery attempt without changing status.
func (s *Service) RecordFailure(ctx context.Context, id string, cause error) error {
	_, err := s.mutate(ctx, access.System, id, func(_ Repository, r *models.Reminder, _ time.Time) error {
		r.Attempts++
		r.LastError = cause.Error()
		return nil
	})
	return err
}

// cancelOpen cancels every pending or sent reminder matching f.
func (s *Service) cancelOpen(ctx context.Context, tx Repository, f ReminderFilter, reason string) (int, error) {
	f.Statuses = []models.ReminderStatus{models.ReminderPending, models.ReminderSent}
	open, _, err := tx.ListReminders(ctx, f)
	if err != nil {
		return 0, err
	}
	at := s.now()
	for i := range open {
		r := &open[i]
		if err := Cancel(r, reason, at); err != nil {
			return 0, err
		}
		if err := tx.UpdateReminder(ctx, r); err != nil {
			return 0, err
		}
		metrics.ReminderTransitions.WithLabelValues(string(models.ReminderCancelled)).Inc()
	}
	return len(open), nil
}

// DoseTaken cancels the pending reminder of a dose that was already taken
// when its schedule asks for it.
func (s *Service) DoseTaken(ctx context.Context, l *models.DoseLog) error {
	sch, err := s.repo.GetScheduleByMedication(ctx, l.PatientMedicationID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !sch.AutoSkipIfTaken {
		return nil
	}
	minutes, err := ParseClock(l.ScheduledTime)
	if err != nil {
		return err
	}
	y, m, d := l.ScheduledDate.Date()
	dose := time.Date(y, m, d, minutes/60, minutes%60, 0, 0, s.loc)
	return s.repo.Transaction(ctx, func(tx Repository) error {
		_, err := s.cancelOpen(ctx, tx, ReminderFilter{
			PatientMedicationID: &l.PatientMedicationID,
			DoseTime:            &dose,
		}, "dose already taken")
		return err
	})
}

// StopResult reports the cascade of StopPrescription.
type StopResult struct {
	Prescription        *models.PatientMedication `json:"prescription"`
	ScheduleDeactivated bool                      `json:"scheduleDeactivated"`
	CancelledReminders  int                       `json:"cancelledReminders"`
}

// StopPrescription stops a prescription, deactivates its schedule and
// cancels its open reminders in one transaction.
func (s *Service) StopPrescription(ctx context.Context, scope access.Scope, patientMedicationID string) (StopResult, error) {
	if err := scope.RequireAdmin(); err != nil {
		return StopResult{}, err
	}
	var res StopResult
	err := s.repo.Transaction(ctx, func(tx Repository) error {
		pm, err := tx.GetPrescription(ctx, patientMedicationID)
		if err != nil {
			return err
		}
		if pm.Status == models.PrescriptionStopped {
			return fmt.Errorf("prescription already stopped: %w", apperr.ErrConflict)
		}
		pm.Status = models.PrescriptionStopped
		today := s.now().In(s.loc)
		end := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, time.UTC)
		pm.EndDate = &end
		if err := tx.UpdatePrescription(ctx, pm); err != nil {
			return err
		}
		res.Prescription = pm

		sch, err := tx.GetScheduleByMedication(ctx, pm.ID)
		switch {
		case errors.Is(err, apperr.ErrNotFound):
		case err != nil:
			return err
		case sch.IsActive:
			sch.IsActive = false
			if err := tx.UpdateSchedule(ctx, sch); err != nil {
				return err
			}
			res.ScheduleDeactivated = true
		}

		res.CancelledReminders, err = s.cancelOpen(ctx, tx, ReminderFilter{PatientMedicationID: &pm.ID}, "prescription stopped")
		return err
	})
	if err != nil {
		return StopResult{}, err
	}
	s.log.Info().Str("patient_medication_id", patientMedicationID).
		Int("cancelled", res.CancelledReminders).
		Msg("prescription stopped")
	return res, nil
}

// -- Queries --

// Page is one page of reminders.
type Page struct {
	Reminders []models.Reminder `json:"reminders"`
	Total     int64             `json:"total"`
	Limit     int               `json:"limit"`
	Offset    int               `json:"offset"`
}

func (s *Service) ListReminders(ctx context.Context, scope access.Scope, f ReminderFilter) (Page, error) {
	patient, err := scope.PatientFilter(f.PatientID)
	if err != nil {
		return Page{}, err
	}
	f.PatientID = patient
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return Page{}, fmt.Errorf("list reminders: %w", apperr.ErrInvalidRange)
	}
	reminders, total, err := s.repo.ListReminders(ctx, f)
	if err != nil {
		return Page{}, err
	}
	if reminders == nil {
		reminders = []models.Reminder{}
	}
	return Page{Reminders: reminders, Total: total, Limit: f.Limit, Offset: f.Offset}, nil
}

// Summary aggregates reminders scheduled in the last Days days.
type Summary struct {
	Days                int                    `json:"days"`
	TotalScheduled      int                    `json:"totalScheduled"`
	Pending             int                    `json:"pending"`
	Sent                int                    `json:"sent"`
	Delivered           int                    `json:"delivered"`
	Acknowledged        int                    `json:"acknowledged"`
	Missed              int                    `json:"missed"`
	Escalated           int                    `json:"escalated"`
	Cancelled           int                    `json:"cancelled"`
	Deferred            int                    `json:"deferred"`
	DeliveryRate        float64                `json:"deliveryRate"`
	AcknowledgementRate float64                `json:"acknowledgementRate"`
	HasData             bool                   `json:"hasData"`
	ByChannel           map[models.Channel]int `json:"byChannel"`
}

func rate(part, whole int) float64 {
	if whole == 0 {
		return 0
	}
	return math.Round(float64(part)/float64(whole)*10000) / 100
}

// Summarize counts reminders. Sent covers everything that was ever sent;
// delivered includes acknowledged.
func Summarize(reminders []models.Reminder, days int) Summary {
	sum := Summary{Days: days, ByChannel: map[models.Channel]int{}}
	for _, r := range reminders {
		sum.TotalScheduled++
		sum.ByChannel[r.Channel]++
		if r.Deferred {
			sum.Deferred++
		}
		if r.SentAt != nil {
			sum.Sent++
		}
		switch r.Status {
		case models.ReminderPending:
			sum.Pending++
		case models.ReminderDelivered:
			sum.Delivered++
		case models.ReminderAcknowledged:
			sum.Delivered++
			sum.Acknowledged++
		case models.ReminderMissed:
			sum.Missed++
		case models.ReminderEscalated:
			sum.Escalated++
		case models.ReminderCancelled:
			sum.Cancelled++
		}
	}
	sum.HasData = sum.Sent > 0
	sum.DeliveryRate = rate(sum.Delivered, sum.Sent)
	sum.AcknowledgementRate = rate(sum.Acknowledged, sum.Delivered)
	return sum
}

// StatsSummary covers reminders scheduled in [now-days, now].
func (s *Service) StatsSummary(ctx context.Context, scope access.Scope, days int, patientID *string) (Summary, error) {
	if days == 0 {
		days = DefaultStatsDays
	}
	if days < 1 || days > maxStatsDays {
		return Summary{}, apperr.Validation(fmt.Sprintf("days must be between 1 and %d", maxStatsDays))
	}
	patient, err := scope.PatientFilter(patientID)
	if err != nil {
		return Summary{}, err
	}
	now := s.now()
	from := now.AddDate(0, 0, -days)
	reminders, _, err := s.repo.ListReminders(ctx, ReminderFilter{PatientID: patient, From: &from, To: &now})
	if err != nil {
		return Summary{}, err
	}
	return Summarize(reminders, days), nil
}
