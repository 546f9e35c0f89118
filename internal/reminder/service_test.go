package reminder

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meditrack-server/internal/access"
	"meditrack-server/internal/apperr"
	"meditrack-server/internal/models"
)

var (
	admin    = access.ForUser("admin-1", models.RoleAdmin)
	patient1 = access.ForUser("p1", models.RolePatient)
	patient2 = access.ForUser("p2", models.RolePatient)
)

func ptr[T any](v T) *T { return &v }

type fixture struct {
	svc  *Service
	repo *MemoryRepository
	now  time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := NewMemoryRepository()
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	repo.AddPrescription(models.PatientMedication{
		BaseModel:  models.BaseModel{ID: "pm1"},
		PatientID:  "p1",
		Dosage:     "500mg",
		StartDate:  start,
		Status:     models.PrescriptionActive,
		Medication: models.Medication{BaseModel: models.BaseModel{ID: "m1"}, Name: "Metformin"},
	})
	repo.AddPrescription(models.PatientMedication{
		BaseModel:  models.BaseModel{ID: "pm2"},
		PatientID:  "p2",
		StartDate:  start,
		Status:     models.PrescriptionActive,
		Medication: models.Medication{BaseModel: models.BaseModel{ID: "m2"}, Name: "Lisinopril"},
	})
	repo.AddPrescription(models.PatientMedication{
		BaseModel: models.BaseModel{ID: "pm-stopped"},
		PatientID: "p1",
		StartDate: start,
		Status:    models.PrescriptionStopped,
	})

	f := &fixture{
		repo: repo,
		now:  time.Date(2024, 3, 10, 6, 0, 0, 0, time.UTC),
	}
	f.svc = NewService(repo, time.UTC, 30, zerolog.Nop())
	f.svc.SetClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) schedule(t *testing.T, scope access.Scope, in ScheduleInput) *models.ReminderSchedule {
	t.Helper()
	sch, err := f.svc.CreateSchedule(context.Background(), scope, in)
	require.NoError(t, err)
	return sch
}

func twiceDailyInput(pm string) ScheduleInput {
	return ScheduleInput{PatientMedicationID: pm, Frequency: ptr(models.FrequencyTwiceDaily)}
}

func TestCreateSchedule_Defaults(t *testing.T) {
	f := newFixture(t)
	sch := f.schedule(t, patient1, twiceDailyInput("pm1"))

	assert.Equal(t, "p1", sch.PatientID)
	assert.Equal(t, []string{"08:00", "20:00"}, []string(sch.ReminderTimes))
	assert.Equal(t, DefaultAdvanceMinutes, sch.AdvanceMinutes)
	assert.Equal(t, DefaultEscalateDelayMinutes, sch.EscalateDelayMinutes)
	assert.True(t, sch.ChannelPush)
	assert.True(t, sch.IsActive)
	assert.Equal(t, 1, sch.StartDate.Day())
}

func TestCreateSchedule_Validation(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		in   ScheduleInput
		want error
	}{
		{"missing frequency", ScheduleInput{PatientMedicationID: "pm1"}, apperr.ErrValidation},
		{"custom without times", ScheduleInput{PatientMedicationID: "pm1", Frequency: ptr(models.FrequencyCustom)}, apperr.ErrValidation},
		{"bad time", ScheduleInput{PatientMedicationID: "pm1", Frequency: ptr(models.FrequencyCustom), ReminderTimes: []string{"25:00"}}, apperr.ErrValidation},
		{"negative advance", ScheduleInput{PatientMedicationID: "pm1", Frequency: ptr(models.FrequencyDaily), AdvanceMinutes: ptr(-5)}, apperr.ErrValidation},
		{"zero escalate delay", ScheduleInput{PatientMedicationID: "pm1", Frequency: ptr(models.FrequencyDaily), EscalateDelayMinutes: ptr(0)}, apperr.ErrValidation},
		{"quiet hours without bounds", ScheduleInput{PatientMedicationID: "pm1", Frequency: ptr(models.FrequencyDaily), QuietHoursEnabled: ptr(true)}, apperr.ErrValidation},
		{"end before start", ScheduleInput{
			PatientMedicationID: "pm1",
			Frequency:           ptr(models.FrequencyDaily),
			StartDate:           ptr(time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)),
			EndDate:             ptr(time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC)),
		}, apperr.ErrInvalidRange},
		{"unknown prescription", twiceDailyInput("nope"), apperr.ErrNotFound},
		{"stopped prescription", twiceDailyInput("pm-stopped"), apperr.ErrConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.svc.CreateSchedule(ctx, admin, tt.in)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCreateSchedule_DuplicateConflicts(t *testing.T) {
	f := newFixture(t)
	f.schedule(t, patient1, twiceDailyInput("pm1"))

	_, err := f.svc.CreateSchedule(context.Background(), admin, twiceDailyInput("pm1"))
	assert.ErrorIs(t, err, ErrScheduleExists)
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestSchedules_PatientScope(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateSchedule(ctx, patient2, twiceDailyInput("pm1"))
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	sch := f.schedule(t, patient1, twiceDailyInput("pm1"))
	f.schedule(t, patient2, twiceDailyInput("pm2"))

	_, err = f.svc.GetSchedule(ctx, patient2, sch.ID)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = f.svc.Generate(ctx, patient2, sch.ID, 2)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	own, err := f.svc.ListSchedules(ctx, patient1, ScheduleFilter{})
	require.NoError(t, err)
	require.Len(t, own, 1)
	assert.Equal(t, "pm1", own[0].PatientMedicationID)

	_, err = f.svc.ListSchedules(ctx, patient1, ScheduleFilter{PatientID: ptr("p2")})
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	all, err := f.svc.ListSchedules(ctx, admin, ScheduleFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestGenerate_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sch := f.schedule(t, patient1, twiceDailyInput("pm1"))

	res, err := f.svc.Generate(ctx, patient1, sch.ID, 2)
	require.NoError(t, err)
	require.Equal(t, 4, res.Count)
	r := res.Reminders[0]
	assert.Equal(t, models.ReminderPending, r.Status)
	assert.Equal(t, models.ChannelPush, r.Channel)
	assert.True(t, time.Date(2024, 3, 10, 7, 45, 0, 0, time.UTC).Equal(r.ScheduledTime))
	assert.Equal(t, "Reminder: time to take Metformin (500mg) at 08:00", r.MessageText)

	res, err = f.svc.Generate(ctx, patient1, sch.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Count)
	assert.Empty(t, res.Reminders)

	page, err := f.svc.ListReminders(ctx, patient1, ReminderFilter{})
	require.NoError(t, err)
	assert.EqualValues(t, 4, page.Total)
}

func TestGenerate_NeverInThePast(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sch := f.schedule(t, patient1, twiceDailyInput("pm1"))
	f.now = time.Date(2024, 3, 10, 21, 0, 0, 0, time.UTC)

	res, err := f.svc.Generate(ctx, admin, sch.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Count)

	res, err = f.svc.Generate(ctx, admin, sch.ID, 2)
	require.NoError(t, err)
	require.Equal(t, 2, res.Count)
	for _, r := range res.Reminders {
		assert.True(t, r.ActualDoseTime.After(f.now))
	}
}

func TestGenerate_ChannelPriority(t *testing.T) {
	f := newFixture(t)
	in := twiceDailyInput("pm1")
	in.ChannelPush = ptr(true)
	in.ChannelEmail = ptr(true)
	in.ChannelWhatsApp = ptr(true)
	sch := f.schedule(t, patient1, in)

	res, err := f.svc.Generate(context.Background(), admin, sch.ID, 1)
	require.NoError(t, err)
	require.NotEmpty(t, res.Reminders)
	for _, r := range res.Reminders {
		assert.Equal(t, models.ChannelWhatsApp, r.Channel)
	}
}

func TestGenerate_InactiveOrStopped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sch := f.schedule(t, patient1, twiceDailyInput("pm1"))

	_, err := f.svc.Toggle(ctx, patient1, sch.ID, false)
	require.NoError(t, err)
	res, err := f.svc.Generate(ctx, admin, sch.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Count)

	_, err = f.svc.Toggle(ctx, patient1, sch.ID, true)
	require.NoError(t, err)
	pm, err := f.repo.GetPrescription(ctx, "pm1")
	require.NoError(t, err)
	pm.Status = models.PrescriptionStopped
	require.NoError(t, f.repo.UpdatePrescription(ctx, pm))

	res, err = f.svc.Generate(ctx, admin, sch.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Count)
}

func TestGenerate_DaysAheadBounds(t *testing.T) {
	f := newFixture(t)
	sch := f.schedule(t, patient1, twiceDailyInput("pm1"))
	for _, days := range []int{0, -1, 31} {
		_, err := f.svc.Generate(context.Background(), admin, sch.ID, days)
		assert.ErrorIs(t, err, apperr.ErrValidation, "days=%d", days)
	}
}

var errCreateFailed = errors.New("create reminder failed")

// failingRepository fails CreateReminder once failAfter rows were inserted.
type failingRepository struct {
	*MemoryRepository
	failAfter int
	inserted  int
}

func (r *failingRepository) Transaction(ctx context.Context, fn func(tx Repository) error) error {
	return r.MemoryRepository.Transaction(ctx, func(Repository) error { return fn(r) })
}

func (r *failingRepository) CreateReminder(ctx context.Context, rem *models.Reminder) (bool, error) {
	if r.inserted >= r.failAfter {
		return false, errCreateFailed
	}
	ok, err := r.MemoryRepository.CreateReminder(ctx, rem)
	if ok {
		r.inserted++
	}
	return ok, err
}

func TestGenerate_RollsBackOnFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sch := f.schedule(t, patient1, twiceDailyInput("pm1"))

	failing := NewService(&failingRepository{MemoryRepository: f.repo, failAfter: 2}, time.UTC, 30, zerolog.Nop())
	failing.SetClock(func() time.Time { return f.now })

	_, err := failing.Generate(ctx, admin, sch.ID, 2)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errCreateFailed))

	page, err := f.svc.ListReminders(ctx, admin, ReminderFilter{})
	require.NoError(t, err)
	assert.Zero(t, page.Total)
}

func TestGenerateAll(t *testing.T) {
	f := newFixture(t)
	f.schedule(t, patient1, twiceDailyInput("pm1"))
	daily := f.schedule(t, patient2, ScheduleInput{PatientMedicationID: "pm2", Frequency: ptr(models.FrequencyDaily)})
	_, err := f.svc.Toggle(context.Background(), admin, daily.ID, false)
	require.NoError(t, err)

	n, err := f.svc.GenerateAll(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func generated(t *testing.T, f *fixture, in ScheduleInput) []models.Reminder {
	t.Helper()
	sch := f.schedule(t, admin, in)
	res, err := f.svc.Generate(context.Background(), admin, sch.ID, 1)
	require.NoError(t, err)
	require.NotEmpty(t, res.Reminders)
	return res.Reminders
}

func TestLifecycle_HappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := generated(t, f, twiceDailyInput("pm1"))[0]

	sent, err := f.svc.MarkSent(ctx, admin, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReminderSent, sent.Status)
	assert.Equal(t, 1, sent.Attempts)

	ack, err := f.svc.Acknowledge(ctx, patient1, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReminderAcknowledged, ack.Status)
	assert.NotNil(t, ack.DeliveredAt)
	assert.NotNil(t, ack.AcknowledgedAt)

	_, err = f.svc.Cancel(ctx, patient1, r.ID, "")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

func TestLifecycle_CancelDeliveredFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := generated(t, f, twiceDailyInput("pm1"))[0]

	_, err := f.svc.MarkSent(ctx, admin, r.ID)
	require.NoError(t, err)
	_, err = f.svc.MarkDelivered(ctx, admin, r.ID)
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, patient1, r.ID, "changed my mind")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	stored, err := f.repo.GetReminder(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReminderDelivered, stored.Status)
}

func TestLifecycle_CancelPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := generated(t, f, twiceDailyInput("pm1"))[0]

	_, err := f.svc.Cancel(ctx, patient2, r.ID, "nope")
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	got, err := f.svc.Cancel(ctx, patient1, r.ID, "  ")
	require.NoError(t, err)
	assert.Equal(t, models.ReminderCancelled, got.Status)
	assert.Equal(t, "cancelled by user", got.CancelReason)
}

func TestEscalate_WalksChannelsThenDeadLetters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := twiceDailyInput("pm1")
	in.ChannelWhatsApp = ptr(true)
	in.ChannelPush = ptr(true)
	in.EscalateIfMissed = ptr(true)
	r := generated(t, f, in)[0]
	require.Equal(t, models.ChannelWhatsApp, r.Channel)

	_, err := f.svc.MarkSent(ctx, admin, r.ID)
	require.NoError(t, err)
	_, err = f.svc.MarkMissed(ctx, admin, r.ID)
	require.NoError(t, err)

	esc, err := f.svc.Escalate(ctx, admin, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReminderEscalated, esc.Status)
	assert.Equal(t, models.ChannelPush, esc.Channel)

	resent, err := f.svc.MarkSent(ctx, admin, r.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, resent.Attempts)
	_, err = f.svc.MarkMissed(ctx, admin, r.ID)
	require.NoError(t, err)

	_, err = f.svc.Escalate(ctx, admin, r.ID)
	assert.ErrorIs(t, err, ErrNoEscalationChannel)

	stored, err := f.repo.GetReminder(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReminderMissed, stored.Status)
	assert.True(t, stored.DeadLetter)
}

func TestRecordFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := generated(t, f, twiceDailyInput("pm1"))[0]

	require.NoError(t, f.svc.RecordFailure(ctx, r.ID, errors.New("gateway timeout")))
	stored, err := f.repo.GetReminder(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReminderPending, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	assert.Equal(t, "gateway timeout", stored.LastError)
}

func TestDeleteSchedule_CancelsOpenReminders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sch := f.schedule(t, patient1, twiceDailyInput("pm1"))
	res, err := f.svc.Generate(ctx, admin, sch.ID, 2)
	require.NoError(t, err)
	_, err = f.svc.MarkSent(ctx, admin, res.Reminders[0].ID)
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteSchedule(ctx, patient1, sch.ID))

	_, err = f.svc.GetSchedule(ctx, admin, sch.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	page, err := f.svc.ListReminders(ctx, admin, ReminderFilter{})
	require.NoError(t, err)
	for _, r := range page.Reminders {
		assert.Equal(t, models.ReminderCancelled, r.Status)
		assert.Equal(t, "schedule deleted", r.CancelReason)
	}
}

func TestStopPrescription_Cascades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sch := f.schedule(t, patient1, twiceDailyInput("pm1"))
	_, err := f.svc.Generate(ctx, admin, sch.ID, 2)
	require.NoError(t, err)

	_, err = f.svc.StopPrescription(ctx, patient1, "pm1")
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	res, err := f.svc.StopPrescription(ctx, admin, "pm1")
	require.NoError(t, err)
	assert.True(t, res.ScheduleDeactivated)
	assert.Equal(t, 4, res.CancelledReminders)
	assert.Equal(t, models.PrescriptionStopped, res.Prescription.Status)
	require.NotNil(t, res.Prescription.EndDate)
	assert.Equal(t, 10, res.Prescription.EndDate.Day())

	stored, err := f.repo.GetSchedule(ctx, sch.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsActive)

	_, err = f.svc.StopPrescription(ctx, admin, "pm1")
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestDoseTaken_AutoSkip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := twiceDailyInput("pm1")
	in.AutoSkipIfTaken = ptr(true)
	sch := f.schedule(t, patient1, in)
	_, err := f.svc.Generate(ctx, admin, sch.ID, 1)
	require.NoError(t, err)

	log := &models.DoseLog{
		PatientID:           "p1",
		PatientMedicationID: "pm1",
		ScheduledDate:       time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC),
		ScheduledTime:       "08:00",
		Status:              models.DoseTaken,
	}
	require.NoError(t, f.svc.DoseTaken(ctx, log))

	page, err := f.svc.ListReminders(ctx, admin, ReminderFilter{})
	require.NoError(t, err)
	require.Len(t, page.Reminders, 2)
	assert.Equal(t, models.ReminderCancelled, page.Reminders[0].Status)
	assert.Equal(t, "dose already taken", page.Reminders[0].CancelReason)
	assert.Equal(t, models.ReminderPending, page.Reminders[1].Status)
}

func TestDoseTaken_WithoutAutoSkipIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sch := f.schedule(t, patient1, twiceDailyInput("pm1"))
	_, err := f.svc.Generate(ctx, admin, sch.ID, 1)
	require.NoError(t, err)

	require.NoError(t, f.svc.DoseTaken(ctx, &models.DoseLog{
		PatientMedicationID: "pm1",
		ScheduledDate:       time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC),
		ScheduledTime:       "08:00",
	}))
	require.NoError(t, f.svc.DoseTaken(ctx, &models.DoseLog{PatientMedicationID: "no-schedule"}))

	page, err := f.svc.ListReminders(ctx, admin, ReminderFilter{Statuses: []models.ReminderStatus{models.ReminderPending}})
	require.NoError(t, err)
	assert.EqualValues(t, 2, page.Total)
}

func TestStatsSummary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := twiceDailyInput("pm1")
	in.AdvanceMinutes = ptr(0)
	sch := f.schedule(t, patient1, in)
	res, err := f.svc.Generate(ctx, admin, sch.ID, 1)
	require.NoError(t, err)
	require.Len(t, res.Reminders, 2)

	f.now = time.Date(2024, 3, 10, 22, 0, 0, 0, time.UTC)
	_, err = f.svc.MarkSent(ctx, admin, res.Reminders[0].ID)
	require.NoError(t, err)
	_, err = f.svc.Acknowledge(ctx, admin, res.Reminders[0].ID)
	require.NoError(t, err)
	_, err = f.svc.MarkSent(ctx, admin, res.Reminders[1].ID)
	require.NoError(t, err)

	sum, err := f.svc.StatsSummary(ctx, patient1, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultStatsDays, sum.Days)
	assert.Equal(t, 2, sum.TotalScheduled)
	assert.Equal(t, 2, sum.Sent)
	assert.Equal(t, 1, sum.Delivered)
	assert.Equal(t, 1, sum.Acknowledged)
	assert.InDelta(t, 50.0, sum.DeliveryRate, 0.001)
	assert.InDelta(t, 100.0, sum.AcknowledgementRate, 0.001)
	assert.True(t, sum.HasData)
	assert.Equal(t, 2, sum.ByChannel[models.ChannelPush])

	_, err = f.svc.StatsSummary(ctx, admin, 400, nil)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	other, err := f.svc.StatsSummary(ctx, admin, 7, ptr("p2"))
	require.NoError(t, err)
	assert.False(t, other.HasData)
	assert.Zero(t, other.DeliveryRate)
}
