package dispatch

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meditrack-server/internal/access"
	"meditrack-server/internal/models"
	"meditrack-server/internal/reminder"
)

type recorder struct {
	mu        sync.Mutex
	sent      []models.Reminder
	err       error
	delivered bool
}

func (r *recorder) Notify(_ context.Context, rem *models.Reminder) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return false, r.err
	}
	r.sent = append(r.sent, *rem)
	return r.delivered, nil
}

type harness struct {
	svc      *reminder.Service
	repo     *reminder.MemoryRepository
	worker   *Worker
	notifier *recorder
	now      time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	repo := reminder.NewMemoryRepository()
	repo.AddPrescription(models.PatientMedication{
		BaseModel:  models.BaseModel{ID: "pm1"},
		PatientID:  "p1",
		StartDate:  time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		Status:     models.PrescriptionActive,
		Medication: models.Medication{Name: "Metformin"},
	})
	h := &harness{
		repo:     repo,
		notifier: &recorder{},
		now:      time.Date(2024, 3, 10, 6, 0, 0, 0, time.UTC),
	}
	h.svc = reminder.NewService(repo, time.UTC, 30, zerolog.Nop())
	h.svc.SetClock(func() time.Time { return h.now })
	h.worker = NewWorker(h.svc, h.notifier, Options{DaysAhead: 2, DeliveryTimeout: 30 * time.Minute}, zerolog.Nop())
	return h
}

func (h *harness) schedule(t *testing.T, in reminder.ScheduleInput) *models.ReminderSchedule {
	t.Helper()
	in.PatientMedicationID = "pm1"
	sch, err := h.svc.CreateSchedule(context.Background(), access.System, in)
	require.NoError(t, err)
	return sch
}

func (h *harness) tick(t *testing.T, at time.Time) TickResult {
	t.Helper()
	h.now = at
	res, err := h.worker.Tick(context.Background())
	require.NoError(t, err)
	return res
}

func ptr[T any](v T) *T { return &v }

func clock(hh, mm int) time.Time {
	return time.Date(2024, 3, 10, hh, mm, 0, 0, time.UTC)
}

func TestTick_FullLifecycle(t *testing.T) {
	h := newHarness(t)
	h.schedule(t, reminder.ScheduleInput{
		Frequency:        ptr(models.FrequencyTwiceDaily),
		ChannelWhatsApp:  ptr(true),
		ChannelPush:      ptr(true),
		EscalateIfMissed: ptr(true),
	})

	res := h.tick(t, clock(6, 0))
	assert.Equal(t, 4, res.Generated)
	assert.Zero(t, res.Sent)

	res = h.tick(t, clock(7, 50))
	assert.Zero(t, res.Generated)
	assert.Equal(t, 1, res.Sent)
	require.Len(t, h.notifier.sent, 1)
	assert.Equal(t, models.ChannelWhatsApp, h.notifier.sent[0].Channel)

	res = h.tick(t, clock(8, 25))
	assert.Equal(t, 1, res.Missed)
	assert.Zero(t, res.Escalated, "escalation delay has not elapsed")

	res = h.tick(t, clock(8, 56))
	assert.Equal(t, 1, res.Escalated)

	res = h.tick(t, clock(8, 57))
	assert.Equal(t, 1, res.Sent)
	require.Len(t, h.notifier.sent, 2)
	assert.Equal(t, models.ChannelPush, h.notifier.sent[1].Channel)

	stored, err := h.repo.GetReminder(context.Background(), h.notifier.sent[1].ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReminderSent, stored.Status)
	assert.Equal(t, 2, stored.Attempts)
}

func TestTick_DeadLettersOnce(t *testing.T) {
	h := newHarness(t)
	h.schedule(t, reminder.ScheduleInput{
		Frequency:            ptr(models.FrequencyDaily),
		EscalateIfMissed:     ptr(true),
		EscalateDelayMinutes: ptr(5),
	})

	h.tick(t, clock(7, 50))
	h.tick(t, clock(8, 30))
	res := h.tick(t, clock(8, 40))
	assert.Equal(t, 1, res.DeadLettered)

	res = h.tick(t, clock(8, 50))
	assert.Zero(t, res.DeadLettered)

	page, err := h.svc.ListReminders(context.Background(), access.System, reminder.ReminderFilter{
		Statuses: []models.ReminderStatus{models.ReminderMissed},
	})
	require.NoError(t, err)
	require.Len(t, page.Reminders, 1)
	assert.True(t, page.Reminders[0].DeadLetter)
}

func TestTick_NotifierFailureIsRecorded(t *testing.T) {
	h := newHarness(t)
	h.schedule(t, reminder.ScheduleInput{Frequency: ptr(models.FrequencyDaily)})
	h.notifier.err = errors.New("provider down")

	res := h.tick(t, clock(7, 50))
	assert.Equal(t, 1, res.Failed)
	assert.Zero(t, res.Sent)

	page, err := h.svc.ListReminders(context.Background(), access.System, reminder.ReminderFilter{
		Statuses: []models.ReminderStatus{models.ReminderPending},
		To:       ptr(clock(8, 0)),
	})
	require.NoError(t, err)
	require.Len(t, page.Reminders, 1)
	assert.Equal(t, 1, page.Reminders[0].Attempts)
	assert.Equal(t, "provider down", page.Reminders[0].LastError)

	h.notifier.err = nil
	res = h.tick(t, clock(7, 51))
	assert.Equal(t, 1, res.Sent)
}

func TestTick_HoldsDeferredDuringQuietHours(t *testing.T) {
	h := newHarness(t)
	h.now = clock(5, 0)
	h.schedule(t, reminder.ScheduleInput{
		Frequency:         ptr(models.FrequencyCustom),
		ReminderTimes:     []string{"07:00"},
		QuietHoursEnabled: ptr(true),
		QuietStart:        ptr("22:00"),
		QuietEnd:          ptr("07:00"),
	})

	res := h.tick(t, clock(5, 0))
	require.Equal(t, 2, res.Generated)

	res = h.tick(t, clock(6, 50))
	assert.Equal(t, 1, res.Held)
	assert.Zero(t, res.Sent)

	res = h.tick(t, clock(7, 0))
	assert.Zero(t, res.Held)
	assert.Equal(t, 1, res.Sent)
}

func TestTick_ConfirmedDeliveryIsNotExpired(t *testing.T) {
	h := newHarness(t)
	h.notifier.delivered = true
	h.schedule(t, reminder.ScheduleInput{Frequency: ptr(models.FrequencyDaily)})

	res := h.tick(t, clock(7, 50))
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 1, res.Delivered)

	res = h.tick(t, clock(9, 0))
	assert.Zero(t, res.Missed)
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	n := LogNotifier{Logger: zerolog.New(&buf), ConfirmDelivery: true}
	delivered, err := n.Notify(context.Background(), &models.Reminder{
		BaseModel:   models.BaseModel{ID: "r1"},
		Channel:     models.ChannelSMS,
		MessageText: "Reminder: time to take Metformin at 08:00",
	})
	require.NoError(t, err)
	assert.True(t, delivered)
	assert.Contains(t, buf.String(), `"channel":"sms"`)
	assert.Contains(t, buf.String(), "time to take Metformin")
}

func TestRun_StopsOnCancel(t *testing.T) {
	h := newHarness(t)
	w := NewWorker(h.svc, h.notifier, Options{Interval: time.Millisecond}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}
