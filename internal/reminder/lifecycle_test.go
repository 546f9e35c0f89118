package reminder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meditrack-server/internal/apperr"
	"meditrack-server/internal/models"
)

var at = time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC)

func TestCanTransition(t *testing.T) {
	allowed := map[models.ReminderStatus][]models.ReminderStatus{
		models.ReminderPending:   {models.ReminderSent, models.ReminderCancelled},
		models.ReminderSent:      {models.ReminderDelivered, models.ReminderMissed, models.ReminderCancelled},
		models.ReminderDelivered: {models.ReminderAcknowledged},
		models.ReminderMissed:    {models.ReminderEscalated},
		models.ReminderEscalated: {models.ReminderSent},
	}
	all := []models.ReminderStatus{
		models.ReminderPending, models.ReminderSent, models.ReminderDelivered, models.ReminderAcknowledged,
		models.ReminderMissed, models.ReminderCancelled, models.ReminderEscalated,
	}
	for _, from := range all {
		for _, to := range all {
			want := false
			for _, ok := range allowed[from] {
				if ok == to {
					want = true
				}
			}
			assert.Equalf(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestTransition_StampsTimestamps(t *testing.T) {
	r := &models.Reminder{Status: models.ReminderPending, LastError: "timeout"}

	require.NoError(t, Transition(r, models.ReminderSent, at))
	assert.Equal(t, models.ReminderSent, r.Status)
	require.NotNil(t, r.SentAt)
	assert.Equal(t, 1, r.Attempts)
	assert.Empty(t, r.LastError)

	require.NoError(t, Transition(r, models.ReminderDelivered, at.Add(time.Minute)))
	require.NotNil(t, r.DeliveredAt)

	require.NoError(t, Transition(r, models.ReminderAcknowledged, at.Add(2*time.Minute)))
	require.NotNil(t, r.AcknowledgedAt)

	err := Transition(r, models.ReminderSent, at)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	assert.Equal(t, models.ReminderAcknowledged, r.Status)
}

func TestCancel(t *testing.T) {
	r := &models.Reminder{Status: models.ReminderPending}
	require.NoError(t, Cancel(r, "travelling", at))
	assert.Equal(t, models.ReminderCancelled, r.Status)
	assert.Equal(t, "travelling", r.CancelReason)
	require.NotNil(t, r.CancelledAt)

	delivered := &models.Reminder{Status: models.ReminderDelivered}
	err := Cancel(delivered, "too late", at)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	assert.Equal(t, models.ReminderDelivered, delivered.Status)
	assert.Empty(t, delivered.CancelReason)
}

func TestEscalate_MovesToNextChannel(t *testing.T) {
	s := &models.ReminderSchedule{EscalateIfMissed: true, ChannelWhatsApp: true, ChannelPush: true}
	r := &models.Reminder{Status: models.ReminderMissed, Channel: models.ChannelWhatsApp, Attempts: 1}

	require.NoError(t, Escalate(r, s, at))
	assert.Equal(t, models.ReminderEscalated, r.Status)
	assert.Equal(t, models.ChannelPush, r.Channel)
	require.NotNil(t, r.EscalatedAt)
	assert.False(t, r.DeadLetter)

	require.NoError(t, Transition(r, models.ReminderSent, at.Add(time.Minute)))
	assert.Equal(t, 2, r.Attempts)
}

func TestEscalate_DeadLetters(t *testing.T) {
	t.Run("lowest channel", func(t *testing.T) {
		s := &models.ReminderSchedule{EscalateIfMissed: true, ChannelPush: true}
		r := &models.Reminder{Status: models.ReminderMissed, Channel: models.ChannelPush}
		err := Escalate(r, s, at)
		assert.ErrorIs(t, err, ErrNoEscalationChannel)
		assert.Equal(t, models.ReminderMissed, r.Status)
		assert.True(t, r.DeadLetter)
	})

	t.Run("escalation disabled", func(t *testing.T) {
		s := &models.ReminderSchedule{ChannelWhatsApp: true, ChannelPush: true}
		r := &models.Reminder{Status: models.ReminderMissed, Channel: models.ChannelWhatsApp}
		err := Escalate(r, s, at)
		assert.ErrorIs(t, err, ErrEscalationDisabled)
		assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
		assert.True(t, r.DeadLetter)
	})

	t.Run("schedule gone", func(t *testing.T) {
		r := &models.Reminder{Status: models.ReminderMissed, Channel: models.ChannelSMS}
		assert.ErrorIs(t, Escalate(r, nil, at), ErrEscalationDisabled)
		assert.True(t, r.DeadLetter)
	})

	t.Run("not missed", func(t *testing.T) {
		s := &models.ReminderSchedule{EscalateIfMissed: true, ChannelWhatsApp: true, ChannelPush: true}
		r := &models.Reminder{Status: models.ReminderSent, Channel: models.ChannelWhatsApp}
		assert.ErrorIs(t, Escalate(r, s, at), apperr.ErrInvalidTransition)
		assert.False(t, r.DeadLetter)
	})
}
