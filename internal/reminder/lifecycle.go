package reminder

import (
	"fmt"
	"slices"
	"time"

	"meditrack-server/internal/apperr"
	"meditrack-server/internal/models"
)

var (
	ErrEscalationDisabled  = fmt.Errorf("schedule does not escalate missed reminders: %w", apperr.ErrInvalidTransition)
	ErrNoEscalationChannel = fmt.Errorf("no lower-priority channel left to escalate to: %w", apperr.ErrInvalidTransition)
)

// transitions lists the legal next states of each status.
var transitions = map[models.ReminderStatus][]models.ReminderStatus{
	models.ReminderPending:   {models.ReminderSent, models.ReminderCancelled},
	models.ReminderSent:      {models.ReminderDelivered, models.ReminderMissed, models.ReminderCancelled},
	models.ReminderDelivered: {models.ReminderAcknowledged},
	models.ReminderMissed:    {models.ReminderEscalated},
	models.ReminderEscalated: {models.ReminderSent},
}

func CanTransition(from, to models.ReminderStatus) bool {
	return slices.Contains(transitions[from], to)
}

func invalidTransition(from, to models.ReminderStatus) error {
	return fmt.Errorf("reminder cannot move from %s to %s: %w", from, to, apperr.ErrInvalidTransition)
}

// Transition moves r to status to and stamps the matching timestamp.
func Transition(r *models.Reminder, to models.ReminderStatus, at time.Time) error {
	if !CanTransition(r.Status, to) {
		return invalidTransition(r.Status, to)
	}
	r.Status = to
	switch to {
	case models.ReminderSent:
		r.SentAt = &at
		r.Attempts++
		r.LastError = ""
	case models.ReminderDelivered:
		r.DeliveredAt = &at
	case models.ReminderAcknowledged:
		r.AcknowledgedAt = &at
	case models.ReminderMissed:
		r.MissedAt = &at
	case models.ReminderEscalated:
		r.EscalatedAt = &at
	case models.ReminderCancelled:
		r.CancelledAt = &at
	}
	return nil
}

// Cancel is allowed from pending and sent only.
func Cancel(r *models.Reminder, reason string, at time.Time) error {
	if err := Transition(r, models.ReminderCancelled, at); err != nil {
		return err
	}
	r.CancelReason = reason
	return nil
}

// Escalate moves a missed reminder to the next enabled channel below its
// current one. When the schedule does not escalate, or no channel is left,
// the reminder stays missed and is marked as a dead letter.
func Escalate(r *models.Reminder, s *models.ReminderSchedule, at time.Time) error {
	if !CanTransition(r.Status, models.ReminderEscalated) {
		return invalidTransition(r.Status, models.ReminderEscalated)
	}
	if s == nil || !s.EscalateIfMissed {
		r.DeadLetter = true
		return ErrEscalationDisabled
	}
	next, ok := NextChannel(s, r.Channel)
	if !ok {
		r.DeadLetter = true
		return ErrNoEscalationChannel
	}
	if err := Transition(r, models.ReminderEscalated, at); err != nil {
		return err
	}
	r.Channel = next
	return nil
}
