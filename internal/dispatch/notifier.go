// Package dispatch delivers due reminders and advances their lifecycle in
// the background.
package dispatch

import (
	"context"

	"github.com/rs/zerolog"

	"meditrack-server/internal/models"
)

// Notifier hands a reminder to an outside delivery channel. delivered is
// true when the channel confirmed receipt synchronously.
type Notifier interface {
	Notify(ctx context.Context, r *models.Reminder) (delivered bool, err error)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, r *models.Reminder) (bool, error)

func (f NotifierFunc) Notify(ctx context.Context, r *models.Reminder) (bool, error) {
	return f(ctx, r)
}

// LogNotifier writes reminders to the log instead of a real provider.
type LogNotifier struct {
	Logger zerolog.Logger
	// ConfirmDelivery reports every logged reminder as delivered.
	ConfirmDelivery bool
}

func (n LogNotifier) Notify(_ context.Context, r *models.Reminder) (bool, error) {
	n.Logger.Info().
		Str("reminder_id", r.ID).
		Str("patient_id", r.PatientID).
		Str("channel", string(r.Channel)).
		Time("dose_time", r.ActualDoseTime).
		Msg(r.MessageText)
	return n.ConfirmDelivery, nil
}
