package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"meditrack-server/internal/access"
	"meditrack-server/internal/apperr"
	"meditrack-server/internal/metrics"
	"meditrack-server/internal/models"
	"meditrack-server/internal/reminder"
)

// Options tune the worker loop.
type Options struct {
	Interval        time.Duration
	DaysAhead       int
	DeliveryTimeout time.Duration
	BatchSize       int
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = time.Minute
	}
	if o.DaysAhead <= 0 {
		o.DaysAhead = reminder.DefaultDaysAhead
	}
	if o.DeliveryTimeout <= 0 {
		o.DeliveryTimeout = 30 * time.Minute
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 200
	}
	return o
}

// TickResult counts what one pass did.
type TickResult struct {
	Generated    int `json:"generated"`
	Sent         int `json:"sent"`
	Delivered    int `json:"delivered"`
	Failed       int `json:"failed"`
	Held         int `json:"held"`
	Missed       int `json:"missed"`
	Escalated    int `json:"escalated"`
	DeadLettered int `json:"deadLettered"`
}

// Worker periodically generates, sends, expires and escalates reminders.
type Worker struct {
	svc      *reminder.Service
	notifier Notifier
	opts     Options
	log      zerolog.Logger
}

func NewWorker(svc *reminder.Service, notifier Notifier, opts Options, logger zerolog.Logger) *Worker {
	return &Worker{
		svc:      svc,
		notifier: notifier,
		opts:     opts.withDefaults(),
		log:      logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Run ticks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	w.log.Info().Dur("interval", w.opts.Interval).Msg("reminder dispatcher started")
	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("reminder dispatcher stopped")
			return nil
		case <-ticker.C:
			if _, err := w.Tick(ctx); err != nil && ctx.Err() == nil {
				w.log.Error().Err(err).Msg("dispatch tick failed")
			}
		}
	}
}

// Tick runs one pass. Steps are independent: a failing step is logged and
// the remaining steps still run.
func (w *Worker) Tick(ctx context.Context) (TickResult, error) {
	var res TickResult
	var errs []error

	steps := []struct {
		name string
		fn   func(context.Context, *TickResult) error
	}{
		{"generate", w.generate},
		{"send", w.send},
		{"expire", w.expire},
		{"escalate", w.escalate},
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := step.fn(ctx, &res); err != nil {
			metrics.DispatchErrors.WithLabelValues(step.name).Inc()
			w.log.Error().Err(err).Str("step", step.name).Msg("dispatch step failed")
			errs = append(errs, err)
		}
	}
	if res != (TickResult{}) {
		w.log.Debug().Interface("result", res).Msg("dispatch tick")
	}
	return res, errors.Join(errs...)
}

func (w *Worker) generate(ctx context.Context, res *TickResult) error {
	n, err := w.svc.GenerateAll(ctx, w.opts.DaysAhead)
	res.Generated = n
	return err
}

func (w *Worker) list(ctx context.Context, f reminder.ReminderFilter) ([]models.Reminder, error) {
	f.Limit = w.opts.BatchSize
	page, err := w.svc.ListReminders(ctx, access.System, f)
	if err != nil {
		return nil, err
	}
	return page.Reminders, nil
}

// schedules memoizes schedule lookups within one step.
type scheduleCache struct {
	w    *Worker
	seen map[string]*models.ReminderSchedule
}

func (w *Worker) schedules() *scheduleCache {
	return &scheduleCache{w: w, seen: map[string]*models.ReminderSchedule{}}
}

func (c *scheduleCache) get(ctx context.Context, id string) (*models.ReminderSchedule, error) {
	if s, ok := c.seen[id]; ok {
		return s, nil
	}
	s, err := c.w.svc.GetSchedule(ctx, access.System, id)
	if errors.Is(err, apperr.ErrNotFound) {
		s, err = nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.seen[id] = s
	return s, nil
}

// send delivers pending and escalated reminders whose send time has come.
// Deferred reminders wait while their schedule is inside quiet hours.
func (w *Worker) send(ctx context.Context, res *TickResult) error {
	now := w.svc.Now()
	due, err := w.list(ctx, reminder.ReminderFilter{
		Statuses:           []models.ReminderStatus{models.ReminderPending, models.ReminderEscalated},
		To:                 &now,
		ExcludeDeadLetters: true,
	})
	if err != nil {
		return err
	}

	cache := w.schedules()
	for i := range due {
		r := &due[i]
		if r.Deferred {
			sch, err := cache.get(ctx, r.ScheduleID)
			if err != nil {
				return err
			}
			if sch != nil && reminder.Quiet(sch, now.In(w.svc.Location())) {
				res.Held++
				continue
			}
		}

		delivered, err := w.notifier.Notify(ctx, r)
		if err != nil {
			res.Failed++
			metrics.DispatchErrors.WithLabelValues("notify").Inc()
			w.log.Warn().Err(err).Str("reminder_id", r.ID).Str("channel", string(r.Channel)).Msg("reminder delivery failed")
			if err := w.svc.RecordFailure(ctx, r.ID, err); err != nil {
				return err
			}
			continue
		}
		if _, err := w.svc.MarkSent(ctx, access.System, r.ID); err != nil {
			return err
		}
		res.Sent++
		if delivered {
			if _, err := w.svc.MarkDelivered(ctx, access.System, r.ID); err != nil {
				return err
			}
			res.Delivered++
		}
	}
	return nil
}

// expire marks sent reminders that were never confirmed as missed.
func (w *Worker) expire(ctx context.Context, res *TickResult) error {
	cutoff := w.svc.Now().Add(-w.opts.DeliveryTimeout)
	stale, err := w.list(ctx, reminder.ReminderFilter{
		Statuses:   []models.ReminderStatus{models.ReminderSent},
		SentBefore: &cutoff,
	})
	if err != nil {
		return err
	}
	for _, r := range stale {
		if _, err := w.svc.MarkMissed(ctx, access.System, r.ID); err != nil {
			return err
		}
		res.Missed++
	}
	return nil
}

// escalate moves missed reminders on once their schedule's delay elapsed.
func (w *Worker) escalate(ctx context.Context, res *TickResult) error {
	now := w.svc.Now()
	missed, err := w.list(ctx, reminder.ReminderFilter{
		Statuses:           []models.ReminderStatus{models.ReminderMissed},
		ExcludeDeadLetters: true,
	})
	if err != nil {
		return err
	}

	cache := w.schedules()
	for _, r := range missed {
		sch, err := cache.get(ctx, r.ScheduleID)
		if err != nil {
			return err
		}
		if sch != nil && r.MissedAt != nil {
			due := r.MissedAt.Add(time.Duration(sch.EscalateDelayMinutes) * time.Minute)
			if now.Before(due) {
				continue
			}
		}

		_, err = w.svc.Escalate(ctx, access.System, r.ID)
		switch {
		case err == nil:
			res.Escalated++
		case errors.Is(err, apperr.ErrInvalidTransition):
			res.DeadLettered++
		default:
			return err
		}
	}
	return nil
}
