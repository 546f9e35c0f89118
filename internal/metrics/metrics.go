// Package metrics exposes Prometheus counters for dose logging and the
// reminder pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	DoseLogsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meditrack",
		Name:      "dose_logs_recorded_total",
		Help:      "Dose logs recorded, by status.",
	}, []string{"status"})

	RemindersGenerated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "meditrack",
		Name:      "reminders_generated_total",
		Help:      "Reminder instances materialized from schedules.",
	})

	ReminderTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meditrack",
		Name:      "reminder_transitions_total",
		Help:      "Reminder state changes, by target status.",
	}, []string{"status"})

	DispatchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meditrack",
		Name:      "dispatch_errors_total",
		Help:      "Dispatcher failures, by step.",
	}, []string{"step"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
