package reminder

import (
	"fmt"
	"slices"
	"time"

	"meditrack-server/internal/apperr"
	"meditrack-server/internal/models"
)

// Instance is one planned reminder before it is persisted.
type Instance struct {
	DoseTime time.Time
	SendTime time.Time
	Channel  models.Channel
	Deferred bool
}

// ParseClock turns "HH:MM" into minutes after midnight.
func ParseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, apperr.Validation(fmt.Sprintf("invalid time %q, expected HH:MM", s))
	}
	return t.Hour()*60 + t.Minute(), nil
}

// NormalizeTimes validates, dedupes and sorts reminder times.
func NormalizeTimes(times []string) ([]string, error) {
	out := make([]string, 0, len(times))
	for _, s := range times {
		m, err := ParseClock(s)
		if err != nil {
			return nil, err
		}
		out = append(out, fmt.Sprintf("%02d:%02d", m/60, m%60))
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

// ResolveChannel picks the first enabled channel in priority order. A
// schedule with nothing enabled falls back to push.
func ResolveChannel(s *models.ReminderSchedule) models.Channel {
	for _, c := range models.ChannelPriority {
		if s.Enabled(c) {
			return c
		}
	}
	return models.ChannelPush
}

// NextChannel is the next enabled channel after current in priority order.
func NextChannel(s *models.ReminderSchedule, current models.Channel) (models.Channel, bool) {
	i := slices.Index(models.ChannelPriority, current)
	if i < 0 {
		return "", false
	}
	for _, c := range models.ChannelPriority[i+1:] {
		if s.Enabled(c) {
			return c, true
		}
	}
	return "", false
}

// InQuietHours reports whether minute falls in [start, end), wrapping past
// midnight when end is before start. An empty window never matches.
func InQuietHours(minute, start, end int) bool {
	switch {
	case start == end:
		return false
	case start < end:
		return minute >= start && minute < end
	default:
		return minute >= start || minute < end
	}
}

// Quiet reports whether t falls in the schedule's quiet hours.
func Quiet(s *models.ReminderSchedule, t time.Time) bool {
	if !s.QuietHoursEnabled {
		return false
	}
	start, err1 := ParseClock(s.QuietStart)
	end, err2 := ParseClock(s.QuietEnd)
	if err1 != nil || err2 != nil {
		return false
	}
	return InQuietHours(t.Hour()*60+t.Minute(), start, end)
}

// beforeDay compares calendar days, ignoring clock and zone.
func beforeDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC).Before(time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC))
}

// Expand plans reminders for days [today, today+daysAhead) in loc. Dose
// times not strictly after now and days outside the schedule's date range
// are skipped.
func Expand(s *models.ReminderSchedule, now time.Time, daysAhead int, loc *time.Location) ([]Instance, error) {
	channel := ResolveChannel(s)
	advance := time.Duration(s.AdvanceMinutes) * time.Minute
	local := now.In(loc)
	y, m, d := local.Date()

	var out []Instance
	for offset := range daysAhead {
		day := time.Date(y, m, d+offset, 0, 0, 0, 0, loc)
		if beforeDay(day, s.StartDate) || (s.EndDate != nil && beforeDay(*s.EndDate, day)) {
			continue
		}
		for _, clock := range s.ReminderTimes {
			minutes, err := ParseClock(clock)
			if err != nil {
				return nil, err
			}
			dose := time.Date(y, m, d+offset, minutes/60, minutes%60, 0, 0, loc)
			if !dose.After(now) {
				continue
			}
			send := dose.Add(-advance)
			out = append(out, Instance{
				DoseTime: dose,
				SendTime: send,
				Channel:  channel,
				Deferred: Quiet(s, send.In(loc)),
			})
		}
	}
	return out, nil
}
