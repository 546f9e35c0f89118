package models

import (
	"fmt"
	"strings"
	"time"
)

// PeriodType is the granularity of a materialized AdherenceStats row.
type PeriodType string

const (
	PeriodDaily   PeriodType = "daily"
	PeriodWeekly  PeriodType = "weekly"
	PeriodMonthly PeriodType = "monthly"
)

// ParsePeriodType normalizes casing and rejects unknown periods.
func ParsePeriodType(s string) (PeriodType, error) {
	switch p := PeriodType(strings.ToLower(strings.TrimSpace(s))); p {
	case PeriodDaily, PeriodWeekly, PeriodMonthly:
		return p, nil
	default:
		return "", fmt.Errorf("unknown period type %q", s)
	}
}

// Bounds returns the inclusive first and last day of the period containing day.
// Weeks start on Monday.
func (p PeriodType) Bounds(day time.Time) (time.Time, time.Time) {
	d := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	switch p {
	case PeriodWeekly:
		offset := (int(d.Weekday()) + 6) % 7
		start := d.AddDate(0, 0, -offset)
		return start, start.AddDate(0, 0, 6)
	case PeriodMonthly:
		start := time.Date(d.Year(), d.Month(), 1, 0, 0, 0, 0, d.Location())
		return start, start.AddDate(0, 1, -1)
	default:
		return d, d
	}
}

// AdherenceStats is a materialized view over DoseLog. It is never the source of truth.
type AdherenceStats struct {
	BaseModel
	PatientID      string     `gorm:"size:36;not null;uniqueIndex:uq_stats_period,priority:1" json:"patientId"`
	PeriodType     PeriodType `gorm:"size:10;not null;uniqueIndex:uq_stats_period,priority:2" json:"periodType"`
	PeriodStart    time.Time  `gorm:"type:date;not null;uniqueIndex:uq_stats_period,priority:3" json:"periodStart"`
	PeriodEnd      time.Time  `gorm:"type:date;not null" json:"periodEnd"`
	DosesScheduled int        `json:"dosesScheduled"`
	DosesTaken     int        `json:"dosesTaken"`
	DosesSkipped   int        `json:"dosesSkipped"`
	DosesMissed    int        `json:"dosesMissed"`
	AdherenceScore *float64   `json:"adherenceScore"`
	OnTimeScore    *float64   `json:"onTimeScore"`
	CurrentStreak  int        `json:"currentStreak"`
	LongestStreak  int        `json:"longestStreak"`
	CalculatedAt   time.Time  `json:"calculatedAt"`
}
