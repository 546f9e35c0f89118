package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// Frequency describes how often a schedule fires per day.
type Frequency string

const (
	FrequencyDaily           Frequency = "daily"
	FrequencyTwiceDaily      Frequency = "twice_daily"
	FrequencyThreeTimesDaily Frequency = "three_times_daily"
	FrequencyCustom          Frequency = "custom"
)

// ParseFrequency normalizes casing and rejects unknown frequencies.
func ParseFrequency(s string) (Frequency, error) {
	switch f := Frequency(strings.ToLower(strings.TrimSpace(s))); f {
	case FrequencyDaily, FrequencyTwiceDaily, FrequencyThreeTimesDaily, FrequencyCustom:
		return f, nil
	default:
		return "", fmt.Errorf("unknown frequency %q", s)
	}
}

// DefaultTimes returns the reminder times used when a schedule is created without any.
func (f Frequency) DefaultTimes() []string {
	switch f {
	case FrequencyDaily:
		return []string{"08:00"}
	case FrequencyTwiceDaily:
		return []string{"08:00", "20:00"}
	case FrequencyThreeTimesDaily:
		return []string{"08:00", "14:00", "20:00"}
	default:
		return nil
	}
}

// Channel is a notification channel.
type Channel string

const (
	ChannelWhatsApp Channel = "whatsapp"
	ChannelSMS      Channel = "sms"
	ChannelEmail    Channel = "email"
	ChannelPush     Channel = "push"
)

// ChannelPriority is the fixed resolution order; the first enabled channel wins
// and escalation walks down the list.
var ChannelPriority = []Channel{ChannelWhatsApp, ChannelSMS, ChannelEmail, ChannelPush}

// ReminderStatus is the lifecycle state of a Reminder.
type ReminderStatus string

const (
	ReminderPending      ReminderStatus = "pending"
	ReminderSent         ReminderStatus = "sent"
	ReminderDelivered    ReminderStatus = "delivered"
	ReminderAcknowledged ReminderStatus = "acknowledged"
	ReminderMissed       ReminderStatus = "missed"
	ReminderCancelled    ReminderStatus = "cancelled"
	ReminderEscalated    ReminderStatus = "escalated"
)

// ParseReminderStatus normalizes casing and rejects unknown statuses.
func ParseReminderStatus(s string) (ReminderStatus, error) {
	switch r := ReminderStatus(strings.ToLower(strings.TrimSpace(s))); r {
	case ReminderPending, ReminderSent, ReminderDelivered, ReminderAcknowledged,
		ReminderMissed, ReminderCancelled, ReminderEscalated:
		return r, nil
	default:
		return "", fmt.Errorf("unknown reminder status %q", s)
	}
}

// UnmarshalJSON validates the status while binding request bodies.
func (r *ReminderStatus) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseReminderStatus(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// ReminderSchedule is the recurring policy for one prescription.
type ReminderSchedule struct {
	BaseModel
	PatientMedicationID  string                      `gorm:"size:36;not null;uniqueIndex" json:"patientMedicationId"`
	PatientID            string                      `gorm:"size:36;not null;index" json:"patientId"`
	Frequency            Frequency                   `gorm:"size:20;not null" json:"frequency"`
	ReminderTimes        datatypes.JSONSlice[string] `json:"reminderTimes"`
	AdvanceMinutes       int                         `json:"advanceMinutes"`
	ChannelPush          bool                        `json:"channelPush"`
	ChannelEmail         bool                        `json:"channelEmail"`
	ChannelSMS           bool                        `json:"channelSMS"`
	ChannelWhatsApp      bool                        `json:"channelWhatsApp"`
	AutoSkipIfTaken      bool                        `json:"autoSkipIfTaken"`
	EscalateIfMissed     bool                        `json:"escalateIfMissed"`
	EscalateDelayMinutes int                         `json:"escalateDelayMinutes"`
	QuietHoursEnabled    bool                        `json:"quietHoursEnabled"`
	QuietStart           string                      `gorm:"size:5" json:"quietHoursStart,omitempty"`
	QuietEnd             string                      `gorm:"size:5" json:"quietHoursEnd,omitempty"`
	IsActive             bool                        `gorm:"index" json:"isActive"`
	StartDate            time.Time                   `json:"startDate"`
	EndDate              *time.Time                  `json:"endDate,omitempty"`
}

// Enabled reports whether the channel is switched on for this schedule.
func (s *ReminderSchedule) Enabled(c Channel) bool {
	switch c {
	case ChannelWhatsApp:
		return s.ChannelWhatsApp
	case ChannelSMS:
		return s.ChannelSMS
	case ChannelEmail:
		return s.ChannelEmail
	case ChannelPush:
		return s.ChannelPush
	}
	return false
}

// Reminder is one concrete notification materialized from a schedule.
type Reminder struct {
	BaseModel
	ScheduleID          string         `gorm:"size:36;index" json:"scheduleId"`
	PatientMedicationID string         `gorm:"size:36;not null;uniqueIndex:uq_reminder_dose,priority:1" json:"patientMedicationId"`
	PatientID           string         `gorm:"size:36;not null;index" json:"patientId"`
	ScheduledTime       time.Time      `gorm:"not null;index" json:"scheduledTime"`
	ActualDoseTime      time.Time      `gorm:"not null;uniqueIndex:uq_reminder_dose,priority:2" json:"actualDoseTime"`
	Channel             Channel        `gorm:"size:20;not null" json:"channel"`
	Status              ReminderStatus `gorm:"size:20;not null;index" json:"status"`
	MessageText         string         `gorm:"type:text" json:"messageText"`
	Deferred            bool           `json:"deferred"`
	Attempts            int            `json:"attempts"`
	DeadLetter          bool           `gorm:"index" json:"deadLetter"`
	SentAt              *time.Time     `json:"sentAt,omitempty"`
	DeliveredAt         *time.Time     `json:"deliveredAt,omitempty"`
	AcknowledgedAt      *time.Time     `json:"acknowledgedAt,omitempty"`
	MissedAt            *time.Time     `json:"missedAt,omitempty"`
	EscalatedAt         *time.Time     `json:"escalatedAt,omitempty"`
	CancelledAt         *time.Time     `json:"cancelledAt,omitempty"`
	CancelReason        string         `gorm:"size:255" json:"cancelReason,omitempty"`
	LastError           string         `gorm:"type:text" json:"lastError,omitempty"`
}
