package adherence

import (
	"cmp"
	"fmt"
	"iter"
	"math"
	"slices"
	"time"

	"meditrack-server/internal/apperr"
	"meditrack-server/internal/models"
)

// Dose is the read projection of a DoseLog the engine aggregates over.
// Date is a civil date at UTC midnight.
type Dose struct {
	LogID               string
	PatientID           string
	PatientName         string
	PatientMedicationID string
	MedicationID        string
	MedicationName      string
	Date                time.Time
	Time                string
	Status              models.DoseStatus
	OnTime              *bool
	UpdatedAt           time.Time
}

// CivilDate drops the clock and zone of t, keeping its calendar day.
func CivilDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD query value.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, apperr.Validation(fmt.Sprintf("invalid date %q, expected YYYY-MM-DD", s))
	}
	return t, nil
}

// Window is an inclusive range of calendar days.
type Window struct {
	Start time.Time
	End   time.Time
}

// MaxWindowDays bounds the windows callers may ask for.
const MaxWindowDays = 365

// NewWindow fails with ErrInvalidRange when end is before start and with a
// validation error when the window spans more than MaxWindowDays.
func NewWindow(start, end time.Time) (Window, error) {
	w := Window{Start: CivilDate(start), End: CivilDate(end)}
	if w.End.Before(w.Start) {
		return Window{}, fmt.Errorf("end %s before start %s: %w",
			w.End.Format(time.DateOnly), w.Start.Format(time.DateOnly), apperr.ErrInvalidRange)
	}
	if w.Days() > MaxWindowDays {
		return Window{}, apperr.Validation(fmt.Sprintf("date range must not exceed %d days", MaxWindowDays))
	}
	return w, nil
}

// LastDays is the window of n days ending on the civil date of now.
func LastDays(now time.Time, n int) Window {
	end := CivilDate(now)
	return Window{Start: end.AddDate(0, 0, -(n - 1)), End: end}
}

func (w Window) Contains(day time.Time) bool {
	day = CivilDate(day)
	return !day.Before(w.Start) && !day.After(w.End)
}

// Days is the number of calendar days in the window.
func (w Window) Days() int {
	return int(dayNumber(w.End)-dayNumber(w.Start)) + 1
}

// dayNumber counts days since the Unix epoch for a civil date.
func dayNumber(t time.Time) int64 {
	return CivilDate(t).Unix() / 86400
}

// Each yields every day of the window in order.
func (w Window) Each() iter.Seq[time.Time] {
	return func(yield func(time.Time) bool) {
		for d := w.Start; !d.After(w.End); d = d.AddDate(0, 0, 1) {
			if !yield(d) {
				return
			}
		}
	}
}

// Tally counts dose outcomes. Every log is one scheduled dose.
type Tally struct {
	Scheduled int `json:"dosesScheduled"`
	Taken     int `json:"dosesTaken"`
	Skipped   int `json:"dosesSkipped"`
	Missed    int `json:"dosesMissed"`
	OnTime    int `json:"dosesOnTime"`
}

func (t *Tally) Add(d Dose) {
	t.Scheduled++
	switch d.Status {
	case models.DoseTaken:
		t.Taken++
		if d.OnTime != nil && *d.OnTime {
			t.OnTime++
		}
	case models.DoseSkipped:
		t.Skipped++
	case models.DoseMissed:
		t.Missed++
	}
}

func (t Tally) HasData() bool { return t.Scheduled > 0 }

// Score is 100 * taken / scheduled rounded to two decimals, nil without data.
func (t Tally) Score() *float64 {
	return percent(t.Taken, t.Scheduled)
}

// OnTimeRate is the share of taken doses that were on time.
func (t Tally) OnTimeRate() *float64 {
	return percent(t.OnTime, t.Taken)
}

// Complete reports whether every scheduled dose was taken.
func (t Tally) Complete() bool {
	return t.Scheduled > 0 && t.Taken == t.Scheduled
}

func percent(part, whole int) *float64 {
	if whole == 0 {
		return nil
	}
	v := math.Round(float64(part)/float64(whole)*10000) / 100
	return &v
}

// Label buckets a score for display.
func Label(score *float64) string {
	switch {
	case score == nil:
		return "no_data"
	case *score >= 90:
		return "excellent"
	case *score >= 75:
		return "good"
	case *score >= 60:
		return "fair"
	default:
		return "needs_attention"
	}
}

type slotKey struct {
	pm   string
	date time.Time
	time string
}

// Dedupe collapses doses recorded more than once for the same prescription
// slot, keeping the most recently updated one and, on equal update times,
// the one with the greater log id. The result is ordered by
// date, time and prescription.
func Dedupe(doses []Dose) []Dose {
	latest := make(map[slotKey]Dose, len(doses))
	for _, d := range doses {
		k := slotKey{d.PatientMedicationID, CivilDate(d.Date), d.Time}
		cur, ok := latest[k]
		if !ok || d.UpdatedAt.After(cur.UpdatedAt) ||
			(d.UpdatedAt.Equal(cur.UpdatedAt) && d.LogID > cur.LogID) {
			latest[k] = d
		}
	}
	out := make([]Dose, 0, len(latest))
	for _, d := range latest {
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b Dose) int {
		return cmp.Or(
			a.Date.Compare(b.Date),
			cmp.Compare(a.Time, b.Time),
			cmp.Compare(a.PatientMedicationID, b.PatientMedicationID),
		)
	})
	return out
}

// inWindow keeps the doses dated inside w and dedupes them.
func inWindow(w Window, doses []Dose) []Dose {
	kept := make([]Dose, 0, len(doses))
	for _, d := range doses {
		if w.Contains(d.Date) {
			kept = append(kept, d)
		}
	}
	return Dedupe(kept)
}

// StatusCount is one row of the per-status breakdown.
type StatusCount struct {
	Status     models.DoseStatus `json:"status"`
	Count      int               `json:"count"`
	Percentage *float64          `json:"percentage"`
}

// Overview is the fleet-wide view over a window.
type Overview struct {
	StartDate      string        `json:"startDate"`
	EndDate        string        `json:"endDate"`
	TotalScheduled int           `json:"totalScheduled"`
	TotalTaken     int           `json:"totalTaken"`
	TotalSkipped   int           `json:"totalSkipped"`
	TotalMissed    int           `json:"totalMissed"`
	AdherenceScore *float64      `json:"adherenceScore"`
	OnTimeRate     *float64      `json:"onTimeRate"`
	Label          string        `json:"label"`
	HasData        bool          `json:"hasData"`
	Patients       int           `json:"patients"`
	Medications    int           `json:"medications"`
	Breakdown      []StatusCount `json:"breakdown"`
}

func ComputeOverview(w Window, doses []Dose) Overview {
	doses = inWindow(w, doses)
	var t Tally
	patients := map[string]struct{}{}
	meds := map[string]struct{}{}
	for _, d := range doses {
		t.Add(d)
		patients[d.PatientID] = struct{}{}
		meds[d.MedicationID] = struct{}{}
	}
	score := t.Score()
	return Overview{
		StartDate:      w.Start.Format(time.DateOnly),
		EndDate:        w.End.Format(time.DateOnly),
		TotalScheduled: t.Scheduled,
		TotalTaken:     t.Taken,
		TotalSkipped:   t.Skipped,
		TotalMissed:    t.Missed,
		AdherenceScore: score,
		OnTimeRate:     t.OnTimeRate(),
		Label:          Label(score),
		HasData:        t.HasData(),
		Patients:       len(patients),
		Medications:    len(meds),
		Breakdown: []StatusCount{
			{Status: models.DoseTaken, Count: t.Taken, Percentage: percent(t.Taken, t.Scheduled)},
			{Status: models.DoseSkipped, Count: t.Skipped, Percentage: percent(t.Skipped, t.Scheduled)},
			{Status: models.DoseMissed, Count: t.Missed, Percentage: percent(t.Missed, t.Scheduled)},
		},
	}
}

// TrendPoint is one calendar day of a trend. Score is nil on days without doses.
type TrendPoint struct {
	Date      string   `json:"date"`
	Scheduled int      `json:"dosesScheduled"`
	Taken     int      `json:"dosesTaken"`
	Skipped   int      `json:"dosesSkipped"`
	Missed    int      `json:"dosesMissed"`
	Score     *float64 `json:"adherenceScore"`
}

func dailyTallies(doses []Dose) map[time.Time]*Tally {
	days := make(map[time.Time]*Tally)
	for _, d := range doses {
		day := CivilDate(d.Date)
		t, ok := days[day]
		if !ok {
			t = &Tally{}
			days[day] = t
		}
		t.Add(d)
	}
	return days
}

// Trends yields one point per day of w. The sequence can be ranged over
// any number of times.
func Trends(w Window, doses []Dose) iter.Seq[TrendPoint] {
	days := dailyTallies(inWindow(w, doses))
	return func(yield func(TrendPoint) bool) {
		for day := range w.Each() {
			var t Tally
			if dt, ok := days[day]; ok {
				t = *dt
			}
			p := TrendPoint{
				Date:      day.Format(time.DateOnly),
				Scheduled: t.Scheduled,
				Taken:     t.Taken,
				Skipped:   t.Skipped,
				Missed:    t.Missed,
				Score:     t.Score(),
			}
			if !yield(p) {
				return
			}
		}
	}
}

// PatientSummary is one ranked row of the per-patient view.
type PatientSummary struct {
	PatientID      string   `json:"patientId"`
	PatientName    string   `json:"patientName"`
	Medications    int      `json:"medications"`
	DosesScheduled int      `json:"dosesScheduled"`
	DosesTaken     int      `json:"dosesTaken"`
	DosesSkipped   int      `json:"dosesSkipped"`
	DosesMissed    int      `json:"dosesMissed"`
	AdherenceScore *float64 `json:"adherenceScore"`
	Label          string   `json:"label"`
}

// MedicationSummary is one ranked row of the per-medication view.
type MedicationSummary struct {
	MedicationID   string   `json:"medicationId"`
	MedicationName string   `json:"medicationName"`
	Patients       int      `json:"patients"`
	DosesScheduled int      `json:"dosesScheduled"`
	DosesTaken     int      `json:"dosesTaken"`
	DosesSkipped   int      `json:"dosesSkipped"`
	DosesMissed    int      `json:"dosesMissed"`
	AdherenceScore *float64 `json:"adherenceScore"`
	Label          string   `json:"label"`
}

// byScore orders by score descending with nil last, then by id ascending.
func byScore(as, bs *float64, aid, bid string) int {
	switch {
	case as == nil && bs != nil:
		return 1
	case as != nil && bs == nil:
		return -1
	case as != nil && bs != nil && *as != *bs:
		return cmp.Compare(*bs, *as)
	}
	return cmp.Compare(aid, bid)
}

func meetsMinimum(score, minScore *float64) bool {
	if minScore == nil {
		return true
	}
	return score != nil && *score >= *minScore
}

func truncate[T any](rows []T, limit int) []T {
	if limit > 0 && len(rows) > limit {
		return rows[:limit]
	}
	return rows
}

type group struct {
	id, name string
	tally    Tally
	members  map[string]struct{}
}

func groupBy(doses []Dose, key func(Dose) (string, string), member func(Dose) string) map[string]*group {
	groups := make(map[string]*group)
	for _, d := range doses {
		id, name := key(d)
		g, ok := groups[id]
		if !ok {
			g = &group{id: id, name: name, members: map[string]struct{}{}}
			groups[id] = g
		}
		g.tally.Add(d)
		g.members[member(d)] = struct{}{}
	}
	return groups
}

// SummarizePatients ranks patients by score. When minScore is set, patients
// below it are dropped before the list is cut to limit.
func SummarizePatients(doses []Dose, limit int, minScore *float64) []PatientSummary {
	groups := groupBy(Dedupe(doses),
		func(d Dose) (string, string) { return d.PatientID, d.PatientName },
		func(d Dose) string { return d.MedicationID })

	rows := make([]PatientSummary, 0, len(groups))
	for _, g := range groups {
		score := g.tally.Score()
		if !meetsMinimum(score, minScore) {
			continue
		}
		rows = append(rows, PatientSummary{
			PatientID:      g.id,
			PatientName:    g.name,
			Medications:    len(g.members),
			DosesScheduled: g.tally.Scheduled,
			DosesTaken:     g.tally.Taken,
			DosesSkipped:   g.tally.Skipped,
			DosesMissed:    g.tally.Missed,
			AdherenceScore: score,
			Label:          Label(score),
		})
	}
	slices.SortFunc(rows, func(a, b PatientSummary) int {
		return byScore(a.AdherenceScore, b.AdherenceScore, a.PatientID, b.PatientID)
	})
	return truncate(rows, limit)
}

// SummarizeMedications groups by catalog medication across patients. A
// non-nil medicationID restricts the result to that medication.
func SummarizeMedications(doses []Dose, medicationID *string, limit int) []MedicationSummary {
	doses = Dedupe(doses)
	if medicationID != nil {
		doses = slices.DeleteFunc(doses, func(d Dose) bool { return d.MedicationID != *medicationID })
	}
	groups := groupBy(doses,
		func(d Dose) (string, string) { return d.MedicationID, d.MedicationName },
		func(d Dose) string { return d.PatientID })

	rows := make([]MedicationSummary, 0, len(groups))
	for _, g := range groups {
		score := g.tally.Score()
		rows = append(rows, MedicationSummary{
			MedicationID:   g.id,
			MedicationName: g.name,
			Patients:       len(g.members),
			DosesScheduled: g.tally.Scheduled,
			DosesTaken:     g.tally.Taken,
			DosesSkipped:   g.tally.Skipped,
			DosesMissed:    g.tally.Missed,
			AdherenceScore: score,
			Label:          Label(score),
		})
	}
	slices.SortFunc(rows, func(a, b MedicationSummary) int {
		return byScore(a.AdherenceScore, b.AdherenceScore, a.MedicationID, b.MedicationID)
	})
	return truncate(rows, limit)
}

// Stats is the detailed view for one patient or the whole fleet.
type Stats struct {
	StartDate      string   `json:"startDate"`
	EndDate        string   `json:"endDate"`
	PeriodType     string   `json:"periodType"`
	PatientID      *string  `json:"patientId,omitempty"`
	DosesScheduled int      `json:"dosesScheduled"`
	DosesTaken     int      `json:"dosesTaken"`
	DosesSkipped   int      `json:"dosesSkipped"`
	DosesMissed    int      `json:"dosesMissed"`
	DosesOnTime    int      `json:"dosesOnTime"`
	AdherenceScore *float64 `json:"adherenceScore"`
	OnTimeRate     *float64 `json:"onTimeRate"`
	CurrentStreak  int      `json:"currentStreak"`
	LongestStreak  int      `json:"longestStreak"`
	Label          string   `json:"label"`
	HasData        bool     `json:"hasData"`
}

// periodName describes a window by its length.
func periodName(w Window) string {
	switch n := w.Days(); {
	case n == 1:
		return string(models.PeriodDaily)
	case n <= 7:
		return string(models.PeriodWeekly)
	case n <= 31:
		return string(models.PeriodMonthly)
	default:
		return "custom"
	}
}

// Streaks returns the run of complete days ending at w.End and the longest
// run anywhere in w. A day is complete when it had scheduled doses and all
// of them were taken.
func Streaks(w Window, doses []Dose) (current, longest int) {
	days := dailyTallies(doses)
	complete := func(day time.Time) bool {
		t, ok := days[day]
		return ok && t.Complete()
	}

	run := 0
	for day := range w.Each() {
		if complete(day) {
			run++
			longest = max(longest, run)
		} else {
			run = 0
		}
	}
	for day := w.End; !day.Before(w.Start) && complete(day); day = day.AddDate(0, 0, -1) {
		current++
	}
	return current, longest
}

func ComputeStats(w Window, doses []Dose, patientID *string) Stats {
	doses = inWindow(w, doses)
	if patientID != nil {
		doses = slices.DeleteFunc(doses, func(d Dose) bool { return d.PatientID != *patientID })
	}
	var t Tally
	for _, d := range doses {
		t.Add(d)
	}
	current, longest := Streaks(w, doses)
	score := t.Score()
	return Stats{
		StartDate:      w.Start.Format(time.DateOnly),
		EndDate:        w.End.Format(time.DateOnly),
		PeriodType:     periodName(w),
		PatientID:      patientID,
		DosesScheduled: t.Scheduled,
		DosesTaken:     t.Taken,
		DosesSkipped:   t.Skipped,
		DosesMissed:    t.Missed,
		DosesOnTime:    t.OnTime,
		AdherenceScore: score,
		OnTimeRate:     t.OnTimeRate(),
		CurrentStreak:  current,
		LongestStreak:  longest,
		Label:          Label(score),
		HasData:        t.HasData(),
	}
}

// Punctuality compares the actual intake with the scheduled instant.
// A dose is on time when it was taken within tolerance either side.
func Punctuality(scheduled, actual time.Time, tolerance time.Duration) (onTime bool, minutesLate int) {
	diff := actual.Sub(scheduled)
	if diff > 0 {
		minutesLate = int(diff / time.Minute)
	}
	if diff < 0 {
		diff = -diff
	}
	return diff <= tolerance, minutesLate
}

// SlotTime combines a civil date and an "HH:MM" clock in loc.
func SlotTime(date time.Time, clock string, loc *time.Location) (time.Time, error) {
	c, err := time.Parse("15:04", clock)
	if err != nil {
		return time.Time{}, apperr.Validation(fmt.Sprintf("invalid time %q, expected HH:MM", clock))
	}
	y, m, d := date.Date()
	return time.Date(y, m, d, c.Hour(), c.Minute(), 0, 0, loc), nil
}
