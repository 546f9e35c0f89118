package routes

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meditrack-server/internal/adherence"
	"meditrack-server/internal/cache"
	"meditrack-server/internal/config"
	"meditrack-server/internal/models"
	"meditrack-server/internal/reminder"
	"meditrack-server/internal/utils"
)

type envelope struct {
	Status  int             `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

type testServer struct {
	t       *testing.T
	router  *gin.Engine
	cfg     *config.Config
	admin   string
	patient string
	other   string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Origin:                    "http://localhost:4200",
		JWTSecret:                 "access-secret",
		JWTRefreshSecret:          "refresh-secret",
		JWTExpirationMinutes:      15,
		JWTRefreshExpirationHours: 1,
		PhoneRegion:               "US",
		Reminder:                  config.ReminderConfig{DefaultDaysAhead: 2, MaxDaysAhead: 30},
	}
	now := time.Date(2025, 3, 10, 6, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	pm := models.PatientMedication{
		BaseModel:    models.BaseModel{ID: "pm-1"},
		PatientID:    "patient-1",
		MedicationID: "med-1",
		Dosage:       "500mg",
		StartDate:    time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		Status:       models.PrescriptionActive,
		Medication:   models.Medication{BaseModel: models.BaseModel{ID: "med-1"}, Name: "Metformin"},
	}
	doseRepo := adherence.NewMemoryRepository()
	doseRepo.AddPrescription(pm, "Grace Hopper")
	reminderRepo := reminder.NewMemoryRepository()
	reminderRepo.AddPrescription(pm)

	adherenceSvc := adherence.NewService(doseRepo, cache.NewMemory(time.Minute), 30*time.Minute, time.UTC, zerolog.Nop())
	adherenceSvc.SetClock(clock)
	reminderSvc := reminder.NewService(reminderRepo, time.UTC, cfg.Reminder.MaxDaysAhead, zerolog.Nop())
	reminderSvc.SetClock(clock)
	adherenceSvc.SetObserver(reminderSvc)

	s := &testServer{
		t:   t,
		cfg: cfg,
		router: NewRouter(Deps{
			Cfg:       cfg,
			Logger:    zerolog.Nop(),
			Adherence: adherenceSvc,
			Reminders: reminderSvc,
		}),
	}
	s.admin = s.token("admin-1", models.RoleAdmin)
	s.patient = s.token("patient-1", models.RolePatient)
	s.other = s.token("patient-2", models.RolePatient)
	return s
}

func (s *testServer) token(id string, role models.Role) string {
	s.t.Helper()
	access, _, err := utils.GenerateTokens(&models.User{BaseModel: models.BaseModel{ID: id}, Role: role}, s.cfg)
	require.NoError(s.t, err)
	return access
}

func (s *testServer) do(method, path, token string, body any) (*httptest.ResponseRecorder, envelope) {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var env envelope
	if w.Body.Len() > 0 && w.Header().Get("Content-Type") != "" {
		_ = json.Unmarshal(w.Body.Bytes(), &env)
	}
	return w, env
}

func decode[T any](t *testing.T, env envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func TestHealthAndRequestID(t *testing.T) {
	s := newTestServer(t)
	w, _ := s.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestAuthAndRoleGuards(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		want   int
	}{
		{"missing token", http.MethodGet, "/api/v1/adherence/logs", "", http.StatusUnauthorized},
		{"garbage token", http.MethodGet, "/api/v1/adherence/logs", "not-a-jwt", http.StatusUnauthorized},
		{"patient on analytics", http.MethodGet, "/api/v1/analytics/adherence/overview", s.patient, http.StatusForbidden},
		{"patient on user admin", http.MethodGet, "/api/v1/users", s.patient, http.StatusForbidden},
		{"patient names themselves", http.MethodGet, "/api/v1/adherence/logs?patientId=patient-2", s.other, http.StatusOK},
		{"patient asks for another patient", http.MethodGet, "/api/v1/adherence/logs?patientId=patient-1", s.other, http.StatusForbidden},
		{"admin reversed range", http.MethodGet, "/api/v1/analytics/adherence/overview?startDate=2025-03-10&endDate=2025-03-01", s.admin, http.StatusBadRequest},
		{"admin bad date", http.MethodGet, "/api/v1/analytics/adherence/trends?startDate=03/10/2025", s.admin, http.StatusBadRequest},
		{"admin range over a year", http.MethodGet, "/api/v1/analytics/adherence/trends?startDate=0001-01-01&endDate=9999-12-31", s.admin, http.StatusBadRequest},
		{"patient stats range over a year", http.MethodGet, "/api/v1/adherence/stats?startDate=2024-01-01&endDate=2025-03-10", s.patient, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _ := s.do(tt.method, tt.path, tt.token, nil)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestRegister_RejectsAdminRole(t *testing.T) {
	s := newTestServer(t)
	w, env := s.do(http.MethodPost, "/api/v1/auth/register", "", map[string]string{
		"firstName": "Eve",
		"lastName":  "Root",
		"email":     "eve@example.com",
		"password":  "supersecret",
		"role":      "admin",
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, env.Error, "patient")
}

func TestScheduleGenerateAndCancel(t *testing.T) {
	s := newTestServer(t)

	w, env := s.do(http.MethodPost, "/api/v1/reminders/schedules", s.patient, map[string]any{
		"patientMedicationId": "pm-1",
		"frequency":           "twice_daily",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	sch := decode[models.ReminderSchedule](t, env)
	assert.Equal(t, []string{"08:00", "20:00"}, []string(sch.ReminderTimes))

	w, _ = s.do(http.MethodPost, "/api/v1/reminders/schedules", s.patient, map[string]any{
		"patientMedicationId": "pm-1",
		"frequency":           "daily",
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	w, env = s.do(http.MethodPost, "/api/v1/reminders/schedules/"+sch.ID+"/generate", s.patient, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	gen := decode[reminder.GenerateResult](t, env)
	assert.Equal(t, 4, gen.Count)

	w, _ = s.do(http.MethodPost, "/api/v1/reminders/schedules/"+sch.ID+"/generate?days=31", s.patient, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, env = s.do(http.MethodGet, "/api/v1/reminders", s.patient, nil)
	require.Equal(t, http.StatusOK, w.Code)
	page := decode[reminder.Page](t, env)
	assert.EqualValues(t, 4, page.Total)

	id := page.Reminders[0].ID
	w, env = s.do(http.MethodPost, "/api/v1/reminders/"+id+"/cancel", s.patient, map[string]string{"reason": "travelling"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	cancelled := decode[models.Reminder](t, env)
	assert.Equal(t, models.ReminderCancelled, cancelled.Status)
	assert.Equal(t, "travelling", cancelled.CancelReason)

	w, _ = s.do(http.MethodPost, "/api/v1/reminders/"+id+"/cancel", s.patient, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w, _ = s.do(http.MethodPost, "/api/v1/reminders/"+id+"/cancel", s.other, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, env = s.do(http.MethodGet, "/api/v1/reminders/stats?days=7", s.patient, nil)
	require.Equal(t, http.StatusOK, w.Code)
	sum := decode[reminder.Summary](t, env)
	// The window ends now; everything generated above is still ahead.
	assert.Equal(t, 7, sum.Days)
	assert.Zero(t, sum.TotalScheduled)
	assert.False(t, sum.HasData)
}

func TestScheduleValidation(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"bad clock", map[string]any{"patientMedicationId": "pm-1", "frequency": "custom", "reminderTimes": []string{"25:00"}}},
		{"unknown frequency", map[string]any{"patientMedicationId": "pm-1", "frequency": "hourly"}},
		{"missing prescription", map[string]any{"frequency": "daily"}},
		{"bad quiet hours", map[string]any{"patientMedicationId": "pm-1", "frequency": "daily", "quietHoursEnabled": true, "quietHoursStart": "10pm"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _ := s.do(http.MethodPost, "/api/v1/reminders/schedules", s.patient, tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
}

func TestDoseLog_AutoSkipsReminderAndFeedsStats(t *testing.T) {
	s := newTestServer(t)

	w, env := s.do(http.MethodPost, "/api/v1/reminders/schedules", s.patient, map[string]any{
		"patientMedicationId": "pm-1",
		"frequency":           "twice_daily",
		"autoSkipIfTaken":     true,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	sch := decode[models.ReminderSchedule](t, env)
	w, _ = s.do(http.MethodPost, "/api/v1/reminders/schedules/"+sch.ID+"/generate?days=1", s.patient, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	taken := time.Date(2025, 3, 10, 8, 10, 0, 0, time.UTC)
	dose := map[string]any{
		"patientMedicationId": "pm-1",
		"scheduledDate":       "2025-03-10",
		"scheduledTime":       "08:00",
		"status":              "taken",
		"actualTime":          taken,
	}
	w, env = s.do(http.MethodPost, "/api/v1/adherence/logs", s.patient, dose)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	logged := decode[models.DoseLog](t, env)
	require.NotNil(t, logged.OnTime)
	assert.True(t, *logged.OnTime)

	w, _ = s.do(http.MethodPost, "/api/v1/adherence/logs", s.patient, dose)
	assert.Equal(t, http.StatusConflict, w.Code)

	w, _ = s.do(http.MethodPost, "/api/v1/adherence/logs", s.other, dose)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, env = s.do(http.MethodGet, "/api/v1/reminders?status=cancelled", s.patient, nil)
	require.Equal(t, http.StatusOK, w.Code)
	page := decode[reminder.Page](t, env)
	require.EqualValues(t, 1, page.Total)
	assert.Equal(t, "dose already taken", page.Reminders[0].CancelReason)

	w, env = s.do(http.MethodGet, "/api/v1/adherence/stats?startDate=2025-03-10&endDate=2025-03-10", s.patient, nil)
	require.Equal(t, http.StatusOK, w.Code)
	st := decode[adherence.Stats](t, env)
	assert.Equal(t, 1, st.DosesTaken)
	require.NotNil(t, st.AdherenceScore)
	assert.InDelta(t, 100.0, *st.AdherenceScore, 0.001)

	w, env = s.do(http.MethodGet, "/api/v1/analytics/adherence/patients?minAdherence=50", s.admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	ranked := decode[[]adherence.PatientSummary](t, env)
	require.Len(t, ranked, 1)
	assert.Equal(t, "patient-1", ranked[0].PatientID)

	w, _ = s.do(http.MethodPut, "/api/v1/adherence/logs/"+logged.ID, s.patient, map[string]any{"status": "sometimes"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, env = s.do(http.MethodPut, "/api/v1/adherence/logs/"+logged.ID, s.patient, map[string]any{"status": "skipped", "skippedReason": "nausea"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.DoseSkipped, decode[models.DoseLog](t, env).Status)

	w, _ = s.do(http.MethodDelete, "/api/v1/adherence/logs/"+logged.ID, s.patient, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w, _ = s.do(http.MethodDelete, "/api/v1/adherence/logs/"+logged.ID, s.patient, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStopPrescriptionCascade(t *testing.T) {
	s := newTestServer(t)

	w, env := s.do(http.MethodPost, "/api/v1/reminders/schedules", s.admin, map[string]any{
		"patientMedicationId": "pm-1",
		"frequency":           "daily",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	sch := decode[models.ReminderSchedule](t, env)
	w, _ = s.do(http.MethodPost, "/api/v1/reminders/schedules/"+sch.ID+"/generate?days=3", s.admin, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	w, _ = s.do(http.MethodPut, "/api/v1/prescriptions/pm-1/stop", s.patient, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, env = s.do(http.MethodPut, "/api/v1/prescriptions/pm-1/stop", s.admin, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[reminder.StopResult](t, env)
	assert.True(t, res.ScheduleDeactivated)
	assert.Equal(t, 3, res.CancelledReminders)

	w, _ = s.do(http.MethodPut, "/api/v1/prescriptions/pm-1/stop", s.admin, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestDashboardScopes(t *testing.T) {
	s := newTestServer(t)

	w, env := s.do(http.MethodGet, "/api/v1/adherence/dashboard", s.patient, nil)
	require.Equal(t, http.StatusOK, w.Code)
	d := decode[adherence.Dashboard](t, env)
	assert.Equal(t, "patient-1", d.PatientID)
	assert.Len(t, d.Chart, 7)

	w, _ = s.do(http.MethodGet, "/api/v1/adherence/patients/patient-1/dashboard", s.patient, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, _ = s.do(http.MethodGet, "/api/v1/adherence/patients/patient-1/dashboard", s.admin, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
