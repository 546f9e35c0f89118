package handlers

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meditrack-server/internal/apperr"
	"meditrack-server/internal/models"
)

func contextWithQuery(query string) *gin.Context {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest("GET", "/?"+query, nil)
	return c
}

func TestDateWindow(t *testing.T) {
	today := time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC)
	day := func(d int) time.Time { return time.Date(2025, 3, d, 0, 0, 0, 0, time.UTC) }

	tests := []struct {
		name      string
		query     string
		wantStart time.Time
		wantEnd   time.Time
	}{
		{"defaults to days ending today", "", day(2), today},
		{"explicit range", "startDate=2025-03-05&endDate=2025-03-07", day(5), day(7)},
		{"start only runs to today", "startDate=2025-03-20", day(20), today},
		{"end only counts back", "endDate=2025-03-30", day(1), day(30)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end, err := dateWindow(contextWithQuery(tt.query), today, 30)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStart, start)
			assert.Equal(t, tt.wantEnd, end)
		})
	}

	_, _, err := dateWindow(contextWithQuery("endDate=yesterday"), today, 30)
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	_, _, err = dateWindow(contextWithQuery("startDate=0001-01-01&endDate=9999-12-31"), today, 30)
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	_, _, err = dateWindow(contextWithQuery("startDate=2025-03-20&endDate=2025-03-10"), today, 30)
	assert.True(t, errors.Is(err, apperr.ErrInvalidRange))
}

func TestParseLoggedVia(t *testing.T) {
	v, err := parseLoggedVia("")
	require.NoError(t, err)
	assert.Equal(t, models.LoggedManual, v)

	v, err = parseLoggedVia("reminder")
	require.NoError(t, err)
	assert.Equal(t, models.LoggedReminder, v)

	_, err = parseLoggedVia("carrier-pigeon")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestQueryDoseStatus(t *testing.T) {
	st, err := queryDoseStatus(contextWithQuery("status=TAKEN"))
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, models.DoseTaken, *st)

	st, err = queryDoseStatus(contextWithQuery(""))
	require.NoError(t, err)
	assert.Nil(t, st)

	_, err = queryDoseStatus(contextWithQuery("status=late"))
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestScheduleRequestInput(t *testing.T) {
	freq := "Three_Times_Daily"
	start := "2025-03-01"
	empty := ""
	in, err := ScheduleRequest{
		PatientMedicationID: "pm-1",
		Frequency:           &freq,
		StartDate:           &start,
		EndDate:             &empty,
	}.input()
	require.NoError(t, err)
	require.NotNil(t, in.Frequency)
	assert.Equal(t, models.FrequencyThreeTimesDaily, *in.Frequency)
	require.NotNil(t, in.StartDate)
	assert.Equal(t, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), *in.StartDate)
	assert.Nil(t, in.EndDate)
	assert.Nil(t, in.AdvanceMinutes)

	bad := "weekly"
	_, err = ScheduleRequest{Frequency: &bad}.input()
	assert.ErrorIs(t, err, apperr.ErrValidation)

	badDate := "01/03/2025"
	_, err = ScheduleRequest{StartDate: &badDate}.input()
	assert.ErrorIs(t, err, apperr.ErrValidation)
}
