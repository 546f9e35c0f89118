package access

import (
	"errors"
	"testing"

	"meditrack-server/internal/apperr"
	"meditrack-server/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScope_Authorize(t *testing.T) {
	tests := []struct {
		name      string
		scope     Scope
		patientID string
		wantErr   bool
	}{
		{"admin any patient", ForUser("a1", models.RoleAdmin), "p1", false},
		{"patient self", ForUser("p1", models.RolePatient), "p1", false},
		{"patient other", ForUser("p1", models.RolePatient), "p2", true},
		{"unknown role", Scope{UserID: "p1"}, "p1", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.scope.Authorize(tt.patientID)
			if tt.wantErr {
				assert.True(t, errors.Is(err, apperr.ErrForbidden))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestScope_PatientFilter(t *testing.T) {
	other := "p2"

	got, err := ForUser("a1", models.RoleAdmin).PatientFilter(nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = ForUser("a1", models.RoleAdmin).PatientFilter(&other)
	require.NoError(t, err)
	assert.Equal(t, "p2", *got)

	got, err = ForUser("p1", models.RolePatient).PatientFilter(nil)
	require.NoError(t, err)
	assert.Equal(t, "p1", *got)

	_, err = ForUser("p1", models.RolePatient).PatientFilter(&other)
	assert.ErrorIs(t, err, apperr.ErrForbidden)
}

func TestScope_RequireAdmin(t *testing.T) {
	assert.NoError(t, System.RequireAdmin())
	assert.ErrorIs(t, ForUser("p1", models.RolePatient).RequireAdmin(), apperr.ErrForbidden)
}
