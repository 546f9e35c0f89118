// Package access carries the acting user into the core packages so that
// every operation can refuse to cross patient boundaries on its own.
package access

import (
	"fmt"

	"meditrack-server/internal/apperr"
	"meditrack-server/internal/models"
)

// Scope identifies who is performing an operation.
type Scope struct {
	UserID string
	Role   models.Role
}

// System is the scope used by the dispatcher and CLI jobs.
var System = Scope{UserID: "system", Role: models.RoleAdmin}

// ForUser builds a scope from an authenticated user.
func ForUser(userID string, role models.Role) Scope {
	return Scope{UserID: userID, Role: role}
}

func (s Scope) IsAdmin() bool {
	return s.Role == models.RoleAdmin
}

// RequireAdmin fails for anything but an admin scope.
func (s Scope) RequireAdmin() error {
	if !s.IsAdmin() {
		return fmt.Errorf("admin access required: %w", apperr.ErrForbidden)
	}
	return nil
}

// Authorize fails when the scope may not act on patientID.
func (s Scope) Authorize(patientID string) error {
	if s.IsAdmin() || (s.Role == models.RolePatient && s.UserID == patientID) {
		return nil
	}
	return fmt.Errorf("patient %s is outside the caller's scope: %w", patientID, apperr.ErrForbidden)
}

// PatientFilter narrows an optional patient filter to what the scope may see.
// Admins get the requested filter back unchanged; patients are pinned to
// themselves and refused when they ask for someone else.
func (s Scope) PatientFilter(requested *string) (*string, error) {
	if s.IsAdmin() {
		return requested, nil
	}
	if requested != nil && *requested != s.UserID {
		return nil, fmt.Errorf("patient %s is outside the caller's scope: %w", *requested, apperr.ErrForbidden)
	}
	own := s.UserID
	return &own, nil
}
