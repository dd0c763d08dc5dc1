package types

import (
	"regexp"
	"strings"
)

// Compiled once at package initialization
var (
	idRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// NormalizeRole lowercases and trims a role string.
func NormalizeRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}

// IsAdministrativeRole reports whether role may see and end every session.
func IsAdministrativeRole(role string) bool {
	switch NormalizeRole(role) {
	case RoleAdmin, RoleSuperAdmin:
		return true
	default:
		return false
	}
}

// IsValidRole checks the role is one the platform issues.
func IsValidRole(role string) bool {
	switch NormalizeRole(role) {
	case RoleSuperAdmin, RoleAdmin, RoleFaculty, RoleStudent, RoleObserver:
		return true
	default:
		return false
	}
}

// CanStartSession reports whether role may start a ward session.
func CanStartSession(role string) bool {
	return IsAdministrativeRole(role) || NormalizeRole(role) == RoleFaculty
}

// IsValidID checks user, ward and org identifiers.
func IsValidID(id string) bool {
	if len(id) < 1 || len(id) > 64 {
		return false
	}
	return idRegex.MatchString(id)
}

// Validate ensures the ward can be persisted.
func (w *Ward) Validate() error {
	if !IsValidID(w.ID) {
		return ErrInvalidWardID
	}
	if len(w.Name) < 1 || len(w.Name) > 200 {
		return ErrInvalidWardName
	}
	return nil
}

// Validate ensures the session meets creation requirements.
func (s *WardSession) Validate() error {
	if !IsValidID(s.WardID) {
		return ErrInvalidWardID
	}
	if !IsValidID(s.StartedBy) {
		return ErrInvalidUserID
	}
	if !CanStartSession(s.StartedByRole) {
		return ErrInvalidRole
	}
	if !s.Duration.Valid() {
		return ErrInvalidDuration
	}
	return nil
}

// Validate checks an update signal before it is fanned out.
// Action is lowercased in place.
func (u *UpdateSignal) Validate() error {
	if strings.TrimSpace(u.PatientID) == "" {
		return ErrMissingPatientID
	}
	if len(u.Category) < 1 || len(u.Category) > 50 {
		return ErrInvalidCategory
	}
	u.Action = strings.ToLower(strings.TrimSpace(u.Action))
	switch u.Action {
	case ActionAdded, ActionUpdated, ActionDeleted, ActionRequested:
		return nil
	default:
		return ErrInvalidAction
	}
}
