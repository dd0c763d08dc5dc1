package types

import (
	"time"
)

// Roles as stored by the login flow. Comparisons are made on the lowercased value.
const (
	RoleSuperAdmin = "superadmin"
	RoleAdmin      = "admin"
	RoleFaculty    = "faculty"
	RoleStudent    = "student"
	RoleObserver   = "observer"
)

// Session status values
const (
	SessionStatusActive = "active"
	SessionStatusEnded  = "ended"
)

// End reasons recorded on a ward session
const (
	EndReasonManual     = "manual"
	EndReasonExpired    = "expired"
	EndReasonSuperseded = "superseded"
)

// AllZones is the assignedRoom sentinel meaning "every zone is visible".
const AllZones = "all"

// ZoneCount is the fixed number of zone slots in a ward session.
const ZoneCount = 4

// Update signal actions
const (
	ActionAdded     = "added"
	ActionUpdated   = "updated"
	ActionDeleted   = "deleted"
	ActionRequested = "requested"
)

// CategoryInvestigation is the update category that can deep-link to the
// investigation-request screen.
const CategoryInvestigation = "Investigation"

// WardSession represents one live instance of a ward scenario.
// Immutable after creation except for status, end_time and end_reason.
type WardSession struct {
	ID            string        `json:"id" db:"id"`
	WardID        string        `json:"ward_id" db:"ward_id"`
	WardName      string        `json:"ward_name" db:"ward_name"`
	OrgID         string        `json:"org_id" db:"org_id"`
	StartTime     time.Time     `json:"start_time" db:"start_time"`
	Duration      Duration      `json:"duration" db:"duration"`
	StartedBy     string        `json:"started_by" db:"started_by"`
	StartedByRole string        `json:"started_by_role" db:"started_by_role"`
	Status        string        `json:"status" db:"status"`
	EndTime       *time.Time    `json:"end_time,omitempty" db:"end_time"`
	EndReason     string        `json:"end_reason,omitempty" db:"end_reason"`
	Assignments   AssignmentMap `json:"assignments" db:"assignments"`
}

// IsActive reports whether the session has not been ended.
func (s *WardSession) IsActive() bool {
	return s != nil && s.Status == SessionStatusActive
}

// Ward is the roster the session endpoint reports alongside a session.
type Ward struct {
	ID         string     `json:"id" db:"id"`
	OrgID      string     `json:"org_id" db:"org_id"`
	Name       string     `json:"name" db:"name"`
	PatientIDs []string   `json:"patient_ids" db:"patient_ids"`
	Staff      []StaffRef `json:"staff" db:"staff"`
}

// HasPatient reports whether patientID is on the ward roster.
func (w *Ward) HasPatient(patientID string) bool {
	for _, id := range w.PatientIDs {
		if id == patientID {
			return true
		}
	}
	return false
}

// StaffRef is a zone's assignable staff member.
type StaffRef struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Role string `json:"role,omitempty"`
}

// PatientRef is a patient placed in a zone. Only ID is required.
type PatientRef struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	DateOfBirth string `json:"date_of_birth,omitempty"`
	Bed         string `json:"bed,omitempty"`
}

// Zone is one of the four partitions of a session's patients.
type Zone struct {
	Key          int          `json:"key"`
	AssignedUser *StaffRef    `json:"assigned_user"`
	Patients     []PatientRef `json:"patients"`
}

// Disabled is true when no staff member is assigned to the zone.
func (z *Zone) Disabled() bool {
	return z == nil || z.AssignedUser == nil || z.AssignedUser.ID == ""
}

// PatientIDs returns the zone's patient ids in order.
func (z *Zone) PatientIDs() []string {
	if z == nil {
		return nil
	}
	ids := make([]string, 0, len(z.Patients))
	for _, p := range z.Patients {
		ids = append(ids, p.ID)
	}
	return ids
}

// UpdateSignal is a non-authoritative "something about a patient changed" notice.
// It only triggers re-fetches and never carries render data.
type UpdateSignal struct {
	PatientID       string    `json:"patient_id"`
	WardID          string    `json:"ward_id,omitempty"`
	SessionID       string    `json:"session_id,omitempty"`
	Category        string    `json:"category"`
	Action          string    `json:"action"`
	PerformedBy     string    `json:"performed_by"`
	PerformedByName string    `json:"performed_by_name,omitempty"`
	RequestID       string    `json:"request_id,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// SessionDetail is the payload of the session lifecycle REST endpoint.
type SessionDetail struct {
	Session     *WardSession  `json:"session"`
	Ward        *Ward         `json:"ward"`
	Assignments AssignmentMap `json:"assignments"`
}

// Actor identifies who performs a privileged action.
type Actor struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	OrgID  string `json:"org_id,omitempty"`
}

// InOrg reports whether the actor may act on a resource of orgID. Either
// side being unscoped passes; superadmins cross organisations.
func (a Actor) InOrg(orgID string) bool {
	return a.OrgID == "" || orgID == "" || a.OrgID == orgID || NormalizeRole(a.Role) == RoleSuperAdmin
}

// StartRequest asks for a new session on a ward. Assignments accept every
// shape ParseAssignments does.
type StartRequest struct {
	WardID      string        `json:"ward_id"`
	Duration    Duration      `json:"duration"`
	Assignments AssignmentMap `json:"assignments"`
	Actor       Actor         `json:"-"`
	OrgID       string        `json:"-"`
}
