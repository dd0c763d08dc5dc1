// Package zone resolves what part of a ward session a viewer may see and act on.
package zone

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"wardsim/pkg/types"
)

// Style is the colour/border/text decoration of a zone slot.
type Style struct {
	Color  string `json:"color"`
	Border string `json:"border"`
	Text   string `json:"text"`
}

var palette = map[int]Style{
	1: {Color: "#E3F2FD", Border: "#1E88E5", Text: "#0D47A1"},
	2: {Color: "#E8F5E9", Border: "#43A047", Text: "#1B5E20"},
	3: {Color: "#FFF3E0", Border: "#FB8C00", Text: "#E65100"},
	4: {Color: "#F3E5F5", Border: "#8E24AA", Text: "#4A148C"},
}

// DefaultStyle is used for any zone number outside the palette.
var DefaultStyle = Style{Color: "#F5F5F5", Border: "#9E9E9E", Text: "#212121"}

// StyleFor returns the palette entry for zone n.
func StyleFor(n int) Style {
	if s, ok := palette[n]; ok {
		return s
	}
	return DefaultStyle
}

// ViewerZone is the per-viewer result of zone resolution.
type ViewerZone struct {
	Restricted bool   `json:"restricted"`
	Key        int    `json:"key,omitempty"`
	Name       string `json:"name"`
	Style      Style  `json:"style"`
	// AllowedPatientIDs is nil when Restricted is false: no filtering.
	AllowedPatientIDs []string `json:"allowed_patient_ids,omitempty"`
}

// Allows reports whether the viewer may see patientID.
func (v ViewerZone) Allows(patientID string) bool {
	if !v.Restricted {
		return true
	}
	for _, id := range v.AllowedPatientIDs {
		if id == patientID {
			return true
		}
	}
	return false
}

// ResolveViewer applies the assignedRoom rule: "all" is unrestricted and
// named after the role, anything else restricts the viewer to that zone.
// An assignedRoom naming no existing zone yields a restricted viewer with
// nothing allowed.
func ResolveViewer(role, assignedRoom string, assignments types.AssignmentMap) ViewerZone {
	room := strings.TrimSpace(assignedRoom)
	if room == "" || strings.EqualFold(room, types.AllZones) {
		return ViewerZone{
			Name:  RoleLabel(role),
			Style: DefaultStyle,
		}
	}

	n, ok := ParseRoom(room)
	view := ViewerZone{
		Restricted:        true,
		Key:               n,
		Name:              fmt.Sprintf("GROUP %s", room),
		Style:             StyleFor(n),
		AllowedPatientIDs: []string{},
	}
	if !ok {
		return view
	}
	view.Name = fmt.Sprintf("GROUP %d", n)
	if z := assignments.Zone(n); z != nil {
		view.AllowedPatientIDs = z.PatientIDs()
	}
	return view
}

// ParseRoom reads an assignedRoom value such as "2", "zone2" or "group2".
func ParseRoom(room string) (int, bool) {
	r := strings.ToLower(strings.TrimSpace(room))
	for _, prefix := range []string{"zone", "group", "room"} {
		r = strings.TrimPrefix(r, prefix)
	}
	r = strings.TrimLeft(r, "_- ")
	n, err := strconv.Atoi(r)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// RoleLabel capitalizes a role for display.
func RoleLabel(role string) string {
	r := types.NormalizeRole(role)
	if r == "" {
		return "Viewer"
	}
	first, size := utf8.DecodeRuneInString(r)
	return string(unicode.ToUpper(first)) + r[size:]
}

// CanEndSession is the end-session authorization rule: administrative roles
// always, faculty only for sessions they started, nobody else.
func CanEndSession(role, startedBy, viewerID string) bool {
	if types.IsAdministrativeRole(role) {
		return true
	}
	if types.NormalizeRole(role) == types.RoleFaculty {
		return viewerID != "" && viewerID == startedBy
	}
	return false
}

// ActivePatientIDs is the union of patients across the session's zones.
func ActivePatientIDs(assignments types.AssignmentMap) []string {
	return assignments.AllPatientIDs()
}

// AssignedRoomFor picks the assignedRoom value sent to a user when a session
// starts: administrative roles and the session's starter see every zone, staff
// assigned to a zone see that zone, everyone else sees every zone.
func AssignedRoomFor(assignments types.AssignmentMap, startedBy, userID, role string) string {
	if types.IsAdministrativeRole(role) || (userID != "" && userID == startedBy) {
		return types.AllZones
	}
	if n, ok := assignments.ZoneForUser(userID); ok {
		return strconv.Itoa(n)
	}
	return types.AllZones
}
