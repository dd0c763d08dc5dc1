// Package view turns the provider's session state into a role-specific
// layout and draws it as text.
package view

import (
	"fmt"
	"strings"
	"time"

	"wardsim/internal/timer"
	"wardsim/internal/zone"
	"wardsim/pkg/types"
)

// Mode selects which layout branch was built
type Mode int

const (
	Waiting Mode = iota
	FacultyWide
	SingleZone
)

func (m Mode) String() string {
	switch m {
	case FacultyWide:
		return "faculty-wide"
	case SingleZone:
		return "single-zone"
	default:
		return "waiting"
	}
}

// MinBeds is how many bed slots a zone column always shows
const MinBeds = 3

const (
	WaitingMessage    = "Waiting for a ward session to start"
	LoadingMessage    = "Loading ward session"
	EmptyZoneMessage  = "No patients assigned to your group"
	UnassignedStaff   = "Unassigned"
	emptyBedPlacehold = "(empty bed)"
)

// Input is everything Build needs. It holds plain values so Build stays pure.
type Input struct {
	Loading      bool
	Detail       *types.SessionDetail
	ViewerID     string
	Role         string
	AssignedRoom string
	Timer        timer.Display
	Now          time.Time
}

// PatientCard is one patient as displayed
type PatientCard struct {
	ID   string
	Name string
	Bed  string
	Age  string
}

// ZoneCard is one of the fixed zone slots in the faculty-wide layout
type ZoneCard struct {
	Key       int
	Name      string
	Style     zone.Style
	Staff     string
	Disabled  bool
	Patients  []PatientCard
	BedsLabel string
	EmptyBeds int
}

// Layout is the render-ready result
type Layout struct {
	Mode      Mode
	Message   string
	SessionID string
	WardName  string
	Timer     timer.Display
	Viewer    zone.ViewerZone
	RoleLabel string

	// FacultyWide
	Zones []ZoneCard

	// SingleZone
	Patients     []PatientCard
	EmptyMessage string

	CanEnd bool
}

// Build lays out in for the viewer
func Build(in Input) Layout {
	if in.Detail == nil || in.Detail.Session == nil {
		msg := WaitingMessage
		if in.Loading {
			msg = LoadingMessage
		}
		return Layout{Mode: Waiting, Message: msg, Timer: timer.NotStarted}
	}

	s := in.Detail.Session
	assignments := in.Detail.Assignments
	if assignments.Len() == 0 && s.Assignments.Len() > 0 {
		assignments = s.Assignments
	}

	out := Layout{
		SessionID: s.ID,
		WardName:  wardName(in.Detail),
		Timer:     in.Timer,
		Viewer:    zone.ResolveViewer(in.Role, in.AssignedRoom, assignments),
		RoleLabel: zone.RoleLabel(in.Role),
		CanEnd:    zone.CanEndSession(in.Role, s.StartedBy, in.ViewerID),
	}

	if types.IsAdministrativeRole(in.Role) || !out.Viewer.Restricted {
		out.Mode = FacultyWide
		out.Zones = zoneCards(assignments, in.Now)
		return out
	}

	out.Mode = SingleZone
	if z := assignments.Zone(out.Viewer.Key); z != nil {
		out.Patients = patientCards(z.Patients, in.Now)
	}
	if len(out.Patients) == 0 {
		out.EmptyMessage = EmptyZoneMessage
	}
	return out
}

func wardName(d *types.SessionDetail) string {
	if d.Session.WardName != "" {
		return d.Session.WardName
	}
	if d.Ward != nil {
		return d.Ward.Name
	}
	return ""
}

// zoneCards always returns the four fixed slots in key order
func zoneCards(assignments types.AssignmentMap, now time.Time) []ZoneCard {
	cards := make([]ZoneCard, 0, types.ZoneCount)
	for n := 1; n <= types.ZoneCount; n++ {
		card := ZoneCard{
			Key:      n,
			Name:     fmt.Sprintf("GROUP %d", n),
			Style:    zone.StyleFor(n),
			Staff:    UnassignedStaff,
			Disabled: true,
		}
		if z := assignments.Zone(n); z != nil {
			card.Disabled = z.Disabled()
			if z.AssignedUser != nil {
				card.Staff = staffName(z.AssignedUser)
			}
			card.Patients = patientCards(z.Patients, now)
		}
		card.BedsLabel = fmt.Sprintf("%d beds", len(card.Patients))
		if len(card.Patients) < MinBeds {
			card.EmptyBeds = MinBeds - len(card.Patients)
		}
		cards = append(cards, card)
	}
	return cards
}

func staffName(s *types.StaffRef) string {
	if name := strings.TrimSpace(s.Name); name != "" {
		return name
	}
	return s.ID
}

func patientCards(patients []types.PatientRef, now time.Time) []PatientCard {
	cards := make([]PatientCard, 0, len(patients))
	for _, p := range patients {
		name := p.Name
		if name == "" {
			name = p.ID
		}
		card := PatientCard{ID: p.ID, Name: name, Bed: p.Bed}
		if p.DateOfBirth != "" {
			card.Age = DisplayAge(p.DateOfBirth, now)
		}
		cards = append(cards, card)
	}
	return cards
}
