package view

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wardsim/internal/client/provider"
	"wardsim/internal/timer"
	"wardsim/internal/zone"
	"wardsim/pkg/types"
)

var testNow = time.Date(2026, 4, 1, 9, 1, 0, 0, time.UTC)

func testDetail() *types.SessionDetail {
	assignments := types.ParseAssignments(`{"zones": {
		"zone1": {"user": {"id": "s1", "name": "Sam"}, "patients": [
			{"id": "p1", "name": "Ada", "bed": "1", "date_of_birth": "1990-06-15"},
			{"id": "p2", "name": "Ben", "bed": "2", "date_of_birth": "42"}]},
		"zone2": {"patients": []},
		"zone3": {"user": {"id": "s3"}, "patients": ["p3", "p4", "p5", "p6"]}}}`)
	return &types.SessionDetail{
		Session: &types.WardSession{
			ID:            "sess1",
			WardID:        "w1",
			StartTime:     testNow.Add(-time.Minute),
			Duration:      types.Minutes(15),
			StartedBy:     "f1",
			StartedByRole: types.RoleFaculty,
			Status:        types.SessionStatusActive,
		},
		Ward:        &types.Ward{ID: "w1", Name: "Acute"},
		Assignments: assignments,
	}
}

func TestBuild_Waiting(t *testing.T) {
	l := Build(Input{Role: "student"})
	require.Equal(t, Waiting, l.Mode)
	require.Equal(t, WaitingMessage, l.Message)

	l = Build(Input{Role: "student", Loading: true})
	require.Equal(t, LoadingMessage, l.Message)
	require.False(t, l.CanEnd)
}

// FUNCTIONAL VALIDATION: faculty see every fixed slot, padded to three beds
func TestBuild_FacultyWide(t *testing.T) {
	l := Build(Input{Detail: testDetail(), ViewerID: "f1", Role: "faculty", AssignedRoom: "all", Now: testNow})

	require.Equal(t, FacultyWide, l.Mode)
	require.Equal(t, "Acute", l.WardName)
	require.Equal(t, "Faculty", l.Viewer.Name)
	require.True(t, l.CanEnd)
	require.Len(t, l.Zones, types.ZoneCount)

	z1 := l.Zones[0]
	require.Equal(t, "GROUP 1", z1.Name)
	require.Equal(t, zone.StyleFor(1), z1.Style)
	require.Equal(t, "Sam", z1.Staff)
	require.False(t, z1.Disabled)
	require.Equal(t, "2 beds", z1.BedsLabel)
	require.Equal(t, 1, z1.EmptyBeds)
	require.Equal(t, "35", z1.Patients[0].Age)
	require.Equal(t, "42", z1.Patients[1].Age)

	z2 := l.Zones[1]
	require.Equal(t, UnassignedStaff, z2.Staff)
	require.True(t, z2.Disabled)
	require.Equal(t, 3, z2.EmptyBeds)

	z3 := l.Zones[2]
	require.Equal(t, "s3", z3.Staff)
	require.Equal(t, "4 beds", z3.BedsLabel)
	require.Equal(t, 0, z3.EmptyBeds)
	require.Equal(t, "p3", z3.Patients[0].Name)

	// missing slot still renders
	require.Equal(t, 4, l.Zones[3].Key)
	require.Equal(t, UnassignedStaff, l.Zones[3].Staff)
}

func TestBuild_AdminAlwaysFacultyWide(t *testing.T) {
	l := Build(Input{Detail: testDetail(), ViewerID: "a1", Role: "Admin", AssignedRoom: "2", Now: testNow})
	require.Equal(t, FacultyWide, l.Mode)
	require.True(t, l.CanEnd)
}

func TestBuild_SingleZone(t *testing.T) {
	l := Build(Input{Detail: testDetail(), ViewerID: "s1", Role: "student", AssignedRoom: "1", Now: testNow})
	require.Equal(t, SingleZone, l.Mode)
	require.Equal(t, "GROUP 1", l.Viewer.Name)
	require.False(t, l.CanEnd)
	require.Empty(t, l.EmptyMessage)
	require.Len(t, l.Patients, 2)
	require.Equal(t, "Ada", l.Patients[0].Name)
	require.Equal(t, "1", l.Patients[0].Bed)

	empty := Build(Input{Detail: testDetail(), ViewerID: "s2", Role: "student", AssignedRoom: "2", Now: testNow})
	require.Empty(t, empty.Patients)
	require.Equal(t, EmptyZoneMessage, empty.EmptyMessage)

	unknown := Build(Input{Detail: testDetail(), ViewerID: "s9", Role: "student", AssignedRoom: "9", Now: testNow})
	require.Equal(t, SingleZone, unknown.Mode)
	require.Equal(t, EmptyZoneMessage, unknown.EmptyMessage)
}

func TestBuild_EndControl(t *testing.T) {
	tests := []struct {
		viewer, role string
		want         bool
	}{
		{"f1", "faculty", true},
		{"f2", "faculty", false},
		{"a1", "superadmin", true},
		{"s1", "student", false},
		{"o1", "observer", false},
	}
	for _, tt := range tests {
		l := Build(Input{Detail: testDetail(), ViewerID: tt.viewer, Role: tt.role, AssignedRoom: "all", Now: testNow})
		require.Equal(t, tt.want, l.CanEnd, "%s/%s", tt.viewer, tt.role)
	}
}

func TestBuild_ZeroZonesTolerated(t *testing.T) {
	d := testDetail()
	d.Assignments = types.ParseAssignments("garbage")
	l := Build(Input{Detail: d, ViewerID: "f1", Role: "faculty", AssignedRoom: "all", Now: testNow})
	require.Len(t, l.Zones, types.ZoneCount)
	for _, z := range l.Zones {
		require.Equal(t, MinBeds, z.EmptyBeds)
	}
}

func TestDisplayAge(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"42", "42"},
		{" 7 ", "7"},
		{"1990-06-15", "35"},
		{"1990-03-15", "36"},
		{"1990-04-01T00:00:00Z", "36"},
		{"04/02/2000", "25"},
		{"2030-01-01", "0"},
		{"1234", "1234"},
		{"unknown", "unknown"},
		{"", ""},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, DisplayAge(tt.in, testNow), tt.in)
	}
}

type stubFetcher struct {
	detail *types.SessionDetail
	err    error
	calls  int
}

func (s *stubFetcher) FetchSession(ctx context.Context, id string) (*types.SessionDetail, error) {
	s.calls++
	return s.detail, s.err
}

func TestLoader(t *testing.T) {
	viewer := provider.Viewer{UserID: "s1", Role: "student"}
	fetcher := &stubFetcher{detail: testDetail()}
	loader := NewLoader(fetcher, viewer, nil)
	ctx := context.Background()

	l := loader.Load(ctx, provider.Snapshot{State: provider.Idle}, testNow)
	require.Equal(t, Waiting, l.Mode)
	require.Equal(t, 0, fetcher.calls)

	session := &provider.ActiveSession{SessionID: "sess1", AssignedRoom: "1"}
	l = loader.Load(ctx, provider.Snapshot{State: provider.Resolving, Session: session}, testNow)
	require.Equal(t, LoadingMessage, l.Message)
	require.Equal(t, 0, fetcher.calls)

	l = loader.Load(ctx, provider.Snapshot{State: provider.Active, Session: session}, testNow)
	require.Equal(t, SingleZone, l.Mode)
	require.Len(t, l.Patients, 2)
	require.Equal(t, 1, fetcher.calls)

	// fetch failure falls back to the provider's copy
	fetcher.err = errors.New("down")
	fetcher.detail = nil
	withDetail := &provider.ActiveSession{SessionID: "sess1", AssignedRoom: "3", Detail: testDetail()}
	l = loader.Load(ctx, provider.Snapshot{State: provider.Active, Session: withDetail}, testNow)
	require.Equal(t, SingleZone, l.Mode)
	require.Len(t, l.Patients, 4)

	l = loader.Load(ctx, provider.Snapshot{State: provider.Active, Session: session}, testNow)
	require.Equal(t, Waiting, l.Mode)
	require.Equal(t, LoadingMessage, l.Message)
}

func TestRender(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Render(&buf, Build(Input{})))
	require.Equal(t, WaitingMessage+"\n", buf.String())

	buf.Reset()
	d := testDetail()
	display := timer.SnapshotAt(testNow, d.Session.StartTime, d.Session.Duration)
	l := Build(Input{Detail: d, ViewerID: "f1", Role: "faculty", AssignedRoom: "all", Timer: display, Now: testNow})
	require.NoError(t, Render(&buf, l))
	out := buf.String()
	require.Contains(t, out, "Acute")
	require.Contains(t, out, "14:00")
	require.Contains(t, out, "[end session available]")
	require.Contains(t, out, "GROUP 4")
	require.Contains(t, out, "Unassigned")
	require.Contains(t, out, "bed 1")
	require.Contains(t, out, "age 35")
	require.Contains(t, out, "(empty bed)")

	buf.Reset()
	l = Build(Input{Detail: d, ViewerID: "s2", Role: "student", AssignedRoom: "2", Now: testNow})
	require.NoError(t, Render(&buf, l))
	require.Contains(t, buf.String(), EmptyZoneMessage)
	require.NotContains(t, buf.String(), "end session")
}
