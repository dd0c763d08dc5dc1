package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"wardsim/internal/auth"
	"wardsim/internal/client/cache"
	"wardsim/internal/client/restapi"
	"wardsim/internal/timer"
	"wardsim/pkg/types"
)

var (
	admin    = auth.Identity{UserID: "a1", Role: "admin", OrgID: "org1"}
	faculty  = auth.Identity{UserID: "f1", Role: "faculty", OrgID: "org1"}
	student1 = auth.Identity{UserID: "s1", Role: "student", OrgID: "org1"}
	student2 = auth.Identity{UserID: "s2", Role: "student", OrgID: "org1"}
)

var testAssignments = map[string]any{
	"zone1": map[string]any{"user": map[string]any{"id": "s1"}, "patients": []string{"p1", "p2"}},
	"zone2": map[string]any{"user": map[string]any{"id": "s2"}, "patients": []string{"p3", "ghost"}},
}

func seedWard(t *testing.T, s *testServer) {
	t.Helper()
	err := s.rest(t, admin).UpsertWard(context.Background(), &types.Ward{
		ID:         "w1",
		Name:       "Acute",
		PatientIDs: []string{"p1", "p2", "p3"},
		Staff: []types.StaffRef{
			{ID: "f1", Role: "faculty"},
			{ID: "s1", Role: "student"},
			{ID: "s2", Role: "student"},
		},
	})
	require.NoError(t, err)
}

// FUNCTIONAL VALIDATION: start reaches every viewer with their own zone,
// updates cross clients, end returns everyone to idle
func TestSessionLifecycle_EndToEnd(t *testing.T) {
	server := startServer(t)
	seedWard(t, server)
	ctx := context.Background()

	fac := server.connect(t, faculty, "w1", nil)
	stu1 := server.connect(t, student1, "w1", nil)
	stu2 := server.connect(t, student2, "w1", nil)

	detail, err := fac.rest.StartSession(ctx, "w1", types.Minutes(15), testAssignments)
	require.NoError(t, err)
	sessionID := detail.Session.ID
	require.NotEmpty(t, sessionID)
	require.Equal(t, "Acute", detail.Session.WardName)

	facSnap := waitActive(t, fac, sessionID)
	require.False(t, facSnap.Zone.Restricted)
	require.ElementsMatch(t, []string{"p1", "p2", "p3"}, facSnap.Session.ActivePatientIDs)
	require.True(t, fac.provider.CanEnd())

	snap1 := waitActive(t, stu1, sessionID)
	require.True(t, snap1.Zone.Restricted)
	require.Equal(t, "GROUP 1", snap1.Zone.Name)
	require.Equal(t, []string{"p1", "p2"}, snap1.Zone.AllowedPatientIDs)
	require.False(t, stu1.provider.CanEnd())

	// patients off the roster are dropped at start
	snap2 := waitActive(t, stu2, sessionID)
	require.Equal(t, []string{"p3"}, snap2.Zone.AllowedPatientIDs)

	// a second start on the same ward conflicts
	_, err = fac.rest.StartSession(ctx, "w1", types.Minutes(5), nil)
	require.ErrorIs(t, err, restapi.ErrConflict)

	// the student's update reaches faculty as a notification
	require.NoError(t, stu1.provider.TriggerPatientUpdate(types.UpdateSignal{
		PatientID: "p1", Category: "Vitals", Action: "Added",
	}))
	require.Eventually(t, func() bool {
		n := fac.provider.Snapshot().Notification
		return n != nil && n.Signal.PatientID == "p1"
	}, 3*time.Second, 10*time.Millisecond)
	n := fac.provider.Snapshot().Notification
	require.Equal(t, "s1", n.Signal.PerformedBy)
	require.Equal(t, types.ActionAdded, n.Signal.Action)
	require.Equal(t, "/faculty/patients/p1", n.Link)

	// students may not end the session
	require.ErrorIs(t, stu1.rest.EndSession(ctx, sessionID), restapi.ErrForbidden)

	require.NoError(t, fac.provider.EndSession(ctx))
	waitIdle(t, fac)
	waitIdle(t, stu1)
	waitIdle(t, stu2)

	_, _, err = fac.rest.ActiveSession(ctx, "w1")
	require.ErrorIs(t, err, restapi.ErrNotFound)
}

// FUNCTIONAL VALIDATION: a viewer that connects mid-session resyncs through
// join_active_session and the REST fetch
func TestSessionLifecycle_LateJoinerResyncs(t *testing.T) {
	server := startServer(t)
	seedWard(t, server)
	ctx := context.Background()

	detail, err := server.rest(t, faculty).StartSession(ctx, "w1", types.Unlimited(), testAssignments)
	require.NoError(t, err)

	late := server.connect(t, student2, "w1", nil)
	snap := waitActive(t, late, detail.Session.ID)
	require.Equal(t, "GROUP 2", snap.Zone.Name)
	require.Equal(t, timer.LabelElapsed, snap.Timer.Label)
	require.True(t, snap.Timer.Running)
}

// FUNCTIONAL VALIDATION: a restarted client restores from the redis cache
// slot before the server confirms the session
func TestSessionLifecycle_RefreshSurvival(t *testing.T) {
	server := startServer(t)
	seedWard(t, server)
	ctx := context.Background()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := cache.NewRedisStore(rdb)

	detail, err := server.rest(t, faculty).StartSession(ctx, "w1", types.Minutes(30), testAssignments)
	require.NoError(t, err)

	first := server.connect(t, student1, "w1", store)
	waitActive(t, first, detail.Session.ID)
	require.NoError(t, first.provider.SetCurrentPatient(ctx, "p2"))
	require.Eventually(t, func() bool {
		raw, err := mr.Get(cache.Key("s1"))
		if err != nil {
			return false
		}
		var cached map[string]any
		return json.Unmarshal([]byte(raw), &cached) == nil && cached["patient_id"] == "p2"
	}, 2*time.Second, 10*time.Millisecond)

	first.stop()

	second := server.connect(t, student1, "w1", store)
	snap := waitActive(t, second, detail.Session.ID)
	require.Equal(t, "p2", snap.Session.PatientID)
	require.Equal(t, []string{"p1", "p2"}, snap.Zone.AllowedPatientIDs)
}

// FUNCTIONAL VALIDATION: administrators end sessions they did not start
func TestSessionLifecycle_AdminEndsSession(t *testing.T) {
	server := startServer(t)
	seedWard(t, server)
	ctx := context.Background()

	stu := server.connect(t, student1, "w1", nil)
	detail, err := server.rest(t, faculty).StartSession(ctx, "w1", types.Minutes(1), testAssignments)
	require.NoError(t, err)
	waitActive(t, stu, detail.Session.ID)

	got, err := server.rest(t, faculty).FetchSession(ctx, detail.Session.ID)
	require.NoError(t, err)
	require.True(t, got.Session.IsActive())
	require.NoError(t, server.rest(t, admin).EndSession(ctx, detail.Session.ID))
	waitIdle(t, stu)

	ended, err := server.rest(t, faculty).FetchSession(ctx, detail.Session.ID)
	require.NoError(t, err)
	require.False(t, ended.Session.IsActive())
	require.Equal(t, types.EndReasonManual, ended.Session.EndReason)
}

func TestHealthEndpoint(t *testing.T) {
	server := startServer(t)
	resp, err := http.Get(server.baseURL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "healthy", body["status"])
}
