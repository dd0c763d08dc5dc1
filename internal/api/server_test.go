package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wardsim/internal/auth"
	"wardsim/internal/session"
	"wardsim/pkg/interfaces"
	"wardsim/pkg/types"
)

type mockSessionManager struct {
	mu       sync.Mutex
	sessions map[string]*types.WardSession
	started  []types.StartRequest
	ended    []string
	reasons  []string
	startErr error
	endErr   error
	listErr  error
}

func (m *mockSessionManager) StartSession(ctx context.Context, req types.StartRequest) (*types.WardSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = append(m.started, req)
	if m.startErr != nil {
		return nil, m.startErr
	}
	s := &types.WardSession{
		ID:            "new",
		WardID:        req.WardID,
		OrgID:         req.OrgID,
		StartTime:     time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		Duration:      req.Duration,
		StartedBy:     req.Actor.UserID,
		StartedByRole: req.Actor.Role,
		Status:        types.SessionStatusActive,
		Assignments:   req.Assignments,
	}
	m.sessions[s.ID] = s
	return s, nil
}

func (m *mockSessionManager) EndSession(ctx context.Context, id string, actor types.Actor, reason string) (*types.WardSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ended = append(m.ended, id)
	m.reasons = append(m.reasons, reason)
	if m.endErr != nil {
		return nil, m.endErr
	}
	s := *m.sessions[id]
	s.Status = types.SessionStatusEnded
	s.EndReason = reason
	return &s, nil
}

func (m *mockSessionManager) GetSession(ctx context.Context, id string) (*types.WardSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return s, nil
	}
	return nil, interfaces.ErrSessionNotFound
}

func (m *mockSessionManager) ActiveSessionForWard(ctx context.Context, wardID string) (*types.WardSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.WardID == wardID && s.IsActive() {
			return s, nil
		}
	}
	return nil, interfaces.ErrSessionNotFound
}

func (m *mockSessionManager) ListActiveSessions(ctx context.Context) ([]*types.WardSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []*types.WardSession
	for _, s := range m.sessions {
		if s.IsActive() {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *mockSessionManager) AssignedRoomFor(s *types.WardSession, userID, role string) string {
	if n, ok := s.Assignments.ZoneForUser(userID); ok && !types.IsAdministrativeRole(role) {
		return string(rune('0' + n))
	}
	return types.AllZones
}

type mockDatabaseManager struct {
	mu        sync.Mutex
	wards     map[string]*types.Ward
	healthErr error
}

func (m *mockDatabaseManager) UpsertWard(ctx context.Context, ward *types.Ward) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := *ward
	m.wards[ward.ID] = &w
	return nil
}

func (m *mockDatabaseManager) GetWard(ctx context.Context, id string) (*types.Ward, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.wards[id]; ok {
		return w, nil
	}
	return nil, interfaces.ErrWardNotFound
}

func (m *mockDatabaseManager) CreateSession(ctx context.Context, s *types.WardSession) error {
	return nil
}

func (m *mockDatabaseManager) GetSession(ctx context.Context, id string) (*types.WardSession, error) {
	return nil, interfaces.ErrSessionNotFound
}

func (m *mockDatabaseManager) UpdateSession(ctx context.Context, s *types.WardSession) error {
	return nil
}

func (m *mockDatabaseManager) ListActiveSessions(ctx context.Context) ([]*types.WardSession, error) {
	return nil, nil
}

func (m *mockDatabaseManager) HealthCheck(ctx context.Context) error { return m.healthErr }

func (m *mockDatabaseManager) Close() error { return nil }

type staticStats map[string]interface{}

func (s staticStats) GetStats() map[string]interface{} { return s }

type apiFixture struct {
	server   *Server
	auth     *auth.Authenticator
	sessions *mockSessionManager
	db       *mockDatabaseManager
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	a, err := auth.New("api-test-secret", "wardsim", time.Hour)
	require.NoError(t, err)

	f := &apiFixture{
		auth: a,
		sessions: &mockSessionManager{sessions: map[string]*types.WardSession{
			"sess1": {
				ID:            "sess1",
				WardID:        "w1",
				WardName:      "Acute",
				OrgID:         "org1",
				StartTime:     time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
				Duration:      types.Minutes(30),
				StartedBy:     "f1",
				StartedByRole: "faculty",
				Status:        types.SessionStatusActive,
				Assignments:   types.ParseAssignments(`{"zone1": {"user": {"id": "s1"}, "patients": ["p1", "p2"]}}`),
			},
		}},
		db: &mockDatabaseManager{wards: map[string]*types.Ward{
			"w1": {ID: "w1", OrgID: "org1", Name: "Acute", PatientIDs: []string{"p1", "p2", "p3"}},
		}},
	}
	f.server = NewServer(Dependencies{
		Sessions: f.sessions,
		Database: f.db,
		Verifier: a,
		Stats:    staticStats{"total_connections": 2},
	})
	return f
}

func (f *apiFixture) do(t *testing.T, method, path, body string, who *auth.Identity) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if who != nil {
		token, err := f.auth.Issue(*who)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.server.ServeHTTP(w, req)

	var out map[string]interface{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w, out
}

var (
	faculty  = &auth.Identity{UserID: "f1", Role: "faculty", OrgID: "org1"}
	student  = &auth.Identity{UserID: "s1", Role: "student", OrgID: "org1"}
	admin    = &auth.Identity{UserID: "a1", Role: "admin", OrgID: "org1"}
	outsider = &auth.Identity{UserID: "x1", Role: "admin", OrgID: "org2"}
	root     = &auth.Identity{UserID: "root", Role: "superadmin", OrgID: "platform"}
)

// FUNCTIONAL VALIDATION TEST: GET /api/sessions/{id} returns the lifecycle payload
func TestServer_GetSession(t *testing.T) {
	f := newAPIFixture(t)
	w, body := f.do(t, http.MethodGet, "/api/sessions/sess1", "", student)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "application/json", w.Header().Get("Content-Type"))
	require.Equal(t, true, body["success"])

	data := body["data"].(map[string]interface{})
	sess := data["session"].(map[string]interface{})
	require.Equal(t, "sess1", sess["id"])
	require.Equal(t, "2026-03-01T08:00:00Z", sess["start_time"])
	require.EqualValues(t, 30, sess["duration"])

	ward := data["ward"].(map[string]interface{})
	require.Equal(t, "Acute", ward["name"])
	require.Len(t, ward["patient_ids"], 3)
	require.Contains(t, data, "assignments")
}

func TestServer_GetSessionErrors(t *testing.T) {
	f := newAPIFixture(t)

	w, body := f.do(t, http.MethodGet, "/api/sessions/missing", "", student)
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, false, body["success"])
	require.Equal(t, "Not Found", body["error"])

	w, _ = f.do(t, http.MethodGet, "/api/sessions/sess1", "", outsider)
	require.Equal(t, http.StatusForbidden, w.Code)

	w, _ = f.do(t, http.MethodGet, "/api/sessions/sess1", "", root)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestServer_RequiresBearerToken(t *testing.T) {
	f := newAPIFixture(t)

	w, body := f.do(t, http.MethodGet, "/api/sessions", "", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, false, body["success"])

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServer_StartSession(t *testing.T) {
	f := newAPIFixture(t)
	f.sessions.mu.Lock()
	delete(f.sessions.sessions, "sess1")
	f.sessions.mu.Unlock()

	w, body := f.do(t, http.MethodPost, "/api/wards/w1/sessions",
		`{"ward_id": "ignored", "duration": "unlimited", "assignments": {"zone2": {"user": "s2", "patients": ["p3"]}}}`, faculty)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	require.Equal(t, true, body["success"])

	require.Len(t, f.sessions.started, 1)
	req := f.sessions.started[0]
	require.Equal(t, "w1", req.WardID)
	require.Equal(t, "org1", req.OrgID)
	require.Equal(t, types.Actor{UserID: "f1", Role: "faculty", OrgID: "org1"}, req.Actor)
	require.True(t, req.Duration.Unlimited)
	require.Equal(t, []string{"p3"}, req.Assignments.Zone(2).PatientIDs())

	data := body["data"].(map[string]interface{})
	require.Equal(t, "unlimited", data["session"].(map[string]interface{})["duration"])
}

func TestServer_StartSessionErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not authorized", session.ErrNotAuthorized, http.StatusForbidden},
		{"other org", session.ErrOrgMismatch, http.StatusForbidden},
		{"unknown ward", interfaces.ErrWardNotFound, http.StatusNotFound},
		{"already active", session.ErrSessionAlreadyActive, http.StatusConflict},
		{"bad duration", types.ErrInvalidDuration, http.StatusBadRequest},
		{"storage", errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAPIFixture(t)
			f.sessions.startErr = tt.err
			w, body := f.do(t, http.MethodPost, "/api/wards/w1/sessions", `{"duration": 10}`, faculty)
			require.Equal(t, tt.want, w.Code)
			require.Equal(t, false, body["success"])
			if tt.want == http.StatusInternalServerError {
				require.NotContains(t, body["message"], "disk")
			}
		})
	}

	f := newAPIFixture(t)
	w, _ := f.do(t, http.MethodPost, "/api/wards/w1/sessions", `{not json`, faculty)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_EndSession(t *testing.T) {
	for _, method := range []string{http.MethodDelete, http.MethodPost} {
		t.Run(method, func(t *testing.T) {
			f := newAPIFixture(t)
			path := "/api/sessions/sess1"
			body := ""
			if method == http.MethodPost {
				path += "/end"
				body = `{"reason": "expired"}`
			}
			w, resp := f.do(t, method, path, body, faculty)
			require.Equal(t, http.StatusOK, w.Code, w.Body.String())
			require.Equal(t, true, resp["success"])
			require.Equal(t, []string{"sess1"}, f.sessions.ended)
			// clients cannot claim expiry
			require.Equal(t, []string{types.EndReasonManual}, f.sessions.reasons)
		})
	}
}

func TestServer_EndSessionErrors(t *testing.T) {
	f := newAPIFixture(t)
	f.sessions.endErr = session.ErrNotAuthorized
	w, _ := f.do(t, http.MethodDelete, "/api/sessions/sess1", "", student)
	require.Equal(t, http.StatusForbidden, w.Code)

	f.sessions.endErr = session.ErrSessionAlreadyEnded
	w, _ = f.do(t, http.MethodPost, "/api/sessions/sess1/end", "", admin)
	require.Equal(t, http.StatusConflict, w.Code)

	w, _ = f.do(t, http.MethodDelete, "/api/sessions/missing", "", admin)
	require.Equal(t, http.StatusNotFound, w.Code)

	// foreign organisations never reach the session manager
	f.sessions.endErr = nil
	f.sessions.ended = nil
	w, _ = f.do(t, http.MethodDelete, "/api/sessions/sess1", "", outsider)
	require.Equal(t, http.StatusForbidden, w.Code)
	require.Empty(t, f.sessions.ended)
}

func TestServer_ActiveSessionForWard(t *testing.T) {
	f := newAPIFixture(t)

	w, body := f.do(t, http.MethodGet, "/api/wards/w1/active-session", "", student)
	require.Equal(t, http.StatusOK, w.Code)
	data := body["data"].(map[string]interface{})
	require.Equal(t, "1", data["assigned_room"])
	require.Equal(t, "sess1", data["session"].(map[string]interface{})["id"])

	w, _ = f.do(t, http.MethodGet, "/api/wards/w2/active-session", "", student)
	require.Equal(t, http.StatusNotFound, w.Code)

	w, _ = f.do(t, http.MethodGet, "/api/wards/w1/active-session", "", outsider)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_ListSessions(t *testing.T) {
	f := newAPIFixture(t)

	w, body := f.do(t, http.MethodGet, "/api/sessions", "", faculty)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, body["data"].(map[string]interface{})["sessions"], 1)

	_, body = f.do(t, http.MethodGet, "/api/sessions", "", outsider)
	require.Len(t, body["data"].(map[string]interface{})["sessions"], 0)

	f.sessions.listErr = errors.New("boom")
	w, _ = f.do(t, http.MethodGet, "/api/sessions", "", faculty)
	require.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestServer_UpsertWard(t *testing.T) {
	f := newAPIFixture(t)

	w, _ := f.do(t, http.MethodPut, "/api/wards/w9", `{"name": "Surgical", "patient_ids": ["p7"]}`, admin)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	stored, err := f.db.GetWard(context.Background(), "w9")
	require.NoError(t, err)
	require.Equal(t, "org1", stored.OrgID)
	require.Equal(t, []string{"p7"}, stored.PatientIDs)

	w, _ = f.do(t, http.MethodPut, "/api/wards/w9", `{"name": "Surgical"}`, faculty)
	require.Equal(t, http.StatusForbidden, w.Code)

	w, _ = f.do(t, http.MethodPut, "/api/wards/w9", `{"name": ""}`, admin)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = f.do(t, http.MethodPut, "/api/wards/w9", `{"name": "X", "org_id": "org2"}`, admin)
	require.Equal(t, http.StatusForbidden, w.Code)
}

// FUNCTIONAL VALIDATION TEST: a ward cannot be taken over by another organisation
func TestServer_UpsertWardKeepsOrganisation(t *testing.T) {
	f := newAPIFixture(t)

	w, _ := f.do(t, http.MethodPut, "/api/wards/w1", `{"name": "Hijacked", "patient_ids": ["p9"]}`, outsider)
	require.Equal(t, http.StatusForbidden, w.Code)
	stored, err := f.db.GetWard(context.Background(), "w1")
	require.NoError(t, err)
	require.Equal(t, "Acute", stored.Name)
	require.Equal(t, "org1", stored.OrgID)

	// its own admin may replace the roster; the organisation is kept
	w, _ = f.do(t, http.MethodPut, "/api/wards/w1", `{"name": "Acute", "patient_ids": ["p1"]}`, admin)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	stored, err = f.db.GetWard(context.Background(), "w1")
	require.NoError(t, err)
	require.Equal(t, "org1", stored.OrgID)
	require.Equal(t, []string{"p1"}, stored.PatientIDs)

	// even a superadmin cannot move a ward between organisations
	w, _ = f.do(t, http.MethodPut, "/api/wards/w1", `{"name": "Acute", "org_id": "org2"}`, root)
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestServer_HealthCheck(t *testing.T) {
	f := newAPIFixture(t)

	w, body := f.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "healthy", body["status"])
	require.EqualValues(t, 2, body["connections"].(map[string]interface{})["total_connections"])

	f.db.healthErr = errors.New("database is locked")
	w, body = f.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.Contains(t, body["database"], "locked")
}

func TestServer_CORSPreflight(t *testing.T) {
	f := newAPIFixture(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/sessions/sess1", nil)
	w := httptest.NewRecorder()
	f.server.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	require.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "DELETE")
}

func TestServer_MountsWebSocket(t *testing.T) {
	a, err := auth.New("api-test-secret", "wardsim", time.Hour)
	require.NoError(t, err)
	var hits []string
	server := NewServer(Dependencies{
		Sessions: &mockSessionManager{sessions: map[string]*types.WardSession{}},
		Database: &mockDatabaseManager{wards: map[string]*types.Ward{}},
		Verifier: a,
		WebSocket: func(w http.ResponseWriter, r *http.Request) {
			hits = append(hits, r.URL.Path)
		},
	})
	for _, path := range []string{"/ws", "/ws/ward"} {
		server.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}
	require.Equal(t, []string{"/ws", "/ws/ward"}, hits)
}
