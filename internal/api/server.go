package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"wardsim/internal/auth"
	"wardsim/internal/session"
	"wardsim/pkg/interfaces"
	"wardsim/pkg/types"
)

// Verifier checks bearer tokens
type Verifier interface {
	Verify(token string) (auth.Identity, error)
}

// StatsProvider reports live connection statistics for /health
type StatsProvider interface {
	GetStats() map[string]interface{}
}

// Dependencies are the collaborators the API serves from
type Dependencies struct {
	Sessions interfaces.SessionManager
	Database interfaces.DatabaseManager
	Verifier Verifier
	Stats    StatsProvider
	// WebSocket is mounted on /ws and /ws/ward when set
	WebSocket http.HandlerFunc
	// AllowedOrigin is echoed in Access-Control-Allow-Origin; empty means "*"
	AllowedOrigin string
	Logger        *zap.Logger
}

// ARCHITECTURAL DISCOVERY: HTTP API layer serves as pure interface between external clients and internal components
// Clean separation - no business logic, only HTTP handling and JSON serialization
type Server struct {
	sessions      interfaces.SessionManager
	db            interfaces.DatabaseManager
	verifier      Verifier
	stats         StatsProvider
	allowedOrigin string
	logger        *zap.Logger
	router        *mux.Router
	now           func() time.Time
}

// NewServer wires the routes
func NewServer(deps Dependencies) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		sessions:      deps.Sessions,
		db:            deps.Database,
		verifier:      deps.Verifier,
		stats:         deps.Stats,
		allowedOrigin: deps.AllowedOrigin,
		logger:        logger.Named("api"),
		router:        mux.NewRouter(),
		now:           time.Now,
	}
	s.setupRoutes(deps.WebSocket)
	return s
}

// ARCHITECTURAL DISCOVERY: Route setup follows REST conventions with proper middleware
// CORS runs outermost so preflight requests never reach the bearer check
func (s *Server) setupRoutes(ws http.HandlerFunc) {
	s.router.Use(s.corsMiddleware, s.logMiddleware)

	if ws != nil {
		s.router.HandleFunc("/ws", ws)
		s.router.HandleFunc("/ws/ward", ws)
	}
	s.router.Handle("/health", s.jsonMiddleware(http.HandlerFunc(s.healthCheck))).Methods(http.MethodGet, http.MethodOptions)

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(s.jsonMiddleware, s.authMiddleware)
	api.HandleFunc("/sessions", s.listSessions).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/sessions/{id}", s.getSession).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/sessions/{id}", s.endSession).Methods(http.MethodDelete)
	api.HandleFunc("/sessions/{id}/end", s.endSession).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/wards/{wardId}", s.upsertWard).Methods(http.MethodPut, http.MethodOptions)
	api.HandleFunc("/wards/{wardId}/sessions", s.startSession).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/wards/{wardId}/active-session", s.activeSession).Methods(http.MethodGet, http.MethodOptions)
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// envelope is the body of every /api response
type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

// HealthResponse is the body of /health
type HealthResponse struct {
	Status      string                 `json:"status"`
	Timestamp   time.Time              `json:"timestamp"`
	Database    string                 `json:"database"`
	Connections map[string]interface{} `json:"connections"`
}

// endRequest is the optional body of the end endpoints
type endRequest struct {
	Reason string `json:"reason"`
}

// FUNCTIONAL DISCOVERY: GET /api/sessions/{id} - session, ward roster and assignments in one payload
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	ws, err := s.sessions.GetSession(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.sendFailure(w, err)
		return
	}
	if !visible(id, ws.OrgID) {
		s.sendFailure(w, session.ErrOrgMismatch)
		return
	}
	s.sendData(w, http.StatusOK, s.detail(r.Context(), ws))
}

// FUNCTIONAL DISCOVERY: POST /api/wards/{wardId}/sessions - start a session as the caller
func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	var req types.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	req.WardID = mux.Vars(r)["wardId"]
	req.Actor = id.Actor()
	req.OrgID = id.OrgID

	ws, err := s.sessions.StartSession(r.Context(), req)
	if err != nil {
		s.sendFailure(w, err)
		return
	}
	s.sendData(w, http.StatusCreated, s.detail(r.Context(), ws))
}

// FUNCTIONAL DISCOVERY: POST /api/sessions/{id}/end and DELETE /api/sessions/{id}
// Clients cannot claim expiry; the server's watcher owns that reason
func (s *Server) endSession(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	var req endRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.sendError(w, http.StatusBadRequest, "Invalid JSON")
			return
		}
	}
	reason := req.Reason
	if reason == "" || reason == types.EndReasonExpired {
		reason = types.EndReasonManual
	}

	sessionID := mux.Vars(r)["id"]
	existing, err := s.sessions.GetSession(r.Context(), sessionID)
	if err != nil {
		s.sendFailure(w, err)
		return
	}
	if !visible(id, existing.OrgID) {
		s.sendFailure(w, session.ErrOrgMismatch)
		return
	}

	ended, err := s.sessions.EndSession(r.Context(), sessionID, id.Actor(), reason)
	if err != nil {
		s.sendFailure(w, err)
		return
	}
	s.sendData(w, http.StatusOK, map[string]interface{}{"session": ended})
}

// FUNCTIONAL DISCOVERY: GET /api/wards/{wardId}/active-session
func (s *Server) activeSession(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	ws, err := s.sessions.ActiveSessionForWard(r.Context(), mux.Vars(r)["wardId"])
	if err != nil {
		s.sendFailure(w, err)
		return
	}
	if !visible(id, ws.OrgID) {
		s.sendFailure(w, interfaces.ErrSessionNotFound)
		return
	}
	detail := s.detail(r.Context(), ws)
	data := map[string]interface{}{
		"session":       detail.Session,
		"ward":          detail.Ward,
		"assignments":   detail.Assignments,
		"assigned_room": s.sessions.AssignedRoomFor(ws, id.UserID, id.Role),
	}
	s.sendData(w, http.StatusOK, data)
}

// FUNCTIONAL DISCOVERY: GET /api/sessions - active sessions of the caller's organisation
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	all, err := s.sessions.ListActiveSessions(r.Context())
	if err != nil {
		s.sendFailure(w, err)
		return
	}
	out := make([]*types.WardSession, 0, len(all))
	for _, ws := range all {
		if visible(id, ws.OrgID) {
			out = append(out, ws)
		}
	}
	s.sendData(w, http.StatusOK, map[string]interface{}{"sessions": out})
}

// FUNCTIONAL DISCOVERY: PUT /api/wards/{wardId} - seed or replace a ward roster
func (s *Server) upsertWard(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	if !types.IsAdministrativeRole(id.Role) {
		s.sendFailure(w, session.ErrNotAuthorized)
		return
	}
	var ward types.Ward
	if err := json.NewDecoder(r.Body).Decode(&ward); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	ward.ID = mux.Vars(r)["wardId"]

	existing, err := s.db.GetWard(r.Context(), ward.ID)
	switch {
	case err == nil:
		// a ward keeps its organisation; only its own admins may replace it
		if !visible(id, existing.OrgID) {
			s.sendFailure(w, session.ErrOrgMismatch)
			return
		}
		if ward.OrgID == "" {
			ward.OrgID = existing.OrgID
		}
		if existing.OrgID != "" && ward.OrgID != existing.OrgID {
			s.sendFailure(w, session.ErrOrgMismatch)
			return
		}
	case errors.Is(err, interfaces.ErrWardNotFound):
	default:
		s.sendFailure(w, err)
		return
	}
	if ward.OrgID == "" {
		ward.OrgID = id.OrgID
	}
	if !visible(id, ward.OrgID) {
		s.sendFailure(w, session.ErrOrgMismatch)
		return
	}
	if err := ward.Validate(); err != nil {
		s.sendFailure(w, err)
		return
	}
	if err := s.db.UpsertWard(r.Context(), &ward); err != nil {
		s.sendFailure(w, err)
		return
	}
	s.sendData(w, http.StatusOK, map[string]interface{}{"ward": ward})
}

// FUNCTIONAL DISCOVERY: GET /health - System health check with component validation
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:      "healthy",
		Timestamp:   s.now().UTC(),
		Database:    "healthy",
		Connections: map[string]interface{}{},
	}
	if err := s.db.HealthCheck(ctx); err != nil {
		resp.Status = "unhealthy"
		resp.Database = "error: " + err.Error()
	}
	if s.stats != nil {
		resp.Connections = s.stats.GetStats()
	}

	// FUNCTIONAL DISCOVERY: Return 503 if any component is unhealthy
	code := http.StatusOK
	if resp.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("failed to write health response", zap.Error(err))
	}
}

// detail joins a session with its ward roster. A ward deleted after the
// session started is reported from the session's own fields.
func (s *Server) detail(ctx context.Context, ws *types.WardSession) types.SessionDetail {
	ward, err := s.db.GetWard(ctx, ws.WardID)
	if err != nil {
		if !errors.Is(err, interfaces.ErrWardNotFound) {
			s.logger.Warn("ward lookup failed", zap.String("ward_id", ws.WardID), zap.Error(err))
		}
		ward = &types.Ward{ID: ws.WardID, OrgID: ws.OrgID, Name: ws.WardName}
	}
	return types.SessionDetail{Session: ws, Ward: ward, Assignments: ws.Assignments}
}

func identity(r *http.Request) auth.Identity {
	id, _ := auth.FromContext(r.Context())
	return id
}

// visible reports whether the caller may see resources of orgID
func visible(id auth.Identity, orgID string) bool {
	return orgID == "" || orgID == id.OrgID || types.NormalizeRole(id.Role) == types.RoleSuperAdmin
}

// statusFor maps domain errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case auth.IsAuthError(err):
		return http.StatusUnauthorized
	case errors.Is(err, session.ErrNotAuthorized), errors.Is(err, session.ErrOrgMismatch):
		return http.StatusForbidden
	case errors.Is(err, interfaces.ErrSessionNotFound), errors.Is(err, interfaces.ErrWardNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrSessionAlreadyActive), errors.Is(err, session.ErrSessionAlreadyEnded),
		errors.Is(err, interfaces.ErrActiveSessionExists):
		return http.StatusConflict
	case errors.Is(err, types.ErrInvalidWardID), errors.Is(err, types.ErrInvalidWardName),
		errors.Is(err, types.ErrInvalidUserID), errors.Is(err, types.ErrInvalidDuration),
		errors.Is(err, types.ErrInvalidRole):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) sendFailure(w http.ResponseWriter, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
		msg = "Internal server error"
	}
	s.sendError(w, code, msg)
}

func (s *Server) sendData(w http.ResponseWriter, code int, data interface{}) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(envelope{Success: true, Data: data}); err != nil {
		s.logger.Warn("failed to write response", zap.Error(err))
	}
}

// FUNCTIONAL DISCOVERY: Consistent error response format
func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(envelope{
		Success: false,
		Error:   http.StatusText(code),
		Message: message,
	}); err != nil {
		s.logger.Warn("failed to write error response", zap.Error(err))
	}
}
