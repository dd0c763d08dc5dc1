package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"wardsim/internal/timer"
	"wardsim/internal/zone"
	"wardsim/pkg/interfaces"
	"wardsim/pkg/types"
)

// Manager implements interfaces.SessionManager
type Manager struct {
	dbManager   interfaces.DatabaseManager
	broadcaster interfaces.Broadcaster
	logger      *zap.Logger
	clock       timer.Clock

	activeSessions map[string]*types.WardSession // sessionID -> Session
	byWard         map[string]string             // wardID -> sessionID
	mu             sync.RWMutex

	// lifecycle serializes start and end so the one-active-per-ward check
	// and the cache stay consistent
	lifecycle sync.Mutex
}

var _ interfaces.SessionManager = (*Manager)(nil)

// Option configures a Manager
type Option func(*Manager)

// WithClock replaces the wall clock used for start, end and expiry
func WithClock(c timer.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager creates a new session manager. broadcaster may be nil.
func NewManager(dbManager interfaces.DatabaseManager, broadcaster interfaces.Broadcaster, opts ...Option) *Manager {
	m := &Manager{
		dbManager:      dbManager,
		broadcaster:    broadcaster,
		logger:         zap.NewNop(),
		clock:          timer.RealClock{},
		activeSessions: make(map[string]*types.WardSession),
		byWard:         make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Named("session")
	return m
}

// LoadActiveSessions loads all active sessions from database into memory.
// A ward found with more than one active session keeps the newest; the
// others are ended as superseded.
func (m *Manager) LoadActiveSessions(ctx context.Context) error {
	sessions, err := m.dbManager.ListActiveSessions(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active sessions: %w", err)
	}

	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].StartTime.After(sessions[j].StartTime)
	})

	var superseded []*types.WardSession
	m.mu.Lock()
	m.activeSessions = make(map[string]*types.WardSession, len(sessions))
	m.byWard = make(map[string]string, len(sessions))
	for _, s := range sessions {
		if _, taken := m.byWard[s.WardID]; taken {
			superseded = append(superseded, s)
			continue
		}
		m.activeSessions[s.ID] = s
		m.byWard[s.WardID] = s.ID
	}
	m.mu.Unlock()

	for _, s := range superseded {
		if _, err := m.finish(ctx, s, types.EndReasonSuperseded); err != nil {
			m.logger.Warn("failed to end superseded session", zap.String("session_id", s.ID), zap.Error(err))
		}
	}

	m.logger.Info("loaded active sessions",
		zap.Int("active", len(sessions)-len(superseded)),
		zap.Int("superseded", len(superseded)))
	return nil
}

// StartSession creates a new session on a ward
func (m *Manager) StartSession(ctx context.Context, req types.StartRequest) (*types.WardSession, error) {
	role := types.NormalizeRole(req.Actor.Role)
	if !types.CanStartSession(role) {
		return nil, ErrNotAuthorized
	}
	if !types.IsValidID(req.WardID) {
		return nil, types.ErrInvalidWardID
	}
	if !req.Duration.Valid() {
		return nil, types.ErrInvalidDuration
	}

	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	ward, err := m.dbManager.GetWard(ctx, req.WardID)
	if err != nil {
		return nil, err
	}
	if req.OrgID != "" && ward.OrgID != "" && req.OrgID != ward.OrgID && role != types.RoleSuperAdmin {
		return nil, ErrOrgMismatch
	}

	m.mu.RLock()
	_, busy := m.byWard[ward.ID]
	m.mu.RUnlock()
	if busy {
		return nil, ErrSessionAlreadyActive
	}

	orgID := ward.OrgID
	if orgID == "" {
		orgID = req.OrgID
	}
	session := &types.WardSession{
		ID:            uuid.New().String(),
		WardID:        ward.ID,
		WardName:      ward.Name,
		OrgID:         orgID,
		StartTime:     m.clock.Now().UTC(),
		Duration:      req.Duration,
		StartedBy:     req.Actor.UserID,
		StartedByRole: role,
		Status:        types.SessionStatusActive,
		Assignments:   req.Assignments.FilterToRoster(ward),
	}
	if err := session.Validate(); err != nil {
		return nil, err
	}

	if err := m.dbManager.CreateSession(ctx, session); err != nil {
		if errors.Is(err, interfaces.ErrActiveSessionExists) {
			return nil, ErrSessionAlreadyActive
		}
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	m.mu.Lock()
	m.activeSessions[session.ID] = session
	m.byWard[session.WardID] = session.ID
	m.mu.Unlock()

	m.logger.Info("session started",
		zap.String("session_id", session.ID),
		zap.String("ward_id", session.WardID),
		zap.String("started_by", session.StartedBy),
		zap.Stringer("duration", session.Duration),
		zap.Int("zones", session.Assignments.Len()))

	if m.broadcaster != nil {
		if err := m.broadcaster.SessionStarted(ctx, session); err != nil {
			m.logger.Error("failed to broadcast session start", zap.String("session_id", session.ID), zap.Error(err))
		}
	}
	return session, nil
}

// EndSession ends an active session. Expiry bypasses the authority check so
// the session ends even when no authorized user is connected.
func (m *Manager) EndSession(ctx context.Context, sessionID string, actor types.Actor, reason string) (*types.WardSession, error) {
	reason = strings.ToLower(strings.TrimSpace(reason))
	if reason == "" {
		reason = types.EndReasonManual
	}

	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	session, err := m.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.IsActive() {
		return nil, ErrSessionAlreadyEnded
	}
	if reason != types.EndReasonExpired {
		if !actor.InOrg(session.OrgID) {
			return nil, ErrOrgMismatch
		}
		if !zone.CanEndSession(actor.Role, session.StartedBy, actor.UserID) {
			return nil, ErrNotAuthorized
		}
	}

	return m.finish(ctx, session, reason)
}

// finish persists the end, drops the session from the cache and broadcasts.
func (m *Manager) finish(ctx context.Context, session *types.WardSession, reason string) (*types.WardSession, error) {
	ended := *session
	now := m.clock.Now().UTC()
	ended.Status = types.SessionStatusEnded
	ended.EndTime = &now
	ended.EndReason = reason

	if err := m.dbManager.UpdateSession(ctx, &ended); err != nil {
		return nil, fmt.Errorf("failed to end session: %w", err)
	}

	m.mu.Lock()
	delete(m.activeSessions, ended.ID)
	if m.byWard[ended.WardID] == ended.ID {
		delete(m.byWard, ended.WardID)
	}
	m.mu.Unlock()

	m.logger.Info("session ended",
		zap.String("session_id", ended.ID),
		zap.String("ward_id", ended.WardID),
		zap.String("reason", reason))

	if m.broadcaster != nil {
		if err := m.broadcaster.SessionEnded(ctx, &ended); err != nil {
			m.logger.Error("failed to broadcast session end", zap.String("session_id", ended.ID), zap.Error(err))
		}
	}
	return &ended, nil
}

// GetSession retrieves a session by ID
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*types.WardSession, error) {
	m.mu.RLock()
	if session, exists := m.activeSessions[sessionID]; exists {
		m.mu.RUnlock()
		return session, nil
	}
	m.mu.RUnlock()

	// Query database for ended sessions or cache misses
	return m.dbManager.GetSession(ctx, sessionID)
}

// ActiveSessionForWard returns the ward's active session
func (m *Manager) ActiveSessionForWard(ctx context.Context, wardID string) (*types.WardSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byWard[wardID]
	if !ok {
		return nil, interfaces.ErrSessionNotFound
	}
	return m.activeSessions[id], nil
}

// ListActiveSessions returns all active sessions, newest first
func (m *Manager) ListActiveSessions(ctx context.Context) ([]*types.WardSession, error) {
	m.mu.RLock()
	sessions := make([]*types.WardSession, 0, len(m.activeSessions))
	for _, session := range m.activeSessions {
		sessions = append(sessions, session)
	}
	m.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartTime.After(sessions[j].StartTime)
	})
	return sessions, nil
}

// AssignedRoomFor computes the assignedRoom a user receives with the start event
func (m *Manager) AssignedRoomFor(session *types.WardSession, userID, role string) string {
	if session == nil {
		return types.AllZones
	}
	return zone.AssignedRoomFor(session.Assignments, session.StartedBy, userID, role)
}

// ExpireDue ends every active session whose countdown has run out and
// returns how many were ended. Unlimited sessions never expire.
func (m *Manager) ExpireDue(ctx context.Context) int {
	now := m.clock.Now()

	m.mu.RLock()
	var due []string
	for id, s := range m.activeSessions {
		if timer.ComputeRemaining(now, s.StartTime, s.Duration).Expired {
			due = append(due, id)
		}
	}
	m.mu.RUnlock()

	ended := 0
	for _, id := range due {
		_, err := m.EndSession(ctx, id, types.Actor{}, types.EndReasonExpired)
		switch {
		case err == nil:
			ended++
		case errors.Is(err, ErrSessionAlreadyEnded), errors.Is(err, interfaces.ErrSessionNotFound):
			// ended concurrently
		default:
			m.logger.Error("failed to expire session", zap.String("session_id", id), zap.Error(err))
		}
	}
	return ended
}

// RunExpiryWatcher checks for expired sessions every interval until ctx is done
func (m *Manager) RunExpiryWatcher(ctx context.Context, interval time.Duration) {
	ticker := m.clock.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info("expiry watcher started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("expiry watcher stopped")
			return
		case <-ticker.C():
			if n := m.ExpireDue(ctx); n > 0 {
				m.logger.Info("expired sessions", zap.Int("count", n))
			}
		}
	}
}

// GetStats returns session manager statistics
func (m *Manager) GetStats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]interface{}{
		"active_sessions": len(m.activeSessions),
		"active_wards":    len(m.byWard),
	}
}
