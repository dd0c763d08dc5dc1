package interfaces

import (
	"context"

	"wardsim/pkg/types"
)

// SessionManager handles ward session lifecycle operations
// ARCHITECTURAL DISCOVERY: Context-first design pattern ensures proper
// cancellation and timeout handling across all session operations
type SessionManager interface {
	// StartSession validates the starter, filters assignments to the ward
	// roster and broadcasts the start
	StartSession(ctx context.Context, req types.StartRequest) (*types.WardSession, error)

	// EndSession re-validates authority (except for expiry) and broadcasts the end
	EndSession(ctx context.Context, sessionID string, actor types.Actor, reason string) (*types.WardSession, error)

	// GetSession retrieves a session by ID, cache first
	GetSession(ctx context.Context, sessionID string) (*types.WardSession, error)

	// ActiveSessionForWard returns ErrSessionNotFound when the ward is idle
	ActiveSessionForWard(ctx context.Context, wardID string) (*types.WardSession, error)

	// ListActiveSessions returns all active sessions
	ListActiveSessions(ctx context.Context) ([]*types.WardSession, error)

	// AssignedRoomFor computes the per-viewer assignedRoom of a session
	AssignedRoomFor(session *types.WardSession, userID, role string) string
}

// Broadcaster fans session lifecycle and update signals out to every
// connected client, across server instances when a shared bus is configured
type Broadcaster interface {
	SessionStarted(ctx context.Context, session *types.WardSession) error
	SessionEnded(ctx context.Context, session *types.WardSession) error
	PatientUpdated(ctx context.Context, signal *types.UpdateSignal) error
}
