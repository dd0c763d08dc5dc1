package interfaces

import (
	"context"

	"wardsim/pkg/types"
)

// WardReader looks up ward rosters
type WardReader interface {
	// GetWard returns ErrWardNotFound when the ward is unknown
	GetWard(ctx context.Context, wardID string) (*types.Ward, error)
}

// DatabaseManager handles all persistence for wards and ward sessions
// ARCHITECTURAL DISCOVERY: Single interface for all persistence operations
// enables consistent write serialization and connection management
type DatabaseManager interface {
	// UpsertWard creates or replaces a ward roster
	UpsertWard(ctx context.Context, ward *types.Ward) error

	WardReader

	// CreateSession persists a new active session. A second active session
	// on the same ward fails with ErrActiveSessionExists
	CreateSession(ctx context.Context, session *types.WardSession) error

	// GetSession returns ErrSessionNotFound when the session is unknown
	GetSession(ctx context.Context, sessionID string) (*types.WardSession, error)

	// UpdateSession records status, end_time and end_reason
	UpdateSession(ctx context.Context, session *types.WardSession) error

	// ListActiveSessions returns every active session, newest first
	ListActiveSessions(ctx context.Context) ([]*types.WardSession, error)

	// HealthCheck verifies database connectivity and basic operations
	HealthCheck(ctx context.Context) error

	// Close closes the database connection and cleans up resources
	Close() error
}
