package interfaces

// Connection represents an authenticated realtime client connection
// ARCHITECTURAL DISCOVERY: Pure abstraction without implementation details
// keeps the hub testable with in-memory connections
type Connection interface {
	// WriteJSON queues a frame for the client (thread-safe, single writer)
	WriteJSON(v interface{}) error

	// Close closes the connection and cleans up resources
	Close() error

	// GetUserID returns the connected user's ID
	GetUserID() string

	// GetRole returns the user's lowercased role
	GetRole() string

	// GetOrgID returns the organisation the user belongs to
	GetOrgID() string

	// GetNamespace returns "global" or "ward"; it decides which lifecycle
	// event names the connection receives
	GetNamespace() string

	// IsAuthenticated returns true once the handshake succeeded
	IsAuthenticated() bool

	// SetCredentials sets user credentials after the authenticate frame
	SetCredentials(userID, role, orgID string) error
}
