package websocket

import (
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Room name prefixes
const (
	roomOrg     = "org:"
	roomWard    = "ward:"
	roomSession = "session:"
)

// OrgRoom is the room every connection of an organisation joins
func OrgRoom(orgID string) string { return roomOrg + orgID }

// WardRoom is the room of a ward's live view
func WardRoom(wardID string) string { return roomWard + wardID }

// SessionRoom is the room of one session
func SessionRoom(sessionID string) string { return roomSession + sessionID }

func validRoom(room string) bool {
	for _, prefix := range []string{roomOrg, roomWard, roomSession} {
		if strings.HasPrefix(room, prefix) && len(room) > len(prefix) {
			return true
		}
	}
	return false
}

// Registry manages WebSocket connections with thread-safe operations
// ARCHITECTURAL DISCOVERY: Pure connection management without business logic
// maintains clean separation between connection tracking and connection operations
type Registry struct {
	mu        sync.RWMutex                        // TECHNICAL DISCOVERY: RWMutex optimizes for read-heavy lookup patterns
	users     map[string]*Connection              // userID -> Connection for O(1) lookup
	rooms     map[string]map[*Connection]struct{} // room -> members
	connRooms map[*Connection]map[string]struct{} // Connection -> joined rooms
	logger    *zap.Logger
}

// NewRegistry creates a new connection registry
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		users:     make(map[string]*Connection),
		rooms:     make(map[string]map[*Connection]struct{}),
		connRooms: make(map[*Connection]map[string]struct{}),
		logger:    logger.Named("registry"),
	}
}

// RegisterConnection tracks an authenticated connection and joins it to its
// organisation room. A user's previous connection is replaced and closed.
func (r *Registry) RegisterConnection(conn *Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	if !conn.IsAuthenticated() {
		return ErrConnectionNotAuthenticated
	}

	userID := conn.GetUserID()

	r.mu.Lock()
	defer r.mu.Unlock()

	// FUNCTIONAL DISCOVERY: Close existing connection asynchronously to prevent deadlock
	// during registration while ensuring immediate replacement
	if existing, exists := r.users[userID]; exists && existing != conn {
		r.removeLocked(existing)
		go func() {
			if err := existing.Close(); err != nil {
				r.logger.Debug("failed to close replaced connection", zap.String("user_id", userID), zap.Error(err))
			}
		}()
	}

	r.users[userID] = conn
	if org := conn.GetOrgID(); org != "" {
		r.joinLocked(conn, OrgRoom(org))
	}
	return nil
}

// Join adds a registered connection to room
func (r *Registry) Join(conn *Connection, room string) error {
	if conn == nil {
		return ErrNilConnection
	}
	if !validRoom(room) {
		return ErrInvalidRoom
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.users[conn.GetUserID()] != conn {
		return ErrNotRegistered
	}
	r.joinLocked(conn, room)
	return nil
}

// LeavePrefix removes conn from every room starting with prefix, e.g. all
// session rooms before joining a new one.
func (r *Registry) LeavePrefix(conn *Connection, prefix string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for room := range r.connRooms[conn] {
		if strings.HasPrefix(room, prefix) {
			r.leaveLocked(conn, room)
		}
	}
}

func (r *Registry) joinLocked(conn *Connection, room string) {
	if r.rooms[room] == nil {
		r.rooms[room] = make(map[*Connection]struct{})
	}
	r.rooms[room][conn] = struct{}{}
	if r.connRooms[conn] == nil {
		r.connRooms[conn] = make(map[string]struct{})
	}
	r.connRooms[conn][room] = struct{}{}
}

func (r *Registry) leaveLocked(conn *Connection, room string) {
	if members, ok := r.rooms[room]; ok {
		delete(members, conn)
		// TECHNICAL DISCOVERY: Clean up empty maps to prevent memory leaks
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
	if joined, ok := r.connRooms[conn]; ok {
		delete(joined, room)
	}
}

func (r *Registry) removeLocked(conn *Connection) {
	for room := range r.connRooms[conn] {
		r.leaveLocked(conn, room)
	}
	delete(r.connRooms, conn)
	if r.users[conn.GetUserID()] == conn {
		delete(r.users, conn.GetUserID())
	}
}

// UnregisterConnection removes a specific connection from all maps atomically
// RACE CONDITION FIX: Only removes the connection if it matches the one currently registered
func (r *Registry) UnregisterConnection(conn *Connection) {
	if conn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.users[conn.GetUserID()] != conn {
		return
	}
	r.removeLocked(conn)
}

// GetUserConnection returns the current connection for a user
func (r *Registry) GetUserConnection(userID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, exists := r.users[userID]
	return conn, exists
}

// RoomConnections returns a snapshot of room's members
func (r *Registry) RoomConnections(room string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[room]
	connections := make([]*Connection, 0, len(members))
	for conn := range members {
		connections = append(connections, conn)
	}
	return connections
}

// Recipients returns the union of the members of rooms, each connection once
func (r *Registry) Recipients(rooms ...string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[*Connection]struct{})
	var connections []*Connection
	for _, room := range rooms {
		for conn := range r.rooms[room] {
			if _, dup := seen[conn]; dup {
				continue
			}
			seen[conn] = struct{}{}
			connections = append(connections, conn)
		}
	}
	return connections
}

// InRoom reports whether conn has joined room
func (r *Registry) InRoom(conn *Connection, room string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[room][conn]
	return ok
}

// GetStats returns registry statistics for monitoring and debugging
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	wards, sessions := 0, 0
	for room := range r.rooms {
		switch {
		case strings.HasPrefix(room, roomWard):
			wards++
		case strings.HasPrefix(room, roomSession):
			sessions++
		}
	}
	return map[string]int{
		"total_connections": len(r.users),
		"ward_rooms":        wards,
		"session_rooms":     sessions,
	}
}
