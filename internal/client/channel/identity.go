package channel

import "sync"

// Identity is the logged-in user as recorded by the login flow
type Identity struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	Email  string `json:"email,omitempty"`
	OrgID  string `json:"org_id,omitempty"`
	Token  string `json:"-"`
}

// IdentityStore is the local key-value source of the current identity.
// Changed returns a channel closed on the next Set or Clear.
type IdentityStore interface {
	Identity() (Identity, bool)
	Changed() <-chan struct{}
}

// MemoryIdentity is an IdentityStore held in memory
type MemoryIdentity struct {
	mu      sync.RWMutex
	id      Identity
	present bool
	changed chan struct{}
}

// NewMemoryIdentity returns an empty store
func NewMemoryIdentity() *MemoryIdentity {
	return &MemoryIdentity{changed: make(chan struct{})}
}

func (m *MemoryIdentity) Identity() (Identity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.id, m.present
}

func (m *MemoryIdentity) Changed() <-chan struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.changed
}

// Set records a login
func (m *MemoryIdentity) Set(id Identity) {
	m.update(id, id.UserID != "")
}

// Clear records a logout
func (m *MemoryIdentity) Clear() {
	m.update(Identity{}, false)
}

func (m *MemoryIdentity) update(id Identity, present bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.id = id
	m.present = present
	close(m.changed)
	m.changed = make(chan struct{})
}
