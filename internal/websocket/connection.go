package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"wardsim/pkg/interfaces"
	"wardsim/pkg/protocol"
)

// Connection implements the interfaces.Connection interface
// ARCHITECTURAL DISCOVERY: WebSocket writes must be serialized to prevent race conditions
// Interface boundary maintained - no business logic in connection wrapper
type Connection struct {
	conn          *websocket.Conn
	writeCh       chan []byte // FUNCTIONAL DISCOVERY: 100 buffer absorbs a ward-wide start burst
	namespace     protocol.Namespace
	userID        string // Set after authentication
	role          string // Set after authentication
	orgID         string // Set after authentication
	authenticated bool
	ctx           context.Context
	cancel        context.CancelFunc
	closeOnce     sync.Once
	mu            sync.RWMutex // Protect auth fields
}

var _ interfaces.Connection = (*Connection)(nil)

// NewConnection wraps conn and starts its writer. conn may be nil in tests
// that only exercise the queue.
func NewConnection(conn *websocket.Conn, ns protocol.Namespace) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:      conn,
		writeCh:   make(chan []byte, 100),
		namespace: ns,
		ctx:       ctx,
		cancel:    cancel,
	}

	if conn != nil {
		go c.writeLoop()
	}
	return c
}

// ARCHITECTURAL DISCOVERY: Single writer goroutine pattern eliminates races
func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if data == nil {
				c.writeClose()
				return
			}
			// FUNCTIONAL DISCOVERY: 5-second timeout balances responsiveness vs ward network stability
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				_ = c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				_ = c.Close()
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// WriteJSON queues v for the writer
func (c *Connection) WriteJSON(v interface{}) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-time.After(5 * time.Second):
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// closeFrame is queued by CloseWithError behind the error frame
var closeFrame []byte

func (c *Connection) writeClose() {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = c.Close()
}

// CloseWithError writes an error frame, then a close frame, then closes.
// Frames already queued are written first.
func (c *Connection) CloseWithError(code, message string) {
	if err := c.SendError(code, message); err != nil {
		_ = c.Close()
		return
	}
	select {
	case c.writeCh <- closeFrame:
	case <-c.ctx.Done():
	case <-time.After(5 * time.Second):
		_ = c.Close()
	}
}

// Send encodes ev with the event name of the connection's namespace
func (c *Connection) Send(ev protocol.Event) error {
	env, err := protocol.EncodeEvent(ev, c.namespace)
	if err != nil {
		return err
	}
	return c.WriteJSON(env)
}

// SendError writes an error frame
func (c *Connection) SendError(code, message string) error {
	return c.Send(protocol.ServerError{Code: code, Message: message})
}

// Done is closed when the connection closes
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

// ARCHITECTURAL DISCOVERY: Clean shutdown requires careful goroutine coordination
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

// SetCredentials records the identity proven by the authenticate frame
func (c *Connection) SetCredentials(userID, role, orgID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.userID = userID
	c.role = role
	c.orgID = orgID
	c.authenticated = true
	return nil
}

func (c *Connection) IsAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

func (c *Connection) GetUserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Connection) GetRole() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

func (c *Connection) GetOrgID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.orgID
}

func (c *Connection) GetNamespace() string {
	return string(c.namespace)
}

// Namespace returns the typed namespace
func (c *Connection) Namespace() protocol.Namespace {
	return c.namespace
}

// Outbound exposes the write queue of a connection created without a socket,
// so callers can observe what would have been written.
func (c *Connection) Outbound() <-chan []byte {
	if c.conn != nil {
		return nil
	}
	return c.writeCh
}
