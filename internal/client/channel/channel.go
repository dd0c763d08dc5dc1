// Package channel keeps one authenticated realtime connection per logged-in
// user and exposes it as a typed event stream plus a fire-and-forget emitter.
package channel

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"wardsim/pkg/protocol"
)

var (
	ErrRejected        = errors.New("server rejected the handshake")
	ErrHandshake       = errors.New("handshake failed")
	ErrIdentityChanged = errors.New("identity changed")
	ErrBadServerURL    = errors.New("server URL must be http(s) or ws(s)")
)

// Defaults
const (
	DefaultMinBackoff       = 500 * time.Millisecond
	DefaultMaxBackoff       = 30 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	writeWait               = 10 * time.Second
	outboxSize              = 64
	eventBufferSize         = 256
)

// Config describes where and how to connect
type Config struct {
	ServerURL string
	Namespace protocol.Namespace
	// WardID is joined with join_active_session after every connect
	WardID           string
	MinBackoff       time.Duration
	MaxBackoff       time.Duration
	HandshakeTimeout time.Duration
}

// Channel owns the socket. Run drives it; everything else is safe for
// concurrent use.
type Channel struct {
	cfg      Config
	url      string
	identity IdentityStore
	dialer   *websocket.Dialer
	logger   *zap.Logger

	events chan protocol.Event
	outbox chan protocol.Command

	mu   sync.RWMutex
	conn *websocket.Conn
}

// New validates cfg and returns an unconnected channel
func New(cfg Config, identity IdentityStore, logger *zap.Logger) (*Channel, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = DefaultMinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = DefaultMaxBackoff
		if cfg.MaxBackoff < cfg.MinBackoff {
			cfg.MaxBackoff = cfg.MinBackoff
		}
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.Namespace == "" {
		cfg.Namespace = protocol.NamespaceGlobal
	}
	u, err := SocketURL(cfg.ServerURL, cfg.Namespace)
	if err != nil {
		return nil, err
	}
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = cfg.HandshakeTimeout

	return &Channel{
		cfg:      cfg,
		url:      u,
		identity: identity,
		dialer:   &dialer,
		logger:   logger.Named("channel"),
		events:   make(chan protocol.Event, eventBufferSize),
		outbox:   make(chan protocol.Command, outboxSize),
	}, nil
}

// SocketURL maps a server base URL onto the socket endpoint of namespace ns
func SocketURL(serverURL string, ns protocol.Namespace) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadServerURL, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", ErrBadServerURL
	}
	if u.Host == "" {
		return "", ErrBadServerURL
	}
	path := "/ws"
	if ns == protocol.NamespaceWard {
		path = "/ws/ward"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	return u.String(), nil
}

// Events is the inbound stream, including the local Connected and
// Disconnected events
func (c *Channel) Events() <-chan protocol.Event {
	return c.events
}

// Connected reports whether an authenticated connection is up
func (c *Channel) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// Emit queues cmd for the current connection. Commands are dropped while
// disconnected; the caller resyncs on the next Connected event.
func (c *Channel) Emit(cmd protocol.Command) bool {
	if !c.Connected() {
		c.logger.Debug("dropping command while disconnected", zap.String("command", cmd.CommandName()))
		return false
	}
	select {
	case c.outbox <- cmd:
		return true
	default:
		c.logger.Warn("outbox full, dropping command", zap.String("command", cmd.CommandName()))
		return false
	}
}

// Run connects while an identity is present and reconnects with exponential
// backoff until ctx ends.
func (c *Channel) Run(ctx context.Context) error {
	backoff := c.cfg.MinBackoff
	attempt := 0
	for {
		changed := c.identity.Changed()
		id, ok := c.identity.Identity()
		if !ok {
			c.logger.Debug("no identity, waiting for login")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-changed:
				continue
			}
		}

		established, err := c.connect(ctx, id, attempt+1, changed)
		if established {
			attempt++
			backoff = c.cfg.MinBackoff
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrIdentityChanged) {
			c.logger.Info("identity changed, dropping connection")
			if established {
				c.deliver(ctx, nil, protocol.Disconnected{Err: err})
			}
			continue
		}
		if established {
			c.logger.Warn("connection lost", zap.Error(err))
			c.deliver(ctx, nil, protocol.Disconnected{Err: err})
		} else {
			c.logger.Warn("connect failed", zap.Duration("retry_in", backoff), zap.Error(err))
		}

		wait := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			wait.Stop()
			return ctx.Err()
		case <-changed:
			wait.Stop()
			backoff = c.cfg.MinBackoff
		case <-wait.C:
			backoff = nextBackoff(backoff, c.cfg.MaxBackoff)
		}
	}
}

func nextBackoff(cur, ceiling time.Duration) time.Duration {
	next := cur * 2
	if next > ceiling {
		return ceiling
	}
	return next
}

// connect runs one connection. established is true once the server
// acknowledged the handshake.
func (c *Channel) connect(ctx context.Context, id Identity, attempt int, changed <-chan struct{}) (established bool, err error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	conn, _, err := c.dialer.DialContext(dialCtx, c.url, nil)
	cancel()
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", c.url, err)
	}
	defer conn.Close()

	if err := c.handshake(conn, id); err != nil {
		return false, err
	}

	done := make(chan struct{})
	c.setConn(conn)
	defer func() {
		c.setConn(nil)
		close(done)
	}()

	c.logger.Info("connected", zap.String("url", c.url), zap.String("user_id", id.UserID), zap.Int("attempt", attempt))
	c.deliver(ctx, done, protocol.Connected{Attempt: attempt})

	// Room joins are explicit and follow every connect
	joins := []protocol.Command{protocol.JoinOrg{OrgID: id.OrgID}}
	if c.cfg.WardID != "" {
		joins = append(joins, protocol.JoinActiveSession{WardID: c.cfg.WardID})
	}
	for _, cmd := range joins {
		if err := c.write(conn, cmd); err != nil {
			return true, err
		}
	}

	readErr := make(chan error, 1)
	go func() {
		readErr <- c.readLoop(ctx, conn, done)
	}()

	for {
		select {
		case cmd := <-c.outbox:
			if err := c.write(conn, cmd); err != nil {
				return true, err
			}
		case err := <-readErr:
			return true, err
		case <-changed:
			return true, ErrIdentityChanged
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return true, ctx.Err()
		}
	}
}

func (c *Channel) handshake(conn *websocket.Conn, id Identity) error {
	if err := c.write(conn, protocol.Authenticate{Token: id.Token}); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	var env protocol.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	ev, err := protocol.Decode(&env)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	switch e := ev.(type) {
	case protocol.Authenticated:
		return nil
	case protocol.ServerError:
		return fmt.Errorf("%w: %s: %s", ErrRejected, e.Code, e.Message)
	default:
		return fmt.Errorf("%w: unexpected %s before authentication", ErrHandshake, env.Event)
	}
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) error {
	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return err
		}
		ev, err := protocol.Decode(&env)
		if err != nil {
			c.logger.Debug("ignoring frame", zap.String("event", env.Event), zap.Error(err))
			continue
		}
		if se, ok := ev.(protocol.ServerError); ok {
			c.logger.Warn("server error", zap.String("code", se.Code), zap.String("message", se.Message))
		}
		if !c.deliver(ctx, done, ev) {
			return nil
		}
	}
}

// deliver blocks until the consumer takes ev, the connection ends or ctx ends
func (c *Channel) deliver(ctx context.Context, done <-chan struct{}, ev protocol.Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-done:
		return false
	case <-ctx.Done():
		return false
	}
}

func (c *Channel) write(conn *websocket.Conn, cmd protocol.Command) error {
	env, err := protocol.EncodeCommand(cmd)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(env)
}

func (c *Channel) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	if conn == nil {
		// Commands queued for a dead connection are not replayed
		for {
			select {
			case <-c.outbox:
			default:
				return
			}
		}
	}
}
