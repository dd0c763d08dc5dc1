package websocket

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"wardsim/internal/auth"
	"wardsim/pkg/protocol"
)

// Error codes sent in error frames
const (
	CodeUnauthorized = "unauthorized"
	CodeBadRequest   = "bad_request"
	CodeForbidden    = "forbidden"
	CodeNotFound     = "not_found"
	CodeConflict     = "conflict"
	CodeRateLimited  = "rate_limited"
	CodeInternal     = "internal"
)

// TokenVerifier checks the token of the authenticate frame
type TokenVerifier interface {
	Verify(token string) (auth.Identity, error)
}

// CommandHandler receives decoded client commands of registered connections
type CommandHandler interface {
	HandleCommand(conn *Connection, cmd protocol.Command)
}

// Options tune the handshake and heartbeat
type Options struct {
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	ReadTimeout      time.Duration
	BufferSize       int
	AllowedOrigins   []string
}

// DefaultOptions: 10s handshake, 30s ping, 60s read deadline
func DefaultOptions() Options {
	return Options{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		ReadTimeout:      60 * time.Second,
		BufferSize:       1024,
	}
}

// Handler manages WebSocket connections and authentication
// ARCHITECTURAL DISCOVERY: Clean separation of WebSocket handling from business logic
// integrates with Registry for connection management and interfaces for external dependencies
type Handler struct {
	registry *Registry
	verifier TokenVerifier
	commands CommandHandler
	opts     Options
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewHandler creates a new WebSocket handler with dependency injection
func NewHandler(registry *Registry, verifier TokenVerifier, commands CommandHandler, opts Options, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		registry: registry,
		verifier: verifier,
		commands: commands,
		opts:     opts,
		logger:   logger.Named("websocket"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:   opts.BufferSize,
		WriteBufferSize:  opts.BufferSize,
		HandshakeTimeout: opts.HandshakeTimeout,
		CheckOrigin:      h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range h.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// HandleWebSocket upgrades the request. The path picks the namespace: /ws is
// global, /ws/ward is the ward namespace.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ns := protocol.ParseNamespace(r.URL.Path)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	wsConn := NewConnection(conn, ns)
	go h.serve(wsConn)
}

// serve runs the handshake and then the read pump until the connection drops
func (h *Handler) serve(conn *Connection) {
	defer func() {
		// FUNCTIONAL DISCOVERY: Deferred cleanup ensures resources are released
		// even if connection handling exits unexpectedly
		h.registry.UnregisterConnection(conn)
		_ = conn.Close()
	}()

	if err := h.handshake(conn); err != nil {
		h.logger.Info("websocket handshake rejected",
			zap.String("namespace", conn.GetNamespace()), zap.Error(err))
		conn.CloseWithError(CodeUnauthorized, err.Error())
		<-conn.Done()
		return
	}

	h.logger.Info("websocket connected",
		zap.String("user_id", conn.GetUserID()),
		zap.String("role", conn.GetRole()),
		zap.String("namespace", conn.GetNamespace()))

	h.readPump(conn)

	h.logger.Info("websocket disconnected", zap.String("user_id", conn.GetUserID()))
}

// handshake expects an authenticate frame before the handshake timeout
func (h *Handler) handshake(conn *Connection) error {
	if err := conn.conn.SetReadDeadline(time.Now().Add(h.opts.HandshakeTimeout)); err != nil {
		return err
	}
	_, data, err := conn.conn.ReadMessage()
	if err != nil {
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return ErrHandshakeTimeout
		}
		return err
	}

	cmd, err := decodeFrame(data)
	if err != nil {
		return err
	}
	authCmd, ok := cmd.(protocol.Authenticate)
	if !ok {
		return ErrExpectedHandshake
	}

	id, err := h.verifier.Verify(authCmd.Token)
	if err != nil {
		return err
	}
	if err := conn.SetCredentials(id.UserID, id.Role, id.OrgID); err != nil {
		return err
	}
	if err := h.registry.RegisterConnection(conn); err != nil {
		return err
	}
	return conn.Send(protocol.Authenticated{UserID: id.UserID, Role: id.Role, OrgID: id.OrgID})
}

func decodeFrame(data []byte) (protocol.Command, error) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, ErrInvalidJSON
	}
	return protocol.DecodeCommand(&env)
}

// readPump handles heartbeats and forwards commands
// TECHNICAL DISCOVERY: 60-second read deadline with 30-second ping interval
// provides reliable connection health monitoring on ward networks
func (h *Handler) readPump(conn *Connection) {
	ws := conn.conn
	if err := ws.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout)); err != nil {
		return
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
	})

	go func() {
		ticker := time.NewTicker(h.opts.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
					_ = conn.Close()
					return
				}
			case <-conn.Done():
				return
			}
		}
	}()

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read error", zap.String("user_id", conn.GetUserID()), zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		cmd, err := decodeFrame(data)
		if err != nil {
			_ = conn.SendError(CodeBadRequest, err.Error())
			continue
		}
		if _, again := cmd.(protocol.Authenticate); again {
			_ = conn.SendError(CodeBadRequest, "already authenticated")
			continue
		}
		if h.commands != nil {
			h.commands.HandleCommand(conn, cmd)
		}
	}
}
