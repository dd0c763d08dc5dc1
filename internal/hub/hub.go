package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"wardsim/internal/fanout"
	"wardsim/internal/session"
	"wardsim/internal/websocket"
	"wardsim/pkg/interfaces"
	"wardsim/pkg/protocol"
	"wardsim/pkg/types"
)

// Hub coordinates client commands and the delivery of bus events to rooms
// ARCHITECTURAL DISCOVERY: Central coordination point for all message flow
// maintains clean separation between WebSocket handling and session logic
type Hub struct {
	// FUNCTIONAL DISCOVERY: Buffered channels prevent blocking during ward-wide bursts
	commandChannel  chan *commandContext
	eventChannel    chan fanout.Message
	shutdownChannel chan struct{}

	registry *websocket.Registry
	sessions interfaces.SessionManager
	wards    interfaces.WardReader
	bus      fanout.Bus
	limiter  *RateLimiter
	logger   *zap.Logger
	now      func() time.Time

	unsubscribe func()
	wg          sync.WaitGroup

	// TECHNICAL DISCOVERY: RWMutex allows concurrent reads of running state
	running bool
	mu      sync.RWMutex
}

// commandContext wraps a command with its sender
type commandContext struct {
	conn *websocket.Connection
	cmd  protocol.Command
}

// Config tunes the hub
type Config struct {
	UpdateRate  float64 // patient update triggers per second per user
	UpdateBurst int
}

// NewHub creates a new hub
func NewHub(registry *websocket.Registry, sessions interfaces.SessionManager, wards interfaces.WardReader, bus fanout.Bus, cfg Config, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.UpdateRate <= 0 {
		cfg.UpdateRate = 5
	}
	if cfg.UpdateBurst <= 0 {
		cfg.UpdateBurst = 10
	}
	return &Hub{
		commandChannel:  make(chan *commandContext, 1000),
		eventChannel:    make(chan fanout.Message, 1000),
		shutdownChannel: make(chan struct{}),
		registry:        registry,
		sessions:        sessions,
		wards:           wards,
		bus:             bus,
		limiter:         NewRateLimiter(cfg.UpdateRate, cfg.UpdateBurst),
		logger:          logger.Named("hub"),
		now:             time.Now,
	}
}

// Start subscribes to the bus and begins processing
// FUNCTIONAL DISCOVERY: Single hub goroutine prevents race conditions
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.mu.Unlock()

	h.unsubscribe = h.bus.Subscribe(h.enqueueEvent)

	h.logger.Info("starting hub")
	h.wg.Add(1)
	go h.run(ctx)
	return nil
}

// Stop gracefully shuts down the hub
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	h.mu.Unlock()

	h.logger.Info("stopping hub")
	if h.unsubscribe != nil {
		h.unsubscribe()
	}
	close(h.shutdownChannel)
	h.wg.Wait()
	return nil
}

func (h *Hub) isRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// HandleCommand queues a client command. It implements websocket.CommandHandler.
func (h *Hub) HandleCommand(conn *websocket.Connection, cmd protocol.Command) {
	if !h.isRunning() {
		_ = conn.SendError(websocket.CodeInternal, ErrHubNotRunning.Error())
		return
	}
	// TECHNICAL DISCOVERY: Non-blocking send with error handling prevents hub lockup
	select {
	case h.commandChannel <- &commandContext{conn: conn, cmd: cmd}:
	default:
		h.logger.Warn("command channel full", zap.String("user_id", conn.GetUserID()))
		_ = conn.SendError(websocket.CodeInternal, ErrCommandChannelFull.Error())
	}
}

// enqueueEvent is the bus handler; it never blocks the publisher
func (h *Hub) enqueueEvent(msg fanout.Message) {
	select {
	case h.eventChannel <- msg:
	default:
		h.logger.Error("event channel full, dropping bus message", zap.String("kind", string(msg.Kind)))
	}
}

// run is the main hub processing loop
// TECHNICAL DISCOVERY: Single select loop handles all coordination
func (h *Hub) run(ctx context.Context) {
	defer h.wg.Done()
	defer h.logger.Info("hub processing stopped")

	cleanup := time.NewTicker(time.Minute)
	defer cleanup.Stop()

	for {
		select {
		case c := <-h.commandChannel:
			h.handleCommand(ctx, c)

		case msg := <-h.eventChannel:
			h.deliver(msg)

		case <-cleanup.C:
			h.limiter.Cleanup(5 * time.Minute)

		case <-h.shutdownChannel:
			return

		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) handleCommand(ctx context.Context, c *commandContext) {
	conn := c.conn
	switch cmd := c.cmd.(type) {
	case protocol.JoinOrg:
		h.joinOrg(conn, cmd)
	case protocol.JoinSession:
		h.joinSession(ctx, conn, cmd)
	case protocol.JoinActiveSession:
		h.joinActiveSession(ctx, conn, cmd)
	case protocol.TriggerPatientUpdate:
		h.triggerPatientUpdate(ctx, conn, cmd)
	case protocol.EndWardSessionManual:
		// Session manager writes hit the database; keep the loop free
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.endSession(ctx, conn, cmd)
		}()
	default:
		_ = conn.SendError(websocket.CodeBadRequest, "unsupported command "+c.cmd.CommandName())
	}
}

func sameOrg(conn *websocket.Connection, orgID string) bool {
	return orgID == "" || orgID == conn.GetOrgID() || types.NormalizeRole(conn.GetRole()) == types.RoleSuperAdmin
}

func (h *Hub) joinOrg(conn *websocket.Connection, cmd protocol.JoinOrg) {
	orgID := cmd.OrgID
	if orgID == "" {
		orgID = conn.GetOrgID()
	}
	if orgID == "" || !sameOrg(conn, orgID) {
		_ = conn.SendError(websocket.CodeForbidden, ErrForeignOrg.Error())
		return
	}
	if err := h.registry.Join(conn, websocket.OrgRoom(orgID)); err != nil {
		h.logger.Debug("join org failed", zap.String("user_id", conn.GetUserID()), zap.Error(err))
	}
}

func (h *Hub) joinSession(ctx context.Context, conn *websocket.Connection, cmd protocol.JoinSession) {
	s, err := h.sessions.GetSession(ctx, cmd.SessionID)
	if err != nil {
		h.replyError(conn, err)
		return
	}
	if !sameOrg(conn, s.OrgID) {
		_ = conn.SendError(websocket.CodeForbidden, ErrForeignOrg.Error())
		return
	}
	if !s.IsActive() {
		// Resync: the client missed the end while disconnected
		_ = conn.Send(endedEvent(s))
		return
	}

	h.registry.LeavePrefix(conn, websocket.SessionRoom(""))
	if err := h.registry.Join(conn, websocket.SessionRoom(s.ID)); err != nil {
		h.logger.Debug("join session failed", zap.String("user_id", conn.GetUserID()), zap.Error(err))
	}
}

// authorizeWard replies with an error unless the ward exists and belongs to
// the connection's organisation
func (h *Hub) authorizeWard(ctx context.Context, conn *websocket.Connection, wardID string) bool {
	ward, err := h.wards.GetWard(ctx, wardID)
	if err != nil {
		if !errors.Is(err, interfaces.ErrWardNotFound) {
			h.logger.Warn("ward lookup failed", zap.String("ward_id", wardID), zap.Error(err))
		}
		h.replyError(conn, err)
		return false
	}
	if !sameOrg(conn, ward.OrgID) {
		_ = conn.SendError(websocket.CodeForbidden, ErrForeignOrg.Error())
		return false
	}
	return true
}

// joinActiveSession subscribes to the ward room and replies to the joiner
// alone with the ward's active session, if any
func (h *Hub) joinActiveSession(ctx context.Context, conn *websocket.Connection, cmd protocol.JoinActiveSession) {
	if cmd.WardID == "" {
		_ = conn.SendError(websocket.CodeBadRequest, "wardId is required")
		return
	}
	if !h.authorizeWard(ctx, conn, cmd.WardID) {
		return
	}
	if err := h.registry.Join(conn, websocket.WardRoom(cmd.WardID)); err != nil {
		h.logger.Debug("join ward failed", zap.String("user_id", conn.GetUserID()), zap.Error(err))
		return
	}

	s, err := h.sessions.ActiveSessionForWard(ctx, cmd.WardID)
	if err != nil {
		if !errors.Is(err, interfaces.ErrSessionNotFound) {
			h.logger.Warn("active session lookup failed", zap.String("ward_id", cmd.WardID), zap.Error(err))
		}
		return
	}
	if err := conn.Send(h.startedEvent(s, conn)); err != nil {
		h.logger.Debug("resync send failed", zap.String("user_id", conn.GetUserID()), zap.Error(err))
	}
}

// triggerPatientUpdate stamps the signal with its sender and server time and
// fans it out as patient_data_updated
func (h *Hub) triggerPatientUpdate(ctx context.Context, conn *websocket.Connection, cmd protocol.TriggerPatientUpdate) {
	if !h.limiter.Allow(conn.GetUserID()) {
		_ = conn.SendError(websocket.CodeRateLimited, ErrRateLimited.Error())
		return
	}

	signal := cmd.Signal
	signal.PerformedBy = conn.GetUserID()
	signal.Timestamp = h.now().UTC()

	if signal.SessionID != "" {
		s, err := h.sessions.GetSession(ctx, signal.SessionID)
		if err != nil {
			h.replyError(conn, err)
			return
		}
		if signal.WardID == "" {
			signal.WardID = s.WardID
		}
		if signal.WardID != s.WardID {
			_ = conn.SendError(websocket.CodeBadRequest, ErrWardMismatch.Error())
			return
		}
	}
	if signal.WardID == "" {
		_ = conn.SendError(websocket.CodeBadRequest, ErrMissingWard.Error())
		return
	}
	if err := signal.Validate(); err != nil {
		_ = conn.SendError(websocket.CodeBadRequest, err.Error())
		return
	}
	if !h.authorizeWard(ctx, conn, signal.WardID) {
		return
	}

	if err := h.bus.PatientUpdated(ctx, &signal); err != nil {
		h.logger.Error("failed to publish patient update", zap.String("patient_id", signal.PatientID), zap.Error(err))
		_ = conn.SendError(websocket.CodeInternal, "update could not be delivered")
	}
}

func (h *Hub) endSession(ctx context.Context, conn *websocket.Connection, cmd protocol.EndWardSessionManual) {
	reason := cmd.Reason
	if reason == "" || reason == types.EndReasonExpired {
		reason = types.EndReasonManual
	}
	s, err := h.sessions.GetSession(ctx, cmd.SessionID)
	if err != nil {
		h.replyError(conn, err)
		return
	}
	if !sameOrg(conn, s.OrgID) {
		_ = conn.SendError(websocket.CodeForbidden, ErrForeignOrg.Error())
		return
	}
	actor := types.Actor{UserID: conn.GetUserID(), Role: conn.GetRole(), OrgID: conn.GetOrgID()}
	if _, err := h.sessions.EndSession(ctx, cmd.SessionID, actor, reason); err != nil {
		h.logger.Info("end session rejected",
			zap.String("session_id", cmd.SessionID),
			zap.String("user_id", actor.UserID),
			zap.Error(err))
		h.replyError(conn, err)
	}
}

func (h *Hub) replyError(conn *websocket.Connection, err error) {
	code := websocket.CodeInternal
	switch {
	case errors.Is(err, interfaces.ErrSessionNotFound), errors.Is(err, interfaces.ErrWardNotFound):
		code = websocket.CodeNotFound
	case errors.Is(err, session.ErrNotAuthorized), errors.Is(err, session.ErrOrgMismatch):
		code = websocket.CodeForbidden
	case errors.Is(err, session.ErrSessionAlreadyEnded), errors.Is(err, session.ErrSessionAlreadyActive):
		code = websocket.CodeConflict
	}
	_ = conn.SendError(code, err.Error())
}

// deliver sends a bus message to the rooms it concerns
func (h *Hub) deliver(msg fanout.Message) {
	switch msg.Kind {
	case fanout.KindSessionStarted:
		s := msg.Session
		// FUNCTIONAL DISCOVERY: each recipient gets its own assignedRoom
		for _, conn := range h.registry.Recipients(lifecycleRooms(s)...) {
			h.send(conn, h.startedEvent(s, conn))
		}

	case fanout.KindSessionEnded:
		s := msg.Session
		ev := endedEvent(s)
		rooms := append(lifecycleRooms(s), websocket.SessionRoom(s.ID))
		for _, conn := range h.registry.Recipients(rooms...) {
			h.send(conn, ev)
		}

	case fanout.KindPatientUpdated:
		sig := msg.Signal
		rooms := []string{websocket.WardRoom(sig.WardID)}
		if sig.SessionID != "" {
			rooms = append(rooms, websocket.SessionRoom(sig.SessionID))
		}
		ev := protocol.PatientDataChanged{Signal: *sig}
		for _, conn := range h.registry.Recipients(rooms...) {
			h.send(conn, ev)
		}
	}
}

func (h *Hub) send(conn *websocket.Connection, ev protocol.Event) {
	if err := conn.Send(ev); err != nil {
		h.logger.Debug("delivery failed", zap.String("user_id", conn.GetUserID()), zap.Error(err))
	}
}

// lifecycleRooms are the org room and the ward room of a session
func lifecycleRooms(s *types.WardSession) []string {
	rooms := []string{websocket.WardRoom(s.WardID)}
	if s.OrgID != "" {
		rooms = append(rooms, websocket.OrgRoom(s.OrgID))
	}
	return rooms
}

func (h *Hub) startedEvent(s *types.WardSession, conn *websocket.Connection) protocol.SessionStarted {
	return protocol.SessionStarted{
		SessionID:     s.ID,
		WardID:        s.WardID,
		WardName:      s.WardName,
		OrgID:         s.OrgID,
		StartTime:     s.StartTime.UTC().Format(time.RFC3339Nano),
		Duration:      s.Duration,
		StartedBy:     s.StartedBy,
		StartedByRole: s.StartedByRole,
		AssignedRoom:  h.sessions.AssignedRoomFor(s, conn.GetUserID(), conn.GetRole()),
	}
}

func endedEvent(s *types.WardSession) protocol.SessionEnded {
	return protocol.SessionEnded{
		SessionID: s.ID,
		WardID:    s.WardID,
		Reason:    s.EndReason,
	}
}

// GetStats returns hub and registry statistics
func (h *Hub) GetStats() map[string]interface{} {
	stats := map[string]interface{}{
		"running":       h.isRunning(),
		"command_queue": len(h.commandChannel),
		"event_queue":   len(h.eventChannel),
	}
	for k, v := range h.registry.GetStats() {
		stats[k] = v
	}
	return stats
}
