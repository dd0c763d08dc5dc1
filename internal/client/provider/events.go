package provider

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"wardsim/internal/timer"
	"wardsim/internal/zone"
	"wardsim/pkg/protocol"
	"wardsim/pkg/types"
)

func (p *Provider) handleEvent(ev protocol.Event) {
	switch e := ev.(type) {
	case protocol.SessionStarted:
		p.onSessionStarted(e)
	case protocol.SessionEnded:
		p.onSessionEnded(e)
	case protocol.PatientDataChanged:
		p.onPatientData(e.Signal)
	case protocol.Connected:
		p.onConnected(e)
	case protocol.Disconnected:
		p.logger.Info("realtime channel disconnected", zap.Error(e.Err))
	case protocol.ServerError:
		p.logger.Warn("server reported an error", zap.String("code", e.Code), zap.String("message", e.Message))
	case protocol.Authenticated:
	default:
		p.logger.Debug("ignoring event", zap.String("event", fmt.Sprintf("%T", ev)))
	}
}

// FUNCTIONAL DISCOVERY: the pushed start event carries routing fields only.
// Ward, duration and assignments always come from the REST fetch.
func (p *Provider) onSessionStarted(e protocol.SessionStarted) {
	if e.SessionID == "" {
		p.logger.Warn("session started event without a session id")
		return
	}

	p.mu.Lock()
	prev := p.snap.Session
	session := &ActiveSession{
		SessionID:     e.SessionID,
		WardID:        e.WardID,
		WardName:      e.WardName,
		StartTime:     e.StartTime,
		Duration:      e.Duration,
		StartedBy:     e.StartedBy,
		StartedByRole: e.StartedByRole,
		AssignedRoom:  e.AssignedRoom,
	}
	if prev != nil && prev.SessionID == e.SessionID {
		session.PatientID = prev.PatientID
	}
	p.snap.State = Resolving
	p.snap.Session = session
	p.snap.Restored = false
	p.mu.Unlock()

	if prev != nil && prev.SessionID != e.SessionID {
		p.logger.Info("replacing active session",
			zap.String("previous_session_id", prev.SessionID),
			zap.String("session_id", e.SessionID))
		p.stopCountdown()
	}

	p.writeCache(session)
	p.channel.Emit(protocol.JoinSession{SessionID: e.SessionID})
	p.fetch(e.SessionID)
}

func (p *Provider) onSessionEnded(e protocol.SessionEnded) {
	p.mu.RLock()
	s := p.snap.Session
	p.mu.RUnlock()
	if s == nil || (e.SessionID != "" && e.SessionID != s.SessionID) {
		return
	}
	p.toIdle("session ended: " + e.Reason)
}

func (p *Provider) onConnected(e protocol.Connected) {
	p.mu.RLock()
	s := p.snap.Session
	p.mu.RUnlock()
	if s == nil {
		return
	}
	p.logger.Debug("resyncing session after connect",
		zap.String("session_id", s.SessionID), zap.Int("attempt", e.Attempt))
	p.channel.Emit(protocol.JoinSession{SessionID: s.SessionID})
	p.fetch(s.SessionID)
}

// fetch starts a REST fetch tagged with a fresh generation. Results from
// older generations are discarded by applyFetch.
func (p *Provider) fetch(sessionID string) {
	p.generation++
	gen := p.generation
	ctx := p.runCtx
	go func() {
		fctx, cancel := context.WithTimeout(ctx, p.fetchTimeout)
		defer cancel()
		detail, err := p.fetcher.FetchSession(fctx, sessionID)
		select {
		case p.results <- fetchResult{generation: gen, sessionID: sessionID, detail: detail, err: err}:
		case <-p.done:
		case <-ctx.Done():
		}
	}()
}

func (p *Provider) applyFetch(res fetchResult) {
	if res.generation != p.generation {
		p.logger.Debug("discarding stale fetch", zap.String("session_id", res.sessionID))
		return
	}
	p.mu.RLock()
	current := p.snap.Session
	p.mu.RUnlock()
	if current == nil || current.SessionID != res.sessionID {
		return
	}
	if res.err != nil {
		p.logger.Warn("session fetch failed", zap.String("session_id", res.sessionID), zap.Error(res.err))
		p.toIdle("fetch failed")
		return
	}
	detail := res.detail
	if detail == nil || !detail.Session.IsActive() {
		p.toIdle("session no longer active")
		return
	}

	s := detail.Session
	session := &ActiveSession{
		SessionID:        s.ID,
		WardID:           s.WardID,
		WardName:         s.WardName,
		Duration:         s.Duration,
		StartedBy:        s.StartedBy,
		StartedByRole:    s.StartedByRole,
		AssignedRoom:     current.AssignedRoom,
		PatientID:        current.PatientID,
		Detail:           detail,
		ActivePatientIDs: zone.ActivePatientIDs(detail.Assignments),
	}
	if session.SessionID == "" {
		session.SessionID = current.SessionID
	}
	if !s.StartTime.IsZero() {
		session.StartTime = s.StartTime.UTC().Format(time.RFC3339)
	}
	if session.WardName == "" && detail.Ward != nil {
		session.WardName = detail.Ward.Name
	}
	if session.AssignedRoom == "" {
		session.AssignedRoom = zone.AssignedRoomFor(detail.Assignments, s.StartedBy, p.viewer.UserID, p.viewer.Role)
	}

	p.mu.Lock()
	p.snap.State = Active
	p.snap.Session = session
	p.snap.Restored = false
	p.snap.Zone = zone.ResolveViewer(p.viewer.Role, session.AssignedRoom, detail.Assignments)
	p.mu.Unlock()

	p.logger.Info("session active",
		zap.String("session_id", session.SessionID),
		zap.String("ward_id", session.WardID),
		zap.String("assigned_room", session.AssignedRoom))

	p.writeCache(session)
	p.stopCountdown()
	p.startCountdown(session)
}

// toIdle drops the session, its timer and the cache slot
func (p *Provider) toIdle(why string) {
	p.generation++
	p.stopCountdown()

	p.mu.Lock()
	prev := p.snap.Session
	p.snap.State = Idle
	p.snap.Session = nil
	p.snap.Restored = false
	p.snap.Zone = zone.ViewerZone{}
	p.snap.Timer = timer.NotStarted
	p.mu.Unlock()

	if prev != nil {
		p.logger.Info("session cleared", zap.String("session_id", prev.SessionID), zap.String("reason", why))
	}
	p.clearCache()
}

// startCountdown must not be called with mu held: Start ticks synchronously
func (p *Provider) startCountdown(s *ActiveSession) {
	sessionID := s.SessionID
	p.countdown = timer.NewCountdown(p.clock, s.StartTime, s.Duration,
		timer.WithInterval(p.tickInterval),
		timer.OnTick(func(d timer.Display) {
			p.mu.Lock()
			current := p.snap.Session != nil && p.snap.Session.SessionID == sessionID
			if current {
				p.snap.Timer = d
			}
			p.mu.Unlock()
			if current {
				p.publish()
			}
		}),
		timer.OnExpire(func() {
			// may run on the loop itself via Start; hand off to avoid
			// blocking on our own queue
			go func() {
				_ = p.post(context.Background(), func() { p.onExpired(sessionID) })
			}()
		}),
	)
	p.countdown.Start()
}

func (p *Provider) stopCountdown() {
	if p.countdown != nil {
		p.countdown.Stop()
		p.countdown = nil
	}
}

// onExpired ends the session locally. Only a viewer allowed to end it asks
// the server to do so.
func (p *Provider) onExpired(sessionID string) {
	p.mu.RLock()
	s := p.snap.Session
	p.mu.RUnlock()
	if s == nil || s.SessionID != sessionID {
		return
	}
	if zone.CanEndSession(p.viewer.Role, s.StartedBy, p.viewer.UserID) {
		if !p.channel.Emit(protocol.EndWardSessionManual{SessionID: sessionID, Reason: types.EndReasonExpired}) {
			p.logger.Warn("could not send end request for expired session", zap.String("session_id", sessionID))
		}
	}
	p.toIdle(types.EndReasonExpired)
}
