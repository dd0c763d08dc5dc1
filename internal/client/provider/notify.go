package provider

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"wardsim/pkg/types"
)

// Notification is the transient banner raised by another user's update
type Notification struct {
	ID        string
	Message   string
	Link      string
	Signal    types.UpdateSignal
	ExpiresAt time.Time
}

func (p *Provider) onPatientData(signal types.UpdateSignal) {
	p.mu.Lock()
	s := p.snap.Session
	if s == nil || (signal.SessionID != "" && signal.SessionID != s.SessionID) {
		p.mu.Unlock()
		return
	}
	sig := signal
	p.snap.LastUpdate = &sig
	view := p.snap.Zone
	// a zone restored from cache has no patient list yet
	resolved := s.Detail != nil
	p.mu.Unlock()

	if signal.PerformedBy != "" && signal.PerformedBy == p.viewer.UserID {
		return
	}
	if resolved && !view.Allows(signal.PatientID) {
		return
	}
	p.raiseNotification(signal)
}

func (p *Provider) raiseNotification(signal types.UpdateSignal) {
	if p.notifyTimer != nil {
		p.notifyTimer.Stop()
	}
	n := &Notification{
		ID:        uuid.NewString(),
		Message:   NotificationMessage(signal),
		Link:      DeepLink(p.viewer.Role, signal),
		Signal:    signal,
		ExpiresAt: p.clock.Now().Add(NotificationTTL),
	}
	id := n.ID
	p.notifyTimer = p.clock.AfterFunc(NotificationTTL, func() {
		go func() {
			_ = p.post(p.runCtx, func() { p.clearNotification(id) })
		}()
	})

	p.mu.Lock()
	p.snap.Notification = n
	p.mu.Unlock()
	p.logger.Debug("notification raised", zap.String("patient_id", signal.PatientID), zap.String("link", n.Link))
}

// clearNotification removes the banner if it is still id. An empty id
// removes whatever is showing.
func (p *Provider) clearNotification(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.snap.Notification == nil || (id != "" && p.snap.Notification.ID != id) {
		return
	}
	p.snap.Notification = nil
	if p.notifyTimer != nil {
		p.notifyTimer.Stop()
		p.notifyTimer = nil
	}
}

// NotificationMessage renders "<who> <action> <category> for patient <id>"
func NotificationMessage(s types.UpdateSignal) string {
	who := s.PerformedByName
	if who == "" {
		who = s.PerformedBy
	}
	if who == "" {
		who = "Someone"
	}
	category := s.Category
	if category == "" {
		category = "data"
	}
	return fmt.Sprintf("%s %s %s for patient %s", who, s.Action, category, s.PatientID)
}

// DeepLink points a notification at the screen for its patient. Faculty
// seeing an investigation request go to the request itself.
func DeepLink(role string, s types.UpdateSignal) string {
	r := types.NormalizeRole(role)
	if r == types.RoleFaculty && strings.EqualFold(s.Category, types.CategoryInvestigation) && s.Action == types.ActionRequested {
		target := s.RequestID
		if target == "" {
			target = s.PatientID
		}
		return "/faculty/investigation-requests/" + url.PathEscape(target)
	}
	if r == "" {
		return "/patients/" + url.PathEscape(s.PatientID)
	}
	return "/" + r + "/patients/" + url.PathEscape(s.PatientID)
}

// SessionRoutePrefix is the path every ward-session screen lives under
const SessionRoutePrefix = "/ward-session/"

// RouteDecision is the outcome of GuardRoute
type RouteDecision struct {
	Allow    bool
	Redirect string
}

// GuardRoute keeps the viewer on the session they belong to. Session routes
// without a session go home; a route for another session is redirected to
// the current one. Other routes pass through.
func (p *Provider) GuardRoute(path string) RouteDecision {
	if !strings.HasPrefix(path, SessionRoutePrefix) {
		return RouteDecision{Allow: true}
	}
	requested := strings.TrimPrefix(path, SessionRoutePrefix)
	if i := strings.IndexByte(requested, '/'); i >= 0 {
		requested = requested[:i]
	}

	s := p.Snapshot().Session
	if s == nil {
		return RouteDecision{Redirect: RoleHome(p.viewer.Role)}
	}
	if requested != s.SessionID {
		return RouteDecision{Redirect: SessionRoutePrefix + url.PathEscape(s.SessionID)}
	}
	return RouteDecision{Allow: true}
}

// RoleHome is the landing page for role
func RoleHome(role string) string {
	switch r := types.NormalizeRole(role); {
	case types.IsAdministrativeRole(r):
		return "/admin/dashboard"
	case r == types.RoleFaculty:
		return "/faculty/dashboard"
	case r == types.RoleStudent:
		return "/student/dashboard"
	default:
		return "/dashboard"
	}
}
