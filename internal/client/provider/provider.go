// Package provider is the single process-wide holder of the viewer's active
// ward session. It reconciles pushed events with REST fetches and the local
// cache slot, and derives the viewer's zone from the session assignments.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"wardsim/internal/client/cache"
	"wardsim/internal/timer"
	"wardsim/internal/zone"
	"wardsim/pkg/protocol"
	"wardsim/pkg/types"
)

var (
	ErrNoActiveSession = errors.New("no active session")
	ErrNotAuthorized   = errors.New("viewer may not end this session")
	ErrNotConnected    = errors.New("realtime channel is not connected")
	ErrClosed          = errors.New("provider is closed")
)

// State of the provider
type State int

const (
	Idle State = iota
	Resolving
	Active
)

func (s State) String() string {
	switch s {
	case Resolving:
		return "resolving"
	case Active:
		return "active"
	default:
		return "idle"
	}
}

// Channel is the realtime surface the provider owns
type Channel interface {
	Events() <-chan protocol.Event
	Emit(cmd protocol.Command) bool
}

// Fetcher loads the authoritative session detail
type Fetcher interface {
	FetchSession(ctx context.Context, sessionID string) (*types.SessionDetail, error)
}

// Viewer is the logged-in user the provider resolves zones for
type Viewer struct {
	UserID string
	Role   string
	Email  string
	OrgID  string
}

// CachedSession is the JSON stored in the cache slot
type CachedSession struct {
	SessionID     string         `json:"session_id"`
	PatientID     string         `json:"patient_id,omitempty"`
	WardID        string         `json:"ward_id,omitempty"`
	AssignedRoom  string         `json:"assigned_room,omitempty"`
	StartTime     string         `json:"start_time,omitempty"`
	Duration      types.Duration `json:"duration"`
	StartedBy     string         `json:"started_by,omitempty"`
	StartedByRole string         `json:"started_by_role,omitempty"`
}

// ActiveSession is the provider's descriptor of the current session
type ActiveSession struct {
	SessionID     string
	WardID        string
	WardName      string
	StartTime     string
	Duration      types.Duration
	StartedBy     string
	StartedByRole string
	AssignedRoom  string
	// PatientID is the patient the viewer last opened, kept for refresh
	PatientID string
	// Detail is nil until the REST fetch succeeds
	Detail *types.SessionDetail
	// ActivePatientIDs is the union across all zones
	ActivePatientIDs []string
}

// Snapshot is a consistent read of the provider
type Snapshot struct {
	State        State
	Session      *ActiveSession
	Zone         zone.ViewerZone
	LastUpdate   *types.UpdateSignal
	Notification *Notification
	Timer        timer.Display
	// Restored is true while the session comes only from the cache slot
	Restored bool
}

// Option configures a Provider
type Option func(*Provider)

func WithClock(c timer.Clock) Option {
	return func(p *Provider) { p.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(p *Provider) {
		if l != nil {
			p.logger = l.Named("provider")
		}
	}
}

func WithStore(s cache.Store) Option {
	return func(p *Provider) { p.store = s }
}

func WithFetchTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.fetchTimeout = d
		}
	}
}

func WithTickInterval(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.tickInterval = d
		}
	}
}

// NotificationTTL is how long a patient update notification stays up
const NotificationTTL = 5 * time.Second

// Provider serializes every state change on the goroutine running Run.
// Readers take snapshots under mu.
type Provider struct {
	viewer  Viewer
	channel Channel
	fetcher Fetcher
	store   cache.Store
	clock   timer.Clock
	logger  *zap.Logger

	fetchTimeout time.Duration
	tickInterval time.Duration

	commands chan func()
	results  chan fetchResult
	done     chan struct{}
	runCtx   context.Context

	// loop-owned
	generation  uint64
	countdown   *timer.Countdown
	notifyTimer timer.Stopper

	mu          sync.RWMutex
	snap        Snapshot
	subscribers []chan Snapshot
	running     atomic.Bool
	closeOnce   sync.Once
}

type fetchResult struct {
	generation uint64
	sessionID  string
	detail     *types.SessionDetail
	err        error
}

// New builds the provider and restores any cached session before returning,
// so the first Snapshot already reflects it.
func New(viewer Viewer, ch Channel, fetcher Fetcher, opts ...Option) *Provider {
	viewer.Role = types.NormalizeRole(viewer.Role)
	p := &Provider{
		viewer:       viewer,
		channel:      ch,
		fetcher:      fetcher,
		store:        cache.NewMemoryStore(),
		clock:        timer.RealClock{},
		logger:       zap.NewNop(),
		fetchTimeout: 10 * time.Second,
		tickInterval: timer.DefaultTickInterval,
		commands:     make(chan func(), 64),
		results:      make(chan fetchResult, 8),
		done:         make(chan struct{}),
		runCtx:       context.Background(),
		snap:         Snapshot{State: Idle, Timer: timer.NotStarted},
	}
	for _, opt := range opts {
		opt(p)
	}
	p.restore()
	return p
}

// restore loads the cache slot. It never touches the network.
func (p *Provider) restore() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	raw, err := p.store.Get(ctx, p.cacheKey())
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			p.logger.Warn("failed to read session cache", zap.Error(err))
		}
		return
	}
	var cached CachedSession
	if err := json.Unmarshal([]byte(raw), &cached); err != nil || cached.SessionID == "" {
		p.logger.Warn("discarding unreadable session cache", zap.Error(err))
		_ = p.store.Delete(ctx, p.cacheKey())
		return
	}

	session := &ActiveSession{
		SessionID:     cached.SessionID,
		PatientID:     cached.PatientID,
		WardID:        cached.WardID,
		AssignedRoom:  cached.AssignedRoom,
		StartTime:     cached.StartTime,
		Duration:      cached.Duration,
		StartedBy:     cached.StartedBy,
		StartedByRole: cached.StartedByRole,
	}
	p.mu.Lock()
	p.snap.State = Active
	p.snap.Session = session
	p.snap.Restored = true
	p.snap.Zone = zone.ResolveViewer(p.viewer.Role, session.AssignedRoom, types.NewAssignmentMap())
	p.mu.Unlock()

	p.logger.Info("restored session from cache", zap.String("session_id", session.SessionID))
	p.startCountdown(session)
}

func (p *Provider) cacheKey() string {
	return cache.Key(p.viewer.UserID)
}

// Run is the event loop. It returns when ctx ends and closes the provider.
func (p *Provider) Run(ctx context.Context) error {
	p.runCtx = ctx
	p.running.Store(true)
	defer func() {
		p.stopTimers()
		p.Close()
	}()

	// a restored session is confirmed over REST even if the channel never connects
	p.mu.RLock()
	restored := p.snap.Restored && p.snap.Session != nil
	var sessionID string
	if restored {
		sessionID = p.snap.Session.SessionID
	}
	p.mu.RUnlock()
	if restored {
		p.fetch(sessionID)
	}

	events := p.channel.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.done:
			return ErrClosed
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			p.safely("event", func() { p.handleEvent(ev) })
		case res := <-p.results:
			p.safely("fetch", func() { p.applyFetch(res) })
		case cmd := <-p.commands:
			p.safely("command", cmd)
		}
		p.publish()
	}
}

// safely runs f and logs a panic instead of letting it kill the loop
func (p *Provider) safely(what string, f func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("recovered panic in provider loop", zap.String("handler", what), zap.Any("panic", r))
		}
	}()
	f()
}

// post runs f on the loop
func (p *Provider) post(ctx context.Context, f func()) error {
	select {
	case p.commands <- f:
		return nil
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops timers and closes subscriber channels. Safe to call twice.
func (p *Provider) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		if !p.running.Load() {
			// timers are loop-owned once Run has started
			p.stopTimers()
		}
		p.mu.Lock()
		for _, ch := range p.subscribers {
			close(ch)
		}
		p.subscribers = nil
		p.mu.Unlock()
	})
}

func (p *Provider) stopTimers() {
	p.stopCountdown()
	if p.notifyTimer != nil {
		p.notifyTimer.Stop()
		p.notifyTimer = nil
	}
}

// Snapshot returns a copy of the current state
func (p *Provider) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snap
}

// Subscribe returns a channel that always holds the latest snapshot. It is
// closed when the provider closes.
func (p *Provider) Subscribe() <-chan Snapshot {
	ch := make(chan Snapshot, 1)
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.done:
		close(ch)
		return ch
	default:
	}
	ch <- p.snap
	p.subscribers = append(p.subscribers, ch)
	return ch
}

func (p *Provider) publish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.subscribers {
		select {
		case <-ch:
		default:
		}
		ch <- p.snap
	}
}

// IsActive reports whether a session is active, including one restored
// from the cache and not yet confirmed
func (p *Provider) IsActive() bool {
	return p.Snapshot().State == Active
}

// ZoneOf returns the zone key holding patientID in the active session
func (p *Provider) ZoneOf(patientID string) (int, bool) {
	s := p.Snapshot().Session
	if s == nil || s.Detail == nil {
		return 0, false
	}
	return s.Detail.Assignments.ZoneOf(patientID)
}

// AllowedPatientIDs returns the viewer's patients. all is true when the
// viewer is unrestricted and no filtering applies.
func (p *Provider) AllowedPatientIDs() (ids []string, all bool) {
	snap := p.Snapshot()
	if snap.Session == nil {
		return nil, false
	}
	if !snap.Zone.Restricted {
		return nil, true
	}
	return append([]string(nil), snap.Zone.AllowedPatientIDs...), false
}

// LastUpdate is the most recent patient update signal
func (p *Provider) LastUpdate() *types.UpdateSignal {
	return p.Snapshot().LastUpdate
}

// Viewer returns who the provider resolves for
func (p *Provider) Viewer() Viewer {
	return p.viewer
}

// CanEnd reports whether the end control applies to the viewer
func (p *Provider) CanEnd() bool {
	s := p.Snapshot().Session
	return s != nil && zone.CanEndSession(p.viewer.Role, s.StartedBy, p.viewer.UserID)
}

// TriggerPatientUpdate emits an update signal for the active session.
// Missing session and ward ids are filled in.
func (p *Provider) TriggerPatientUpdate(signal types.UpdateSignal) error {
	s := p.Snapshot().Session
	if s == nil {
		return ErrNoActiveSession
	}
	if signal.SessionID == "" {
		signal.SessionID = s.SessionID
	}
	if signal.WardID == "" {
		signal.WardID = s.WardID
	}
	if signal.PerformedBy == "" {
		signal.PerformedBy = p.viewer.UserID
	}
	if !p.channel.Emit(protocol.TriggerPatientUpdate{Signal: signal}) {
		return ErrNotConnected
	}
	return nil
}

// EndSession asks the server to end the active session and drops to Idle
// locally. The role check is a UI gate; the server re-validates.
func (p *Provider) EndSession(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := p.post(ctx, func() { reply <- p.endSession() }); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Provider) endSession() error {
	p.mu.RLock()
	s := p.snap.Session
	p.mu.RUnlock()
	if s == nil {
		return ErrNoActiveSession
	}
	if !zone.CanEndSession(p.viewer.Role, s.StartedBy, p.viewer.UserID) {
		return ErrNotAuthorized
	}
	sent := p.channel.Emit(protocol.EndWardSessionManual{SessionID: s.SessionID})
	p.toIdle("ended by viewer")
	if !sent {
		return fmt.Errorf("%w: end request for %s was not sent", ErrNotConnected, s.SessionID)
	}
	return nil
}

// SetCurrentPatient records the patient the viewer opened in the cache slot
func (p *Provider) SetCurrentPatient(ctx context.Context, patientID string) error {
	return p.post(ctx, func() {
		p.mu.Lock()
		s := p.snap.Session
		if s == nil {
			p.mu.Unlock()
			return
		}
		updated := *s
		updated.PatientID = patientID
		p.snap.Session = &updated
		p.mu.Unlock()
		p.writeCache(&updated)
	})
}

// Dismiss removes the current notification
func (p *Provider) Dismiss(ctx context.Context) error {
	return p.post(ctx, func() { p.clearNotification("") })
}

func (p *Provider) writeCache(s *ActiveSession) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	data, err := json.Marshal(CachedSession{
		SessionID:     s.SessionID,
		PatientID:     s.PatientID,
		WardID:        s.WardID,
		AssignedRoom:  s.AssignedRoom,
		StartTime:     s.StartTime,
		Duration:      s.Duration,
		StartedBy:     s.StartedBy,
		StartedByRole: s.StartedByRole,
	})
	if err != nil {
		p.logger.Warn("failed to encode session cache", zap.Error(err))
		return
	}
	if err := p.store.Set(ctx, p.cacheKey(), string(data)); err != nil {
		p.logger.Warn("failed to write session cache", zap.Error(err))
	}
}

func (p *Provider) clearCache() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.store.Delete(ctx, p.cacheKey()); err != nil {
		p.logger.Warn("failed to clear session cache", zap.Error(err))
	}
}
