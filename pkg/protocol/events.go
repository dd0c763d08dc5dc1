package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"wardsim/pkg/types"
)

// Event is the typed inbound union delivered to the session context provider.
type Event interface {
	isEvent()
}

// SessionStarted is decoded from both session:started and start_ward_session.
// Only the routing fields are trusted; the provider re-fetches the rest.
type SessionStarted struct {
	SessionID     string         `json:"sessionId"`
	WardID        string         `json:"wardId,omitempty"`
	WardName      string         `json:"wardName,omitempty"`
	OrgID         string         `json:"orgId,omitempty"`
	StartTime     string         `json:"startTime,omitempty"`
	Duration      types.Duration `json:"duration"`
	StartedBy     string         `json:"startedBy"`
	StartedByRole string         `json:"startedByRole"`
	AssignedRoom  string         `json:"assignedRoom"`
}

// SessionEnded is decoded from both session:ended and end_ward_session.
type SessionEnded struct {
	SessionID string `json:"sessionId"`
	WardID    string `json:"wardId,omitempty"`
	EndedBy   string `json:"endedBy,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// PatientDataChanged carries a non-authoritative update signal.
type PatientDataChanged struct {
	Signal types.UpdateSignal
}

// Authenticated acknowledges the handshake.
type Authenticated struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
	OrgID  string `json:"orgId,omitempty"`
}

// ServerError is an error frame sent by the server.
type ServerError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Connected is raised locally by the client channel after a (re)connect.
type Connected struct {
	Attempt int
}

// Disconnected is raised locally by the client channel when the transport drops.
type Disconnected struct {
	Err error
}

func (SessionStarted) isEvent()     {}
func (SessionEnded) isEvent()       {}
func (PatientDataChanged) isEvent() {}
func (Authenticated) isEvent()      {}
func (ServerError) isEvent()        {}
func (Connected) isEvent()          {}
func (Disconnected) isEvent()       {}

// updateWire is the camelCase form of an update signal on the socket.
type updateWire struct {
	PatientID       string `json:"patientId"`
	WardID          string `json:"wardId,omitempty"`
	SessionID       string `json:"sessionId,omitempty"`
	Category        string `json:"category"`
	Action          string `json:"action"`
	PerformedBy     string `json:"performedBy,omitempty"`
	PerformedByName string `json:"performedByName,omitempty"`
	RequestID       string `json:"requestId,omitempty"`
	Timestamp       string `json:"timestamp,omitempty"`
}

func toUpdateWire(s types.UpdateSignal) updateWire {
	w := updateWire{
		PatientID:       s.PatientID,
		WardID:          s.WardID,
		SessionID:       s.SessionID,
		Category:        s.Category,
		Action:          s.Action,
		PerformedBy:     s.PerformedBy,
		PerformedByName: s.PerformedByName,
		RequestID:       s.RequestID,
	}
	if !s.Timestamp.IsZero() {
		w.Timestamp = s.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	return w
}

// Decode turns a server frame into a typed event. Lifecycle events from
// either namespace decode to the same type.
func Decode(env *Envelope) (Event, error) {
	if env == nil || env.Event == "" {
		return nil, ErrEmptyEvent
	}
	f, err := decodeFields(env.Data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", env.Event, err)
	}

	switch env.Event {
	case EventSessionStarted, EventStartWardSession:
		return decodeStarted(f)
	case EventSessionEnded, EventEndWardSession:
		s := f.merged("session")
		return SessionEnded{
			SessionID: s.str("sessionId", "session_id", "id"),
			WardID:    s.str("wardId", "ward_id"),
			EndedBy:   s.str("endedBy", "ended_by"),
			Reason:    s.str("reason", "end_reason"),
		}, nil
	case EventPatientDataUpdated:
		return PatientDataChanged{Signal: f.signal()}, nil
	case EventAuthenticated:
		return Authenticated{
			UserID: f.str("userId", "user_id"),
			Role:   types.NormalizeRole(f.str("role")),
			OrgID:  f.str("orgId", "org_id"),
		}, nil
	case EventError:
		return ServerError{Code: f.str("code", "error"), Message: f.str("message")}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, env.Event)
	}
}

func decodeStarted(f fields) (Event, error) {
	s := f.merged("session")
	ev := SessionStarted{
		SessionID:     s.str("sessionId", "session_id", "id"),
		WardID:        s.str("wardId", "ward_id"),
		WardName:      s.str("wardName", "ward_name"),
		OrgID:         s.str("orgId", "org_id"),
		StartTime:     s.str("startTime", "start_time"),
		StartedBy:     s.str("startedBy", "started_by"),
		StartedByRole: types.NormalizeRole(s.str("startedByRole", "started_by_role")),
		AssignedRoom:  s.str("assignedRoom", "assigned_room"),
	}
	if ev.SessionID == "" {
		return nil, fmt.Errorf("%w: session-started without session id", ErrBadPayload)
	}
	if d, err := types.ParseDuration(s["duration"]); err == nil {
		ev.Duration = d
	}
	if ev.AssignedRoom == "" {
		ev.AssignedRoom = types.AllZones
	}
	return ev, nil
}

// EncodeEvent renders a server event for a connection on namespace ns.
func EncodeEvent(ev Event, ns Namespace) (*Envelope, error) {
	switch e := ev.(type) {
	case SessionStarted:
		return NewEnvelope(StartedEventName(ns), e)
	case SessionEnded:
		return NewEnvelope(EndedEventName(ns), e)
	case PatientDataChanged:
		return NewEnvelope(EventPatientDataUpdated, toUpdateWire(e.Signal))
	case Authenticated:
		return NewEnvelope(EventAuthenticated, e)
	case ServerError:
		return NewEnvelope(EventError, e)
	default:
		return nil, fmt.Errorf("%w: %T is not sent over the wire", ErrUnknownEvent, ev)
	}
}

// fields is a leniently decoded JSON object. Ids may arrive as strings or numbers.
type fields map[string]any

func decodeFields(raw json.RawMessage) (fields, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return fields{}, nil
	}
	var m map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if m == nil {
		m = map[string]any{}
	}
	return fields(m), nil
}

func (f fields) str(keys ...string) string {
	for _, k := range keys {
		switch v := f[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case json.Number:
			return v.String()
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			return strconv.FormatBool(v)
		}
	}
	return ""
}

// merged overlays the top-level keys on a nested object such as {"session": {...}}.
func (f fields) merged(key string) fields {
	nested, ok := f[key].(map[string]any)
	if !ok {
		return f
	}
	out := make(fields, len(nested)+len(f))
	for k, v := range nested {
		out[k] = v
	}
	for k, v := range f {
		if k != key {
			out[k] = v
		}
	}
	return out
}

func (f fields) signal() types.UpdateSignal {
	s := types.UpdateSignal{
		PatientID:       f.str("patientId", "patient_id"),
		WardID:          f.str("wardId", "ward_id"),
		SessionID:       f.str("sessionId", "session_id"),
		Category:        f.str("category"),
		Action:          strings.ToLower(f.str("action")),
		PerformedBy:     f.str("performedBy", "performed_by"),
		PerformedByName: f.str("performedByName", "performed_by_name"),
		RequestID:       f.str("requestId", "request_id"),
	}
	if ts := f.str("timestamp"); ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			s.Timestamp = t
		}
	}
	return s
}
