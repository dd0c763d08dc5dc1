// Package protocol defines the realtime wire format shared by the server and
// the client SDK: a {"event","data"} envelope, the bit-exact event names of
// both realtime namespaces, and typed event/command unions.
package protocol

import (
	"encoding/json"
	"errors"
)

// Server to client, global namespace
const (
	EventSessionStarted = "session:started"
	EventSessionEnded   = "session:ended"
)

// Server to client, ward namespace
const (
	EventStartWardSession   = "start_ward_session"
	EventEndWardSession     = "end_ward_session"
	EventPatientDataUpdated = "patient_data_updated"
)

// Server to client, both namespaces
const (
	EventAuthenticated = "authenticated"
	EventError         = "error"
)

// Client to server
const (
	CmdAuthenticate         = "authenticate"
	CmdJoinOrg              = "joinOrg"
	CmdJoinSession          = "joinSession"
	CmdJoinActiveSession    = "join_active_session"
	CmdTriggerPatientUpdate = "trigger_patient_update"
	CmdEndWardSessionManual = "end_ward_session_manual"
)

// Namespace selects which family of lifecycle event names a connection receives.
type Namespace string

const (
	NamespaceGlobal Namespace = "global"
	NamespaceWard   Namespace = "ward"
)

var (
	ErrEmptyEvent   = errors.New("envelope has no event name")
	ErrUnknownEvent = errors.New("unknown event")
	ErrBadPayload   = errors.New("malformed event payload")
)

// Envelope is the frame written on the socket in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into an envelope.
func NewEnvelope(event string, data interface{}) (*Envelope, error) {
	env := &Envelope{Event: event}
	if data == nil {
		return env, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	env.Data = raw
	return env, nil
}

// StartedEventName is the session-started name used on namespace ns.
func StartedEventName(ns Namespace) string {
	if ns == NamespaceWard {
		return EventStartWardSession
	}
	return EventSessionStarted
}

// EndedEventName is the session-ended name used on namespace ns.
func EndedEventName(ns Namespace) string {
	if ns == NamespaceWard {
		return EventEndWardSession
	}
	return EventSessionEnded
}

// ParseNamespace maps a path or query value onto a namespace, defaulting to global.
func ParseNamespace(v string) Namespace {
	switch v {
	case "ward", "/ward", "/ws/ward":
		return NamespaceWard
	default:
		return NamespaceGlobal
	}
}
