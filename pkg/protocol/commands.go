package protocol

import (
	"fmt"

	"wardsim/pkg/types"
)

// Command is the typed outbound union the client emits.
type Command interface {
	CommandName() string
}

// Authenticate is the first frame on every connection.
type Authenticate struct {
	Token string `json:"token"`
}

// JoinOrg subscribes the connection to its organisation room.
type JoinOrg struct {
	OrgID string `json:"orgId,omitempty"`
}

// JoinSession subscribes the connection to a session room.
type JoinSession struct {
	SessionID string `json:"sessionId"`
}

// JoinActiveSession subscribes to a ward room and asks for its active session.
type JoinActiveSession struct {
	WardID string `json:"wardId"`
}

// TriggerPatientUpdate asks the server to fan an update signal out to the ward.
type TriggerPatientUpdate struct {
	Signal types.UpdateSignal
}

// EndWardSessionManual asks the server to end a session. The server re-checks authority.
type EndWardSessionManual struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}

func (Authenticate) CommandName() string         { return CmdAuthenticate }
func (JoinOrg) CommandName() string              { return CmdJoinOrg }
func (JoinSession) CommandName() string          { return CmdJoinSession }
func (JoinActiveSession) CommandName() string    { return CmdJoinActiveSession }
func (TriggerPatientUpdate) CommandName() string { return CmdTriggerPatientUpdate }
func (EndWardSessionManual) CommandName() string { return CmdEndWardSessionManual }

// EncodeCommand wraps a command in an envelope.
func EncodeCommand(cmd Command) (*Envelope, error) {
	if t, ok := cmd.(TriggerPatientUpdate); ok {
		return NewEnvelope(CmdTriggerPatientUpdate, toUpdateWire(t.Signal))
	}
	return NewEnvelope(cmd.CommandName(), cmd)
}

// DecodeCommand parses a client frame on the server.
func DecodeCommand(env *Envelope) (Command, error) {
	if env == nil || env.Event == "" {
		return nil, ErrEmptyEvent
	}
	f, err := decodeFields(env.Data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", env.Event, err)
	}

	switch env.Event {
	case CmdAuthenticate:
		return Authenticate{Token: f.str("token")}, nil
	case CmdJoinOrg:
		return JoinOrg{OrgID: f.str("orgId", "org_id", "id")}, nil
	case CmdJoinSession:
		return JoinSession{SessionID: f.str("sessionId", "session_id", "id")}, nil
	case CmdJoinActiveSession:
		return JoinActiveSession{WardID: f.str("wardId", "ward_id", "id")}, nil
	case CmdTriggerPatientUpdate:
		return TriggerPatientUpdate{Signal: f.signal()}, nil
	case CmdEndWardSessionManual:
		return EndWardSessionManual{
			SessionID: f.str("sessionId", "session_id", "id"),
			Reason:    f.str("reason"),
		}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, env.Event)
	}
}
