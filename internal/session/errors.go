package session

import "errors"

// Session lifecycle errors
var (
	ErrSessionAlreadyActive = errors.New("ward already has an active session")
	ErrSessionAlreadyEnded  = errors.New("session is already ended")
	ErrNotAuthorized        = errors.New("not authorized for this session action")
	ErrOrgMismatch          = errors.New("ward belongs to another organisation")
)
