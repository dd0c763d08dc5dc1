package hub

import "errors"

// Hub-specific error types
var (
	ErrHubAlreadyRunning  = errors.New("hub is already running")
	ErrHubNotRunning      = errors.New("hub is not running")
	ErrCommandChannelFull = errors.New("command channel is full")
	ErrEventChannelFull   = errors.New("event channel is full")
	ErrRateLimited        = errors.New("too many patient updates")
	ErrForeignOrg         = errors.New("room belongs to another organisation")
	ErrMissingWard        = errors.New("patient update needs a ward or session")
	ErrWardMismatch       = errors.New("session does not belong to that ward")
)
