package interfaces

import "errors"

// Common interface errors used across components
var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrWardNotFound        = errors.New("ward not found")
	ErrActiveSessionExists = errors.New("ward already has an active session")
	ErrUnauthorized        = errors.New("unauthorized access")
)
