package websocket

import "errors"

// Connection-related errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrWriteTimeout     = errors.New("write timeout after 5 seconds")
	ErrInvalidJSON      = errors.New("invalid JSON data")
)

// Registry-related errors
var (
	ErrNilConnection              = errors.New("connection cannot be nil")
	ErrConnectionNotAuthenticated = errors.New("connection must be authenticated before registration")
	ErrNotRegistered              = errors.New("connection is not the user's registered connection")
	ErrInvalidRoom                = errors.New("invalid room name")
)

// Handler-related errors
var (
	ErrHandshakeTimeout  = errors.New("no authenticate frame before the handshake timeout")
	ErrExpectedHandshake = errors.New("first frame must be authenticate")
)
