package auth

import "errors"

var (
	ErrMissingToken   = errors.New("missing bearer token")
	ErrInvalidToken   = errors.New("invalid token")
	ErrMissingSubject = errors.New("token does not carry a user id")
	ErrEmptySecret    = errors.New("signing secret is empty")
	ErrNoIdentity     = errors.New("no authenticated identity in context")
)
