package types

import "errors"

var (
	ErrInvalidUserID    = errors.New("user ID must be 1-64 characters, alphanumeric + underscore/hyphen only")
	ErrInvalidWardID    = errors.New("ward ID must be 1-64 characters, alphanumeric + underscore/hyphen only")
	ErrInvalidWardName  = errors.New("ward name must be 1-200 characters")
	ErrInvalidDuration  = errors.New("duration must be a positive number of minutes or \"unlimited\"")
	ErrInvalidRole      = errors.New("invalid role")
	ErrInvalidCategory  = errors.New("update category must be 1-50 characters")
	ErrInvalidAction    = errors.New("update action must be added, updated, deleted or requested")
	ErrMissingPatientID = errors.New("patient ID is required")
)
