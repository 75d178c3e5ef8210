package types

import "errors"

// ARCHITECTURAL DISCOVERY: Specific error types enable proper error handling
// and user-friendly error messages throughout the system
var (
	ErrInvalidUserID      = errors.New("user ID must be 1-64 characters, alphanumeric + underscore/hyphen/dot only")
	ErrInvalidProjectID   = errors.New("project ID must be 1-64 characters, alphanumeric + underscore/hyphen/dot only")
	ErrInvalidRole        = errors.New("role must be 1-32 characters, alphanumeric + underscore/hyphen")
	ErrUnknownCapability  = errors.New("unknown capability")
	ErrUnknownEventType   = errors.New("unknown event type")
	ErrMalformedEvent     = errors.New("malformed event")
	ErrPayloadTooLarge    = errors.New("event payload exceeds 256KB limit")
	ErrPayloadNotAnObject = errors.New("event payload must be a JSON object")
)
