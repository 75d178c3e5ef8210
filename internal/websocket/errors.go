package websocket

import "errors"

// Connection-related errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendTimeout      = errors.New("send buffer full")
	ErrInvalidJSON      = errors.New("invalid JSON data")
)

// Registry-related errors
var (
	ErrNilConnection              = errors.New("connection cannot be nil")
	ErrConnectionNotAuthenticated = errors.New("connection must be authenticated before registration")
	ErrRegistryClosed             = errors.New("connection registry closed")
)

// Client-facing rejection messages
const (
	msgRateLimited = "rate limit exceeded"
	msgUnavailable = "server shutting down"
)
