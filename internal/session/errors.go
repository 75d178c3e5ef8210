package session

import "errors"

var (
	ErrRegistryClosed = errors.New("session registry is closed")
	ErrNotParticipant = errors.New("user has not joined this session")
	ErrNilConnection  = errors.New("connection cannot be nil")

	// ErrStateUnavailable means the project snapshot could not be loaded.
	// The failure is not remembered, so the next read retries.
	ErrStateUnavailable = errors.New("project state is temporarily unavailable")
)

// Messages sent to a sender in an error event.
const (
	msgNoEditPermission = "No edit permission"
	msgLockedByOther    = "Project is being edited by another user"
	msgNoChatPermission = "No chat permission"
	msgNoCommentPerm    = "No comment permission"
	msgStateUnavailable = "Project state is temporarily unavailable, try again shortly"
)
