package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Outbound event names as they appear on the wire.
const (
	EventProjectState    = "project:state"
	EventUserJoined      = "user:joined"
	EventUserLeft        = "user:left"
	EventUsersActive     = "users:active"
	EventProjectUpdated  = "project:updated"
	EventLockGranted     = "editor:lock-granted"
	EventLockDenied      = "editor:lock-denied"
	EventEditorLocked    = "editor:locked"
	EventEditorUnlocked  = "editor:unlocked"
	EventChatMessage     = "chat:message"
	EventCursorMoved     = "cursor:moved"
	EventAnnotationAdded = "annotation:added"
	EventCommentAdded    = "comment:added"
	EventReactionAdded   = "reaction:added"
	EventError           = "error"
)

// Event is the closed set of frames the coordinator sends to connections.
// ARCHITECTURAL DISCOVERY: The unexported marker keeps the set closed to this
// package, so a type switch over Event is exhaustive by construction
type Event interface {
	EventType() string
	isEvent()
}

// Envelope is the wire frame for both directions.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Fields is a client-supplied JSON object whose keys are spread into an
// enriched event next to the server-owned userId and timestamp.
type Fields map[string]json.RawMessage

// spread copies f and stamps the server-owned keys, which always win.
func (f Fields) spread(userID string, ts time.Time) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(f)+2)
	for k, v := range f {
		out[k] = v
	}
	uid, err := json.Marshal(userID)
	if err != nil {
		return nil, err
	}
	stamp, err := json.Marshal(ts)
	if err != nil {
		return nil, err
	}
	out["userId"] = uid
	out["timestamp"] = stamp
	return out, nil
}

// ProjectStateEvent hydrates a joining participant.
type ProjectStateEvent struct {
	State *ProjectState
}

func (ProjectStateEvent) EventType() string { return EventProjectState }
func (ProjectStateEvent) isEvent()          {}

func (e ProjectStateEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.State)
}

type UserJoined struct {
	UserID    string    `json:"userId"`
	Role      string    `json:"role"`
	Timestamp time.Time `json:"timestamp"`
}

func (UserJoined) EventType() string { return EventUserJoined }
func (UserJoined) isEvent()          {}

type UserLeft struct {
	UserID    string    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}

func (UserLeft) EventType() string { return EventUserLeft }
func (UserLeft) isEvent()          {}

// UsersActive lists everyone currently in the session.
type UsersActive struct {
	Users []ParticipantInfo
}

func (UsersActive) EventType() string { return EventUsersActive }
func (UsersActive) isEvent()          {}

func (e UsersActive) MarshalJSON() ([]byte, error) {
	if e.Users == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(e.Users)
}

// ProjectUpdated relays an accepted update to the other participants.
type ProjectUpdated struct {
	UserID    string
	Timestamp time.Time
	Payload   Fields
}

func (ProjectUpdated) EventType() string { return EventProjectUpdated }
func (ProjectUpdated) isEvent()          {}

func (e ProjectUpdated) MarshalJSON() ([]byte, error) {
	out, err := e.Payload.spread(e.UserID, e.Timestamp)
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

type LockGranted struct {
	Expiry time.Time `json:"expiry"`
}

func (LockGranted) EventType() string { return EventLockGranted }
func (LockGranted) isEvent()          {}

type LockDenied struct {
	CurrentEditor string `json:"currentEditor"`
}

func (LockDenied) EventType() string { return EventLockDenied }
func (LockDenied) isEvent()          {}

type EditorLocked struct {
	UserID string `json:"userId"`
}

func (EditorLocked) EventType() string { return EventEditorLocked }
func (EditorLocked) isEvent()          {}

type EditorUnlocked struct{}

func (EditorUnlocked) EventType() string { return EventEditorUnlocked }
func (EditorUnlocked) isEvent()          {}

// ChatMessage, AnnotationAdded, CommentAdded and ReactionAdded share the
// spread-payload shape.
type ChatMessage struct {
	UserID    string
	Timestamp time.Time
	Payload   Fields
}

func (ChatMessage) EventType() string { return EventChatMessage }
func (ChatMessage) isEvent()          {}

func (e ChatMessage) MarshalJSON() ([]byte, error) {
	out, err := e.Payload.spread(e.UserID, e.Timestamp)
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

type CursorMoved struct {
	UserID    string          `json:"userId"`
	Position  json.RawMessage `json:"position"`
	Timestamp time.Time       `json:"timestamp"`
}

func (CursorMoved) EventType() string { return EventCursorMoved }
func (CursorMoved) isEvent()          {}

type AnnotationAdded struct {
	UserID    string
	Timestamp time.Time
	Payload   Fields
}

func (AnnotationAdded) EventType() string { return EventAnnotationAdded }
func (AnnotationAdded) isEvent()          {}

func (e AnnotationAdded) MarshalJSON() ([]byte, error) {
	out, err := e.Payload.spread(e.UserID, e.Timestamp)
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

type CommentAdded struct {
	UserID    string
	Timestamp time.Time
	Payload   Fields
}

func (CommentAdded) EventType() string { return EventCommentAdded }
func (CommentAdded) isEvent()          {}

func (e CommentAdded) MarshalJSON() ([]byte, error) {
	out, err := e.Payload.spread(e.UserID, e.Timestamp)
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

type ReactionAdded struct {
	UserID    string
	Timestamp time.Time
	Payload   Fields
}

func (ReactionAdded) EventType() string { return EventReactionAdded }
func (ReactionAdded) isEvent()          {}

func (e ReactionAdded) MarshalJSON() ([]byte, error) {
	out, err := e.Payload.spread(e.UserID, e.Timestamp)
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

// ErrorEvent reports a rejected request to its sender only.
type ErrorEvent struct {
	Message string `json:"message"`
}

func (ErrorEvent) EventType() string { return EventError }
func (ErrorEvent) isEvent()          {}

// Encode renders an event as a wire frame.
func Encode(ev Event) ([]byte, error) {
	if ev == nil {
		return nil, fmt.Errorf("%w: nil event", ErrMalformedEvent)
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.EventType(), err)
	}
	return json.Marshal(Envelope{Type: ev.EventType(), Data: data})
}
