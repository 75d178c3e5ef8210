package types

import (
	"encoding/json"
	"time"
)

// ProjectState is the last known full project document used to hydrate a
// newly joined participant.
// ARCHITECTURAL DISCOVERY: Data stays opaque JSON so the coordinator never
// needs to understand the timeline model it is shipping around
type ProjectState struct {
	ProjectID string          `json:"projectId"`
	Version   int64           `json:"version"`
	Data      json.RawMessage `json:"data,omitempty"`
	UpdatedBy string          `json:"updatedBy,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// EmptyState is the snapshot handed out for a project nobody has saved yet.
func EmptyState(projectID string) *ProjectState {
	return &ProjectState{
		ProjectID: projectID,
		Data:      json.RawMessage(`{}`),
	}
}

// ChangeRecord is one accepted update in a session's append-only log.
type ChangeRecord struct {
	ID        string          `json:"id"`
	ProjectID string          `json:"projectId"`
	AuthorID  string          `json:"authorId"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// ParticipantInfo is the public view of a participant, as sent in users:active.
type ParticipantInfo struct {
	ID           string    `json:"id"`
	Role         string    `json:"role"`
	LastActivity time.Time `json:"lastActivity"`
}

// LeaseState is the exclusive-edit lease of one session.
// FUNCTIONAL DISCOVERY: Holder set implies Expiry set; an expired lease keeps
// its holder until somebody else is granted it (soft expiry)
type LeaseState struct {
	Holder string     `json:"holder,omitempty"`
	Expiry *time.Time `json:"expiry,omitempty"`
}

// Held reports whether a holder is recorded, expired or not.
func (l LeaseState) Held() bool {
	return l.Holder != ""
}

// ActiveAt reports whether the lease is held and not yet expired at now.
func (l LeaseState) ActiveAt(now time.Time) bool {
	return l.Held() && l.Expiry != nil && !now.After(*l.Expiry)
}
