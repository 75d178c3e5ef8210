package interfaces

import (
	"context"
	"encoding/json"

	"storyboard/pkg/types"
)

// ProjectStore is the persistence collaborator that owns durable project
// documents and the durable change log.
type ProjectStore interface {
	// GetProjectState returns the stored snapshot, or ErrProjectNotFound.
	GetProjectState(ctx context.Context, projectID string) (*types.ProjectState, error)

	// SaveProjectState upserts the snapshot.
	SaveProjectState(ctx context.Context, state *types.ProjectState) error

	// AppendChanges durably appends change records in order.
	AppendChanges(ctx context.Context, projectID string, records []types.ChangeRecord) error

	// ListChanges returns the newest limit records, oldest first.
	ListChanges(ctx context.Context, projectID string, limit int) ([]types.ChangeRecord, error)

	HealthCheck(ctx context.Context) error
	Close() error
}

// Notifier is the notification collaborator. Calls are fire-and-forget from
// the coordinator's point of view.
type Notifier interface {
	NotifyNewMessage(ctx context.Context, projectID string, message json.RawMessage) error
	NotifyNewComment(ctx context.Context, projectID string, comment json.RawMessage) error
}
