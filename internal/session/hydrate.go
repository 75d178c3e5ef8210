package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"storyboard/internal/logging"
	"storyboard/pkg/interfaces"
	"storyboard/pkg/types"
)

func stateKey(projectID string) string   { return "state:" + projectID }
func versionKey(projectID string) string { return "version:" + projectID }
func changesKey(projectID string) string { return "changes:" + projectID }

type loaded struct {
	state   *types.ProjectState
	changes []types.ChangeRecord
}

// load reads a project's snapshot and recent changes from the cache,
// falling back to the store. Concurrent loads of one project share a
// single read. A store failure returns ErrStateUnavailable and nothing is
// cached, so a later load retries.
func (r *Registry) load(ctx context.Context, projectID string) (loaded, error) {
	v, err, _ := r.hydrate.Do(projectID, func() (any, error) {
		if err := ctx.Err(); err != nil {
			return loaded{}, err
		}
		return r.loadUncoalesced(ctx, projectID)
	})
	if err != nil {
		return loaded{}, err
	}
	l := v.(loaded)
	st := *l.state
	changes := make([]types.ChangeRecord, len(l.changes))
	copy(changes, l.changes)
	return loaded{state: &st, changes: changes}, nil
}

func (r *Registry) loadUncoalesced(ctx context.Context, projectID string) (loaded, error) {
	logger := r.logger.With(logging.KeyProject, projectID)
	vals := r.cache.GetMulti(ctx, []string{stateKey(projectID), changesKey(projectID)})

	var out loaded
	if raw := vals[0]; raw != nil {
		var st types.ProjectState
		if err := json.Unmarshal(raw, &st); err != nil || st.ProjectID != projectID {
			logger.Warn("ignoring unusable cached snapshot", "error", err)
		} else {
			out.state = &st
		}
	}
	if out.state == nil {
		st, err := r.fetchState(ctx, projectID)
		if err != nil {
			return loaded{}, err
		}
		out.state = st
	}

	if raw := vals[1]; raw != nil {
		if err := json.Unmarshal(raw, &out.changes); err != nil {
			logger.Warn("ignoring unusable cached change log", "error", err)
			out.changes = nil
		}
	}
	if out.changes == nil && r.store != nil {
		changes, err := r.store.ListChanges(ctx, projectID, r.logCapacity)
		if err != nil {
			logger.Warn("loading change log failed", "error", err)
		} else {
			out.changes = changes
		}
	}
	if len(out.changes) > r.logCapacity {
		out.changes = out.changes[len(out.changes)-r.logCapacity:]
	}
	return out, nil
}

// fetchState reads the snapshot from the store and repopulates the cache.
// Projects the store has never seen start empty and are not cached.
func (r *Registry) fetchState(ctx context.Context, projectID string) (*types.ProjectState, error) {
	if r.store == nil {
		return types.EmptyState(projectID), nil
	}
	st, err := r.store.GetProjectState(ctx, projectID)
	switch {
	case errors.Is(err, interfaces.ErrProjectNotFound):
		return types.EmptyState(projectID), nil
	case err != nil:
		r.logger.Warn("loading project state failed", logging.KeyProject, projectID, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrStateUnavailable, err)
	}
	if err := r.cache.SetJSON(ctx, stateKey(projectID), st, r.snapshotTTL); err != nil {
		r.logger.Warn("caching project state failed", logging.KeyProject, projectID, "error", err)
	}
	return st, nil
}
