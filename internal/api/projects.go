package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"storyboard/internal/room"
	"storyboard/pkg/types"
)

const (
	defaultChangesLimit = 50
	maxChangesLimit     = 1000
)

type ParticipantsResponse struct {
	ProjectID    string                  `json:"projectId"`
	Participants []types.ParticipantInfo `json:"participants"`
}

type LeaseResponse struct {
	ProjectID string     `json:"projectId"`
	Holder    string     `json:"holder,omitempty"`
	Expiry    *time.Time `json:"expiry,omitempty"`
	Active    bool       `json:"active"`
}

type ChangesResponse struct {
	ProjectID string               `json:"projectId"`
	Changes   []types.ChangeRecord `json:"changes"`
}

type RoomsResponse struct {
	Rooms []room.Info `json:"rooms"`
}

func projectID(c echo.Context) (string, error) {
	id := c.Param("id")
	if !types.IsValidProjectID(id) {
		return "", echo.NewHTTPError(http.StatusBadRequest, types.ErrInvalidProjectID.Error())
	}
	return id, nil
}

// GetParticipants lists who is connected to a project right now.
// GET /api/projects/:id/participants
func (s *Server) GetParticipants(c echo.Context) error {
	id, err := projectID(c)
	if err != nil {
		return err
	}
	participants, err := s.deps.Sessions.GetActiveParticipants(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ParticipantsResponse{ProjectID: id, Participants: participants})
}

// GetLease reports the edit lease. An expired lease keeps its holder but
// reports active=false.
// GET /api/projects/:id/lease
func (s *Server) GetLease(c echo.Context) error {
	id, err := projectID(c)
	if err != nil {
		return err
	}
	state, active, err := s.deps.Sessions.Lease(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, LeaseResponse{
		ProjectID: id,
		Holder:    state.Holder,
		Expiry:    state.Expiry,
		Active:    active,
	})
}

// GetChanges returns the newest change records, oldest first.
// GET /api/projects/:id/changes?limit=N
func (s *Server) GetChanges(c echo.Context) error {
	id, err := projectID(c)
	if err != nil {
		return err
	}
	limit := defaultChangesLimit
	if l := c.QueryParam("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 || n > maxChangesLimit {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be between 1 and "+strconv.Itoa(maxChangesLimit))
		}
		limit = n
	}

	changes, err := s.deps.Sessions.Changes(c.Request().Context(), id, limit)
	if err != nil {
		return err
	}
	if changes == nil {
		changes = []types.ChangeRecord{}
	}
	return c.JSON(http.StatusOK, ChangesResponse{ProjectID: id, Changes: changes})
}

// GetState returns the current project document without joining.
// GET /api/projects/:id/state
func (s *Server) GetState(c echo.Context) error {
	id, err := projectID(c)
	if err != nil {
		return err
	}
	state, err := s.deps.Sessions.Snapshot(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, state)
}

// ListRooms lists rooms, optionally filtered by type.
// GET /api/rooms?type=project
func (s *Server) ListRooms(c echo.Context) error {
	return c.JSON(http.StatusOK, RoomsResponse{Rooms: s.deps.Rooms.ListByType(c.QueryParam("type"))})
}
