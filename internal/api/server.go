// Package api is the read-only HTTP surface next to the WebSocket gateway:
// health, project inspection, room listing, stats and metrics.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"storyboard/internal/cache"
	"storyboard/internal/fanout"
	"storyboard/internal/logging"
	"storyboard/internal/room"
	"storyboard/internal/session"
	"storyboard/pkg/interfaces"
)

// Gateway is the WebSocket side of the server.
type Gateway interface {
	HandleWebSocket(w http.ResponseWriter, r *http.Request)
	Connections() int
}

// Deps wires the Server. Gateway and Gatherer may be nil, which leaves
// /ws and /metrics unmounted.
type Deps struct {
	Sessions *session.Registry
	Rooms    *room.Registry
	Fanout   *fanout.Registry
	Cache    *cache.Cache
	Store    interfaces.ProjectStore
	Gateway  Gateway
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
	Version  string
}

// ARCHITECTURAL DISCOVERY: HTTP API layer serves as pure interface between external clients and internal components
// Clean separation - no business logic, only HTTP handling and JSON serialization
type Server struct {
	echo    *echo.Echo
	deps    Deps
	logger  *slog.Logger
	started time.Time
}

type HealthResponse struct {
	Status      string         `json:"status"`
	Version     string         `json:"version,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Database    string         `json:"database"`
	Cache       string         `json:"cache"`
	Connections map[string]int `json:"connections"`
	System      map[string]any `json:"system"`
}

type StatsResponse struct {
	Sessions session.Stats `json:"sessions"`
	Fanout   fanout.Stats  `json:"fanout"`
	Rooms    RoomStats     `json:"rooms"`
	Gateway  int           `json:"gatewayConnections"`
	Cache    string        `json:"cache"`
}

type RoomStats struct {
	Count            int `json:"count"`
	Members          int `json:"members"`
	PendingDeletions int `json:"pendingDeletions"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// FUNCTIONAL DISCOVERY: Constructor initializes all dependencies and sets up routing
// Dependency injection pattern maintains architectural boundaries
func NewServer(deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:    e,
		deps:    deps,
		logger:  logging.Component(deps.Logger, "api"),
		started: time.Now(),
	}
	e.HTTPErrorHandler = s.handleError

	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization},
		MaxAge:       86400,
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Debug("http request",
				"method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency)
			return nil
		},
	}))

	s.RegisterRoutes(e)
	return s
}

// RegisterRoutes mounts every endpoint on e.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", s.Health)

	api := e.Group("/api")
	api.GET("/projects/:id/participants", s.GetParticipants)
	api.GET("/projects/:id/lease", s.GetLease)
	api.GET("/projects/:id/changes", s.GetChanges)
	api.GET("/projects/:id/state", s.GetState)
	api.GET("/rooms", s.ListRooms)
	api.GET("/stats", s.Stats)

	if s.deps.Gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	}
	if s.deps.Gateway != nil {
		e.GET("/ws", echo.WrapHandler(http.HandlerFunc(s.deps.Gateway.HandleWebSocket)))
	}
}

// FUNCTIONAL DISCOVERY: Implement http.Handler interface for integration with standard HTTP server
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Health reports component status. A failing database answers 503; a
// degraded cache still answers 200 because the in-process fallback serves.
func (s *Server) Health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "disabled"
	if s.deps.Store != nil {
		dbStatus = "healthy"
		if err := s.deps.Store.HealthCheck(ctx); err != nil {
			status = "unhealthy"
			dbStatus = "error: " + err.Error()
		}
	}

	cacheStatus := s.cacheStatus()
	if cacheStatus == "degraded" && status == "healthy" {
		status = "degraded"
	}

	resp := HealthResponse{
		Status:      status,
		Version:     s.deps.Version,
		Timestamp:   time.Now().UTC(),
		Database:    dbStatus,
		Cache:       cacheStatus,
		Connections: s.connectionStats(),
		System: map[string]any{
			"goroutines": runtime.NumGoroutine(),
			"uptime":     time.Since(s.started).Round(time.Second).String(),
		},
	}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, resp)
}

// Stats is the monitoring snapshot of every in-memory registry.
func (s *Server) Stats(c echo.Context) error {
	resp := StatsResponse{Cache: s.cacheStatus()}
	if s.deps.Sessions != nil {
		resp.Sessions = s.deps.Sessions.Stats()
	}
	if s.deps.Fanout != nil {
		resp.Fanout = s.deps.Fanout.Stats()
	}
	if s.deps.Rooms != nil {
		resp.Rooms = RoomStats{
			Count:            s.deps.Rooms.Count(),
			Members:          s.deps.Rooms.TotalMembers(),
			PendingDeletions: s.deps.Rooms.PendingDeletions(),
		}
	}
	if s.deps.Gateway != nil {
		resp.Gateway = s.deps.Gateway.Connections()
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) cacheStatus() string {
	switch {
	case s.deps.Cache == nil:
		return "disabled"
	case s.deps.Cache.Degraded():
		return "degraded"
	default:
		return "healthy"
	}
}

func (s *Server) connectionStats() map[string]int {
	out := map[string]int{}
	if s.deps.Gateway != nil {
		out["websocket"] = s.deps.Gateway.Connections()
	}
	if s.deps.Sessions != nil {
		st := s.deps.Sessions.Stats()
		out["sessions"] = st.Sessions
		out["participants"] = st.Participants
	}
	return out
}

// handleError renders every error in the ErrorResponse shape.
// FUNCTIONAL DISCOVERY: Consistent error response format
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := http.StatusInternalServerError
	message := "internal server error"
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		code = he.Code
		if m, ok := he.Message.(string); ok {
			message = m
		} else {
			message = http.StatusText(code)
		}
	case errors.Is(err, session.ErrRegistryClosed):
		code = http.StatusServiceUnavailable
		message = "server shutting down"
	case errors.Is(err, session.ErrStateUnavailable):
		code = http.StatusServiceUnavailable
		message = session.ErrStateUnavailable.Error()
		s.logger.Warn("project state unavailable", "uri", c.Request().RequestURI, "error", err)
	default:
		s.logger.Error("request failed", "uri", c.Request().RequestURI, "error", err)
	}

	resp := ErrorResponse{Error: http.StatusText(code), Code: code, Message: message}
	if c.Request().Method == http.MethodHead {
		err = c.NoContent(code)
	} else {
		err = c.JSON(code, resp)
	}
	if err != nil {
		s.logger.Warn("failed to write error response", "error", err)
	}
}
