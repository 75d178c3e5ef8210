package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"storyboard/internal/config"
	"storyboard/internal/logging"
	"storyboard/internal/metrics"
	"storyboard/pkg/interfaces"
	"storyboard/pkg/types"
)

// Sessions is the coordinator side of the gateway.
type Sessions interface {
	Join(ctx context.Context, projectID, userID, role string, conn interfaces.Connection) (*types.ProjectState, error)
	Handle(ctx context.Context, projectID, userID string, conn interfaces.Connection, in types.Inbound) error
	Disconnect(ctx context.Context, projectID, userID string, conn interfaces.Connection) error
}

// limiterIdle is how long a quiet client's rate bucket is kept.
const limiterIdle = 10 * time.Minute

// Handler upgrades HTTP requests into project connections and pumps
// inbound frames into the session coordinator.
// ARCHITECTURAL DISCOVERY: Clean separation of WebSocket handling from business logic
type Handler struct {
	sessions Sessions
	registry *Registry
	limiter  *RateLimiter
	upgrader websocket.Upgrader
	cfg      config.WebSocketConfig
	logger   *slog.Logger
	metrics  *metrics.Metrics

	wg        sync.WaitGroup
	stop      chan struct{}
	closeOnce sync.Once
}

// NewHandler creates a gateway handler. Close must be called to stop its
// janitor and drop live connections.
func NewHandler(sessions Sessions, cfg *config.WebSocketConfig, logger *slog.Logger, m *metrics.Metrics) *Handler {
	logger = logging.Component(logger, "websocket")
	h := &Handler{
		sessions: sessions,
		registry: NewRegistry(logger),
		limiter:  NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
		upgrader: websocket.Upgrader{
			// FUNCTIONAL DISCOVERY: Allow all origins; deployments front this with their own proxy policy
			CheckOrigin:      func(r *http.Request) bool { return true },
			HandshakeTimeout: 10 * time.Second,
		},
		cfg:     *cfg,
		logger:  logger,
		metrics: m,
		stop:    make(chan struct{}),
	}

	h.wg.Add(1)
	go h.janitor()

	return h
}

func (h *Handler) janitor() {
	defer h.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := h.limiter.Cleanup(limiterIdle); n > 0 {
				h.logger.Debug("rate limiter cleanup", "removed", n)
			}
		case <-h.stop:
			return
		}
	}
}

// HandleWebSocket validates the handshake, joins the project and serves the
// connection until it closes.
// ARCHITECTURAL DISCOVERY: Multi-stage validation (parameters -> WebSocket -> join)
// ensures invalid requests get an HTTP error instead of consuming a socket
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	projectID := query.Get("project_id")
	userID := query.Get("user_id")
	role := query.Get("role")

	if projectID == "" || userID == "" || role == "" {
		http.Error(w, "Missing required query parameters: project_id, user_id, role", http.StatusBadRequest)
		return
	}
	if err := types.ValidateIdentity(projectID, userID, role); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", logging.KeyProject, projectID, logging.KeyUser, userID, "error", err)
		return
	}
	ws.SetReadLimit(h.cfg.MaxFrameBytes)

	conn := NewConnection(ws, ConnOptions{
		SendBuffer:     h.cfg.SendBuffer,
		WriteTimeout:   h.cfg.WriteTimeout,
		EnqueueTimeout: h.cfg.EnqueueTimeout,
	})
	conn.SetCredentials(projectID, userID, role)
	logger := h.logger.With(logging.KeyProject, projectID, logging.KeyUser, userID, logging.KeyConn, conn.ID())

	if _, err := h.registry.RegisterConnection(conn); err != nil {
		logger.Warn("connection rejected", "error", err)
		h.closeWithError(conn, msgUnavailable)
		return
	}

	if _, err := h.sessions.Join(conn.ctx, projectID, userID, role, conn); err != nil {
		logger.Warn("join failed", "error", err)
		h.registry.UnregisterConnection(conn)
		h.closeWithError(conn, msgUnavailable)
		return
	}
	logger.Debug("connection established")

	h.serve(conn, logger)
}

// serve runs the heartbeat and read pump for one joined connection.
// ARCHITECTURAL DISCOVERY: Single goroutine per connection handles both heartbeat
// and message reading to prevent goroutine proliferation and resource leaks
func (h *Handler) serve(conn *Connection, logger *slog.Logger) {
	projectID, userID := conn.GetProjectID(), conn.GetUserID()
	defer func() {
		// FUNCTIONAL DISCOVERY: the connection's own context is gone by now
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.WriteTimeout)
		defer cancel()
		if err := h.sessions.Disconnect(ctx, projectID, userID, conn); err != nil {
			logger.Debug("disconnect not applied", "error", err)
		}
		h.registry.UnregisterConnection(conn)
		_ = conn.Close()
		logger.Debug("connection closed")
	}()

	// TECHNICAL DISCOVERY: read deadline longer than the ping interval
	// so one missed pong is tolerated
	ws := conn.conn
	if err := ws.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout)); err != nil {
		return
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	})

	go func() {
		ticker := time.NewTicker(h.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.cfg.WriteTimeout)); err != nil {
					_ = conn.Close()
					return
				}
			case <-conn.Done():
				return
			}
		}
	}()

	limiterKey := projectID + "/" + userID
	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Info("websocket read error", "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		if !h.limiter.Allow(limiterKey) {
			h.metrics.InboundRejected("rate")
			h.sendError(conn, msgRateLimited)
			continue
		}

		in, err := types.DecodeInbound(data)
		if err != nil {
			h.metrics.InboundRejected(rejectReason(err))
			logger.Debug("rejecting inbound frame", "error", err)
			h.sendError(conn, err.Error())
			continue
		}

		if err := h.sessions.Handle(conn.ctx, projectID, userID, conn, in); err != nil {
			logger.Debug("inbound event not applied", logging.KeyEvent, in.InboundType(), "error", err)
			return
		}
		if _, ok := in.(types.Disconnect); ok {
			return
		}
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, types.ErrPayloadTooLarge):
		return "too_large"
	case errors.Is(err, types.ErrUnknownEventType):
		return "unknown_type"
	default:
		return "malformed"
	}
}

func (h *Handler) sendError(conn *Connection, message string) {
	frame, err := types.Encode(types.ErrorEvent{Message: message})
	if err != nil {
		return
	}
	if err := conn.Send(frame); err != nil {
		h.logger.Debug("error event not delivered", logging.KeyConn, conn.ID(), "error", err)
	}
}

// closeWithError sends a final error event and a close frame through the
// connection's writer, then closes it.
func (h *Handler) closeWithError(conn *Connection, message string) {
	frame, err := types.Encode(types.ErrorEvent{Message: message})
	if err != nil {
		frame = nil
	}
	conn.CloseWithError(frame, websocket.CloseTryAgainLater, message)
}

// Connections returns the number of live gateway connections.
func (h *Handler) Connections() int { return h.registry.Count() }

// Close stops the janitor and closes every live connection. Their read
// loops then disconnect from the coordinator.
func (h *Handler) Close() error {
	h.closeOnce.Do(func() {
		close(h.stop)
		h.registry.CloseAll()
	})
	h.wg.Wait()
	return nil
}
