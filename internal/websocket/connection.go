package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"storyboard/pkg/interfaces"
)

var _ interfaces.Connection = (*Connection)(nil)

// ConnOptions tunes a single connection's write side.
type ConnOptions struct {
	SendBuffer     int
	WriteTimeout   time.Duration
	EnqueueTimeout time.Duration
}

func (o ConnOptions) withDefaults() ConnOptions {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.EnqueueTimeout <= 0 {
		o.EnqueueTimeout = 100 * time.Millisecond
	}
	return o
}

// Connection implements the interfaces.Connection interface
// ARCHITECTURAL DISCOVERY: WebSocket writes must be serialized to prevent race conditions
// Interface boundary maintained - no business logic in connection wrapper
type Connection struct {
	id             string
	conn           *websocket.Conn
	writeCh        chan []byte
	writeTimeout   time.Duration
	enqueueTimeout time.Duration

	projectID     string // Set after handshake validation
	userID        string
	role          string
	authenticated bool
	mu            sync.RWMutex // Protect credential fields

	closeCh chan closeRequest // Final close frame, written by the writer goroutine

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

type closeRequest struct {
	code   int
	reason string
	done   chan struct{}
}

// NewConnection wraps ws and starts its writer goroutine.
func NewConnection(ws *websocket.Conn, opts ConnOptions) *Connection {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:             uuid.NewString(),
		conn:           ws,
		writeCh:        make(chan []byte, opts.SendBuffer),
		writeTimeout:   opts.WriteTimeout,
		enqueueTimeout: opts.EnqueueTimeout,
		closeCh:        make(chan closeRequest),
		ctx:            ctx,
		cancel:         cancel,
	}

	go c.writeLoop()

	return c
}

// ARCHITECTURAL DISCOVERY: Single writer goroutine pattern eliminates races
// A failed write closes the connection so the read loop unblocks and senders fail fast.
func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.write(data); err != nil {
				_ = c.Close()
				return
			}
		case req := <-c.closeCh:
			c.flush()
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(req.code, req.reason),
				time.Now().Add(c.writeTimeout))
			_ = c.Close()
			close(req.done)
			return
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Connection) write(data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// flush writes whatever is already queued, stopping at the first error.
func (c *Connection) flush() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.write(data); err != nil {
				return
			}
		default:
			return
		}
	}
}

// ID identifies this connection instance. A reconnecting user gets a new one.
func (c *Connection) ID() string { return c.id }

// Send queues an encoded frame. It waits at most the enqueue timeout for
// buffer space so one slow reader cannot stall a broadcast.
func (c *Connection) Send(frame []byte) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	select {
	case c.writeCh <- frame:
		return nil
	default:
	}

	timer := time.NewTimer(c.enqueueTimeout)
	defer timer.Stop()
	select {
	case c.writeCh <- frame:
		return nil
	case <-timer.C:
		return ErrSendTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// WriteJSON marshals v and queues it.
func (c *Connection) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}
	return c.Send(data)
}

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} { return c.ctx.Done() }

// ARCHITECTURAL DISCOVERY: Clean shutdown requires careful goroutine coordination
// writeCh is never closed; cancelling ctx is what stops the writer and senders.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

// CloseWithError queues frame (if any), then has the writer flush the queue,
// send a close frame with code and reason, and close the socket. It returns
// once the connection is closed.
func (c *Connection) CloseWithError(frame []byte, code int, reason string) {
	if frame != nil {
		_ = c.Send(frame)
	}
	req := closeRequest{code: code, reason: reason, done: make(chan struct{})}
	timer := time.NewTimer(c.writeTimeout)
	defer timer.Stop()
	select {
	case c.closeCh <- req:
		select {
		case <-req.done:
		case <-timer.C:
		}
	case <-c.ctx.Done():
	case <-timer.C:
	}
	_ = c.Close()
}

// SetCredentials records the validated handshake identity.
func (c *Connection) SetCredentials(projectID, userID, role string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.projectID = projectID
	c.userID = userID
	c.role = role
	c.authenticated = true
}

func (c *Connection) IsAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

func (c *Connection) GetProjectID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.projectID
}

func (c *Connection) GetUserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Connection) GetRole() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}
