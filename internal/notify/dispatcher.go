// Package notify delivers chat and comment notifications off the session
// goroutines.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"storyboard/internal/logging"
	"storyboard/internal/metrics"
	"storyboard/pkg/interfaces"
)

var _ interfaces.Notifier = (*Dispatcher)(nil)

// Kind names what a notification is about.
type Kind string

const (
	KindMessage Kind = "message"
	KindComment Kind = "comment"
)

type job struct {
	kind      Kind
	projectID string
	payload   json.RawMessage
}

// Options configures a Dispatcher.
type Options struct {
	QueueSize int
	Timeout   time.Duration // per delivery
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// Dispatcher queues notifications and delivers them to the wrapped
// notifier from one background goroutine. Enqueueing never blocks: when the
// queue is full the notification is dropped.
type Dispatcher struct {
	next    interfaces.Notifier
	queue   chan job
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewDispatcher starts a dispatcher in front of next.
func NewDispatcher(next interfaces.Notifier, opts Options) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 128
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	d := &Dispatcher{
		next:    next,
		queue:   make(chan job, opts.QueueSize),
		timeout: opts.Timeout,
		logger:  logging.Component(opts.Logger, "notify"),
		metrics: opts.Metrics,
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher) NotifyNewMessage(_ context.Context, projectID string, message json.RawMessage) error {
	return d.enqueue(job{kind: KindMessage, projectID: projectID, payload: message})
}

func (d *Dispatcher) NotifyNewComment(_ context.Context, projectID string, comment json.RawMessage) error {
	return d.enqueue(job{kind: KindComment, projectID: projectID, payload: comment})
}

func (d *Dispatcher) enqueue(j job) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.queue <- j:
		return nil
	default:
		d.metrics.NotificationDropped()
		return ErrQueueFull
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for j := range d.queue {
		d.deliver(j)
	}
}

func (d *Dispatcher) deliver(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	var err error
	switch j.kind {
	case KindMessage:
		err = d.next.NotifyNewMessage(ctx, j.projectID, j.payload)
	case KindComment:
		err = d.next.NotifyNewComment(ctx, j.projectID, j.payload)
	}
	if err != nil {
		d.logger.Warn("notification delivery failed",
			logging.KeyProject, j.projectID, "kind", string(j.kind), "error", err)
	}
}

// Pending returns the number of queued notifications.
func (d *Dispatcher) Pending() int { return len(d.queue) }

// Close stops accepting notifications and waits until the queue drains or
// ctx ends.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
