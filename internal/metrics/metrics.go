// Package metrics holds the Prometheus collectors exported by storyboard.
// Every method is safe on a nil *Metrics so components can run unobserved.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "storyboard"

// Metrics groups all collectors.
type Metrics struct {
	sessionsActive   prometheus.Gauge
	participants     prometheus.Gauge
	eventsBroadcast  *prometheus.CounterVec
	deliveries       *prometheus.CounterVec
	leaseDecisions   *prometheus.CounterVec
	cacheDegraded    prometheus.Gauge
	cacheErrors      *prometheus.CounterVec
	persistFailures  prometheus.Counter
	notifyDropped    prometheus.Counter
	inboundRejected  *prometheus.CounterVec
	roomsActive      prometheus.Gauge
	pendingDeletions prometheus.Gauge
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sessions_active",
			Help: "Collaboration sessions with a running coordinator.",
		}),
		participants: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "participants",
			Help: "Participants currently joined across all sessions.",
		}),
		eventsBroadcast: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_broadcast_total",
			Help: "Events fanned out to a room, by event type.",
		}, []string{"type"}),
		deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "deliveries_total",
			Help: "Per-recipient frame deliveries, by result.",
		}, []string{"result"}),
		leaseDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "lease_decisions_total",
			Help: "Edit lease outcomes, by result.",
		}, []string{"result"}),
		cacheDegraded: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "cache_degraded",
			Help: "1 while the cache serves from the in-process fallback.",
		}),
		cacheErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_errors_total",
			Help: "Cache backend errors, by operation.",
		}, []string{"op"}),
		persistFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "persist_failures_total",
			Help: "Failed writes to the persistence collaborator.",
		}),
		notifyDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "notifications_dropped_total",
			Help: "Notifications dropped because the dispatch queue was full.",
		}),
		inboundRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "inbound_rejected_total",
			Help: "Inbound frames rejected by the gateway, by reason.",
		}, []string{"reason"}),
		roomsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "rooms_active",
			Help: "Rooms tracked by the room registry.",
		}),
		pendingDeletions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "room_pending_deletions",
			Help: "Empty rooms waiting out their grace period.",
		}),
	}
}

func (m *Metrics) SessionOpened() {
	if m != nil {
		m.sessionsActive.Inc()
	}
}

func (m *Metrics) SessionClosed() {
	if m != nil {
		m.sessionsActive.Dec()
	}
}

func (m *Metrics) ParticipantJoined() {
	if m != nil {
		m.participants.Inc()
	}
}

func (m *Metrics) ParticipantLeft() {
	if m != nil {
		m.participants.Dec()
	}
}

func (m *Metrics) Broadcast(eventType string) {
	if m != nil {
		m.eventsBroadcast.WithLabelValues(eventType).Inc()
	}
}

// Delivered counts one recipient delivery.
func (m *Metrics) Delivered(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.deliveries.WithLabelValues("ok").Inc()
	} else {
		m.deliveries.WithLabelValues("failed").Inc()
	}
}

// Lease records a lease outcome: granted, denied or released.
func (m *Metrics) Lease(result string) {
	if m != nil {
		m.leaseDecisions.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) CacheDegraded(degraded bool) {
	if m == nil {
		return
	}
	if degraded {
		m.cacheDegraded.Set(1)
	} else {
		m.cacheDegraded.Set(0)
	}
}

func (m *Metrics) CacheError(op string) {
	if m != nil {
		m.cacheErrors.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) PersistFailed() {
	if m != nil {
		m.persistFailures.Inc()
	}
}

func (m *Metrics) NotificationDropped() {
	if m != nil {
		m.notifyDropped.Inc()
	}
}

func (m *Metrics) InboundRejected(reason string) {
	if m != nil {
		m.inboundRejected.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) RoomsActive(n int) {
	if m != nil {
		m.roomsActive.Set(float64(n))
	}
}

func (m *Metrics) PendingDeletions(n int) {
	if m != nil {
		m.pendingDeletions.Set(float64(n))
	}
}
