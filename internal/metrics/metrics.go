// Package metrics provides Prometheus instrumentation for the capture
// pipeline.
//
// Key metrics:
//   - Event throughput per listener and event type
//   - Queue overflow drops
//   - Feed reconnections
//   - Forward-fill emission counts
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics. A nil *Metrics is valid and
// records nothing, so tests can pass nil.
type Metrics struct {
	EventsProcessed *prometheus.CounterVec
	EventErrors     *prometheus.CounterVec
	QueueDrops      *prometheus.CounterVec
	Reconnects      *prometheus.CounterVec
	ForwardFills    *prometheus.CounterVec
	ActiveListeners prometheus.Gauge
}

// New creates and registers all metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		EventsProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "capture_events_processed_total",
			Help: "Events processed, by listener and event type",
		}, []string{"listener", "type"}),

		EventErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "capture_event_errors_total",
			Help: "Events dropped on validation or handling errors",
		}, []string{"listener"}),

		QueueDrops: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "capture_queue_drops_total",
			Help: "Events shed on queue overflow, by listener and queue",
		}, []string{"listener", "queue"}),

		Reconnects: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "capture_feed_reconnects_total",
			Help: "Feed reconnection attempts, by listener",
		}, []string{"listener"}),

		ForwardFills: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "capture_forward_fills_total",
			Help: "Forward-filled snapshots emitted, by listener",
		}, []string{"listener"}),

		ActiveListeners: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "capture_active_listeners",
			Help: "Number of running listener supervisors",
		}),
	}
}

// RecordEvent increments the processed-event counter.
func (m *Metrics) RecordEvent(listener, eventType string) {
	if m == nil {
		return
	}
	m.EventsProcessed.WithLabelValues(listener, eventType).Inc()
}

// RecordEventError increments the handling-error counter.
func (m *Metrics) RecordEventError(listener string) {
	if m == nil {
		return
	}
	m.EventErrors.WithLabelValues(listener).Inc()
}

// RecordQueueDrop increments the overflow-drop counter.
func (m *Metrics) RecordQueueDrop(listener, queue string) {
	if m == nil {
		return
	}
	m.QueueDrops.WithLabelValues(listener, queue).Inc()
}

// RecordReconnect increments the reconnect counter.
func (m *Metrics) RecordReconnect(listener string) {
	if m == nil {
		return
	}
	m.Reconnects.WithLabelValues(listener).Inc()
}

// RecordForwardFill increments the forward-fill counter.
func (m *Metrics) RecordForwardFill(listener string) {
	if m == nil {
		return
	}
	m.ForwardFills.WithLabelValues(listener).Inc()
}

// SetActiveListeners records the running supervisor count.
func (m *Metrics) SetActiveListeners(n int) {
	if m == nil {
		return
	}
	m.ActiveListeners.Set(float64(n))
}
