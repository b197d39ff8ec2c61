// Package metrics holds prometheus collectors of the synchronization engine.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "groupchat"

// Metrics defines collectors updated by the engine
type Metrics struct {
	Connections         prometheus.Gauge
	MessagesSubmitted   prometheus.Counter
	PersistenceFailures prometheus.Counter
	FanoutPushes        prometheus.Counter
	FanoutDrops         prometheus.Counter
	ReceiptTransitions  *prometheus.CounterVec
	TypingBroadcasts    prometheus.Counter
}

// New creates collectors and registers them in reg
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Number of open event channel connections.",
		}),
		MessagesSubmitted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_submitted_total",
			Help:      "Number of messages persisted and fanned out.",
		}),
		PersistenceFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_failures_total",
			Help:      "Number of submissions rejected because the store failed.",
		}),
		FanoutPushes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_pushes_total",
			Help:      "Number of events enqueued to connections.",
		}),
		FanoutDrops: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_drops_total",
			Help:      "Number of events dropped because a connection queue was full or closed.",
		}),
		ReceiptTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "receipt_transitions_total",
			Help:      "Number of receipt state transitions by target state.",
		}, []string{"state"}),
		TypingBroadcasts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "typing_broadcasts_total",
			Help:      "Number of typing state broadcasts.",
		}),
	}
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.Connections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.Connections.Dec()
	}
}

func (m *Metrics) MessageSubmitted() {
	if m != nil {
		m.MessagesSubmitted.Inc()
	}
}

func (m *Metrics) PersistenceFailed() {
	if m != nil {
		m.PersistenceFailures.Inc()
	}
}

// Pushed records the outcome of a single enqueue
func (m *Metrics) Pushed(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.FanoutPushes.Inc()
		return
	}
	m.FanoutDrops.Inc()
}

func (m *Metrics) ReceiptAdvanced(state string) {
	if m != nil {
		m.ReceiptTransitions.WithLabelValues(state).Inc()
	}
}

func (m *Metrics) TypingBroadcast() {
	if m != nil {
		m.TypingBroadcasts.Inc()
	}
}
