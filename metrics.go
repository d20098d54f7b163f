package chatsync

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the sync engine's prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	ConnectAttempts    prometheus.Counter
	StateTransitions   *prometheus.CounterVec
	EventsReceived     *prometheus.CounterVec
	EventsDropped      *prometheus.CounterVec
	MessagesReconciled prometheus.Counter
	MessagesAppended   prometheus.Counter
	DuplicateEvents    prometheus.Counter
	SendsFailed        prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. Pass
// prometheus.NewRegistry() in tests to avoid global registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "connect_attempts_total",
			Help:      "Number of transport dial attempts.",
		}),
		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "connection_state_transitions_total",
			Help:      "Connection state transitions by target state.",
		}, []string{"state"}),
		EventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "events_received_total",
			Help:      "Inbound stream events by wire name; unrecognised names count as unknown.",
		}, []string{"event"}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "events_dropped_total",
			Help:      "Inbound events that could not be normalized.",
		}, []string{"reason"}),
		MessagesReconciled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "messages_reconciled_total",
			Help:      "Echoes merged into an optimistic placeholder.",
		}),
		MessagesAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "messages_appended_total",
			Help:      "Live messages appended to the open conversation.",
		}),
		DuplicateEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "duplicate_events_total",
			Help:      "Replayed message events ignored by id.",
		}),
		SendsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "sends_failed_total",
			Help:      "Optimistic sends that ended in failed status.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.ConnectAttempts,
			m.StateTransitions,
			m.EventsReceived,
			m.EventsDropped,
			m.MessagesReconciled,
			m.MessagesAppended,
			m.DuplicateEvents,
			m.SendsFailed,
		)
	}
	return m
}

func (m *Metrics) connectAttempt() {
	if m != nil {
		m.ConnectAttempts.Inc()
	}
}

func (m *Metrics) stateTransition(s ConnState) {
	if m != nil {
		m.StateTransitions.WithLabelValues(string(s)).Inc()
	}
}

// eventReceived folds names the server invents into "unknown".
func (m *Metrics) eventReceived(name string) {
	if m != nil {
		if !isKnownEvent(name) {
			name = "unknown"
		}
		m.EventsReceived.WithLabelValues(name).Inc()
	}
}

func (m *Metrics) eventDropped(reason string) {
	if m != nil {
		m.EventsDropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) reconciled() {
	if m != nil {
		m.MessagesReconciled.Inc()
	}
}

func (m *Metrics) appended() {
	if m != nil {
		m.MessagesAppended.Inc()
	}
}

func (m *Metrics) duplicate() {
	if m != nil {
		m.DuplicateEvents.Inc()
	}
}

func (m *Metrics) sendFailed() {
	if m != nil {
		m.SendsFailed.Inc()
	}
}
