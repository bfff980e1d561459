// Package metrics owns the Prometheus collectors of the client core.
//
// A nil *Metrics is valid and records nothing, so components can be built without a
// registry in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "roomlink"

const (
	ResultOK           = "ok"
	ResultUnknownTopic = "unknown_topic"
	ResultUnknownAct   = "unknown_action"
	ResultBadPayload   = "bad_payload"
	ResultError        = "error"
	ResultPanic        = "panic"
)

type Metrics struct {
	Dispatched      *prometheus.CounterVec
	ReconnectTries  prometheus.Counter
	TransportState  *prometheus.GaugeVec
	QueueDropped    prometheus.Counter
	FramesDropped   prometheus.Counter
	StorageWriteErr *prometheus.CounterVec
	Reports         *prometheus.CounterVec
}

// New builds the collectors and registers them on reg when reg is not nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "dispatched_total",
			Help:      "Envelopes dispatched by topic, action and result.",
		}, []string{"topic", "action", "result"}),
		ReconnectTries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "reconnect_attempts_total",
			Help:      "Connection attempts made from the reconnecting state.",
		}),
		TransportState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "state",
			Help:      "1 for the current transport state, 0 otherwise.",
		}, []string{"state"}),
		QueueDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "queue_dropped_total",
			Help:      "Outbound envelopes dropped because the send queue was full.",
		}),
		FramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "frames_dropped_total",
			Help:      "Inbound frames that could not be parsed into envelopes.",
		}),
		StorageWriteErr: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "write_errors_total",
			Help:      "Failed write-behind operations by kind.",
		}, []string{"op"}),
		Reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "telemetry",
			Name:      "reports_total",
			Help:      "Error reports by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Dispatched,
			m.ReconnectTries,
			m.TransportState,
			m.QueueDropped,
			m.FramesDropped,
			m.StorageWriteErr,
			m.Reports,
		)
	}
	return m
}

func (m *Metrics) ObserveDispatch(topic, action, result string) {
	if m == nil {
		return
	}
	m.Dispatched.WithLabelValues(topic, action, result).Inc()
}

func (m *Metrics) ObserveReconnect() {
	if m == nil {
		return
	}
	m.ReconnectTries.Inc()
}

// SetState marks current as the only active state among all.
func (m *Metrics) SetState(all []string, current string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		m.TransportState.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) ObserveQueueDrop() {
	if m == nil {
		return
	}
	m.QueueDropped.Inc()
}

func (m *Metrics) ObserveFrameDrop() {
	if m == nil {
		return
	}
	m.FramesDropped.Inc()
}

func (m *Metrics) ObserveStorageError(op string) {
	if m == nil {
		return
	}
	m.StorageWriteErr.WithLabelValues(op).Inc()
}

func (m *Metrics) ObserveReport(outcome string) {
	if m == nil {
		return
	}
	m.Reports.WithLabelValues(outcome).Inc()
}
