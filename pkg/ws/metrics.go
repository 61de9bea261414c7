package ws

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "wsgate"

// Metrics holds the gateway's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	connections   *prometheus.GaugeVec
	messagesIn    *prometheus.CounterVec
	messagesOut   *prometheus.CounterVec
	notifications *prometheus.CounterVec
	faults        *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg when reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connections_open",
			Help:      "Open WebSocket connections by role.",
		}, []string{"role"}),
		messagesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_received_total",
			Help:      "Text messages received by role.",
		}, []string{"role"}),
		messagesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_sent_total",
			Help:      "Text messages written by role.",
		}, []string{"role"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "notifications_total",
			Help:      "Notifications delivered to the controller by event.",
		}, []string{"event"}),
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "command_faults_total",
			Help:      "Command faults by command and fault name.",
		}, []string{"command", "fault"}),
	}

	if reg != nil {
		reg.MustRegister(m.connections, m.messagesIn, m.messagesOut, m.notifications, m.faults)
	}

	return m
}

func (m *Metrics) opened(r role) {
	if m == nil {
		return
	}

	m.connections.WithLabelValues(string(r)).Inc()
}

func (m *Metrics) closed(r role) {
	if m == nil {
		return
	}

	m.connections.WithLabelValues(string(r)).Dec()
}

func (m *Metrics) received(r role) {
	if m == nil {
		return
	}

	m.messagesIn.WithLabelValues(string(r)).Inc()
}

func (m *Metrics) sent(r role) {
	if m == nil {
		return
	}

	m.messagesOut.WithLabelValues(string(r)).Inc()
}

func (m *Metrics) notification(ev Event) {
	if m == nil {
		return
	}

	m.notifications.WithLabelValues(string(ev)).Inc()
}

func (m *Metrics) fault(cmd, name string) {
	if m == nil {
		return
	}

	if name == "" {
		name = "other"
	}

	m.faults.WithLabelValues(cmd, name).Inc()
}
