// Package metrics exposes Prometheus instrumentation for a peer.
package metrics

import (
	"net/http"

	"github.com/MarcoPoloResearchLab/gravity/peer/internal/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gravity_peer"

// Recorder holds the peer's collectors on a private registry. A nil Recorder
// records nothing.
type Recorder struct {
	registry    *prometheus.Registry
	received    *prometheus.CounterVec
	sent        *prometheus.CounterVec
	conflicts   *prometheus.CounterVec
	errors      *prometheus.CounterVec
	connections prometheus.Gauge
}

// NewRecorder creates and registers the peer metrics.
func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Recorder{
		registry: registry,
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Protocol messages received, by type",
		}, []string{"type"}),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Protocol messages handed to a channel, by type",
		}, []string{"type"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_changes_total",
			Help:      "Remote notes and updates by resolution outcome",
		}, []string{"outcome"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Recoverable errors, by kind",
		}, []string{"kind"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_open",
			Help:      "Open peer channels",
		}),
	}
	registry.MustRegister(r.received, r.sent, r.conflicts, r.errors, r.connections)
	return r
}

// MessageReceived counts an inbound message.
func (r *Recorder) MessageReceived(messageType protocol.Type) {
	if r == nil {
		return
	}
	r.received.WithLabelValues(string(messageType)).Inc()
}

// MessageSent counts an outbound message.
func (r *Recorder) MessageSent(messageType protocol.Type) {
	if r == nil {
		return
	}
	r.sent.WithLabelValues(string(messageType)).Inc()
}

// RemoteChange counts the outcome of applying a remote note or update.
func (r *Recorder) RemoteChange(outcome string) {
	if r == nil {
		return
	}
	r.conflicts.WithLabelValues(outcome).Inc()
}

// Error counts a recoverable error.
func (r *Recorder) Error(kind string) {
	if r == nil {
		return
	}
	r.errors.WithLabelValues(kind).Inc()
}

// SetConnections records the number of open channels.
func (r *Recorder) SetConnections(count int) {
	if r == nil {
		return
	}
	r.connections.Set(float64(count))
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the registry for tests and embedding. A nil recorder
// gathers nothing.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.registry
}
