// Package metrics exposes relay counters in the Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vovakirdan/silent-relay/internal/core"
)

const namespace = "silent_relay"

// Relay implements core.Metrics on a private Prometheus registry.
type Relay struct {
	registry *prometheus.Registry

	connections prometheus.Gauge
	rooms       prometheus.Gauge
	relayed     prometheus.Counter
	failed      prometheus.Counter
	closed      *prometheus.CounterVec
	denied      *prometheus.CounterVec
}

var _ core.Metrics = (*Relay)(nil)

// New registers the relay collectors together with process and Go runtime collectors.
func New() *Relay {
	reg := prometheus.NewRegistry()
	m := &Relay{
		registry: reg,
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open relay connections.",
		}),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms",
			Help:      "Rooms with at least one member.",
		}),
		relayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_relayed_total",
			Help:      "Application messages fanned out to a room.",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_failed_total",
			Help:      "Per-peer deliveries that failed and evicted the peer.",
		}),
		closed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Closed sessions by reason.",
		}, []string{"reason"}),
		denied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "license_denied_total",
			Help:      "Application messages refused by the license gate.",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		m.connections, m.rooms, m.relayed, m.failed, m.closed, m.denied,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry at /metrics.
func (m *Relay) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Relay) SessionOpened() { m.connections.Inc() }

func (m *Relay) SessionClosed(reason core.CloseReason) {
	m.connections.Dec()
	m.closed.WithLabelValues(string(reason)).Inc()
}

func (m *Relay) RoomsChanged(rooms int) { m.rooms.Set(float64(rooms)) }

func (m *Relay) MessageRelayed() { m.relayed.Inc() }

func (m *Relay) DeliveryFailed(n int) { m.failed.Add(float64(n)) }

func (m *Relay) LicenseDenied(reason string) { m.denied.WithLabelValues(reason).Inc() }
