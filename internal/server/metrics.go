package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics holds the relay's Prometheus collectors. Each relay owns its own
// registry so several relays can live in one test binary.
type metrics struct {
	registry    *prometheus.Registry
	connections prometheus.Gauge
	rooms       prometheus.Gauge
	broadcasts  *prometheus.CounterVec
	dropped     prometheus.Counter
	inbound     *prometheus.CounterVec
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "roomchat",
			Name:      "connections",
			Help:      "Open client connections.",
		}),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "roomchat",
			Name:      "rooms",
			Help:      "Rooms created since start. Rooms are never reaped.",
		}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roomchat",
			Name:      "broadcasts_total",
			Help:      "Broadcasts issued, by outbound event.",
		}, []string{"event"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "roomchat",
			Name:      "deliveries_dropped_total",
			Help:      "Frames that could not be queued for a recipient.",
		}),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roomchat",
			Name:      "inbound_events_total",
			Help:      "Inbound client events, by event and outcome.",
		}, []string{"event", "outcome"}),
	}

	m.registry.MustRegister(
		m.connections,
		m.rooms,
		m.broadcasts,
		m.dropped,
		m.inbound,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
