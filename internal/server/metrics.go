package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"annosync/internal/room"
)

// metrics uses a per-server registry so tests can spin up multiple servers
// without collector collisions.
type metrics struct {
	registry    *prometheus.Registry
	messages    *prometheus.CounterVec
	conversions *prometheus.CounterVec
}

func newMetrics(rooms *room.Registry) *metrics {
	registry := prometheus.NewRegistry()

	roomsGauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "annosync_rooms",
		Help: "Number of live rooms.",
	}, func() float64 {
		count, _ := rooms.Counts()
		return float64(count)
	})
	clientsGauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "annosync_clients",
		Help: "Number of connected clients.",
	}, func() float64 {
		_, count := rooms.Counts()
		return float64(count)
	})
	messages := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "annosync_messages_total",
		Help: "Inbound sync messages by type.",
	}, []string{"type"})
	conversions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "annosync_conversions_total",
		Help: "Annotation conversions by source platform and outcome.",
	}, []string{"platform", "status"})

	registry.MustRegister(roomsGauge, clientsGauge, messages, conversions)

	return &metrics{registry: registry, messages: messages, conversions: conversions}
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
