package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Registry state
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "huddle_active_rooms",
		Help: "Number of active rooms",
	})

	ActivePeers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "huddle_active_peers",
		Help: "Number of joined peers",
	})

	ActiveTransports = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "huddle_active_transports",
		Help: "Number of open media transports",
	})

	ActiveProducers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "huddle_active_producers",
		Help: "Number of open producers by media type",
	}, []string{"media_type"})

	ActiveConsumers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "huddle_active_consumers",
		Help: "Number of open consumers",
	})

	// Connection health
	ICERestartsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "huddle_ice_restarts_total",
		Help: "Total number of ICE restarts served",
	})

	// Signaling
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "huddle_connections_total",
		Help: "Total number of signaling connections",
	})

	MessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "huddle_signaling_messages_total",
		Help: "Signaling messages by type and direction",
	}, []string{"type", "direction"})

	RequestErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "huddle_request_errors_total",
		Help: "Failed signaling requests by error kind",
	}, []string{"kind"})

	RequestDurationMs = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "huddle_request_duration_ms",
		Help:    "Signaling request handling time in milliseconds",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 1000},
	}, []string{"type"})

	// Redis health
	RedisErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "huddle_redis_errors_total",
		Help: "Total Redis errors",
	})
)

// Helper functions

func RecordICERestart() {
	ICERestartsTotal.Inc()
}

func RecordMessage(msgType, direction string) {
	MessagesTotal.WithLabelValues(msgType, direction).Inc()
}

func RecordRequestError(kind string) {
	RequestErrorsTotal.WithLabelValues(kind).Inc()
}

func ProducerOpened(mediaType string) {
	ActiveProducers.WithLabelValues(mediaType).Inc()
}

func ProducerClosed(mediaType string) {
	ActiveProducers.WithLabelValues(mediaType).Dec()
}
