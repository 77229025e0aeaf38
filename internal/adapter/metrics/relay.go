package metrics

import "github.com/prometheus/client_golang/prometheus"

// Delivery results used as label values on RelayMetrics.Deliveries.
const (
	ResultDelivered    = "delivered"
	ResultBackpressure = "backpressure"
	ResultClosed       = "closed"
)

// RelayMetrics holds Prometheus metrics for connection queues and fan-out.
type RelayMetrics struct {
	RegisteredConnections prometheus.Gauge
	Deliveries            *prometheus.CounterVec
	SlowClientsEvicted    prometheus.Counter
	FrameSendDuration     prometheus.Histogram
	ForcedCloses          prometheus.Counter
	IdleDisconnects       prometheus.Counter
	PingFailures          prometheus.Counter
	BusPublishErrors      prometheus.Counter
	RemoteMessages        prometheus.Counter
}

// NewRelayMetrics creates and registers relay metrics on the given registry.
func NewRelayMetrics(reg prometheus.Registerer) *RelayMetrics {
	m := &RelayMetrics{
		RegisteredConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "registered_connections",
			Help:      "Number of connections currently in the registry.",
		}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "deliveries_total",
			Help:      "Total per-target delivery attempts, by result.",
		}, []string{"result"}),
		SlowClientsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "slow_clients_evicted_total",
			Help:      "Total connections closed because their outbound queue was full.",
		}),
		FrameSendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "frame_send_duration_seconds",
			Help:      "Time spent writing one frame to a client socket.",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		}),
		ForcedCloses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "forced_closes_total",
			Help:      "Total connections force-closed after the drain timeout.",
		}),
		IdleDisconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "idle_disconnects_total",
			Help:      "Total connections closed for inactivity.",
		}),
		PingFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "ping_failures_total",
			Help:      "Total keepalive pings that could not be written.",
		}),
		BusPublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "publish_errors_total",
			Help:      "Total messages that could not be published to other instances.",
		}),
		RemoteMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "remote_messages_total",
			Help:      "Total messages received from other instances.",
		}),
	}

	reg.MustRegister(
		m.RegisteredConnections,
		m.Deliveries,
		m.SlowClientsEvicted,
		m.FrameSendDuration,
		m.ForcedCloses,
		m.IdleDisconnects,
		m.PingFailures,
		m.BusPublishErrors,
		m.RemoteMessages,
	)
	return m
}
