package metrics

import "github.com/prometheus/client_golang/prometheus"

// WebSocketMetrics holds Prometheus metrics for the upgrade endpoint and receive loops.
type WebSocketMetrics struct {
	Handshakes         *prometheus.CounterVec
	ActiveConnections  prometheus.Gauge
	FramesReceived     *prometheus.CounterVec
	ConnectionDuration prometheus.Histogram
}

// NewWebSocketMetrics creates and registers WebSocket metrics on the given registry.
func NewWebSocketMetrics(reg prometheus.Registerer) *WebSocketMetrics {
	m := &WebSocketMetrics{
		Handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "handshakes_total",
			Help:      "Total upgrade attempts, by result.",
		}, []string{"result"}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "active_connections",
			Help:      "Number of WebSocket connections with a running receive loop.",
		}),
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "frames_received_total",
			Help:      "Total frames read from clients, by frame type.",
		}, []string{"type"}),
		ConnectionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "connection_duration_seconds",
			Help:      "Lifetime of WebSocket connections.",
			Buckets:   []float64{1, 10, 60, 300, 900, 3600, 4 * 3600},
		}),
	}

	reg.MustRegister(m.Handshakes, m.ActiveConnections, m.FramesReceived, m.ConnectionDuration)
	return m
}
