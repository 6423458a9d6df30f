package relay

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/prometheus"
	prom "github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "syncline"

// Metrics bundles the counters and gauges the relay exposes on
// /metrics, mirroring the teacher's per-component metrics struct.
type Metrics struct {
	FramesReceived   metrics.Counter
	FramesSent       metrics.Counter
	SessionsActive   metrics.Gauge
	HistoryLostTotal metrics.Counter
}

// NewPrometheusMetrics registers and returns the relay's metrics.
func NewPrometheusMetrics() *Metrics {
	return &Metrics{
		FramesReceived: prometheus.NewCounterFrom(prom.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "relay",
			Name:      "frames_received_total",
			Help:      "Number of frames received from clients, by message type.",
		}, []string{"msg_type"}),
		FramesSent: prometheus.NewCounterFrom(prom.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "relay",
			Name:      "frames_sent_total",
			Help:      "Number of frames sent to clients, by message type.",
		}, []string{"msg_type"}),
		SessionsActive: prometheus.NewGaugeFrom(prom.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "relay",
			Name:      "sessions_active",
			Help:      "Number of currently connected client sessions.",
		}, []string{}),
		HistoryLostTotal: prometheus.NewCounterFrom(prom.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "relay",
			Name:      "history_lost_total",
			Help:      "Number of SYNC_STEP_1 requests answered with ERR_HISTORY_LOST.",
		}, []string{"doc_id"}),
	}
}
