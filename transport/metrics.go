package transport

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// metricsRecorder exposes the congestion and RTT state of every Conn
// as Prometheus gauges, labeled by a connection trace id so per-
// connection series stay distinct without unbounded cardinality from
// raw connection IDs. A nil *metricsRecorder is a no-op; every Conn
// records into the package-level recorder returned by Metrics.
type metricsRecorder struct {
	once sync.Once

	congestionWindow prometheus.GaugeVec
	bytesInFlight    prometheus.GaugeVec
	smoothedRTT      prometheus.GaugeVec
	minRTT           prometheus.GaugeVec
}

var defaultMetrics *metricsRecorder
var defaultMetricsOnce sync.Once

// Metrics returns the package-level Prometheus collectors, registering
// them with prometheus.DefaultRegisterer on first use. Config has no
// option to substitute another recorder or registry.
func Metrics() *metricsRecorder {
	defaultMetricsOnce.Do(func() {
		defaultMetrics = newMetricsRecorder()
		prometheus.MustRegister(
			defaultMetrics.congestionWindow,
			defaultMetrics.bytesInFlight,
			defaultMetrics.smoothedRTT,
			defaultMetrics.minRTT,
		)
	})
	return defaultMetrics
}

func newMetricsRecorder() *metricsRecorder {
	labels := []string{"trace_id"}
	return &metricsRecorder{
		congestionWindow: *prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "quic",
			Name:      "congestion_window_bytes",
			Help:      "Current NewReno congestion window.",
		}, labels),
		bytesInFlight: *prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "quic",
			Name:      "bytes_in_flight",
			Help:      "Bytes sent but not yet acked or declared lost.",
		}, labels),
		smoothedRTT: *prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "quic",
			Name:      "smoothed_rtt_seconds",
			Help:      "RFC 9002 smoothed RTT estimate.",
		}, labels),
		minRTT: *prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "quic",
			Name:      "min_rtt_seconds",
			Help:      "Lowest RTT sample observed this connection.",
		}, labels),
	}
}

// observe pushes one connection's current recovery state into the
// gauges; Conn.Read calls it after building each outgoing datagram.
func (m *metricsRecorder) observe(traceID string, l *lossRecovery) {
	if m == nil {
		return
	}
	m.congestionWindow.WithLabelValues(traceID).Set(float64(l.cc.congestionWindow))
	m.bytesInFlight.WithLabelValues(traceID).Set(float64(l.cc.bytesInFlight))
	m.smoothedRTT.WithLabelValues(traceID).Set(l.rtt.smoothedRTT.Seconds())
	m.minRTT.WithLabelValues(traceID).Set(l.rtt.minRTT.Seconds())
}
