// Package metrics provides Prometheus metrics for the tunnel relays.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "udptunnel"

// Direction labels. Upstream is local UDP toward the stream, downstream the
// reverse.
const (
	DirUpstream   = "upstream"
	DirDownstream = "downstream"
)

// Metrics contains all Prometheus metrics for the relays. Every metric is
// labelled by relay name.
type Metrics struct {
	ConnectionsActive *prometheus.GaugeVec
	ConnectionsTotal  *prometheus.CounterVec
	ConnectionsClosed *prometheus.CounterVec
	DialLatency       *prometheus.HistogramVec

	DatagramsForwarded *prometheus.CounterVec
	BytesForwarded     *prometheus.CounterVec
	DatagramsDropped   *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the metrics registered with the default Prometheus registry.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetricsWithRegistry(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// NewMetricsWithRegistry creates a new Metrics instance registered with reg.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Stream connections currently open (client tunnel or server sessions)",
		}, []string{"relay"}),
		ConnectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Stream connections established",
		}, []string{"relay"}),
		ConnectionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_closed_total",
			Help:      "Stream connections closed by reason",
		}, []string{"relay", "reason"}),
		DialLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dial_latency_seconds",
			Help:      "Time to establish the client stream connection",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"relay"}),
		DatagramsForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_forwarded_total",
			Help:      "Datagrams forwarded by direction",
		}, []string{"relay", "direction"}),
		BytesForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_forwarded_total",
			Help:      "Payload bytes forwarded by direction",
		}, []string{"relay", "direction"}),
		DatagramsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_dropped_total",
			Help:      "Datagrams that could not be delivered to the local UDP peer",
		}, []string{"relay"}),
	}
}
