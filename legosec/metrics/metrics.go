// Package metrics exposes Prometheus instruments for the KDC and the peer
// listener. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "legosec"

// Bootstrap results.
const (
	ResultSuccess     = "success"
	ResultFailed      = "failed"
	ResultRateLimited = "rate_limited"
)

// Peer connection results.
const (
	PeerEstablished = "established"
	PeerRejected    = "rejected"
	PeerFailed      = "failed"
)

type Metrics struct {
	Bootstraps        *prometheus.CounterVec
	BootstrapDuration prometheus.Histogram
	PeerConns         *prometheus.CounterVec
	ActivePeerConns   prometheus.Gauge
	Messages          *prometheus.CounterVec
}

// New registers the instruments with reg. Pass prometheus.NewRegistry() in
// tests to keep them isolated.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Bootstraps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "kdc",
			Name:      "bootstraps_total",
			Help:      "KDC bootstrap handshakes by result.",
		}, []string{"result"}),
		BootstrapDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "kdc",
			Name:      "bootstrap_duration_seconds",
			Help:      "Duration of completed KDC bootstrap handshakes.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		PeerConns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "peer",
			Name:      "connections_total",
			Help:      "Accepted peer connections by handshake result.",
		}, []string{"result"}),
		ActivePeerConns: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "peer",
			Name:      "active_connections",
			Help:      "Peer connections currently being serviced.",
		}),
		Messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "peer",
			Name:      "messages_total",
			Help:      "Application messages on peer channels by direction.",
		}, []string{"direction"}),
	}
}

func (m *Metrics) ObserveBootstrap(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.Bootstraps.WithLabelValues(result).Inc()
	if result == ResultSuccess {
		m.BootstrapDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) PeerConn(result string) {
	if m == nil {
		return
	}
	m.PeerConns.WithLabelValues(result).Inc()
}

func (m *Metrics) PeerOpened() {
	if m == nil {
		return
	}
	m.ActivePeerConns.Inc()
}

func (m *Metrics) PeerClosed() {
	if m == nil {
		return
	}
	m.ActivePeerConns.Dec()
}

func (m *Metrics) MessageIn() {
	if m == nil {
		return
	}
	m.Messages.WithLabelValues("in").Inc()
}

func (m *Metrics) MessageOut() {
	if m == nil {
		return
	}
	m.Messages.WithLabelValues("out").Inc()
}
