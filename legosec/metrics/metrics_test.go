package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveBootstrap(ResultSuccess, 3*time.Millisecond)
	m.ObserveBootstrap(ResultFailed, 0)
	m.ObserveBootstrap(ResultFailed, 0)
	m.PeerConn(PeerRejected)
	m.PeerOpened()
	m.PeerOpened()
	m.PeerClosed()
	m.MessageIn()

	if got := testutil.ToFloat64(m.Bootstraps.WithLabelValues(ResultSuccess)); got != 1 {
		t.Fatalf("success = %v", got)
	}
	if got := testutil.ToFloat64(m.Bootstraps.WithLabelValues(ResultFailed)); got != 2 {
		t.Fatalf("failed = %v", got)
	}
	if got := testutil.ToFloat64(m.PeerConns.WithLabelValues(PeerRejected)); got != 1 {
		t.Fatalf("rejected = %v", got)
	}
	if got := testutil.ToFloat64(m.ActivePeerConns); got != 1 {
		t.Fatalf("active = %v", got)
	}
	if got := testutil.CollectAndCount(m.BootstrapDuration); got != 1 {
		t.Fatalf("histogram series = %d", got)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.ObserveBootstrap(ResultSuccess, time.Second)
	m.PeerConn(PeerEstablished)
	m.PeerOpened()
	m.PeerClosed()
	m.MessageIn()
	m.MessageOut()
}
