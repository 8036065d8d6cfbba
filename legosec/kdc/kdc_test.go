package kdc

import (
	"bytes"
	"context"
	"crypto/rsa"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/TheusHen/legosec/legosec/bootstrap"
	"github.com/TheusHen/legosec/legosec/crypto"
	"github.com/TheusHen/legosec/legosec/metrics"
	"github.com/TheusHen/legosec/legosec/store"
	"github.com/TheusHen/legosec/legosec/store/memory"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var (
	keyOnce sync.Once
	testKey *rsa.PrivateKey
)

func serverKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		k, err := crypto.GenerateRSAKey(2048)
		if err != nil {
			panic(err)
		}
		testKey = k
	})
	return testKey
}

func startKDC(t *testing.T, opts Options) (*Server, string) {
	t.Helper()
	srv, err := NewServer(serverKey(t), opts)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := srv.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background()) }()
	t.Cleanup(func() {
		srv.Close()
		if err := <-done; err != nil {
			t.Errorf("Serve: %v", err)
		}
	})
	return srv, srv.Addr().String()
}

func TestBootstrapAgainstServer(t *testing.T) {
	srv, addr := startKDC(t, Options{})
	res, err := bootstrap.Dial(context.Background(), addr, 5*time.Second)
	if err != nil {
		t.Fatalf("bootstrap.Dial: %v", err)
	}
	if len(res.PSK) != crypto.HashSize {
		t.Fatalf("psk size %d", len(res.PSK))
	}
	if !res.KDCPublicKey.Equal(srv.PublicKey()) {
		t.Fatalf("announced key differs from server key")
	}
	again, err := bootstrap.Dial(context.Background(), addr, 5*time.Second)
	if err != nil {
		t.Fatalf("second bootstrap: %v", err)
	}
	if bytes.Equal(res.PSK, again.PSK) {
		t.Fatalf("two bootstraps produced the same PSK")
	}
}

func TestMalformedInputThenSuccess(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	logs := memory.New()
	_, addr := startKDC(t, Options{Metrics: m, Logs: logs})

	// Truncated step 2: half a ciphertext, then half-close.
	raw, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	raw.SetDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 1024)
	if _, err := raw.Read(buf); err != nil {
		t.Fatalf("read announce: %v", err)
	}
	raw.Write(bytes.Repeat([]byte{0x11}, 100))
	raw.(*net.TCPConn).CloseWrite()
	io.Copy(io.Discard, raw)
	raw.Close()

	// Undecryptable step 2 of the right size.
	raw, err = net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	raw.SetDeadline(time.Now().Add(5 * time.Second))
	raw.Read(buf)
	raw.Write(bytes.Repeat([]byte{0x22}, serverKey(t).Size()))
	io.Copy(io.Discard, raw)
	raw.Close()

	if _, err := bootstrap.Dial(context.Background(), addr, 5*time.Second); err != nil {
		t.Fatalf("bootstrap after malformed input: %v", err)
	}

	waitFor(t, func() bool {
		return testutil.ToFloat64(m.Bootstraps.WithLabelValues(metrics.ResultFailed)) == 2 &&
			testutil.ToFloat64(m.Bootstraps.WithLabelValues(metrics.ResultSuccess)) == 1
	})
	entries, err := logs.RecentLogs(context.Background(), 0)
	if err != nil {
		t.Fatalf("RecentLogs: %v", err)
	}
	var failed, ok int
	for _, e := range entries {
		if e.Type != store.ConnKDC {
			continue
		}
		switch e.Status {
		case store.StatusFailed:
			failed++
		case store.StatusSuccess:
			ok++
		}
	}
	if failed != 2 || ok != 1 {
		t.Fatalf("logged %d failed, %d successful bootstraps", failed, ok)
	}
}

func TestRateLimitPerHost(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	_, addr := startKDC(t, Options{Metrics: m, RatePerSecond: 0.001, RateBurst: 2})

	for i := 0; i < 2; i++ {
		if _, err := bootstrap.Dial(context.Background(), addr, 5*time.Second); err != nil {
			t.Fatalf("bootstrap %d: %v", i, err)
		}
	}
	if _, err := bootstrap.Dial(context.Background(), addr, 5*time.Second); err == nil {
		t.Fatalf("third bootstrap should be rate limited")
	}
	waitFor(t, func() bool {
		return testutil.ToFloat64(m.Bootstraps.WithLabelValues(metrics.ResultRateLimited)) == 1
	})
}

func TestCloseAbortsStalledClients(t *testing.T) {
	srv, err := NewServer(serverKey(t), Options{HandshakeTimeout: time.Minute})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := srv.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background()) }()

	raw, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer raw.Close()
	raw.SetDeadline(time.Now().Add(5 * time.Second))
	raw.Read(make([]byte, 1024))

	closed := make(chan struct{})
	go func() {
		srv.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatalf("Close blocked on a stalled client")
	}
	if err := <-done; err != nil {
		t.Fatalf("Serve: %v", err)
	}
}

func TestServeContextCancel(t *testing.T) {
	srv, err := NewServer(serverKey(t), Options{})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := srv.Serve(context.Background()); err != ErrNotListening {
		t.Fatalf("expected ErrNotListening, got %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx, "127.0.0.1:0") }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("ListenAndServe: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Serve did not stop on cancel")
	}
}

func TestHostLimiter(t *testing.T) {
	if newHostLimiter(0, 1, 0) != nil {
		t.Fatalf("zero rate should disable limiting")
	}
	var disabled *hostLimiter
	if !disabled.Allow("10.0.0.1", time.Now()) {
		t.Fatalf("nil limiter must allow")
	}

	l := newHostLimiter(1, 2, time.Minute)
	now := time.Now()
	if !l.Allow("10.0.0.1", now) || !l.Allow("10.0.0.1", now) {
		t.Fatalf("burst not honored")
	}
	if l.Allow("10.0.0.1", now) {
		t.Fatalf("third call within burst window allowed")
	}
	if !l.Allow("10.0.0.2", now) {
		t.Fatalf("hosts must be limited independently")
	}
	if !l.Allow("10.0.0.1", now.Add(time.Second)) {
		t.Fatalf("token not refilled")
	}

	later := now.Add(time.Hour)
	for i := 0; i < 512; i++ {
		l.Allow("10.0.0.3", later)
	}
	if l.size() != 1 {
		t.Fatalf("idle hosts not evicted: %d remain", l.size())
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
