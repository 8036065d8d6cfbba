// Package kdc is the Key Distribution Center: it listens for clients and
// runs the bootstrap exchange with each, one goroutine per connection.
package kdc

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/TheusHen/legosec/legosec/bootstrap"
	"github.com/TheusHen/legosec/legosec/errs"
	"github.com/TheusHen/legosec/legosec/metrics"
	"github.com/TheusHen/legosec/legosec/store"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultMaxInFlight      = 256
	DefaultHandshakeTimeout = 10 * time.Second

	maxAcceptErrors = 10
)

var ErrNotListening = errors.New("kdc: not listening")

type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// Logs receives a connection log entry per bootstrap attempt. Optional.
	Logs store.Logs

	MaxInFlight      int64
	RatePerSecond    float64
	RateBurst        int
	HandshakeTimeout time.Duration
}

type Server struct {
	key     *rsa.PrivateKey
	opts    Options
	sem     *semaphore.Weighted
	limiter *hostLimiter

	mu     sync.Mutex
	ln     net.Listener
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

func NewServer(key *rsa.PrivateKey, opts Options) (*Server, error) {
	if key == nil {
		return nil, errors.New("kdc: nil private key")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = DefaultMaxInFlight
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		key:     key,
		opts:    opts,
		sem:     semaphore.NewWeighted(opts.MaxInFlight),
		limiter: newHostLimiter(opts.RatePerSecond, opts.RateBurst, 0),
		conns:   map[net.Conn]struct{}{},
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

func (s *Server) PublicKey() *rsa.PublicKey { return &s.key.PublicKey }

// Listen binds addr. Use port 0 and Addr to pick a free port.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errs.E(errs.KindIO, "kdc listen", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		ln.Close()
		return net.ErrClosed
	}
	s.ln = ln
	return nil
}

func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	if err := s.Listen(addr); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve runs the accept loop until ctx is done or Close is called. A
// failed bootstrap never ends the loop.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return ErrNotListening
	}
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()
	// Waiting for a slot ends when either ctx or Close does.
	slotCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopSlot := context.AfterFunc(s.ctx, cancel)
	defer stopSlot()

	s.opts.Logger.Info("kdc listening", "addr", ln.Addr().String())
	consecutive := 0
	for {
		if err := s.sem.Acquire(slotCtx, 1); err != nil {
			return nil
		}
		conn, err := ln.Accept()
		if err != nil {
			s.sem.Release(1)
			if s.ctx.Err() != nil {
				return nil
			}
			consecutive++
			s.opts.Logger.Error("kdc accept error", "err", err, "consecutive", consecutive)
			if consecutive >= maxAcceptErrors {
				return errs.E(errs.KindIO, "kdc accept", fmt.Errorf("%d consecutive errors, last: %w", consecutive, err))
			}
			time.Sleep(min(time.Duration(consecutive)*100*time.Millisecond, 2*time.Second))
			continue
		}
		consecutive = 0
		if !s.track(conn) {
			conn.Close()
			s.sem.Release(1)
			return nil
		}
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer s.wg.Done()
	defer s.sem.Release(1)
	defer s.untrack(conn)
	defer conn.Close()

	start := time.Now()
	remote := conn.RemoteAddr().String()
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		host = remote
	}
	log := s.opts.Logger.With("remote", remote)

	if !s.limiter.Allow(host, start) {
		s.opts.Metrics.ObserveBootstrap(metrics.ResultRateLimited, 0)
		s.audit(store.ConnKDC, remote, store.StatusFailed, "rate limited", start)
		log.Warn("bootstrap rate limited")
		return
	}

	_ = conn.SetDeadline(start.Add(s.opts.HandshakeTimeout))
	psk, err := bootstrap.Respond(conn, s.key)
	elapsed := time.Since(start)
	if err != nil {
		s.opts.Metrics.ObserveBootstrap(metrics.ResultFailed, elapsed)
		s.audit(store.ConnKDC, remote, store.StatusFailed, err.Error(), start)
		log.Warn("bootstrap failed", "err", err, "kind", errs.KindOf(err).String())
		return
	}
	clear(psk)
	s.opts.Metrics.ObserveBootstrap(metrics.ResultSuccess, elapsed)
	s.audit(store.ConnKDC, remote, store.StatusSuccess, "", start)
	s.audit(store.ConnKey, remote, store.StatusSuccess, "psk established", start)
	log.Info("bootstrap complete", "duration", elapsed)
}

func (s *Server) audit(typ store.ConnectionType, remote string, status store.LogStatus, details string, start time.Time) {
	if s.opts.Logs == nil {
		return
	}
	err := s.opts.Logs.AppendLog(context.Background(), store.ConnectionLog{
		LogID:      uuid.NewString(),
		Type:       typ,
		Target:     "kdc",
		Timestamp:  time.Now().UTC(),
		Status:     status,
		Details:    details,
		RemoteAddr: remote,
		Duration:   time.Since(start),
	})
	if err != nil {
		s.opts.Logger.Warn("connection log write failed", "err", err)
	}
}

func (s *Server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// Close stops accepting, aborts in-flight exchanges and waits for their
// goroutines.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cancel()
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}
