package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/TheusHen/legosec/legosec/errs"
	"github.com/TheusHen/legosec/legosec/metrics"
	"github.com/TheusHen/legosec/legosec/transport"
	"golang.org/x/sync/semaphore"
)

// State is the lifecycle position of one accepted connection.
type State int

const (
	StateAccepted State = iota
	StateHandshaking
	StateEstablished
	StateRejected
	StateServing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	case StateRejected:
		return "rejected"
	case StateServing:
		return "serving"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	DefaultMaxConns         = 256
	DefaultHandshakeTimeout = 10 * time.Second

	maxAcceptErrors = 10
)

// Handler services an established connection. The server closes c when
// Handler returns.
type Handler func(ctx context.Context, c *Conn) error

// Acknowledge returns the default handler: every message read is answered
// with "ACK from <localID>" until the peer closes.
func Acknowledge(localID string, logger *slog.Logger) Handler {
	ack := []byte("ACK from " + localID)
	return func(ctx context.Context, c *Conn) error {
		for {
			msg, err := c.ReadMessage()
			if err != nil {
				return err
			}
			logger.Debug("peer message", "peer", c.PeerID(), "bytes", len(msg))
			if err := c.WriteMessage(ack); err != nil {
				return err
			}
		}
	}
}

type ServerOptions struct {
	LocalID string
	Resolve PSKResolver
	// Handler defaults to Acknowledge(LocalID).
	Handler Handler

	// MaxConns bounds connections in flight; the accept loop waits for a
	// slot before accepting more.
	MaxConns         int64
	HandshakeTimeout time.Duration
	Compress         bool

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// OnState, when set, observes every state transition.
	OnState func(remote net.Addr, s State)
}

// Server accepts peer channels and services each on its own goroutine.
type Server struct {
	opts ServerOptions
	sem  *semaphore.Weighted

	mu     sync.Mutex
	conns  map[transport.Conn]struct{}
	lns    map[transport.Listener]struct{}
	closed bool
	wg     sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

func NewServer(opts ServerOptions) (*Server, error) {
	if opts.LocalID == "" {
		return nil, errors.New("channel: server needs a local id")
	}
	if opts.Resolve == nil {
		return nil, errors.New("channel: server needs a PSK resolver")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Logger = opts.Logger.With("client_id", opts.LocalID)
	if opts.Handler == nil {
		opts.Handler = Acknowledge(opts.LocalID, opts.Logger)
	}
	if opts.MaxConns <= 0 {
		opts.MaxConns = DefaultMaxConns
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		opts:   opts,
		sem:    semaphore.NewWeighted(opts.MaxConns),
		conns:  map[transport.Conn]struct{}{},
		lns:    map[transport.Listener]struct{}{},
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Serve accepts on ln until ctx is done, the server or ln is closed, or
// accepting fails repeatedly. A failing connection never stops the loop.
func (s *Server) Serve(ctx context.Context, ln transport.Listener) error {
	if !s.trackListener(ln) {
		_ = ln.Close()
		return transport.ErrClosed
	}
	defer s.untrackListener(ln)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	s.opts.Logger.Info("peer listener started", "addr", ln.Addr().String())
	defer s.opts.Logger.Info("peer listener stopped", "addr", ln.Addr().String())

	consecutive := 0
	for {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return nil
		}
		raw, err := ln.Accept(ctx)
		if err != nil {
			s.sem.Release(1)
			if ctx.Err() != nil || transport.IsClosed(err) {
				return nil
			}
			consecutive++
			s.opts.Logger.Error("peer accept error", "err", err, "consecutive", consecutive)
			if consecutive >= maxAcceptErrors {
				return errs.E(errs.KindIO, "peer accept", fmt.Errorf("%d consecutive errors, last: %w", consecutive, err))
			}
			backoff := min(time.Duration(consecutive)*100*time.Millisecond, 2*time.Second)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		consecutive = 0
		if !s.track(raw) {
			_ = raw.Close()
			s.sem.Release(1)
			return nil
		}
		go s.handle(ctx, raw)
	}
}

func (s *Server) handle(ctx context.Context, raw transport.Conn) {
	defer s.wg.Done()
	defer s.sem.Release(1)
	defer s.untrack(raw)

	remote := raw.RemoteAddr()
	log := s.opts.Logger.With("remote", remote.String())
	s.transition(log, remote, StateAccepted)

	s.transition(log, remote, StateHandshaking)
	hctx, cancel := context.WithTimeout(ctx, s.opts.HandshakeTimeout)
	c, err := Accept(hctx, raw, s.opts.LocalID, s.opts.Resolve, Options{Compress: s.opts.Compress})
	cancel()
	if err != nil {
		_ = raw.Close()
		if errors.Is(err, ErrUnknownID) {
			s.opts.Metrics.PeerConn(metrics.PeerRejected)
			log.Warn("peer rejected", "err", err)
		} else {
			s.opts.Metrics.PeerConn(metrics.PeerFailed)
			log.Warn("peer handshake failed", "err", err)
		}
		s.transition(log, remote, StateRejected)
		return
	}
	s.opts.Metrics.PeerConn(metrics.PeerEstablished)
	s.opts.Metrics.PeerOpened()
	defer s.opts.Metrics.PeerClosed()
	log = log.With("peer", c.PeerID())
	s.transition(log, remote, StateEstablished)

	s.transition(log, remote, StateServing)
	err = s.opts.Handler(ctx, c)
	_ = c.Close()
	if err != nil && !errors.Is(err, io.EOF) && ctx.Err() == nil {
		log.Warn("peer connection ended with error", "err", err)
	}
	s.transition(log, remote, StateClosed)
}

func (s *Server) transition(log *slog.Logger, remote net.Addr, st State) {
	log.Debug("peer connection state", "state", st.String())
	if s.opts.OnState != nil {
		s.opts.OnState(remote, st)
	}
}

func (s *Server) track(c transport.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c transport.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) trackListener(ln transport.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.lns[ln] = struct{}{}
	return true
}

func (s *Server) untrackListener(ln transport.Listener) {
	s.mu.Lock()
	delete(s.lns, ln)
	s.mu.Unlock()
}

// ActiveConns returns the number of connections currently in flight.
func (s *Server) ActiveConns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close stops every Serve loop, closes all listeners and open connections,
// and waits for their goroutines to exit.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cancel()
	var first error
	for ln := range s.lns {
		if err := ln.Close(); err != nil && first == nil && !transport.IsClosed(err) {
			first = err
		}
	}
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return first
}
