package legosec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TheusHen/legosec/legosec/bootstrap"
	"github.com/TheusHen/legosec/legosec/channel"
	"github.com/TheusHen/legosec/legosec/config"
	"github.com/TheusHen/legosec/legosec/errs"
	"github.com/TheusHen/legosec/legosec/identity"
	"github.com/TheusHen/legosec/legosec/metrics"
	"github.com/TheusHen/legosec/legosec/store"
	"github.com/TheusHen/legosec/legosec/transport"
	"github.com/TheusHen/legosec/legosec/transport/quic"
)

const resolveTimeout = 5 * time.Second

var (
	ErrNotBootstrapped   = errors.New("legosec: no PSK, connect to the KDC first")
	ErrPeerNotAuthorized = errors.New("legosec: peer not authorized")
	ErrClosed            = errors.New("legosec: client closed")
)

type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// Dialer and Listen override the transport chosen by the config.
	Dialer transport.Dialer
	Listen func(addr string) (transport.Listener, error)
	// Now overrides the identity clock (for testing).
	Now func() time.Time
}

// Client is one participant: it holds the PSK from its last bootstrap, its
// identity, its peer listener and the channels it has opened.
type Client struct {
	cfg    config.ClientConfig
	ids    *identity.Manager
	logger *slog.Logger
	opts   Options

	// psk is replaced only by a new bootstrap and never mutated.
	psk atomic.Pointer[[]byte]

	mu     sync.Mutex
	server *channel.Server
	conns  map[*PeerConn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// New creates a client over s, the KDC's store. An empty cfg.ID gets a
// random id.
func New(cfg config.ClientConfig, s store.Store, opts Options) (*Client, error) {
	if cfg.ID == "" {
		cfg.ID = identity.NewClientID()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Dialer == nil || opts.Listen == nil {
		d, l, err := transportFor(cfg)
		if err != nil {
			return nil, err
		}
		if opts.Dialer == nil {
			opts.Dialer = d
		}
		if opts.Listen == nil {
			opts.Listen = l
		}
	}
	ids, err := identity.NewManager(cfg.ID, cfg.IdentityDir, s, identity.Options{Logger: opts.Logger, Now: opts.Now})
	if err != nil {
		return nil, err
	}
	return &Client{
		cfg:    cfg,
		ids:    ids,
		logger: opts.Logger.With("client_id", cfg.ID),
		opts:   opts,
		conns:  map[*PeerConn]struct{}{},
	}, nil
}

func transportFor(cfg config.ClientConfig) (transport.Dialer, func(string) (transport.Listener, error), error) {
	switch cfg.Transport {
	case "", "tcp":
		return transport.TCPDialer{Timeout: cfg.HandshakeTimeout}, transport.ListenTCP, nil
	case "quic":
		listen := func(addr string) (transport.Listener, error) {
			ln, err := quic.Listen(addr)
			if err != nil {
				return nil, err
			}
			return ln, nil
		}
		return quic.Dialer{}, listen, nil
	default:
		return nil, nil, fmt.Errorf("legosec: unknown transport %q", cfg.Transport)
	}
}

func (c *Client) ID() string { return c.cfg.ID }

// Identity exposes the identity manager.
func (c *Client) Identity() *identity.Manager { return c.ids }

// ConnectToKDC runs the bootstrap exchange with the configured KDC and then
// registers, renews or authenticates this client's identity.
func (c *Client) ConnectToKDC(ctx context.Context) (identity.Outcome, error) {
	start := time.Now()
	res, err := bootstrap.Dial(ctx, c.cfg.KDCAddr, c.cfg.HandshakeTimeout)
	if err != nil {
		c.ids.Audit(ctx, store.ConnKDC, "kdc", store.StatusFailed, err.Error(), start)
		return identity.Failed, err
	}
	psk := res.PSK
	c.psk.Store(&psk)
	c.ids.Audit(ctx, store.ConnKDC, "kdc", store.StatusSuccess, "", start)

	outcome, li, err := c.ids.EnsureRegistered(ctx, res.KDCPublicKey)
	if err != nil {
		return outcome, err
	}
	c.logger.Info("connected to KDC", "kdc", c.cfg.KDCAddr, "identity", outcome.String(), "expires_at", li.ExpiresAt)
	return outcome, nil
}

func (c *Client) ownPSK() ([]byte, bool) {
	p := c.psk.Load()
	if p == nil {
		return nil, false
	}
	return *p, true
}

// keyFor returns the PSK for a channel with peer: the key the pair shares
// in the KDC's store. Without it no channel is attempted, since the other
// side could not derive the same keys.
func (c *Client) keyFor(ctx context.Context, peer string) ([]byte, error) {
	if _, ok := c.ownPSK(); !ok {
		return nil, errs.E(errs.KindHandshake, "channel key", ErrNotBootstrapped)
	}
	return c.ids.PairKey(ctx, peer)
}

// resolve is the acceptor's PSK lookup: authorized peers get a key,
// everyone else gets none.
func (c *Client) resolve(peer string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()
	ok, err := c.ids.IsPeerAuthorized(ctx, peer)
	if err != nil {
		c.logger.Warn("authorization lookup failed", "peer", peer, "err", err)
		return nil, false
	}
	if !ok {
		c.logger.Info("unauthorized peer", "peer", peer)
		return nil, false
	}
	key, err := c.keyFor(ctx, peer)
	if err != nil {
		c.logger.Warn("channel key unavailable, rejecting", "peer", peer, "err", err)
		return nil, false
	}
	return key, true
}

// ListenForPeers binds addr and services incoming channels in the
// background until Close. It returns the bound address.
func (c *Client) ListenForPeers(ctx context.Context, addr string) (net.Addr, error) {
	const op = "listen for peers"
	if _, ok := c.ownPSK(); !ok {
		return nil, errs.E(errs.KindHandshake, op, ErrNotBootstrapped)
	}
	srv, err := c.peerServer()
	if err != nil {
		return nil, err
	}
	ln, err := c.opts.Listen(addr)
	if err != nil {
		return nil, errs.E(errs.KindIO, op, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		ln.Close()
		return nil, ErrClosed
	}
	c.wg.Add(1)
	c.mu.Unlock()
	go func() {
		defer c.wg.Done()
		if err := srv.Serve(ctx, ln); err != nil {
			c.logger.Error("peer listener failed", "addr", ln.Addr().String(), "err", err)
		}
	}()
	return ln.Addr(), nil
}

func (c *Client) peerServer() (*channel.Server, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.server != nil {
		return c.server, nil
	}
	srv, err := channel.NewServer(channel.ServerOptions{
		LocalID:          c.cfg.ID,
		Resolve:          c.resolve,
		MaxConns:         c.cfg.MaxPeerConns,
		HandshakeTimeout: c.cfg.HandshakeTimeout,
		Compress:         c.cfg.Compress,
		Logger:           c.opts.Logger,
		Metrics:          c.opts.Metrics,
	})
	if err != nil {
		return nil, err
	}
	c.server = srv
	return srv, nil
}

// PeerConn is an outgoing channel owned by a Client.
type PeerConn struct {
	*channel.Conn
	owner *Client
}

// Close closes the channel and forgets it.
func (p *PeerConn) Close() error {
	p.owner.mu.Lock()
	delete(p.owner.conns, p)
	p.owner.mu.Unlock()
	return p.Conn.Close()
}

// ConnectToPeer opens a channel to peerID at host:port. The peer must be in
// this client's authorized set; otherwise no connection is attempted.
func (c *Client) ConnectToPeer(ctx context.Context, peerID, host string, port int) (*PeerConn, error) {
	const op = "connect to peer"
	ok, err := c.ids.IsPeerAuthorized(ctx, peerID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.E(errs.KindAuthorization, op, fmt.Errorf("%w: %s", ErrPeerNotAuthorized, peerID))
	}
	key, err := c.keyFor(ctx, peerID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	if c.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
		defer cancel()
	}
	raw, err := c.opts.Dialer.Dial(ctx, addr)
	if err != nil {
		err = errs.E(errs.KindIO, op, err)
		c.ids.Audit(ctx, store.ConnP2P, peerID, store.StatusFailed, err.Error(), start)
		return nil, err
	}
	conn, err := channel.Initiate(ctx, raw, c.cfg.ID, peerID, key, channel.Options{Compress: c.cfg.Compress})
	if err != nil {
		raw.Close()
		c.ids.Audit(ctx, store.ConnP2P, peerID, store.StatusFailed, err.Error(), start)
		return nil, err
	}

	pc := &PeerConn{Conn: conn, owner: c}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return nil, ErrClosed
	}
	c.conns[pc] = struct{}{}
	c.mu.Unlock()
	c.ids.Audit(ctx, store.ConnP2P, peerID, store.StatusSuccess, "", start)
	c.logger.Info("peer channel established", "peer", peerID, "addr", addr)
	return pc, nil
}

// SendMessage writes text on conn and returns the peer's acknowledgement.
func (c *Client) SendMessage(ctx context.Context, conn *PeerConn, text string) (string, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}
	if err := conn.WriteMessage([]byte(text)); err != nil {
		return "", err
	}
	c.opts.Metrics.MessageOut()
	ack, err := conn.ReadMessage()
	if err != nil {
		return "", err
	}
	c.opts.Metrics.MessageIn()
	return string(ack), nil
}

// IdentityStatus never fails; see identity.Manager.Status.
func (c *Client) IdentityStatus() identity.Status { return c.ids.Status() }

func (c *Client) AuthorizedPeers(ctx context.Context) ([]string, error) {
	return c.ids.AuthorizedPeers(ctx)
}

func (c *Client) AuthorizePeer(ctx context.Context, peerID string) error {
	return c.ids.AuthorizePeer(ctx, peerID)
}

// UpdateAuthorizedPeers replaces the whole authorized set.
func (c *Client) UpdateAuthorizedPeers(ctx context.Context, peers []string) ([]string, error) {
	return c.ids.UpdateAuthorizedPeers(ctx, peers)
}

func (c *Client) RevokePeer(ctx context.Context, peerID string) error {
	return c.ids.RevokePeer(ctx, peerID)
}

// Close stops the peer listener and closes every open channel, incoming and
// outgoing.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	srv := c.server
	conns := make([]*PeerConn, 0, len(c.conns))
	for pc := range c.conns {
		conns = append(conns, pc)
	}
	clear(c.conns)
	c.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Close()
	}
	for _, pc := range conns {
		_ = pc.Conn.Close()
	}
	c.wg.Wait()
	return err
}
