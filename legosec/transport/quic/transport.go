// Package quic carries the peer channel over QUIC: one bidirectional stream
// per connection, presented as a transport.Conn.
package quic

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"sync"
	"time"

	"github.com/TheusHen/legosec/legosec/transport"
	q "github.com/quic-go/quic-go"
)

const (
	// streamWait bounds how long an accepted connection may take to open
	// its stream.
	streamWait = 10 * time.Second

	// closeWait bounds how long Close waits for the peer to finish its side
	// of the stream before the connection is torn down.
	closeWait = 2 * time.Second

	codeNoError  q.ApplicationErrorCode = 0
	codeNoStream q.ApplicationErrorCode = 1
)

func defaultConfig() *q.Config {
	return &q.Config{
		MaxIdleTimeout:  time.Minute,
		KeepAlivePeriod: 15 * time.Second,
	}
}

// Listener accepts QUIC connections and yields the first stream of each.
type Listener struct {
	inner   *q.Listener
	streams chan transport.Conn

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

var _ transport.Listener = (*Listener)(nil)

// Listen binds a UDP address and starts accepting connections.
func Listen(addr string) (*Listener, error) {
	tlsConf, err := NewServerTLSConfig()
	if err != nil {
		return nil, err
	}
	ln, err := q.ListenAddr(addr, tlsConf, defaultConfig())
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &Listener{inner: ln, streams: make(chan transport.Conn), ctx: ctx, cancel: cancel}
	go l.acceptLoop()
	return l, nil
}

func (l *Listener) acceptLoop() {
	for {
		conn, err := l.inner.Accept(l.ctx)
		if err != nil {
			return
		}
		go l.awaitStream(conn)
	}
}

// awaitStream runs per connection so a peer that never opens a stream does
// not hold up the others.
func (l *Listener) awaitStream(conn q.Connection) {
	ctx, cancel := context.WithTimeout(l.ctx, streamWait)
	defer cancel()
	s, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(codeNoStream, "no stream")
		return
	}
	select {
	case l.streams <- &streamConn{conn: conn, Stream: s}:
	case <-l.ctx.Done():
		_ = conn.CloseWithError(codeNoError, "listener closed")
	}
}

func (l *Listener) Accept(ctx context.Context) (transport.Conn, error) {
	select {
	case c := <-l.streams:
		return c, nil
	case <-l.ctx.Done():
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Listener) Addr() net.Addr { return l.inner.Addr() }

func (l *Listener) Close() error {
	var err error
	l.once.Do(func() {
		l.cancel()
		err = l.inner.Close()
	})
	return err
}

// Dialer opens a QUIC connection and one stream per Dial.
type Dialer struct {
	TLSConfig *tls.Config
	Config    *q.Config
}

var _ transport.Dialer = Dialer{}

func (d Dialer) Dial(ctx context.Context, addr string) (transport.Conn, error) {
	tlsConf := d.TLSConfig
	if tlsConf == nil {
		var err error
		if tlsConf, err = NewClientTLSConfig(); err != nil {
			return nil, err
		}
	}
	conf := d.Config
	if conf == nil {
		conf = defaultConfig()
	}
	conn, err := q.DialAddr(ctx, addr, tlsConf, conf)
	if err != nil {
		return nil, err
	}
	s, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(codeNoStream, "open stream failed")
		return nil, err
	}
	return &streamConn{conn: conn, Stream: s}, nil
}

type streamConn struct {
	q.Stream
	conn q.Connection
	once sync.Once
}

func (c *streamConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *streamConn) LocalAddr() net.Addr { return c.conn.LocalAddr() }

// Close ends the stream and the connection that carries it. Closing the
// connection discards unacknowledged stream data, so Close first waits,
// up to closeWait, for the peer's end of the stream.
func (c *streamConn) Close() error {
	var err error
	c.once.Do(func() {
		err = c.Stream.Close()
		_ = c.Stream.SetReadDeadline(time.Now().Add(closeWait))
		_, _ = io.Copy(io.Discard, c.Stream)
		if cerr := c.conn.CloseWithError(codeNoError, ""); err == nil {
			err = cerr
		}
	})
	return err
}
