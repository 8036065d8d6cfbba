// Package transport is the byte-stream seam under the peer channel. The
// channel handshake and record layer run unchanged over any Conn; TCP is the
// default and package quic provides a QUIC alternative.
package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"time"
)

// ErrClosed is returned by Accept after the listener is closed.
var ErrClosed = net.ErrClosed

// Conn is one reliable, ordered byte stream to a peer.
type Conn interface {
	io.ReadWriteCloser
	RemoteAddr() net.Addr
	SetDeadline(t time.Time) error
}

type Listener interface {
	// Accept blocks until a peer connects, ctx is done or the listener is
	// closed.
	Accept(ctx context.Context) (Conn, error)
	Addr() net.Addr
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, addr string) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, addr string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, addr string) (Conn, error) { return f(ctx, addr) }

// TCPDialer dials plain TCP.
type TCPDialer struct {
	Timeout   time.Duration
	KeepAlive time.Duration
}

func (d TCPDialer) Dial(ctx context.Context, addr string) (Conn, error) {
	nd := net.Dialer{Timeout: d.Timeout, KeepAlive: d.KeepAlive}
	c, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return c, nil
}

type tcpListener struct {
	ln *net.TCPListener
}

// ListenTCP binds addr ("host:port", port 0 for any).
func ListenTCP(addr string) (Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &tcpListener{ln: ln.(*net.TCPListener)}, nil
}

func (l *tcpListener) Accept(ctx context.Context) (Conn, error) {
	// Unblock Accept when ctx ends by expiring the listener deadline.
	stop := context.AfterFunc(ctx, func() { _ = l.ln.SetDeadline(time.Unix(1, 0)) })
	defer stop()
	c, err := l.ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			_ = l.ln.SetDeadline(time.Time{})
			return nil, ctx.Err()
		}
		return nil, err
	}
	return c, nil
}

func (l *tcpListener) Addr() net.Addr { return l.ln.Addr() }

func (l *tcpListener) Close() error { return l.ln.Close() }

// IsClosed reports whether err means the listener was closed.
func IsClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
