package channel

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TheusHen/legosec/legosec/crypto"
	"github.com/TheusHen/legosec/legosec/errs"
	"github.com/TheusHen/legosec/legosec/protocol"
	"github.com/TheusHen/legosec/legosec/transport"
)

const flagCompressed byte = 1 << 0

var (
	ErrMessageTooLarge = errors.New("channel: message too large")
	ErrClosed          = errors.New("channel: use of closed connection")
)

// Conn is an established peer channel. Messages keep their boundaries;
// Read and Write give a plain byte stream over the same records. One reader
// and one writer may use a Conn concurrently.
type Conn struct {
	raw      transport.Conn
	localID  string
	peerID   string
	send     *crypto.RecordCipher
	recv     *crypto.RecordCipher
	compress bool

	wmu     sync.Mutex
	rmu     sync.Mutex
	pending []byte

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func newConn(raw transport.Conn, localID, peerID string, sendKey, recvKey []byte, compress bool) (*Conn, error) {
	send, err := crypto.NewRecordCipher(sendKey)
	if err != nil {
		return nil, err
	}
	recv, err := crypto.NewRecordCipher(recvKey)
	if err != nil {
		return nil, err
	}
	return &Conn{raw: raw, localID: localID, peerID: peerID, send: send, recv: recv, compress: compress}, nil
}

// MaxMessageSize is the largest plaintext a single message may carry.
func (c *Conn) MaxMessageSize() int {
	return protocol.MaxFramePayload - 1 - c.send.Overhead()
}

func (c *Conn) LocalID() string { return c.localID }

// PeerID is the authenticated identity on the other end.
func (c *Conn) PeerID() string { return c.peerID }

func (c *Conn) RemoteAddr() net.Addr { return c.raw.RemoteAddr() }

func (c *Conn) SetDeadline(t time.Time) error { return c.raw.SetDeadline(t) }

// WriteMessage sends msg as one record.
func (c *Conn) WriteMessage(msg []byte) error {
	const op = "channel write"
	if c.closed.Load() {
		return errs.E(errs.KindIO, op, ErrClosed)
	}
	if len(msg) > c.MaxMessageSize() {
		return errs.E(errs.KindIO, op, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(msg)))
	}
	var flags byte
	body := msg
	if c.compress {
		if z, ok := compress(msg); ok {
			body, flags = z, flagCompressed
		}
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	sealed := c.send.Seal(body, recordAD(flags))
	payload := make([]byte, 1+len(sealed))
	payload[0] = flags
	copy(payload[1:], sealed)
	if err := protocol.WriteFrame(c.raw, protocol.Frame{Type: protocol.MessageTypeData, Payload: payload}); err != nil {
		return errs.E(errs.KindIO, op, err)
	}
	return nil
}

// ReadMessage returns the next message. It returns io.EOF once the peer has
// closed the channel.
func (c *Conn) ReadMessage() ([]byte, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	if len(c.pending) > 0 {
		msg := c.pending
		c.pending = nil
		return msg, nil
	}
	return c.readRecord()
}

func (c *Conn) readRecord() ([]byte, error) {
	const op = "channel read"
	f, err := protocol.ReadFrame(c.raw)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if c.closed.Load() {
			return nil, errs.E(errs.KindIO, op, ErrClosed)
		}
		return nil, errs.E(errs.KindIO, op, err)
	}
	switch f.Type {
	case protocol.MessageTypeClose:
		return nil, io.EOF
	case protocol.MessageTypeData:
	default:
		return nil, errs.E(errs.KindHandshake, op, fmt.Errorf("%w: %s", protocol.ErrUnexpected, f.Type))
	}
	if len(f.Payload) < 1 {
		return nil, errs.E(errs.KindCrypto, op, crypto.ErrRecordTooShort)
	}
	flags := f.Payload[0]
	body, err := c.recv.Open(f.Payload[1:], recordAD(flags))
	if err != nil {
		return nil, err
	}
	if flags&flagCompressed != 0 {
		if body, err = decompress(body, c.MaxMessageSize()); err != nil {
			return nil, errs.E(errs.KindCrypto, op, err)
		}
	}
	return body, nil
}

// Read implements io.Reader over the message stream.
func (c *Conn) Read(p []byte) (int, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	for len(c.pending) == 0 {
		msg, err := c.readRecord()
		if err != nil {
			return 0, err
		}
		c.pending = msg
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

// Write implements io.Writer, splitting p into records as needed.
func (c *Conn) Write(p []byte) (int, error) {
	max := c.MaxMessageSize()
	written := 0
	for len(p) > 0 {
		n := min(len(p), max)
		if err := c.WriteMessage(p[:n]); err != nil {
			return written, err
		}
		written += n
		p = p[n:]
	}
	return written, nil
}

// Close tells the peer the channel is done and closes the transport.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		// A writer blocked on a stalled peer holds wmu; the deadline frees it.
		_ = c.raw.SetDeadline(time.Now().Add(time.Second))
		c.wmu.Lock()
		_ = protocol.WriteFrame(c.raw, protocol.Frame{Type: protocol.MessageTypeClose})
		c.wmu.Unlock()
		c.closeErr = c.raw.Close()
	})
	return c.closeErr
}

func recordAD(flags byte) []byte {
	return []byte{byte(protocol.MessageTypeData), flags}
}
