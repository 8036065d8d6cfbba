// Package channel implements the PSK-authenticated peer channel: a
// three-message handshake keyed only by a pre-shared key, an encrypted
// record layer, and a listener that services many peers concurrently.
//
// Handshake (frames from package protocol):
//
//	initiator -> HINT       nonce_i(32) || client_id
//	acceptor  -> CHALLENGE  nonce_r(32) || HMAC(k_mac, "acceptor" || transcript)
//	          or REJECT     when client_id resolves to no PSK
//	initiator -> FINISHED   HMAC(k_mac, "initiator" || transcript)
//
// k_i2r || k_r2i || k_mac = HKDF-SHA256(psk, nonce_i || nonce_r, label || client_id)
// and transcript = SHA-256(client_id || nonce_i || nonce_r). There are no
// certificates and no public-key operations on this hop.
package channel

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/TheusHen/legosec/legosec/crypto"
	"github.com/TheusHen/legosec/legosec/errs"
	"github.com/TheusHen/legosec/legosec/protocol"
	"github.com/TheusHen/legosec/legosec/transport"
)

const (
	NonceSize = 32

	keyLabel = "legosec-channel-v1"
	macSize  = sha256.Size
)

var (
	ErrRejected  = errors.New("channel: peer rejected identity")
	ErrBadMAC    = errors.New("channel: handshake authentication failed")
	ErrBadHint   = errors.New("channel: malformed identity hint")
	ErrNoPSK     = errors.New("channel: empty pre-shared key")
	ErrUnknownID = errors.New("channel: identity not authorized")
)

// PSKResolver maps the identity hint presented by an initiator to the PSK
// to use with it. It reports false to reject the identity. It is called
// from concurrent handshakes and must be safe for that.
type PSKResolver func(clientID string) ([]byte, bool)

// Options tune both handshake roles.
type Options struct {
	// Timeout bounds the handshake when ctx carries no deadline.
	Timeout time.Duration
	// Compress enables LZ4 on outgoing records that shrink.
	Compress bool
}

type sessionKeys struct {
	i2r, r2i, mac []byte
	transcript    []byte
}

func deriveKeys(psk, nonceI, nonceR []byte, clientID string) (sessionKeys, error) {
	salt := make([]byte, 0, 2*NonceSize)
	salt = append(append(salt, nonceI...), nonceR...)
	okm, err := crypto.Expand(psk, salt, append([]byte(keyLabel), clientID...), 3*crypto.KeySize)
	if err != nil {
		return sessionKeys{}, err
	}
	return sessionKeys{
		i2r:        okm[:crypto.KeySize],
		r2i:        okm[crypto.KeySize : 2*crypto.KeySize],
		mac:        okm[2*crypto.KeySize:],
		transcript: crypto.Hash([]byte(clientID), nonceI, nonceR),
	}, nil
}

func (k sessionKeys) proof(role string) []byte {
	h := hmac.New(sha256.New, k.mac)
	h.Write([]byte(role))
	h.Write(k.transcript)
	return h.Sum(nil)
}

// Initiate runs the initiator side over c, presenting localID as the
// identity hint and psk as key material. peerID names the acceptor for the
// returned Conn; it is not sent.
func Initiate(ctx context.Context, c transport.Conn, localID, peerID string, psk []byte, opts Options) (*Conn, error) {
	const op = "channel initiate"
	if len(psk) == 0 {
		return nil, errs.E(errs.KindHandshake, op, ErrNoPSK)
	}
	if localID == "" || len(localID) > protocol.MaxFramePayload-NonceSize {
		return nil, errs.E(errs.KindHandshake, op, ErrBadHint)
	}
	stop := bindDeadline(ctx, c, opts.Timeout)
	defer stop()

	nonceI := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonceI); err != nil {
		return nil, errs.E(errs.KindCrypto, op, err)
	}
	hint := append(append(make([]byte, 0, NonceSize+len(localID)), nonceI...), localID...)
	if err := protocol.WriteFrame(c, protocol.Frame{Type: protocol.MessageTypeHint, Payload: hint}); err != nil {
		return nil, ioErr(ctx, op, err)
	}

	f, err := protocol.ReadFrame(c)
	if err != nil {
		return nil, readErr(ctx, op, err)
	}
	switch f.Type {
	case protocol.MessageTypeChallenge:
	case protocol.MessageTypeReject:
		return nil, errs.E(errs.KindHandshake, op, ErrRejected)
	default:
		return nil, errs.E(errs.KindHandshake, op, fmt.Errorf("%w: got %s", protocol.ErrUnexpected, f.Type))
	}
	if len(f.Payload) != NonceSize+macSize {
		return nil, errs.E(errs.KindHandshake, op, fmt.Errorf("challenge of %d bytes", len(f.Payload)))
	}
	nonceR := f.Payload[:NonceSize]

	keys, err := deriveKeys(psk, nonceI, nonceR, localID)
	if err != nil {
		return nil, errs.E(errs.KindHandshake, op, err)
	}
	if !hmac.Equal(f.Payload[NonceSize:], keys.proof("acceptor")) {
		return nil, errs.E(errs.KindHandshake, op, ErrBadMAC)
	}
	if err := protocol.WriteFrame(c, protocol.Frame{Type: protocol.MessageTypeFinished, Payload: keys.proof("initiator")}); err != nil {
		return nil, ioErr(ctx, op, err)
	}
	return newConn(c, localID, peerID, keys.i2r, keys.r2i, opts.Compress)
}

// Accept runs the acceptor side over c. The initiator's identity hint is
// resolved with resolve; an identity without a PSK gets REJECT.
func Accept(ctx context.Context, c transport.Conn, localID string, resolve PSKResolver, opts Options) (*Conn, error) {
	const op = "channel accept"
	stop := bindDeadline(ctx, c, opts.Timeout)
	defer stop()

	f, err := protocol.Expect(c, protocol.MessageTypeHint)
	if err != nil {
		return nil, readErr(ctx, op, err)
	}
	if len(f.Payload) <= NonceSize {
		return nil, errs.E(errs.KindHandshake, op, ErrBadHint)
	}
	nonceI := f.Payload[:NonceSize]
	peerID := string(f.Payload[NonceSize:])

	psk, ok := resolve(peerID)
	if !ok || len(psk) == 0 {
		_ = protocol.WriteFrame(c, protocol.Frame{Type: protocol.MessageTypeReject})
		return nil, errs.E(errs.KindHandshake, op, fmt.Errorf("%w: %q", ErrUnknownID, peerID))
	}

	nonceR := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonceR); err != nil {
		return nil, errs.E(errs.KindCrypto, op, err)
	}
	keys, err := deriveKeys(psk, nonceI, nonceR, peerID)
	if err != nil {
		return nil, errs.E(errs.KindHandshake, op, err)
	}
	challenge := append(append(make([]byte, 0, NonceSize+macSize), nonceR...), keys.proof("acceptor")...)
	if err := protocol.WriteFrame(c, protocol.Frame{Type: protocol.MessageTypeChallenge, Payload: challenge}); err != nil {
		return nil, ioErr(ctx, op, err)
	}

	f, err = protocol.Expect(c, protocol.MessageTypeFinished)
	if err != nil {
		return nil, readErr(ctx, op, err)
	}
	if !hmac.Equal(f.Payload, keys.proof("initiator")) {
		return nil, errs.E(errs.KindHandshake, op, ErrBadMAC)
	}
	return newConn(c, localID, peerID, keys.r2i, keys.i2r, opts.Compress)
}

// bindDeadline applies ctx's deadline (or timeout) to c and expires it early
// if ctx is cancelled. The returned func clears the deadline.
func bindDeadline(ctx context.Context, c transport.Conn, timeout time.Duration) func() {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.SetDeadline(deadline)
	} else if timeout > 0 {
		_ = c.SetDeadline(time.Now().Add(timeout))
	}
	stop := context.AfterFunc(ctx, func() { _ = c.SetDeadline(time.Unix(1, 0)) })
	return func() {
		stop()
		_ = c.SetDeadline(time.Time{})
	}
}

// readErr classifies a failed handshake read: a short or unexpected message
// is a protocol violation, anything else a socket error.
func readErr(ctx context.Context, op string, err error) error {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, protocol.ErrUnexpected), errors.Is(err, protocol.ErrInvalidType),
		errors.Is(err, protocol.ErrFrameTooLarge):
		return errs.E(errs.KindHandshake, op, fmt.Errorf("malformed message: %w", err))
	}
	return ioErr(ctx, op, err)
}

func ioErr(ctx context.Context, op string, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		err = fmt.Errorf("%w (%v)", cerr, err)
	}
	return errs.E(errs.KindIO, op, err)
}
