// Package bootstrap implements the asymmetric-then-symmetric exchange that
// gives a client and the KDC a shared PSK.
//
// Wire, one TCP connection, no framing beyond fixed sizes:
//
//	KDC -> client   PEM "PUBLIC KEY" block
//	client -> KDC   RSA-OAEP(client parameter), modulus-size bytes
//	KDC -> client   IV (16) || AES-CFB(DeriveKey(client parameter), KDC parameter)
//
// Both sides then hold PSK = SHA-256(client parameter || KDC parameter). There
// is no confirmation message; a later peer handshake is the only confirmation.
package bootstrap

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/TheusHen/legosec/legosec/crypto"
	"github.com/TheusHen/legosec/legosec/errs"
)

const (
	// ParamSize is the size of each side's random parameter.
	ParamSize = 32

	// ResponseSize is the size of the KDC's step 3 message.
	ResponseSize = crypto.IVSize + ParamSize

	maxKeyAnnounce = 8 << 10
)

var (
	ErrKeyAnnounceTooLarge = errors.New("bootstrap: key announce exceeds limit")
	ErrBadParamSize        = errors.New("bootstrap: parameter has wrong size")
)

// Result is what a client keeps from a successful exchange.
type Result struct {
	PSK          []byte
	KDCPublicKey *rsa.PublicKey
}

// Dial connects to the KDC at addr and runs Initiate. timeout bounds the whole
// exchange; zero means no deadline beyond ctx.
func Dial(ctx context.Context, addr string, timeout time.Duration) (Result, error) {
	var d net.Dialer
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return Result{}, errs.E(errs.KindIO, "bootstrap dial", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	return Initiate(conn)
}

// Initiate runs the client side of the exchange over rw.
func Initiate(rw io.ReadWriter) (Result, error) {
	const op = "bootstrap initiate"
	br := bufio.NewReader(rw)

	announce, err := readKeyAnnounce(br)
	if err != nil {
		return Result{}, handshakeErr(op, err)
	}
	pub, err := crypto.ParsePublicKeyPEM(announce)
	if err != nil {
		return Result{}, errs.E(errs.KindHandshake, op, err)
	}

	clientParam := make([]byte, ParamSize)
	if _, err := io.ReadFull(rand.Reader, clientParam); err != nil {
		return Result{}, errs.E(errs.KindCrypto, op, err)
	}
	sealed, err := crypto.AsymmetricEncrypt(pub, clientParam)
	if err != nil {
		return Result{}, errs.E(errs.KindHandshake, op, err)
	}
	if _, err := rw.Write(sealed); err != nil {
		return Result{}, errs.E(errs.KindIO, op, err)
	}

	resp := make([]byte, ResponseSize)
	if _, err := io.ReadFull(br, resp); err != nil {
		return Result{}, handshakeErr(op, err)
	}
	key, err := crypto.DeriveKey(clientParam)
	if err != nil {
		return Result{}, errs.E(errs.KindHandshake, op, err)
	}
	kdcParam, err := crypto.SymmetricDecrypt(key, resp)
	if err != nil {
		return Result{}, errs.E(errs.KindHandshake, op, err)
	}

	return Result{PSK: crypto.Hash(clientParam, kdcParam), KDCPublicKey: pub}, nil
}

// Respond runs the KDC side of the exchange over rw and returns the PSK.
// A ciphertext that fails to decrypt aborts the exchange; there is no retry.
func Respond(rw io.ReadWriter, priv *rsa.PrivateKey) ([]byte, error) {
	const op = "bootstrap respond"
	announce, err := crypto.MarshalPublicKeyPEM(&priv.PublicKey)
	if err != nil {
		return nil, errs.E(errs.KindHandshake, op, err)
	}
	if _, err := rw.Write(announce); err != nil {
		return nil, errs.E(errs.KindIO, op, err)
	}

	sealed := make([]byte, priv.Size())
	if _, err := io.ReadFull(rw, sealed); err != nil {
		return nil, handshakeErr(op, err)
	}
	clientParam, err := crypto.AsymmetricDecrypt(priv, sealed)
	if err != nil {
		return nil, errs.E(errs.KindHandshake, op, fmt.Errorf("decrypt failure: %w", err))
	}
	if len(clientParam) != ParamSize {
		return nil, errs.E(errs.KindHandshake, op, ErrBadParamSize)
	}

	key, err := crypto.DeriveKey(clientParam)
	if err != nil {
		return nil, errs.E(errs.KindHandshake, op, err)
	}
	kdcParam := make([]byte, ParamSize)
	if _, err := io.ReadFull(rand.Reader, kdcParam); err != nil {
		return nil, errs.E(errs.KindCrypto, op, err)
	}
	resp, err := crypto.SymmetricEncrypt(key, kdcParam)
	if err != nil {
		return nil, errs.E(errs.KindHandshake, op, err)
	}
	if _, err := rw.Write(resp); err != nil {
		return nil, errs.E(errs.KindIO, op, err)
	}
	return crypto.Hash(clientParam, kdcParam), nil
}

func readKeyAnnounce(br *bufio.Reader) ([]byte, error) {
	var buf bytes.Buffer
	for {
		line, err := br.ReadSlice('\n')
		buf.Write(line)
		if buf.Len() > maxKeyAnnounce {
			return nil, ErrKeyAnnounceTooLarge
		}
		if err != nil {
			if errors.Is(err, bufio.ErrBufferFull) {
				continue
			}
			return nil, err
		}
		if bytes.HasPrefix(line, []byte("-----END ")) {
			return buf.Bytes(), nil
		}
	}
}

// handshakeErr classifies a read failure: a peer that closes early or sends
// too little is a protocol violation, anything else is a socket error.
func handshakeErr(op string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, ErrKeyAnnounceTooLarge) {
		return errs.E(errs.KindHandshake, op, fmt.Errorf("malformed message: %w", err))
	}
	return errs.E(errs.KindIO, op, err)
}
