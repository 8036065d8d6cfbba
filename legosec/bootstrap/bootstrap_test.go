package bootstrap

import (
	"bufio"
	"bytes"
	"crypto/rsa"
	"errors"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/TheusHen/legosec/legosec/crypto"
	"github.com/TheusHen/legosec/legosec/errs"
)

var (
	testKeyOnce sync.Once
	testKey     *rsa.PrivateKey
)

func kdcKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	testKeyOnce.Do(func() {
		k, err := crypto.GenerateRSAKey(2048)
		if err != nil {
			t.Fatalf("GenerateRSAKey: %v", err)
		}
		testKey = k
	})
	return testKey
}

type respondResult struct {
	psk []byte
	err error
}

func respondAsync(server net.Conn, key *rsa.PrivateKey) <-chan respondResult {
	out := make(chan respondResult, 1)
	go func() {
		defer server.Close()
		psk, err := Respond(server, key)
		out <- respondResult{psk, err}
	}()
	return out
}

func TestExchangeYieldsSamePSK(t *testing.T) {
	key := kdcKey(t)
	client, server := net.Pipe()
	defer client.Close()

	resCh := respondAsync(server, key)
	res, err := Initiate(client)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	kdc := <-resCh
	if kdc.err != nil {
		t.Fatalf("Respond: %v", kdc.err)
	}
	if len(res.PSK) != crypto.HashSize {
		t.Fatalf("psk length = %d", len(res.PSK))
	}
	if !bytes.Equal(res.PSK, kdc.psk) {
		t.Fatalf("client and kdc PSKs differ")
	}
	if !res.KDCPublicKey.Equal(&key.PublicKey) {
		t.Fatalf("announced key mismatch")
	}
}

func TestFreshParametersPerExchange(t *testing.T) {
	key := kdcKey(t)
	var psks [][]byte
	for i := 0; i < 2; i++ {
		client, server := net.Pipe()
		resCh := respondAsync(server, key)
		res, err := Initiate(client)
		client.Close()
		if err != nil {
			t.Fatalf("Initiate: %v", err)
		}
		<-resCh
		psks = append(psks, res.PSK)
	}
	if bytes.Equal(psks[0], psks[1]) {
		t.Fatalf("two exchanges produced the same PSK")
	}
}

// sendAfterAnnounce reads the KDC key announce then writes payload and closes.
func sendAfterAnnounce(t *testing.T, conn net.Conn, payload []byte) {
	t.Helper()
	br := bufio.NewReader(conn)
	if _, err := readKeyAnnounce(br); err != nil {
		t.Errorf("readKeyAnnounce: %v", err)
		return
	}
	_, _ = conn.Write(payload)
	_ = conn.Close()
}

func TestRespondRejectsTruncatedParam(t *testing.T) {
	key := kdcKey(t)
	client, server := net.Pipe()
	resCh := respondAsync(server, key)
	sendAfterAnnounce(t, client, make([]byte, 100))

	res := <-resCh
	if !errors.Is(res.err, errs.ErrHandshake) {
		t.Fatalf("expected handshake error, got %v", res.err)
	}
	if !errors.Is(res.err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected short read cause, got %v", res.err)
	}
}

func TestRespondRejectsUndecryptableParam(t *testing.T) {
	key := kdcKey(t)
	client, server := net.Pipe()
	resCh := respondAsync(server, key)
	go sendAfterAnnounce(t, client, bytes.Repeat([]byte{0x42}, key.Size()))

	res := <-resCh
	if !errors.Is(res.err, errs.ErrHandshake) || !errors.Is(res.err, errs.ErrCrypto) {
		t.Fatalf("expected handshake+crypto error, got %v", res.err)
	}
}

func TestRespondRejectsWrongParamSize(t *testing.T) {
	key := kdcKey(t)
	sealed, err := crypto.AsymmetricEncrypt(&key.PublicKey, []byte("short"))
	if err != nil {
		t.Fatalf("AsymmetricEncrypt: %v", err)
	}
	client, server := net.Pipe()
	resCh := respondAsync(server, key)
	go sendAfterAnnounce(t, client, sealed)

	res := <-resCh
	if !errors.Is(res.err, ErrBadParamSize) {
		t.Fatalf("expected ErrBadParamSize, got %v", res.err)
	}
}

func TestInitiateRejectsBadAnnounce(t *testing.T) {
	client, server := net.Pipe()
	go func() {
		_, _ = server.Write([]byte("-----BEGIN GARBAGE-----\nzzzz\n-----END GARBAGE-----\n"))
		_ = server.Close()
	}()
	_, err := Initiate(client)
	if !errors.Is(err, errs.ErrHandshake) {
		t.Fatalf("expected handshake error, got %v", err)
	}
}

func TestInitiateRejectsEarlyClose(t *testing.T) {
	client, server := net.Pipe()
	go func() {
		_, _ = server.Write([]byte("-----BEGIN PUBLIC KEY-----\n"))
		_ = server.Close()
	}()
	_, err := Initiate(client)
	if !errors.Is(err, errs.ErrHandshake) {
		t.Fatalf("expected handshake error, got %v", err)
	}
}
