package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"sync"

	"github.com/TheusHen/legosec/legosec/errs"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrRecordTooShort   = errors.New("crypto: record too short")
	ErrDecryptionFailed = errors.New("crypto: decryption failed")
	ErrReplay           = errors.New("crypto: record sequence not increasing")
)

// RecordCipher protects one direction of a peer channel with
// ChaCha20-Poly1305. The 96-bit nonce is a 32-bit random prefix followed by a
// 64-bit counter; the opening side requires the counter to strictly increase.
type RecordCipher struct {
	aead   cipher.AEAD
	prefix [4]byte

	mu      sync.Mutex
	sendSeq uint64
	recvSeq uint64
}

// NewRecordCipher creates a record cipher from a 32-byte key.
func NewRecordCipher(key []byte) (*RecordCipher, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, errs.E(errs.KindCrypto, "record cipher", ErrInvalidKeySize)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, errs.E(errs.KindCrypto, "record cipher", err)
	}
	c := &RecordCipher{aead: aead}
	if _, err := io.ReadFull(rand.Reader, c.prefix[:]); err != nil {
		return nil, errs.E(errs.KindCrypto, "record cipher", err)
	}
	return c, nil
}

// Seal encrypts and authenticates plaintext.
// Returns: nonce (12 bytes) || ciphertext || tag (16 bytes)
func (c *RecordCipher) Seal(plaintext, additionalData []byte) []byte {
	c.mu.Lock()
	c.sendSeq++
	seq := c.sendSeq
	c.mu.Unlock()

	out := make([]byte, chacha20poly1305.NonceSize, chacha20poly1305.NonceSize+len(plaintext)+c.aead.Overhead())
	copy(out[:4], c.prefix[:])
	binary.BigEndian.PutUint64(out[4:], seq)
	return c.aead.Seal(out, out[:chacha20poly1305.NonceSize], plaintext, additionalData)
}

// Open decrypts and verifies a record produced by the peer's Seal.
func (c *RecordCipher) Open(record, additionalData []byte) ([]byte, error) {
	nonceSize := chacha20poly1305.NonceSize
	if len(record) < nonceSize+c.aead.Overhead() {
		return nil, errs.E(errs.KindCrypto, "open record", ErrRecordTooShort)
	}
	nonce := record[:nonceSize]
	plaintext, err := c.aead.Open(nil, nonce, record[nonceSize:], additionalData)
	if err != nil {
		return nil, errs.E(errs.KindCrypto, "open record", ErrDecryptionFailed)
	}

	seq := binary.BigEndian.Uint64(nonce[4:])
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq <= c.recvSeq {
		return nil, errs.E(errs.KindCrypto, "open record", ErrReplay)
	}
	c.recvSeq = seq
	return plaintext, nil
}

// Overhead returns the bytes added to each record.
func (c *RecordCipher) Overhead() int { return chacha20poly1305.NonceSize + c.aead.Overhead() }
