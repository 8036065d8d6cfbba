package crypto

import (
	"bytes"
	"crypto/rand"
	"errors"
	"path/filepath"
	"testing"

	"github.com/TheusHen/legosec/legosec/errs"
)

func randomBytes(t testing.TB, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return b
}

func TestDerivedKeyRoundTripsKDCParam(t *testing.T) {
	for i := 0; i < 32; i++ {
		clientParam := randomBytes(t, 32)
		kdcParam := randomBytes(t, 32)

		key, err := DeriveKey(clientParam)
		if err != nil {
			t.Fatalf("DeriveKey: %v", err)
		}
		if len(key) != KeySize {
			t.Fatalf("key length = %d", len(key))
		}
		ct, err := SymmetricEncrypt(key, kdcParam)
		if err != nil {
			t.Fatalf("SymmetricEncrypt: %v", err)
		}
		if len(ct) != IVSize+len(kdcParam) {
			t.Fatalf("unexpected ciphertext length %d", len(ct))
		}

		again, _ := DeriveKey(clientParam)
		pt, err := SymmetricDecrypt(again, ct)
		if err != nil {
			t.Fatalf("SymmetricDecrypt: %v", err)
		}
		if !bytes.Equal(pt, kdcParam) {
			t.Fatalf("round trip mismatch")
		}
	}
}

func TestDeriveKeyDeterministic(t *testing.T) {
	secret := []byte("shared secret")
	k1, _ := DeriveKey(secret)
	k2, _ := DeriveKey(secret)
	if !bytes.Equal(k1, k2) {
		t.Fatalf("DeriveKey not deterministic")
	}
	k3, _ := DeriveKey([]byte("other secret"))
	if bytes.Equal(k1, k3) {
		t.Fatalf("different secrets gave same key")
	}
}

func TestSymmetricDecryptShortInput(t *testing.T) {
	key := make([]byte, KeySize)
	_, err := SymmetricDecrypt(key, make([]byte, IVSize-1))
	if !errors.Is(err, errs.ErrCrypto) || !errors.Is(err, ErrShortCiphertext) {
		t.Fatalf("expected short ciphertext crypto error, got %v", err)
	}
	if _, err := SymmetricEncrypt(make([]byte, 7), []byte("x")); !errors.Is(err, errs.ErrCrypto) {
		t.Fatalf("expected crypto error for bad key size, got %v", err)
	}
}

func TestHashConcatenates(t *testing.T) {
	a, b := []byte("client"), []byte("kdc")
	if !bytes.Equal(Hash(a, b), Hash([]byte("clientkdc"))) {
		t.Fatalf("Hash must be over the concatenation")
	}
	if len(Hash(a)) != HashSize {
		t.Fatalf("unexpected digest size")
	}
}

func TestOAEPRoundTripAndFailures(t *testing.T) {
	key, err := GenerateRSAKey(2048)
	if err != nil {
		t.Fatalf("GenerateRSAKey: %v", err)
	}
	msg := randomBytes(t, 32)
	ct, err := AsymmetricEncrypt(&key.PublicKey, msg)
	if err != nil {
		t.Fatalf("AsymmetricEncrypt: %v", err)
	}
	pt, err := AsymmetricDecrypt(key, ct)
	if err != nil {
		t.Fatalf("AsymmetricDecrypt: %v", err)
	}
	if !bytes.Equal(pt, msg) {
		t.Fatalf("oaep round trip mismatch")
	}

	if _, err := AsymmetricDecrypt(key, ct[:100]); !errors.Is(err, errs.ErrCrypto) {
		t.Fatalf("expected crypto error on size mismatch, got %v", err)
	}
	tampered := append([]byte(nil), ct...)
	tampered[10] ^= 0xff
	if _, err := AsymmetricDecrypt(key, tampered); !errors.Is(err, errs.ErrCrypto) {
		t.Fatalf("expected crypto error on tampered ciphertext, got %v", err)
	}
}

func TestPublicKeyPEMRoundTrip(t *testing.T) {
	key, _ := GenerateRSAKey(2048)
	data, err := MarshalPublicKeyPEM(&key.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPublicKeyPEM: %v", err)
	}
	pub, err := ParsePublicKeyPEM(data)
	if err != nil {
		t.Fatalf("ParsePublicKeyPEM: %v", err)
	}
	if !pub.Equal(&key.PublicKey) {
		t.Fatalf("public key mismatch")
	}
	if _, err := ParsePublicKeyPEM([]byte("not pem")); !errors.Is(err, ErrInvalidPEM) {
		t.Fatalf("expected ErrInvalidPEM, got %v", err)
	}
}

func TestLoadOrGenerateRSAKeyPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kdc", "key.pem")
	k1, err := LoadOrGenerateRSAKey(path, 2048)
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	k2, err := LoadOrGenerateRSAKey(path, 2048)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if !k1.Equal(k2) {
		t.Fatalf("expected the persisted key to be reloaded")
	}
}

func TestRecordCipherRoundTrip(t *testing.T) {
	key := randomBytes(t, KeySize)
	sender, err := NewRecordCipher(key)
	if err != nil {
		t.Fatalf("NewRecordCipher: %v", err)
	}
	receiver, _ := NewRecordCipher(key)

	ad := []byte{5, 0}
	for _, msg := range []string{"hello", "secure", "channel"} {
		rec := sender.Seal([]byte(msg), ad)
		if len(rec) != len(msg)+sender.Overhead() {
			t.Fatalf("unexpected record length")
		}
		pt, err := receiver.Open(rec, ad)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		if string(pt) != msg {
			t.Fatalf("got %q want %q", pt, msg)
		}
	}
}

func TestRecordCipherRejectsReplayAndTamper(t *testing.T) {
	key := randomBytes(t, KeySize)
	sender, _ := NewRecordCipher(key)
	receiver, _ := NewRecordCipher(key)

	first := sender.Seal([]byte("one"), nil)
	second := sender.Seal([]byte("two"), nil)
	if _, err := receiver.Open(second, nil); err != nil {
		t.Fatalf("Open second: %v", err)
	}
	if _, err := receiver.Open(first, nil); !errors.Is(err, ErrReplay) {
		t.Fatalf("expected ErrReplay, got %v", err)
	}
	if _, err := receiver.Open(second, nil); !errors.Is(err, ErrReplay) {
		t.Fatalf("expected ErrReplay on duplicate, got %v", err)
	}

	third := sender.Seal([]byte("three"), nil)
	third[len(third)-1] ^= 0xff
	if _, err := receiver.Open(third, nil); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("expected ErrDecryptionFailed, got %v", err)
	}
	if _, err := receiver.Open([]byte{1, 2, 3}, nil); !errors.Is(err, errs.ErrCrypto) {
		t.Fatalf("expected crypto error on short record, got %v", err)
	}
}

func BenchmarkRecordSeal(b *testing.B) {
	c, _ := NewRecordCipher(make([]byte, KeySize))
	plaintext := make([]byte, 64*1024)
	b.SetBytes(int64(len(plaintext)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = c.Seal(plaintext, nil)
	}
}

func BenchmarkSymmetricEncrypt(b *testing.B) {
	key := make([]byte, KeySize)
	plaintext := make([]byte, 32)
	for i := 0; i < b.N; i++ {
		_, _ = SymmetricEncrypt(key, plaintext)
	}
}
