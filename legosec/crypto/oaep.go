package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/TheusHen/legosec/legosec/errs"
)

const (
	// DefaultRSABits is the KDC key size.
	DefaultRSABits = 2048

	pemPublicKey  = "PUBLIC KEY"
	pemPrivateKey = "PRIVATE KEY"
)

var (
	ErrNotRSAKey  = errors.New("crypto: key is not RSA")
	ErrInvalidPEM = errors.New("crypto: invalid PEM block")
)

// AsymmetricEncrypt encrypts plaintext with RSA-OAEP (SHA-256 hash and MGF1).
func AsymmetricEncrypt(pub *rsa.PublicKey, plaintext []byte) ([]byte, error) {
	if pub == nil {
		return nil, errs.New(errs.KindCrypto, "oaep encrypt", "nil public key")
	}
	ct, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, plaintext, nil)
	if err != nil {
		return nil, errs.E(errs.KindCrypto, "oaep encrypt", err)
	}
	return ct, nil
}

// AsymmetricDecrypt reverses AsymmetricEncrypt. A ciphertext whose length is
// not the modulus size or whose padding does not verify is rejected.
func AsymmetricDecrypt(priv *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	if priv == nil {
		return nil, errs.New(errs.KindCrypto, "oaep decrypt", "nil private key")
	}
	if len(ciphertext) != priv.Size() {
		return nil, errs.E(errs.KindCrypto, "oaep decrypt",
			fmt.Errorf("ciphertext is %d bytes, want %d", len(ciphertext), priv.Size()))
	}
	pt, err := rsa.DecryptOAEP(sha256.New(), nil, priv, ciphertext, nil)
	if err != nil {
		return nil, errs.E(errs.KindCrypto, "oaep decrypt", err)
	}
	return pt, nil
}

// GenerateRSAKey generates a KDC key pair.
func GenerateRSAKey(bits int) (*rsa.PrivateKey, error) {
	if bits <= 0 {
		bits = DefaultRSABits
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, errs.E(errs.KindCrypto, "generate rsa key", err)
	}
	return key, nil
}

// MarshalPublicKeyPEM encodes pub as a PKIX "PUBLIC KEY" PEM block.
func MarshalPublicKeyPEM(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, errs.E(errs.KindCrypto, "marshal public key", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemPublicKey, Bytes: der}), nil
}

// ParsePublicKeyPEM decodes a PEM block produced by MarshalPublicKeyPEM.
func ParsePublicKeyPEM(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != pemPublicKey {
		return nil, errs.E(errs.KindCrypto, "parse public key", ErrInvalidPEM)
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, errs.E(errs.KindCrypto, "parse public key", err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, errs.E(errs.KindCrypto, "parse public key", ErrNotRSAKey)
	}
	return pub, nil
}

// LoadOrGenerateRSAKey reads a PKCS#8 PEM private key from path. When the
// file does not exist a new key is generated and written with mode 0600.
// An empty path always generates an ephemeral key.
func LoadOrGenerateRSAKey(path string, bits int) (*rsa.PrivateKey, error) {
	if path == "" {
		return GenerateRSAKey(bits)
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		return parsePrivateKeyPEM(data)
	case !errors.Is(err, os.ErrNotExist):
		return nil, errs.E(errs.KindIO, "load rsa key", err)
	}

	key, err := GenerateRSAKey(bits)
	if err != nil {
		return nil, err
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, errs.E(errs.KindCrypto, "marshal rsa key", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, errs.E(errs.KindIO, "save rsa key", err)
	}
	out := pem.EncodeToMemory(&pem.Block{Type: pemPrivateKey, Bytes: der})
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return nil, errs.E(errs.KindIO, "save rsa key", err)
	}
	return key, nil
}

func parsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != pemPrivateKey {
		return nil, errs.E(errs.KindCrypto, "parse rsa key", ErrInvalidPEM)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, errs.E(errs.KindCrypto, "parse rsa key", err)
	}
	priv, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errs.E(errs.KindCrypto, "parse rsa key", ErrNotRSAKey)
	}
	return priv, nil
}
