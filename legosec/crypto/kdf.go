package crypto

import (
	"crypto/sha256"
	"io"

	"github.com/TheusHen/legosec/legosec/errs"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of every symmetric key produced by this package.
	KeySize = 32

	// KeyLabel is the HKDF info used for the bootstrap symmetric key.
	KeyLabel = "secure-channel-key"
)

// Expand derives length bytes from secret using HKDF-SHA256.
// salt can be nil (uses zero salt), info provides context binding.
func Expand(secret, salt, info []byte, length int) ([]byte, error) {
	hk := hkdf.New(sha256.New, secret, salt, info)
	key := make([]byte, length)
	if _, err := io.ReadFull(hk, key); err != nil {
		return nil, errs.E(errs.KindCrypto, "hkdf expand", err)
	}
	return key, nil
}

// DeriveKey derives the 32-byte bootstrap key from a shared secret, with no
// salt and the fixed KeyLabel.
func DeriveKey(sharedSecret []byte) ([]byte, error) {
	return Expand(sharedSecret, nil, []byte(KeyLabel), KeySize)
}
