package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"io"

	"github.com/TheusHen/legosec/legosec/errs"
)

// IVSize is the size of the IV prefixed to SymmetricEncrypt output.
const IVSize = aes.BlockSize

var (
	ErrShortCiphertext = errors.New("crypto: ciphertext shorter than iv")
	ErrInvalidKeySize  = errors.New("crypto: invalid key size")
)

// SymmetricEncrypt encrypts plaintext with AES-256-CFB under a fresh random IV.
// Returns: iv (16 bytes) || ciphertext
func SymmetricEncrypt(key, plaintext []byte) ([]byte, error) {
	block, err := newBlock(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, IVSize+len(plaintext))
	iv := out[:IVSize]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, errs.E(errs.KindCrypto, "symmetric encrypt", err)
	}
	// The bootstrap reply format fixes the mode.
	stream := cipher.NewCFBEncrypter(block, iv) //nolint:staticcheck // SA1019: CFB is the wire format.
	stream.XORKeyStream(out[IVSize:], plaintext)
	return out, nil
}

// SymmetricDecrypt reverses SymmetricEncrypt. CFB carries no integrity: a
// wrong key yields garbage, not an error.
func SymmetricDecrypt(key, ivPrefixed []byte) ([]byte, error) {
	if len(ivPrefixed) < IVSize {
		return nil, errs.E(errs.KindCrypto, "symmetric decrypt", ErrShortCiphertext)
	}
	block, err := newBlock(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(ivPrefixed)-IVSize)
	stream := cipher.NewCFBDecrypter(block, ivPrefixed[:IVSize]) //nolint:staticcheck // SA1019: CFB is the wire format.
	stream.XORKeyStream(out, ivPrefixed[IVSize:])
	return out, nil
}

func newBlock(key []byte) (cipher.Block, error) {
	if len(key) != KeySize {
		return nil, errs.E(errs.KindCrypto, "aes", ErrInvalidKeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errs.E(errs.KindCrypto, "aes", err)
	}
	return block, nil
}
