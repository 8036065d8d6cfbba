package crypto

import "crypto/sha256"

// HashSize is the digest size of Hash.
const HashSize = sha256.Size

// Hash returns SHA-256 over the concatenation of parts.
func Hash(parts ...[]byte) []byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}
