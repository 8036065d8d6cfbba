// Package crypto provides the primitives used by the KDC bootstrap and the
// peer channel.
//
//   - RSA-OAEP with SHA-256 for the client parameter and registration secrets
//   - HKDF-SHA256 for symmetric key derivation
//   - AES-CFB with a random, prefixed IV for the KDC parameter
//   - SHA-256 for the PSK
//   - ChaCha20-Poly1305 records with counter nonces for the peer channel
//
// Every failure is returned as an errs.ErrCrypto kind error.
package crypto
