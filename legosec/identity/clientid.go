package identity

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
)

const maxClientIDLen = 128

var ErrInvalidClientID = errors.New("identity: invalid client id")

// NewClientID returns a random id of the form client_<8 hex>.
func NewClientID() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("identity: crypto/rand failed: " + err.Error())
	}
	return "client_" + hex.EncodeToString(b[:])
}

// ValidateClientID checks that id is usable both as a store key and as part
// of a file name.
func ValidateClientID(id string) error {
	if id == "" || len(id) > maxClientIDLen {
		return ErrInvalidClientID
	}
	if strings.ContainsAny(id, "/\\\x00") || id != strings.TrimSpace(id) || id == "." || id == ".." {
		return ErrInvalidClientID
	}
	for _, r := range id {
		if r < 0x20 || r == 0x7f {
			return ErrInvalidClientID
		}
	}
	return nil
}
