package identity

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// TimeFormat is the layout of expires_at in the local file, always UTC.
const TimeFormat = "2006-01-02 15:04:05"

var (
	ErrNotRegistered = errors.New("identity: no local identity")
	ErrMalformed     = errors.New("identity: malformed local identity")
)

// LocalIdentity is a client's own view of its registration. It lets the
// client decide between registering and authenticating without asking the
// KDC; the KDC's record stays authoritative.
type LocalIdentity struct {
	ClientID        string
	EncryptedSecret []byte
	ExpiresAt       time.Time
}

// Expired reports whether li has expired at now. An identity whose timestamp
// could not be parsed has a zero ExpiresAt and is always expired.
func (li LocalIdentity) Expired(now time.Time) bool {
	return !now.Before(li.ExpiresAt)
}

type localFile struct {
	ClientID        string `json:"client_id"`
	EncryptedSecret string `json:"encrypted_secret"`
	ExpiresAt       string `json:"expires_at"`
}

// FileName returns the local identity file name for clientID.
func FileName(clientID string) string {
	return "." + clientID + "_identity.json"
}

func readLocal(path, clientID string) (LocalIdentity, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return LocalIdentity{}, ErrNotRegistered
	}
	if err != nil {
		return LocalIdentity{}, err
	}
	var f localFile
	if err := json.Unmarshal(data, &f); err != nil {
		return LocalIdentity{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if f.ClientID != clientID {
		return LocalIdentity{}, fmt.Errorf("%w: file belongs to %q", ErrMalformed, f.ClientID)
	}
	secret, err := hex.DecodeString(f.EncryptedSecret)
	if err != nil || len(secret) == 0 {
		return LocalIdentity{}, fmt.Errorf("%w: encrypted_secret is not hex", ErrMalformed)
	}
	li := LocalIdentity{ClientID: f.ClientID, EncryptedSecret: secret}
	if ts, err := time.ParseInLocation(TimeFormat, f.ExpiresAt, time.UTC); err == nil {
		li.ExpiresAt = ts
	}
	return li, nil
}

// writeLocal replaces the file at path atomically with mode 0600.
func writeLocal(path string, li LocalIdentity) error {
	data, err := json.MarshalIndent(localFile{
		ClientID:        li.ClientID,
		EncryptedSecret: hex.EncodeToString(li.EncryptedSecret),
		ExpiresAt:       li.ExpiresAt.UTC().Format(TimeFormat),
	}, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
