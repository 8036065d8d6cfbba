// Package store defines the KDC's durable records and the narrow Store seam
// through which every component reads and writes them.
//
// Implementations serialize writes per record and allow concurrent reads.
// Upsert and UpdateSet are transactional read-modify-write operations so that
// a renewal racing an authorization change never loses either update.
package store

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"
)

var (
	ErrNotFound     = errors.New("store: not found")
	ErrInvalidID    = errors.New("store: empty client id")
	ErrExpiryInPast = errors.New("store: expires_at must be in the future")
)

// ClientIdentity is the KDC's authoritative record of one client.
type ClientIdentity struct {
	ClientID        string
	EncryptedSecret []byte
	AuthorizedPeers []string
	CreatedAt       time.Time
	ExpiresAt       time.Time
	PublicKey       []byte // unused by the protocol, kept for the record
}

// Expired reports whether the record has expired at now.
func (c ClientIdentity) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// SessionKey is a key shared by one pair of clients for their peer channel.
// The pair is unordered: Initiator is only the client that created it.
type SessionKey struct {
	KeyID     string
	Initiator string
	Responder string
	Key       []byte
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Matches reports whether k belongs to the unordered pair {a, b}.
func (k SessionKey) Matches(a, b string) bool {
	return (k.Initiator == a && k.Responder == b) || (k.Initiator == b && k.Responder == a)
}

type ConnectionType string

const (
	ConnKDC  ConnectionType = "KDC"
	ConnP2P  ConnectionType = "P2P"
	ConnReg  ConnectionType = "REG"
	ConnAuth ConnectionType = "AUTH"
	ConnKey  ConnectionType = "KEY"
)

type LogStatus string

const (
	StatusSuccess LogStatus = "SUCCESS"
	StatusFailed  LogStatus = "FAILED"
	StatusPending LogStatus = "PENDING"
)

// ConnectionLog is an audit entry for a bootstrap, registration or peer
// connection attempt.
type ConnectionLog struct {
	LogID      string
	Type       ConnectionType
	Initiator  string
	Target     string
	Timestamp  time.Time
	Status     LogStatus
	Details    string
	RemoteAddr string
	Duration   time.Duration
}

// Identities is the ClientIdentity part of the seam.
type Identities interface {
	// Get returns the record for clientID or ErrNotFound.
	Get(ctx context.Context, clientID string) (ClientIdentity, error)

	// Upsert creates the record or replaces its secret, timestamps and public
	// key. The authorized peer set of an existing record is left untouched;
	// a new record starts with rec.AuthorizedPeers.
	Upsert(ctx context.Context, rec ClientIdentity) error

	// UpdateSet replaces the authorized peer set of clientID with
	// fn(current) inside one transaction and returns the stored set.
	UpdateSet(ctx context.Context, clientID string, fn func(current []string) []string) ([]string, error)
}

// SessionKeys is the pairwise channel key part of the seam.
type SessionKeys interface {
	// EnsureSessionKey returns the unexpired key for the pair in candidate,
	// inserting candidate when there is none.
	EnsureSessionKey(ctx context.Context, candidate SessionKey) (SessionKey, error)
}

// Logs is the audit part of the seam.
type Logs interface {
	AppendLog(ctx context.Context, entry ConnectionLog) error
	// RecentLogs returns up to limit entries, newest first.
	RecentLogs(ctx context.Context, limit int) ([]ConnectionLog, error)
}

// Store is everything the KDC persists.
type Store interface {
	Identities
	SessionKeys
	Logs
	Close() error
}

// NormalizePeers returns the set semantics of an authorized peer list:
// trimmed, de-duplicated, sorted, without empty entries.
func NormalizePeers(peers []string) []string {
	out := make([]string, 0, len(peers))
	for _, p := range peers {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// ValidateNew checks the creation-time invariants of rec at now.
func ValidateNew(rec ClientIdentity, now time.Time) error {
	if strings.TrimSpace(rec.ClientID) == "" {
		return ErrInvalidID
	}
	if !rec.ExpiresAt.After(now) {
		return ErrExpiryInPast
	}
	return nil
}
