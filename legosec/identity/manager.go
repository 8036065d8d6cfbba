// Package identity manages a client's registration with the KDC: the local
// identity file, registration and renewal against the KDC's store, and the
// client's authorized peer set.
package identity

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/TheusHen/legosec/legosec/crypto"
	"github.com/TheusHen/legosec/legosec/errs"
	"github.com/TheusHen/legosec/legosec/store"
	"github.com/google/uuid"
)

const (
	// Lifetime is how long a registration stays valid.
	Lifetime = 30 * 24 * time.Hour

	// SecretSize is the size of the per-client secret sealed to the KDC.
	SecretSize = 32

	// PairKeyLifetime is how long a pairwise channel key stays valid.
	PairKeyLifetime = 30 * 24 * time.Hour
)

var (
	ErrSecretMismatch = errors.New("identity: local secret does not match the KDC record")
	ErrExpired        = errors.New("identity: registration expired")
)

// Outcome tells what EnsureRegistered had to do. It is Failed whenever an
// error is returned.
type Outcome int

const (
	Failed Outcome = iota
	Authenticated
	Registered
	Renewed
)

func (o Outcome) String() string {
	switch o {
	case Authenticated:
		return "authenticated"
	case Registered:
		return "registered"
	case Renewed:
		return "renewed"
	default:
		return "failed"
	}
}

type Options struct {
	Logger *slog.Logger
	// Now overrides the clock (for testing).
	Now func() time.Time
}

// Manager is the identity lifecycle of one client. It is safe for concurrent
// use; registration is serialized per Manager.
type Manager struct {
	clientID string
	path     string
	store    store.Store
	logger   *slog.Logger
	now      func() time.Time

	regMu sync.Mutex
}

func NewManager(clientID, dir string, s store.Store, opts Options) (*Manager, error) {
	if err := ValidateClientID(clientID); err != nil {
		return nil, err
	}
	if s == nil {
		return nil, errs.New(errs.KindStore, "new identity manager", "nil store")
	}
	if dir == "" {
		dir = "."
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		clientID: clientID,
		path:     filepath.Join(dir, FileName(clientID)),
		store:    s,
		logger:   opts.Logger.With("client_id", clientID),
		now:      opts.Now,
	}, nil
}

func (m *Manager) ClientID() string { return m.clientID }

// Path is the local identity file.
func (m *Manager) Path() string { return m.path }

// IsRegistered reports whether a local identity exists. A file that exists
// but cannot be read still counts; Load surfaces the read error.
func (m *Manager) IsRegistered() bool {
	_, err := m.Load()
	return !errors.Is(err, ErrNotRegistered)
}

// Load reads the local identity. It returns ErrNotRegistered when there is
// none and an error matching ErrMalformed when the file cannot be decoded.
// Any other read failure is a store error.
func (m *Manager) Load() (LocalIdentity, error) {
	li, err := readLocal(m.path, m.clientID)
	switch {
	case err == nil:
		return li, nil
	case errors.Is(err, ErrNotRegistered), errors.Is(err, ErrMalformed):
		return LocalIdentity{}, err
	default:
		return LocalIdentity{}, errs.E(errs.KindStore, "load identity", err)
	}
}

func (m *Manager) IsExpired(li LocalIdentity) bool {
	return li.Expired(m.now())
}

// Status never fails: an unreadable file is reported as expired, which
// leads to re-registration rather than to a fresh identity.
func (m *Manager) Status() Status {
	li, err := m.Load()
	switch {
	case errors.Is(err, ErrNotRegistered):
		return StatusUnregistered
	case err != nil:
		return StatusExpired
	default:
		return Classify(li, m.now())
	}
}

// Register seals a fresh secret to kdcPub and upserts the KDC record, then
// overwrites the local file. An existing record keeps its authorized peers.
func (m *Manager) Register(ctx context.Context, kdcPub *rsa.PublicKey) (LocalIdentity, error) {
	m.regMu.Lock()
	defer m.regMu.Unlock()
	return m.register(ctx, kdcPub)
}

func (m *Manager) register(ctx context.Context, kdcPub *rsa.PublicKey) (LocalIdentity, error) {
	const op = "register identity"
	if kdcPub == nil {
		return LocalIdentity{}, errs.New(errs.KindCrypto, op, "no KDC public key")
	}
	start := m.now()
	secret := make([]byte, SecretSize)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return LocalIdentity{}, errs.E(errs.KindCrypto, op, err)
	}
	sealed, err := crypto.AsymmetricEncrypt(kdcPub, secret)
	if err != nil {
		return LocalIdentity{}, err
	}

	now := start.UTC().Truncate(time.Second)
	rec := store.ClientIdentity{
		ClientID:        m.clientID,
		EncryptedSecret: sealed,
		AuthorizedPeers: []string{},
		CreatedAt:       now,
		ExpiresAt:       now.Add(Lifetime),
	}
	if err := m.store.Upsert(ctx, rec); err != nil {
		m.audit(ctx, store.ConnReg, "", store.StatusFailed, err.Error(), start)
		return LocalIdentity{}, errs.E(errs.KindStore, op, err)
	}

	li := LocalIdentity{ClientID: m.clientID, EncryptedSecret: sealed, ExpiresAt: rec.ExpiresAt}
	if err := writeLocal(m.path, li); err != nil {
		m.audit(ctx, store.ConnReg, "", store.StatusFailed, err.Error(), start)
		return LocalIdentity{}, errs.E(errs.KindStore, op, err)
	}
	m.audit(ctx, store.ConnReg, "", store.StatusSuccess, "registered until "+li.ExpiresAt.Format(TimeFormat), start)
	m.logger.Info("identity registered", "expires_at", li.ExpiresAt)
	return li, nil
}

// Authenticate checks li against the KDC's record: the sealed secret must
// match and the record must not have expired. It does not issue a new PSK.
func (m *Manager) Authenticate(ctx context.Context, li LocalIdentity) error {
	const op = "authenticate identity"
	start := m.now()
	rec, err := m.store.Get(ctx, m.clientID)
	if errors.Is(err, store.ErrNotFound) {
		m.audit(ctx, store.ConnAuth, "", store.StatusFailed, "no record on KDC", start)
		return errs.E(errs.KindAuthorization, op, err)
	}
	if err != nil {
		return errs.E(errs.KindStore, op, err)
	}
	if !bytes.Equal(rec.EncryptedSecret, li.EncryptedSecret) {
		m.audit(ctx, store.ConnAuth, "", store.StatusFailed, "secret mismatch", start)
		return errs.E(errs.KindAuthorization, op, ErrSecretMismatch)
	}
	if rec.Expired(start) {
		m.audit(ctx, store.ConnAuth, "", store.StatusFailed, "record expired", start)
		return errs.E(errs.KindAuthorization, op, ErrExpired)
	}
	m.audit(ctx, store.ConnAuth, "", store.StatusSuccess, "", start)
	return nil
}

// EnsureRegistered registers when there is no local identity, renews when
// the local identity is expired or malformed or no longer matches the KDC's
// record, and otherwise authenticates.
func (m *Manager) EnsureRegistered(ctx context.Context, kdcPub *rsa.PublicKey) (Outcome, LocalIdentity, error) {
	m.regMu.Lock()
	defer m.regMu.Unlock()

	li, err := m.Load()
	switch {
	case errors.Is(err, ErrNotRegistered):
		return m.renew(ctx, kdcPub, Registered)
	case errors.Is(err, ErrMalformed):
		m.logger.Warn("local identity unreadable, renewing", "err", err)
		return m.renew(ctx, kdcPub, Renewed)
	case err != nil:
		return Failed, LocalIdentity{}, err
	}

	if m.IsExpired(li) {
		m.logger.Info("identity expired, renewing", "expired_at", li.ExpiresAt)
		return m.renew(ctx, kdcPub, Renewed)
	}
	err = m.Authenticate(ctx, li)
	switch {
	case err == nil:
		return Authenticated, li, nil
	case errors.Is(err, store.ErrNotFound), errors.Is(err, ErrExpired), errors.Is(err, ErrSecretMismatch):
		m.logger.Warn("KDC record does not match local identity, renewing", "err", err)
		return m.renew(ctx, kdcPub, Renewed)
	default:
		return Failed, LocalIdentity{}, err
	}
}

func (m *Manager) renew(ctx context.Context, kdcPub *rsa.PublicKey, outcome Outcome) (Outcome, LocalIdentity, error) {
	li, err := m.register(ctx, kdcPub)
	if err != nil {
		return Failed, LocalIdentity{}, err
	}
	return outcome, li, nil
}

func (m *Manager) AuthorizedPeers(ctx context.Context) ([]string, error) {
	rec, err := m.store.Get(ctx, m.clientID)
	if err != nil {
		return nil, errs.E(errs.KindStore, "authorized peers", err)
	}
	return rec.AuthorizedPeers, nil
}

func (m *Manager) IsPeerAuthorized(ctx context.Context, peerID string) (bool, error) {
	peers, err := m.AuthorizedPeers(ctx)
	if err != nil {
		return false, err
	}
	return slices.Contains(peers, peerID), nil
}

// UpdateAuthorizedPeers replaces the authorized peer set and returns the
// stored, normalized set.
func (m *Manager) UpdateAuthorizedPeers(ctx context.Context, peers []string) ([]string, error) {
	for _, p := range peers {
		if err := ValidateClientID(p); err != nil {
			return nil, fmt.Errorf("%w: %q", err, p)
		}
	}
	next := slices.Clone(peers)
	out, err := m.store.UpdateSet(ctx, m.clientID, func([]string) []string { return next })
	if err != nil {
		return nil, errs.E(errs.KindStore, "update authorized peers", err)
	}
	return out, nil
}

// AuthorizePeer adds peerID to the authorized set.
func (m *Manager) AuthorizePeer(ctx context.Context, peerID string) error {
	if err := ValidateClientID(peerID); err != nil {
		return fmt.Errorf("%w: %q", err, peerID)
	}
	_, err := m.store.UpdateSet(ctx, m.clientID, func(cur []string) []string {
		return append(cur, peerID)
	})
	if err != nil {
		return errs.E(errs.KindStore, "authorize peer", err)
	}
	m.logger.Info("peer authorized", "peer", peerID)
	return nil
}

// RevokePeer removes peerID from the authorized set.
func (m *Manager) RevokePeer(ctx context.Context, peerID string) error {
	_, err := m.store.UpdateSet(ctx, m.clientID, func(cur []string) []string {
		return slices.DeleteFunc(cur, func(p string) bool { return p == peerID })
	})
	if err != nil {
		return errs.E(errs.KindStore, "revoke peer", err)
	}
	m.logger.Info("peer revoked", "peer", peerID)
	return nil
}

// PairKey returns the channel key this client shares with peerID, creating
// it in the store when the pair has none.
func (m *Manager) PairKey(ctx context.Context, peerID string) ([]byte, error) {
	const op = "pair key"
	key := make([]byte, crypto.KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, errs.E(errs.KindCrypto, op, err)
	}
	now := m.now().UTC()
	sk, err := m.store.EnsureSessionKey(ctx, store.SessionKey{
		KeyID:     uuid.NewString(),
		Initiator: m.clientID,
		Responder: peerID,
		Key:       key,
		CreatedAt: now,
		ExpiresAt: now.Add(PairKeyLifetime),
	})
	if err != nil {
		return nil, errs.E(errs.KindStore, op, err)
	}
	return sk.Key, nil
}

// Audit records a connection attempt involving this client. Failures to
// write the log are logged and otherwise ignored.
func (m *Manager) Audit(ctx context.Context, typ store.ConnectionType, target string, status store.LogStatus, details string, start time.Time) {
	m.audit(ctx, typ, target, status, details, start)
}

func (m *Manager) audit(ctx context.Context, typ store.ConnectionType, target string, status store.LogStatus, details string, start time.Time) {
	now := m.now()
	err := m.store.AppendLog(ctx, store.ConnectionLog{
		LogID:     uuid.NewString(),
		Type:      typ,
		Initiator: m.clientID,
		Target:    target,
		Timestamp: now.UTC(),
		Status:    status,
		Details:   details,
		Duration:  now.Sub(start),
	})
	if err != nil {
		m.logger.Warn("connection log write failed", "type", string(typ), "err", err)
	}
}
