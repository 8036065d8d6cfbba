package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/TheusHen/legosec/legosec/errs"
	"github.com/TheusHen/legosec/legosec/store"
)

// Store is an in-memory store.Store.
// It is useful for tests, examples and single-process deployments where the
// KDC and its clients share one address space.
type Store struct {
	mu       sync.RWMutex
	clients  map[string]store.ClientIdentity
	sessions []store.SessionKey
	logs     []store.ConnectionLog
	now      func() time.Time
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{clients: map[string]store.ClientIdentity{}, now: time.Now}
}

// SetClock overrides the time source (for testing).
func (s *Store) SetClock(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = fn
}

func (s *Store) Get(_ context.Context, clientID string) (store.ClientIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.clients[clientID]
	if !ok {
		return store.ClientIdentity{}, store.ErrNotFound
	}
	return copyIdentity(rec), nil
}

func (s *Store) Upsert(_ context.Context, rec store.ClientIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := store.ValidateNew(rec, s.now()); err != nil {
		return errs.E(errs.KindStore, "upsert client", err)
	}
	rec = copyIdentity(rec)
	if cur, ok := s.clients[rec.ClientID]; ok {
		rec.AuthorizedPeers = cur.AuthorizedPeers
	} else {
		rec.AuthorizedPeers = store.NormalizePeers(rec.AuthorizedPeers)
	}
	s.clients[rec.ClientID] = rec
	return nil
}

func (s *Store) UpdateSet(_ context.Context, clientID string, fn func([]string) []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.clients[clientID]
	if !ok {
		return nil, store.ErrNotFound
	}
	next := store.NormalizePeers(fn(slices.Clone(rec.AuthorizedPeers)))
	rec.AuthorizedPeers = next
	s.clients[clientID] = rec
	return slices.Clone(next), nil
}

func (s *Store) EnsureSessionKey(_ context.Context, candidate store.SessionKey) (store.SessionKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, k := range s.sessions {
		if k.Matches(candidate.Initiator, candidate.Responder) && now.Before(k.ExpiresAt) {
			return copySession(k), nil
		}
	}
	if !candidate.ExpiresAt.After(now) {
		return store.SessionKey{}, errs.E(errs.KindStore, "ensure session key", store.ErrExpiryInPast)
	}
	candidate = copySession(candidate)
	s.sessions = append(s.sessions, candidate)
	return copySession(candidate), nil
}

func (s *Store) AppendLog(_ context.Context, entry store.ConnectionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, entry)
	return nil
}

func (s *Store) RecentLogs(_ context.Context, limit int) ([]store.ConnectionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := slices.Clone(s.logs)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Close() error { return nil }

func copyIdentity(rec store.ClientIdentity) store.ClientIdentity {
	rec.EncryptedSecret = slices.Clone(rec.EncryptedSecret)
	rec.AuthorizedPeers = slices.Clone(rec.AuthorizedPeers)
	rec.PublicKey = slices.Clone(rec.PublicKey)
	return rec
}

func copySession(k store.SessionKey) store.SessionKey {
	k.Key = slices.Clone(k.Key)
	return k
}
