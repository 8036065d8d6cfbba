// Package storetest is a conformance suite for store.Store implementations.
package storetest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/TheusHen/legosec/legosec/errs"
	"github.com/TheusHen/legosec/legosec/store"
	"github.com/google/uuid"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) store.Store

// NewIdentity returns a valid record for clientID expiring in 30 days.
func NewIdentity(clientID string) store.ClientIdentity {
	now := time.Now().UTC().Truncate(time.Second)
	return store.ClientIdentity{
		ClientID:        clientID,
		EncryptedSecret: bytes.Repeat([]byte{0xA5}, 256),
		CreatedAt:       now,
		ExpiresAt:       now.Add(30 * 24 * time.Hour),
	}
}

// NewSessionKey returns a valid pair key for a and b.
func NewSessionKey(a, b string) store.SessionKey {
	now := time.Now().UTC().Truncate(time.Second)
	return store.SessionKey{
		KeyID:     uuid.NewString(),
		Initiator: a,
		Responder: b,
		Key:       []byte(uuid.NewString()[:32]),
		CreatedAt: now,
		ExpiresAt: now.Add(24 * time.Hour),
	}
}

// Run exercises every Store operation against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"GetMissing", testGetMissing},
		{"UpsertAndGet", testUpsertAndGet},
		{"UpsertRejectsPastExpiry", testUpsertRejectsPastExpiry},
		{"RenewalPreservesPeers", testRenewalPreservesPeers},
		{"UpdateSet", testUpdateSet},
		{"ConcurrentUpdateSet", testConcurrentUpdateSet},
		{"EnsureSessionKey", testEnsureSessionKey},
		{"Logs", testLogs},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newStore(t)
			defer s.Close()
			tc.fn(t, s)
		})
	}
}

func testGetMissing(t *testing.T, s store.Store) {
	if _, err := s.Get(context.Background(), "nobody"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testUpsertAndGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec := NewIdentity("client_a")
	rec.AuthorizedPeers = []string{"client_c", " client_b ", "client_c", ""}
	if err := s.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	got, err := s.Get(ctx, "client_a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got.EncryptedSecret, rec.EncryptedSecret) {
		t.Fatalf("secret mismatch")
	}
	if !got.ExpiresAt.Equal(rec.ExpiresAt) {
		t.Fatalf("expires_at = %v want %v", got.ExpiresAt, rec.ExpiresAt)
	}
	if !slices.Equal(got.AuthorizedPeers, []string{"client_b", "client_c"}) {
		t.Fatalf("peers = %v", got.AuthorizedPeers)
	}
	if got.Expired(time.Now()) {
		t.Fatalf("fresh record reported expired")
	}
}

func testUpsertRejectsPastExpiry(t *testing.T, s store.Store) {
	rec := NewIdentity("client_a")
	rec.ExpiresAt = time.Now().Add(-time.Hour)
	err := s.Upsert(context.Background(), rec)
	if !errors.Is(err, errs.ErrStore) || !errors.Is(err, store.ErrExpiryInPast) {
		t.Fatalf("expected store constraint error, got %v", err)
	}
	rec = NewIdentity("")
	if err := s.Upsert(context.Background(), rec); !errors.Is(err, store.ErrInvalidID) {
		t.Fatalf("expected ErrInvalidID, got %v", err)
	}
}

func testRenewalPreservesPeers(t *testing.T, s store.Store) {
	ctx := context.Background()
	first := NewIdentity("client_a")
	if err := s.Upsert(ctx, first); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if _, err := s.UpdateSet(ctx, "client_a", func([]string) []string { return []string{"client_b"} }); err != nil {
		t.Fatalf("UpdateSet: %v", err)
	}

	renewed := NewIdentity("client_a")
	renewed.EncryptedSecret = bytes.Repeat([]byte{0x5A}, 256)
	renewed.ExpiresAt = first.ExpiresAt.Add(time.Hour)
	renewed.AuthorizedPeers = nil
	if err := s.Upsert(ctx, renewed); err != nil {
		t.Fatalf("renew Upsert: %v", err)
	}
	got, _ := s.Get(ctx, "client_a")
	if !bytes.Equal(got.EncryptedSecret, renewed.EncryptedSecret) {
		t.Fatalf("secret not replaced on renewal")
	}
	if !got.ExpiresAt.Equal(renewed.ExpiresAt) {
		t.Fatalf("expiry not replaced on renewal")
	}
	if !slices.Equal(got.AuthorizedPeers, []string{"client_b"}) {
		t.Fatalf("renewal dropped peers: %v", got.AuthorizedPeers)
	}
}

func testUpdateSet(t *testing.T, s store.Store) {
	ctx := context.Background()
	if _, err := s.UpdateSet(ctx, "nobody", func(p []string) []string { return p }); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.Upsert(ctx, NewIdentity("client_a")); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	got, err := s.UpdateSet(ctx, "client_a", func([]string) []string { return []string{"z", "y", "z"} })
	if err != nil {
		t.Fatalf("UpdateSet: %v", err)
	}
	if !slices.Equal(got, []string{"y", "z"}) {
		t.Fatalf("UpdateSet returned %v", got)
	}
	got, _ = s.UpdateSet(ctx, "client_a", func(cur []string) []string {
		return slices.DeleteFunc(cur, func(p string) bool { return p == "y" })
	})
	if !slices.Equal(got, []string{"z"}) {
		t.Fatalf("after delete %v", got)
	}
	rec, _ := s.Get(ctx, "client_a")
	if !slices.Equal(rec.AuthorizedPeers, []string{"z"}) {
		t.Fatalf("stored peers %v", rec.AuthorizedPeers)
	}
}

func testConcurrentUpdateSet(t *testing.T, s store.Store) {
	ctx := context.Background()
	if err := s.Upsert(ctx, NewIdentity("client_a")); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	const n = 20
	var wg sync.WaitGroup
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			peer := fmt.Sprintf("peer_%02d", i)
			_, err := s.UpdateSet(ctx, "client_a", func(cur []string) []string { return append(cur, peer) })
			errCh <- err
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			t.Fatalf("UpdateSet: %v", err)
		}
	}
	rec, _ := s.Get(ctx, "client_a")
	if len(rec.AuthorizedPeers) != n {
		t.Fatalf("lost updates: %d peers, want %d", len(rec.AuthorizedPeers), n)
	}
}

func testEnsureSessionKey(t *testing.T, s store.Store) {
	ctx := context.Background()
	first := NewSessionKey("client_a", "client_b")
	got, err := s.EnsureSessionKey(ctx, first)
	if err != nil {
		t.Fatalf("EnsureSessionKey: %v", err)
	}
	if got.KeyID != first.KeyID || !bytes.Equal(got.Key, first.Key) {
		t.Fatalf("first call should store the candidate")
	}

	reversed := NewSessionKey("client_b", "client_a")
	got, err = s.EnsureSessionKey(ctx, reversed)
	if err != nil {
		t.Fatalf("EnsureSessionKey reversed: %v", err)
	}
	if got.KeyID != first.KeyID || !bytes.Equal(got.Key, first.Key) {
		t.Fatalf("reversed pair should return the existing key")
	}

	other := NewSessionKey("client_a", "client_c")
	got, _ = s.EnsureSessionKey(ctx, other)
	if got.KeyID != other.KeyID {
		t.Fatalf("different pair should get its own key")
	}
}

func testLogs(t *testing.T, s store.Store) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)
	for i := 0; i < 3; i++ {
		entry := store.ConnectionLog{
			LogID:     uuid.NewString(),
			Type:      store.ConnP2P,
			Initiator: "client_a",
			Target:    "client_b",
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Status:    store.StatusSuccess,
			Details:   fmt.Sprintf("attempt %d", i),
			Duration:  time.Duration(i) * time.Millisecond,
		}
		if err := s.AppendLog(ctx, entry); err != nil {
			t.Fatalf("AppendLog: %v", err)
		}
	}
	got, err := s.RecentLogs(ctx, 2)
	if err != nil {
		t.Fatalf("RecentLogs: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d logs", len(got))
	}
	if got[0].Details != "attempt 2" || got[1].Details != "attempt 1" {
		t.Fatalf("logs not newest first: %q, %q", got[0].Details, got[1].Details)
	}
	if got[0].Type != store.ConnP2P || got[0].Status != store.StatusSuccess {
		t.Fatalf("log fields not preserved")
	}
}
