package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/olymprep/authserver/types"
)

// fakeBackend is a map-backed Backend with a controllable clock.
type fakeBackend struct {
	mu      sync.Mutex
	entries map[string]fakeEntry
	now     time.Time
}

type fakeEntry struct {
	value     []byte
	expiresAt time.Time
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{entries: map[string]fakeEntry{}, now: time.Now()}
}

func (f *fakeBackend) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func (f *fakeBackend) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[key] = fakeEntry{value: value, expiresAt: f.now.Add(ttl)}
	return nil
}

func (f *fakeBackend) Get(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.entries[key]
	if !ok || !f.now.Before(entry.expiresAt) {
		delete(f.entries, key)
		return nil, ErrNotFound
	}
	return entry.value, nil
}

func (f *fakeBackend) Del(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, key)
	return nil
}

func (f *fakeBackend) Close() error { return nil }

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	store := NewStore(backend, 30*time.Minute)

	id, err := store.Create(ctx, "42", types.RoleUser)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if id == "" {
		t.Fatalf("expected a session id")
	}

	rec, err := store.Lookup(ctx, id)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if rec.Subject != "42" || rec.Role != types.RoleUser {
		t.Fatalf("record = %+v, want subject 42 role user", rec)
	}

	if err := store.Destroy(ctx, id); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if _, err := store.Lookup(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Lookup after destroy: got %v, want ErrNotFound", err)
	}
}

func TestSessionExpiry(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	store := NewStore(backend, time.Minute)

	id, err := store.Create(ctx, "7", types.RoleAdmin)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	backend.advance(2 * time.Minute)
	if _, err := store.Lookup(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Lookup after expiry: got %v, want ErrNotFound", err)
	}
}

func TestRevocation(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	store := NewStore(backend, time.Hour)

	revoked, err := store.IsRevoked(ctx, "jti-1")
	if err != nil || revoked {
		t.Fatalf("fresh token id: revoked=%v err=%v", revoked, err)
	}

	if err := store.Revoke(ctx, "jti-1", 10*time.Minute); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	revoked, err = store.IsRevoked(ctx, "jti-1")
	if err != nil || !revoked {
		t.Fatalf("after revoke: revoked=%v err=%v", revoked, err)
	}

	// The denylist entry lapses with the token's own lifetime.
	backend.advance(11 * time.Minute)
	revoked, err = store.IsRevoked(ctx, "jti-1")
	if err != nil || revoked {
		t.Fatalf("after denylist expiry: revoked=%v err=%v", revoked, err)
	}
}

func TestRevokeDeadTokenIsNoop(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	store := NewStore(backend, time.Hour)

	if err := store.Revoke(ctx, "jti-2", -time.Minute); err != nil {
		t.Fatalf("Revoke with negative ttl: %v", err)
	}
	if len(backend.entries) != 0 {
		t.Fatalf("expected no denylist entry for an already-expired token")
	}
}
