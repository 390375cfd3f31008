package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a session or key does not exist or has
// already expired.
var ErrNotFound = errors.New("session not found")

// Backend is a minimal expiring key-value store. The production backend is
// Redis; tests substitute a map-backed fake.
type Backend interface {
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, key string) error
	Close() error
}

const (
	sessionKeyPrefix = "session:"
	revokedKeyPrefix = "revoked:"
)

// Record is the server-side state of a cache-backed session.
type Record struct {
	Subject  string    `json:"subject"`
	Role     string    `json:"role"`
	IssuedAt time.Time `json:"issued_at"`
}

// Store manages the secondary cache-backed session class and the token
// revocation denylist. Both live in the same backend under separate
// keyspaces; expiry is delegated to the backend's TTL support.
type Store struct {
	backend Backend
	ttl     time.Duration
}

// NewStore constructs a Store whose sessions expire after ttl.
func NewStore(backend Backend, ttl time.Duration) *Store {
	return &Store{backend: backend, ttl: ttl}
}

// TTL returns the configured session lifetime.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Create registers a new session for the subject and returns its opaque id.
func (s *Store) Create(ctx context.Context, subject, role string) (string, error) {
	id, err := newSessionID()
	if err != nil {
		return "", err
	}

	data, err := json.Marshal(Record{
		Subject:  subject,
		Role:     role,
		IssuedAt: time.Now().UTC(),
	})
	if err != nil {
		return "", err
	}

	if err := s.backend.Put(ctx, sessionKeyPrefix+id, data, s.ttl); err != nil {
		return "", err
	}
	return id, nil
}

// Lookup resolves a session id to its record. Expired or unknown ids yield
// ErrNotFound.
func (s *Store) Lookup(ctx context.Context, id string) (Record, error) {
	data, err := s.backend.Get(ctx, sessionKeyPrefix+id)
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Destroy removes a session immediately.
func (s *Store) Destroy(ctx context.Context, id string) error {
	return s.backend.Del(ctx, sessionKeyPrefix+id)
}

// Revoke denylists a token id until the token would have expired anyway.
// Non-positive TTLs are ignored: the token is already dead.
func (s *Store) Revoke(ctx context.Context, tokenID string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	return s.backend.Put(ctx, revokedKeyPrefix+tokenID, []byte("1"), ttl)
}

// IsRevoked reports whether a token id is on the denylist.
func (s *Store) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	_, err := s.backend.Get(ctx, revokedKeyPrefix+tokenID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Close closes the underlying backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

func newSessionID() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
