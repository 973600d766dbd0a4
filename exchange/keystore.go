package exchange

import (
	"context"
	"errors"
	"sync"
	"time"
)

// KeyStore keeps the attested App Attest key of each app.
// Implementations should be thread-safe.
type KeyStore interface {
	// Store saves the attested key for app, replacing any previous one.
	Store(ctx context.Context, app string, key *AttestedKey) error

	// Load retrieves the attested key for app.
	Load(ctx context.Context, app string) (*AttestedKey, error)

	// Delete removes the attested key for app.
	Delete(ctx context.Context, app string) error
}

// AttestedKey is an App Attest key the backend has accepted.
type AttestedKey struct {
	// KeyID is the device key identifier.
	KeyID string

	// Artifact is the opaque value returned by the attestation exchange,
	// sent back with every assertion.
	Artifact string

	// CreatedAt is when the key was stored.
	CreatedAt time.Time
}

// Common errors for KeyStore implementations.
var (
	ErrKeyNotFound = errors.New("attested key not found")
)

// MemoryKeyStore is an in-memory implementation of KeyStore.
// Keys are lost when the process exits, so every restart attests again.
type MemoryKeyStore struct {
	mu   sync.RWMutex
	keys map[string]*AttestedKey
}

// NewMemoryKeyStore creates a new in-memory key store.
func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{
		keys: make(map[string]*AttestedKey),
	}
}

// Store saves the attested key for app.
func (s *MemoryKeyStore) Store(ctx context.Context, app string, key *AttestedKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keyCopy := *key
	if keyCopy.CreatedAt.IsZero() {
		keyCopy.CreatedAt = time.Now()
	}
	s.keys[app] = &keyCopy
	return nil
}

// Load retrieves the attested key for app.
func (s *MemoryKeyStore) Load(ctx context.Context, app string) (*AttestedKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, exists := s.keys[app]
	if !exists {
		return nil, ErrKeyNotFound
	}

	keyCopy := *key
	return &keyCopy, nil
}

// Delete removes the attested key for app.
func (s *MemoryKeyStore) Delete(ctx context.Context, app string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.keys[app]; !exists {
		return ErrKeyNotFound
	}

	delete(s.keys, app)
	return nil
}
