package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/kacy/app-check/exchange"
)

// KeyStoreConfig holds configuration for the Redis key store.
type KeyStoreConfig struct {
	// Client is the Redis client (required).
	Client Cmdable

	// KeyPrefix is prepended to all Redis keys (default: "appcheck:attest:").
	KeyPrefix string

	// TTL is how long keys are stored (default: 0 = no expiration).
	TTL time.Duration
}

// KeyStore is a Redis-backed implementation of exchange.KeyStore.
type KeyStore struct {
	client    Cmdable
	keyPrefix string
	ttl       time.Duration
}

// storedKeyData is the CBOR representation of an attested key.
type storedKeyData struct {
	KeyID     string `cbor:"1,keyasint"`
	Artifact  string `cbor:"2,keyasint"`
	CreatedAt int64  `cbor:"3,keyasint"`
}

// NewKeyStore creates a new Redis-backed key store.
func NewKeyStore(cfg KeyStoreConfig) (*KeyStore, error) {
	if cfg.Client == nil {
		return nil, ErrNoClient
	}

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "appcheck:attest:"
	}

	return &KeyStore{
		client:    cfg.Client,
		keyPrefix: keyPrefix,
		ttl:       cfg.TTL,
	}, nil
}

// Store saves the attested key for app, replacing any previous one.
func (s *KeyStore) Store(ctx context.Context, app string, key *exchange.AttestedKey) error {
	createdAt := key.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	data, err := cbor.Marshal(storedKeyData{
		KeyID:     key.KeyID,
		Artifact:  key.Artifact,
		CreatedAt: createdAt.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal key data: %w", err)
	}

	if err := s.client.Set(ctx, s.keyPrefix+app, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store key: %w", err)
	}

	return nil
}

// Load retrieves the attested key for app.
func (s *KeyStore) Load(ctx context.Context, app string) (*exchange.AttestedKey, error) {
	raw, err := s.client.Get(ctx, s.keyPrefix+app).Result()
	if err != nil {
		if isNil(err) {
			return nil, exchange.ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to load key: %w", err)
	}

	var data storedKeyData
	if err := cbor.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal key data: %w", err)
	}

	return &exchange.AttestedKey{
		KeyID:     data.KeyID,
		Artifact:  data.Artifact,
		CreatedAt: time.UnixMilli(data.CreatedAt),
	}, nil
}

// Delete removes the attested key for app.
func (s *KeyStore) Delete(ctx context.Context, app string) error {
	n, err := s.client.Del(ctx, s.keyPrefix+app).Result()
	if err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}
	if n == 0 {
		return exchange.ErrKeyNotFound
	}

	return nil
}
