package redis

import (
	"context"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/jonboulle/clockwork"

	"github.com/kacy/app-check/token"
)

// TokenStoreConfig holds configuration for the Redis token persister.
type TokenStoreConfig struct {
	// Client is the Redis client (required).
	Client Cmdable

	// KeyPrefix is prepended to all Redis keys (default: "appcheck:token:").
	KeyPrefix string

	// Clock computes key expirations (default: real clock).
	Clock clockwork.Clock
}

// TokenStore persists tokens in Redis. It implements tokenstore.Persister.
// Keys expire together with the token's locally treated expiry.
type TokenStore struct {
	client    Cmdable
	keyPrefix string
	clock     clockwork.Clock
}

// storedToken is the CBOR representation of a persisted token.
type storedToken struct {
	Value        string `cbor:"1,keyasint"`
	ExpireMillis int64  `cbor:"2,keyasint"`
}

// NewTokenStore creates a new Redis-backed token persister.
func NewTokenStore(cfg TokenStoreConfig) (*TokenStore, error) {
	if cfg.Client == nil {
		return nil, ErrNoClient
	}

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "appcheck:token:"
	}

	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &TokenStore{
		client:    cfg.Client,
		keyPrefix: keyPrefix,
		clock:     clock,
	}, nil
}

// Save persists tok for app. An already expired token removes the key.
func (s *TokenStore) Save(ctx context.Context, app string, tok token.Token) error {
	ttl := tok.ExpireTime().Sub(s.clock.Now())
	if ttl <= 0 {
		return s.Delete(ctx, app)
	}

	data, err := cbor.Marshal(storedToken{Value: tok.Value(), ExpireMillis: tok.ExpireTimeMillis()})
	if err != nil {
		return fmt.Errorf("failed to encode token: %w", err)
	}

	if err := s.client.Set(ctx, s.keyPrefix+app, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}

	return nil
}

// Load returns the persisted token for app.
func (s *TokenStore) Load(ctx context.Context, app string) (token.Token, bool, error) {
	raw, err := s.client.Get(ctx, s.keyPrefix+app).Result()
	if err != nil {
		if isNil(err) {
			return token.Token{}, false, nil
		}
		return token.Token{}, false, fmt.Errorf("failed to load token: %w", err)
	}

	var data storedToken
	if err := cbor.Unmarshal([]byte(raw), &data); err != nil {
		return token.Token{}, false, fmt.Errorf("failed to decode token: %w", err)
	}

	return token.Restore(data.Value, data.ExpireMillis), true, nil
}

// Delete removes the persisted token for app. A missing key is not an error.
func (s *TokenStore) Delete(ctx context.Context, app string) error {
	if err := s.client.Del(ctx, s.keyPrefix+app).Err(); err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	return nil
}
