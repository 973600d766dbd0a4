// Package redis provides Redis-backed implementations of the token
// persister and the App Attest key store for deployments where several
// processes share one identity, or where tokens must survive restarts.
//
// This package takes a Redis client from the caller, giving you full control
// over connection pooling, timeouts, and clustering configuration.
// *redis.Client, *redis.ClusterClient and *redis.Ring from
// github.com/redis/go-redis/v9 all satisfy Cmdable.
package redis

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Cmdable is the subset of Redis commands used by this package.
type Cmdable interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *goredis.StatusCmd
	Del(ctx context.Context, keys ...string) *goredis.IntCmd
}

// ErrNoClient is returned when a store is created without a client.
var ErrNoClient = errors.New("redis client is required")

func isNil(err error) bool {
	return errors.Is(err, goredis.Nil)
}
